package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/faults"
	"github.com/paulschiretz/pgl-mirror/pkg/mapping"
	"github.com/paulschiretz/pgl-mirror/pkg/notify"
	"github.com/paulschiretz/pgl-mirror/pkg/translate"
	"github.com/paulschiretz/pgl-mirror/pkg/watch"
)

// startEngine runs e until the test ends.
func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
		e.Close()
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func hasContent(path, want string) func() bool {
	return func() bool {
		got, err := os.ReadFile(path)
		return err == nil && string(got) == want
	}
}

func missing(path string) func() bool {
	return func() bool {
		_, err := os.Lstat(path)
		return os.IsNotExist(err)
	}
}

type layout struct {
	data   string
	srcA   string
	mirror string
}

func newLayout(t *testing.T) layout {
	t.Helper()
	base := t.TempDir()
	l := layout{data: filepath.Join(base, "data"), srcA: filepath.Join(base, "data", "A"), mirror: filepath.Join(base, "mirror", "M")}
	if err := os.MkdirAll(l.srcA, 0755); err != nil {
		t.Fatal(err)
	}
	return l
}

func (l layout) config() *mapping.Configuration {
	return mapping.New(mapping.WatchMapping{Source: l.srcA, Targets: []string{l.mirror}})
}

func TestTryLoadConfiguration(t *testing.T) {
	l := newLayout(t)
	e := New(Options{Watcher: watch.NewManual(64)})
	defer e.Close()

	t.Run("Valid configuration becomes current", func(t *testing.T) {
		cfg := l.config()
		ok, err := e.TryLoadConfiguration(context.Background(), cfg)
		if !ok || err != nil {
			t.Fatalf("TryLoadConfiguration = %v, %v", ok, err)
		}
		if e.Current() != cfg {
			t.Error("Current does not return the loaded configuration")
		}
		if len(e.Handles()) != 1 {
			t.Errorf("expected one active watch, got %v", e.Handles())
		}
	})

	t.Run("Invalid configuration is rejected", func(t *testing.T) {
		before := e.Current()
		bad := mapping.New(mapping.WatchMapping{Source: l.srcA, Targets: []string{filepath.Join(l.srcA, "inside")}})
		ok, err := e.TryLoadConfiguration(context.Background(), bad)
		if ok || !faults.Is(err, faults.Validation) {
			t.Fatalf("expected Validation failure, got %v, %v", ok, err)
		}
		if e.Current() != before {
			t.Error("rejected configuration replaced the current one")
		}
	})

	t.Run("Lock held by a reader times out", func(t *testing.T) {
		locked := New(Options{Watcher: watch.NewManual(64), LockTimeout: 50 * time.Millisecond})
		defer locked.Close()
		first := l.config()
		if ok, _ := locked.TryLoadConfiguration(context.Background(), first); !ok {
			t.Fatal("initial load failed")
		}

		release, err := locked.store.RLock(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		defer release()

		ok, err := locked.TryLoadConfiguration(context.Background(), mapping.New(mapping.WatchMapping{Source: l.srcA, Targets: []string{filepath.Join(l.data, "other")}}))
		if ok || !faults.Is(err, faults.LockTimeout) {
			t.Fatalf("expected LockTimeout, got %v, %v", ok, err)
		}
		if locked.Current() != first {
			t.Error("configuration changed despite lock timeout")
		}
	})
}

func TestAddMapping_Idempotent(t *testing.T) {
	l := newLayout(t)
	w := watch.NewManual(64)
	e := New(Options{Watcher: w})
	defer e.Close()

	for range 2 {
		ok, err := e.AddMapping(context.Background(), l.srcA, l.mirror)
		if !ok || err != nil {
			t.Fatalf("AddMapping = %v, %v", ok, err)
		}
	}
	if got := len(e.Handles()); got != 1 {
		t.Errorf("expected one handle, got %d", got)
	}
	if w.WatchCalls() != 1 {
		t.Errorf("expected one Watch call, got %d", w.WatchCalls())
	}
	entries, err := os.ReadDir(filepath.Dir(l.mirror))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected one target directory, got %d", len(entries))
	}
	if e.Current().Len() != 1 || !e.Current().Contains(l.srcA, l.mirror) {
		t.Errorf("unexpected configuration after AddMapping: %+v", e.Current().Mappings())
	}

	t.Run("Invalid mapping is rejected", func(t *testing.T) {
		ok, err := e.AddMapping(context.Background(), filepath.Join(l.data, "missing"), l.mirror)
		if ok || !faults.Is(err, faults.Validation) {
			t.Errorf("expected Validation failure, got %v, %v", ok, err)
		}
	})
}

func TestRun_MirrorsNestedFile(t *testing.T) {
	l := newLayout(t)
	e := New(Options{Workers: 2})
	if ok, err := e.TryLoadConfiguration(context.Background(), l.config()); !ok {
		t.Fatalf("load failed: %v", err)
	}
	startEngine(t, e)

	if err := os.MkdirAll(filepath.Join(l.srcA, "B"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(l.srcA, "B", "f.txt"), []byte("nested content"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "nested file to be mirrored", hasContent(filepath.Join(l.mirror, "B", "f.txt"), "nested content"))

	t.Run("Rename across a subdirectory", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(l.srcA, "x.txt"), []byte("move me"), 0644); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "x.txt to be mirrored", hasContent(filepath.Join(l.mirror, "x.txt"), "move me"))

		if err := os.Mkdir(filepath.Join(l.srcA, "sub"), 0755); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "sub to be mirrored", func() bool {
			info, err := os.Stat(filepath.Join(l.mirror, "sub"))
			return err == nil && info.IsDir()
		})
		if err := os.Rename(filepath.Join(l.srcA, "x.txt"), filepath.Join(l.srcA, "sub", "x.txt")); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "x.txt to move into sub", hasContent(filepath.Join(l.mirror, "sub", "x.txt"), "move me"))
		waitFor(t, "root x.txt to disappear", missing(filepath.Join(l.mirror, "x.txt")))
	})

	t.Run("Delete", func(t *testing.T) {
		if err := os.Remove(filepath.Join(l.srcA, "B", "f.txt")); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "f.txt to be deleted", missing(filepath.Join(l.mirror, "B", "f.txt")))
	})
}

func TestRun_DroppedMappingStopsMirroring(t *testing.T) {
	l := newLayout(t)
	other := filepath.Join(l.data, "Other")
	if err := os.MkdirAll(other, 0755); err != nil {
		t.Fatal(err)
	}
	otherMirror := filepath.Join(filepath.Dir(l.mirror), "O")

	e := New(Options{})
	if ok, err := e.TryLoadConfiguration(context.Background(), l.config()); !ok {
		t.Fatalf("load failed: %v", err)
	}
	startEngine(t, e)

	next := mapping.New(mapping.WatchMapping{Source: other, Targets: []string{otherMirror}})
	if ok, err := e.TryLoadConfiguration(context.Background(), next); !ok {
		t.Fatalf("reload failed: %v", err)
	}

	os.WriteFile(filepath.Join(l.srcA, "old.txt"), []byte("old"), 0644)
	os.WriteFile(filepath.Join(other, "new.txt"), []byte("new"), 0644)
	waitFor(t, "new mapping to be mirrored", hasContent(filepath.Join(otherMirror, "new.txt"), "new"))

	time.Sleep(100 * time.Millisecond)
	if _, err := os.Stat(filepath.Join(l.mirror, "old.txt")); !os.IsNotExist(err) {
		t.Errorf("file of a dropped mapping was mirrored, err=%v", err)
	}
}

func TestRun_NotificationsAndFailureIsolation(t *testing.T) {
	l := newLayout(t)
	w := watch.NewManual(64)
	e := New(Options{Watcher: w, Workers: 4})
	if ok, err := e.TryLoadConfiguration(context.Background(), l.config()); !ok {
		t.Fatalf("load failed: %v", err)
	}
	notes, cancel := e.Subscribe(16)
	defer cancel()
	startEngine(t, e)

	// A file in the mirror blocks the directory the next copy needs.
	if err := os.WriteFile(filepath.Join(l.mirror, "blocked"), []byte("file"), 0644); err != nil {
		t.Fatal(err)
	}
	badSrc := filepath.Join(l.srcA, "blocked", "f.txt")
	os.MkdirAll(filepath.Dir(badSrc), 0755)
	os.WriteFile(badSrc, []byte("x"), 0644)
	goodSrc := filepath.Join(l.srcA, "good.txt")
	os.WriteFile(goodSrc, []byte("good"), 0644)

	w.Emit(watch.FileEvent{Kind: watch.Created, Root: l.srcA, Path: badSrc})
	w.Emit(watch.FileEvent{Kind: watch.Created, Root: l.srcA, Path: goodSrc})
	w.Emit(watch.FileEvent{Kind: watch.Deleted, Root: l.srcA, Path: filepath.Join(l.srcA, "never.txt")})

	got := make(map[string]notify.Notification)
	deadline := time.After(5 * time.Second)
	for len(got) < 3 {
		select {
		case n := <-notes:
			got[n.Path] = n
		case <-deadline:
			t.Fatalf("expected 3 notifications, got %d: %+v", len(got), got)
		}
	}

	if n := got[badSrc]; !n.Failed() || n.ErrKind == nil || *n.ErrKind != faults.IO {
		t.Errorf("expected IO failure for blocked copy, got %+v", n)
	}
	if n := got[goodSrc]; n.Failed() || n.Action != translate.Copy.String() || n.Target != filepath.Join(l.mirror, "good.txt") {
		t.Errorf("unexpected notification for good copy: %+v", n)
	}
	if n := got[filepath.Join(l.srcA, "never.txt")]; !n.Skipped || n.Failed() {
		t.Errorf("delete of absent target must be skipped, got %+v", n)
	}
	if !hasContent(filepath.Join(l.mirror, "good.txt"), "good")() {
		t.Error("independent event was not mirrored")
	}
	if _, failed := e.Failures()[filepath.Join(l.mirror, "blocked", "f.txt")]; !failed {
		t.Errorf("expected failure to be tracked, got %v", e.Failures())
	}
}

func TestRun_EventsOfUnknownRootAreDropped(t *testing.T) {
	l := newLayout(t)
	w := watch.NewManual(64)
	e := New(Options{Watcher: w})
	notes, cancel := e.Subscribe(4)
	defer cancel()
	startEngine(t, e)

	// No configuration is loaded, so nothing is watched and Emit refuses.
	if w.Emit(watch.FileEvent{Kind: watch.Created, Root: l.srcA, Path: filepath.Join(l.srcA, "f")}) {
		t.Fatal("event of an unwatched root was accepted")
	}
	select {
	case n := <-notes:
		t.Errorf("unexpected notification %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRun_Twice(t *testing.T) {
	e := New(Options{Watcher: watch.NewManual(4)})
	startEngine(t, e)
	waitFor(t, "engine to start", e.running.Load)
	if err := e.Run(context.Background()); err == nil {
		t.Error("expected error when running twice")
	}
}

func TestRun_EventWaitsOutSlowReconciliation(t *testing.T) {
	l := newLayout(t)
	slowSrc := filepath.Join(l.data, "Large")
	if err := os.MkdirAll(slowSrc, 0755); err != nil {
		t.Fatal(err)
	}
	slowMirror := filepath.Join(filepath.Dir(l.mirror), "L")

	watchStarted := make(chan struct{})
	w := watch.NewManual(64)
	w.Fail = func(root string) error {
		if root == slowSrc {
			close(watchStarted)
			// Watching a large tree keeps the configuration locked well past the lock timeout.
			time.Sleep(300 * time.Millisecond)
		}
		return nil
	}
	e := New(Options{Watcher: w, LockTimeout: 50 * time.Millisecond})
	if ok, err := e.TryLoadConfiguration(context.Background(), l.config()); !ok {
		t.Fatalf("load failed: %v", err)
	}
	startEngine(t, e)

	loaded := make(chan error, 1)
	go func() {
		next := mapping.New(
			mapping.WatchMapping{Source: l.srcA, Targets: []string{l.mirror}},
			mapping.WatchMapping{Source: slowSrc, Targets: []string{slowMirror}},
		)
		_, err := e.TryLoadConfiguration(context.Background(), next)
		loaded <- err
	}()
	<-watchStarted

	src := filepath.Join(l.srcA, "during-reload.txt")
	if err := os.WriteFile(src, []byte("kept"), 0644); err != nil {
		t.Fatal(err)
	}
	if !w.Emit(watch.FileEvent{Kind: watch.Created, Root: l.srcA, Path: src}) {
		t.Fatal("event was not emitted")
	}

	if err := <-loaded; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	waitFor(t, "event delayed by the reload to be mirrored", hasContent(filepath.Join(l.mirror, "during-reload.txt"), "kept"))
}
