package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeLock(t *testing.T, dir string, content LockContent) {
	t.Helper()
	data, err := json.Marshal(content)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, LockFileName), data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(context.Background(), dir, "test-app")
	if err != nil {
		t.Fatalf("expected to acquire lock, got: %v", err)
	}
	if _, err := os.Stat(lock.Path()); err != nil {
		t.Fatalf("lock file missing after Acquire: %v", err)
	}

	lock.Release()
	lock.Release()
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Fatal("lock file was not removed after Release")
	}
}

func TestContention(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(context.Background(), dir, "daemon-1")
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	defer first.Release()

	_, err = Acquire(context.Background(), dir, "daemon-2")
	var active *ErrLockActive
	if !errors.As(err, &active) {
		t.Fatalf("expected *ErrLockActive, got %T: %v", err, err)
	}
	if active.AppID != "daemon-1" {
		t.Errorf("expected holder daemon-1, got %q", active.AppID)
	}
}

func TestStaleAndCorruptLocksAreTakenOver(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(t *testing.T, dir string)
	}{
		{
			name: "Stale",
			setup: func(t *testing.T, dir string) {
				writeLock(t, dir, LockContent{PID: 12345, Hostname: "gone", LastUpdate: time.Now().Add(-staleTimeout - time.Minute), Nonce: "old", AppID: "old"})
			},
		},
		{
			name: "Corrupt",
			setup: func(t *testing.T, dir string) {
				if err := os.WriteFile(filepath.Join(dir, LockFileName), []byte("{not json"), 0644); err != nil {
					t.Fatal(err)
				}
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			tc.setup(t, dir)

			lock, err := Acquire(context.Background(), dir, "new-app")
			if err != nil {
				t.Fatalf("expected takeover, got: %v", err)
			}
			defer lock.Release()

			content, err := read(lock.Path())
			if err != nil {
				t.Fatalf("failed to read lock after takeover: %v", err)
			}
			if content.AppID != "new-app" || content.PID != int64(os.Getpid()) {
				t.Errorf("lock not owned after takeover: %+v", content)
			}
		})
	}
}

func TestHeartbeatRefreshesTimestamp(t *testing.T) {
	orig := heartbeatInterval
	heartbeatInterval = 20 * time.Millisecond
	t.Cleanup(func() { heartbeatInterval = orig })

	dir := t.TempDir()
	lock, err := Acquire(context.Background(), dir, "beat")
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	before, err := read(lock.Path())
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	after, err := read(lock.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !after.LastUpdate.After(before.LastUpdate) {
		t.Errorf("heartbeat did not refresh the lock: before %v, after %v", before.LastUpdate, after.LastUpdate)
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Acquire(ctx, t.TempDir(), "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
