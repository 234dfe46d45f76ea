package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/paulschiretz/pgl-mirror/pkg/faults"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/sharded"
)

// DefaultRenameWindow is how long a rename-from waits for its rename-to.
const DefaultRenameWindow = 50 * time.Millisecond

// Options configures an FSNotify watcher.
type Options struct {
	// RenameWindow pairs a rename with a create that follows within it.
	RenameWindow time.Duration
	// Buffer is the capacity of the shared event channel.
	Buffer int
}

// FSNotify is a recursive Watcher built on fsnotify. Each root gets its own
// fsnotify watcher and goroutine, so one failing root does not affect others.
type FSNotify struct {
	opts   Options
	events chan FileEvent
	errs   chan error

	mu     sync.Mutex
	roots  map[uint64]*rootWatch
	nextID uint64
	closed bool
}

// NewFSNotify creates a watcher with no active roots.
func NewFSNotify(opts Options) *FSNotify {
	if opts.RenameWindow <= 0 {
		opts.RenameWindow = DefaultRenameWindow
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	return &FSNotify{
		opts:   opts,
		events: make(chan FileEvent, opts.Buffer),
		errs:   make(chan error, 64),
		roots:  make(map[uint64]*rootWatch),
	}
}

func (w *FSNotify) Events() <-chan FileEvent { return w.events }
func (w *FSNotify) Errors() <-chan error     { return w.errs }

// Watch starts watching root and every directory below it.
func (w *FSNotify) Watch(root string) (Handle, error) {
	root = filepath.Clean(root)
	info, err := os.Stat(root)
	if err != nil {
		return Handle{}, faults.New(faults.IO, "watch", root, err)
	}
	if !info.IsDir() {
		return Handle{}, faults.Newf(faults.IO, "watch", root, "not a directory")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		if errors.Is(err, errors.ErrUnsupported) {
			return Handle{}, faults.New(faults.PlatformUnsupported, "watch", root, err)
		}
		return Handle{}, faults.New(faults.IO, "watch", root, err)
	}

	rw := &rootWatch{
		owner:  w,
		root:   root,
		fw:     fw,
		dirs:   sharded.NewSet(sharded.DefaultShards),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		window: w.opts.RenameWindow,
	}
	if err := rw.addTree(root, false); err != nil {
		fw.Close()
		return Handle{}, faults.New(faults.IO, "watch", root, err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		fw.Close()
		return Handle{}, faults.Newf(faults.IO, "watch", root, "watcher is closed")
	}
	w.nextID++
	h := Handle{id: w.nextID, root: root}
	w.roots[h.id] = rw
	w.mu.Unlock()

	go rw.loop()
	plog.Debug("Watch started", "root", root, "dirs", rw.dirs.Count())
	return h, nil
}

// Unwatch stops the watch and waits for its goroutine to exit.
func (w *FSNotify) Unwatch(h Handle) error {
	w.mu.Lock()
	rw, ok := w.roots[h.id]
	delete(w.roots, h.id)
	w.mu.Unlock()
	if !ok {
		return nil
	}
	return rw.shutdown()
}

// Close stops all watches and closes the event and error channels.
func (w *FSNotify) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	roots := w.roots
	w.roots = make(map[uint64]*rootWatch)
	w.mu.Unlock()

	var errs []error
	for _, rw := range roots {
		errs = append(errs, rw.shutdown())
	}
	close(w.events)
	close(w.errs)
	return errors.Join(errs...)
}

// rootWatch state other than dirs is only touched by its loop goroutine.
type rootWatch struct {
	owner  *FSNotify
	root   string
	fw     *fsnotify.Watcher
	dirs   *sharded.Set
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	window time.Duration

	pending *FileEvent
	timer   *time.Timer
	timerC  <-chan time.Time
}

func (rw *rootWatch) shutdown() error {
	var err error
	rw.once.Do(func() {
		close(rw.stop)
		err = rw.fw.Close()
		<-rw.done
	})
	return err
}

func (rw *rootWatch) loop() {
	defer close(rw.done)
	for {
		select {
		case <-rw.stop:
			return
		case ev, ok := <-rw.fw.Events:
			if !ok {
				return
			}
			rw.handle(ev)
		case err, ok := <-rw.fw.Errors:
			if !ok {
				return
			}
			rw.reportError(err)
		case <-rw.timerC:
			rw.timerC = nil
			rw.flushPending()
		}
	}
}

func (rw *rootWatch) handle(ev fsnotify.Event) {
	name := filepath.Clean(ev.Name)

	switch {
	case ev.Has(fsnotify.Create):
		isDir := isDirectory(name)
		if old := rw.takePending(); old != nil {
			if old.IsDir || isDir {
				rw.forgetTree(old.Path)
				if isDir {
					if err := rw.addTree(name, false); err != nil {
						rw.reportError(fmt.Errorf("failed to watch renamed directory %s: %w", name, err))
					}
				}
			}
			rw.emit(FileEvent{Kind: Renamed, Path: name, OldPath: old.Path, IsDir: isDir})
			return
		}
		rw.emit(FileEvent{Kind: Created, Path: name, IsDir: isDir})
		if isDir {
			if err := rw.addTree(name, true); err != nil {
				rw.reportError(fmt.Errorf("failed to watch new directory %s: %w", name, err))
			}
		}

	case ev.Has(fsnotify.Write):
		if rw.dirs.Has(name) {
			return
		}
		rw.emit(FileEvent{Kind: Changed, Path: name})

	case ev.Has(fsnotify.Remove):
		if name == rw.root {
			rw.reportError(faults.Newf(faults.IO, "watch", rw.root, "source root was removed"))
			return
		}
		isDir := rw.dirs.Has(name)
		if isDir {
			rw.forgetTree(name)
		}
		rw.emit(FileEvent{Kind: Deleted, Path: name, IsDir: isDir})

	case ev.Has(fsnotify.Rename):
		if name == rw.root {
			rw.reportError(faults.Newf(faults.IO, "watch", rw.root, "source root was renamed"))
			return
		}
		rw.flushPending()
		rw.pending = &FileEvent{Kind: Deleted, Path: name, IsDir: rw.dirs.Has(name)}
		if rw.timer == nil {
			rw.timer = time.NewTimer(rw.window)
		} else {
			rw.timer.Reset(rw.window)
		}
		rw.timerC = rw.timer.C
	}
}

func (rw *rootWatch) takePending() *FileEvent {
	p := rw.pending
	rw.pending = nil
	if p != nil && rw.timer != nil {
		rw.timer.Stop()
		rw.timerC = nil
	}
	return p
}

// flushPending reports an unpaired rename as a deletion: the path left the tree.
func (rw *rootWatch) flushPending() {
	p := rw.takePending()
	if p == nil {
		return
	}
	if p.IsDir {
		rw.forgetTree(p.Path)
	}
	rw.emit(*p)
}

// addTree watches dir and every directory below it. With announce set, every
// entry found below dir is reported as Created, so that a tree moved into the
// source is mirrored completely.
func (rw *rootWatch) addTree(dir string, announce bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if err := rw.fw.Add(path); err != nil {
				if path == dir {
					return err
				}
				rw.reportError(fmt.Errorf("failed to watch %s: %w", path, err))
				return fs.SkipDir
			}
			rw.dirs.Store(path)
			if announce && path != dir {
				rw.emit(FileEvent{Kind: Created, Path: path, IsDir: true})
			}
			return nil
		}
		if announce {
			rw.emit(FileEvent{Kind: Created, Path: path})
		}
		return nil
	})
}

// forgetTree drops the watches of dir and everything below it.
func (rw *rootWatch) forgetTree(dir string) {
	rw.dirs.DeletePrefix(dir)
	prefix := dir + string(filepath.Separator)
	for _, p := range rw.fw.WatchList() {
		if p == dir || strings.HasPrefix(p, prefix) {
			_ = rw.fw.Remove(p)
		}
	}
}

func (rw *rootWatch) emit(ev FileEvent) {
	ev.Root = rw.root
	ev.Time = time.Now()
	select {
	case rw.owner.events <- ev:
	case <-rw.stop:
	}
}

func (rw *rootWatch) reportError(err error) {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		err = faults.New(faults.IO, "watch", rw.root, err)
	}
	select {
	case rw.owner.errs <- err:
	default:
		plog.Warn("Watch error dropped", "root", rw.root, "error", err)
	}
}

func isDirectory(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.IsDir()
}
