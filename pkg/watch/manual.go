package watch

import (
	"path/filepath"
	"sync"

	"github.com/paulschiretz/pgl-mirror/pkg/faults"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Manual is a Watcher whose events are injected by the caller. It touches no
// filesystem and stands in for the OS watcher where notifications must be
// deterministic, such as replaying recorded events.
type Manual struct {
	// Fail, when set, is consulted by Watch; a non-nil result fails the watch.
	Fail func(root string) error

	events chan FileEvent
	errs   chan error

	mu     sync.Mutex
	active map[uint64]string
	nextID uint64
	calls  int
	closed bool
}

// NewManual creates a Manual watcher with the given event buffer.
func NewManual(buffer int) *Manual {
	return &Manual{
		events: make(chan FileEvent, buffer),
		errs:   make(chan error, 16),
		active: make(map[uint64]string),
	}
}

func (m *Manual) Events() <-chan FileEvent { return m.events }
func (m *Manual) Errors() <-chan error     { return m.errs }

// Watch registers root. Fail runs without the watcher's lock held, so it may
// block to simulate a slow watch while events of other roots are emitted.
func (m *Manual) Watch(root string) (Handle, error) {
	root = filepath.Clean(root)
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.Fail != nil {
		if err := m.Fail(root); err != nil {
			return Handle{}, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Handle{}, faults.Newf(faults.IO, "watch", root, "watcher is closed")
	}
	m.nextID++
	m.active[m.nextID] = root
	return NewHandle(m.nextID, root), nil
}

func (m *Manual) Unwatch(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, h.id)
	return nil
}

// Emit delivers ev if its root is watched and reports whether it was sent.
func (m *Manual) Emit(ev FileEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.watchingLocked(ev.Root) {
		return false
	}
	m.events <- ev
	return true
}

// Active returns the roots currently watched.
func (m *Manual) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for _, root := range m.active {
		out = append(out, root)
	}
	return out
}

// WatchCalls returns how often Watch was called.
func (m *Manual) WatchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Manual) watchingLocked(root string) bool {
	key := util.PathKey(root)
	for _, r := range m.active {
		if util.PathKey(r) == key {
			return true
		}
	}
	return false
}

func (m *Manual) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.active = make(map[uint64]string)
	close(m.events)
	close(m.errs)
	return nil
}
