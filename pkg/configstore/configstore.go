// Package configstore holds the engine's active configuration.
//
// The active configuration is an immutable snapshot behind an atomic pointer,
// so Current never blocks and never returns a partly replaced set. Replacing
// it goes through a reader/writer gate: a load takes the whole gate within a
// bounded wait, swaps the snapshot and runs reconciliation before letting
// readers back in. Readers that must not interleave with a swap, such as event
// dispatch, hold a shared slot of the gate while they work.
package configstore

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/paulschiretz/pgl-mirror/pkg/faults"
	"github.com/paulschiretz/pgl-mirror/pkg/mapping"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// DefaultLockTimeout bounds how long a load waits for exclusive access.
const DefaultLockTimeout = 5000 * time.Millisecond

// maxReaders is the weight of the gate; a writer acquires all of it.
const maxReaders = 1 << 20

// ReconcileFunc is run inside the exclusive section after a new configuration
// has been installed. old is nil on the first load.
type ReconcileFunc func(ctx context.Context, old, new *mapping.Configuration)

// Store is a ConfigurationStore.
type Store struct {
	gate      *semaphore.Weighted
	current   atomic.Pointer[mapping.Configuration]
	timeout   time.Duration
	reconcile ReconcileFunc
}

// New creates an empty store. A zero timeout selects DefaultLockTimeout.
func New(timeout time.Duration, reconcile ReconcileFunc) *Store {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &Store{
		gate:      semaphore.NewWeighted(maxReaders),
		timeout:   timeout,
		reconcile: reconcile,
	}
}

// Current returns the active configuration, or nil before the first successful load.
func (s *Store) Current() *mapping.Configuration {
	return s.current.Load()
}

// RLock takes a shared slot of the gate within the store's timeout. While it
// is held no configuration can be installed.
func (s *Store) RLock(ctx context.Context) (release func(), err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.gate.Acquire(ctx, 1); err != nil {
		return nil, s.gateError(ctx, err, "acquire read lock")
	}
	return func() { s.gate.Release(1) }, nil
}

// TryLoad validates candidate and installs it. It returns false with a
// Validation error for an invalid candidate and false with a LockTimeout error
// when exclusive access could not be obtained in time. In both cases the
// previous configuration stays active.
func (s *Store) TryLoad(ctx context.Context, candidate *mapping.Configuration) (bool, error) {
	if candidate == nil {
		return false, faults.New(faults.Validation, "load configuration", "", errors.New("configuration is nil"))
	}
	if err := candidate.Validate(); err != nil {
		return false, err
	}
	return s.Update(ctx, func(*mapping.Configuration) (*mapping.Configuration, error) {
		return candidate, nil
	})
}

// Update derives a new configuration from the active one under exclusive
// access. fn may return its argument unchanged, in which case nothing is
// installed and Update reports success. A changed result is validated before
// it is installed.
func (s *Store) Update(ctx context.Context, fn func(cur *mapping.Configuration) (*mapping.Configuration, error)) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.gate.Acquire(waitCtx, maxReaders); err != nil {
		err = s.gateError(waitCtx, err, "load configuration")
		if faults.Is(err, faults.LockTimeout) {
			plog.Warn("Configuration not loaded, lock timeout", "timeout", s.timeout)
		}
		return false, err
	}
	defer s.gate.Release(maxReaders)

	old := s.current.Load()
	next, err := fn(old)
	if err != nil {
		return false, err
	}
	if next == old {
		return true, nil
	}
	if err := next.Validate(); err != nil {
		return false, err
	}

	s.current.Store(next)
	if s.reconcile != nil {
		s.reconcile(ctx, old, next)
	}
	plog.Info("Configuration loaded", "mappings", next.Len())
	return true, nil
}

func (s *Store) gateError(waitCtx context.Context, err error, op string) error {
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return faults.Newf(faults.LockTimeout, op, "", "no access within %s", s.timeout)
	}
	return err
}
