// Package engine wires the mirror together: configuration store, watch
// registry, event translation and the executor's worker pool.
//
// One dispatcher goroutine reads the watcher's event channel. For every event
// it takes a shared slot of the configuration gate, looks up the targets of
// the event's source, translates the event and reserves each action's place in
// the per-path order, then lets go of the gate. Holding the gate while
// reserving means a configuration swap either happens before an event is
// looked at or after its actions are queued, never in between. The actions
// then go to a fixed set of workers, picked by target path.
package engine

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-mirror/pkg/configstore"
	"github.com/paulschiretz/pgl-mirror/pkg/faults"
	"github.com/paulschiretz/pgl-mirror/pkg/hints"
	"github.com/paulschiretz/pgl-mirror/pkg/mapping"
	"github.com/paulschiretz/pgl-mirror/pkg/mirror"
	"github.com/paulschiretz/pgl-mirror/pkg/notify"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/registry"
	"github.com/paulschiretz/pgl-mirror/pkg/sharded"
	"github.com/paulschiretz/pgl-mirror/pkg/translate"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
	"github.com/paulschiretz/pgl-mirror/pkg/watch"
)

const DefaultQueueSize = 256

// Backoff between attempts to take the configuration gate for an event.
const (
	minGateBackoff = 10 * time.Millisecond
	maxGateBackoff = time.Second
)

// Options configures an Engine. Zero values select defaults.
type Options struct {
	// Workers is the number of goroutines applying actions.
	Workers int
	// QueueSize bounds the watcher's event channel and each worker's queue.
	QueueSize int
	// LockTimeout bounds the wait for exclusive access to the configuration.
	LockTimeout time.Duration
	// RenameWindow is passed to the default fsnotify watcher.
	RenameWindow time.Duration
	// Watcher replaces the default fsnotify watcher. The engine owns and closes it.
	Watcher watch.Watcher

	Mirror   mirror.Options
	Registry registry.Options

	// Metrics enables counters and, with MetricsInterval > 0, periodic summaries.
	Metrics         bool
	MetricsInterval time.Duration
}

// Engine is the public face of the mirror.
type Engine struct {
	opts     Options
	watcher  watch.Watcher
	registry *registry.Registry
	store    *configstore.Store
	exec     *mirror.Executor
	bus      *notify.Bus
	metrics  mirror.Metrics

	lastReport atomic.Pointer[registry.Report]
	running    atomic.Bool
	closeOnce  sync.Once
}

// New creates an engine with no configuration. Nothing is watched until a
// configuration is loaded and nothing is mirrored until Run is called.
func New(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Watcher == nil {
		opts.Watcher = watch.NewFSNotify(watch.Options{RenameWindow: opts.RenameWindow, Buffer: opts.QueueSize})
	}

	var metrics mirror.Metrics = &mirror.NoopMetrics{}
	if opts.Metrics {
		metrics = &mirror.MirrorMetrics{}
	}
	opts.Mirror.Metrics = metrics

	e := &Engine{
		opts:     opts,
		watcher:  opts.Watcher,
		registry: registry.New(opts.Watcher, opts.Registry),
		exec:     mirror.NewExecutor(opts.Mirror),
		bus:      notify.NewBus(),
		metrics:  metrics,
	}
	e.store = configstore.New(opts.LockTimeout, e.reconcile)
	return e
}

func (e *Engine) reconcile(ctx context.Context, old, next *mapping.Configuration) {
	report := e.registry.Reconcile(ctx, old, next)
	e.lastReport.Store(&report)
	if err := report.Err(); err != nil {
		plog.Warn("Some mappings are not active", "failed", len(report.Failed), "error", err)
	}
}

// TryLoadConfiguration validates cfg and makes it the active configuration.
// It returns false with a Validation error when cfg is invalid and false with
// a LockTimeout error when the configuration could not be locked in time; the
// previous configuration stays active in both cases. Mappings that are valid
// but cannot be activated do not fail the load; see LastReport.
func (e *Engine) TryLoadConfiguration(ctx context.Context, cfg *mapping.Configuration) (bool, error) {
	ok, err := e.store.TryLoad(ctx, cfg)
	if err != nil && faults.Is(err, faults.Validation) {
		plog.Error("Configuration rejected", "error", err)
	}
	return ok, err
}

// AddMapping adds one source to target mapping to the active configuration.
// Adding a mapping that is already present changes nothing and succeeds.
func (e *Engine) AddMapping(ctx context.Context, source, target string) (bool, error) {
	ok, err := e.store.Update(ctx, func(cur *mapping.Configuration) (*mapping.Configuration, error) {
		if cur == nil {
			return mapping.New(mapping.WatchMapping{Source: source, Targets: []string{target}}), nil
		}
		return cur.With(source, target), nil
	})
	if err != nil && faults.Is(err, faults.Validation) {
		plog.Error("Mapping rejected", "source", source, "target", target, "error", err)
	}
	return ok, err
}

// Current returns the active configuration, or nil before the first load.
func (e *Engine) Current() *mapping.Configuration { return e.store.Current() }

// LastReport returns the result of the most recent reconciliation.
func (e *Engine) LastReport() (registry.Report, bool) {
	r := e.lastReport.Load()
	if r == nil {
		return registry.Report{}, false
	}
	return *r, true
}

// Handles describes the active watches.
func (e *Engine) Handles() []registry.HandleInfo { return e.registry.Handles() }

// Failures returns the target paths whose last action failed.
func (e *Engine) Failures() map[string]error { return e.exec.Failures() }

// Subscribe returns a stream of notifications about applied actions.
func (e *Engine) Subscribe(buffer int) (<-chan notify.Notification, func()) {
	return e.bus.Subscribe(buffer)
}

// Bus exposes the notification bus, for example to serve it over a websocket.
func (e *Engine) Bus() *notify.Bus { return e.bus }

type job struct {
	pending *mirror.Pending
}

// Run mirrors events until ctx is done or the watcher is closed. Actions
// already queued when ctx ends are abandoned; a target is never left half
// written because every copy lands through a rename.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine is already running")
	}
	defer e.running.Store(false)

	if e.opts.Metrics && e.opts.MetricsInterval > 0 {
		e.metrics.StartProgress("Mirror progress", e.opts.MetricsInterval)
	}
	defer func() {
		e.metrics.StopProgress()
		e.metrics.LogSummary("Mirror summary")
	}()

	queues := make([]chan job, e.opts.Workers)
	for i := range queues {
		queues[i] = make(chan job, e.opts.QueueSize)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		g.Go(func() error {
			e.work(gctx, q)
			return nil
		})
	}
	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		e.dispatch(gctx, queues)
		return nil
	})
	g.Go(func() error {
		e.watchErrors(gctx)
		return nil
	})

	plog.Info("Mirror engine started", "workers", e.opts.Workers)
	err := g.Wait()
	plog.Info("Mirror engine stopped")
	return err
}

func (e *Engine) dispatch(ctx context.Context, queues []chan job) {
	events := e.watcher.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.dispatchEvent(ctx, ev, queues)
		}
	}
}

func (e *Engine) dispatchEvent(ctx context.Context, ev watch.FileEvent, queues []chan job) {
	release, err := e.readLock(ctx, ev)
	if err != nil {
		return
	}

	targets, ok := e.registry.Targets(ev.Root)
	if !ok {
		release()
		plog.Debug("Event of inactive source dropped", "root", ev.Root, "path", ev.Path)
		return
	}
	actions, err := translate.Translate(ev, ev.Root, targets)
	if err != nil {
		release()
		plog.Warn("Event could not be translated", "path", ev.Path, "error", err)
		e.publish(ev, translate.Action{}, err)
		return
	}
	pending := make([]*mirror.Pending, len(actions))
	for i, a := range actions {
		pending[i] = e.exec.Prepare(a)
	}
	release()

	for i, p := range pending {
		q := queues[sharded.Index(util.PathKey(p.Action().TargetPath), len(queues))]
		select {
		case q <- job{pending: p}:
		case <-ctx.Done():
			for _, rest := range pending[i:] {
				rest.Cancel()
			}
			return
		}
	}
}

// readLock takes a shared slot of the configuration gate for ev. A timeout
// means a configuration swap is still running, for example while a large new
// source is being watched, so the wait is retried until ctx is done.
func (e *Engine) readLock(ctx context.Context, ev watch.FileEvent) (func(), error) {
	backoff := minGateBackoff
	for {
		release, err := e.store.RLock(ctx)
		if err == nil {
			return release, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !faults.Is(err, faults.LockTimeout) {
			plog.Warn("Event dropped, configuration unavailable", "path", ev.Path, "error", err)
			e.publish(ev, translate.Action{}, err)
			return nil, err
		}
		plog.Warn("Configuration busy, event delayed", "path", ev.Path, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxGateBackoff)
	}
}

func (e *Engine) work(ctx context.Context, q <-chan job) {
	for j := range q {
		if ctx.Err() != nil {
			j.pending.Cancel()
			continue
		}
		a := j.pending.Action()
		err := j.pending.Run(ctx)
		switch {
		case err == nil:
		case hints.IsHint(err):
			plog.Debug("Mirror action skipped", "action", a.String(), "reason", err)
		case errors.Is(err, context.Canceled):
		case faults.Is(err, faults.Unexpected):
			plog.Error("Mirror action failed unexpectedly", "action", a.String(), "error", err)
		default:
			plog.Warn("Mirror action failed", "action", a.String(), "error", err)
		}
		e.publish(a.Event, a, err)
	}
}

func (e *Engine) watchErrors(ctx context.Context) {
	errs := e.watcher.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			plog.Warn("Watcher error", "error", err)
		}
	}
}

func (e *Engine) publish(ev watch.FileEvent, a translate.Action, err error) {
	n := notify.Notification{
		Time:    ev.Time,
		Kind:    ev.Kind,
		Path:    ev.Path,
		OldPath: ev.OldPath,
		Source:  ev.Root,
		Target:  a.TargetPath,
		Action:  a.Kind.String(),
	}
	if a.TargetPath == "" {
		n.Action = ""
	}
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	if err != nil {
		n.Err = err.Error()
		n.Skipped = hints.IsHint(err)
		if kind, ok := faults.KindOf(err); ok {
			n.ErrKind = &kind
		}
	}
	e.bus.Publish(n)
}

// Close releases every watch, closes the watcher and ends all subscriptions.
// Call it after Run has returned.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = errors.Join(e.registry.Close(), e.watcher.Close())
		e.bus.Close()
	})
	return err
}
