// Package registry owns the OS watches of the engine and keeps them in step
// with the active configuration.
//
// Reconcile diffs the watches that are actually running against the new
// configuration, not the old configuration against the new one. A mapping
// whose watch or targets failed last time is therefore retried by the next
// reconciliation.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/paulschiretz/pgl-mirror/pkg/faults"
	"github.com/paulschiretz/pgl-mirror/pkg/mapping"
	"github.com/paulschiretz/pgl-mirror/pkg/metafile"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/preflight"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
	"github.com/paulschiretz/pgl-mirror/pkg/watch"
)

// Options configures a Registry.
type Options struct {
	// Version is recorded in the metafile of every claimed target.
	Version string
	// CompressionFormat and Encrypted describe how mirrored content is stored.
	CompressionFormat string
	Encrypted         bool
	// MinFreeBytes triggers a low free space warning per target. Zero disables it.
	MinFreeBytes uint64
}

// Failure is one mapping or one target that could not be activated.
type Failure struct {
	Source string
	// Target is empty when the watch of Source itself failed.
	Target string
	Err    error
}

func (f Failure) Error() string {
	if f.Target == "" {
		return fmt.Sprintf("watch %s: %v", f.Source, f.Err)
	}
	return fmt.Sprintf("mirror %s -> %s: %v", f.Source, f.Target, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Report summarizes one reconciliation.
type Report struct {
	Added   []string
	Removed []string
	Kept    []string
	Failed  []Failure
}

// Err joins all failures, or returns nil.
func (r Report) Err() error {
	errs := make([]error, len(r.Failed))
	for i, f := range r.Failed {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// handle is a WatcherHandle. targets is replaced, never modified in place.
type handle struct {
	watch   watch.Handle
	source  string
	targets []string
	enabled atomic.Bool
}

// HandleInfo describes an active watch.
type HandleInfo struct {
	Source  string
	Targets []string
	Enabled bool
}

// Registry is a WatchRegistry. The handle table has its own lock, which is
// never held across filesystem or watcher calls.
type Registry struct {
	watcher watch.Watcher
	opts    Options

	mu      sync.RWMutex
	handles map[string]*handle
}

// New creates a registry that watches through w.
func New(w watch.Watcher, opts Options) *Registry {
	return &Registry{
		watcher: w,
		opts:    opts,
		handles: make(map[string]*handle),
	}
}

// Reconcile brings the running watches in line with next. It is meant to run
// inside the configuration swap, so that no event of a dropped source is
// delivered once the new configuration is visible. old is only logged.
func (r *Registry) Reconcile(ctx context.Context, old, next *mapping.Configuration) Report {
	var report Report

	wanted := make(map[string]mapping.WatchMapping, next.Len())
	for _, m := range next.Mappings() {
		wanted[util.PathKey(m.Source)] = m
	}

	// Drop watches whose source is gone first, so their events stop before anything new starts.
	for key, h := range r.snapshot() {
		if _, ok := wanted[key]; ok {
			continue
		}
		r.remove(key, h)
		report.Removed = append(report.Removed, h.source)
	}

	for _, m := range next.Mappings() {
		key := util.PathKey(m.Source)
		targets, failed := r.prepareTargets(ctx, m)
		report.Failed = append(report.Failed, failed...)

		r.mu.RLock()
		h, exists := r.handles[key]
		r.mu.RUnlock()

		if exists {
			r.mu.Lock()
			h.targets = targets
			r.mu.Unlock()
			h.enabled.Store(len(targets) > 0)
			report.Kept = append(report.Kept, m.Source)
			continue
		}
		if len(targets) == 0 {
			continue
		}

		wh, err := r.watcher.Watch(m.Source)
		if err != nil {
			plog.Error("Failed to watch source, mapping skipped", "source", m.Source, "error", err)
			report.Failed = append(report.Failed, Failure{Source: m.Source, Err: err})
			continue
		}
		h = &handle{watch: wh, source: m.Source, targets: targets}
		h.enabled.Store(true)
		r.mu.Lock()
		r.handles[key] = h
		r.mu.Unlock()
		report.Added = append(report.Added, m.Source)
		plog.Info("Watching source", "source", m.Source, "targets", targets)
	}

	plog.Debug("Reconciled watches", "previous_mappings", old.Len(), "mappings", next.Len(),
		"added", len(report.Added), "removed", len(report.Removed), "kept", len(report.Kept), "failed", len(report.Failed))
	return report
}

// prepareTargets creates and claims every target of m. Targets that fail are
// reported and left out.
func (r *Registry) prepareTargets(ctx context.Context, m mapping.WatchMapping) ([]string, []Failure) {
	var ok []string
	var failed []Failure
	for _, target := range m.Targets {
		if err := ctx.Err(); err != nil {
			failed = append(failed, Failure{Source: m.Source, Target: target, Err: err})
			continue
		}
		if err := r.prepareTarget(m.Source, target); err != nil {
			plog.Error("Target unusable, mapping skipped", "source", m.Source, "target", target, "error", err)
			failed = append(failed, Failure{Source: m.Source, Target: target, Err: err})
			continue
		}
		ok = append(ok, target)
	}
	return ok, failed
}

func (r *Registry) prepareTarget(source, target string) error {
	if err := preflight.CheckTargetAccessible(target); err != nil {
		return faults.New(faults.IO, "prepare target", target, err)
	}
	if err := preflight.CheckTargetWritable(target); err != nil {
		return faults.New(faults.IO, "prepare target", target, err)
	}
	err := metafile.Claim(target, metafile.MetafileContent{
		Version:           r.opts.Version,
		Source:            source,
		CompressionFormat: r.opts.CompressionFormat,
		Encrypted:         r.opts.Encrypted,
	})
	if err != nil {
		var claimed *metafile.ErrClaimedByOther
		if errors.As(err, &claimed) {
			return faults.New(faults.Validation, "prepare target", target, err)
		}
		return faults.New(faults.IO, "prepare target", target, err)
	}
	if r.opts.MinFreeBytes > 0 {
		if _, err := preflight.CheckFreeSpace(target, r.opts.MinFreeBytes); err != nil {
			plog.Warn("Could not check free space", "target", target, "error", err)
		}
	}
	return nil
}

func (r *Registry) remove(key string, h *handle) {
	h.enabled.Store(false)
	r.mu.Lock()
	delete(r.handles, key)
	r.mu.Unlock()
	if err := r.watcher.Unwatch(h.watch); err != nil {
		plog.Warn("Failed to release watch", "source", h.source, "error", err)
	}
	plog.Info("Stopped watching source", "source", h.source)
}

func (r *Registry) snapshot() map[string]*handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*handle, len(r.handles))
	for k, h := range r.handles {
		out[k] = h
	}
	return out
}

// Targets returns the target roots of the watched source root. ok is false
// when the source is not watched or its delivery is disabled.
func (r *Registry) Targets(root string) (targets []string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, exists := r.handles[util.PathKey(root)]
	if !exists || !h.enabled.Load() {
		return nil, false
	}
	return slices.Clone(h.targets), true
}

// Handles describes the active watches, ordered by source.
func (r *Registry) Handles() []HandleInfo {
	r.mu.RLock()
	out := make([]HandleInfo, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, HandleInfo{Source: h.source, Targets: slices.Clone(h.targets), Enabled: h.enabled.Load()})
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b HandleInfo) int { return strings.Compare(a.Source, b.Source) })
	return out
}

// Count returns the number of active watches.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Close releases every watch.
func (r *Registry) Close() error {
	var errs []error
	for key, h := range r.snapshot() {
		h.enabled.Store(false)
		r.mu.Lock()
		delete(r.handles, key)
		r.mu.Unlock()
		if err := r.watcher.Unwatch(h.watch); err != nil {
			errs = append(errs, fmt.Errorf("unwatch %s: %w", h.source, err))
		}
	}
	return errors.Join(errs...)
}
