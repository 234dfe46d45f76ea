// Package mirror applies MirrorActions to target trees.
//
// Actions touching the same target path, or a directory and a path below it,
// run one at a time in the order they were prepared. The order is fixed when Prepare is called, which lets a single
// dispatcher goroutine hand prepared actions to any number of workers without
// losing the order in which events were observed.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/paulschiretz/pgl-mirror/pkg/faults"
	"github.com/paulschiretz/pgl-mirror/pkg/hints"
	"github.com/paulschiretz/pgl-mirror/pkg/limiter"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/pool"
	"github.com/paulschiretz/pgl-mirror/pkg/sharded"
	"github.com/paulschiretz/pgl-mirror/pkg/transform"
	"github.com/paulschiretz/pgl-mirror/pkg/translate"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

const (
	DefaultPathLockTimeout = 30 * time.Second
	DefaultBufferSize      = 256 * 1024
	DefaultMemoryLimit     = 256 * 1024 * 1024
)

// Options configures an Executor.
type Options struct {
	// PathLockTimeout bounds the wait for earlier actions on the same path.
	PathLockTimeout time.Duration
	RetryCount      int
	RetryWait       time.Duration
	// BufferSize is the size of the pooled copy buffers in bytes.
	BufferSize int64
	// Transformer, when set, is applied to every copied file.
	Transformer transform.Transformer
	// MemoryLimit bounds the bytes held in memory by transforms.
	MemoryLimit int64
	Metrics     Metrics
}

// Executor is a MirrorExecutor.
type Executor struct {
	opts       Options
	seq        sharded.Sequencer
	dirCache   *sharded.Set
	mkdirGroup singleflight.Group
	failures   *sharded.Map[error]
	copyBufs   *pool.Fixed
	fileBufs   *pool.Buckets
	memory     *limiter.Memory
	metrics    Metrics
}

// NewExecutor creates an executor. Zero options select defaults.
func NewExecutor(opts Options) *Executor {
	if opts.PathLockTimeout <= 0 {
		opts.PathLockTimeout = DefaultPathLockTimeout
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.MemoryLimit <= 0 {
		opts.MemoryLimit = DefaultMemoryLimit
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Executor{
		opts:     opts,
		seq:      sharded.NewSequencer(sharded.DefaultShards),
		dirCache: sharded.NewSet(sharded.DefaultShards),
		failures: sharded.NewMap[error](sharded.DefaultShards),
		copyBufs: pool.NewFixed(opts.BufferSize),
		fileBufs: pool.NewBuckets(4*1024, 64*1024*1024),
		memory:   limiter.NewMemory(opts.MemoryLimit),
		metrics:  metrics,
	}
}

// Pending is an action whose place in the per-path order is reserved.
// Exactly one of Run or Cancel must be called.
type Pending struct {
	e      *Executor
	action translate.Action
	ticket *sharded.Ticket
}

// Prepare reserves the action's place behind every earlier prepared action on
// the same target paths. Actions that can touch a whole directory are also
// ordered against actions on paths below it. Prepare never blocks.
func (e *Executor) Prepare(a translate.Action) *Pending {
	if a.Subtree() {
		return &Pending{e: e, action: a, ticket: e.seq.ReserveTree(a.Keys()...)}
	}
	return &Pending{e: e, action: a, ticket: e.seq.Reserve(a.Keys()...)}
}

// Execute prepares and runs a in one step.
func (e *Executor) Execute(ctx context.Context, a translate.Action) error {
	return e.Prepare(a).Run(ctx)
}

func (p *Pending) Action() translate.Action { return p.action }

// Cancel gives up the reservation without running the action.
func (p *Pending) Cancel() { p.ticket.Release() }

// Run waits for earlier actions on the same paths and applies the action.
// A nil error or a hint means the target reflects the source. Panics are
// recovered and reported as Unexpected.
func (p *Pending) Run(ctx context.Context) (err error) {
	e, a := p.e, p.action
	defer p.ticket.Release()
	defer func() {
		if r := recover(); r != nil {
			plog.Error("Recovered from panic while mirroring", "action", a.String(), "panic", r, "stack", string(debug.Stack()))
			err = faults.Newf(faults.Unexpected, a.Kind.String(), a.TargetPath, "panic: %v", r)
		}
		e.record(a, err)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, e.opts.PathLockTimeout)
	defer cancel()
	if werr := p.ticket.Wait(waitCtx); werr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return faults.Newf(faults.LockTimeout, a.Kind.String(), a.TargetPath, "earlier actions on this path did not finish within %s", e.opts.PathLockTimeout)
	}

	return e.apply(ctx, a)
}

func (e *Executor) apply(ctx context.Context, a translate.Action) error {
	switch a.Kind {
	case translate.Copy:
		return e.copyFile(ctx, a.SourcePath, a.TargetPath)
	case translate.Mkdir:
		info, err := os.Stat(a.SourcePath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return hints.Newf("source directory %s vanished before it could be mirrored: %w", a.SourcePath, err)
			}
			return faults.New(faults.IO, "mkdir", a.SourcePath, err)
		}
		return e.makeDir(a.TargetPath, info.Mode().Perm())
	case translate.Delete:
		return e.remove(a.TargetPath)
	case translate.Rename:
		return e.rename(ctx, a)
	default:
		return faults.Newf(faults.Unexpected, "apply", a.TargetPath, "unknown action kind %v", a.Kind)
	}
}

func (e *Executor) record(a translate.Action, err error) {
	switch {
	case err == nil:
		e.failures.Delete(a.TargetPath)
	case hints.IsHint(err):
		e.failures.Delete(a.TargetPath)
		e.metrics.AddActionsSkipped(1)
	default:
		e.failures.Store(a.TargetPath, err)
		e.metrics.AddActionsFailed(1)
	}
}

// Failures returns the targets whose most recent action failed, with the error.
// A later successful action on the same target clears its entry.
func (e *Executor) Failures() map[string]error {
	return e.failures.Items()
}

// makeDir mirrors a directory.
func (e *Executor) makeDir(dir string, perm fs.FileMode) error {
	if err := e.ensureDir(dir, perm); err != nil {
		return faults.New(faults.IO, "mkdir", dir, err)
	}
	e.metrics.AddDirsCreated(1)
	plog.Notice("MKDIR", "target", dir)
	return nil
}

// ensureDir creates dir and its parents once per process. Concurrent callers
// for the same directory share one MkdirAll.
func (e *Executor) ensureDir(dir string, perm fs.FileMode) error {
	key := util.PathKey(dir)
	if e.dirCache.Has(key) {
		return nil
	}
	_, err, _ := e.mkdirGroup.Do(key, func() (any, error) {
		if err := os.MkdirAll(dir, util.WithUserWritePermission(perm)); err != nil {
			return nil, err
		}
		e.dirCache.Store(key)
		return nil, nil
	})
	return err
}

func (e *Executor) forgetDir(dir string) {
	e.dirCache.DeletePrefix(util.PathKey(dir))
}

func (e *Executor) remove(target string) error {
	info, err := os.Lstat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return hints.Newf("nothing to delete at %s", target)
		}
		return faults.New(faults.IO, "delete", target, err)
	}

	if info.IsDir() {
		if err := os.RemoveAll(target); err != nil {
			return faults.New(faults.IO, "delete", target, err)
		}
		e.forgetDir(target)
		e.failures.DeletePrefix(target)
		e.metrics.AddDirsDeleted(1)
	} else {
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return faults.New(faults.IO, "delete", target, err)
		}
		e.metrics.AddFilesDeleted(1)
	}
	plog.Notice("DELETE", "target", target)
	return nil
}

// rename moves the existing mirror of the old path. When there is no such
// mirror the new source path is copied instead and a hint is returned.
func (e *Executor) rename(ctx context.Context, a translate.Action) error {
	info, err := os.Lstat(a.OldTargetPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return faults.New(faults.IO, "rename", a.OldTargetPath, err)
		}
		var copyErr error
		if isDir(a.SourcePath) {
			copyErr = e.copyTree(ctx, a.SourcePath, a.TargetPath)
		} else {
			copyErr = e.copyFile(ctx, a.SourcePath, a.TargetPath)
		}
		if copyErr != nil {
			return copyErr
		}
		return hints.Newf("no mirror at %s, copied %s instead", a.OldTargetPath, a.SourcePath)
	}

	if err := e.ensureDir(filepath.Dir(a.TargetPath), util.UserWritableDirPerms); err != nil {
		return faults.New(faults.IO, "rename", a.TargetPath, err)
	}
	if info.IsDir() {
		// A directory cannot be renamed over an existing one.
		if err := os.RemoveAll(a.TargetPath); err != nil {
			return faults.New(faults.IO, "rename", a.TargetPath, err)
		}
		e.forgetDir(a.TargetPath)
	}
	if err := os.Rename(a.OldTargetPath, a.TargetPath); err != nil {
		return faults.New(faults.IO, "rename", a.OldTargetPath, fmt.Errorf("to %s: %w", a.TargetPath, err))
	}
	if info.IsDir() {
		e.forgetDir(a.OldTargetPath)
		e.failures.DeletePrefix(a.OldTargetPath)
	}
	e.failures.Delete(a.OldTargetPath)
	e.metrics.AddFilesRenamed(1)
	plog.Notice("RENAME", "from", a.OldTargetPath, "to", a.TargetPath)

	// A rename observed by the watcher may pair a file that left the tree with
	// an unrelated one that arrived. The moved mirror then holds the wrong content.
	if !info.IsDir() && e.differsFromSource(a.SourcePath, info) {
		plog.Notice("Renamed mirror does not match its source, copying", "source", a.SourcePath, "target", a.TargetPath)
		return e.copyFile(ctx, a.SourcePath, a.TargetPath)
	}
	return nil
}

// differsFromSource reports whether mirrored, the state of a mirrored file,
// cannot be a copy of src. Copies keep the source's modification time; their
// size only matches when no transformer is set. A source that is gone is
// reported by its own event and does not count as different.
func (e *Executor) differsFromSource(src string, mirrored fs.FileInfo) bool {
	srcInfo, err := os.Stat(src)
	if err != nil || srcInfo.IsDir() {
		return false
	}
	if !srcInfo.ModTime().Equal(mirrored.ModTime()) {
		return true
	}
	return e.opts.Transformer == nil && srcInfo.Size() != mirrored.Size()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
