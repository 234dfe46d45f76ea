package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/faults"
	"github.com/paulschiretz/pgl-mirror/pkg/hints"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/translate"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// copyFile mirrors src to dst. dst is only ever replaced by a fully written
// temp file, so a concurrent reader sees either the old or the new content.
func (e *Executor) copyFile(ctx context.Context, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return hints.Newf("source %s vanished before it could be copied: %w", src, err)
		}
		return faults.New(faults.IO, "copy", src, err)
	}
	if info.IsDir() {
		return e.makeDir(dst, info.Mode().Perm())
	}
	if err := e.ensureDir(filepath.Dir(dst), util.UserWritableDirPerms); err != nil {
		return faults.New(faults.IO, "copy", dst, err)
	}

	fill := e.streamFrom(src)
	if e.opts.Transformer != nil {
		data, release, err := e.transformed(ctx, src, info.Size())
		if err != nil {
			return err
		}
		defer release()
		fill = func(out *os.File) (int64, error) {
			n, err := out.Write(data)
			return int64(n), err
		}
	}

	if err := e.writeAtomic(ctx, dst, info, fill); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return faults.New(faults.IO, "copy", dst, err)
	}
	e.metrics.AddFilesCopied(1)
	plog.Notice("COPY", "source", src, "target", dst)
	return nil
}

// fillFunc writes the file content into out and returns the bytes written.
type fillFunc func(out *os.File) (int64, error)

func (e *Executor) streamFrom(src string) fillFunc {
	return func(out *os.File) (int64, error) {
		in, err := os.Open(src)
		if err != nil {
			return 0, fmt.Errorf("failed to open source file %s: %w", src, err)
		}
		defer in.Close()

		bufPtr := e.copyBufs.Get()
		defer e.copyBufs.Put(bufPtr)
		buf := (*bufPtr)[:cap(*bufPtr)]

		n, err := io.CopyBuffer(out, in, buf)
		if err != nil {
			return n, fmt.Errorf("failed to copy content from %s: %w", src, err)
		}
		e.metrics.AddBytesRead(n)
		return n, nil
	}
}

// transformed reads src into a pooled buffer within the memory budget and
// returns the transformed content. release must be called once the content
// has been written.
func (e *Executor) transformed(ctx context.Context, src string, size int64) (data []byte, release func(), err error) {
	if size > e.memory.Capacity() {
		return nil, nil, faults.Newf(faults.IO, "transform", src, "file of %s exceeds the transform memory budget of %s",
			util.ByteCountIEC(size), util.ByteCountIEC(e.memory.Capacity()))
	}
	if !e.memory.TryAcquire(size) {
		plog.Debug("Waiting for transform memory budget", "file", src, "size", util.ByteCountIEC(size), "available", util.ByteCountIEC(e.memory.Available()))
		if err := e.memory.Acquire(ctx, size); err != nil {
			return nil, nil, faults.New(faults.LockTimeout, "transform", src, err)
		}
	}
	bufPtr := e.fileBufs.Get(size)
	release = func() {
		e.fileBufs.Put(bufPtr)
		e.memory.Release(size)
	}
	kept := false
	defer func() {
		if !kept {
			release()
		}
	}()

	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, hints.Newf("source %s vanished before it could be copied: %w", src, err)
		}
		return nil, nil, faults.New(faults.IO, "transform", src, err)
	}
	n, err := io.ReadFull(in, *bufPtr)
	in.Close()
	// A file that shrank since Stat is mirrored as read; its change event follows.
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, nil, faults.New(faults.IO, "transform", src, err)
	}
	e.metrics.AddBytesRead(int64(n))

	data, err = e.opts.Transformer.Transform((*bufPtr)[:n])
	if err != nil {
		return nil, nil, faults.New(faults.IO, "transform", src, err)
	}
	kept = true
	return data, release, nil
}

// writeAtomic creates a temp file next to dst, fills it, copies mode and
// modification time from info and renames it over dst. Failed attempts are
// retried until ctx is done.
func (e *Executor) writeAtomic(ctx context.Context, dst string, info fs.FileInfo, fill fillFunc) error {
	retryCount, retryWait := e.opts.RetryCount, e.opts.RetryWait
	dir := filepath.Dir(dst)

	var lastErr error
	for i := range retryCount + 1 {
		if i > 0 {
			plog.Warn("Retrying file copy", "file", dst, "attempt", fmt.Sprintf("%d/%d", i, retryCount), "after", retryWait)
			select {
			case <-ctx.Done():
				return fmt.Errorf("copy of %s canceled after %d attempts: %w", dst, i, ctx.Err())
			case <-time.After(retryWait):
			}
		}

		lastErr = func() error {
			pattern := translate.TempPrefix + "*" + translate.TempSuffix
			out, err := os.CreateTemp(dir, pattern)
			if errors.Is(err, fs.ErrNotExist) {
				// The target directory was removed behind our back.
				e.forgetDir(dir)
				if mkErr := e.ensureDir(dir, util.UserWritableDirPerms); mkErr != nil {
					return mkErr
				}
				out, err = os.CreateTemp(dir, pattern)
			}
			if err != nil {
				return fmt.Errorf("failed to create temporary file in %s: %w", dir, err)
			}
			tmp := out.Name()
			defer func() {
				if tmp != "" {
					out.Close()
					os.Remove(tmp)
				}
			}()

			n, err := fill(out)
			if err != nil {
				return err
			}
			e.metrics.AddBytesWritten(n)

			// The mirror must stay writable for the next event even when the source is read-only.
			if err := out.Chmod(util.WithUserWritePermission(info.Mode().Perm())); err != nil {
				return fmt.Errorf("failed to set permissions on temporary file %s: %w", tmp, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("failed to close temporary file %s: %w", tmp, err)
			}
			if err := os.Chtimes(tmp, info.ModTime(), info.ModTime()); err != nil {
				return fmt.Errorf("failed to set timestamps on %s: %w", tmp, err)
			}
			if err := os.Rename(tmp, dst); err != nil {
				return err
			}
			tmp = ""
			return nil
		}()

		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to write %s after %d attempts: %w", dst, retryCount+1, lastErr)
}

// copyTree mirrors the directory src and everything below it into dst.
func (e *Executor) copyTree(ctx context.Context, src, dst string) error {
	var errs []error
	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				errs = append(errs, err)
				return fs.SkipDir
			}
			if err := e.makeDir(target, info.Mode().Perm()); err != nil {
				errs = append(errs, err)
				return fs.SkipDir
			}
			return nil
		}
		if translate.Ignored(path) {
			return nil
		}
		if err := e.copyFile(ctx, path, target); err != nil && !hints.IsHint(err) {
			errs = append(errs, err)
		}
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}
	return errors.Join(errs...)
}
