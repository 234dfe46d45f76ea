// Package lockfile keeps two mirror daemons from running the same
// configuration. The lock is a JSON file created with O_EXCL next to the
// configuration; the holder refreshes its timestamp periodically and a lock
// whose timestamp is too old is taken over.
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// LockFileName is the name of the lock file. The '~' prefix marks it as temporary.
const LockFileName = ".~pgl-mirror.lock"

// LockContent is what the lock file holds.
type LockContent struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce"`
	AppID      string    `json:"appID"`
}

// ErrLockActive is returned when a live process holds the lock.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	AppID     string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("lock is active, held by PID %d on host '%s' (App: %s), last updated %s ago", e.PID, e.Hostname, e.AppID, e.TimeSince.Truncate(time.Second))
}

var errLostRace = errors.New("lost race during stale lock takeover")

// Vars so tests can shorten them.
var (
	heartbeatInterval = 1 * time.Minute
	staleTimeout      = 3 * heartbeatInterval
	retryWait         = 100 * time.Millisecond
)

// Lock is a held lock file.
type Lock struct {
	path    string
	mu      sync.Mutex
	content LockContent
	stop    chan struct{}
	done    chan struct{}
	held    bool
}

// Acquire takes the lock in dirPath. It returns *ErrLockActive when another
// live process holds it.
func Acquire(ctx context.Context, dirPath, appID string) (*Lock, error) {
	path := filepath.Join(dirPath, LockFileName)

	for range 3 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		content, err := newContent(appID)
		if err != nil {
			return nil, err
		}

		err = create(path, content)
		if err == nil {
			return start(path, content), nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		existing, readErr := read(path)
		if readErr == nil {
			age := time.Since(existing.LastUpdate)
			if age < staleTimeout {
				return nil, &ErrLockActive{PID: existing.PID, Hostname: existing.Hostname, AppID: existing.AppID, TimeSince: age}
			}
			plog.Warn("Found stale lock, attempting takeover", "pid", existing.PID, "age", age)
		} else if os.IsNotExist(readErr) {
			// Released between our create and read.
			continue
		} else {
			plog.Warn("Found unreadable lock file, treating as stale", "path", path, "error", readErr)
		}

		if err := takeover(path, content); err != nil {
			plog.Debug("Lock takeover failed, retrying", "error", err)
			time.Sleep(retryWait)
			continue
		}
		return start(path, content), nil
	}
	return nil, fmt.Errorf("failed to acquire lock %s after 3 attempts (contention)", path)
}

func newContent(appID string) (LockContent, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return LockContent{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		return LockContent{}, err
	}
	return LockContent{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
		Nonce:      hex.EncodeToString(nonce),
		AppID:      appID,
	}, nil
}

func create(path string, content LockContent) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(content, "", "  ")
	if err == nil {
		_, err = f.Write(data)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

// takeover replaces the file atomically and reads it back; whoever's nonce
// survives owns the lock.
func takeover(path string, content LockContent) error {
	if err := replace(path, content); err != nil {
		return err
	}
	back, err := read(path)
	if err != nil {
		return fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}
	if back.Nonce != content.Nonce {
		return errLostRace
	}
	return nil
}

func replace(path string, content LockContent) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer os.Remove(tmp.Name())

	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp lock file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func read(path string) (LockContent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LockContent{}, err
	}
	var content LockContent
	if err := json.Unmarshal(data, &content); err != nil {
		return LockContent{}, fmt.Errorf("lock file is corrupt or empty: %w", err)
	}
	return content, nil
}

func start(path string, content LockContent) *Lock {
	l := &Lock{
		path:    path,
		content: content,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		held:    true,
	}
	go l.heartbeat()
	plog.Debug("Lock acquired", "path", path)
	return l
}

func (l *Lock) heartbeat() {
	defer close(l.done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			l.content.LastUpdate = time.Now().UTC()
			err := replace(l.path, l.content)
			l.mu.Unlock()
			if err != nil {
				plog.Warn("Heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Release stops the heartbeat and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return
	}
	l.held = false
	l.mu.Unlock()

	close(l.stop)
	<-l.done
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		return
	}
	plog.Debug("Lock released", "path", l.path)
}
