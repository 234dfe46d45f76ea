package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/engine"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// reloadDelay collapses the burst of events an editor or Generate produces
// when saving the configuration file.
const reloadDelay = 250 * time.Millisecond

// watchConfigFile reloads the mappings of the configuration file at path into
// eng whenever the file changes, until ctx is done. Engine settings other than
// the mappings take effect on the next start.
func watchConfigFile(ctx context.Context, path string, eng *engine.Engine) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: saving through a rename replaces the file's inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			plog.Warn("Config watcher error", "error", err)
		case <-fire:
			fire = nil
			reloadMappings(ctx, path, eng)
		}
	}
}

// reloadMappings loads the mappings of path and hands them to eng. An
// unreadable or invalid file leaves the active configuration in place.
func reloadMappings(ctx context.Context, path string, eng *engine.Engine) bool {
	cfg, err := config.Load(path)
	if err != nil {
		plog.Warn("Configuration reload failed, keeping the previous configuration", "error", err)
		return false
	}
	if err := cfg.Validate(); err != nil {
		plog.Warn("Configuration reload failed, keeping the previous configuration", "error", err)
		return false
	}
	conf, err := cfg.ToConfiguration()
	if err != nil {
		plog.Warn("Configuration reload failed, keeping the previous configuration", "error", err)
		return false
	}
	if conf.Equal(eng.Current()) {
		plog.Debug("Configuration file changed but its mappings did not")
		return false
	}
	if ok, err := eng.TryLoadConfiguration(ctx, conf); !ok {
		plog.Warn("Configuration reload rejected, keeping the previous configuration", "error", err)
		return false
	}
	plog.Info("Configuration reloaded", "mappings", conf.Len())
	return true
}
