package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/engine"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/hints"
	"github.com/paulschiretz/pgl-mirror/pkg/hook"
	"github.com/paulschiretz/pgl-mirror/pkg/lockfile"
	"github.com/paulschiretz/pgl-mirror/pkg/mirror"
	"github.com/paulschiretz/pgl-mirror/pkg/notify"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/registry"
)

// postRunHookTimeout bounds the post-run hooks, which run after ctx is done.
const postRunHookTimeout = 5 * time.Minute

// RunMirror handles the logic for the 'run' command. It blocks until ctx is done.
func RunMirror(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, err := loadConfig(flagparse.Run, flagMap)
	if err != nil {
		return err
	}

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(); err != nil {
		return err
	}
	if len(runConfig.Mappings) == 0 {
		return fmt.Errorf("no mappings configured in %s: use the 'add' command to add one", runConfig.Path)
	}
	if err := applyLogging(runConfig, flagMap); err != nil {
		return err
	}
	defer plog.SetLogFile("", 0, 0, 0)

	runConfig.LogSummary()

	conf, err := runConfig.ToConfiguration()
	if err != nil {
		return err
	}

	// Ensure only one daemon runs a configuration at a time.
	appID := fmt.Sprintf("pgl-mirror-run:%s", runConfig.Path)
	lock, err := lockfile.Acquire(ctx, filepath.Dir(runConfig.Path), appID)
	if err != nil {
		return fmt.Errorf("failed to acquire lock for configuration: %w", err)
	}
	defer lock.Release()

	opts, err := engineOptions(runConfig)
	if err != nil {
		return err
	}

	hookPlan := &hook.Plan{
		Enabled:         true,
		PreRunCommands:  runConfig.Hooks.PreRun,
		PostRunCommands: runConfig.Hooks.PostRun,
		FailFast:        runConfig.Hooks.FailFast,
	}
	hooks := hook.NewHookExecutor(nil)
	if err := hooks.RunPreHook(ctx, hookPlan); err != nil && !hints.IsHint(err) {
		return fmt.Errorf("pre-run hook failed: %w", err)
	}
	defer func() {
		postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postRunHookTimeout)
		defer cancel()
		if err := hooks.RunPostHook(postCtx, hookPlan); err != nil && !hints.IsHint(err) {
			plog.Warn("Post-run hook failed", "error", err)
		}
	}()

	startTime := time.Now()
	mirrorEngine := engine.New(opts)
	defer mirrorEngine.Close()

	if ok, err := mirrorEngine.TryLoadConfiguration(ctx, conf); !ok {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if report, ok := mirrorEngine.LastReport(); ok {
		plog.Info("Mappings activated", "added", len(report.Added), "failed", len(report.Failed))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mirrorEngine.Run(gctx)
	})
	g.Go(func() error {
		if err := watchConfigFile(gctx, runConfig.Path, mirrorEngine); err != nil {
			plog.Warn("Configuration reload is disabled", "error", err)
		}
		return nil
	})
	if runConfig.Notify.Listen != "" {
		server := &notify.Server{Bus: mirrorEngine.Bus(), AllowAnyOrigin: runConfig.Notify.AllowAnyOrigin}
		g.Go(func() error {
			if err := server.ListenAndServe(gctx, runConfig.Notify.Listen); err != nil {
				return fmt.Errorf("notification server failed: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err // The error will be logged with full details by main()
	}
	plog.Info(buildinfo.Name+" stopped.", "duration", duration)
	return nil
}

// engineOptions translates the configuration into engine options.
func engineOptions(cfg config.Config) (engine.Options, error) {
	transformer, err := cfg.BuildTransformer()
	if err != nil {
		return engine.Options{}, fmt.Errorf("failed to set up content transform: %w", err)
	}

	regOpts := registry.Options{
		Version:      buildinfo.Version,
		Encrypted:    cfg.Transform.Encryption.Enabled,
		MinFreeBytes: uint64(cfg.Engine.MinFreeMB) * 1024 * 1024,
	}
	if cfg.Transform.Compression.Enabled {
		regOpts.CompressionFormat = cfg.Transform.Compression.Format.String()
	}

	return engine.Options{
		Workers:      cfg.Engine.Workers,
		QueueSize:    cfg.Engine.QueueSize,
		LockTimeout:  cfg.LockTimeout(),
		RenameWindow: cfg.RenameWindow(),
		Mirror: mirror.Options{
			PathLockTimeout: cfg.PathLockTimeout(),
			RetryCount:      cfg.Engine.RetryCount,
			RetryWait:       cfg.RetryWait(),
			BufferSize:      int64(cfg.Engine.BufferSizeKB) * 1024,
			Transformer:     transformer,
			MemoryLimit:     int64(cfg.Engine.MemoryLimitMB) * 1024 * 1024,
		},
		Registry:        regOpts,
		Metrics:         cfg.Engine.Metrics,
		MetricsInterval: cfg.MetricsInterval(),
	}, nil
}
