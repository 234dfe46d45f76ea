package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulschiretz/pgl-mirror/cmd"
	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// applyGlobalFlags sets the log level and quiet mode requested on the command
// line before any command runs. 'run' re-applies them after loading its config.
func applyGlobalFlags(flagMap map[string]interface{}) error {
	if v, ok := flagMap["log-level"].(string); ok {
		level, err := plog.LevelFromString(v)
		if err != nil {
			return err
		}
		plog.SetLevel(level)
	}
	if quiet, ok := flagMap["quiet"].(bool); ok {
		plog.SetQuiet(quiet)
	}
	return nil
}

// run encapsulates the main application logic and returns an error if something
// goes wrong, allowing the main function to handle exit codes.
func run(ctx context.Context, args []string) error {
	command, flagMap, err := flagparse.Parse(args)
	if err != nil {
		return err
	}
	if err := applyGlobalFlags(flagMap); err != nil {
		return err
	}

	switch command {
	case flagparse.None:
		return nil // Usage was printed.
	case flagparse.Version:
		return cmd.RunVersion(buildinfo.Name, buildinfo.Version)
	case flagparse.Init:
		return cmd.RunInit(ctx, flagMap)
	case flagparse.Add:
		return cmd.RunAdd(ctx, flagMap)
	case flagparse.Check:
		return cmd.RunCheck(ctx, flagMap)
	case flagparse.Run:
		plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())
		return cmd.RunMirror(ctx, flagMap)
	default:
		return fmt.Errorf("internal error: unknown command %s", command)
	}
}

func main() {
	// Set up a context that is canceled when an interrupt or termination signal is received.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, context.Canceled) {
			plog.Info(buildinfo.Name + " operation canceled.")
			return
		}
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		os.Exit(1)
	}
}
