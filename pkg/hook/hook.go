// Package hook runs user supplied shell commands around the lifetime of the
// mirror daemon, for example to mount a target volume before mirroring starts.
package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/hints"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

var ErrNothingToExecute = hints.New("nothing to execute")
var ErrDisabled = hints.New("hook execution is disabled")

// HookEnvVar names the hook stage in the environment of every command.
const HookEnvVar = "PGL_MIRROR_HOOK"

// waitDelay bounds how long a canceled hook may keep its output pipes open.
const waitDelay = 10 * time.Second

// Plan holds the commands of one run.
type Plan struct {
	Enabled bool

	PreRunCommands  []string
	PostRunCommands []string

	// FailFast turns the first failing command into an error.
	FailFast bool
}

type HookExecutor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewHookExecutor creates a HookExecutor. A nil commandContext selects exec.CommandContext.
func NewHookExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *HookExecutor {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &HookExecutor{
		commandContext: commandContext,
	}
}

// RunPreHook runs the pre-run commands in order.
func (e *HookExecutor) RunPreHook(ctx context.Context, p *Plan) error {
	if !p.Enabled {
		return ErrDisabled
	}
	return e.run(ctx, "pre-run", p.PreRunCommands, p.FailFast)
}

// RunPostHook runs the post-run commands in order.
func (e *HookExecutor) RunPostHook(ctx context.Context, p *Plan) error {
	if !p.Enabled {
		return ErrDisabled
	}
	return e.run(ctx, "post-run", p.PostRunCommands, p.FailFast)
}

func (e *HookExecutor) run(ctx context.Context, stage string, commands []string, failFast bool) error {
	if len(commands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info("Running hook commands", "stage", stage, "count", len(commands))
	for _, hookCommand := range commands {
		if err := ctx.Err(); err != nil {
			return err
		}

		plog.Info("Executing command", "command", hookCommand)
		cmd := e.createCommand(ctx, hookCommand)
		if cmd.Env == nil {
			cmd.Env = os.Environ()
		}
		cmd.Env = append(cmd.Env, HookEnvVar+"="+stage)

		// Pipe output to our console for visibility
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return context.Canceled
			}
			if failFast {
				return fmt.Errorf("command '%s' failed: %w", hookCommand, err)
			}
			plog.Warn("Hook command failed", "command", hookCommand, "error", err)
		}
	}
	return nil
}
