package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/preflight"
)

// RunInit handles the logic for the 'init' command.
func RunInit(ctx context.Context, flagMap map[string]interface{}) error {
	configFlag, _ := flagMap["config"].(string)
	configPath, err := config.ResolvePath(configFlag)
	if err != nil {
		return err
	}

	// Check for force flag to bypass confirmation
	force := false
	if f, ok := flagMap["force"]; ok {
		force = f.(bool)
	}

	if !force {
		if _, err := os.Stat(configPath); err == nil {
			fmt.Printf("WARNING: Configuration file already exists at %s.\n", configPath)
			fmt.Printf("Init will overwrite it. All custom settings and mappings will be lost.\n")
			if !PromptForConfirmation("Are you sure you want to continue?", false) {
				plog.Info(buildinfo.Name + " init operation canceled.")
				return nil
			}
		}
	}

	if _, ok := flagMap["source"]; ok {
		if _, ok := flagMap["target"]; !ok {
			return fmt.Errorf("the -target flag is required together with -source")
		}
	} else if _, ok := flagMap["target"]; ok {
		return fmt.Errorf("the -source flag is required together with -target")
	}

	baseConfig := config.NewDefault()
	baseConfig.Path = configPath

	// Create a config from defaults merged with user flags.
	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)
	if err := runConfig.Validate(); err != nil {
		return err
	}

	startTime := time.Now()
	if len(runConfig.Mappings) > 0 {
		if err := checkMappings(ctx, runConfig, false); err != nil {
			return fmt.Errorf("initialization preflight failed: %w", err)
		}
	}

	if err := config.Generate(runConfig); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}

	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" configuration successfully initialized.", "path", configPath, "duration", duration)
	return nil
}

// checkMappings validates the mappings of cfg and checks every target.
// With writable set, missing targets are created and probed for write access.
func checkMappings(ctx context.Context, cfg config.Config, writable bool) error {
	conf, err := cfg.ToConfiguration()
	if err != nil {
		return err
	}
	if err := conf.Validate(); err != nil {
		return err
	}

	var errs []error
	minFree := uint64(cfg.Engine.MinFreeMB) * 1024 * 1024
	for _, m := range conf.Mappings() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := preflight.CheckSourceAccessible(m.Source); err != nil {
			errs = append(errs, err)
			continue
		}
		for _, target := range m.Targets {
			if err := preflight.CheckTargetAccessible(target); err != nil {
				errs = append(errs, fmt.Errorf("target %s: %w", target, err))
				continue
			}
			if !writable {
				continue
			}
			if err := preflight.CheckTargetWritable(target); err != nil {
				errs = append(errs, fmt.Errorf("target %s: %w", target, err))
				continue
			}
			if minFree > 0 {
				// A low free space warning is logged but does not fail the check.
				_, _ = preflight.CheckFreeSpace(target, minFree)
			}
		}
	}
	return errors.Join(errs...)
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
