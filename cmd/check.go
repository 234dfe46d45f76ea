package cmd

import (
	"context"
	"fmt"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// RunCheck handles the logic for the 'check' command. It validates the
// configuration file and checks every source and target without watching
// anything. Missing targets are created, as 'run' would do.
func RunCheck(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, err := loadConfig(flagparse.Check, flagMap)
	if err != nil {
		return err
	}
	if err := runConfig.Validate(); err != nil {
		return err
	}
	if len(runConfig.Mappings) == 0 {
		return fmt.Errorf("no mappings configured in %s", runConfig.Path)
	}
	if _, err := runConfig.BuildTransformer(); err != nil {
		return fmt.Errorf("content transform is misconfigured: %w", err)
	}

	runConfig.LogSummary()
	if err := checkMappings(ctx, runConfig, true); err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" configuration is valid.", "mappings", len(runConfig.Mappings))
	return nil
}
