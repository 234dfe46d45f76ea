package cmd

import (
	"context"
	"fmt"
	"reflect"

	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// RunAdd handles the logic for the 'add' command. A running daemon picks the
// new mapping up when the configuration file changes.
func RunAdd(ctx context.Context, flagMap map[string]interface{}) error {
	source, _ := flagMap["source"].(string)
	targets, _ := flagMap["target"].([]string)
	if source == "" {
		return fmt.Errorf("the -source flag is required for the add operation")
	}
	if len(targets) == 0 {
		return fmt.Errorf("the -target flag is required for the add operation")
	}

	configFlag, _ := flagMap["config"].(string)
	loadedConfig, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	runConfig := config.MergeConfigWithFlags(flagparse.Add, loadedConfig, flagMap)
	if reflect.DeepEqual(runConfig.Mappings, loadedConfig.Mappings) {
		plog.Info("Mapping already present, nothing to do", "source", source)
		return nil
	}

	if err := runConfig.Validate(); err != nil {
		return err
	}
	if err := checkMappings(ctx, runConfig, false); err != nil {
		return fmt.Errorf("mapping rejected: %w", err)
	}

	if err := config.Generate(runConfig); err != nil {
		return fmt.Errorf("failed to update config file: %w", err)
	}
	plog.Info("Mapping added", "source", source, "targets", len(targets))
	return nil
}
