package cmd

import (
	"fmt"

	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// loadConfig loads the configuration named by the -config flag and merges the
// flags the user set on top of it.
func loadConfig(command flagparse.Command, flagMap map[string]interface{}) (config.Config, error) {
	configPath, _ := flagMap["config"].(string)
	loadedConfig, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	return config.MergeConfigWithFlags(command, loadedConfig, flagMap), nil
}

// applyLogging configures the global logger from the final configuration.
func applyLogging(cfg config.Config, flagMap map[string]interface{}) error {
	level, err := plog.LevelFromString(cfg.Log.Level)
	if err != nil {
		return err
	}
	plog.SetLevel(level)
	if quiet, ok := flagMap["quiet"].(bool); ok {
		plog.SetQuiet(quiet)
	}
	if cfg.Log.File != "" {
		if err := plog.SetLogFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, cfg.Log.MaxAgeDays); err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
	}
	return nil
}
