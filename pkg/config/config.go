// Package config loads, validates and writes the mirror's configuration file.
// The file may be JSON, TOML or YAML; the format is picked by extension.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/mapping"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/transform"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// ConfigFileName is the name of the configuration file.
const ConfigFileName = "pgl-mirror.config.json"

// fileFormat is the serialization of a configuration file.
type fileFormat int

const (
	formatJSON fileFormat = iota
	formatTOML
	formatYAML
)

func formatOf(path string) (fileFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON, nil
	case ".toml":
		return formatTOML, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	default:
		return formatJSON, fmt.Errorf("unsupported config file extension %q: use .json, .toml, .yaml or .yml", filepath.Ext(path))
	}
}

type MappingConfig struct {
	Source  string   `json:"source" toml:"source" yaml:"source"`
	Targets []string `json:"targets" toml:"targets" yaml:"targets"`
}

type HooksConfig struct {
	// Note: omitempty is intentionally not used so that the hook fields
	// appear in the generated config file for better discoverability.
	// PreRun is a list of shell commands to execute before mirroring starts.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PreRun []string `json:"preRun" toml:"preRun" yaml:"preRun"`
	// PostRun is a list of shell commands to execute after mirroring stopped.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PostRun  []string `json:"postRun" toml:"postRun" yaml:"postRun"`
	FailFast bool     `json:"failFast" toml:"failFast" yaml:"failFast"`
}

type EngineConfig struct {
	Workers                int  `json:"workers" toml:"workers" yaml:"workers"`
	QueueSize              int  `json:"queueSize" toml:"queueSize" yaml:"queueSize"`
	LockTimeoutMs          int  `json:"lockTimeoutMs" toml:"lockTimeoutMs" yaml:"lockTimeoutMs"`
	PathLockTimeoutMs      int  `json:"pathLockTimeoutMs" toml:"pathLockTimeoutMs" yaml:"pathLockTimeoutMs"`
	RenameWindowMs         int  `json:"renameWindowMs" toml:"renameWindowMs" yaml:"renameWindowMs"`
	RetryCount             int  `json:"retryCount" toml:"retryCount" yaml:"retryCount"`
	RetryWaitMs            int  `json:"retryWaitMs" toml:"retryWaitMs" yaml:"retryWaitMs"`
	BufferSizeKB           int  `json:"bufferSizeKB" toml:"bufferSizeKB" yaml:"bufferSizeKB"`
	MemoryLimitMB          int  `json:"memoryLimitMB" toml:"memoryLimitMB" yaml:"memoryLimitMB"`
	MinFreeMB              int  `json:"minFreeMB" toml:"minFreeMB" yaml:"minFreeMB"`
	Metrics                bool `json:"metrics" toml:"metrics" yaml:"metrics"`
	MetricsIntervalSeconds int  `json:"metricsIntervalSeconds" toml:"metricsIntervalSeconds" yaml:"metricsIntervalSeconds"`
}

type CompressionConfig struct {
	Enabled bool             `json:"enabled" toml:"enabled" yaml:"enabled"`
	Format  transform.Format `json:"format" toml:"format" yaml:"format"`
	Level   transform.Level  `json:"level" toml:"level" yaml:"level"`
}

type EncryptionConfig struct {
	Enabled bool `json:"enabled" toml:"enabled" yaml:"enabled"`
	// KeyEnv names the environment variable holding the passphrase. The
	// passphrase itself is never stored in the configuration file.
	KeyEnv string `json:"keyEnv" toml:"keyEnv" yaml:"keyEnv"`
}

type TransformConfig struct {
	Compression CompressionConfig `json:"compression" toml:"compression" yaml:"compression"`
	Encryption  EncryptionConfig  `json:"encryption" toml:"encryption" yaml:"encryption"`
}

type NotifyConfig struct {
	// Listen is the address of the websocket notification stream. Empty disables it.
	Listen         string `json:"listen" toml:"listen" yaml:"listen"`
	AllowAnyOrigin bool   `json:"allowAnyOrigin" toml:"allowAnyOrigin" yaml:"allowAnyOrigin"`
}

type LogConfig struct {
	Level      string `json:"level" toml:"level" yaml:"level"`
	File       string `json:"file" toml:"file" yaml:"file"`
	MaxSizeMB  int    `json:"maxSizeMB" toml:"maxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `json:"maxBackups" toml:"maxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays" toml:"maxAgeDays" yaml:"maxAgeDays"`
}

type Config struct {
	Version   string          `json:"version" toml:"version" yaml:"version"`
	Log       LogConfig       `json:"log" toml:"log" yaml:"log"`
	Mappings  []MappingConfig `json:"mappings" toml:"mappings" yaml:"mappings"`
	Engine    EngineConfig    `json:"engine" toml:"engine" yaml:"engine"`
	Transform TransformConfig `json:"transform" toml:"transform" yaml:"transform"`
	Hooks     HooksConfig     `json:"hooks" toml:"hooks" yaml:"hooks"`
	Notify    NotifyConfig    `json:"notify" toml:"notify" yaml:"notify"`

	// Path is the file the configuration was loaded from or is written to.
	Path string `json:"-" toml:"-" yaml:"-"`
}

func NewDefault() Config {
	return Config{
		Version: buildinfo.Version,
		Log: LogConfig{
			Level:      "info", // Default log level.
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Mappings: []MappingConfig{}, // Intentionally empty to force user configuration.
		Engine: EngineConfig{
			Workers:                0, // 0 selects the number of CPUs.
			QueueSize:              256,
			LockTimeoutMs:          5000,
			PathLockTimeoutMs:      30000,
			RenameWindowMs:         50,
			RetryCount:             3,
			RetryWaitMs:            200,
			BufferSizeKB:           256,
			MemoryLimitMB:          256,
			MinFreeMB:              1024,
			Metrics:                true,
			MetricsIntervalSeconds: 60,
		},
		Transform: TransformConfig{
			Compression: CompressionConfig{
				Enabled: false,
				Format:  transform.Zstd,
				Level:   transform.Default,
			},
			Encryption: EncryptionConfig{
				Enabled: false,
				KeyEnv:  "PGL_MIRROR_KEY",
			},
		},
		Hooks: HooksConfig{
			PreRun:  []string{},
			PostRun: []string{},
		},
	}
}

// ResolvePath turns the value of the config flag into an absolute file path.
// An empty value or a directory selects ConfigFileName inside it.
func ResolvePath(p string) (string, error) {
	if p == "" {
		p = "."
	}
	expanded, err := util.ExpandPath(p)
	if err != nil {
		return "", fmt.Errorf("could not expand config path %s: %w", p, err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("could not determine absolute path for config %s: %w", p, err)
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		abs = filepath.Join(abs, ConfigFileName)
	}
	return abs, nil
}

// Load reads the configuration file at path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	configPath, err := ResolvePath(path)
	if err != nil {
		return Config{}, err
	}
	format, err := formatOf(configPath)
	if err != nil {
		return Config{}, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := NewDefault()
			cfg.Path = configPath
			return cfg, nil // Config file doesn't exist, which is a normal case.
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", configPath, err)
	}

	plog.Info("Loading configuration", "path", configPath)
	// Start with default values, then overwrite with the file's content.
	// This makes the config loading resilient to missing fields in the file.
	config := NewDefault()
	if err := decode(format, data, &config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}
	config.Path = configPath

	// NOTE: if config.Version differs from the app version a migration step goes here.
	if config.Version != buildinfo.Version {
		config.Version = buildinfo.Version
	}
	return config, nil
}

func decode(format fileFormat, data []byte, v *Config) error {
	switch format {
	case formatTOML:
		md, err := toml.Decode(string(data), v)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
		}
		return nil
	case formatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(v)
	}
}

func encode(format fileFormat, v Config) ([]byte, error) {
	switch format {
	case formatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(v); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case formatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return json.MarshalIndent(v, "", "  ")
	}
}

// Generate writes the configuration to its Path.
func Generate(configToGenerate Config) error {
	if configToGenerate.Path == "" {
		return fmt.Errorf("config path cannot be empty")
	}
	format, err := formatOf(configToGenerate.Path)
	if err != nil {
		return err
	}

	data, err := encode(format, configToGenerate)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configToGenerate.Path), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// Write through a temp file so a crash never leaves a half written config behind.
	tmp := configToGenerate.Path + ".tmp"
	if err := os.WriteFile(tmp, data, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, configToGenerate.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", configToGenerate.Path)
	return nil
}

// Validate checks the settings that do not depend on the file system. Mapping
// rules are checked by mapping.Configuration.Validate on the result of
// ToConfiguration.
func (c *Config) Validate() error {
	var errs []error

	if _, err := plog.LevelFromString(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.File != "" && c.Log.MaxSizeMB <= 0 {
		errs = append(errs, fmt.Errorf("log.maxSizeMB must be greater than 0 when a log file is set"))
	}

	e := c.Engine
	if e.Workers < 0 {
		errs = append(errs, fmt.Errorf("engine.workers cannot be negative"))
	}
	if e.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("engine.queueSize must be at least 1"))
	}
	if e.LockTimeoutMs < 0 || e.PathLockTimeoutMs < 0 || e.RenameWindowMs < 0 || e.RetryWaitMs < 0 {
		errs = append(errs, fmt.Errorf("engine timeouts and windows cannot be negative"))
	}
	if e.RetryCount < 0 {
		errs = append(errs, fmt.Errorf("engine.retryCount cannot be negative"))
	}
	if e.BufferSizeKB <= 0 {
		errs = append(errs, fmt.Errorf("engine.bufferSizeKB must be greater than 0"))
	}
	if e.MemoryLimitMB <= 0 {
		errs = append(errs, fmt.Errorf("engine.memoryLimitMB must be greater than 0"))
	}
	if e.MinFreeMB < 0 {
		errs = append(errs, fmt.Errorf("engine.minFreeMB cannot be negative"))
	}
	if e.Metrics && e.MetricsIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("engine.metricsIntervalSeconds cannot be negative"))
	}

	if comp := c.Transform.Compression; comp.Enabled {
		if _, err := transform.ParseFormat(string(comp.Format)); err != nil {
			errs = append(errs, err)
		}
		if _, err := transform.ParseLevel(string(comp.Level)); err != nil {
			errs = append(errs, err)
		}
	}
	if enc := c.Transform.Encryption; enc.Enabled && enc.KeyEnv == "" {
		errs = append(errs, fmt.Errorf("transform.encryption.keyEnv cannot be empty when encryption is enabled"))
	}

	for i, m := range c.Mappings {
		if m.Source == "" {
			errs = append(errs, fmt.Errorf("mapping %d: source path cannot be empty", i+1))
		}
		if len(m.Targets) == 0 {
			errs = append(errs, fmt.Errorf("mapping %d: at least one target is required", i+1))
		}
	}

	return errors.Join(errs...)
}

// ToConfiguration converts the file's mappings into an engine configuration.
// Leading '~' in paths is expanded.
func (c *Config) ToConfiguration() (*mapping.Configuration, error) {
	mappings := make([]mapping.WatchMapping, 0, len(c.Mappings))
	for i, m := range c.Mappings {
		src, err := util.ExpandPath(m.Source)
		if err != nil {
			return nil, fmt.Errorf("mapping %d: could not expand source path: %w", i+1, err)
		}
		wm := mapping.WatchMapping{Source: src}
		for _, t := range m.Targets {
			tgt, err := util.ExpandPath(t)
			if err != nil {
				return nil, fmt.Errorf("mapping %d: could not expand target path: %w", i+1, err)
			}
			wm.Targets = append(wm.Targets, tgt)
		}
		mappings = append(mappings, wm)
	}
	return mapping.New(mappings...), nil
}

// AddMapping adds targets to the mapping of source, creating it when needed.
// It reports whether anything changed.
func (c *Config) AddMapping(source string, targets ...string) bool {
	srcKey := mappingKey(source)
	for i := range c.Mappings {
		if mappingKey(c.Mappings[i].Source) != srcKey {
			continue
		}
		changed := false
		for _, t := range targets {
			if !containsPath(c.Mappings[i].Targets, t) {
				c.Mappings[i].Targets = append(c.Mappings[i].Targets, t)
				changed = true
			}
		}
		return changed
	}
	m := MappingConfig{Source: source}
	for _, t := range targets {
		if !containsPath(m.Targets, t) {
			m.Targets = append(m.Targets, t)
		}
	}
	c.Mappings = append(c.Mappings, m)
	return true
}

func mappingKey(p string) string {
	if expanded, err := util.ExpandPath(p); err == nil {
		p = expanded
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return util.PathKey(p)
}

func containsPath(list []string, p string) bool {
	key := mappingKey(p)
	for _, existing := range list {
		if mappingKey(existing) == key {
			return true
		}
	}
	return false
}

// BuildTransformer returns the transformer for mirrored content, or nil when
// neither compression nor encryption is enabled. Compression runs before encryption.
func (c *Config) BuildTransformer() (transform.Transformer, error) {
	var chain transform.Chain
	if comp := c.Transform.Compression; comp.Enabled {
		compressor, err := transform.NewCompressor(comp.Format, comp.Level)
		if err != nil {
			return nil, err
		}
		chain = append(chain, compressor)
	}
	if enc := c.Transform.Encryption; enc.Enabled {
		key, err := transform.KeyFromEnv(enc.KeyEnv)
		if err != nil {
			return nil, err
		}
		aead, err := transform.NewAESGCM(key)
		if err != nil {
			return nil, err
		}
		chain = append(chain, aead)
	}
	switch len(chain) {
	case 0:
		return nil, nil
	case 1:
		return chain[0], nil
	default:
		return chain, nil
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c *Config) LockTimeout() time.Duration     { return ms(c.Engine.LockTimeoutMs) }
func (c *Config) PathLockTimeout() time.Duration { return ms(c.Engine.PathLockTimeoutMs) }
func (c *Config) RenameWindow() time.Duration    { return ms(c.Engine.RenameWindowMs) }
func (c *Config) RetryWait() time.Duration       { return ms(c.Engine.RetryWaitMs) }
func (c *Config) MetricsInterval() time.Duration {
	return time.Duration(c.Engine.MetricsIntervalSeconds) * time.Second
}

func (c *Config) LogSummary() {
	logArgs := []interface{}{
		"config", c.Path,
		"log_level", c.Log.Level,
		"mappings", len(c.Mappings),
		"workers", c.Engine.Workers,
		"queue_size", c.Engine.QueueSize,
		"retry_count", c.Engine.RetryCount,
		"buffer_size_kb", c.Engine.BufferSizeKB,
		"metrics", c.Engine.Metrics,
	}
	if c.Log.File != "" {
		logArgs = append(logArgs, "log_file", c.Log.File)
	}
	if comp := c.Transform.Compression; comp.Enabled {
		logArgs = append(logArgs, "compression", fmt.Sprintf("enabled (f:%s l:%s)", comp.Format, comp.Level))
	}
	if c.Transform.Encryption.Enabled {
		logArgs = append(logArgs, "encryption", fmt.Sprintf("enabled (env:%s)", c.Transform.Encryption.KeyEnv))
	}
	if len(c.Hooks.PreRun) > 0 {
		logArgs = append(logArgs, "pre_run_hooks", strings.Join(c.Hooks.PreRun, "; "))
	}
	if len(c.Hooks.PostRun) > 0 {
		logArgs = append(logArgs, "post_run_hooks", strings.Join(c.Hooks.PostRun, "; "))
	}
	if c.Notify.Listen != "" {
		logArgs = append(logArgs, "notify_listen", c.Notify.Listen)
	}
	plog.Info("Configuration loaded", logArgs...)
	for _, m := range c.Mappings {
		plog.Info("Mapping", "source", m.Source, "targets", strings.Join(m.Targets, ", "))
	}
}

// MergeConfigWithFlags applies the flags the user set explicitly on top of base.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "log-level":
			merged.Log.Level = value.(string)
		case "log-file":
			merged.Log.File = value.(string)
		case "workers":
			merged.Engine.Workers = value.(int)
		case "queue-size":
			merged.Engine.QueueSize = value.(int)
		case "lock-timeout-ms":
			merged.Engine.LockTimeoutMs = value.(int)
		case "path-lock-timeout-ms":
			merged.Engine.PathLockTimeoutMs = value.(int)
		case "rename-window-ms":
			merged.Engine.RenameWindowMs = value.(int)
		case "retry-count":
			merged.Engine.RetryCount = value.(int)
		case "retry-wait-ms":
			merged.Engine.RetryWaitMs = value.(int)
		case "buffer-size-kb":
			merged.Engine.BufferSizeKB = value.(int)
		case "memory-limit-mb":
			merged.Engine.MemoryLimitMB = value.(int)
		case "min-free-mb":
			merged.Engine.MinFreeMB = value.(int)
		case "metrics":
			merged.Engine.Metrics = value.(bool)
		case "compression":
			merged.Transform.Compression.Enabled = value.(bool)
		case "compression-format":
			merged.Transform.Compression.Format = transform.Format(value.(string))
		case "compression-level":
			merged.Transform.Compression.Level = transform.Level(value.(string))
		case "encryption":
			merged.Transform.Encryption.Enabled = value.(bool)
		case "encryption-key-env":
			merged.Transform.Encryption.KeyEnv = value.(string)
		case "pre-run-hooks":
			merged.Hooks.PreRun = value.([]string)
		case "post-run-hooks":
			merged.Hooks.PostRun = value.([]string)
		case "fail-fast":
			merged.Hooks.FailFast = value.(bool)
		case "notify-listen":
			merged.Notify.Listen = value.(string)
		case "source", "target":
			// Applied together below.
		case "config", "quiet", "force":
			// Not part of the stored configuration.
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}

	if command == flagparse.Init || command == flagparse.Add {
		source, _ := setFlags["source"].(string)
		targets, _ := setFlags["target"].([]string)
		if source != "" && len(targets) > 0 {
			// Copy so that base keeps its own mapping slice.
			merged.Mappings = append([]MappingConfig(nil), base.Mappings...)
			for i := range merged.Mappings {
				merged.Mappings[i].Targets = append([]string(nil), merged.Mappings[i].Targets...)
			}
			merged.AddMapping(source, targets...)
		}
	}
	return merged
}
