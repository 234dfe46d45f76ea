package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel *string
	Config   *string
	Quiet    *bool

	// Shared: Run / Init
	Workers           *int
	QueueSize         *int
	LockTimeoutMs     *int
	PathLockTimeoutMs *int
	RenameWindowMs    *int
	RetryCount        *int
	RetryWaitMs       *int
	BufferSizeKB      *int
	MemoryLimitMB     *int
	MinFreeMB         *int
	Metrics           *bool

	CompressionEnabled *bool
	CompressionFormat  *string
	CompressionLevel   *string
	EncryptionEnabled  *bool
	EncryptionKeyEnv   *string

	PreRunHooks  *string
	PostRunHooks *string
	FailFast     *bool

	// Run specific
	LogFile      *string
	NotifyListen *string

	// Shared: Init / Add
	Source *string
	Target *string

	// Init specific
	Force *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.Config = fs.String("config", "", "Path to the configuration file (.json, .toml, .yaml). Defaults to '"+DefaultConfigHint+"' in the working directory.")
	f.Quiet = fs.Bool("quiet", false, "Only log warnings and errors to the console.")
}

// DefaultConfigHint is shown in the usage text of the config flag.
const DefaultConfigHint = "pgl-mirror.config.json"

func registerEngineFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Workers = fs.Int("workers", 0, "Number of worker goroutines applying mirror actions (0=number of CPUs).")
	f.QueueSize = fs.Int("queue-size", 0, "Capacity of the event queue and of each worker queue.")
	f.LockTimeoutMs = fs.Int("lock-timeout-ms", 0, "Milliseconds to wait for exclusive access when loading a configuration.")
	f.PathLockTimeoutMs = fs.Int("path-lock-timeout-ms", 0, "Milliseconds an action waits for earlier actions on the same target path.")
	f.RenameWindowMs = fs.Int("rename-window-ms", 0, "Milliseconds within which a removal and a creation are paired into a rename.")
	f.RetryCount = fs.Int("retry-count", 0, "Number of retries for failed file copies.")
	f.RetryWaitMs = fs.Int("retry-wait-ms", 0, "Milliseconds to wait between retries.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes for file copies.")
	f.MemoryLimitMB = fs.Int("memory-limit-mb", 0, "Maximum megabytes held in memory by compression and encryption.")
	f.MinFreeMB = fs.Int("min-free-mb", 0, "Warn when a target volume has less free space than this.")
	f.Metrics = fs.Bool("metrics", false, "Enable mirror counters and periodic progress summaries.")

	f.CompressionEnabled = fs.Bool("compression", false, "Compress mirrored files.")
	f.CompressionFormat = fs.String("compression-format", "", "Compression format: 'zstd' or 'gzip'.")
	f.CompressionLevel = fs.String("compression-level", "", "Compression level: 'default', 'fastest', 'better', 'best'.")
	f.EncryptionEnabled = fs.Bool("encryption", false, "Encrypt mirrored files with AES-GCM.")
	f.EncryptionKeyEnv = fs.String("encryption-key-env", "", "Environment variable holding the encryption passphrase.")

	f.PreRunHooks = fs.String("pre-run-hooks", "", "Comma-separated list of commands to run before mirroring starts.")
	f.PostRunHooks = fs.String("post-run-hooks", "", "Comma-separated list of commands to run after mirroring stops.")
	f.FailFast = fs.Bool("fail-fast", false, "Abort when a pre-run hook command fails.")
}

func registerRunFlags(fs *flag.FlagSet, f *cliFlags) {
	registerEngineFlags(fs, f)
	f.LogFile = fs.String("log-file", "", "Also write logs to this file, rotated by size.")
	f.NotifyListen = fs.String("notify-listen", "", "Address to serve the websocket notification stream on, e.g. 'localhost:8765'.")
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	// Init supports all engine flags (to generate config) plus 'force'.
	registerEngineFlags(fs, f)
	f.Source = fs.String("source", "", "Source directory to watch.")
	f.Target = fs.String("target", "", "Comma-separated list of target directories to mirror into.")
	f.Force = fs.Bool("force", false, "Overwrite an existing configuration file without asking.")
}

func registerAddFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Source = fs.String("source", "", "Source directory to watch. (Required)")
	f.Target = fs.String("target", "", "Comma-separated list of target directories to mirror into. (Required)")
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the action and config map.
func Parse(args []string) (Command, map[string]interface{}, error) {
	// Handle top-level help
	// If no arguments provided, print help and exit.
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	f := &cliFlags{}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}

	var desc string
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	registerGlobalFlags(fs, f)

	switch command {
	case Run:
		registerRunFlags(fs, f)
		desc = "Watch the configured sources and mirror every change into their targets until interrupted."
	case Init:
		registerInitFlags(fs, f)
		desc = "Write a new configuration file."
	case Add:
		registerAddFlags(fs, f)
		desc = "Add a mapping (or targets to an existing mapping) to the configuration file."
	case Check:
		desc = "Validate the configuration file and check that every target is usable."
	case Version:
		return command, nil, nil
	default:
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}

	// Custom usage for the subcommand
	fs.Usage = func() {
		printSubcommandUsage(command, desc, fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}
	if fs.NArg() > 0 {
		return command, nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	flagMap, err := flagsToMap(fs, f)
	return command, flagMap, err
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) (map[string]interface{}, error) {
	// Create a map of the flags that were explicitly set by the user, along with their values.
	// This map is used to selectively override the base configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "config", f.Config)
	addIfUsed(flagMap, usedFlags, "quiet", f.Quiet)

	addIfUsed(flagMap, usedFlags, "workers", f.Workers)
	addIfUsed(flagMap, usedFlags, "queue-size", f.QueueSize)
	addIfUsed(flagMap, usedFlags, "lock-timeout-ms", f.LockTimeoutMs)
	addIfUsed(flagMap, usedFlags, "path-lock-timeout-ms", f.PathLockTimeoutMs)
	addIfUsed(flagMap, usedFlags, "rename-window-ms", f.RenameWindowMs)
	addIfUsed(flagMap, usedFlags, "retry-count", f.RetryCount)
	addIfUsed(flagMap, usedFlags, "retry-wait-ms", f.RetryWaitMs)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)
	addIfUsed(flagMap, usedFlags, "memory-limit-mb", f.MemoryLimitMB)
	addIfUsed(flagMap, usedFlags, "min-free-mb", f.MinFreeMB)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)

	addIfUsed(flagMap, usedFlags, "compression", f.CompressionEnabled)
	addIfUsed(flagMap, usedFlags, "compression-format", f.CompressionFormat)
	addIfUsed(flagMap, usedFlags, "compression-level", f.CompressionLevel)
	addIfUsed(flagMap, usedFlags, "encryption", f.EncryptionEnabled)
	addIfUsed(flagMap, usedFlags, "encryption-key-env", f.EncryptionKeyEnv)
	addIfUsed(flagMap, usedFlags, "fail-fast", f.FailFast)

	addIfUsed(flagMap, usedFlags, "log-file", f.LogFile)
	addIfUsed(flagMap, usedFlags, "notify-listen", f.NotifyListen)

	addIfUsed(flagMap, usedFlags, "source", f.Source)
	addIfUsed(flagMap, usedFlags, "force", f.Force)

	// Handle flags that require parsing/validation.
	addParsedIfUsed(flagMap, usedFlags, "target", f.Target, ParsePathList)
	addParsedIfUsed(flagMap, usedFlags, "pre-run-hooks", f.PreRunHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "post-run-hooks", f.PostRunHooks, ParseCmdList)

	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {

	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "A live, concurrent directory mirror.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  run         Watch sources and mirror changes into their targets\n")
	fmt.Fprintf(fs.Output(), "  init        Initialize a new configuration\n")
	fmt.Fprintf(fs.Output(), "  add         Add a mapping to the configuration\n")
	fmt.Fprintf(fs.Output(), "  check       Validate the configuration and its targets\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {

	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "A live, concurrent directory mirror.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseCmdList parses a comma-separated list of shell-like commands.
// It preserves quotes and handles backslash escapes so they can be interpreted by the shell.
func ParseCmdList(s string) []string {
	return parseListInternal(s, true, true)
}

// ParsePathList parses a comma-separated list of paths, such as mirror targets.
// It removes quotes, as they are only used for grouping items with spaces.
// It treats backslashes as literal characters for Windows path compatibility.
func ParsePathList(s string) []string {
	return parseListInternal(s, false, false)
}

// parseListInternal is the core implementation for parsing a comma-separated list. It supports
// both single (') and double (") quotes to allow items to contain commas or spaces.
// - `keepQuotes`: Preserves quote characters in the output.
// - `handleEscapes`: Treats backslashes as escape characters.
func parseListInternal(s string, keepQuotes, handleEscapes bool) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	// Helper to add the current buffered item to the list after trimming whitespace.
	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	var isEscaped bool
	for _, r := range s {
		if isEscaped {
			current.WriteRune(r)
			isEscaped = false
			continue
		}

		switch {
		case r == '\\' && handleEscapes:
			isEscaped = true
			// For commands, we also keep the backslash for the shell to interpret.
			current.WriteRune(r)
		case r == '\'' || r == '"':
			if quoteChar == 0 { // Start of a new quoted section.
				quoteChar = r
				if keepQuotes {
					current.WriteRune(r)
				}
			} else if quoteChar == r { // End of the current quoted section.
				quoteChar = 0
				if keepQuotes {
					current.WriteRune(r)
				}
			} else { // A different quote character inside an existing quoted section.
				current.WriteRune(r) // Treat it as a literal character.
			}
		case r == ',' && quoteChar == 0: // Comma outside of any quotes.
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem() // Add the final item after the loop finishes.
	return list
}
