package plog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Log levels. Notice sits between Debug and Info and carries per-event
// activity (a file mirrored, a watch started) that is too chatty for Info.
const (
	LevelDebug  = slog.LevelDebug
	LevelNotice = slog.Level(-2)
	LevelInfo   = slog.LevelInfo
	LevelWarn   = slog.LevelWarn
	LevelError  = slog.LevelError
)

var levelNames = map[slog.Level]string{
	LevelDebug:  "DEBUG",
	LevelNotice: "NOTICE",
	LevelInfo:   "INFO",
	LevelWarn:   "WARN",
	LevelError:  "ERROR",
}

// LevelFromString parses a level name such as "notice" or "WARN".
func LevelFromString(s string) (slog.Level, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	if want == "WARNING" {
		want = "WARN"
	}
	for lvl, name := range levelNames {
		if name == want {
			return lvl, nil
		}
	}
	return LevelInfo, fmt.Errorf("invalid log level %q", s)
}

// LevelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. INFO and below go to one handler,
// while WARNING and above go to another.
type LevelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
}

func (h *LevelDispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdoutHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	return h.stdoutHandler.Handle(ctx, r)
}

func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

// teeHandler sends every record to all of its handlers.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

var (
	mu            sync.Mutex
	level         slog.LevelVar
	quietMode     atomic.Bool
	consoleLogger slog.Handler
	fileWriter    *lumberjack.Logger
	defaultLogger atomic.Pointer[slog.Logger]
)

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey && len(groups) == 0 {
		if lvl, ok := a.Value.Any().(slog.Level); ok {
			if name, ok := levelNames[lvl]; ok {
				a.Value = slog.StringValue(name)
			}
		}
	}
	return a
}

func newTextHandler(w io.Writer) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: &level, ReplaceAttr: replaceLevel})
}

// rebuild must be called with mu held.
func rebuild() {
	h := consoleLogger
	if fileWriter != nil {
		h = teeHandler{consoleLogger, newTextHandler(fileWriter)}
	}
	defaultLogger.Store(slog.New(h))
}

func init() {
	level.Set(LevelInfo)
	mu.Lock()
	defer mu.Unlock()
	consoleLogger = &LevelDispatchHandler{
		stdoutHandler: newTextHandler(os.Stdout),
		stderrHandler: newTextHandler(os.Stderr),
	}
	rebuild()
}

// SetOutput allows redirecting the console output, primarily for testing.
// All levels are written to w and quiet mode is switched off.
func SetOutput(w io.Writer) {
	quietMode.Store(false)
	mu.Lock()
	defer mu.Unlock()
	consoleLogger = newTextHandler(w)
	rebuild()
}

// SetLogFile additionally writes every record to a size-rotated log file.
// An empty path detaches any previously configured file.
func SetLogFile(path string, maxSizeMB, maxBackups, maxAgeDays int) error {
	mu.Lock()
	defer mu.Unlock()
	if fileWriter != nil {
		if err := fileWriter.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		fileWriter = nil
	}
	if path != "" {
		fileWriter = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
		}
	}
	rebuild()
	return nil
}

// SetLevel sets the minimum level that is logged.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// SetQuiet enables or disables quiet mode. In quiet mode, Notice and Info
// records are suppressed.
func SetQuiet(quiet bool) {
	quietMode.Store(quiet)
}

// IsQuiet returns true if the global logger is in quiet mode.
func IsQuiet() bool {
	return quietMode.Load()
}

// Logger returns the current process-wide logger.
func Logger() *slog.Logger {
	return defaultLogger.Load()
}

func Debug(msg string, args ...any) {
	defaultLogger.Load().Debug(msg, args...)
}

// Notice logs per-item activity.
func Notice(msg string, args ...any) {
	if quietMode.Load() {
		return
	}
	defaultLogger.Load().Log(context.Background(), LevelNotice, msg, args...)
}

// Info logs an informational message.
func Info(msg string, args ...any) {
	if quietMode.Load() {
		return
	}
	defaultLogger.Load().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	defaultLogger.Load().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	defaultLogger.Load().Error(msg, args...)
}
