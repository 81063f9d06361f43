// Package logging provides structured logging infrastructure for the conductor.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openbach-stack/conductor/internal/config"
)

// NewFromConfig creates a new slog.Logger based on configuration.
func NewFromConfig(cfg *config.Config, baseDir string) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Logging.Level)

	logPath := cfg.LogFile(baseDir)
	if logPath == "" {
		return slog.New(newHandler(cfg.Logging.Format, os.Stderr, level)), nil, nil
	}

	file, err := openAppend(logPath)
	if err != nil {
		return nil, nil, err
	}
	multi := io.MultiWriter(os.Stderr, file)
	return slog.New(newHandler(cfg.Logging.Format, multi, level)), file, nil
}

// NewForInstance creates a logger that writes only to the per-instance log
// file <logs_dir>/<instance-id>.log, always as JSON.
func NewForInstance(cfg *config.Config, baseDir, instanceID string) (*slog.Logger, io.Closer, error) {
	logPath := filepath.Join(cfg.LogsDir(baseDir), instanceID+".log")
	file, err := openAppend(logPath)
	if err != nil {
		return nil, nil, err
	}
	handler := newHandler(config.LogFormatJSON, file, parseLevel(cfg.Logging.Level))
	return slog.New(handler).With("instance_id", instanceID), file, nil
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}

// NewDefault creates a default logger writing to stderr.
func NewDefault() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// NewForTest creates a silent logger for tests.
func NewForTest() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// parseLevel converts config log level to slog.Level.
func parseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newHandler creates a slog.Handler based on format.
func newHandler(format config.LogFormat, w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	if format == config.LogFormatText {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// WithScenario returns a logger with scenario instance context.
func WithScenario(logger *slog.Logger, instanceID, scenario string) *slog.Logger {
	return logger.With("instance_id", instanceID, "scenario", scenario)
}

// WithFunction returns a logger with OpenBACH function context.
func WithFunction(logger *slog.Logger, functionID int, kind string) *slog.Logger {
	return logger.With("function_id", functionID, "function_kind", kind)
}

// WithAgent returns a logger with agent context.
func WithAgent(logger *slog.Logger, address string) *slog.Logger {
	return logger.With("agent", address)
}
