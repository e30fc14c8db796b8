// Package logging provides structured logging infrastructure for neoterm.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/neoterm/neoterm/internal/config"
)

// NewFromConfig creates a new slog.Logger based on configuration.
func NewFromConfig(cfg *config.Config, baseDir string) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Logging.Level)
	handler := newHandler(cfg.Logging.Format, os.Stderr, level)

	var closer io.Closer
	if cfg.Logging.File != "" {
		file, err := openLogFile(cfg.LogFile(baseDir))
		if err != nil {
			return nil, nil, err
		}
		closer = file

		multi := io.MultiWriter(os.Stderr, file)
		handler = newHandler(cfg.Logging.Format, multi, level)
	}

	return slog.New(handler), closer, nil
}

// NewForSession creates a logger that writes only to <logs_dir>/<session-id>.log.
// Interactive commands use it so log lines never interleave with block output.
// The session attribute is added by the session itself.
func NewForSession(cfg *config.Config, baseDir, sessionID string) (*slog.Logger, io.Closer, error) {
	file, err := openLogFile(filepath.Join(cfg.LogsDir(baseDir), sessionID+".log"))
	if err != nil {
		return nil, nil, err
	}
	handler := newHandler(cfg.Logging.Format, file, parseLevel(cfg.Logging.Level))
	return slog.New(handler), file, nil
}

func openLogFile(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
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
	case config.LogLevelInfo:
		return slog.LevelInfo
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

	switch format {
	case config.LogFormatJSON:
		return slog.NewJSONHandler(w, opts)
	case config.LogFormatText:
		return slog.NewTextHandler(w, opts)
	default:
		return slog.NewJSONHandler(w, opts)
	}
}

// WithSession returns a logger with session context.
func WithSession(logger *slog.Logger, sessionID string) *slog.Logger {
	return logger.With("session", sessionID)
}

// WithWorkflow returns a logger with workflow context.
func WithWorkflow(logger *slog.Logger, name string) *slog.Logger {
	return logger.With("workflow", name)
}

// WithBlock returns a logger with block context.
func WithBlock(logger *slog.Logger, seq uint64, id string) *slog.Logger {
	return logger.With("block_seq", seq, "block_id", id)
}
