package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogctx "github.com/veqryn/slog-context"
)

type Config struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
	// File also receives every record when set.
	File string `yaml:"file"`
}

func (c Config) Validate() error {
	if _, ok := parseLevel(c.Level); !ok {
		return fmt.Errorf("level must be 'debug', 'info', 'warn', or 'error', got %q", c.Level)
	}
	switch strings.ToLower(c.Format) {
	case "", "text", "json":
		return nil
	}
	return fmt.Errorf("format must be 'text' or 'json', got %q", c.Format)
}

// Setup builds a logger writing to stderr and, when configured, to the
// log file. The returned cleanup closes the file.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	var output io.Writer = os.Stderr
	cleanup := func() {}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = io.MultiWriter(os.Stderr, logFile)
		cleanup = func() { _ = logFile.Close() }
	}

	return New(output, cfg), cleanup, nil
}

// New returns a logger for w. Attributes added to a context with
// slogctx.Append are written with every record logged through it.
func New(w io.Writer, cfg Config) *slog.Logger {
	level, _ := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(slogctx.NewHandler(handler, nil))
}

func parseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
