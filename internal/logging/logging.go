// Package logging constructs the daemon's structured logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls logger construction.
type Config struct {
	Level  string `yaml:"level"`  // debug|info|warn|error, default info
	Format string `yaml:"format"` // json|text, default text
	Output string `yaml:"output"` // stdout|stderr|path, default stderr
}

// levelNames maps a config level string to its slog.Level.
var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// standardOutputs maps the two named output targets to their stream;
// anything else is resolved by openOutput as a file path.
var standardOutputs = map[string]io.Writer{
	"stdout": os.Stdout,
	"stderr": os.Stderr,
	"":       os.Stderr,
}

// New builds a *slog.Logger from cfg. The returned closer should be
// deferred by the caller to flush/close any opened file handle.
func New(cfg Config) (*slog.Logger, func() error, error) {
	writer, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output %q: %w", cfg.Output, err)
	}
	return slog.New(newHandler(writer, levelFor(cfg.Level), cfg.Format)), closer, nil
}

// levelFor resolves a config level string, defaulting to info for an
// unrecognized or empty value.
func levelFor(s string) slog.Level {
	if lvl, ok := levelNames[strings.ToLower(s)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// newHandler picks a JSON or text handler for writer at the given level;
// anything other than "json" renders as text.
func newHandler(writer io.Writer, level slog.Level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(writer, opts)
	}
	return slog.NewTextHandler(writer, opts)
}

// openOutput resolves output to an io.Writer: "stdout"/"stderr"/"" map to
// the corresponding stream (never closed by the returned closer); anything
// else is opened as an append-mode file.
func openOutput(output string) (io.Writer, func() error, error) {
	if w, ok := standardOutputs[strings.ToLower(output)]; ok {
		return w, func() error { return nil }, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
