// Package logging builds the process-wide structured logger. It is
// grounded on folbricht-routedns's query-log.go: an io.Writer (stdout or a
// file), a text or JSON handler, and a level parsed from a config string.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// New builds a *slog.Logger writing to file (or stdout when file is empty)
// at the given level ("debug", "info", "warn", "error"). format selects
// between "text" and "json" handlers.
func New(file, level, format string) (*slog.Logger, error) {
	var w io.Writer = os.Stdout
	if file != "" {
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		w = f
	}

	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch format {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("logging: invalid format %q", format)
	}

	return slog.New(handler), nil
}

func parseLevel(level string) (slog.Level, error) {
	switch level {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging: invalid level %q", level)
	}
}
