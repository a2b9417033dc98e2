// Package logging builds the structured logger shared across the crawl
// facade and its CLI wrapper.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"crawlcore/internal/config"
)

// Build constructs a slog.Logger from cfg, choosing a JSON or text handler
// and mapping the configured level string onto a slog.Level.
func Build(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}
