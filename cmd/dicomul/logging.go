package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/caio-sobreiro/dicomul/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the process logger. With a log file configured, output
// goes to a rotating file instead of w.
func newLogger(cfg config.Logging, w io.Writer) (*slog.Logger, func() error, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
	}

	closer := func() error { return nil }
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // megabytes
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays, // days
		}
		w = rotating
		closer = rotating.Close
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(handler), closer, nil
}
