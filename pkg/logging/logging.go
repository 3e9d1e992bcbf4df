// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for askbot components.
//
// The logger is built on Go's standard library slog package. Output goes
// to stderr (Unix convention: stdout stays clean for data). JSON format is
// the default for service deployment; text format is available for local
// development.
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers must
// ensure credentials and tokens are never logged:
//
//	// BAD: logs sensitive data
//	logger.Info("auth", "secret", secret)
//
//	// GOOD: log metadata only
//	logger.Info("auth", "secret_present", secret != "")
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls logger construction.
type Config struct {
	// Level is the minimum severity: "debug", "info", "warn", "error".
	// Unrecognized values fall back to "info".
	Level string

	// Format is "json" (default) or "text".
	Format string

	// Service is attached to every record as the "service" attribute.
	Service string

	// Writer overrides the output destination. Nil means stderr.
	Writer io.Writer
}

// ParseLevel maps a config string to a slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New constructs a logger from cfg.
//
// The returned logger is safe for concurrent use. Callers typically
// install it process-wide with slog.SetDefault.
func New(cfg Config) *slog.Logger {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}
	return logger
}

// Default returns an info-level JSON logger writing to stderr.
func Default() *slog.Logger {
	return New(Config{})
}
