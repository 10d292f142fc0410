// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for AleutianCloud commands.
//
// The logger is built on the standard library slog package. By default
// output goes to stderr in text format, following Unix CLI conventions
// so stdout stays free for command results. File logging can be enabled
// alongside stderr, producing JSON lines named {service}_{date}.log.
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("provisioning instance", "instance", name)
//
// # File Logging
//
//	logger, err := logging.New(logging.Config{
//	    Level:   logging.LevelDebug,
//	    LogDir:  "~/.aleutian/logs",
//	    Service: "aleutian-cloud",
//	})
//	defer logger.Close()
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level is a logging severity level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel converts a string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config controls logger construction.
type Config struct {
	// Level is the minimum severity to emit. Defaults to info.
	Level Level

	// LogDir enables file logging when non-empty. Supports ~ expansion.
	LogDir string

	// Service names the component, used in file names and as a
	// "service" attribute on every record.
	Service string

	// Stderr overrides the default stderr destination. Used in tests.
	Stderr io.Writer
}

// Logger wraps slog with optional file output.
//
// Logger is safe for concurrent use. Close flushes and closes the
// log file if one was opened; it is a no-op otherwise.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// Default returns a stderr-only logger at info level.
func Default() *Logger {
	l, _ := New(Config{})
	return l
}

// New constructs a Logger from config.
//
// # Description
//
// Builds a text handler on stderr and, when LogDir is set, a JSON
// handler writing to {service}_{date}.log inside LogDir. The directory
// is created if missing. File open failures are returned rather than
// silently degrading so operators notice broken log destinations.
func New(cfg Config) (*Logger, error) {
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	service := cfg.Service
	if service == "" {
		service = "aleutian-cloud"
	}
	opts := &slog.HandlerOptions{Level: cfg.Level.slogLevel()}

	var out io.Writer = stderr
	var file *os.File
	if cfg.LogDir != "" {
		dir, err := expandHome(cfg.LogDir)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
		name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
		file, err = os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(stderr, file)
	}

	var handler slog.Handler
	if file != nil {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	base := slog.New(handler).With("service", service)
	return &Logger{Logger: base, file: file}, nil
}

// Close releases the log file, if any. Safe to call multiple times.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
