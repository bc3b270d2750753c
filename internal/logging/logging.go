// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides structured, leveled logging on top of log/slog,
// with an optional syslog sink for the scheduler daemon.
package logging

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

// Config controls the default logger's output and level.
type Config struct {
	Level     slog.Level
	JSON      bool
	AddSource bool
	Syslog    SyslogConfig
}

// DefaultConfig returns a reasonable logging configuration for interactive use.
func DefaultConfig() Config {
	return Config{
		Level:  slog.LevelInfo,
		JSON:   false,
		Syslog: DefaultSyslogConfig(),
	}
}

// Logger wraps an *slog.Logger with a fixed "component" attribute, matching
// the grimm.is/flywall call-site shape (logging.WithComponent(name).Info(msg, kv...)).
type Logger struct {
	slog      *slog.Logger
	component string
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(DefaultConfig())
)

// New builds a Logger from Config. When cfg.Syslog.Enabled and a syslog
// server is reachable, log records are duplicated to syslog in addition
// to stderr; a syslog failure never prevents local logging.
func New(cfg Config) *Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: cfg.Level, AddSource: cfg.AddSource}
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	if cfg.Syslog.Enabled {
		if w, err := NewSyslogWriter(cfg.Syslog); err == nil {
			handler = &teeHandler{primary: handler, secondary: slog.NewTextHandler(w, opts)}
		}
	}

	return &Logger{slog: slog.New(handler)}
}

// SetDefault replaces the package-level default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

func getDefault() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// WithComponent returns a Logger scoped to the named component, the
// entry point every subsystem (scheduler, orchestrator, fabric, ...) uses.
func WithComponent(name string) *Logger {
	return getDefault().WithComponent(name)
}

// WithComponent returns a copy of l scoped to the named component.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{slog: l.slog.With("component", name), component: name}
}

func (l *Logger) Debug(msg string, kv ...any) { l.slog.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.slog.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.slog.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.slog.Error(msg, kv...) }

// Debug/Info/Warn/Error log against the package default logger.
func Debug(msg string, kv ...any) { getDefault().Debug(msg, kv...) }
func Info(msg string, kv ...any)  { getDefault().Info(msg, kv...) }
func Warn(msg string, kv ...any)  { getDefault().Warn(msg, kv...) }
func Error(msg string, kv ...any) { getDefault().Error(msg, kv...) }

// teeHandler duplicates records to a secondary handler (syslog) best-effort.
type teeHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return t.primary.Enabled(ctx, level)
}

func (t *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	_ = t.secondary.Handle(ctx, r.Clone())
	return t.primary.Handle(ctx, r)
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{primary: t.primary.WithAttrs(attrs), secondary: t.secondary.WithAttrs(attrs)}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{primary: t.primary.WithGroup(name), secondary: t.secondary.WithGroup(name)}
}
