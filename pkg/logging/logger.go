// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging builds the structured loggers used by the renewal desk.
//
// All components accept a *slog.Logger. This package decides where the
// records go: stderr or stdout (text or JSON), an optional daily log file,
// and an optional in-process Capture that tests use to assert on what was
// logged.
//
// # Example
//
//	logger, closer := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    Service: "renewald",
//	    JSON:    true,
//	})
//	defer closer.Close()
//	logger.Info("Brief generated", "request_id", id)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level mirrors slog levels with a parseable string form for config files.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel accepts debug, info, warn and error (case-insensitive).
// Unknown strings map to LevelInfo.
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

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
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
	// Level is the minimum level emitted by every sink.
	Level Level

	// Service is attached to every record as "service".
	Service string

	// JSON selects the JSON handler for the console sink.
	JSON bool

	// Output is the console sink. Defaults to os.Stderr.
	Output io.Writer

	// Quiet disables the console sink.
	Quiet bool

	// LogDir enables a daily JSON log file <service>_<date>.log.
	LogDir string

	// Capture, if set, receives every enabled record synchronously.
	Capture *Capture
}

// New builds a logger from config.
//
// # Outputs
//
//   - *slog.Logger: ready to use, never nil.
//   - io.Closer: closes the log file if one was opened. Always non-nil.
func New(config Config) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: config.Level.slogLevel()}
	var handlers []slog.Handler
	closer := nopCloser{}

	if !config.Quiet {
		out := config.Output
		if out == nil {
			out = os.Stderr
		}
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	var fc io.Closer = closer
	if config.LogDir != "" {
		if f, err := openDailyFile(config.LogDir, config.Service); err == nil {
			handlers = append(handlers, slog.NewJSONHandler(f, opts))
			fc = f
		}
	}

	if config.Capture != nil {
		config.Capture.level = config.Level.slogLevel()
		handlers = append(handlers, config.Capture)
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &fanoutHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}
	return slog.New(handler), fc
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openDailyFile(dir, service string) (*os.File, error) {
	if strings.HasPrefix(dir, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, dir[1:])
		}
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if service == "" {
		service = "renewal"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// fanoutHandler sends each record to every enabled child handler.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, c := range h.handlers {
		if c.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, c := range h.handlers {
		if c.Enabled(ctx, r.Level) {
			if err := c.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, c := range h.handlers {
		out[i] = c.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: out}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, c := range h.handlers {
		out[i] = c.WithGroup(name)
	}
	return &fanoutHandler{handlers: out}
}

// Entry is one captured record with its attributes flattened.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// Capture is a slog.Handler that keeps records in memory.
//
// # Thread Safety
//
// Safe for concurrent use. Derived handlers (WithAttrs) share storage with
// their parent.
type Capture struct {
	level slog.Level
	attrs []slog.Attr
	store *captureStore
}

type captureStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewCapture creates an empty capture handler.
func NewCapture() *Capture {
	return &Capture{level: slog.LevelDebug, store: &captureStore{}}
}

// Enabled implements slog.Handler.
func (c *Capture) Enabled(_ context.Context, level slog.Level) bool {
	return level >= c.level
}

// Handle implements slog.Handler.
func (c *Capture) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs()+len(c.attrs))
	for _, a := range c.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	c.store.mu.Lock()
	c.store.entries = append(c.store.entries, Entry{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   attrs,
	})
	c.store.mu.Unlock()
	return nil
}

// WithAttrs implements slog.Handler.
func (c *Capture) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr{}, c.attrs...), attrs...)
	return &Capture{level: c.level, attrs: merged, store: c.store}
}

// WithGroup implements slog.Handler. Groups are flattened.
func (c *Capture) WithGroup(string) slog.Handler { return c }

// Entries returns a copy of the captured records.
func (c *Capture) Entries() []Entry {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	out := make([]Entry, len(c.store.entries))
	copy(out, c.store.entries)
	return out
}

// Find returns the captured records whose message equals msg.
func (c *Capture) Find(msg string) []Entry {
	var out []Entry
	for _, e := range c.Entries() {
		if e.Message == msg {
			out = append(out, e)
		}
	}
	return out
}

var (
	_ slog.Handler = (*fanoutHandler)(nil)
	_ slog.Handler = (*Capture)(nil)
)
