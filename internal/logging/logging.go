// Package logging provides the structured, leveled logger used across the service.
//
// Records are JSON encoded with log/slog and split by level into rotating files
// (info, warn, error) managed by lumberjack, optionally mirrored to stdout.
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

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures InitLog.
type LogConfig struct {
	Dir            string
	Level          string
	StandardOutput bool
	InfoFile       string
	WarnFile       string
	ErrorFile      string
	MaxSizeMB      int // rotation threshold per file, defaults to 100
	MaxBackups     int // defaults to 7
	MaxAgeDays     int // defaults to 30
}

// Logger wraps slog.Logger with group helpers and owns the underlying file sinks.
type Logger struct {
	*slog.Logger
	sinks *sinkSet
}

type sinkSet struct {
	mu      sync.Mutex
	closers []io.Closer
	closed  bool
}

// InitLog creates a logger from cfg. Files are created under cfg.Dir.
func InitLog(cfg LogConfig) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	sinks := &sinkSet{}
	var routes []route

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Dir, err)
		}

		files := []struct {
			name string
			min  slog.Level
		}{
			{cfg.InfoFile, slog.LevelInfo},
			{cfg.WarnFile, slog.LevelWarn},
			{cfg.ErrorFile, slog.LevelError},
		}
		for _, f := range files {
			if f.name == "" {
				continue
			}
			w := &lumberjack.Logger{
				Filename:   filepath.Join(cfg.Dir, f.name),
				MaxSize:    withDefault(cfg.MaxSizeMB, 100),
				MaxBackups: withDefault(cfg.MaxBackups, 7),
				MaxAge:     withDefault(cfg.MaxAgeDays, 30),
				Compress:   true,
			}
			sinks.closers = append(sinks.closers, w)
			floor := f.min
			// The info file also carries debug records when the configured level allows them.
			if floor == slog.LevelInfo && level < floor {
				floor = level
			}
			routes = append(routes, route{min: floor, h: newJSONHandler(w, level)})
		}
	}

	if cfg.StandardOutput || len(routes) == 0 {
		routes = append(routes, route{min: level, h: newJSONHandler(os.Stdout, level)})
	}

	return &Logger{
		Logger: slog.New(&multiHandler{routes: routes}),
		sinks:  sinks,
	}, nil
}

// New returns a logger writing JSON records at or above level to w.
// Mostly used by tests and tools that do not need file rotation.
func New(w io.Writer, level string) *Logger {
	lvl, err := ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return &Logger{
		Logger: slog.New(newJSONHandler(w, lvl)),
		sinks:  &sinkSet{},
	}
}

// WithGroup returns a child logger tagged with the component group name.
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{Logger: l.Logger.With("group", name), sinks: l.sinks}
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), sinks: l.sinks}
}

// Close flushes and closes all file sinks. Safe to call more than once.
func (l *Logger) Close() {
	if l == nil || l.sinks == nil {
		return
	}
	l.sinks.mu.Lock()
	defer l.sinks.mu.Unlock()
	if l.sinks.closed {
		return
	}
	l.sinks.closed = true
	for _, c := range l.sinks.closers {
		_ = c.Close()
	}
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func newJSONHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}

func withDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type route struct {
	min slog.Level
	h   slog.Handler
}

// multiHandler fans a record out to every route whose minimum level it meets.
type multiHandler struct {
	routes []route
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, r := range m.routes {
		if level >= r.min && r.h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, rec slog.Record) error {
	var firstErr error
	for _, r := range m.routes {
		if rec.Level < r.min || !r.h.Enabled(ctx, rec.Level) {
			continue
		}
		if err := r.h.Handle(ctx, rec.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	routes := make([]route, len(m.routes))
	for i, r := range m.routes {
		routes[i] = route{min: r.min, h: r.h.WithAttrs(attrs)}
	}
	return &multiHandler{routes: routes}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	routes := make([]route, len(m.routes))
	for i, r := range m.routes {
		routes[i] = route{min: r.min, h: r.h.WithGroup(name)}
	}
	return &multiHandler{routes: routes}
}
