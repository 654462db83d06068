package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/loykin/forgevisor/internal/logrouter"
)

// CategoryKey overrides the log router category of a record, e.g.
// logger.With(logger.CategoryKey, "run").
const CategoryKey = "category"

// Config describes where tool logs go.
type Config struct {
	Level    string             // debug, info, warn or error
	Console  io.Writer          // defaults to stderr
	Color    bool               // ANSI colors on the console
	Router   *logrouter.Router  // optional, receives every enabled record
	Category logrouter.Category // router category when the record has none (default main)
}

// ParseLevel maps a config level string to a slog.Level, defaulting to info.
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

// New builds the tool logger: a console ColorTextHandler fanned out with a
// handler feeding the log router.
func New(cfg Config) *slog.Logger {
	lvl := ParseLevel(cfg.Level)
	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}
	hs := []slog.Handler{NewColorTextHandler(console, &slog.HandlerOptions{Level: lvl}, cfg.Color)}
	if cfg.Router != nil {
		hs = append(hs, NewRouterHandler(cfg.Router, cfg.Category, lvl))
	}
	if len(hs) == 1 {
		return slog.New(hs[0])
	}
	return slog.New(&fanout{handlers: hs})
}

// fanout sends each record to every handler that accepts its level.
type fanout struct {
	handlers []slog.Handler
}

func (f *fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &fanout{handlers: out}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithGroup(name)
	}
	return &fanout{handlers: out}
}
