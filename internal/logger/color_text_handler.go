package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

// console is shared by a handler and every handler derived from it so
// records from With/WithGroup children never interleave on w.
type console struct {
	mu  sync.Mutex
	w   io.Writer
	buf bytes.Buffer
}

// ColorTextHandler writes slog.TextHandler lines behind a level prefix,
// coloured with ANSI codes when enabled.
type ColorTextHandler struct {
	inner slog.Handler // writes into out.buf
	out   *console
	color bool
}

// NewColorTextHandler creates a new ColorTextHandler. With color false the
// level is still prefixed, without escape codes.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, color bool) *ColorTextHandler {
	c := &console{w: w}
	return &ColorTextHandler{inner: slog.NewTextHandler(&c.buf, opts), out: c, color: color}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	h.out.buf.Reset()
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	line := make([]byte, 0, h.out.buf.Len()+32)
	line = append(line, levelPrefix(r.Level, h.color)...)
	line = append(line, "  "...)
	line = append(line, h.out.buf.Bytes()...)
	_, err := h.out.w.Write(line)
	return err
}

func levelPrefix(l slog.Level, color bool) string {
	if !color {
		return l.String()
	}
	var colorCode string
	switch {
	case l >= slog.LevelError:
		colorCode = "\033[31m" // Red
	case l >= slog.LevelWarn:
		colorCode = "\033[33m" // Yellow
	case l >= slog.LevelInfo:
		colorCode = "\033[32m" // Green
	default:
		colorCode = "\033[36m" // Cyan
	}
	return colorCode + l.String() + "\033[0m"
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithAttrs(attrs), out: h.out, color: h.color}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithGroup(name), out: h.out, color: h.color}
}
