package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loykin/forgevisor/internal/logrouter"
)

// sourceKeys name the attributes used as the record source, in order.
var sourceKeys = []string{"stage", "name", "source"}

// RouterHandler writes slog records as log router lines. The category
// comes from a "category" attribute, else the handler default.
type RouterHandler struct {
	router   *logrouter.Router
	category logrouter.Category
	level    slog.Leveler
	attrs    []slog.Attr
	group    string
}

func NewRouterHandler(r *logrouter.Router, category logrouter.Category, level slog.Leveler) *RouterHandler {
	if category == "" {
		category = logrouter.Main
	}
	return &RouterHandler{router: r, category: category, level: level}
}

func (h *RouterHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *RouterHandler) Handle(_ context.Context, r slog.Record) error {
	rec := logrouter.Record{Category: h.category, Source: "forgevisor", Time: r.Time, Level: routerLevel(r.Level)}
	var b strings.Builder
	b.WriteString(r.Message)
	found := false
	add := func(a slog.Attr, prefix string) {
		key := a.Key
		if key == CategoryKey {
			rec.Category = logrouter.Category(a.Value.String())
			return
		}
		if !found && prefix == "" {
			for _, k := range sourceKeys {
				if key == k {
					rec.Source = a.Value.String()
					found = true
					return
				}
			}
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		fmt.Fprintf(&b, " %s=%v", key, a.Value.Any())
	}
	for _, a := range h.attrs {
		add(a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		add(a, h.group)
		return true
	})
	rec.Payload = b.String()
	return h.router.Route(rec)
}

func (h *RouterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := *h
	n.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &n
}

func (h *RouterHandler) WithGroup(name string) slog.Handler {
	n := *h
	if n.group == "" {
		n.group = name
	} else {
		n.group += "." + name
	}
	return &n
}

func routerLevel(l slog.Level) logrouter.Level {
	switch {
	case l >= slog.LevelError:
		return logrouter.LevelError
	case l >= slog.LevelWarn:
		return logrouter.LevelWarn
	default:
		return logrouter.LevelInfo
	}
}
