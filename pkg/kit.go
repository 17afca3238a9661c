package pkg

import (
	"context"
	"log/slog"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// KitHandler is a [slog.Handler] that forwards records to a go-kit logger.
// Record levels map onto go-kit levels, so a [level.NewFilter] wrapped
// around the destination logger still applies.
type KitHandler struct {
	logger kitlog.Logger
	level  slog.Leveler
	attrs  []any
	prefix string
}

// NewKitHandler returns a handler writing to logger. Records below lvl are
// discarded; a nil lvl follows [SetLogLevel].
func NewKitHandler(logger kitlog.Logger, lvl slog.Leveler) *KitHandler {
	if lvl == nil {
		lvl = logLevel
	}
	return &KitHandler{logger: logger, level: lvl}
}

// Enabled reports whether records at l are emitted.
func (h *KitHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

// Handle emits r as a single go-kit log event.
func (h *KitHandler) Handle(_ context.Context, r slog.Record) error {
	kv := make([]any, 0, 2+len(h.attrs)+2*r.NumAttrs())
	kv = append(kv, "msg", r.Message)
	kv = append(kv, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		kv = appendAttr(kv, h.prefix, a)
		return true
	})
	return kitLevel(h.logger, r.Level).Log(kv...)
}

// WithAttrs returns a handler that includes attrs in every record.
func (h *KitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = make([]any, len(h.attrs), len(h.attrs)+2*len(attrs))
	copy(c.attrs, h.attrs)
	for _, a := range attrs {
		c.attrs = appendAttr(c.attrs, h.prefix, a)
	}
	return &c
}

// WithGroup returns a handler that qualifies subsequent keys with name.
func (h *KitHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	return &c
}

func appendAttr(kv []any, prefix string, a slog.Attr) []any {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return kv
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, g := range a.Value.Group() {
			kv = appendAttr(kv, p, g)
		}
		return kv
	}
	return append(kv, prefix+a.Key, a.Value.Any())
}

func kitLevel(logger kitlog.Logger, l slog.Level) kitlog.Logger {
	switch {
	case l >= slog.LevelError:
		return level.Error(logger)
	case l >= slog.LevelWarn:
		return level.Warn(logger)
	case l >= slog.LevelInfo:
		return level.Info(logger)
	default:
		return level.Debug(logger)
	}
}
