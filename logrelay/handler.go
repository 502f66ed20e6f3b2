// Package logrelay funnels every process's log records to the supervisor
// over the bus. Workers install a Handler as their slog backend; the
// supervisor runs a Sink that merges all streams into one console feed and
// one session log file.
package logrelay

import (
	"context"
	"log/slog"
	"strings"

	"github.com/gazehub/gazehub/bus"
	"github.com/gazehub/gazehub/envelope"
)

// Handler is a slog.Handler that ships records over the bus instead of
// writing them locally. Records take the reliable push path, so nothing is
// lost while the supervisor is still starting up.
type Handler struct {
	client *bus.Client
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewHandler creates a bus-backed handler. Records below level are
// discarded at the source.
func NewHandler(client *bus.Client, level slog.Leveler) *Handler {
	return &Handler{client: client, level: level}
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler. The record is flattened into a
// notification on "logging.<level>"; delivery failures are swallowed
// because a logger has nowhere to report them.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	level := levelName(r.Level)

	payload := map[string]any{
		"level":   level,
		"process": h.client.Name(),
		"msg":     r.Message,
		"created": float64(r.Time.UnixNano()) / 1e9,
	}
	for _, attr := range h.attrs {
		payload[h.attrKey(attr.Key)] = attr.Value.Resolve().Any()
	}
	r.Attrs(func(attr slog.Attr) bool {
		payload[h.attrKey(attr.Key)] = attr.Value.Resolve().Any()
		return true
	})

	n := envelope.New("logging."+level, envelope.WithFields(payload))
	_ = h.client.PushData(envelope.PrefixLogging+level, n)
	return nil
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := *h
	out.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	out.attrs = append(out.attrs, h.attrs...)
	out.attrs = append(out.attrs, attrs...)
	return &out
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	out := *h
	out.groups = make([]string, 0, len(h.groups)+1)
	out.groups = append(out.groups, h.groups...)
	out.groups = append(out.groups, name)
	return &out
}

func (h *Handler) attrKey(key string) string {
	if len(h.groups) == 0 {
		return key
	}
	return strings.Join(h.groups, ".") + "." + key
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warn"
	case level >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

func parseLevel(name string) slog.Level {
	switch name {
	case "error":
		return slog.LevelError
	case "warn":
		return slog.LevelWarn
	case "info":
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
