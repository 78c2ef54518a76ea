package log

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

const redacted = "[REDACTED]"

// traceHandler adds trace_id and span_id when ctx carries a valid span.
type traceHandler struct{ next slog.Handler }

func (h traceHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return traceHandler{next: h.next.WithAttrs(as)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{next: h.next.WithGroup(name)}
}

// stackHandler adds a "stack" attribute to records at or above level. A stack
// captured by xerrors on the "err" attribute wins over the logging call site.
type stackHandler struct {
	next  slog.Handler
	level slog.Level
}

func (h stackHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h stackHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < h.level {
		return h.next.Handle(ctx, r)
	}
	var pcs []uintptr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "err" {
			return true
		}
		if err, ok := a.Value.Any().(error); ok {
			pcs = xerrors.StackOf(err)
		}
		return false
	})
	if len(pcs) == 0 {
		pcs = callers(0)
	}
	r.AddAttrs(slog.String("stack", renderStack(pcs)))
	return h.next.Handle(ctx, r)
}

func (h stackHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return stackHandler{next: h.next.WithAttrs(as), level: h.level}
}

func (h stackHandler) WithGroup(name string) slog.Handler {
	return stackHandler{next: h.next.WithGroup(name), level: h.level}
}

// redactHandler replaces values of credential-bearing keys. Keys match
// case-insensitively, and dashes are treated as underscores so header names
// like X-Api-Key are caught too.
type redactHandler struct {
	next slog.Handler
	keys map[string]struct{}
}

func newRedactHandler(next slog.Handler, extra []string) redactHandler {
	keys := make(map[string]struct{}, len(DefaultRedactedKeys)+len(extra))
	for _, k := range DefaultRedactedKeys {
		keys[normalizeKey(k)] = struct{}{}
	}
	for _, k := range extra {
		keys[normalizeKey(k)] = struct{}{}
	}
	return redactHandler{next: next, keys: keys}
}

func normalizeKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), "-", "_")
}

func (h redactHandler) sensitive(key string) bool {
	k := normalizeKey(key)
	if _, ok := h.keys[k]; ok {
		return true
	}
	// x_api_key, upstream_authorization ...
	for s := range h.keys {
		if strings.HasSuffix(k, "_"+s) {
			return true
		}
	}
	return false
}

func (h redactHandler) scrub(a slog.Attr) slog.Attr {
	if h.sensitive(a.Key) {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() != slog.KindGroup {
		return a
	}
	group := a.Value.Group()
	out := make([]slog.Attr, len(group))
	for i, ga := range group {
		out[i] = h.scrub(ga)
	}
	return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
}

func (h redactHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h redactHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(h.scrub(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h redactHandler) WithAttrs(as []slog.Attr) slog.Handler {
	out := make([]slog.Attr, len(as))
	for i, a := range as {
		out[i] = h.scrub(a)
	}
	return redactHandler{next: h.next.WithAttrs(out), keys: h.keys}
}

func (h redactHandler) WithGroup(name string) slog.Handler {
	return redactHandler{next: h.next.WithGroup(name), keys: h.keys}
}
