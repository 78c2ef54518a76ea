package log

import "context"

type ctxKey struct{}

// WithContext returns a new context that carries the given Logger
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the Logger stored in ctx, or Nop if there is none.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
		return l
	}
	return Nop()
}

// Enrich stores FromContext(ctx).With(kv...) in a derived context, so code
// further down the request logs with the extra fields.
func Enrich(ctx context.Context, kv ...any) context.Context {
	return WithContext(ctx, FromContext(ctx).With(kv...))
}
