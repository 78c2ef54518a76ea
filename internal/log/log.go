// Package log is the structured logger used across the gateway: slog
// underneath, with trace ids, captured stacks, error chains and redaction of
// credential-bearing attributes added by handlers.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	App       string
	Version   string
	Commit    string
	BuildId   string
	Component string

	Level           slog.Level
	StacktraceLevel slog.Level
	JsonFormat      bool

	MaxErrorLinks     int
	IncludeErrorLinks bool

	// Redact lists extra attribute keys whose values are never written.
	// DefaultRedactedKeys always apply.
	Redact []string

	Writer io.Writer
}

// DefaultRedactedKeys are attribute keys that can carry credentials. Identity
// values (principal, api key id) are not secrets and are logged as is.
var DefaultRedactedKeys = []string{
	"authorization",
	"api_key",
	"password",
	"redis_password",
	"secret",
	"token",
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %s (valid levels are debug|info|warn|error)", s)
	}
}
