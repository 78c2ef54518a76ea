package gate

import (
	"context"
	"errors"
	"time"

	"github.com/keithlinneman/linnemanlabs-admission/internal/limiter"
)

// Event is the telemetry record of one terminal decision.
type Event struct {
	Key       string         `json:"key"`
	PolicyID  string         `json:"policy_id"`
	Allowed   bool           `json:"allowed"`
	Degraded  bool           `json:"degraded"`
	Remaining int64          `json:"remaining"`
	LatencyMS float64        `json:"latency_ms"`
	Timestamp time.Time      `json:"timestamp"`
	Reason    limiter.Reason `json:"reason"`
}

// Sink receives decision events. Emit runs on the request path and should
// not block for long. Errors are logged by the gate, never surfaced to callers.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// MultiSink fans an event out to every sink. One failing sink does not stop
// the rest, their errors are joined.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
