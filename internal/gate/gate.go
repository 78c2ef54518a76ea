// Package gate is the single entry point for admission decisions.
//
// A check runs RESOLVE_KEY, CHECK_OVERRIDES, EVALUATE_WINDOW and EMIT_DECISION
// in that order. Overrides answer without touching the counter store, so
// allow and deny lists keep working while the store is down. Every check emits
// exactly one telemetry event, including checks that panicked.
package gate

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-admission/internal/identity"
	"github.com/keithlinneman/linnemanlabs-admission/internal/limiter"
	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
	"github.com/keithlinneman/linnemanlabs-admission/internal/policy"
	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

// Checker is what the integration layer depends on.
type Checker interface {
	Check(ctx context.Context, rc identity.RequestContext) limiter.Decision
}

type Gate struct {
	resolver  *identity.Resolver
	evaluator *limiter.Evaluator
	sink      Sink
	now       func() time.Time
	onPanic   func()

	// sink failures are logged at most this often
	sinkWarn *rate.Limiter
}

var _ Checker = (*Gate)(nil)

type Option func(*Gate)

// WithSink sets where decision events go. Default discards them.
func WithSink(s Sink) Option {
	return func(g *Gate) {
		if s != nil {
			g.sink = s
		}
	}
}

// WithClock replaces time.Now for event timestamps and latency.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// WithOnPanic is called after a panic inside a check was recovered.
func WithOnPanic(fn func()) Option {
	return func(g *Gate) {
		g.onPanic = fn
	}
}

func New(resolver *identity.Resolver, evaluator *limiter.Evaluator, opts ...Option) *Gate {
	g := &Gate{
		resolver:  resolver,
		evaluator: evaluator,
		sink:      Discard,
		now:       time.Now,
		sinkWarn:  rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Check decides whether the request described by rc is admitted. It never
// fails, store outages and internal faults become degraded decisions.
func (g *Gate) Check(ctx context.Context, rc identity.RequestContext) (d limiter.Decision) {
	start := g.now()
	var (
		key string
		pol policy.Policy
	)

	defer func() {
		if r := recover(); r != nil {
			err := xerrors.Newf("panic in admission gate: %v", r)
			log.FromContext(ctx).Error(ctx, err, "admission gate panic recovered",
				"policy_id", pol.ID,
				"fail_mode", g.evaluator.FailMode().String(),
			)
			if g.onPanic != nil {
				g.onPanic()
			}
			d = limiter.Degrade(g.evaluator.FailMode(), pol.ID, pol.Limit(), g.evaluator.Granularity(), limiter.ReasonInternalError)
		}
		g.emit(ctx, key, d, start)
	}()

	// RESOLVE_KEY
	res := g.resolver.Resolve(ctx, rc)
	key = res.Key.String()
	pol = res.Policy

	// CHECK_OVERRIDES
	if o, ok := res.Snapshot.MatchOverride(res.Attrs); ok {
		return overrideDecision(o, pol)
	}

	// EVALUATE_WINDOW
	return g.evaluator.Evaluate(ctx, key, pol)
}

func overrideDecision(o policy.Override, p policy.Policy) limiter.Decision {
	if o.Effect == policy.EffectDeny {
		retry := p.Window
		if retry < time.Second {
			retry = time.Second
		}
		return limiter.Decision{
			Allowed:    false,
			Limit:      p.Limit(),
			RetryAfter: retry,
			PolicyID:   p.ID,
			Reason:     limiter.ReasonOverrideDeny,
		}
	}
	return limiter.Decision{
		Allowed:   true,
		Limit:     p.Limit(),
		Remaining: p.Limit(),
		PolicyID:  p.ID,
		Reason:    limiter.ReasonOverrideAllow,
	}
}

// EMIT_DECISION
func (g *Gate) emit(ctx context.Context, key string, d limiter.Decision, start time.Time) {
	now := g.now()
	ev := Event{
		Key:       key,
		PolicyID:  d.PolicyID,
		Allowed:   d.Allowed,
		Degraded:  d.Degraded,
		Remaining: d.Remaining,
		LatencyMS: float64(now.Sub(start)) / float64(time.Millisecond),
		Timestamp: now.UTC(),
		Reason:    d.Reason,
	}

	defer func() {
		if r := recover(); r != nil {
			log.FromContext(ctx).Error(ctx, xerrors.Newf("panic in telemetry sink: %v", r), "telemetry sink panic recovered")
		}
	}()
	if err := g.sink.Emit(ctx, ev); err != nil && g.sinkWarn.Allow() {
		log.FromContext(ctx).Warn(ctx, "telemetry sink failed",
			"error", err.Error(),
			"policy_id", ev.PolicyID,
		)
	}
}
