// Package limiter evaluates sliding-window quotas against the shared counter store.
//
// Each bucket keeps one counter per fixed window. The estimate for "now" is
// the previous window's count weighted by how much of it still overlaps the
// sliding window, plus the current window's count:
//
//	estimate = prev * (1 - elapsed) + cur
//
// where elapsed is the fraction of the current window that has passed. The
// current counter is incremented before comparing, so the request being
// evaluated is part of the estimate and denied requests are counted too.
package limiter

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
	"github.com/keithlinneman/linnemanlabs-admission/internal/policy"
	"github.com/keithlinneman/linnemanlabs-admission/internal/store"
)

// DefaultGranularity is the unit retry hints are rounded up to.
const DefaultGranularity = time.Second

// Evaluator applies a policy to a bucket. Safe for concurrent use, it keeps
// no per-bucket state of its own.
type Evaluator struct {
	store       store.CounterStore
	now         func() time.Time
	failMode    FailMode
	granularity time.Duration
	tracer      trace.Tracer

	// degraded warnings are sampled, a dead store would otherwise log once per request
	warnEvery  *rate.Limiter
	onStoreErr func(err error)
}

type Option func(*Evaluator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		e.now = now
	}
}

// WithFailMode sets the behaviour when the store is unavailable. Default FailOpen.
func WithFailMode(m FailMode) Option {
	return func(e *Evaluator) {
		e.failMode = m
	}
}

// WithGranularity sets the retry-after rounding unit. Values <= 0 keep the default.
func WithGranularity(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.granularity = d
		}
	}
}

// WithOnStoreError is called for every store failure, used for metrics.
func WithOnStoreError(fn func(err error)) Option {
	return func(e *Evaluator) {
		e.onStoreErr = fn
	}
}

func New(s store.CounterStore, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:       s,
		now:         time.Now,
		failMode:    FailOpen,
		granularity: DefaultGranularity,
		tracer:      otel.Tracer("linnemanlabs/limiter"),
		warnEvery:   rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Evaluator) FailMode() FailMode { return e.failMode }

func (e *Evaluator) Granularity() time.Duration { return e.granularity }

// window describes where t falls relative to the fixed windows of p.
type window struct {
	start   int64 // unix ms
	size    int64 // ms
	offset  int64 // ms since start
	elapsed float64
}

func windowAt(t time.Time, p policy.Policy) window {
	size := p.Window.Milliseconds()
	if size < 1 {
		size = 1
	}
	ms := t.UnixMilli()
	offset := mod(ms, size)
	return window{
		start:   ms - offset,
		size:    size,
		offset:  offset,
		elapsed: float64(offset) / float64(size),
	}
}

// mod is always non-negative so pre-epoch clocks still floor correctly.
func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// counterKey puts the bucket in a hash tag so both windows land on the same
// Redis cluster slot and the window script can touch them together.
func counterKey(bucket string, windowStart int64) string {
	return "{" + bucket + "}:" + strconv.FormatInt(windowStart, 10)
}

func estimate(prev, cur int64, elapsed float64) float64 {
	return float64(prev)*(1-elapsed) + float64(cur)
}

// Evaluate charges one request to bucket and decides whether it is admitted.
// Store failures never escape, they produce a degraded decision per the fail mode.
func (e *Evaluator) Evaluate(ctx context.Context, bucket string, p policy.Policy) Decision {
	now := e.now()
	w := windowAt(now, p)
	limit := p.Limit()

	ctx, span := e.tracer.Start(ctx, "limiter.window",
		trace.WithAttributes(
			attribute.String("admission.policy_id", p.ID),
			attribute.Int64("admission.window_start_ms", w.start),
		),
	)
	defer span.End()

	// counters outlive their window by one more so the next window can weight them
	ttl := 2 * time.Duration(w.size) * time.Millisecond
	cur, prev, err := store.IncrementWindow(ctx, e.store,
		counterKey(bucket, w.start),
		counterKey(bucket, w.start-w.size),
		ttl,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "counter store unavailable")
		e.storeFailed(ctx, bucket, p, err)
		d := Degrade(e.failMode, p.ID, limit, e.granularity, ReasonStoreUnavailable)
		span.SetAttributes(attribute.Bool("admission.allowed", d.Allowed), attribute.Bool("admission.degraded", true))
		return d
	}

	est := estimate(prev, cur, w.elapsed)
	d := Decision{
		Allowed:   est <= float64(limit),
		Limit:     limit,
		Remaining: remaining(limit, est),
		PolicyID:  p.ID,
		Reason:    ReasonWithinQuota,
	}
	if !d.Allowed {
		d.Reason = ReasonQuotaExceeded
		d.RetryAfter = e.retryAfter(w)
	}

	span.SetAttributes(
		attribute.Bool("admission.allowed", d.Allowed),
		attribute.Float64("admission.estimate", est),
		attribute.Int64("admission.remaining", d.Remaining),
	)
	return d
}

// Estimate is a read-only view of a bucket.
type Estimate struct {
	Current  int64
	Previous int64
	Elapsed  float64
	Value    float64
	Limit    int64
}

// Remaining is what Evaluate would report without charging a request.
func (es Estimate) Remaining() int64 { return remaining(es.Limit, es.Value) }

// Peek computes the current estimate for bucket without incrementing anything.
func (e *Evaluator) Peek(ctx context.Context, bucket string, p policy.Policy) (Estimate, error) {
	w := windowAt(e.now(), p)
	cur, err := e.store.Get(ctx, counterKey(bucket, w.start))
	if err != nil {
		return Estimate{}, err
	}
	prev, err := e.store.Get(ctx, counterKey(bucket, w.start-w.size))
	if err != nil {
		return Estimate{}, err
	}
	return Estimate{
		Current:  cur,
		Previous: prev,
		Elapsed:  w.elapsed,
		Value:    estimate(prev, cur, w.elapsed),
		Limit:    p.Limit(),
	}, nil
}

func remaining(limit int64, est float64) int64 {
	r := math.Floor(float64(limit) - est)
	if r < 0 {
		return 0
	}
	return int64(r)
}

// retryAfter is the time left in the current window rounded up to the
// granularity, never less than one unit.
func (e *Evaluator) retryAfter(w window) time.Duration {
	left := time.Duration(w.size-w.offset) * time.Millisecond
	g := e.granularity
	units := (left + g - 1) / g
	if units < 1 {
		units = 1
	}
	return units * g
}

func (e *Evaluator) storeFailed(ctx context.Context, bucket string, p policy.Policy, err error) {
	if e.onStoreErr != nil {
		e.onStoreErr(err)
	}
	if !e.warnEvery.Allow() {
		return
	}
	L := log.FromContext(ctx)
	if errors.Is(err, store.ErrUnavailable) {
		L.Warn(ctx, "counter store unavailable, using fail mode",
			"fail_mode", e.failMode.String(),
			"policy_id", p.ID,
			"bucket", bucket,
			"error", err.Error(),
		)
		return
	}
	L.Error(ctx, err, "unexpected counter store error, using fail mode",
		"fail_mode", e.failMode.String(),
		"policy_id", p.ID,
	)
}
