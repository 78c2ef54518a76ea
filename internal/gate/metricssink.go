package gate

import (
	"context"
	"time"
)

// DecisionRecorder is satisfied by *metrics.ServerMetrics.
type DecisionRecorder interface {
	ObserveDecision(ctx context.Context, policyID string, allowed, degraded bool, reason string, latency time.Duration)
}

// MetricsSink forwards events to a Prometheus recorder. Bucket keys are
// deliberately dropped, only the policy id becomes a label.
type MetricsSink struct {
	rec DecisionRecorder
}

func NewMetricsSink(rec DecisionRecorder) *MetricsSink {
	return &MetricsSink{rec: rec}
}

func (s *MetricsSink) Emit(ctx context.Context, ev Event) error {
	if s == nil || s.rec == nil {
		return nil
	}
	latency := time.Duration(ev.LatencyMS * float64(time.Millisecond))
	s.rec.ObserveDecision(ctx, ev.PolicyID, ev.Allowed, ev.Degraded, string(ev.Reason), latency)
	return nil
}
