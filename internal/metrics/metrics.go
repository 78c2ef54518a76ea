package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-admission/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// admission
	decisionsTotal   *prometheus.CounterVec
	degradedTotal    *prometheus.CounterVec
	decisionDuration prometheus.Histogram
	storeOpDuration  *prometheus.HistogramVec
	storeErrorsTotal *prometheus.CounterVec
	keyFallbackTotal prometheus.Counter
	telemetryErrors  *prometheus.CounterVec
	telemetryDropped *prometheus.CounterVec
	gatePanicTotal   prometheus.Counter
	upstreamErrors   *prometheus.CounterVec

	// policy set
	policySource          *prometheus.GaugeVec
	policyVersionInfo     *prometheus.GaugeVec
	policyLoadedTimestamp prometheus.Gauge
	policyCount           prometheus.Gauge

	// watcher metrics
	watcherPollsTotal    prometheus.Counter
	watcherSwapsTotal    prometheus.Counter
	watcherErrorsTotal   *prometheus.CounterVec
	policyLoadDuration   prometheus.Histogram
	watcherLastSuccessTs prometheus.Gauge
	watcherStale         prometheus.Gauge
}

// New returns a fresh registry + standard collectors + HTTP and admission metrics
// safe labels only (method, route, code, policy id) to avoid cardinality explosions,
// bucket keys and identities are never used as label values
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Admission decisions by policy, outcome, and reason",
		}, []string{"policy", "outcome", "reason"}),
		degradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_degraded_total",
			Help: "Decisions made by the fail mode instead of the counter store",
		}, []string{"policy", "outcome"}),
		decisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "admission_decision_duration_seconds",
			Help:    "Time to reach an admission decision including the store round trip",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		storeOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admission_store_operation_duration_seconds",
			Help:    "Counter store round trip latency by operation and result",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"op", "result"}),
		storeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_store_errors_total",
			Help: "Counter store failures seen by the evaluator by kind",
		}, []string{"kind"}),
		keyFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_key_fallback_total",
			Help: "Requests charged to the anonymous bucket because no identity resolved",
		}),
		telemetryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_telemetry_errors_total",
			Help: "Decision telemetry sink failures by sink",
		}, []string{"sink"}),
		telemetryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_telemetry_dropped_total",
			Help: "Decision events dropped because an async sink buffer was full",
		}, []string{"sink"}),
		gatePanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_gate_panic_total",
			Help: "Total number of recovered panics inside the decision gate",
		}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_upstream_errors_total",
			Help: "Admitted requests the upstream failed to answer by kind",
		}, []string{"kind"}),
		policySource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "admission_policy_source_info",
			Help: "Current policy source (label carries value, gauge is always 1)",
		}, []string{"source"}),
		policyVersionInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "admission_policy_version_info",
			Help: "Currently active policy set version (label carries identity, value is always 1)",
		}, []string{"version"}),
		policyLoadedTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "admission_policy_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the current policy set was loaded",
		}),
		policyCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "admission_policies",
			Help: "Number of policies in the active set including the default",
		}),
		watcherPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_policy_watcher_polls_total",
			Help: "Total number of policy watcher poll cycles",
		}),
		watcherSwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_policy_watcher_swaps_total",
			Help: "Total number of successful policy set swaps",
		}),
		watcherErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_policy_watcher_errors_total",
			Help: "Total policy watcher errors by type",
		}, []string{"type"}),
		policyLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "admission_policy_load_duration_seconds",
			Help:    "Time to fetch, verify, and parse a policy document",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		watcherLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "admission_policy_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful policy poll",
		}),
		watcherStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "admission_policy_watcher_stale",
			Help: "Whether the policy watcher is stale (1) or healthy (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.errorsTotal,
		m.profilingActive,
		m.decisionsTotal,
		m.degradedTotal,
		m.decisionDuration,
		m.storeOpDuration,
		m.storeErrorsTotal,
		m.keyFallbackTotal,
		m.telemetryErrors,
		m.telemetryDropped,
		m.gatePanicTotal,
		m.upstreamErrors,
		m.policySource,
		m.policyVersionInfo,
		m.policyLoadedTimestamp,
		m.policyCount,
		m.watcherPollsTotal,
		m.watcherSwapsTotal,
		m.watcherErrorsTotal,
		m.policyLoadDuration,
		m.watcherLastSuccessTs,
		m.watcherStale,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func outcome(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

// ObserveDecision records one gate decision. The latency carries the trace id
// as an exemplar when the request is sampled.
func (m *ServerMetrics) ObserveDecision(ctx context.Context, policyID string, allowed, degraded bool, reason string, latency time.Duration) {
	out := outcome(allowed)
	m.decisionsTotal.WithLabelValues(policyID, out, reason).Inc()
	if degraded {
		m.degradedTotal.WithLabelValues(policyID, out).Inc()
	}

	lat := latency.Seconds()
	if ex := traceExemplar(ctx); ex != nil {
		if eo, ok := m.decisionDuration.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(lat, ex)
			return
		}
	}
	m.decisionDuration.Observe(lat)
}

// ObserveStoreOp matches the store observer signature.
func (m *ServerMetrics) ObserveStoreOp(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.storeOpDuration.WithLabelValues(op, result).Observe(d.Seconds())
}

// IncStoreError counts a store failure seen by the evaluator, kind is
// "unavailable" or "unexpected".
func (m *ServerMetrics) IncStoreError(kind string) {
	m.storeErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *ServerMetrics) IncKeyFallback() {
	m.keyFallbackTotal.Inc()
}

func (m *ServerMetrics) IncTelemetryError(sink string) {
	m.telemetryErrors.WithLabelValues(sink).Inc()
}

func (m *ServerMetrics) IncTelemetryDropped(sink string) {
	m.telemetryDropped.WithLabelValues(sink).Inc()
}

func (m *ServerMetrics) IncGatePanic() {
	m.gatePanicTotal.Inc()
}

func (m *ServerMetrics) IncUpstreamError(kind string) {
	m.upstreamErrors.WithLabelValues(kind).Inc()
}

func (m *ServerMetrics) SetPolicySource(source string) {
	m.policySource.Reset() // clear previous label value
	m.policySource.WithLabelValues(source).Set(1)
}

// SetPolicySet publishes the identity of the active policy set.
func (m *ServerMetrics) SetPolicySet(version string, count int, loadedAt time.Time) {
	m.policyVersionInfo.Reset()
	m.policyVersionInfo.WithLabelValues(version).Set(1)
	m.policyCount.Set(float64(count))
	m.policyLoadedTimestamp.Set(float64(loadedAt.Unix()))
}

func (m *ServerMetrics) IncWatcherPolls() {
	m.watcherPollsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherSwaps() {
	m.watcherSwapsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherError(errType string) {
	m.watcherErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) ObservePolicyLoadDuration(seconds float64) {
	m.policyLoadDuration.Observe(seconds)
}

func (m *ServerMetrics) SetWatcherLastSuccess(unixSeconds float64) {
	m.watcherLastSuccessTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetWatcherStale(stale bool) {
	if stale {
		m.watcherStale.Set(1)
	} else {
		m.watcherStale.Set(0)
	}
}
