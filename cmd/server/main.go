package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/linnemanlabs-admission/internal/admissionhttp"
	"github.com/keithlinneman/linnemanlabs-admission/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-admission/internal/gate"
	"github.com/keithlinneman/linnemanlabs-admission/internal/health"
	"github.com/keithlinneman/linnemanlabs-admission/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-admission/internal/identity"
	"github.com/keithlinneman/linnemanlabs-admission/internal/limiter"
	"github.com/keithlinneman/linnemanlabs-admission/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-admission/internal/policy"
	"github.com/keithlinneman/linnemanlabs-admission/internal/policyhttp"
	"github.com/keithlinneman/linnemanlabs-admission/internal/proxy"

	"github.com/keithlinneman/linnemanlabs-admission/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
	"github.com/keithlinneman/linnemanlabs-admission/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-admission/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-admission/internal/prof"
	v "github.com/keithlinneman/linnemanlabs-admission/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix ADMISSION_
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl := slog.LevelError
	if conf.StacktraceLevel != "" {
		if stackLvl, err = log.ParseLevel(conf.StacktraceLevel); err != nil {
			fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
			os.Exit(1)
		}
	}
	L, err := log.New(log.Options{
		App:               v.AppName,
		Version:           v.Version,
		Commit:            v.Commit,
		BuildId:           v.BuildId,
		Component:         "server",
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer L.Sync()
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"upstream_url", conf.UpstreamURL,
		"trusted_hops", conf.TrustedHops,
		"trust_identity_headers", conf.TrustIdentityHeaders,
		"redis_addr", conf.RedisAddr,
		"redis_prefix", conf.RedisPrefix,
		"redis_timeout", conf.RedisTimeout,
		"fail_mode", conf.FailMode,
		"retry_granularity", conf.RetryGranularity,
		"policy_file", conf.PolicyFile,
		"enable_policy_updates", conf.EnablePolicyUpdates,
		"policy_ssm_param", conf.PolicySSMParam,
		"policy_s3_bucket", conf.PolicyS3Bucket,
		"policy_s3_prefix", conf.PolicyS3Prefix,
		"policy_signing_key_arn", conf.PolicySigningKeyARN,
		"enable_stats", conf.EnableStats,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"trace_sample", conf.TraceSample,
	)

	var m *metrics.ServerMetrics = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
		Attributes: map[string]string{
			"admission.fail_mode": conf.FailMode,
		},
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// counter store shared by every gateway instance
	counters, err := newCounterStore(ctx, L, conf, m)
	if err != nil {
		L.Error(ctx, err, "failed to initialize counter store")
		os.Exit(1)
	}

	// policy set: file, s3 or the builtin default
	policies, err := loadPolicies(ctx, L, conf)
	if err != nil {
		L.Error(ctx, err, "failed to load policies")
		os.Exit(1)
	}
	registry, err := policy.NewRegistry(policies.set)
	if err != nil {
		L.Error(ctx, err, "initial policy set rejected")
		os.Exit(1)
	}
	snap := registry.Snapshot()
	m.SetPolicySource(snap.Source)
	m.SetPolicySet(snap.Version, len(snap.Policies()), snap.LoadedAt)
	L.Info(ctx, "policy set active",
		"policy_version", snap.Version,
		"policy_digest", snap.Digest,
		"policy_source", snap.Source,
		"policies", len(snap.Policies()),
		"overrides", len(snap.Overrides()),
	)

	var stale func() bool
	var swaps func() int64
	if policies.source != nil {
		watcher := newPolicyWatcher(L, conf, policies, registry, m)
		go func() { _ = watcher.Run(ctx) }()
		stale = watcher.Stale
		swaps = watcher.Swaps
	}

	failMode, err := limiter.ParseFailMode(conf.FailMode)
	if err != nil {
		L.Error(ctx, err, "invalid fail mode")
		os.Exit(1)
	}
	evaluator := limiter.New(counters.store,
		limiter.WithFailMode(failMode),
		limiter.WithGranularity(conf.RetryGranularity),
		limiter.WithOnStoreError(func(err error) {
			m.IncStoreError(storeErrorKind(err))
		}),
	)

	resolver := identity.NewResolver(registry,
		identity.WithAnonymousBucket(conf.AnonymousBucket),
		identity.WithOnFallback(func(identity.RequestContext) {
			m.IncKeyFallback()
		}),
	)

	// decision telemetry: logs, prometheus and optionally shared redis counters
	sinks := gate.MultiSink{
		gate.NewLogSink(L, gate.WithSuppression(conf.DenyLogSuppress)),
		gate.NewMetricsSink(m),
	}
	var stats *gate.RedisStatsSink
	var statsRedis redis.UniversalClient
	var statsQueue *gate.AsyncSink
	if conf.EnableStats && counters.redis != nil {
		statsRedis = counters.statsClient()
		stats = gate.NewRedisStatsSink(statsRedis,
			gate.WithStatsPrefix(conf.RedisPrefix+"stats:"),
			gate.WithStatsTTL(conf.StatsTTL),
			gate.WithStatsTrackKeys(conf.StatsTrackKeys),
		)
		// stats are written by a background worker, the request path only queues
		statsQueue = gate.NewAsyncSink(stats,
			gate.WithBuffer(conf.StatsBuffer),
			gate.WithWriteTimeout(4*conf.RedisTimeout),
			gate.WithOnDrop(func() { m.IncTelemetryDropped("redis_stats") }),
			gate.WithOnError(func(error) { m.IncTelemetryError("redis_stats") }),
		)
		sinks = append(sinks, gate.SinkFunc(func(ctx context.Context, ev gate.Event) error {
			// drops are counted by the queue, keep them out of the gate's warn log
			if err := statsQueue.Emit(ctx, ev); err != nil && !errors.Is(err, gate.ErrEventDropped) {
				return err
			}
			return nil
		}))
	}

	admission := gate.New(resolver, evaluator,
		gate.WithSink(sinks),
		gate.WithOnPanic(m.IncGatePanic),
	)

	upstream, err := proxy.New(conf.UpstreamURL, proxy.Options{
		OnError: m.IncUpstreamError,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create upstream proxy")
		os.Exit(1)
	}

	// setup toggle for server shutdown
	var shutdownGate health.ShutdownGate

	// with fail-closed every request needs the store, so take the instance out
	// of rotation while it is unreachable. fail-open keeps serving.
	readiness := health.All(shutdownGate.Probe())
	if failMode == limiter.FailClosed {
		readiness = health.All(
			shutdownGate.Probe(),
			health.PingProbe("counter store", counters.pinger, conf.RedisTimeout*4),
		)
	}

	// start gateway listener
	siteHTTPStop, err := httpserver.Start(
		ctx,
		httpserver.Options{
			Port:         conf.HTTPPort,
			Health:       health.Fixed(true, ""),
			Readiness:    readiness,
			ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
			AdmissionMW: admissionhttp.Middleware(admission, admissionhttp.Options{
				ExemptPaths:          admissionhttp.DefaultExemptPaths,
				TrustIdentityHeaders: conf.TrustIdentityHeaders,
			}),
			Upstream:     upstream,
			MaxBodyBytes: conf.MaxBodyBytes,
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
			MetricsMW:    m.Middleware,
			Logger:       L,
			PolicyInfo:   registry,
		},
	)
	if err != nil {
		L.Error(ctx, err, "failed to start gateway http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	apiOpts := policyhttp.Options{
		Logger:    L,
		Registry:  registry,
		Resolver:  resolver,
		Evaluator: evaluator,
		Stale:     stale,
		Swaps:     swaps,
	}
	if stats != nil {
		apiOpts.Stats = stats
	}
	policyAPI := policyhttp.NewAPI(apiOpts)

	// start admin/ops listener to serve metrics, health checks, pprof and the policy inspection API
	// sg restricts inbound to internal monitoring infrastructure
	// we also reject connections from public ips in case the sg is ever misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		APIRoutes:    policyAPI.RegisterRoutes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	// fail readiness first so the load balancer stops sending new requests
	shutdownGate.Set("draining")
	drain(L, conf.DrainDelay)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.ShutdownTimeout)
	defer cancel()
	steps := []struct {
		name string
		stop func(context.Context) error
	}{
		{"gateway http server", siteHTTPStop},
		{"ops http server", opsHTTPStop},
		{"decision stats", func(ctx context.Context) error {
			if statsQueue == nil {
				return nil
			}
			err := statsQueue.Close(ctx)
			_ = statsRedis.Close()
			return err
		}},
		{"counter store", func(context.Context) error { return counters.Close() }},
		{"otel", shutdownOTEL},
	}
	for _, s := range steps {
		if err := s.stop(shutdownCtx); err != nil {
			L.Error(shutdownCtx, err, s.name+" shutdown")
		}
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

// drain waits out delay so in-flight requests finish and load balancer health
// checks notice the failing readiness. A second signal cuts it short.
func drain(L log.Logger, delay time.Duration) {
	if delay <= 0 {
		return
	}
	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	L.Info(context.Background(), "draining before closing listeners", "drain_delay", delay.String())
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(context.Background(), "drain period complete")
	case <-force:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
}
