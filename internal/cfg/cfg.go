package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-admission/internal/limiter"
	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
)

// EnvPrefix maps flag "foo-bar" to ADMISSION_FOO_BAR.
const EnvPrefix = "ADMISSION_"

type App struct {
	LogJSON         bool
	LogLevel        string
	HTTPPort        int
	AdminPort       int
	UpstreamURL     string
	TrustedHops     int
	MaxBodyBytes    int64
	EnablePprof     bool
	DrainDelay      time.Duration
	ShutdownTimeout time.Duration
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64
	StacktraceLevel string

	IncludeErrorLinks bool
	MaxErrorLinks     int

	// counter store, empty RedisAddr selects the in-process store
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	RedisTimeout  time.Duration

	FailMode         string
	RetryGranularity time.Duration
	AnonymousBucket  string

	// principal and api key headers are only honored when an authenticating
	// proxy in front of the gateway sets them and strips client copies
	TrustIdentityHeaders bool

	// policy document: a local file, or S3+SSM with hot reload, or the
	// single built-in default policy when neither is set
	PolicyFile          string
	EnablePolicyUpdates bool
	PolicySSMParam      string
	PolicyS3Bucket      string
	PolicyS3Prefix      string
	PolicySigningKeyARN string
	PolicyPollInterval  time.Duration
	DefaultQuota        int64
	DefaultBurst        int64
	DefaultWindow       time.Duration

	// decision telemetry
	EnableStats     bool
	StatsTrackKeys  bool
	StatsTTL        time.Duration
	StatsBuffer     int
	DenyLogSuppress time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.StringVar(&c.UpstreamURL, "upstream-url", "", "URL of the service admitted requests are proxied to (http(s)://host:port)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 1, "number of trusted proxies in front of the gateway for X-Forwarded-For (0..10)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 10<<20, "max request body size forwarded upstream (0 = unlimited)")
	fs.DurationVar(&c.DrainDelay, "drain-delay", 60*time.Second, "how long readiness fails before listeners close on shutdown")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "deadline for closing listeners and flushing telemetry after the drain")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis host:port or redis:// URL for shared counters (empty = in-process counters, single instance only)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", "admission:", "prefix for counter keys")
	fs.DurationVar(&c.RedisTimeout, "redis-timeout", 50*time.Millisecond, "per-call counter store timeout")

	fs.StringVar(&c.FailMode, "fail-mode", "open", "behavior when the counter store is unavailable: open|closed")
	fs.DurationVar(&c.RetryGranularity, "retry-granularity", time.Second, "retry-after values are rounded up to this unit")
	fs.StringVar(&c.AnonymousBucket, "anonymous-bucket", "anonymous", "bucket shared by requests with no usable identity")
	fs.BoolVar(&c.TrustIdentityHeaders, "trust-identity-headers", false, "Honor X-Authenticated-Principal, X-Api-Key-Id and X-Identity-Tier (only behind an authenticating proxy that sets them)")

	fs.StringVar(&c.PolicyFile, "policy-file", "", "local policy document (yaml or json)")
	fs.BoolVar(&c.EnablePolicyUpdates, "enable-policy-updates", false, "Enable loading and refreshing the policy document from S3/SSM")
	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "/app/linnemanlabs-admission/server/policies/stable/sha256", "ssm parameter name to get the active policy document hash from")
	fs.StringVar(&c.PolicyS3Bucket, "policy-s3-bucket", "phxi-build-prod-use2-deployment-artifacts", "s3 bucket name to get policy documents from")
	fs.StringVar(&c.PolicyS3Prefix, "policy-s3-prefix", "apps/linnemanlabs-admission/server/policies", "s3 prefix (key) to get policy documents from")
	fs.StringVar(&c.PolicySigningKeyARN, "policy-signing-key-arn", "", "KMS key ARN for policy document signature verification")
	fs.DurationVar(&c.PolicyPollInterval, "policy-poll-interval", 30*time.Second, "how often to check SSM for a new policy document")
	fs.Int64Var(&c.DefaultQuota, "default-quota", 100, "quota of the built-in default policy")
	fs.Int64Var(&c.DefaultBurst, "default-burst", 0, "burst of the built-in default policy")
	fs.DurationVar(&c.DefaultWindow, "default-window", time.Minute, "window of the built-in default policy")

	fs.BoolVar(&c.EnableStats, "enable-stats", false, "Enable decision counters in redis")
	fs.BoolVar(&c.StatsTrackKeys, "stats-track-keys", false, "Also count decisions per rate limit key (high cardinality)")
	fs.DurationVar(&c.StatsTTL, "stats-ttl", 24*time.Hour, "retention of per-minute decision counters")
	fs.IntVar(&c.StatsBuffer, "stats-buffer", 4096, "decision events queued for the redis stats writer before new ones are dropped")
	fs.DurationVar(&c.DenyLogSuppress, "deny-log-suppress", time.Minute, "log at most one denial per key per interval")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks every field and reports all problems at once, joined with
// errors.Join. Names in messages are the environment variable suffixes.
func Validate(c App) error {
	var errs []error
	for _, check := range []func(App) []error{
		validateListeners,
		validateObservability,
		validateStore,
		validateEvaluation,
		validatePolicies,
		validateTelemetry,
	} {
		errs = append(errs, check(c)...)
	}
	return errors.Join(errs...)
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

func validateListeners(c App) (errs []error) {
	if !validPort(c.HTTPPort) {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if !validPort(c.AdminPort) {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	switch u, err := url.Parse(c.UpstreamURL); {
	case c.UpstreamURL == "":
		errs = append(errs, errors.New("UPSTREAM_URL is required"))
	case err != nil, u.Scheme != "http" && u.Scheme != "https", u.Host == "":
		errs = append(errs, fmt.Errorf("UPSTREAM_URL must be an http(s) URL (got %q)", c.UpstreamURL))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 10 {
		errs = append(errs, fmt.Errorf("invalid TRUSTED_HOPS %d (must be 0..10)", c.TrustedHops))
	}
	if c.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("invalid MAX_BODY_BYTES %d (must be >= 0)", c.MaxBodyBytes))
	}
	if c.DrainDelay < 0 || c.DrainDelay > 10*time.Minute {
		errs = append(errs, fmt.Errorf("DRAIN_DELAY must be 0..10m (got %s)", c.DrainDelay))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT must be > 0 (got %s)", c.ShutdownTimeout))
	}
	return errs
}

func validateObservability(c App) (errs []error) {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	// the grpc exporter dials host:port, a scheme is a config mistake
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, errors.New("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.EnablePyroscope {
		if u, err := url.Parse(c.PyroServer); c.PyroServer == "" {
			errs = append(errs, errors.New("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, errors.New("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	return errs
}

func validateStore(c App) (errs []error) {
	if c.RedisAddr != "" && !strings.Contains(c.RedisAddr, "://") {
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port or a redis:// URL (got %q)", c.RedisAddr))
		}
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be >= 0)", c.RedisDB))
	}
	if c.RedisTimeout <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_TIMEOUT must be > 0 (got %s)", c.RedisTimeout))
	}
	return errs
}

func validateEvaluation(c App) (errs []error) {
	if _, err := limiter.ParseFailMode(c.FailMode); err != nil {
		errs = append(errs, fmt.Errorf("invalid FAIL_MODE: %w", err))
	}
	if c.RetryGranularity < time.Millisecond || c.RetryGranularity > time.Minute {
		errs = append(errs, fmt.Errorf("RETRY_GRANULARITY must be 1ms..1m (got %s)", c.RetryGranularity))
	}
	if strings.TrimSpace(c.AnonymousBucket) == "" {
		errs = append(errs, errors.New("ANONYMOUS_BUCKET is required"))
	}
	return errs
}

func validatePolicies(c App) (errs []error) {
	if c.PolicyFile != "" && c.EnablePolicyUpdates {
		errs = append(errs, errors.New("POLICY_FILE and ENABLE_POLICY_UPDATES are mutually exclusive"))
	}
	if c.EnablePolicyUpdates {
		// remote documents are only trusted when signed
		for _, f := range []struct{ name, value string }{
			{"POLICY_SSM_PARAM", c.PolicySSMParam},
			{"POLICY_S3_BUCKET", c.PolicyS3Bucket},
			{"POLICY_S3_PREFIX", c.PolicyS3Prefix},
			{"POLICY_SIGNING_KEY_ARN", c.PolicySigningKeyARN},
		} {
			if f.value == "" {
				errs = append(errs, fmt.Errorf("%s is required when ENABLE_POLICY_UPDATES=true", f.name))
			}
		}
		if c.PolicyPollInterval < time.Second {
			errs = append(errs, fmt.Errorf("POLICY_POLL_INTERVAL must be >= 1s (got %s)", c.PolicyPollInterval))
		}
	}

	// the built-in default set is only used without another source
	if c.PolicyFile == "" && !c.EnablePolicyUpdates {
		if c.DefaultQuota < 1 {
			errs = append(errs, fmt.Errorf("DEFAULT_QUOTA must be >= 1 (got %d)", c.DefaultQuota))
		}
		if c.DefaultBurst < 0 {
			errs = append(errs, fmt.Errorf("DEFAULT_BURST must be >= 0 (got %d)", c.DefaultBurst))
		}
		if c.DefaultWindow < time.Second {
			errs = append(errs, fmt.Errorf("DEFAULT_WINDOW must be >= 1s (got %s)", c.DefaultWindow))
		}
	}
	return errs
}

func validateTelemetry(c App) (errs []error) {
	if c.EnableStats {
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("ENABLE_STATS requires REDIS_ADDR"))
		}
		if c.StatsTTL < time.Minute {
			errs = append(errs, fmt.Errorf("STATS_TTL must be >= 1m (got %s)", c.StatsTTL))
		}
		if c.StatsBuffer < 1 || c.StatsBuffer > 1_000_000 {
			errs = append(errs, fmt.Errorf("STATS_BUFFER must be 1..1000000 (got %d)", c.StatsBuffer))
		}
	}
	if c.DenyLogSuppress < 0 {
		errs = append(errs, fmt.Errorf("DENY_LOG_SUPPRESS must be >= 0 (got %s)", c.DenyLogSuppress))
	}
	return errs
}
