package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/linnemanlabs-admission/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-admission/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
	"github.com/keithlinneman/linnemanlabs-admission/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-admission/internal/policy"
	"github.com/keithlinneman/linnemanlabs-admission/internal/policysource"
	"github.com/keithlinneman/linnemanlabs-admission/internal/store"
	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

// counterStore bundles the store with what main needs besides counting.
type counterStore struct {
	store  store.CounterStore
	pinger store.Pinger
	// redis is nil for the in-process store
	redis redis.UniversalClient
	opts  *redis.Options
}

// statsClient opens a second connection pool for decision stats so stats
// writes never queue behind, or retry in front of, counter traffic.
func (c *counterStore) statsClient() redis.UniversalClient {
	if c.opts == nil {
		return nil
	}
	o := *c.opts
	o.MaxRetries = -1
	o.PoolSize = 4
	return redis.NewClient(&o)
}

func (c *counterStore) Close() error {
	if c.redis == nil {
		return nil
	}
	err := c.redis.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

func newCounterStore(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics) (*counterStore, error) {
	if conf.RedisAddr == "" {
		L.Warn(ctx, "no REDIS_ADDR configured, using in-process counters which are not shared between instances")
		mem := store.NewMemory(ctx)
		return &counterStore{store: mem, pinger: mem}, nil
	}

	ro, err := store.ParseRedisURL(conf.RedisAddr, conf.RedisPassword, conf.RedisDB)
	if err != nil {
		return nil, err
	}
	// the request path bounds every call with RedisTimeout, keep the client's
	// own timeouts from cutting in first
	ro.ReadTimeout = 2 * conf.RedisTimeout
	ro.WriteTimeout = 2 * conf.RedisTimeout
	ro.ContextTimeoutEnabled = true

	client := redis.NewClient(ro)
	rs, err := store.NewRedis(ctx, client,
		store.WithPrefix(conf.RedisPrefix),
		store.WithTimeout(conf.RedisTimeout),
		store.WithObserver(m.ObserveStoreOp),
	)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	L.Info(ctx, "connected to redis counter store", "addr", ro.Addr, "db", ro.DB, "prefix", conf.RedisPrefix)
	return &counterStore{store: rs, pinger: rs, redis: client, opts: ro}, nil
}

// storeErrorKind maps an evaluator store failure to a metric label.
func storeErrorKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unavailable"
	}
}

// initialPolicies is the set the registry starts with plus, for file and s3
// sources, what the watcher needs to keep it current.
type initialPolicies struct {
	set    policy.Set
	digest string
	source policysource.Fetcher
}

func loadPolicies(ctx context.Context, L log.Logger, conf cfg.App) (initialPolicies, error) {
	switch {
	case conf.PolicyFile != "":
		src := policysource.NewFileSource(conf.PolicyFile)
		digest, set, err := policysource.LoadCurrent(ctx, src)
		if err != nil {
			// a broken local file is an operator error, refuse to start
			return initialPolicies{}, xerrors.Wrapf(err, "load policy file %s", conf.PolicyFile)
		}
		return initialPolicies{set: *set, digest: digest, source: src}, nil

	case conf.EnablePolicyUpdates:
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return initialPolicies{}, xerrors.Wrap(err, "load AWS config")
		}
		verifier := cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.PolicySigningKeyARN)
		if err := verifier.Preload(ctx); err != nil {
			return initialPolicies{}, xerrors.Wrap(err, "policy signing key")
		}
		src, err := policysource.NewS3Source(ctx, policysource.S3Options{
			Logger:    L,
			SSMParam:  conf.PolicySSMParam,
			Bucket:    conf.PolicyS3Bucket,
			Prefix:    conf.PolicyS3Prefix,
			Verifier:  verifier,
			AWSConfig: &awsCfg,
		})
		if err != nil {
			return initialPolicies{}, xerrors.Wrap(err, "create policy source")
		}

		digest, set, err := policysource.LoadCurrent(ctx, src)
		if err != nil {
			// keep serving with the builtin default, the watcher retries with backoff
			L.Error(ctx, err, "failed to load policy set from S3, starting with builtin default policy")
			return initialPolicies{set: builtinSet(conf), source: src}, nil
		}
		return initialPolicies{set: *set, digest: digest, source: src}, nil

	default:
		L.Info(ctx, "no policy document configured, using builtin default policy",
			"quota", conf.DefaultQuota,
			"burst", conf.DefaultBurst,
			"window", conf.DefaultWindow,
		)
		return initialPolicies{set: builtinSet(conf)}, nil
	}
}

func builtinSet(conf cfg.App) policy.Set {
	return policy.DefaultSet(conf.DefaultQuota, conf.DefaultBurst, conf.DefaultWindow)
}

func newPolicyWatcher(L log.Logger, conf cfg.App, initial initialPolicies, registry *policy.Registry, m *metrics.ServerMetrics) *policysource.Watcher {
	return policysource.NewWatcher(policysource.WatcherOptions{
		Logger:         L,
		Source:         initial.source,
		Registry:       registry,
		PollInterval:   conf.PolicyPollInterval,
		CurrentVersion: initial.digest,
		Metrics:        m,
		OnSwap: func(digest string, snap *policy.Snapshot) {
			m.SetPolicySource(snap.Source)
			m.SetPolicySet(snap.Version, len(snap.Policies()), snap.LoadedAt)
		},
		StaleThreshold: 20 * conf.PolicyPollInterval,
	})
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.DialTimeout("unixgram", addr, time.Second)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
