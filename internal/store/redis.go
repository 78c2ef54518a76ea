package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

const (
	// DefaultTimeout bounds every store round trip. Admission sits on the
	// request path so this stays in the tens of milliseconds.
	DefaultTimeout = 50 * time.Millisecond

	DefaultPrefix = "admission:"
)

// KEYS[1] current window, KEYS[2] previous window, ARGV[1] ttl in ms.
// The expiry is only set when missing so the counter dies 2W after creation.
var windowScript = redis.NewScript(`
local cur = redis.call('INCR', KEYS[1])
if redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local prev = tonumber(redis.call('GET', KEYS[2]) or '0')
return {cur, prev}
`)

// KEYS[1] counter, ARGV[1] ttl in ms.
var incrScript = redis.NewScript(`
local cur = redis.call('INCR', KEYS[1])
if redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return cur
`)

// Redis is a CounterStore backed by a shared Redis deployment.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	observe func(op string, d time.Duration, err error)
}

type RedisOption func(*Redis)

// WithPrefix namespaces every key written by this store.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// WithTimeout sets the per-call deadline. Values <= 0 keep the default.
func WithTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithObserver is called after every round trip, used for latency metrics.
func WithObserver(fn func(op string, d time.Duration, err error)) RedisOption {
	return func(r *Redis) {
		r.observe = fn
	}
}

// NewRedis verifies connectivity and preloads the scripts so the first
// request does not pay for a script upload.
func NewRedis(ctx context.Context, client redis.UniversalClient, opts ...RedisOption) (*Redis, error) {
	if client == nil {
		return nil, xerrors.New("redis client is required")
	}
	r := &Redis{
		client:  client,
		prefix:  DefaultPrefix,
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(r)
	}

	// startup gets a more generous deadline than the request path
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(sctx).Err(); err != nil {
		return nil, xerrors.Wrap(unavailable("ping", "", err), "connect to redis")
	}
	for _, s := range []*redis.Script{windowScript, incrScript} {
		if err := s.Load(sctx, client).Err(); err != nil {
			return nil, xerrors.Wrap(unavailable("script load", "", err), "load redis scripts")
		}
	}
	return r, nil
}

// Key returns the namespaced key as stored in Redis.
func (r *Redis) Key(key string) string { return r.prefix + key }

func (r *Redis) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	n, err := incrScript.Run(ctx, r.client, []string{r.Key(key)}, ttlMillis(ttl)).Int64()
	r.done("incr", start, err)
	if err != nil {
		return 0, unavailable("incr", key, err)
	}
	return n, nil
}

func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	n, err := r.client.Get(ctx, r.Key(key)).Int64()
	if errors.Is(err, redis.Nil) {
		err = nil
		n = 0
	}
	r.done("get", start, err)
	if err != nil {
		return 0, unavailable("get", key, err)
	}
	return n, nil
}

func (r *Redis) IncrementWindow(ctx context.Context, current, previous string, ttl time.Duration) (int64, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	vals, err := windowScript.Run(ctx, r.client, []string{r.Key(current), r.Key(previous)}, ttlMillis(ttl)).Int64Slice()
	if err == nil && len(vals) != 2 {
		err = xerrors.Newf("unexpected script reply length %d", len(vals))
	}
	r.done("window", start, err)
	if err != nil {
		return 0, 0, unavailable("window", current, err)
	}
	return vals[0], vals[1], nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", "", err)
	}
	return nil
}

func (r *Redis) done(op string, start time.Time, err error) {
	if r.observe != nil {
		r.observe(op, time.Since(start), err)
	}
}

// ttlMillis never returns less than 1ms, PEXPIRE 0 would delete the key.
func ttlMillis(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}

// ParseRedisURL accepts either a redis:// URL or a bare host:port.
func ParseRedisURL(addr, password string, db int) (*redis.Options, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		o, err := redis.ParseURL(addr)
		if err != nil {
			return nil, xerrors.Wrapf(err, "parse redis url %q", addr)
		}
		if password != "" {
			o.Password = password
		}
		return o, nil
	}
	if addr == "" {
		return nil, xerrors.New("redis address is required")
	}
	return &redis.Options{Addr: addr, Password: password, DB: db}, nil
}
