package gate

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

const (
	defaultStatsPrefix = "admission:stats"
	defaultStatsTTL    = 24 * time.Hour

	BucketMinute = "minute"
	BucketNone   = "none"
)

// RedisStatsSink keeps shared allowed/denied/degraded counters in Redis so
// every gateway instance contributes to one view:
//
//	<prefix>:total                 hash, cumulative, never expires
//	<prefix>:minute:YYYYMMDDhhmm   hash, per UTC minute, expires after ttl
//	<prefix>:policy                hash, "<policy>:<field>" cumulative
//	<prefix>:key:<bucket key>      hash, only with key tracking, expires after ttl
type RedisStatsSink struct {
	client redis.UniversalClient

	prefix string
	// applies to time series and per key hashes, totals are cumulative
	ttl       time.Duration
	bucket    string
	trackKeys bool
}

type RedisStatsOption func(*RedisStatsSink)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsSink) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsSink) { s.ttl = d }
}

// WithStatsBucket is BucketMinute (default) or BucketNone.
func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsSink) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

// WithStatsTrackKeys enables per bucket key hashes. Cardinality follows the
// number of distinct callers, keep the ttl short when enabled.
func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStatsSink) { s.trackKeys = track }
}

func NewRedisStatsSink(client redis.UniversalClient, opts ...RedisStatsOption) *RedisStatsSink {
	s := &RedisStatsSink{
		client: client,
		prefix: defaultStatsPrefix,
		ttl:    defaultStatsTTL,
		bucket: BucketMinute,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func statsField(ev Event) string {
	if ev.Allowed {
		return "allowed"
	}
	return "denied"
}

func (s *RedisStatsSink) Emit(ctx context.Context, ev Event) error {
	if s == nil || s.client == nil {
		return nil
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	field := statsField(ev)

	pipe := s.client.Pipeline()
	incr := func(key string, expire bool) {
		pipe.HIncrBy(ctx, key, field, 1)
		if ev.Degraded {
			pipe.HIncrBy(ctx, key, "degraded", 1)
		}
		if expire && s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
	}

	incr(s.prefix+":total", false)
	if s.bucket == BucketMinute {
		incr(s.MinuteKey(at), true)
	}
	if ev.PolicyID != "" {
		pipe.HIncrBy(ctx, s.prefix+":policy", ev.PolicyID+":"+field, 1)
	}
	if s.trackKeys && ev.Key != "" {
		incr(s.prefix+":key:"+ev.Key, true)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(err, "record decision stats")
	}
	return nil
}

// MinuteKey is the per minute hash holding decisions made during t.
func (s *RedisStatsSink) MinuteKey(t time.Time) string {
	return s.prefix + ":minute:" + t.UTC().Format("200601021504")
}

// Totals returns the cumulative allowed/denied/degraded counters.
func (s *RedisStatsSink) Totals(ctx context.Context) (map[string]int64, error) {
	return s.read(ctx, s.prefix+":total")
}

// Minute returns the counters for the UTC minute containing t.
func (s *RedisStatsSink) Minute(ctx context.Context, t time.Time) (map[string]int64, error) {
	return s.read(ctx, s.MinuteKey(t))
}

func (s *RedisStatsSink) read(ctx context.Context, key string) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, xerrors.Wrapf(err, "read stats %s", key)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, xerrors.Wrapf(err, "parse stats field %s", k)
		}
		out[k] = n
	}
	return out, nil
}
