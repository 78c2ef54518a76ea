package gate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
)

const (
	defaultSuppressFor = time.Minute
	defaultMaxTracked  = 10000
)

// LogSink writes decisions to the structured logger. Allowed decisions go to
// debug. Denials go to warn, at most once per bucket key per suppression
// interval, so a client hammering its limit produces one line and not thousands.
type LogSink struct {
	logger      log.Logger
	now         func() time.Time
	suppressFor time.Duration
	maxTracked  int

	mu        sync.Mutex
	denied    map[string]*rate.Limiter
	lastSweep time.Time
	// used once the table is full, caps total denial lines
	overflow *rate.Limiter
}

type LogSinkOption func(*LogSink)

// WithSuppression sets how long repeated denials of one key stay quiet.
func WithSuppression(d time.Duration) LogSinkOption {
	return func(s *LogSink) {
		if d > 0 {
			s.suppressFor = d
		}
	}
}

// WithMaxTracked caps the number of keys remembered for suppression.
func WithMaxTracked(n int) LogSinkOption {
	return func(s *LogSink) {
		if n > 0 {
			s.maxTracked = n
		}
	}
}

func WithLogClock(now func() time.Time) LogSinkOption {
	return func(s *LogSink) {
		s.now = now
	}
}

func NewLogSink(logger log.Logger, opts ...LogSinkOption) *LogSink {
	if logger == nil {
		logger = log.Nop()
	}
	s := &LogSink{
		logger:      logger,
		now:         time.Now,
		suppressFor: defaultSuppressFor,
		maxTracked:  defaultMaxTracked,
		denied:      make(map[string]*rate.Limiter),
		overflow:    rate.NewLimiter(rate.Every(time.Second), 10),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *LogSink) Emit(ctx context.Context, ev Event) error {
	kv := []any{
		"key", ev.Key,
		"policy_id", ev.PolicyID,
		"allowed", ev.Allowed,
		"degraded", ev.Degraded,
		"remaining", ev.Remaining,
		"reason", string(ev.Reason),
		"latency_ms", ev.LatencyMS,
	}
	if ev.Allowed {
		s.logger.Debug(ctx, "admission decision", kv...)
		return nil
	}
	if !s.allowDenial(ev.Key) {
		return nil
	}
	s.logger.Warn(ctx, "request denied by admission control", kv...)
	return nil
}

func (s *LogSink) allowDenial(key string) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) >= s.suppressFor {
		s.sweep(now)
	}

	lim, ok := s.denied[key]
	if !ok {
		if len(s.denied) >= s.maxTracked {
			return s.overflow.AllowN(now, 1)
		}
		lim = rate.NewLimiter(rate.Every(s.suppressFor), 1)
		s.denied[key] = lim
	}
	return lim.AllowN(now, 1)
}

// sweep drops keys whose limiter has refilled, they would log on the next
// denial anyway. Caller holds mu.
func (s *LogSink) sweep(now time.Time) {
	for k, lim := range s.denied {
		if lim.TokensAt(now) >= 1 {
			delete(s.denied, k)
		}
	}
	s.lastSweep = now
}

// Tracked reports how many keys are currently suppressed.
func (s *LogSink) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.denied)
}
