package limiter

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/linnemanlabs-admission/internal/policy"
	"github.com/keithlinneman/linnemanlabs-admission/internal/store"
)

// epoch is aligned to a minute boundary
var epoch = time.Unix(1_700_000_040, 0)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// failingStore fails every call.
type failingStore struct {
	mu    sync.Mutex
	calls int
}

func (f *failingStore) IncrementAndGet(context.Context, string, time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 0, &store.Error{Op: "incr", Err: errors.New("connection refused")}
}

func (f *failingStore) Get(context.Context, string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 0, &store.Error{Op: "get", Err: errors.New("connection refused")}
}

func newTestEvaluator(t *testing.T, opts ...Option) (*Evaluator, *fakeClock, *store.Memory) {
	t.Helper()
	clk := newFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mem := store.NewMemory(ctx, store.WithClock(clk.Now))
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return New(mem, opts...), clk, mem
}

func pol(quota, burst int64, window time.Duration) policy.Policy {
	return policy.Policy{ID: "p", Quota: quota, Burst: burst, Window: window}
}

// Evaluate

func TestEvaluate_QuotaThenDeny(t *testing.T) {
	e, _, _ := newTestEvaluator(t)
	ctx := context.Background()
	p := pol(10, 0, time.Minute)

	for i := 0; i < 10; i++ {
		d := e.Evaluate(ctx, "b", p)
		if !d.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
		if d.RetryAfter != 0 {
			t.Fatalf("request %d: RetryAfter = %v on admit", i+1, d.RetryAfter)
		}
	}
	d := e.Evaluate(ctx, "b", p)
	if d.Allowed {
		t.Fatal("request 11 admitted")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want > 0", d.RetryAfter)
	}
	if d.Reason != ReasonQuotaExceeded || d.Degraded {
		t.Fatalf("decision = %+v", d)
	}
}

func TestEvaluate_BurstRaisesCeiling(t *testing.T) {
	e, _, _ := newTestEvaluator(t)
	ctx := context.Background()
	p := pol(3, 2, time.Minute)

	for i := 0; i < 5; i++ {
		if d := e.Evaluate(ctx, "b", p); !d.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
	}
	if d := e.Evaluate(ctx, "b", p); d.Allowed || d.Limit != 5 {
		t.Fatalf("decision = %+v, want denied with limit 5", d)
	}
}

func TestEvaluate_Scenario(t *testing.T) {
	e, clk, _ := newTestEvaluator(t)
	ctx := context.Background()
	p := pol(5, 0, time.Minute)

	for i, want := range []int64{4, 3, 2, 1, 0} {
		d := e.Evaluate(ctx, "user-a", p)
		if !d.Allowed || d.Remaining != want {
			t.Fatalf("request %d: allowed=%v remaining=%d, want true/%d", i+1, d.Allowed, d.Remaining, want)
		}
	}

	d := e.Evaluate(ctx, "user-a", p)
	if d.Allowed {
		t.Fatal("6th request admitted")
	}
	if d.RetryAfter != 60*time.Second {
		t.Fatalf("RetryAfter = %v, want 60s", d.RetryAfter)
	}

	// once the full window has rolled past, nothing is left
	clk.Set(epoch.Add(120 * time.Second))
	d = e.Evaluate(ctx, "user-a", p)
	if !d.Allowed || d.Remaining != 4 {
		t.Fatalf("t=120s: allowed=%v remaining=%d, want true/4", d.Allowed, d.Remaining)
	}
}

func TestEvaluate_PreviousWindowWeighsRightAfterBoundary(t *testing.T) {
	e, clk, _ := newTestEvaluator(t)
	ctx := context.Background()
	p := pol(5, 0, time.Minute)

	for i := 0; i < 6; i++ {
		e.Evaluate(ctx, "user-a", p)
	}

	// 6 * 59/60 + 1 is still over the limit one second into the next window
	clk.Set(epoch.Add(61 * time.Second))
	if d := e.Evaluate(ctx, "user-a", p); d.Allowed {
		t.Fatalf("t=61s admitted with remaining %d", d.Remaining)
	}
}

func TestEvaluate_SeparateBuckets(t *testing.T) {
	e, _, _ := newTestEvaluator(t)
	ctx := context.Background()
	p := pol(1, 0, time.Minute)

	if !e.Evaluate(ctx, "a", p).Allowed || !e.Evaluate(ctx, "b", p).Allowed {
		t.Fatal("first request per bucket must be admitted")
	}
	if e.Evaluate(ctx, "a", p).Allowed {
		t.Fatal("bucket a over quota admitted")
	}
}

func TestEvaluate_WeightedPreviousWindow(t *testing.T) {
	e, clk, _ := newTestEvaluator(t)
	ctx := context.Background()
	p := pol(10, 0, time.Minute)

	for i := 0; i < 10; i++ {
		e.Evaluate(ctx, "b", p)
	}

	// 45s into the next window the previous 10 weigh 2.5
	clk.Set(epoch.Add(105 * time.Second))
	d := e.Evaluate(ctx, "b", p)
	// estimate 2.5 + 1 = 3.5, remaining floor(6.5) = 6
	if !d.Allowed || d.Remaining != 6 {
		t.Fatalf("decision = %+v, want allowed with remaining 6", d)
	}
}

func TestEvaluate_BoundaryBelongsToNewWindow(t *testing.T) {
	e, clk, _ := newTestEvaluator(t)
	ctx := context.Background()
	p := pol(100, 0, time.Minute)

	clk.Set(epoch.Add(time.Minute))
	e.Evaluate(ctx, "b", p)

	est, err := e.Peek(ctx, "b", p)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if est.Current != 1 || est.Previous != 0 || est.Elapsed != 0 {
		t.Fatalf("estimate = %+v, want the request in the new window", est)
	}
}

func TestEvaluate_EstimateContinuousAcrossBoundary(t *testing.T) {
	e, clk, _ := newTestEvaluator(t)
	ctx := context.Background()
	p := pol(100, 0, time.Minute)

	clk.Set(epoch.Add(time.Minute - time.Millisecond))
	for i := 0; i < 20; i++ {
		e.Evaluate(ctx, "b", p)
	}
	before, err := e.Peek(ctx, "b", p)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}

	clk.Set(epoch.Add(time.Minute + time.Millisecond))
	after, err := e.Peek(ctx, "b", p)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}

	if math.Abs(before.Value-after.Value) > 0.01 {
		t.Fatalf("estimate jumped across boundary: %.4f -> %.4f", before.Value, after.Value)
	}
}

func TestEvaluate_RetryAfterGranularity(t *testing.T) {
	e, clk, _ := newTestEvaluator(t, WithGranularity(5*time.Second))
	ctx := context.Background()
	p := pol(1, 0, time.Minute)

	clk.Set(epoch.Add(4500 * time.Millisecond))
	e.Evaluate(ctx, "b", p)
	d := e.Evaluate(ctx, "b", p)
	// 55.5s left rounds up to 60s
	if d.RetryAfter != 60*time.Second {
		t.Fatalf("RetryAfter = %v, want 60s", d.RetryAfter)
	}

	clk.Set(epoch.Add(59999 * time.Millisecond))
	d = e.Evaluate(ctx, "b", p)
	if d.RetryAfter != 5*time.Second {
		t.Fatalf("RetryAfter = %v, want one granularity unit", d.RetryAfter)
	}
}

func TestEvaluate_DeniedRequestsAreCounted(t *testing.T) {
	e, _, _ := newTestEvaluator(t)
	ctx := context.Background()
	p := pol(1, 0, time.Minute)

	for i := 0; i < 4; i++ {
		e.Evaluate(ctx, "b", p)
	}
	est, _ := e.Peek(ctx, "b", p)
	if est.Current != 4 {
		t.Fatalf("current = %d, want 4", est.Current)
	}
}

// Concurrency

func TestEvaluate_ConcurrentNoLostUpdates(t *testing.T) {
	e, _, _ := newTestEvaluator(t)
	ctx := context.Background()
	p := pol(1_000_000, 0, time.Minute)

	const n = 500
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Evaluate(ctx, "hot", p)
		}()
	}
	wg.Wait()

	est, err := e.Peek(ctx, "hot", p)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if est.Value != n {
		t.Fatalf("estimate = %v, want %d", est.Value, n)
	}
}

func TestEvaluate_ConcurrentAdmitsExactlyLimit(t *testing.T) {
	e, _, _ := newTestEvaluator(t)
	ctx := context.Background()
	p := pol(25, 5, time.Minute)

	var mu sync.Mutex
	admitted := 0
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.Evaluate(ctx, "hot", p).Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 30 {
		t.Fatalf("admitted = %d, want 30", admitted)
	}
}

// Fail modes

func TestEvaluate_FailOpen(t *testing.T) {
	fs := &failingStore{}
	var storeErrs int
	e := New(fs, WithClock(newFakeClock().Now), WithOnStoreError(func(error) { storeErrs++ }))
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		d := e.Evaluate(ctx, "b", pol(1, 0, time.Minute))
		if !d.Allowed || !d.Degraded || d.Reason != ReasonStoreUnavailable {
			t.Fatalf("request %d: decision = %+v, want degraded admit", i+1, d)
		}
	}
	if storeErrs != 100 {
		t.Fatalf("store error hook calls = %d, want 100", storeErrs)
	}
}

func TestEvaluate_FailClosed(t *testing.T) {
	e := New(&failingStore{}, WithClock(newFakeClock().Now), WithFailMode(FailClosed))
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		d := e.Evaluate(ctx, "b", pol(1000, 0, time.Minute))
		if d.Allowed || !d.Degraded {
			t.Fatalf("request %d: decision = %+v, want degraded deny", i+1, d)
		}
		if d.RetryAfter != DefaultGranularity {
			t.Fatalf("RetryAfter = %v, want %v", d.RetryAfter, DefaultGranularity)
		}
	}
}

func TestPeek_StoreError(t *testing.T) {
	e := New(&failingStore{})
	if _, err := e.Peek(context.Background(), "b", pol(1, 0, time.Minute)); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

// Redis backed

func TestEvaluate_RedisScenario(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rs, err := store.NewRedis(context.Background(), client, store.WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	clk := newFakeClock()
	e := New(rs, WithClock(clk.Now))
	ctx := context.Background()
	p := pol(5, 0, time.Minute)

	for i, want := range []int64{4, 3, 2, 1, 0} {
		d := e.Evaluate(ctx, "orders|principal:u1|*", p)
		if !d.Allowed || d.Remaining != want {
			t.Fatalf("request %d: allowed=%v remaining=%d", i+1, d.Allowed, d.Remaining)
		}
	}
	if d := e.Evaluate(ctx, "orders|principal:u1|*", p); d.Allowed {
		t.Fatal("6th request admitted")
	}

	key := store.DefaultPrefix + "{orders|principal:u1|*}:" + "1700000040000"
	if got, err := mr.Get(key); err != nil || got != "6" {
		t.Fatalf("counter %s = %q, %v", key, got, err)
	}
	if ttl := mr.TTL(key); ttl != 2*time.Minute {
		t.Fatalf("ttl = %v, want 2m", ttl)
	}

	mr.Close()
	if d := e.Evaluate(ctx, "orders|principal:u1|*", p); !d.Allowed || !d.Degraded {
		t.Fatalf("decision after store loss = %+v, want degraded admit", d)
	}
}

// ParseFailMode

func TestParseFailMode(t *testing.T) {
	for in, want := range map[string]FailMode{"": FailOpen, "open": FailOpen, "CLOSED": FailClosed, "fail-closed": FailClosed} {
		got, err := ParseFailMode(in)
		if err != nil || got != want {
			t.Errorf("ParseFailMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFailMode("sideways"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
