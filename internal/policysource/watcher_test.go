package policysource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
	"github.com/keithlinneman/linnemanlabs-admission/internal/policy"
)

// watcher test helpers

// fakeFetcher serves in-memory sets keyed by digest.
type fakeFetcher struct {
	mu         sync.Mutex
	version    string
	versionErr error
	sets       map[string]policy.Set
	loadErr    error
	loads      int
}

func newFakeFetcher(version string) *fakeFetcher {
	return &fakeFetcher{version: version, sets: make(map[string]policy.Set)}
}

func (f *fakeFetcher) CurrentVersion(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version, f.versionErr
}

func (f *fakeFetcher) Load(_ context.Context, version string) (*policy.Set, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	s, ok := f.sets[version]
	if !ok {
		return nil, errors.New("unknown version " + version)
	}
	return &s, nil
}

func (f *fakeFetcher) publish(version string, set policy.Set) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets[version] = set
	f.version = version
}

func (f *fakeFetcher) setVersionErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versionErr = err
}

func setWithQuota(version string, quota int64) policy.Set {
	return policy.Set{
		Version: version,
		Source:  "test",
		Default: "default",
		Policies: []policy.Policy{
			{ID: "default", Window: time.Minute, Quota: quota},
		},
	}
}

type watcherFixture struct {
	src   *fakeFetcher
	reg   *policy.Registry
	swaps []string
}

func newWatcherFixture(t *testing.T) *watcherFixture {
	t.Helper()
	src := newFakeFetcher("d1")
	src.sets["d1"] = setWithQuota("v1", 10)
	reg, err := policy.NewRegistry(setWithQuota("v1", 10))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return &watcherFixture{src: src, reg: reg}
}

func (f *watcherFixture) newWatcher(opts ...func(*WatcherOptions)) *Watcher {
	wopts := WatcherOptions{
		Logger:         log.Nop(),
		Source:         f.src,
		Registry:       f.reg,
		PollInterval:   time.Second, // won't tick in checkOnce tests
		CurrentVersion: "d1",
		OnSwap: func(digest string, _ *policy.Snapshot) {
			f.swaps = append(f.swaps, digest)
		},
	}
	for _, fn := range opts {
		fn(&wopts)
	}
	return NewWatcher(wopts)
}

// recordingMetrics implements WatcherMetrics.
type recordingMetrics struct {
	mu     sync.Mutex
	polls  int
	swaps  int
	errors map[string]int
	loads  int
	stale  bool
}

func (m *recordingMetrics) IncWatcherPolls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
}

func (m *recordingMetrics) IncWatcherSwaps() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swaps++
}

func (m *recordingMetrics) IncWatcherError(t string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errors == nil {
		m.errors = map[string]int{}
	}
	m.errors[t]++
}

func (m *recordingMetrics) ObservePolicyLoadDuration(float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
}

func (m *recordingMetrics) SetWatcherLastSuccess(float64) {}

func (m *recordingMetrics) SetWatcherStale(s bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale = s
}

// backoffDuration

func TestBackoffDuration_Progression(t *testing.T) {
	w := &Watcher{interval: 30 * time.Second}

	tests := []struct {
		consecutiveErrs int32
		want            time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},  // 2x
		{2, 120 * time.Second}, // 4x
		{3, 240 * time.Second}, // 8x
		{4, 5 * time.Minute},   // 16x=480s, capped at 300s
		{10, 5 * time.Minute},  // way over cap
	}
	for _, tt := range tests {
		w.consecutiveErrs.Store(tt.consecutiveErrs)
		if got := w.backoffDuration(); got != tt.want {
			t.Fatalf("consecutiveErrs=%d: backoff=%v, want %v", tt.consecutiveErrs, got, tt.want)
		}
	}
}

// NewWatcher

func TestNewWatcher_Defaults(t *testing.T) {
	f := newWatcherFixture(t)
	w := f.newWatcher(func(o *WatcherOptions) {
		o.PollInterval = -5 * time.Second
		o.Logger = nil
	})
	if w.interval != DefaultPollInterval {
		t.Fatalf("interval = %v, want %v", w.interval, DefaultPollInterval)
	}
	if w.logger == nil {
		t.Fatal("expected non-nil logger")
	}
	if w.staleThreshold != 30*time.Minute {
		t.Fatalf("staleThreshold = %v", w.staleThreshold)
	}
	if w.currentDigest != "d1" {
		t.Fatalf("currentDigest = %q, want d1", w.currentDigest)
	}
}

// checkOnce

func TestCheckOnce_NoChange(t *testing.T) {
	f := newWatcherFixture(t)
	w := f.newWatcher()

	if got := w.checkOnce(t.Context()); got != pollNoChange {
		t.Fatalf("result = %v, want pollNoChange", got)
	}
	if f.src.loads != 0 {
		t.Fatalf("loads = %d, want 0", f.src.loads)
	}
}

func TestCheckOnce_VersionError(t *testing.T) {
	f := newWatcherFixture(t)
	m := &recordingMetrics{}
	w := f.newWatcher(func(o *WatcherOptions) { o.Metrics = m })
	f.src.setVersionErr(errors.New("ssm down"))

	if got := w.checkOnce(t.Context()); got != pollVersionError {
		t.Fatalf("result = %v, want pollVersionError", got)
	}
	if m.errors["version"] != 1 || m.polls != 1 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestCheckOnce_LoadErrorKeepsCurrent(t *testing.T) {
	f := newWatcherFixture(t)
	w := f.newWatcher()
	f.src.publish("d2", setWithQuota("v2", 20))
	f.src.loadErr = errors.New("checksum mismatch")

	if got := w.checkOnce(t.Context()); got != pollLoadError {
		t.Fatalf("result = %v, want pollLoadError", got)
	}
	if v := f.reg.Version(); v != "v1" {
		t.Fatalf("registry version = %q, want v1", v)
	}
	if w.currentDigest != "d1" {
		t.Fatalf("currentDigest = %q, want d1", w.currentDigest)
	}
}

func TestCheckOnce_InvalidSetKeepsCurrent(t *testing.T) {
	f := newWatcherFixture(t)
	m := &recordingMetrics{}
	w := f.newWatcher(func(o *WatcherOptions) { o.Metrics = m })
	// quota 0 is rejected by the registry
	f.src.publish("d2", setWithQuota("v2", 0))

	if got := w.checkOnce(t.Context()); got != pollSwapError {
		t.Fatalf("result = %v, want pollSwapError", got)
	}
	if v := f.reg.Version(); v != "v1" {
		t.Fatalf("registry version = %q, want v1", v)
	}
	if m.errors["validation"] != 1 {
		t.Fatalf("validation errors = %d, want 1", m.errors["validation"])
	}
	if len(f.swaps) != 0 {
		t.Fatalf("OnSwap called %d times", len(f.swaps))
	}
}

func TestCheckOnce_Swap(t *testing.T) {
	f := newWatcherFixture(t)
	m := &recordingMetrics{}
	w := f.newWatcher(func(o *WatcherOptions) { o.Metrics = m })
	f.src.publish("d2", setWithQuota("v2", 20))

	if got := w.checkOnce(t.Context()); got != pollSwapped {
		t.Fatalf("result = %v, want pollSwapped", got)
	}
	if v := f.reg.Version(); v != "v2" {
		t.Fatalf("registry version = %q, want v2", v)
	}
	if q := f.reg.Snapshot().Default().Quota; q != 20 {
		t.Fatalf("default quota = %d, want 20", q)
	}
	if len(f.swaps) != 1 || f.swaps[0] != "d2" {
		t.Fatalf("swaps = %v", f.swaps)
	}
	if w.Swaps() != 1 || m.swaps != 1 || m.loads != 1 {
		t.Fatalf("swap counters: watcher=%d metrics=%d loads=%d", w.Swaps(), m.swaps, m.loads)
	}

	// same digest again is a no-op
	if got := w.checkOnce(t.Context()); got != pollNoChange {
		t.Fatalf("second result = %v, want pollNoChange", got)
	}
}

func TestCheckOnce_OnSwapPanicRecovered(t *testing.T) {
	f := newWatcherFixture(t)
	w := f.newWatcher(func(o *WatcherOptions) {
		o.OnSwap = func(string, *policy.Snapshot) { panic("callback") }
	})
	f.src.publish("d2", setWithQuota("v2", 20))

	if got := w.checkOnce(t.Context()); got != pollSwapped {
		t.Fatalf("result = %v, want pollSwapped", got)
	}
	if v := f.reg.Version(); v != "v2" {
		t.Fatalf("registry version = %q, want v2", v)
	}
}

func TestCheckOnce_NilOnSwap(t *testing.T) {
	f := newWatcherFixture(t)
	w := f.newWatcher(func(o *WatcherOptions) { o.OnSwap = nil })
	f.src.publish("d2", setWithQuota("v2", 20))

	if got := w.checkOnce(t.Context()); got != pollSwapped {
		t.Fatalf("result = %v, want pollSwapped", got)
	}
}

// staleness

func TestTrackStaleness_TransitionsOnce(t *testing.T) {
	f := newWatcherFixture(t)
	m := &recordingMetrics{}
	w := f.newWatcher(func(o *WatcherOptions) {
		o.Metrics = m
		o.StaleThreshold = time.Minute
	})
	ctx := t.Context()

	w.lastSuccessAt = time.Now().Add(-2 * time.Minute)
	w.trackStaleness(ctx, pollVersionError)
	if !w.Stale() || !m.stale {
		t.Fatal("expected stale after threshold")
	}
	w.trackStaleness(ctx, pollVersionError)
	if !w.Stale() {
		t.Fatal("should stay stale")
	}

	w.trackStaleness(ctx, pollNoChange)
	if w.Stale() || m.stale {
		t.Fatal("expected recovery from stale")
	}
}

func TestTrackStaleness_BelowThreshold(t *testing.T) {
	f := newWatcherFixture(t)
	w := f.newWatcher(func(o *WatcherOptions) { o.StaleThreshold = time.Hour })

	w.trackStaleness(t.Context(), pollVersionError)
	if w.Stale() {
		t.Fatal("should not be stale before the threshold")
	}
}

// Run - integration

func TestRun_StopsOnContextCancel(t *testing.T) {
	f := newWatcherFixture(t)
	w := f.newWatcher(func(o *WatcherOptions) { o.PollInterval = 10 * time.Millisecond })

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestRun_DetectsChange(t *testing.T) {
	f := newWatcherFixture(t)
	var swapped atomic.Int32
	w := f.newWatcher(func(o *WatcherOptions) {
		o.PollInterval = 10 * time.Millisecond
		o.OnSwap = func(string, *policy.Snapshot) { swapped.Add(1) }
	})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	f.src.publish("d2", setWithQuota("v2", 20))

	deadline := time.After(2 * time.Second)
	for swapped.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("watcher did not swap within deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if v := f.reg.Version(); v != "v2" {
		t.Fatalf("registry version = %q, want v2", v)
	}
}

func TestRun_BacksOffOnVersionError_ThenRecovers(t *testing.T) {
	f := newWatcherFixture(t)
	w := f.newWatcher(func(o *WatcherOptions) { o.PollInterval = 10 * time.Millisecond })
	f.src.setVersionErr(errors.New("ssm unavailable"))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go w.Run(ctx)

	deadline := time.After(2 * time.Second)
	for w.consecutiveErrs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected consecutive errors to accumulate")
		case <-time.After(5 * time.Millisecond):
		}
	}

	f.src.setVersionErr(nil)

	// first backoff is 20ms, the streak then resets on the next good poll
	deadline = time.After(2 * time.Second)
	for w.consecutiveErrs.Load() != 0 {
		select {
		case <-deadline:
			t.Fatal("watcher did not recover within deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
