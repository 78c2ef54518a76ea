package policysource

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-admission/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
	"github.com/keithlinneman/linnemanlabs-admission/internal/policy"
	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

const (
	// DefaultPollInterval is how often the watcher asks the source for a new digest.
	DefaultPollInterval = 30 * time.Second

	// maxBackoff caps exponential backoff on consecutive source errors.
	maxBackoff = 5 * time.Minute
)

// pollResult describes what happened during a single poll cycle.
type pollResult int

const (
	pollNoChange     pollResult = iota // digest matches current - nothing to do
	pollSwapped                        // new digest, document loaded and swapped
	pollVersionError                   // digest lookup failed - caller should back off
	pollLoadError                      // lookup succeeded but fetch/verify/parse failed
	pollSwapError                      // set parsed but the registry rejected it
)

// WatcherMetrics is implemented by the metrics package to observe watcher behavior.
type WatcherMetrics interface {
	IncWatcherPolls()
	IncWatcherSwaps()
	IncWatcherError(errType string)
	ObservePolicyLoadDuration(seconds float64)
	SetWatcherLastSuccess(unixSeconds float64)
	SetWatcherStale(stale bool)
}

type nopWatcherMetrics struct{}

func (nopWatcherMetrics) IncWatcherPolls()                  {}
func (nopWatcherMetrics) IncWatcherSwaps()                  {}
func (nopWatcherMetrics) IncWatcherError(string)            {}
func (nopWatcherMetrics) ObservePolicyLoadDuration(float64) {}
func (nopWatcherMetrics) SetWatcherLastSuccess(float64)     {}
func (nopWatcherMetrics) SetWatcherStale(bool)              {}

type WatcherOptions struct {
	Logger       log.Logger
	Source       Fetcher
	Registry     *policy.Registry
	PollInterval time.Duration

	// CurrentVersion is the digest already loaded into Registry at startup,
	// so the first poll does not reload it.
	CurrentVersion string

	// OnSwap is called after a successful swap on the poll goroutine.
	OnSwap func(digest string, snap *policy.Snapshot)

	Metrics WatcherMetrics

	// StaleThreshold is how long since the last successful digest lookup before
	// the watcher reports itself stale. Zero defaults to 30 minutes.
	StaleThreshold time.Duration
}

// Watcher polls a source and hot-swaps new policy sets into the registry.
type Watcher struct {
	source   Fetcher
	registry *policy.Registry
	logger   log.Logger
	interval time.Duration
	onSwap   func(string, *policy.Snapshot)
	metrics  WatcherMetrics

	currentDigest string

	// backoff state, read by tests while Run is active
	consecutiveErrs atomic.Int32

	// staleness tracking
	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool
	stale          atomic.Bool

	pollCount int64
	swapCount atomic.Int64
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopWatcherMetrics{}
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Minute
	}
	return &Watcher{
		source:         opts.Source,
		registry:       opts.Registry,
		logger:         opts.Logger,
		interval:       interval,
		onSwap:         opts.OnSwap,
		metrics:        opts.Metrics,
		currentDigest:  opts.CurrentVersion,
		staleThreshold: staleThreshold,
		lastSuccessAt:  time.Now(),
	}
}

// Stale reports whether the source has been unreachable for longer than the threshold.
func (w *Watcher) Stale() bool { return w.stale.Load() }

// Swaps is the number of policy sets swapped in since start.
func (w *Watcher) Swaps() int64 { return w.swapCount.Load() }

// Run starts the poll loop. Blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "policy watcher starting",
		"poll_interval", w.interval.String(),
		"current_digest", cryptoutil.ShortDigest(w.currentDigest),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "policy watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount.Load(),
			)
			return ctx.Err()
		case <-ticker.C:
			result := w.checkOnce(ctx)

			if result == pollVersionError {
				n := w.consecutiveErrs.Add(1)
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "policy watcher: backing off",
					"consecutive_errors", n,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if n := w.consecutiveErrs.Load(); n > 0 {
				w.logger.Info(ctx, "policy watcher: recovered, resuming normal interval",
					"had_consecutive_errors", n,
				)
				w.consecutiveErrs.Store(0)
				ticker.Reset(w.interval)
			}

			w.trackStaleness(ctx, result)
		}
	}
}

// trackStaleness logs once on the transition into and out of the stale state.
func (w *Watcher) trackStaleness(ctx context.Context, result pollResult) {
	if result != pollVersionError {
		if w.staleLogged {
			w.logger.Info(ctx, "policy watcher: staleness recovered")
			w.setStale(false)
		}
		return
	}
	since := time.Since(w.lastSuccessAt)
	if since <= w.staleThreshold || w.staleLogged {
		return
	}
	w.logger.Error(ctx, xerrors.Newf("last successful policy poll was %s ago", since.Truncate(time.Second)),
		"policy watcher: policies are stale, still enforcing the last good set",
	)
	w.setStale(true)
}

func (w *Watcher) setStale(stale bool) {
	w.staleLogged = stale
	w.stale.Store(stale)
	w.metrics.SetWatcherStale(stale)
}

// checkOnce performs a single poll-compare-swap cycle.
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	w.metrics.IncWatcherPolls()

	digest, err := w.source.CurrentVersion(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "policy watcher: version lookup failed")
		w.metrics.IncWatcherError("version")
		return pollVersionError
	}

	now := time.Now()
	w.lastSuccessAt = now
	w.metrics.SetWatcherLastSuccess(float64(now.Unix()))

	if cryptoutil.HashEqual(digest, w.currentDigest) {
		return pollNoChange
	}
	return w.apply(ctx, digest)
}

// apply loads the document behind digest and swaps it in. Any failure keeps
// the current set enforced.
func (w *Watcher) apply(ctx context.Context, digest string) pollResult {
	short := cryptoutil.ShortDigest(digest)
	w.logger.Info(ctx, "policy watcher: new policy digest detected",
		"old_digest", cryptoutil.ShortDigest(w.currentDigest),
		"new_digest", short,
	)

	start := time.Now()
	set, err := w.source.Load(ctx, digest)
	w.metrics.ObservePolicyLoadDuration(time.Since(start).Seconds())
	if err != nil {
		w.logger.Error(ctx, err, "policy watcher: failed to load policy document, keeping current set",
			"digest", short,
			"current_version", w.registry.Version(),
		)
		w.metrics.IncWatcherError("load")
		return pollLoadError
	}

	snap, err := w.registry.Swap(*set)
	if err != nil {
		w.logger.Error(ctx, err, "policy watcher: policy set rejected, keeping current set",
			"rejected_digest", short,
			"current_version", w.registry.Version(),
		)
		w.metrics.IncWatcherError("validation")
		return pollSwapError
	}

	prev := w.currentDigest
	w.currentDigest = digest
	w.metrics.IncWatcherSwaps()
	w.logger.Info(ctx, "policy watcher: policy set swapped",
		"old_digest", cryptoutil.ShortDigest(prev),
		"new_digest", short,
		"version", snap.Version,
		"source", snap.Source,
		"policies", len(snap.Policies()),
		"total_swaps", w.swapCount.Add(1),
	)
	w.notify(ctx, digest, snap)
	return pollSwapped
}

// notify runs OnSwap, a panicking callback must not stop the watcher.
func (w *Watcher) notify(ctx context.Context, digest string, snap *policy.Snapshot) {
	if w.onSwap == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error(ctx, xerrors.Newf("OnSwap panic: %v", r),
				"policy watcher: OnSwap callback panicked, continuing",
				"digest", cryptoutil.ShortDigest(digest),
			)
		}
	}()
	w.onSwap(digest, snap)
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// consecutiveErrs=1 → 2x interval, =2 → 4x, =3 → 8x, etc.
func (w *Watcher) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(w.consecutiveErrs.Load()))
	d := time.Duration(float64(w.interval) * mult)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
