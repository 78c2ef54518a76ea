package policyhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-admission/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-admission/internal/identity"
	"github.com/keithlinneman/linnemanlabs-admission/internal/limiter"
	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
	"github.com/keithlinneman/linnemanlabs-admission/internal/policy"
)

// StatsReader is implemented by gate.RedisStatsSink.
type StatsReader interface {
	Totals(ctx context.Context) (map[string]int64, error)
	Minute(ctx context.Context, t time.Time) (map[string]int64, error)
}

type Options struct {
	Logger    log.Logger
	Registry  *policy.Registry
	Resolver  *identity.Resolver
	Evaluator *limiter.Evaluator
	// Stats is optional, /-/stats is only registered when set.
	Stats StatsReader
	// Stale reports whether the policy watcher has fallen behind, nil means never.
	Stale func() bool
	// Swaps counts policy sets the watcher swapped in, nil without a watcher.
	Swaps func() int64
}

// API serves read-only views of the active policy set on the ops listener.
type API struct {
	opts   Options
	logger log.Logger
	now    func() time.Time
}

func NewAPI(opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// RegisterRoutes attaches the policy endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httpmw.RequestID(""), httpmw.WithLogger(api.logger))

		r.With(httpmw.Scope("policies")).Get("/-/policies", api.HandlePolicies)
		r.With(httpmw.Scope("policies_summary")).Get("/-/policies/summary", api.HandleSummary)
		if api.opts.Resolver != nil && api.opts.Evaluator != nil {
			r.With(httpmw.Scope("policies_explain")).Get("/-/policies/explain", api.HandleExplain)
		}
		if api.opts.Stats != nil {
			r.With(httpmw.Scope("stats")).Get("/-/stats", api.HandleStats)
		}
	})
}

// PoliciesResponse is the full active policy document plus runtime info
type PoliciesResponse struct {
	Document *policy.Document `json:"document,omitempty"`
	Runtime  RuntimeInfo      `json:"runtime"`
	Error    string           `json:"error,omitempty"`
}

type RuntimeInfo struct {
	Version    string    `json:"version,omitempty"`
	Digest     string    `json:"digest,omitempty"`
	Source     string    `json:"source,omitempty"`
	LoadedAt   time.Time `json:"loaded_at"`
	ServerTime time.Time `json:"server_time"`
	Stale      bool      `json:"stale"`
	Swaps      int64     `json:"swaps"`
}

type SummaryResponse struct {
	Version   string    `json:"version"`
	Digest    string    `json:"digest,omitempty"`
	Source    string    `json:"source"`
	Default   string    `json:"default_policy"`
	Policies  int       `json:"policies"`
	Overrides int       `json:"overrides"`
	LoadedAt  time.Time `json:"loaded_at"`
	Stale     bool      `json:"stale"`
	Swaps     int64     `json:"swaps"`
}

func (api *API) snapshot() (*policy.Snapshot, bool) {
	if api.opts.Registry == nil {
		return nil, false
	}
	snap := api.opts.Registry.Snapshot()
	return snap, snap != nil
}

func (api *API) stale() bool {
	return api.opts.Stale != nil && api.opts.Stale()
}

func (api *API) swaps() int64 {
	if api.opts.Swaps == nil {
		return 0
	}
	return api.opts.Swaps()
}

// HandlePolicies serves the active policy set in document form
func (api *API) HandlePolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	serverTime := api.now().UTC().Truncate(time.Second)

	snap, ok := api.snapshot()
	if !ok {
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, PoliciesResponse{
			Runtime: RuntimeInfo{ServerTime: serverTime},
			Error:   "no policy set loaded",
		})
		return
	}

	doc := snap.Document()
	api.writeJSON(ctx, w, http.StatusOK, PoliciesResponse{
		Document: &doc,
		Runtime: RuntimeInfo{
			Version:    snap.Version,
			Digest:     snap.Digest,
			Source:     snap.Source,
			LoadedAt:   snap.LoadedAt.UTC().Truncate(time.Second),
			ServerTime: serverTime,
			Stale:      api.stale(),
			Swaps:      api.swaps(),
		},
	})
}

// HandleSummary serves counts and identifiers of the active set
func (api *API) HandleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	snap, ok := api.snapshot()
	if !ok {
		api.writeError(ctx, w, http.StatusServiceUnavailable, "no policy set loaded")
		return
	}

	api.writeJSON(ctx, w, http.StatusOK, SummaryResponse{
		Version:   snap.Version,
		Digest:    snap.Digest,
		Source:    snap.Source,
		Default:   snap.Default().ID,
		Policies:  len(snap.Policies()),
		Overrides: len(snap.Overrides()),
		LoadedAt:  snap.LoadedAt.UTC().Truncate(time.Second),
		Stale:     api.stale(),
		Swaps:     api.swaps(),
	})
}

// ExplainResponse shows how a hypothetical request would be keyed and which
// rules govern it. Counters are read, never charged.
type ExplainResponse struct {
	Key           string        `json:"key"`
	Identity      string        `json:"identity"`
	EndpointClass string        `json:"endpoint_class"`
	Fallback      bool          `json:"fallback"`
	Policy        PolicyInfo    `json:"policy"`
	Override      *OverrideInfo `json:"override,omitempty"`
	Estimate      *EstimateInfo `json:"estimate,omitempty"`
	PolicyVersion string        `json:"policy_version"`
	Error         string        `json:"error,omitempty"`
}

type PolicyInfo struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Window string `json:"window"`
	Quota  int64  `json:"quota"`
	Burst  int64  `json:"burst"`
	Limit  int64  `json:"limit"`
}

type OverrideInfo struct {
	Match  string `json:"match"`
	Effect string `json:"effect"`
}

type EstimateInfo struct {
	Current   int64   `json:"current"`
	Previous  int64   `json:"previous"`
	Elapsed   float64 `json:"elapsed"`
	Value     float64 `json:"value"`
	Remaining int64   `json:"remaining"`
}

// HandleExplain resolves the request described by the query string:
// principal, apikey, ip, tier and endpoint ("METHOD /path").
func (api *API) HandleExplain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	rc := identity.RequestContext{
		Principal: q.Get("principal"),
		APIKeyID:  q.Get("apikey"),
		SourceIP:  q.Get("ip"),
		Tier:      q.Get("tier"),
		Endpoint:  strings.TrimSpace(q.Get("endpoint")),
	}

	res := api.opts.Resolver.Resolve(ctx, rc)
	p := res.Policy

	resp := ExplainResponse{
		Key:           res.Key.String(),
		Identity:      res.Key.Identity,
		EndpointClass: res.Key.EndpointClass,
		Fallback:      res.Fallback,
		Policy: PolicyInfo{
			ID:     p.ID,
			Kind:   p.Selector.Kind().String(),
			Window: p.Window.String(),
			Quota:  p.Quota,
			Burst:  p.Burst,
			Limit:  p.Limit(),
		},
		PolicyVersion: res.Snapshot.Version,
	}
	if o, ok := res.Snapshot.MatchOverride(res.Attrs); ok {
		resp.Override = &OverrideInfo{Match: o.String(), Effect: string(o.Effect)}
	}

	est, err := api.opts.Evaluator.Peek(ctx, resp.Key, p)
	if err != nil {
		log.FromContext(ctx).Error(ctx, err, "explain: counter store read failed", "key", resp.Key)
		resp.Error = "counter store unavailable"
	} else {
		resp.Estimate = &EstimateInfo{
			Current:   est.Current,
			Previous:  est.Previous,
			Elapsed:   est.Elapsed,
			Value:     est.Value,
			Remaining: est.Remaining(),
		}
	}

	log.FromContext(ctx).Debug(ctx, "served policy explain",
		"key", resp.Key,
		"policy_id", p.ID,
	)

	api.writeJSON(ctx, w, http.StatusOK, resp)
}

type MinuteStats struct {
	Minute time.Time        `json:"minute"`
	Counts map[string]int64 `json:"counts"`
}

type StatsResponse struct {
	Totals     map[string]int64 `json:"totals"`
	Minutes    []MinuteStats    `json:"minutes"`
	ServerTime time.Time        `json:"server_time"`
}

// HandleStats serves the cumulative decision counters and the per minute
// counters of the requested minute and the one before it. ?minute= takes an
// RFC 3339 time and defaults to now.
func (api *API) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := api.now().UTC()

	at := now
	if v := r.URL.Query().Get("minute"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			api.writeError(ctx, w, http.StatusBadRequest, "minute must be an RFC 3339 time")
			return
		}
		at = t.UTC()
	}
	at = at.Truncate(time.Minute)

	totals, err := api.opts.Stats.Totals(ctx)
	if err != nil {
		log.FromContext(ctx).Error(ctx, err, "stats read failed")
		api.writeError(ctx, w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	resp := StatsResponse{Totals: totals, ServerTime: now.Truncate(time.Second)}
	for _, m := range []time.Time{at, at.Add(-time.Minute)} {
		counts, err := api.opts.Stats.Minute(ctx, m)
		if err != nil {
			log.FromContext(ctx).Error(ctx, err, "stats read failed", "minute", m)
			api.writeError(ctx, w, http.StatusServiceUnavailable, "stats unavailable")
			return
		}
		resp.Minutes = append(resp.Minutes, MinuteStats{Minute: m, Counts: counts})
	}
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	api.writeJSON(ctx, w, status, map[string]string{"error": msg})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
