package admissionhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-admission/internal/gate"
	"github.com/keithlinneman/linnemanlabs-admission/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-admission/internal/identity"
	"github.com/keithlinneman/linnemanlabs-admission/internal/limiter"
	"github.com/keithlinneman/linnemanlabs-admission/internal/policy"
	"github.com/keithlinneman/linnemanlabs-admission/internal/store"
)

// fakeChecker returns a fixed decision and records what it was asked.
type fakeChecker struct {
	mu       sync.Mutex
	decision limiter.Decision
	seen     []identity.RequestContext
}

func (f *fakeChecker) Check(_ context.Context, rc identity.RequestContext) limiter.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, rc)
	return f.decision
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("upstream"))
})

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	httpmw.ClientIP(h).ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_AllowedForwardsWithHeaders(t *testing.T) {
	fc := &fakeChecker{decision: limiter.Decision{Allowed: true, Limit: 10, Remaining: 7, PolicyID: "orders"}}
	h := Middleware(fc, Options{})(okHandler)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/v1/orders", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "upstream" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
	checks := map[string]string{
		HeaderLimit:     "10",
		HeaderRemaining: "7",
		HeaderPolicy:    "orders",
		HeaderDegraded:  "",
		"Retry-After":   "",
	}
	for k, want := range checks {
		if got := rec.Header().Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestMiddleware_DeniedWrites429(t *testing.T) {
	fc := &fakeChecker{decision: limiter.Decision{
		Allowed:    false,
		Limit:      5,
		RetryAfter: 1500 * time.Millisecond,
		PolicyID:   "default",
		Reason:     limiter.ReasonQuotaExceeded,
	}}
	var denied int
	h := Middleware(fc, Options{OnDenied: func(*http.Request, limiter.Decision) { denied++ }})(okHandler)

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/v1/orders", nil))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q, want 2", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json; charset=utf-8" {
		t.Fatalf("Content-Type = %q", got)
	}
	if got := rec.Header().Get(HeaderRemaining); got != "0" {
		t.Fatalf("remaining = %q, want 0", got)
	}

	var body struct {
		Error             string `json:"error"`
		RetryAfterSeconds int64  `json:"retry_after_seconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not json: %v (%q)", err, rec.Body.String())
	}
	if body.Error != "too many requests" || body.RetryAfterSeconds != 2 {
		t.Fatalf("body = %+v", body)
	}
	if denied != 1 {
		t.Fatalf("OnDenied calls = %d, want 1", denied)
	}
}

func TestMiddleware_DegradedHeader(t *testing.T) {
	fc := &fakeChecker{decision: limiter.Decision{Allowed: true, Degraded: true, Limit: 5, PolicyID: "default"}}
	rec := serve(Middleware(fc, Options{})(okHandler), httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Header().Get(HeaderDegraded) != "true" {
		t.Fatal("degraded header missing")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMiddleware_ExemptPaths(t *testing.T) {
	fc := &fakeChecker{decision: limiter.Decision{Allowed: false, RetryAfter: time.Second}}
	h := Middleware(fc, Options{})(okHandler)

	for _, p := range DefaultExemptPaths {
		rec := serve(h, httptest.NewRequest(http.MethodGet, p, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200", p, rec.Code)
		}
		if rec.Header().Get(HeaderLimit) != "" {
			t.Fatalf("%s: quota headers set on exempt path", p)
		}
	}
	if len(fc.seen) != 0 {
		t.Fatalf("gate consulted %d times for exempt paths", len(fc.seen))
	}

	// an explicit empty list exempts nothing
	h = Middleware(fc, Options{ExemptPaths: []string{}})(okHandler)
	if rec := serve(h, httptest.NewRequest(http.MethodGet, "/-/healthy", nil)); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestMiddleware_ExemptPrefix(t *testing.T) {
	fc := &fakeChecker{decision: limiter.Decision{Allowed: false, RetryAfter: time.Second}}
	h := Middleware(fc, Options{ExemptPaths: []string{"/-/ready", "/internal/*"}})(okHandler)

	tests := []struct {
		path string
		want int
	}{
		{"/-/ready", http.StatusOK},
		{"/-/ready/deep", http.StatusTooManyRequests},
		{"/internal/", http.StatusOK},
		{"/internal/jobs/7", http.StatusOK},
		{"/internals", http.StatusTooManyRequests},
		{"/v1/orders", http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		if rec := serve(h, httptest.NewRequest(http.MethodGet, tt.path, nil)); rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}

func TestMiddleware_BuildsRequestContext(t *testing.T) {
	fc := &fakeChecker{decision: limiter.Decision{Allowed: true}}
	h := Middleware(fc, Options{TrustIdentityHeaders: true})(okHandler)

	req := httptest.NewRequest(http.MethodDelete, "/v1/items/9", nil)
	req.RemoteAddr = "203.0.113.7:4444"
	req.Header.Set(HeaderPrincipal, "u1")
	req.Header.Set(HeaderAPIKeyID, "k1")
	req.Header.Set(HeaderTier, "gold")
	serve(h, req)

	want := identity.RequestContext{
		Principal: "u1",
		APIKeyID:  "k1",
		Tier:      "gold",
		SourceIP:  "203.0.113.7",
		Endpoint:  "DELETE /v1/items/9",
	}
	if len(fc.seen) != 1 || fc.seen[0] != want {
		t.Fatalf("request context = %+v, want %+v", fc.seen, want)
	}
}

func TestMiddleware_UntrustedIdentityHeaders(t *testing.T) {
	var upstreamSaw http.Header
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamSaw = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	})
	fc := &fakeChecker{decision: limiter.Decision{Allowed: true}}
	h := Middleware(fc, Options{})(upstream)

	req := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	req.RemoteAddr = "203.0.113.7:4444"
	req.Header.Set(HeaderPrincipal, "vip")
	req.Header.Set(HeaderAPIKeyID, "k1")
	req.Header.Set(HeaderTier, "enterprise")
	serve(h, req)

	want := identity.RequestContext{SourceIP: "203.0.113.7", Endpoint: "GET /v1/items"}
	if len(fc.seen) != 1 || fc.seen[0] != want {
		t.Fatalf("request context = %+v, want %+v", fc.seen, want)
	}
	for _, name := range []string{HeaderPrincipal, HeaderAPIKeyID, HeaderTier} {
		if v := upstreamSaw.Get(name); v != "" {
			t.Fatalf("%s forwarded upstream as %q", name, v)
		}
	}
}

func TestMiddleware_ForgedPrincipalsShareIPBucket(t *testing.T) {
	reg, err := policy.NewRegistry(policy.Set{
		Version:  "t",
		Default:  "default",
		Policies: []policy.Policy{{ID: "default", Window: time.Minute, Quota: 2}},
		Overrides: []policy.Override{
			{Identity: "principal:vip", Effect: policy.EffectAllow},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1_700_000_040, 0)
	ev := limiter.New(store.NewMemory(t.Context()), limiter.WithClock(func() time.Time { return now }))
	h := Middleware(gate.New(identity.NewResolver(reg), ev), Options{})(okHandler)

	admitted := 0
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
		req.RemoteAddr = "198.51.100.4:5000"
		req.Header.Set(HeaderPrincipal, "forged-"+strconv.Itoa(i))
		if i%2 == 0 {
			req.Header.Set(HeaderPrincipal, "vip")
		}
		if serve(h, req).Code == http.StatusOK {
			admitted++
		}
	}
	if admitted != 2 {
		t.Fatalf("admitted %d of 50, want the ip quota of 2", admitted)
	}
}

func TestMiddleware_PrincipalFromContextWins(t *testing.T) {
	type principalKey struct{}
	fc := &fakeChecker{decision: limiter.Decision{Allowed: true}}
	h := Middleware(fc, Options{
		PrincipalFromContext: func(ctx context.Context) string {
			s, _ := ctx.Value(principalKey{}).(string)
			return s
		},
	})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderPrincipal, "from-header")
	req = req.WithContext(context.WithValue(req.Context(), principalKey{}, "from-ctx"))
	serve(h, req)

	if fc.seen[0].Principal != "from-ctx" {
		t.Fatalf("principal = %q, want from-ctx", fc.seen[0].Principal)
	}
}

func TestEndpoint_ChiPattern(t *testing.T) {
	var got []string
	r := chi.NewRouter()
	capture := func(w http.ResponseWriter, r *http.Request) { got = append(got, Endpoint(r)) }
	r.Get("/v1/users/{id}", capture)
	r.Get("/*", capture)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/users/42", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/static/app.js", nil))

	want := []string{"GET /v1/users/{id}", "GET /static/app.js"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("endpoints = %v, want %v", got, want)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int64
	}{
		{0, 1},
		{time.Millisecond, 1},
		{time.Second, 1},
		{1001 * time.Millisecond, 2},
		{60 * time.Second, 60},
	}
	for _, tt := range tests {
		if got := RetryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("RetryAfterSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

// end to end through the real gate and an in-memory store

func TestMiddleware_WithGate(t *testing.T) {
	reg, err := policy.NewRegistry(policy.Set{
		Version: "t",
		Default: "default",
		Policies: []policy.Policy{
			{ID: "default", Window: time.Minute, Quota: 100},
			{ID: "orders", Window: time.Minute, Quota: 2, Selector: policy.Selector{Endpoint: "POST /v1/orders"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1_700_000_040, 0)
	ev := limiter.New(store.NewMemory(context.Background()), limiter.WithClock(func() time.Time { return now }))
	g := gate.New(identity.NewResolver(reg), ev)
	h := Middleware(g, Options{TrustIdentityHeaders: true})(okHandler)

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/orders", nil)
		req.Header.Set(HeaderPrincipal, "u1")
		return serve(h, req)
	}

	for i, want := range []string{"1", "0"} {
		rec := post()
		if rec.Code != http.StatusOK || rec.Header().Get(HeaderRemaining) != want {
			t.Fatalf("request %d: status = %d remaining = %q", i+1, rec.Code, rec.Header().Get(HeaderRemaining))
		}
	}
	rec := post()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q, want 60", rec.Header().Get("Retry-After"))
	}

	// a different endpoint falls to the default policy and its own bucket
	req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	req.Header.Set(HeaderPrincipal, "u1")
	if rec := serve(h, req); rec.Code != http.StatusOK || rec.Header().Get(HeaderPolicy) != "default" {
		t.Fatalf("GET: status = %d policy = %q", rec.Code, rec.Header().Get(HeaderPolicy))
	}
}
