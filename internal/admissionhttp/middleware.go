// Package admissionhttp wires the decision gate into net/http.
//
// The middleware turns a request into an identity.RequestContext, asks the
// gate, publishes the quota headers and either forwards the request or answers
// 429. Authentication happens before this runs. The identity headers are
// only read when Options.TrustIdentityHeaders says an authenticating proxy
// sets them; otherwise they are removed and the caller is keyed by source ip.
package admissionhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-admission/internal/gate"
	"github.com/keithlinneman/linnemanlabs-admission/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-admission/internal/identity"
	"github.com/keithlinneman/linnemanlabs-admission/internal/limiter"
)

const (
	HeaderPrincipal = "X-Authenticated-Principal"
	HeaderTier      = "X-Identity-Tier"
	HeaderAPIKeyID  = "X-Api-Key-Id"

	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderPolicy    = "X-RateLimit-Policy"
	HeaderDegraded  = "X-RateLimit-Degraded"
)

// DefaultExemptPaths are never charged against a quota.
var DefaultExemptPaths = []string{"/-/healthy", "/-/ready", "/-/ping"}

// identityHeaders select the bucket and the policy, so clients must not be
// able to pick them.
var identityHeaders = []string{HeaderPrincipal, HeaderAPIKeyID, HeaderTier}

type Options struct {
	// ExemptPaths bypass admission entirely. nil means DefaultExemptPaths.
	// An entry ending in "*" matches every path with that prefix.
	ExemptPaths []string

	// TrustIdentityHeaders honors HeaderPrincipal, HeaderAPIKeyID and
	// HeaderTier. Leave false unless a proxy in front authenticates callers
	// and overwrites these headers; when false they are stripped before the
	// request goes upstream.
	TrustIdentityHeaders bool

	// PrincipalFromContext reads a principal placed in the context by an
	// in-process authn layer. Takes precedence over HeaderPrincipal.
	PrincipalFromContext func(ctx context.Context) string

	// OnDenied is called for every rejected request.
	OnDenied func(r *http.Request, d limiter.Decision)
}

type errorBody struct {
	Error             string `json:"error"`
	RetryAfterSeconds int64  `json:"retry_after_seconds"`
}

// Middleware rejects requests the gate denies with 429 and forwards the rest.
func Middleware(g gate.Checker, opts Options) func(http.Handler) http.Handler {
	exempt := opts.ExemptPaths
	if exempt == nil {
		exempt = DefaultExemptPaths
	}
	skip := newPathSet(exempt)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !opts.TrustIdentityHeaders {
				for _, h := range identityHeaders {
					r.Header.Del(h)
				}
			}
			if skip.match(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			d := g.Check(ctx, RequestContextFrom(r, opts))

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("admission.policy_id", d.PolicyID),
					attribute.Bool("admission.allowed", d.Allowed),
					attribute.Bool("admission.degraded", d.Degraded),
					attribute.String("admission.reason", string(d.Reason)),
				)
			}

			SetHeaders(w.Header(), d)
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			if opts.OnDenied != nil {
				opts.OnDenied(r, d)
			}
			WriteDenied(w, d)
		})
	}
}

// RequestContextFrom extracts the admission facts of r. The source ip comes
// from httpmw.ClientIP, so that middleware has to run first.
func RequestContextFrom(r *http.Request, opts Options) identity.RequestContext {
	rc := identity.RequestContext{
		SourceIP: httpmw.ClientIPFromContext(r.Context()),
		Endpoint: Endpoint(r),
	}
	if opts.PrincipalFromContext != nil {
		rc.Principal = opts.PrincipalFromContext(r.Context())
	}
	if opts.TrustIdentityHeaders {
		if rc.Principal == "" {
			rc.Principal = r.Header.Get(HeaderPrincipal)
		}
		rc.APIKeyID = r.Header.Get(HeaderAPIKeyID)
		rc.Tier = r.Header.Get(HeaderTier)
	}
	return rc
}

// pathSet matches exact paths and "prefix*" patterns.
type pathSet struct {
	exact    map[string]struct{}
	prefixes []string
}

func newPathSet(paths []string) pathSet {
	s := pathSet{exact: make(map[string]struct{}, len(paths))}
	for _, p := range paths {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			s.prefixes = append(s.prefixes, prefix)
			continue
		}
		s.exact[p] = struct{}{}
	}
	return s
}

func (s pathSet) match(path string) bool {
	if _, ok := s.exact[path]; ok {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Endpoint is "METHOD /path". A chi route pattern is preferred when routing
// already happened and the pattern is more specific than a catch-all.
func Endpoint(r *http.Request) string {
	p := r.URL.Path
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pat := rc.RoutePattern(); pat != "" && !strings.Contains(pat, "*") {
			p = pat
		}
	}
	if p == "" {
		p = "/"
	}
	return r.Method + " " + p
}

// SetHeaders publishes the quota state of d.
func SetHeaders(h http.Header, d limiter.Decision) {
	h.Set(HeaderLimit, strconv.FormatInt(d.Limit, 10))
	h.Set(HeaderRemaining, strconv.FormatInt(d.Remaining, 10))
	if d.PolicyID != "" {
		h.Set(HeaderPolicy, d.PolicyID)
	}
	if d.Degraded {
		h.Set(HeaderDegraded, "true")
	}
}

// RetryAfterSeconds rounds up to whole seconds, never less than one.
func RetryAfterSeconds(d time.Duration) int64 {
	s := int64((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

// WriteDenied answers 429 with a Retry-After header and a small JSON body.
func WriteDenied(w http.ResponseWriter, d limiter.Decision) {
	secs := RetryAfterSeconds(d.RetryAfter)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:             "too many requests",
		RetryAfterSeconds: secs,
	})
}
