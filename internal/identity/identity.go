// Package identity turns request facts into the counter bucket a request is charged to.
package identity

import (
	"context"
	"net/netip"
	"strings"

	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
	"github.com/keithlinneman/linnemanlabs-admission/internal/policy"
)

// DefaultAnonymous is the bucket for requests with no usable identity.
const DefaultAnonymous = "anonymous"

// AnyEndpoint is the endpoint class of buckets that span every endpoint.
const AnyEndpoint = "*"

// RequestContext is what the integration layer knows about a request.
// Authentication happens upstream, Principal is taken as already verified.
type RequestContext struct {
	Principal string
	APIKeyID  string
	SourceIP  string
	// Endpoint is "METHOD /path".
	Endpoint string
	Tier     string
}

// Key names one counter bucket: scope|identity|endpoint-class.
type Key struct {
	Scope         string
	Identity      string
	EndpointClass string
}

func (k Key) String() string {
	return k.Scope + "|" + k.Identity + "|" + k.EndpointClass
}

// Resolution is the outcome of resolving one request against one snapshot.
type Resolution struct {
	Key      Key
	Policy   policy.Policy
	Attrs    policy.Attributes
	Snapshot *policy.Snapshot
	// Fallback is set when no identity could be derived and the anonymous bucket was used.
	Fallback bool
}

// Resolver maps a RequestContext to a Key and the governing policy.
type Resolver struct {
	registry   *policy.Registry
	anonymous  string
	onFallback func(rc RequestContext)
}

type Option func(*Resolver)

// WithAnonymousBucket names the shared bucket used when no identity resolves.
func WithAnonymousBucket(name string) Option {
	return func(r *Resolver) {
		if name = strings.TrimSpace(name); name != "" {
			r.anonymous = name
		}
	}
}

// WithOnFallback is called every time the anonymous bucket is used, used for metrics.
func WithOnFallback(fn func(rc RequestContext)) Option {
	return func(r *Resolver) {
		r.onFallback = fn
	}
}

func NewResolver(registry *policy.Registry, opts ...Option) *Resolver {
	r := &Resolver{
		registry:  registry,
		anonymous: DefaultAnonymous,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Attributes converts rc into policy match attributes.
func Attributes(rc RequestContext) policy.Attributes {
	return policy.Attributes{
		Endpoint:  strings.TrimSpace(rc.Endpoint),
		Tier:      strings.TrimSpace(rc.Tier),
		Principal: strings.TrimSpace(rc.Principal),
		APIKeyID:  strings.TrimSpace(rc.APIKeyID),
		IP:        parseIP(rc.SourceIP),
	}
}

// Resolve picks the identity (principal > api key > source ip > anonymous),
// resolves the policy against the active snapshot and builds the bucket key.
// It never fails, unusable identities land in the anonymous bucket.
func (r *Resolver) Resolve(ctx context.Context, rc RequestContext) Resolution {
	attrs := Attributes(rc)
	snap := r.registry.Snapshot()
	p := snap.Resolve(attrs)

	ident, fallback := r.identity(attrs)
	if fallback {
		log.FromContext(ctx).Debug(ctx, "key resolution fallback, using anonymous bucket",
			"bucket", r.anonymous,
			"endpoint", attrs.Endpoint,
			"source_ip", rc.SourceIP,
		)
		if r.onFallback != nil {
			r.onFallback(rc)
		}
	}

	class := AnyEndpoint
	if p.EndpointScoped() {
		class = sanitize(p.Selector.Endpoint)
	}

	return Resolution{
		Key: Key{
			Scope:         p.ID,
			Identity:      ident,
			EndpointClass: class,
		},
		Policy:   p,
		Attrs:    attrs,
		Snapshot: snap,
		Fallback: fallback,
	}
}

func (r *Resolver) identity(a policy.Attributes) (string, bool) {
	switch {
	case a.Principal != "":
		return "principal:" + sanitize(a.Principal), false
	case a.APIKeyID != "":
		return "apikey:" + sanitize(a.APIKeyID), false
	case a.IP.IsValid():
		return "ip:" + a.IP.String(), false
	default:
		return "anon:" + sanitize(r.anonymous), true
	}
}

// parseIP returns the zero Addr for empty, malformed or unspecified input.
func parseIP(s string) netip.Addr {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		s = ap.Addr().String()
	}
	a, err := netip.ParseAddr(s)
	if err != nil || a.IsUnspecified() {
		return netip.Addr{}
	}
	return a.Unmap().WithZone("")
}

// sanitize escapes the characters that carry meaning in bucket and store keys.
func sanitize(s string) string {
	if !strings.ContainsAny(s, "|{}% \t\r\n") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '|', '{', '}', '%', ' ', '\t', '\r', '\n':
			const hex = "0123456789ABCDEF"
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0xf])
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
