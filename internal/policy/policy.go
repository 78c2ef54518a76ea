// Package policy holds quota policies and the registry that selects one per request.
//
// A registry serves an immutable snapshot. Reloads build a complete new
// snapshot and swap it in atomically, so a request always sees one consistent
// set of policies and overrides.
package policy

import (
	"errors"
	"math"
	"net/netip"
	"strings"
	"time"
)

var (
	// ErrPolicyNotFound is returned when a policy set has no usable default policy.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrInvalidPolicy is matched by every validation failure.
	ErrInvalidPolicy = errors.New("invalid policy")
)

// Kind is the scope of a selector. Higher values are more specific.
type Kind int

const (
	KindWildcard Kind = iota
	KindTier
	KindEndpoint
	KindEndpointTier
)

func (k Kind) String() string {
	switch k {
	case KindWildcard:
		return "wildcard"
	case KindTier:
		return "tier"
	case KindEndpoint:
		return "endpoint"
	case KindEndpointTier:
		return "endpoint+tier"
	default:
		return "unknown"
	}
}

// Selector decides which requests a policy applies to.
//
// Endpoint is "[METHOD ]PATH" where PATH is exact ("/v1/orders") or a
// prefix ending in "*" ("/v1/*"). Empty or "*" matches every endpoint.
// Tier is matched exactly, empty or "*" matches every tier.
type Selector struct {
	Endpoint string
	Tier     string
}

func isAny(s string) bool { return s == "" || s == "*" }

// Kind reports which variant this selector is.
func (s Selector) Kind() Kind {
	switch {
	case !isAny(s.Endpoint) && !isAny(s.Tier):
		return KindEndpointTier
	case !isAny(s.Endpoint):
		return KindEndpoint
	case !isAny(s.Tier):
		return KindTier
	default:
		return KindWildcard
	}
}

// Matches reports whether the selector covers attrs.
func (s Selector) Matches(a Attributes) bool {
	if !isAny(s.Tier) && s.Tier != a.Tier {
		return false
	}
	if isAny(s.Endpoint) {
		return true
	}
	return matchEndpoint(s.Endpoint, a.Endpoint)
}

// narrowness ranks endpoint patterns that matched the same request:
// exact beats prefix, longer prefix beats shorter, method-bound beats any method.
func (s Selector) narrowness() int {
	if isAny(s.Endpoint) {
		return 0
	}
	method, path := splitEndpoint(s.Endpoint)
	score := 0
	if p, ok := strings.CutSuffix(path, "*"); ok {
		score = len(p) << 1
	} else {
		score = 1<<30 + len(path)<<1
	}
	if method != "" {
		score++
	}
	return score
}

// splitEndpoint splits "GET /x" into ("GET", "/x"); "/x" has no method.
func splitEndpoint(e string) (method, path string) {
	e = strings.TrimSpace(e)
	if i := strings.IndexByte(e, ' '); i > 0 {
		return strings.ToUpper(e[:i]), strings.TrimSpace(e[i+1:])
	}
	return "", e
}

func matchEndpoint(pattern, endpoint string) bool {
	pm, pp := splitEndpoint(pattern)
	em, ep := splitEndpoint(endpoint)
	if pm != "" && pm != em {
		return false
	}
	if prefix, ok := strings.CutSuffix(pp, "*"); ok {
		return strings.HasPrefix(ep, prefix)
	}
	return pp == ep
}

// Policy is one quota rule. Immutable once loaded.
type Policy struct {
	ID       string
	Window   time.Duration
	Quota    int64
	Burst    int64
	Selector Selector
	// Rank breaks ties between selectors of the same kind, higher wins.
	Rank int
}

// Limit is the effective ceiling compared against the window estimate.
func (p Policy) Limit() int64 { return p.Quota + p.Burst }

// EndpointScoped reports whether counts are kept per endpoint pattern.
func (p Policy) EndpointScoped() bool { return !isAny(p.Selector.Endpoint) }

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	var errs []error
	if strings.TrimSpace(p.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.ContainsAny(p.ID, "|{}") {
		errs = append(errs, errors.New("id must not contain '|', '{' or '}'"))
	}
	if p.Quota < 1 {
		errs = append(errs, errors.New("quota must be >= 1"))
	}
	switch {
	case p.Window <= 0:
		errs = append(errs, errors.New("window must be > 0"))
	case p.Window%time.Millisecond != 0:
		// counters are keyed by millisecond window starts
		errs = append(errs, errors.New("window must be a whole number of milliseconds"))
	}
	if p.Burst < 0 {
		errs = append(errs, errors.New("burst must be >= 0"))
	} else if p.Quota > math.MaxInt64-p.Burst {
		errs = append(errs, errors.New("quota + burst overflows"))
	}
	if !isAny(p.Selector.Endpoint) {
		_, path := splitEndpoint(p.Selector.Endpoint)
		if !strings.HasPrefix(path, "/") {
			errs = append(errs, errors.New("endpoint path must start with '/'"))
		}
		if i := strings.IndexByte(path, '*'); i >= 0 && i != len(path)-1 {
			errs = append(errs, errors.New("'*' is only allowed at the end of an endpoint"))
		}
	}
	if len(errs) > 0 {
		return &ValidationError{ID: p.ID, Err: errors.Join(errs...)}
	}
	return nil
}

// ValidationError names the policy or override that failed validation.
type ValidationError struct {
	ID  string
	Err error
}

func (e *ValidationError) Error() string {
	if e.ID == "" {
		return "invalid policy: " + e.Err.Error()
	}
	return "invalid policy " + e.ID + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidPolicy }

// Attributes are the request facts policies and overrides are matched against.
type Attributes struct {
	Endpoint  string
	Tier      string
	Principal string
	APIKeyID  string
	IP        netip.Addr
}

// Effect of a matching override.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Override forces a decision for matching identities without touching counters.
// Every condition that is set must match.
type Override struct {
	// Identity is kind qualified: "principal:<id>" or "apikey:<id>".
	Identity string
	CIDR     netip.Prefix
	Effect   Effect
}

func (o Override) Matches(a Attributes) bool {
	if o.Identity == "" && !o.CIDR.IsValid() {
		return false
	}
	if o.Identity != "" {
		kind, id, _ := strings.Cut(o.Identity, ":")
		switch kind {
		case "principal":
			if a.Principal == "" || a.Principal != id {
				return false
			}
		case "apikey":
			if a.APIKeyID == "" || a.APIKeyID != id {
				return false
			}
		default:
			return false
		}
	}
	if o.CIDR.IsValid() {
		if !a.IP.IsValid() || !o.CIDR.Contains(a.IP.Unmap()) {
			return false
		}
	}
	return true
}

func (o Override) Validate() error {
	var errs []error
	if o.Effect != EffectAllow && o.Effect != EffectDeny {
		errs = append(errs, errors.New("effect must be allow or deny"))
	}
	if o.Identity == "" && !o.CIDR.IsValid() {
		errs = append(errs, errors.New("override needs an identity or a cidr"))
	}
	if o.Identity != "" {
		kind, id, ok := strings.Cut(o.Identity, ":")
		if !ok || id == "" || (kind != "principal" && kind != "apikey") {
			errs = append(errs, errors.New("identity must be principal:<id> or apikey:<id>"))
		}
	}
	if len(errs) > 0 {
		return &ValidationError{ID: "override " + o.String(), Err: errors.Join(errs...)}
	}
	return nil
}

func (o Override) String() string {
	var parts []string
	if o.Identity != "" {
		parts = append(parts, o.Identity)
	}
	if o.CIDR.IsValid() {
		parts = append(parts, o.CIDR.String())
	}
	return string(o.Effect) + "(" + strings.Join(parts, ",") + ")"
}
