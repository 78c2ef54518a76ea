package policy

import (
	"bytes"
	"errors"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

// Document is the on-disk form of a policy set. JSON is accepted too since
// it is valid YAML.
//
//	version: "2026-10-01"
//	default_policy: default
//	policies:
//	  - id: default
//	    window: 60s
//	    quota: 100
//	    burst: 20
//	  - id: orders-write
//	    endpoint: "POST /v1/orders"
//	    tier: free
//	    window: 1m
//	    quota: 10
//	overrides:
//	  - identity: principal:ops-bot
//	    effect: allow
//	  - cidr: 203.0.113.0/24
//	    effect: deny
type Document struct {
	Version       string        `yaml:"version" json:"version"`
	DefaultPolicy string        `yaml:"default_policy" json:"default_policy"`
	Policies      []PolicyDoc   `yaml:"policies" json:"policies"`
	Overrides     []OverrideDoc `yaml:"overrides,omitempty" json:"overrides,omitempty"`
}

type PolicyDoc struct {
	ID       string `yaml:"id" json:"id"`
	Window   string `yaml:"window" json:"window"`
	Quota    int64  `yaml:"quota" json:"quota"`
	Burst    int64  `yaml:"burst,omitempty" json:"burst,omitempty"`
	Rank     int    `yaml:"rank,omitempty" json:"rank,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Tier     string `yaml:"tier,omitempty" json:"tier,omitempty"`
}

type OverrideDoc struct {
	Identity string `yaml:"identity,omitempty" json:"identity,omitempty"`
	CIDR     string `yaml:"cidr,omitempty" json:"cidr,omitempty"`
	Effect   string `yaml:"effect" json:"effect"`
}

// ParseDocument decodes and validates a policy document. Unknown fields are rejected.
func ParseDocument(data []byte) (Set, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Set{}, xerrors.New("policy document is empty")
		}
		return Set{}, xerrors.Wrap(err, "decode policy document")
	}
	set, err := doc.Set()
	if err != nil {
		return Set{}, err
	}
	if err := set.Validate(); err != nil {
		return Set{}, xerrors.Wrap(err, "validate policy document")
	}
	return set, nil
}

// Set converts the document into a Set without validating invariants.
func (d Document) Set() (Set, error) {
	var errs []error
	set := Set{
		Version: d.Version,
		Default: d.DefaultPolicy,
	}
	for _, pd := range d.Policies {
		w, err := parseWindow(pd.Window)
		if err != nil {
			errs = append(errs, &ValidationError{ID: pd.ID, Err: err})
			continue
		}
		set.Policies = append(set.Policies, Policy{
			ID:     strings.TrimSpace(pd.ID),
			Window: w,
			Quota:  pd.Quota,
			Burst:  pd.Burst,
			Rank:   pd.Rank,
			Selector: Selector{
				Endpoint: strings.TrimSpace(pd.Endpoint),
				Tier:     strings.TrimSpace(pd.Tier),
			},
		})
	}
	for _, od := range d.Overrides {
		o := Override{
			Identity: strings.TrimSpace(od.Identity),
			Effect:   Effect(strings.ToLower(strings.TrimSpace(od.Effect))),
		}
		if od.CIDR != "" {
			pfx, err := parsePrefix(od.CIDR)
			if err != nil {
				errs = append(errs, &ValidationError{ID: "override " + od.CIDR, Err: err})
				continue
			}
			o.CIDR = pfx
		}
		set.Overrides = append(set.Overrides, o)
	}
	if len(errs) > 0 {
		return Set{}, xerrors.Wrap(errors.Join(errs...), "convert policy document")
	}
	return set, nil
}

// parseWindow accepts a Go duration ("90s", "1m") or whole seconds ("60").
func parseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("window is required")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, xerrors.Newf("window %q is not a duration", s)
	}
	return time.Duration(secs) * time.Second, nil
}

// parsePrefix accepts a CIDR or a single address.
func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, xerrors.Wrapf(err, "parse cidr %q", s)
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, xerrors.Wrapf(err, "parse address %q", s)
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// Document renders the snapshot back into its document form.
func (s *Snapshot) Document() Document {
	doc := Document{
		Version:       s.Version,
		DefaultPolicy: s.def.ID,
	}
	for _, p := range s.Policies() {
		doc.Policies = append(doc.Policies, PolicyDoc{
			ID:       p.ID,
			Window:   p.Window.String(),
			Quota:    p.Quota,
			Burst:    p.Burst,
			Rank:     p.Rank,
			Endpoint: p.Selector.Endpoint,
			Tier:     p.Selector.Tier,
		})
	}
	for _, o := range s.overrides {
		od := OverrideDoc{Identity: o.Identity, Effect: string(o.Effect)}
		if o.CIDR.IsValid() {
			od.CIDR = o.CIDR.String()
		}
		doc.Overrides = append(doc.Overrides, od)
	}
	return doc
}
