package policy

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

// Set is the input to a registry: everything a reload replaces at once.
type Set struct {
	Version string
	Source  string
	// Digest is the sha256 of the document the set was parsed from, empty for builtin sets.
	Digest    string
	Default   string
	Policies  []Policy
	Overrides []Override
}

// DefaultSet is a single catch-all policy, used when no policy document is configured.
func DefaultSet(quota, burst int64, window time.Duration) Set {
	return Set{
		Version: "builtin",
		Source:  "builtin",
		Default: "default",
		Policies: []Policy{{
			ID:     "default",
			Window: window,
			Quota:  quota,
			Burst:  burst,
		}},
	}
}

// Validate checks every policy and override and that the default exists.
func (s Set) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(s.Policies))
	for _, p := range s.Policies {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[p.ID] {
			errs = append(errs, &ValidationError{ID: p.ID, Err: errors.New("duplicate id")})
		}
		seen[p.ID] = true
	}
	for _, o := range s.Overrides {
		if err := o.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Default == "" {
		errs = append(errs, fmt.Errorf("%w: no default policy configured", ErrPolicyNotFound))
	} else if !seen[s.Default] {
		errs = append(errs, fmt.Errorf("%w: default policy %q is not defined", ErrPolicyNotFound, s.Default))
	}
	return errors.Join(errs...)
}

// Snapshot is an immutable, validated policy set.
type Snapshot struct {
	Version  string
	Source   string
	Digest   string
	LoadedAt time.Time

	def       Policy
	ordered   []Policy
	byID      map[string]Policy
	overrides []Override
}

func newSnapshot(s Set) (*Snapshot, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Version:   s.Version,
		Source:    s.Source,
		Digest:    s.Digest,
		LoadedAt:  time.Now().UTC(),
		byID:      make(map[string]Policy, len(s.Policies)),
		overrides: slices.Clone(s.Overrides),
	}
	for _, p := range s.Policies {
		snap.byID[p.ID] = p
		if p.ID == s.Default {
			snap.def = p
			continue
		}
		snap.ordered = append(snap.ordered, p)
	}
	// first match in this order wins
	slices.SortFunc(snap.ordered, func(a, b Policy) int {
		if ka, kb := a.Selector.Kind(), b.Selector.Kind(); ka != kb {
			return int(kb) - int(ka)
		}
		if a.Rank != b.Rank {
			return b.Rank - a.Rank
		}
		if na, nb := a.Selector.narrowness(), b.Selector.narrowness(); na != nb {
			return nb - na
		}
		return strings.Compare(a.ID, b.ID)
	})
	return snap, nil
}

// Resolve returns the single policy governing attrs, the default when nothing else matches.
func (s *Snapshot) Resolve(a Attributes) Policy {
	for _, p := range s.ordered {
		if p.Selector.Matches(a) {
			return p
		}
	}
	return s.def
}

// Default returns the default policy.
func (s *Snapshot) Default() Policy { return s.def }

// Policy looks up a policy by id.
func (s *Snapshot) Policy(id string) (Policy, bool) {
	p, ok := s.byID[id]
	return p, ok
}

// Policies returns every policy in resolution order, default last.
func (s *Snapshot) Policies() []Policy {
	out := make([]Policy, 0, len(s.ordered)+1)
	out = append(out, s.ordered...)
	return append(out, s.def)
}

// Overrides returns a copy of the override list.
func (s *Snapshot) Overrides() []Override { return slices.Clone(s.overrides) }

// MatchOverride reports the override that applies to attrs. Deny wins over allow.
func (s *Snapshot) MatchOverride(a Attributes) (Override, bool) {
	var allow *Override
	for i := range s.overrides {
		o := &s.overrides[i]
		if !o.Matches(a) {
			continue
		}
		if o.Effect == EffectDeny {
			return *o, true
		}
		if allow == nil {
			allow = o
		}
	}
	if allow != nil {
		return *allow, true
	}
	return Override{}, false
}

// Registry serves the current snapshot and replaces it wholesale on reload.
type Registry struct {
	active atomic.Pointer[Snapshot]
}

// NewRegistry fails when the set is invalid or has no default policy.
func NewRegistry(s Set) (*Registry, error) {
	snap, err := newSnapshot(s)
	if err != nil {
		return nil, xerrors.Wrap(err, "build policy registry")
	}
	r := &Registry{}
	r.active.Store(snap)
	return r, nil
}

// Swap validates s and atomically replaces the active snapshot.
// On error the previous snapshot stays active.
func (r *Registry) Swap(s Set) (*Snapshot, error) {
	snap, err := newSnapshot(s)
	if err != nil {
		return nil, xerrors.Wrap(err, "swap policy set")
	}
	r.active.Store(snap)
	return snap, nil
}

// Snapshot returns the active snapshot. Callers should take it once per request.
func (r *Registry) Snapshot() *Snapshot { return r.active.Load() }

// Resolve is shorthand for r.Snapshot().Resolve(a).
func (r *Registry) Resolve(a Attributes) Policy { return r.Snapshot().Resolve(a) }

// Version of the active snapshot.
func (r *Registry) Version() string { return r.Snapshot().Version }

// Digest of the active document.
func (r *Registry) Digest() string { return r.Snapshot().Digest }
