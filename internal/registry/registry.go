// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry holds the capability registry: the fixed set of tiers and
// backends the router can resolve to.
//
// The registry is built once at startup from configuration and is read-only
// afterwards. Fallback chains are part of the registry, so candidate order
// never changes at runtime.
package registry

import (
	"fmt"
	"sort"
	"strings"
)

// ============================================================================
// BACKEND
// ============================================================================

// Provider identifies the client used to reach a backend.
type Provider string

const (
	ProviderOllama     Provider = "ollama"
	ProviderOpenRouter Provider = "openrouter"
)

// Backend is a single invocable model endpoint.
type Backend struct {
	ID       string
	Provider Provider
	Model    string
}

// ============================================================================
// TIER
// ============================================================================

// Class separates on-box backends from paid remote ones.
type Class string

const (
	ClassLocal  Class = "local"
	ClassRemote Class = "remote"
)

// Tier is a named capability level. A classification decision resolves to a
// tier; the dispatcher walks the tier's backend chain in order.
type Tier struct {
	ID               string
	Class            Class
	PrivacyEligible  bool
	MaxContextTokens int
	CostWeight       float64
	SpeedWeight      float64
	// Backends is the ordered fallback chain. Index 0 is the preferred
	// backend; later entries are tried only after earlier ones fail.
	Backends []string
}

// IsLocal reports whether the tier runs entirely on local hardware.
func (t *Tier) IsLocal() bool {
	return t.Class == ClassLocal
}

// ============================================================================
// REGISTRY
// ============================================================================

// Registry resolves tier and backend IDs. Immutable after Build.
type Registry struct {
	tiers    map[string]*Tier
	backends map[string]*Backend
	order    []string // tier IDs in declaration order
}

// Build constructs a registry from declared tiers and backends and validates
// the cross-references. Tiers keep their declaration order.
func Build(tiers []Tier, backends []Backend) (*Registry, error) {
	r := &Registry{
		tiers:    make(map[string]*Tier, len(tiers)),
		backends: make(map[string]*Backend, len(backends)),
		order:    make([]string, 0, len(tiers)),
	}
	for i := range backends {
		b := backends[i]
		if b.ID == "" {
			return nil, fmt.Errorf("backend %d: missing id", i)
		}
		if _, dup := r.backends[b.ID]; dup {
			return nil, fmt.Errorf("backend %q: duplicate id", b.ID)
		}
		if b.Provider != ProviderOllama && b.Provider != ProviderOpenRouter {
			return nil, fmt.Errorf("backend %q: unknown provider %q", b.ID, b.Provider)
		}
		if b.Model == "" {
			return nil, fmt.Errorf("backend %q: missing model", b.ID)
		}
		r.backends[b.ID] = &b
	}
	for i := range tiers {
		t := tiers[i]
		if t.ID == "" {
			return nil, fmt.Errorf("tier %d: missing id", i)
		}
		if _, dup := r.tiers[t.ID]; dup {
			return nil, fmt.Errorf("tier %q: duplicate id", t.ID)
		}
		if err := r.validateTier(&t); err != nil {
			return nil, err
		}
		r.tiers[t.ID] = &t
		r.order = append(r.order, t.ID)
	}
	return r, nil
}

func (r *Registry) validateTier(t *Tier) error {
	if t.Class != ClassLocal && t.Class != ClassRemote {
		return fmt.Errorf("tier %q: unknown class %q", t.ID, t.Class)
	}
	if len(t.Backends) == 0 {
		return fmt.Errorf("tier %q: empty backend chain", t.ID)
	}
	if t.MaxContextTokens <= 0 {
		return fmt.Errorf("tier %q: max_context_tokens must be positive", t.ID)
	}
	// Privacy eligibility is a property of where the data goes, so a
	// privacy-eligible tier must never hold a remote backend.
	if t.PrivacyEligible && t.Class != ClassLocal {
		return fmt.Errorf("tier %q: privacy-eligible tiers must be local", t.ID)
	}
	seen := make(map[string]bool, len(t.Backends))
	for _, id := range t.Backends {
		b, ok := r.backends[id]
		if !ok {
			return fmt.Errorf("tier %q: unknown backend %q in chain", t.ID, id)
		}
		if seen[id] {
			return fmt.Errorf("tier %q: backend %q repeated in chain", t.ID, id)
		}
		seen[id] = true
		// A local tier falling back to a paid remote backend (or the
		// reverse) would silently change cost and privacy posture.
		if t.Class == ClassLocal && b.Provider != ProviderOllama {
			return fmt.Errorf("tier %q: local tier references remote backend %q", t.ID, id)
		}
		if t.Class == ClassRemote && b.Provider == ProviderOllama {
			return fmt.Errorf("tier %q: remote tier references local backend %q", t.ID, id)
		}
	}
	return nil
}

// Tier returns the tier with the given ID, or nil.
func (r *Registry) Tier(id string) *Tier {
	return r.tiers[id]
}

// Backend returns the backend with the given ID, or nil.
func (r *Registry) Backend(id string) *Backend {
	return r.backends[id]
}

// Tiers returns all tiers in declaration order.
func (r *Registry) Tiers() []*Tier {
	out := make([]*Tier, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tiers[id])
	}
	return out
}

// TierIDs returns the declared tier IDs in order.
func (r *Registry) TierIDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// CheapestRemote returns the lowest-cost remote tier whose context ceiling
// covers minContext tokens. Used by saturation escalation, which must pick a
// paid tier able to hold the request. Returns nil if no remote tier fits.
func (r *Registry) CheapestRemote(minContext int) *Tier {
	var candidates []*Tier
	for _, id := range r.order {
		t := r.tiers[id]
		if t.Class == ClassRemote && t.MaxContextTokens >= minContext {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CostWeight < candidates[j].CostWeight
	})
	return candidates[0]
}

// String summarizes the registry for startup logging.
func (r *Registry) String() string {
	var b strings.Builder
	for i, id := range r.order {
		if i > 0 {
			b.WriteString(", ")
		}
		t := r.tiers[id]
		fmt.Fprintf(&b, "%s(%s x%d)", id, t.Class, len(t.Backends))
	}
	return b.String()
}
