// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"log"
	"time"

	"github.com/jeranaias/rigroute/internal/registry"
)

// ============================================================================
// SATURATION MONITOR
// ============================================================================

// Load is one snapshot of local inference pressure.
type Load struct {
	// LoadedModels is how many models the local server holds resident.
	LoadedModels int
	// InFlight is how many local invocations this process is running.
	InFlight int64
}

// LoadSampler reports current local load. The Ollama client provides the
// resident-model count; the dispatcher provides the in-flight gauge.
type LoadSampler interface {
	SampleLoad(ctx context.Context) (Load, error)
}

// SaturationMonitor upgrades local decisions to the cheapest capable remote
// tier when local hardware is overloaded. It is the only component allowed
// to change a decision after classification, and it never touches privacy
// requests.
type SaturationMonitor struct {
	cfg     Config
	reg     *registry.Registry
	sampler LoadSampler
}

// NewSaturationMonitor builds a monitor. A nil sampler disables escalation.
func NewSaturationMonitor(cfg Config, reg *registry.Registry, sampler LoadSampler) *SaturationMonitor {
	cfg.setDefaults()
	return &SaturationMonitor{cfg: cfg, reg: reg, sampler: sampler}
}

// MaybeEscalate applies the saturation policy to a finished decision.
// Escalation is upgrade-only (local to remote, never the reverse), skipped
// entirely for privacy requests, and skipped when no remote tier can hold
// the request's context.
func (m *SaturationMonitor) MaybeEscalate(ctx context.Context, d *Decision, estTokens int) {
	if m.sampler == nil || d.Privacy {
		return
	}
	tier := m.reg.Tier(d.TierID)
	if tier == nil || !tier.IsLocal() {
		return
	}

	sampleCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	load, err := m.sampler.SampleLoad(sampleCtx)
	cancel()
	if err != nil {
		// Sampling failure means no signal, not saturation.
		return
	}
	if load.LoadedModels < m.cfg.LoadedModelsThreshold && load.InFlight < int64(m.cfg.InFlightThreshold) {
		return
	}

	target := m.reg.CheapestRemote(estTokens)
	if target == nil {
		return
	}

	log.Printf("SATURATE | from=%s to=%s loaded=%d in_flight=%d",
		d.TierID, target.ID, load.LoadedModels, load.InFlight)
	d.Escalated = true
	d.EscalatedTo = target.ID
	d.TierID = target.ID
}
