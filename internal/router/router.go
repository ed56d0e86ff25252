// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"log"
	"time"

	"github.com/jeranaias/rigroute/internal/audit"
	"github.com/jeranaias/rigroute/internal/backend"
	"github.com/jeranaias/rigroute/internal/registry"
	"github.com/jeranaias/rigroute/internal/tokens"
)

// ============================================================================
// PIPELINE
// ============================================================================

// Router runs the three-stage classification pipeline and the saturation
// check, producing a final tier decision for each request.
//
// Pipeline order is fixed: stage-0 pattern rules short-circuit everything;
// otherwise stage 1 scores the request, and only an ambiguous stage-1 result
// consults stage 2. The saturation monitor runs last. Whatever path a
// request takes, a privacy-flagged decision leaves this package pinned to a
// privacy-eligible tier.
type Router struct {
	cfg        Config
	reg        *registry.Registry
	pattern    *PatternClassifier
	scorer     *HeuristicScorer
	assist     *AssistedClassifier
	saturation *SaturationMonitor
	recorder   audit.Recorder
}

// New builds the pipeline. assist and saturation may be nil, which disables
// stage 2 and escalation respectively.
func New(cfg Config, reg *registry.Registry, assist *AssistedClassifier, saturation *SaturationMonitor, recorder audit.Recorder) *Router {
	cfg.setDefaults()
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Router{
		cfg:        cfg,
		reg:        reg,
		pattern:    NewPatternClassifier(cfg),
		scorer:     NewHeuristicScorer(cfg),
		assist:     assist,
		saturation: saturation,
		recorder:   recorder,
	}
}

// Classify resolves a request to a tier decision.
func (r *Router) Classify(ctx context.Context, req *backend.Request) *Decision {
	start := time.Now()
	est := tokens.EstimateRequest(req.Text, req.ContextHint)

	d := r.pattern.Classify(req.Text, est)
	if d == nil {
		d = r.scorer.Classify(req.Text, est)
		if r.assist != nil && r.scorer.Ambiguous(d) {
			d = r.assist.Classify(ctx, req.Text, d)
		}
	}

	// A caller-declared privacy override is as binding as a detected one.
	if req.PrivacyOverride {
		d.Privacy = true
	}

	if r.saturation != nil {
		r.saturation.MaybeEscalate(ctx, d, est)
	}

	r.enforcePrivacy(d)
	d.Elapsed = time.Since(start)

	log.Printf("ROUTE | request=%s stage=%d tier=%s conf=%.2f privacy=%t elapsed_ms=%d",
		req.ID, d.Stage, d.TierID, d.Confidence, d.Privacy, d.Elapsed.Milliseconds())
	r.record(req, d)
	return d
}

// enforcePrivacy is the final invariant check: a privacy decision must name
// a privacy-eligible tier no matter which stage produced it or what the
// category map says.
func (r *Router) enforcePrivacy(d *Decision) {
	if !d.Privacy {
		return
	}
	tier := r.reg.Tier(d.TierID)
	if tier != nil && tier.PrivacyEligible {
		return
	}
	d.TierID = r.cfg.PrivacyTier
	// Escalation to a remote tier is void for privacy requests.
	d.Escalated = false
	d.EscalatedTo = ""
}

func (r *Router) record(req *backend.Request, d *Decision) {
	r.recorder.Classification(audit.ClassificationRecord{
		RequestID:   req.ID,
		Origin:      req.Origin,
		Query:       audit.RedactQuery(req.Text),
		Stage:       d.Stage,
		TierID:      d.TierID,
		Confidence:  d.Confidence,
		RuleID:      d.RuleID,
		Privacy:     d.Privacy,
		Scores:      d.Scores,
		Escalated:   d.Escalated,
		EscalatedTo: d.EscalatedTo,
		ElapsedMs:   d.Elapsed.Milliseconds(),
		At:          time.Now().UTC(),
	})
}
