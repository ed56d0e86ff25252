// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"sort"
	"strings"
)

// ============================================================================
// STAGE 1: HEURISTIC SCORER
// ============================================================================

// HeuristicScorer is the stage-1 classifier. It measures a request along
// five normalized dimensions, combines them with fixed per-tier affinity
// weights, and derives confidence from the margin between the top two tiers.
type HeuristicScorer struct {
	cfg       Config
	tierOrder []string // stable iteration order over cfg.TierWeights
}

// NewHeuristicScorer builds a scorer from policy.
func NewHeuristicScorer(cfg Config) *HeuristicScorer {
	cfg.setDefaults()
	order := make([]string, 0, len(cfg.TierWeights))
	for id := range cfg.TierWeights {
		order = append(order, id)
	}
	sort.Strings(order)
	return &HeuristicScorer{cfg: cfg, tierOrder: order}
}

// complexityMarkers escalate the complexity dimension. Buckets mirror the
// kind of work each band of models handles well.
var (
	expertMarkers = []string{
		"architect", "design pattern", "trade-off", "tradeoff", "pros and cons",
		"best approach", "in depth", "comprehensive", "formally",
	}
	complexMarkers = []string{
		"explain", "compare", "analyze", "analyse", "summarize", "summarise",
		"implement", "refactor", "review", "prove", "derive", "step by step",
	}
	moderateMarkers = []string{"how", "why", "debug", "fix", "describe"}
)

var privacySoftMarkers = []string{
	"my ssn", "my social", "my password", "my medical", "my diagnosis",
	"confidential", "do not share", "don't share", "internal only",
	"proprietary", "nda", "salary", "bank account",
}

var webSoftMarkers = []string{
	"latest", "current", "today", "news", "weather", "price", "stock",
	"look up", "search", "release date", "who won",
}

var codeSoftMarkers = []string{
	"code", "function", "bug", "compile", "script", "regex", "sql",
	"stack trace", "exception", "unit test", "refactor", "api",
}

// Score measures text and returns the dimension scores, each in [0,1].
func (h *HeuristicScorer) Score(text string, estTokens int) map[string]float64 {
	q := strings.ToLower(text)
	words := len(strings.Fields(q))

	return map[string]float64{
		DimComplexity:  h.complexity(q, words),
		DimTokenVolume: clamp01(float64(estTokens) / float64(h.cfg.LocalContextLimit)),
		DimPrivacy:     markerScore(q, privacySoftMarkers, 0.5),
		DimWebNeeded:   markerScore(q, webSoftMarkers, 0.5),
		DimCodeTask:    markerScore(q, codeSoftMarkers, 0.4),
	}
}

func (h *HeuristicScorer) complexity(q string, words int) float64 {
	base := 0.1
	switch {
	case containsAny(q, expertMarkers):
		base = 0.9
	case containsAny(q, complexMarkers):
		base = 0.6
	case containsAny(q, moderateMarkers):
		base = 0.35
	}
	// Long prompts drift upward even without keywords.
	if words > 150 {
		base += 0.2
	} else if words > 50 {
		base += 0.1
	}
	return clamp01(base)
}

// Classify scores the request and picks the tier with the highest weighted
// affinity. Confidence comes from the top-two margin: a clear winner is a
// confident call, a near-tie is ambiguous.
func (h *HeuristicScorer) Classify(text string, estTokens int) *Decision {
	scores := h.Score(text, estTokens)
	privacy := scores[DimPrivacy] >= h.cfg.PrivacyScoreFloor

	type ranked struct {
		tierID   string
		affinity float64
	}
	var table []ranked
	for _, tierID := range h.tierOrder {
		weights := h.cfg.TierWeights[tierID]
		a := weights["bias"]
		for dim, w := range weights {
			if dim == "bias" {
				continue
			}
			a += w * scores[dim]
		}
		table = append(table, ranked{tierID: tierID, affinity: a})
	}
	sort.SliceStable(table, func(i, j int) bool { return table[i].affinity > table[j].affinity })

	best, margin := table[0], 1.0
	if len(table) > 1 {
		margin = best.affinity - table[1].affinity
	}

	return &Decision{
		TierID:     best.tierID,
		Stage:      1,
		Confidence: marginConfidence(margin),
		Scores:     scores,
		Privacy:    privacy,
	}
}

// Ambiguous reports whether a stage-1 decision is uncertain enough to
// consult the assisted classifier.
func (h *HeuristicScorer) Ambiguous(d *Decision) bool {
	return d.Confidence < h.cfg.AmbiguousBelow
}

// marginConfidence maps an affinity margin onto [0.5, 0.95]. The bounds keep
// stage 1 from ever claiming stage-0 certainty.
func marginConfidence(margin float64) float64 {
	c := 0.5 + margin
	if c > 0.95 {
		c = 0.95
	}
	if c < 0.5 {
		c = 0.5
	}
	return c
}

func markerScore(q string, markers []string, perHit float64) float64 {
	var s float64
	for _, m := range markers {
		if strings.Contains(q, m) {
			s += perHit
		}
	}
	return clamp01(s)
}

func containsAny(q string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(q, m) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
