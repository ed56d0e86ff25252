// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import "time"

// Decision is the outcome of the classification pipeline for one request.
type Decision struct {
	// TierID is the selected capability tier.
	TierID string `json:"tier"`

	// Stage records which classifier produced the tier: 0 pattern rules,
	// 1 heuristic scorer, 2 model-assisted.
	Stage int `json:"stage"`

	// Confidence is the classifier's own certainty in [0,1]. Stage 0
	// always reports 1.0.
	Confidence float64 `json:"confidence"`

	// RuleID names the pattern rule that fired (stage 0 only).
	RuleID string `json:"rule_id,omitempty"`

	// Scores holds the normalized dimension scores (stage 1 and 2).
	Scores map[string]float64 `json:"scores,omitempty"`

	// Category is the label the assisted classifier returned (stage 2 only).
	Category string `json:"category,omitempty"`

	// Privacy marks the request as containing sensitive material. A privacy
	// decision always resolves to a privacy-eligible tier.
	Privacy bool `json:"privacy"`

	// Escalated is set when the saturation monitor upgraded a local tier
	// to a remote one; EscalatedTo holds the original local tier's
	// replacement target for the audit trail.
	Escalated   bool   `json:"escalated,omitempty"`
	EscalatedTo string `json:"escalated_to,omitempty"`

	// Elapsed is total classification time.
	Elapsed time.Duration `json:"-"`
}

// Config holds classification policy. Zero values are replaced by defaults.
type Config struct {
	// AmbiguousBelow is the stage-1 confidence floor; below it the
	// assisted classifier is consulted.
	AmbiguousBelow float64

	// PrivacyScoreFloor is the stage-1 privacy dimension score at or above
	// which the privacy flag is forced.
	PrivacyScoreFloor float64

	// PrivacyTier is the tier privacy requests land on when no other
	// privacy-eligible tier was chosen.
	PrivacyTier string

	// LongContextTier receives requests whose size exceeds every local
	// tier's context window.
	LongContextTier string

	// Targets of the remaining stage-0 rules.
	CodeTier    string
	WebTier     string
	TrivialTier string

	// LocalContextLimit is the context ceiling of the local tiers, in
	// tokens. Requests above it trip the long-context rule.
	LocalContextLimit int

	// Stage2Budget bounds the assisted classifier wall-clock time.
	Stage2Budget time.Duration

	// AssistConfidence is the confidence reported by a stage-2 decision.
	AssistConfidence float64

	// CategoryTiers maps assisted-classifier labels to tier IDs.
	CategoryTiers map[string]string

	// TierWeights holds the stage-1 affinity weights: tier ID -> dimension
	// name -> weight. Tiers absent from the map are not stage-1 candidates.
	TierWeights map[string]map[string]float64

	// Saturation policy.
	LoadedModelsThreshold int // resident model count that means saturated
	InFlightThreshold     int // concurrent local invocations that mean saturated
}

// DefaultConfig returns the stock classification policy for the default
// registry.
func DefaultConfig() Config {
	return Config{
		AmbiguousBelow:    0.60,
		PrivacyScoreFloor: 0.70,
		PrivacyTier:       "local-fast",
		LongContextTier:   "cloud-flash",
		CodeTier:          "local-coder",
		WebTier:           "cloud-cheap",
		TrivialTier:       "local-fast",
		LocalContextLimit: 8192,
		Stage2Budget:      1500 * time.Millisecond,
		AssistConfidence:  0.85,
		CategoryTiers: map[string]string{
			"SIMPLE":   "local-fast",
			"CODE":     "local-coder",
			"ANALYSIS": "cloud-smart",
			"SEARCH":   "cloud-cheap",
			"LONGCTX":  "cloud-flash",
			"PRIVATE":  "local-fast",
		},
		TierWeights:           DefaultTierWeights(),
		LoadedModelsThreshold: 2,
		InFlightThreshold:     4,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.AmbiguousBelow <= 0 {
		c.AmbiguousBelow = d.AmbiguousBelow
	}
	if c.PrivacyScoreFloor <= 0 {
		c.PrivacyScoreFloor = d.PrivacyScoreFloor
	}
	if c.PrivacyTier == "" {
		c.PrivacyTier = d.PrivacyTier
	}
	if c.LongContextTier == "" {
		c.LongContextTier = d.LongContextTier
	}
	if c.CodeTier == "" {
		c.CodeTier = d.CodeTier
	}
	if c.WebTier == "" {
		c.WebTier = d.WebTier
	}
	if c.TrivialTier == "" {
		c.TrivialTier = d.TrivialTier
	}
	if c.LocalContextLimit <= 0 {
		c.LocalContextLimit = d.LocalContextLimit
	}
	if c.Stage2Budget <= 0 {
		c.Stage2Budget = d.Stage2Budget
	}
	if c.AssistConfidence <= 0 {
		c.AssistConfidence = d.AssistConfidence
	}
	if c.CategoryTiers == nil {
		c.CategoryTiers = d.CategoryTiers
	}
	if c.TierWeights == nil {
		c.TierWeights = d.TierWeights
	}
	if c.LoadedModelsThreshold <= 0 {
		c.LoadedModelsThreshold = d.LoadedModelsThreshold
	}
	if c.InFlightThreshold <= 0 {
		c.InFlightThreshold = d.InFlightThreshold
	}
}

// Dimension names used in Decision.Scores and Config.TierWeights.
const (
	DimComplexity  = "complexity"
	DimTokenVolume = "token_volume"
	DimPrivacy     = "privacy"
	DimWebNeeded   = "web_needed"
	DimCodeTask    = "code_task"
)

// DefaultTierWeights are the stock stage-1 affinity weights for the default
// tier ladder. Positive weight means the dimension pulls requests toward the
// tier; negative pushes away.
func DefaultTierWeights() map[string]map[string]float64 {
	return map[string]map[string]float64{
		"local-fast": {
			DimComplexity:  -1.2,
			DimTokenVolume: -0.8,
			DimPrivacy:     0.6,
			DimWebNeeded:   -1.0,
			DimCodeTask:    -0.6,
			"bias":         0.9,
		},
		"local-primary": {
			DimComplexity:  0.3,
			DimTokenVolume: -0.4,
			DimPrivacy:     1.2,
			DimWebNeeded:   -1.0,
			DimCodeTask:    -0.3,
			"bias":         0.5,
		},
		"local-coder": {
			DimComplexity:  0.2,
			DimTokenVolume: -0.4,
			DimPrivacy:     0.8,
			DimWebNeeded:   -1.0,
			DimCodeTask:    1.4,
			"bias":         0.1,
		},
		"cloud-cheap": {
			DimComplexity:  0.1,
			DimTokenVolume: 0.3,
			DimPrivacy:     -2.0,
			DimWebNeeded:   1.4,
			DimCodeTask:    -0.2,
			"bias":         0.2,
		},
		"cloud-smart": {
			DimComplexity:  1.3,
			DimTokenVolume: 0.4,
			DimPrivacy:     -2.0,
			DimWebNeeded:   0.2,
			DimCodeTask:    0.4,
			"bias":         -0.3,
		},
		"cloud-flash": {
			DimComplexity:  0.2,
			DimTokenVolume: 1.4,
			DimPrivacy:     -2.0,
			DimWebNeeded:   0.4,
			DimCodeTask:    -0.1,
			"bias":         -0.2,
		},
		// The steep bias keeps cloud-pro reserved for prompts that combine
		// expert-level markers with real length; anything less stays on
		// cloud-smart.
		"cloud-pro": {
			DimComplexity:  2.3,
			DimTokenVolume: 0.3,
			DimPrivacy:     -2.0,
			DimWebNeeded:   -0.2,
			DimCodeTask:    0.3,
			"bias":         -1.25,
		},
	}
}
