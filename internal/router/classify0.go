// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"regexp"
)

// ============================================================================
// STAGE 0: PATTERN RULES
// ============================================================================

// patternRule is one compiled stage-0 rule. Rules are evaluated in slice
// order and the first match wins, so the privacy rules sit first and cannot
// be shadowed by anything after them.
type patternRule struct {
	id        string
	re        *regexp.Regexp
	tierID    string
	privacy   bool
	maxTokens int // rule only fires below this estimate; 0 means no cap
}

// PatternClassifier is the stage-0 classifier: a fixed, ordered rule set of
// compiled regular expressions. It does no I/O and never errors; a request
// either matches a rule or falls through to stage 1.
type PatternClassifier struct {
	cfg   Config
	rules []patternRule
}

// privacyMarkers match material that must never leave local hardware.
var privacyMarkers = regexp.MustCompile(`(?i)\b(private key|seed phrase|mnemonic|wallet secret|ssn|social security|medical record|password|credential|api key is|secret token)\b`)

// codeMarkers pair an action verb with a code artifact.
var codeMarkers = regexp.MustCompile(`(?i)\b(write|fix|debug|refactor|implement|generate|review|optimi[sz]e)\b.{0,60}\b(code|function|script|bug|class|method|test|regex|query|api|program)\b`)

// webMarkers indicate the answer depends on live data.
var webMarkers = regexp.MustCompile(`(?i)\b(latest|current|today|tonight|right now|news|weather|price of|stock price|search (the web|online) for|look up)\b`)

// trivialQuestion matches a short single question.
var trivialQuestion = regexp.MustCompile(`(?s)^.{1,50}\?$`)

// NewPatternClassifier compiles the stage-0 rule set for the given policy.
func NewPatternClassifier(cfg Config) *PatternClassifier {
	cfg.setDefaults()
	return &PatternClassifier{
		cfg: cfg,
		rules: []patternRule{
			{id: "privacy", re: privacyMarkers, tierID: cfg.PrivacyTier, privacy: true},
			{id: "code", re: codeMarkers, tierID: cfg.CodeTier},
			{id: "web", re: webMarkers, tierID: cfg.WebTier},
			{id: "trivial", re: trivialQuestion, tierID: cfg.TrivialTier, maxTokens: 100},
		},
	}
}

// Classify runs the rule set over text. estTokens is the request's estimated
// size including any declared context hint. Returns nil when no rule fires.
func (p *PatternClassifier) Classify(text string, estTokens int) *Decision {
	// Privacy first: the privacy rule must win over every other signal,
	// including the long-context escape below.
	if p.rules[0].re.MatchString(text) {
		return &Decision{
			TierID:     p.rules[0].tierID,
			Stage:      0,
			Confidence: 1.0,
			RuleID:     p.rules[0].id,
			Privacy:    true,
		}
	}

	// A request that cannot fit any local context window has only one
	// viable home regardless of what it says.
	if estTokens > p.cfg.LocalContextLimit {
		return &Decision{
			TierID:     p.cfg.LongContextTier,
			Stage:      0,
			Confidence: 1.0,
			RuleID:     "long_context",
		}
	}

	for _, rule := range p.rules[1:] {
		if rule.maxTokens > 0 && estTokens >= rule.maxTokens {
			// A short question dragging a large context along is not
			// trivial work.
			continue
		}
		if rule.re.MatchString(text) {
			return &Decision{
				TierID:     rule.tierID,
				Stage:      0,
				Confidence: 1.0,
				RuleID:     rule.id,
				Privacy:    rule.privacy,
			}
		}
	}
	return nil
}
