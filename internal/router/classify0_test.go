// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"testing"
)

func TestPatternClassifier(t *testing.T) {
	p := NewPatternClassifier(DefaultConfig())

	tests := []struct {
		name        string
		text        string
		estTokens   int
		wantTier    string
		wantRule    string
		wantPrivacy bool
		wantMiss    bool
	}{
		{
			name:        "ssn_goes_local",
			text:        "what's my SSN on file",
			estTokens:   10,
			wantTier:    "local-fast",
			wantRule:    "privacy",
			wantPrivacy: true,
		},
		{
			name:        "seed_phrase_goes_local",
			text:        "help me recover my wallet, here is the seed phrase",
			estTokens:   15,
			wantTier:    "local-fast",
			wantRule:    "privacy",
			wantPrivacy: true,
		},
		{
			name:        "privacy_beats_code_intent",
			text:        "write a function to store my password somewhere safe",
			estTokens:   12,
			wantTier:    "local-fast",
			wantRule:    "privacy",
			wantPrivacy: true,
		},
		{
			name:        "privacy_beats_long_context",
			text:        "summarize this medical record",
			estTokens:   50000,
			wantTier:    "local-fast",
			wantRule:    "privacy",
			wantPrivacy: true,
		},
		{
			name:      "oversized_request_goes_long_context",
			text:      "summarize the attached novel",
			estTokens: 50000,
			wantTier:  "cloud-flash",
			wantRule:  "long_context",
		},
		{
			name:      "code_intent_pair",
			text:      "fix the off-by-one bug in this loop",
			estTokens: 10,
			wantTier:  "local-coder",
			wantRule:  "code",
		},
		{
			name:      "live_data_marker",
			text:      "what is the weather in Kyiv tomorrow",
			estTokens: 8,
			wantTier:  "cloud-cheap",
			wantRule:  "web",
		},
		{
			name:      "trivial_short_question",
			text:      "what is 2+2?",
			estTokens: 4,
			wantTier:  "local-fast",
			wantRule:  "trivial",
		},
		{
			name:      "short_question_with_big_context_falls_through",
			text:      "what changed in here?",
			estTokens: 5000,
			wantMiss:  true,
		},
		{
			name:      "no_rule_falls_through",
			text:      "draft a polite reply to this email about the offsite schedule",
			estTokens: 15,
			wantMiss:  true,
		},
		{
			name:      "code_verb_without_artifact_falls_through",
			text:      "write a haiku about autumn leaves falling gently",
			estTokens: 10,
			wantMiss:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Classify(tt.text, tt.estTokens)
			if tt.wantMiss {
				if d != nil {
					t.Fatalf("expected no match, got %+v", d)
				}
				return
			}
			if d == nil {
				t.Fatal("expected a match, got nil")
			}
			if d.TierID != tt.wantTier {
				t.Errorf("tier = %s, want %s", d.TierID, tt.wantTier)
			}
			if d.RuleID != tt.wantRule {
				t.Errorf("rule = %s, want %s", d.RuleID, tt.wantRule)
			}
			if d.Privacy != tt.wantPrivacy {
				t.Errorf("privacy = %t, want %t", d.Privacy, tt.wantPrivacy)
			}
			if d.Stage != 0 || d.Confidence != 1.0 {
				t.Errorf("stage=%d conf=%v, want stage 0 conf 1.0", d.Stage, d.Confidence)
			}
		})
	}
}
