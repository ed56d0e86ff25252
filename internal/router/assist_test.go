// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeCompleter scripts stage-2 model behavior.
type fakeCompleter struct {
	out   string
	err   error
	delay time.Duration
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.out, f.err
}

func stage1Hint() *Decision {
	return &Decision{
		TierID:     "local-primary",
		Stage:      1,
		Confidence: 0.55,
		Scores:     map[string]float64{DimComplexity: 0.4},
	}
}

func TestAssistedClassifyCategory(t *testing.T) {
	tests := []struct {
		name        string
		out         string
		wantTier    string
		wantPrivacy bool
	}{
		{name: "plain_label", out: "CODE", wantTier: "local-coder"},
		{name: "label_with_prose", out: "The category is: ANALYSIS.", wantTier: "cloud-smart"},
		{name: "lowercase_label", out: "search", wantTier: "cloud-cheap"},
		{name: "private_sets_flag", out: "PRIVATE", wantTier: "local-fast", wantPrivacy: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAssistedClassifier(DefaultConfig(), &fakeCompleter{out: tt.out})
			d := a.Classify(context.Background(), "some request", stage1Hint())

			if d.TierID != tt.wantTier {
				t.Errorf("tier = %s, want %s", d.TierID, tt.wantTier)
			}
			if d.Stage != 2 {
				t.Errorf("stage = %d, want 2", d.Stage)
			}
			if d.Privacy != tt.wantPrivacy {
				t.Errorf("privacy = %t, want %t", d.Privacy, tt.wantPrivacy)
			}
		})
	}
}

func TestAssistedConfidenceFollowsPolicy(t *testing.T) {
	d := NewAssistedClassifier(DefaultConfig(), &fakeCompleter{out: "CODE"}).
		Classify(context.Background(), "some request", stage1Hint())
	if d.Confidence != 0.85 {
		t.Errorf("default confidence = %v, want 0.85", d.Confidence)
	}

	cfg := DefaultConfig()
	cfg.AssistConfidence = 0.7
	d = NewAssistedClassifier(cfg, &fakeCompleter{out: "CODE"}).
		Classify(context.Background(), "some request", stage1Hint())
	if d.Confidence != 0.7 {
		t.Errorf("configured confidence = %v, want 0.7", d.Confidence)
	}
}

func TestAssistedFallsBackOnError(t *testing.T) {
	a := NewAssistedClassifier(DefaultConfig(), &fakeCompleter{err: errors.New("model gone")})
	hint := stage1Hint()

	d := a.Classify(context.Background(), "some request", hint)
	if d != hint {
		t.Errorf("expected the exact stage-1 hint back, got %+v", d)
	}
}

func TestAssistedFallsBackOnGarbage(t *testing.T) {
	a := NewAssistedClassifier(DefaultConfig(), &fakeCompleter{out: "I cannot classify this request"})
	hint := stage1Hint()

	d := a.Classify(context.Background(), "some request", hint)
	if d != hint {
		t.Errorf("expected fallback on unparseable output, got %+v", d)
	}
}

func TestAssistedHonorsBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Stage2Budget = 20 * time.Millisecond
	a := NewAssistedClassifier(cfg, &fakeCompleter{out: "CODE", delay: time.Second})
	hint := stage1Hint()

	start := time.Now()
	d := a.Classify(context.Background(), "some request", hint)
	elapsed := time.Since(start)

	if d != hint {
		t.Error("budget overrun must fall back to the stage-1 hint")
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("classification took %v, budget was 20ms", elapsed)
	}
}

func TestAssistedNilCompleter(t *testing.T) {
	a := NewAssistedClassifier(DefaultConfig(), nil)
	hint := stage1Hint()
	if d := a.Classify(context.Background(), "x", hint); d != hint {
		t.Error("nil completer should pass the hint through")
	}
}

func TestParseCategoryFirstMatchWins(t *testing.T) {
	if got := parseCategory("SIMPLE or maybe CODE"); got != "SIMPLE" {
		t.Errorf("parseCategory = %q, want SIMPLE", got)
	}
	if got := parseCategory(""); got != "" {
		t.Errorf("parseCategory(empty) = %q", got)
	}
}
