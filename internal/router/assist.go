// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"log"
	"strings"

	"github.com/jeranaias/rigroute/internal/ollama"
)

// ============================================================================
// STAGE 2: MODEL-ASSISTED CLASSIFIER
// ============================================================================

// Completer produces a short completion for a classification prompt.
// Implemented by the fast local model; the interface exists so tests can
// script responses.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// classifyPrompt constrains the model to a single label. Temperature zero
// and a tiny output budget come from the completer.
const classifyPrompt = `Classify the request into exactly one category. Reply with only the category word, nothing else.

Categories:
SIMPLE - short factual or conversational request
CODE - writing, fixing, or reviewing code
ANALYSIS - deep reasoning, comparison, or long-form analysis
SEARCH - needs current information from the web
LONGCTX - involves a very large document or context
PRIVATE - contains personal, medical, financial, or secret material

Request:
`

var knownCategories = []string{"SIMPLE", "CODE", "ANALYSIS", "SEARCH", "LONGCTX", "PRIVATE"}

// AssistedClassifier is the stage-2 classifier: it asks a fast local model
// for a category label under a hard wall-clock budget. Every failure mode
// falls back to the stage-1 hint, so classification always terminates with
// the same deterministic answer the scorer produced.
type AssistedClassifier struct {
	cfg       Config
	completer Completer
}

// NewAssistedClassifier builds the stage-2 classifier.
func NewAssistedClassifier(cfg Config, completer Completer) *AssistedClassifier {
	cfg.setDefaults()
	return &AssistedClassifier{cfg: cfg, completer: completer}
}

// Classify consults the model and returns a stage-2 decision, or the
// unmodified hint when the model is unavailable, slow, or unparseable.
func (a *AssistedClassifier) Classify(ctx context.Context, text string, hint *Decision) *Decision {
	if a.completer == nil {
		return hint
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Stage2Budget)
	defer cancel()

	out, err := a.completer.Complete(ctx, classifyPrompt+text)
	if err != nil {
		log.Printf("CLASSIFY | stage=2 fallback=stage1 err=%v", err)
		return hint
	}

	category := parseCategory(out)
	if category == "" {
		log.Printf("CLASSIFY | stage=2 fallback=stage1 reason=unparseable out=%.40q", out)
		return hint
	}

	tierID, ok := a.cfg.CategoryTiers[category]
	if !ok {
		return hint
	}

	d := &Decision{
		TierID:     tierID,
		Stage:      2,
		Confidence: a.cfg.AssistConfidence,
		Category:   category,
		Scores:     hint.Scores,
		Privacy:    hint.Privacy || category == "PRIVATE",
	}
	return d
}

// parseCategory finds the first known label in the model output. Models
// sometimes wrap the label in prose or punctuation; scanning beats exact
// matching here.
func parseCategory(out string) string {
	upper := strings.ToUpper(out)
	bestIdx, best := -1, ""
	for _, c := range knownCategories {
		if idx := strings.Index(upper, c); idx >= 0 && (bestIdx == -1 || idx < bestIdx) {
			bestIdx, best = idx, c
		}
	}
	return best
}

// OllamaCompleter adapts the Ollama client to the Completer interface using
// the generate endpoint with deterministic sampling.
type OllamaCompleter struct {
	Client *ollama.Client
	Model  string
}

// Complete runs a short zero-temperature generation.
func (o *OllamaCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := o.Client.Generate(ctx, o.Model, prompt, &ollama.Options{
		Temperature: 0,
		NumPredict:  8,
	})
	if err != nil {
		return "", err
	}
	return resp.Response, nil
}
