// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend defines the invocation boundary between the dispatcher and
// the provider clients.
package backend

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/rigroute/internal/registry"
)

// ============================================================================
// REQUEST / RESULT
// ============================================================================

// Request is a single routed prompt. Fields are set once at intake and never
// mutated; classification and dispatch read from it only.
type Request struct {
	ID              string
	Text            string
	Origin          string
	ContextHint     int
	PrivacyOverride bool
	ReceivedAt      time.Time
}

// NewRequest builds a request with a fresh ID and timestamp.
func NewRequest(text string) *Request {
	return &Request{
		ID:         uuid.NewString(),
		Text:       text,
		ReceivedAt: time.Now(),
	}
}

// Result is a successful backend completion.
type Result struct {
	BackendID    string
	TierID       string
	Content      string
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
}

// ============================================================================
// OUTCOME
// ============================================================================

// Outcome classifies how an invocation attempt ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeError
	OutcomeTimeout
	OutcomeRateLimited
)

// String returns the audit-trail label for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeError:
		return "error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Invocation reports one attempt against one backend. RetryAfter is only set
// for rate-limited outcomes and carries the provider's hint, unclamped; the
// health tracker applies the configured bounds.
type Invocation struct {
	Outcome    Outcome
	Err        error
	RetryAfter time.Duration
}

// OK reports whether the attempt succeeded.
func (inv *Invocation) OK() bool {
	return inv.Outcome == OutcomeSuccess
}

// Retryable reports whether the same backend may be retried within its
// attempt budget. Rate limiting ends the candidate immediately; the backend
// is held out until its retry-after window passes.
func (inv *Invocation) Retryable() bool {
	return inv.Outcome == OutcomeError || inv.Outcome == OutcomeTimeout
}

// ============================================================================
// INVOKER
// ============================================================================

// Invoker executes requests against backends of one provider.
//
// Invoke returns a non-nil Invocation always; Result is non-nil only when the
// invocation succeeded. Probe is a lightweight liveness check used by the
// health prober and must not consume model capacity beyond a trivial call.
type Invoker interface {
	Invoke(ctx context.Context, b *registry.Backend, req *Request) (*Result, *Invocation)
	Probe(ctx context.Context, b *registry.Backend) error
}
