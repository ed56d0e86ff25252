// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"errors"
	"time"

	"github.com/jeranaias/rigroute/internal/backend"
	"github.com/jeranaias/rigroute/internal/registry"
)

// Invoker adapts the OpenRouter client to the dispatcher's invocation
// interface.
type Invoker struct {
	client *OpenRouterClient
}

// NewInvoker wraps an OpenRouter client for dispatch.
func NewInvoker(client *OpenRouterClient) *Invoker {
	return &Invoker{client: client}
}

// Invoke runs the request as a single-turn chat against the backend's model.
func (inv *Invoker) Invoke(ctx context.Context, b *registry.Backend, req *backend.Request) (*backend.Result, *backend.Invocation) {
	start := time.Now()
	resp, err := inv.client.Chat(ctx, b.Model, []ChatMessage{NewUserMessage(req.Text)})
	if err != nil {
		return nil, invocationFor(ctx, err)
	}
	return &backend.Result{
		BackendID:    b.ID,
		Content:      resp.GetContent(),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, &backend.Invocation{Outcome: backend.OutcomeSuccess}
}

// Probe checks the models endpoint with whatever deadline the prober set.
func (inv *Invoker) Probe(ctx context.Context, b *registry.Backend) error {
	return inv.client.ListModels(ctx)
}

// invocationFor maps client errors onto dispatch outcomes. A 429 carries the
// provider's retry-after hint through to the health tracker.
func invocationFor(ctx context.Context, err error) *backend.Invocation {
	switch {
	case errors.Is(err, ErrRateLimited):
		return &backend.Invocation{
			Outcome:    backend.OutcomeRateLimited,
			Err:        err,
			RetryAfter: RetryAfterHint(err),
		}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &backend.Invocation{Outcome: backend.OutcomeTimeout, Err: err}
	default:
		return &backend.Invocation{Outcome: backend.OutcomeError, Err: err}
	}
}
