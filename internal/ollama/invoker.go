// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"time"

	"github.com/jeranaias/rigroute/internal/backend"
	"github.com/jeranaias/rigroute/internal/registry"
)

// Invoker adapts the Ollama client to the dispatcher's invocation interface.
type Invoker struct {
	client *Client
}

// NewInvoker wraps an Ollama client for dispatch.
func NewInvoker(client *Client) *Invoker {
	return &Invoker{client: client}
}

// Invoke runs the request as a single-turn chat against the backend's model.
func (inv *Invoker) Invoke(ctx context.Context, b *registry.Backend, req *backend.Request) (*backend.Result, *backend.Invocation) {
	start := time.Now()
	resp, err := inv.client.Chat(ctx, b.Model, []Message{NewUserMessage(req.Text)}, nil)
	if err != nil {
		return nil, &backend.Invocation{Outcome: outcomeFor(err), Err: err}
	}
	return &backend.Result{
		BackendID:    b.ID,
		Content:      resp.Message.Content,
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, &backend.Invocation{Outcome: backend.OutcomeSuccess}
}

// Probe checks that the Ollama server answers at all. Model-level checks are
// deliberately avoided; a probe must not trigger a model load.
func (inv *Invoker) Probe(ctx context.Context, b *registry.Backend) error {
	return inv.client.CheckRunning(ctx)
}

// outcomeFor maps client errors onto dispatch outcomes. Ollama has no rate
// limiting, so everything non-timeout is a plain error.
func outcomeFor(err error) backend.Outcome {
	if IsTimeout(err) {
		return backend.OutcomeTimeout
	}
	return backend.OutcomeError
}
