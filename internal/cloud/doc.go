// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides OpenRouter integration for remote LLM inference.
//
// OpenRouter provides access to multiple LLM providers through a single API,
// including Claude and Gemini models. This package implements secure
// communication with OpenRouter's API.
//
// # Key Types
//
//   - OpenRouterClient: HTTP client with TLS 1.2+ and pooled connections
//   - ChatMessage: Chat message compatible with OpenRouter API format
//   - OpenRouterError: typed API error carrying status and retry-after
//   - Invoker: adapter onto the dispatch invocation interface
//
// # Usage
//
// Create a client and send a chat request:
//
//	client := cloud.NewOpenRouterClient(apiKey)
//	resp, err := client.Chat(ctx, "anthropic/claude-haiku-4.5",
//	    []cloud.ChatMessage{cloud.NewUserMessage("Hello")})
//
// # Security
//
// API keys are never logged, and all requests use TLS 1.2+.
package cloud
