// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with Ollama API.
//
// This package implements a client for the Ollama local LLM server,
// supporting non-streaming chat and generate completions plus the process
// status endpoint used for load sampling.
//
// # Key Types
//
//   - Client: HTTP client for Ollama API communication
//   - Message: Chat message with role and content
//   - ChatResponse / GenerateResponse: responses with token metrics
//   - Invoker: adapter onto the dispatch invocation interface
//
// # Usage
//
// Create a client and send a chat request:
//
//	client := ollama.NewClient()
//	resp, err := client.Chat(ctx, "qwen3:8b",
//	    []ollama.Message{ollama.NewUserMessage("Hello")}, nil)
//
// Errors are typed; use the helpers to branch:
//
//	if ollama.IsNotRunning(err) {
//	    // server down
//	}
package ollama
