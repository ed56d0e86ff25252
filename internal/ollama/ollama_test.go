// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with Ollama API.
package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jeranaias/rigroute/internal/backend"
	"github.com/jeranaias/rigroute/internal/registry"
)

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestNewUserMessage(t *testing.T) {
	msg := NewUserMessage("Hello")

	if msg.Role != "user" {
		t.Errorf("Role = %q, want 'user'", msg.Role)
	}

	if msg.Content != "Hello" {
		t.Errorf("Content = %q, want 'Hello'", msg.Content)
	}
}

func TestNewSystemMessage(t *testing.T) {
	msg := NewSystemMessage("You are a helpful assistant")

	if msg.Role != "system" {
		t.Errorf("Role = %q, want 'system'", msg.Role)
	}
}

// =============================================================================
// CLIENT TESTS
// =============================================================================

func newTestClient(url string) *Client {
	return NewClientWithConfig(&ClientConfig{BaseURL: url, Timeout: 5 * time.Second})
}

func TestChatSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("expected non-streaming request")
		}
		json.NewEncoder(w).Encode(ChatResponse{
			Model:           req.Model,
			Message:         Message{Role: "assistant", Content: "hi there"},
			Done:            true,
			PromptEvalCount: 5,
			EvalCount:       3,
		})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	resp, err := client.Chat(context.Background(), "qwen3:8b", []Message{NewUserMessage("hello")}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "hi there" {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if resp.EvalCount != 3 {
		t.Errorf("EvalCount = %d", resp.EvalCount)
	}
}

func TestGenerateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(GenerateResponse{Response: "CODE", Done: true})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	resp, err := client.Generate(context.Background(), "qwen3:8b", "classify this", &Options{Temperature: 0})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Response != "CODE" {
		t.Errorf("Response = %q", resp.Response)
	}
}

func TestChatModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.Chat(context.Background(), "nope", []Message{NewUserMessage("x")}, nil)
	if !IsModelNotFound(err) {
		t.Errorf("expected model-not-found, got %v", err)
	}
}

func TestChatServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(APIError{Error: "model crashed"})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.Chat(context.Background(), "m", []Message{NewUserMessage("x")}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "model crashed" {
		t.Errorf("expected server error message surfaced, got %q", err.Error())
	}
}

func TestChatNotRunning(t *testing.T) {
	client := newTestClient("http://127.0.0.1:1") // nothing listens here
	_, err := client.Chat(context.Background(), "m", []Message{NewUserMessage("x")}, nil)
	if !IsNotRunning(err) {
		t.Errorf("expected not-running, got %v", err)
	}
}

func TestLoadedCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ps" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(PsResponse{Models: []LoadedModel{
			{Name: "qwen3:8b"}, {Name: "qwen3-coder:30b"},
		}})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	n, err := client.LoadedCount(context.Background())
	if err != nil {
		t.Fatalf("LoadedCount: %v", err)
	}
	if n != 2 {
		t.Errorf("LoadedCount = %d, want 2", n)
	}
}

// =============================================================================
// INVOKER TESTS
// =============================================================================

func TestInvokerSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ChatResponse{
			Message:         Message{Role: "assistant", Content: "answer"},
			Done:            true,
			PromptEvalCount: 10,
			EvalCount:       4,
		})
	}))
	defer srv.Close()

	inv := NewInvoker(newTestClient(srv.URL))
	b := &registry.Backend{ID: "ollama-fast", Provider: registry.ProviderOllama, Model: "qwen3:8b"}
	req := backend.NewRequest("what is two plus two")

	result, invocation := inv.Invoke(context.Background(), b, req)
	if !invocation.OK() {
		t.Fatalf("expected success, got %v (%v)", invocation.Outcome, invocation.Err)
	}
	if result.Content != "answer" || result.BackendID != "ollama-fast" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestInvokerTimeoutOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Consume the POST body first so the server notices the client
		// abort; only then block until the client gives up.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	inv := NewInvoker(newTestClient(srv.URL))
	b := &registry.Backend{ID: "ollama-fast", Provider: registry.ProviderOllama, Model: "qwen3:8b"}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	result, invocation := inv.Invoke(ctx, b, backend.NewRequest("slow"))
	if result != nil {
		t.Error("expected nil result on timeout")
	}
	if invocation.Outcome != backend.OutcomeTimeout {
		t.Errorf("expected timeout outcome, got %v", invocation.Outcome)
	}
	if !invocation.Retryable() {
		t.Error("timeout should be retryable")
	}
}
