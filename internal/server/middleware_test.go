// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// AUTH TESTS
// =============================================================================

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	auth := &AuthConfig{Enabled: true, BearerToken: "sekret"}
	okBody := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := AuthMiddleware(auth)(okBody)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code, "request without token must be rejected")

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, "request with valid token must pass")
}

func TestAuthMiddlewareEnforcesAllowedIPs(t *testing.T) {
	auth := &AuthConfig{
		Enabled:     true,
		BearerToken: "sekret",
		AllowedIPs:  []string{"192.168.1.0/24"},
	}
	okBody := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := AuthMiddleware(auth)(okBody)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	req.RemoteAddr = "203.0.113.9:5000"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code, "addresses outside the allowlist must be rejected")

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	req.RemoteAddr = "192.168.1.42:5000"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, "addresses inside the allowlist must pass")
}

func TestValidateBearerToken(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		expected string
		want     bool
	}{
		{name: "match", token: "abc", expected: "abc", want: true},
		{name: "mismatch", token: "abc", expected: "abd", want: false},
		{name: "empty_token", token: "", expected: "abc", want: false},
		{name: "empty_expected", token: "abc", expected: "", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ValidateBearerToken(tt.token, tt.expected))
		})
	}
}

// =============================================================================
// RATE LIMITER TESTS
// =============================================================================

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)

	require.True(t, rl.Allow("1.2.3.4"))
	require.True(t, rl.Allow("1.2.3.4"))
	require.False(t, rl.Allow("1.2.3.4"), "third request inside the window must be limited")
	require.True(t, rl.Allow("5.6.7.8"), "other clients have their own budget")
	require.Equal(t, 0, rl.GetRemaining("1.2.3.4"))
}

// TestRateLimiterConcurrent tests that concurrent Allow calls do not race
// or overshoot the limit.
func TestRateLimiterConcurrent(t *testing.T) {
	rl := NewRateLimiter(50, time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("1.2.3.4") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 50, allowed)
}

// =============================================================================
// CLIENT IP TESTS
// =============================================================================

func TestGetClientIPIgnoresSpoofedHeaders(t *testing.T) {
	// Direct connections from untrusted sources cannot use forwarded headers.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:4444"
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	require.Equal(t, "203.0.113.9", GetClientIP(req), "untrusted peers cannot forward")

	// Trusted proxies may forward.
	req.RemoteAddr = "127.0.0.1:4444"
	require.Equal(t, "10.0.0.1", GetClientIP(req), "loopback is a trusted proxy")
}
