// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/jeranaias/rigroute/internal/backend"
	"github.com/jeranaias/rigroute/internal/dispatch"
	"github.com/jeranaias/rigroute/internal/health"
	"github.com/jeranaias/rigroute/internal/ollama"
	"github.com/jeranaias/rigroute/internal/registry"
	"github.com/jeranaias/rigroute/internal/router"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultPort is the default port for the HTTP server.
	DefaultPort = 8191

	// MaxQueryLength is the maximum length for a request text to prevent DoS.
	MaxQueryLength = 100000

	// MaxRequestBodySize is the maximum size for a request body (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// Version is the server version.
	Version = "0.1.0"
)

// ============================================================================
// PIPELINE INTERFACES
// ============================================================================

// Classifier resolves a request to a tier decision.
type Classifier interface {
	Classify(ctx context.Context, req *backend.Request) *router.Decision
}

// Dispatcher executes a request against a tier's failover chain.
type Dispatcher interface {
	Dispatch(ctx context.Context, tierID string, req *backend.Request) (*backend.Result, error)
}

// ============================================================================
// SERVER STATS
// ============================================================================

// ServerStats tracks server usage statistics.
type ServerStats struct {
	TotalRequests    int64
	LocalRequests    int64
	CloudRequests    int64
	Escalations      int64
	Failures         int64
	TotalInputTokens int64
	TotalOutput      int64
	StartTime        time.Time

	mu sync.Mutex
}

// NewServerStats creates a new ServerStats instance.
func NewServerStats() *ServerStats {
	return &ServerStats{StartTime: time.Now()}
}

// RecordRoute records a completed route in the stats.
func (s *ServerStats) RecordRoute(local, escalated bool, inTokens, outTokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.TotalRequests++
	if local {
		s.LocalRequests++
	} else {
		s.CloudRequests++
	}
	if escalated {
		s.Escalations++
	}
	s.TotalInputTokens += int64(inTokens)
	s.TotalOutput += int64(outTokens)
}

// RecordFailure records an exhausted dispatch.
func (s *ServerStats) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalRequests++
	s.Failures++
}

// Snapshot returns a copy of the current stats.
func (s *ServerStats) Snapshot() ServerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ServerStats{
		TotalRequests:    s.TotalRequests,
		LocalRequests:    s.LocalRequests,
		CloudRequests:    s.CloudRequests,
		Escalations:      s.Escalations,
		Failures:         s.Failures,
		TotalInputTokens: s.TotalInputTokens,
		TotalOutput:      s.TotalOutput,
		StartTime:        s.StartTime,
	}
}

// Uptime returns the server uptime duration.
func (s *ServerStats) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP API server exposing the routing pipeline.
type Server struct {
	bind   string
	port   int
	mux    *http.ServeMux
	server *http.Server

	classifier Classifier
	dispatcher Dispatcher
	reg        *registry.Registry
	tracker    *health.Tracker
	ollama     *ollama.Client
	cloudReady bool

	stats       *ServerStats
	auth        *AuthConfig
	rateLimit   *RateLimiter
	maxBodySize int64
}

// NewServer creates a new Server on the given bind address and port.
// If port is 0, the default port is used.
func NewServer(bind string, port int, classifier Classifier, dispatcher Dispatcher, reg *registry.Registry) *Server {
	if port == 0 {
		port = DefaultPort
	}
	if bind == "" {
		bind = "127.0.0.1"
	}

	s := &Server{
		bind:        bind,
		port:        port,
		mux:         http.NewServeMux(),
		classifier:  classifier,
		dispatcher:  dispatcher,
		reg:         reg,
		stats:       NewServerStats(),
		auth:        DefaultAuthConfig(),
		rateLimit:   NewRateLimiter(120, time.Minute),
		maxBodySize: MaxRequestBodySize,
	}

	s.setupRoutes()
	return s
}

// WithTracker sets the breaker tracker surfaced on /health.
func (s *Server) WithTracker(t *health.Tracker) *Server {
	s.tracker = t
	return s
}

// WithOllamaClient sets the Ollama client used for the /health reachability
// check.
func (s *Server) WithOllamaClient(client *ollama.Client) *Server {
	s.ollama = client
	return s
}

// WithCloudConfigured marks whether a cloud API key is present.
func (s *Server) WithCloudConfigured(ready bool) *Server {
	s.cloudReady = ready
	return s
}

// WithAuth sets the authentication configuration.
func (s *Server) WithAuth(config *AuthConfig) *Server {
	s.auth = config
	return s
}

// WithRateLimit sets the per-client request budget.
func (s *Server) WithRateLimit(perMinute int) *Server {
	if perMinute > 0 {
		s.rateLimit = NewRateLimiter(perMinute, time.Minute)
	} else {
		s.rateLimit = nil
	}
	return s
}

// WithMaxBodySize caps request body size.
func (s *Server) WithMaxBodySize(n int64) *Server {
	if n > 0 {
		s.maxBodySize = n
	}
	return s
}

// Port returns the server port.
func (s *Server) Port() int {
	return s.port
}

// Handler returns the routed but un-middlewared handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /v1/route", s.handleRoute)
	s.mux.HandleFunc("POST /v1/classify", s.handleClassify)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /stats", s.handleStats)
}

// ============================================================================
// API TYPES
// ============================================================================

// RouteRequest is the body of POST /v1/route and POST /v1/classify.
type RouteRequest struct {
	// Text is the natural-language request to route.
	Text string `json:"text"`
	// Origin identifies the caller ("cli", "api", ...). Defaults to "api".
	Origin string `json:"origin,omitempty"`
	// ContextHint is the caller's token estimate for attached context.
	ContextHint int `json:"context_hint,omitempty"`
	// Privacy forces local-only handling regardless of classification.
	Privacy bool `json:"privacy,omitempty"`
}

// DecisionBody is the classification portion of a response.
type DecisionBody struct {
	Tier        string  `json:"tier"`
	Stage       int     `json:"stage"`
	Confidence  float64 `json:"confidence"`
	RuleID      string  `json:"rule_id,omitempty"`
	Category    string  `json:"category,omitempty"`
	Privacy     bool    `json:"privacy"`
	Escalated   bool    `json:"escalated,omitempty"`
	EscalatedTo string  `json:"escalated_to,omitempty"`
	ElapsedMs   int64   `json:"elapsed_ms"`
}

// RouteResponse is the body of a successful POST /v1/route.
type RouteResponse struct {
	RequestID    string       `json:"request_id"`
	Decision     DecisionBody `json:"decision"`
	Backend      string       `json:"backend"`
	Content      string       `json:"content"`
	InputTokens  int          `json:"input_tokens"`
	OutputTokens int          `json:"output_tokens"`
	LatencyMs    int64        `json:"latency_ms"`
}

// ClassifyResponse is the body of POST /v1/classify.
type ClassifyResponse struct {
	RequestID string       `json:"request_id"`
	Decision  DecisionBody `json:"decision"`
}

// ExhaustedResponse is the body of a 502 when every backend in the tier's
// chain failed or was skipped.
type ExhaustedResponse struct {
	RequestID string             `json:"request_id"`
	Tier      string             `json:"tier"`
	Message   string             `json:"message"`
	Attempts  []dispatch.Attempt `json:"attempts"`
}

func decisionBody(d *router.Decision) DecisionBody {
	return DecisionBody{
		Tier:        d.TierID,
		Stage:       d.Stage,
		Confidence:  d.Confidence,
		RuleID:      d.RuleID,
		Category:    d.Category,
		Privacy:     d.Privacy,
		Escalated:   d.Escalated,
		EscalatedTo: d.EscalatedTo,
		ElapsedMs:   d.Elapsed.Milliseconds(),
	}
}

// ============================================================================
// HANDLERS
// ============================================================================

// parseRouteRequest decodes and validates the shared request body. A nil
// return means an error response was already written.
func (s *Server) parseRouteRequest(w http.ResponseWriter, r *http.Request) *backend.Request {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize)

	var body RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Request body exceeds maximum size of %d bytes", tooLarge.Limit))
			return nil
		}
		log.Printf("Invalid request body: %v", err)
		s.writeError(w, http.StatusBadRequest, "Invalid request format")
		return nil
	}

	if body.Text == "" {
		s.writeError(w, http.StatusBadRequest, "Request must contain text")
		return nil
	}
	if len(body.Text) > MaxQueryLength {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Text exceeds maximum length of %d", MaxQueryLength))
		return nil
	}
	if body.ContextHint < 0 {
		s.writeError(w, http.StatusBadRequest, "context_hint cannot be negative")
		return nil
	}

	req := backend.NewRequest(body.Text)
	req.Origin = body.Origin
	if req.Origin == "" {
		req.Origin = "api"
	}
	req.ContextHint = body.ContextHint
	req.PrivacyOverride = body.Privacy
	return req
}

// handleRoute handles POST /v1/route: classify, then dispatch.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	req := s.parseRouteRequest(w, r)
	if req == nil {
		return
	}

	decision := s.classifier.Classify(r.Context(), req)

	result, err := s.dispatcher.Dispatch(r.Context(), decision.TierID, req)
	if err != nil {
		s.stats.RecordFailure()

		var exhausted *dispatch.ExhaustedError
		if errors.As(err, &exhausted) {
			s.writeJSON(w, http.StatusBadGateway, ExhaustedResponse{
				RequestID: req.ID,
				Tier:      exhausted.TierID,
				Message:   "all backends exhausted",
				Attempts:  exhausted.Attempts,
			})
			return
		}
		log.Printf("DISPATCH_FAILED | request=%s err=%v", req.ID, err)
		s.writeError(w, http.StatusInternalServerError, "Request processing failed. Please try again.")
		return
	}

	local := false
	if tier := s.reg.Tier(result.TierID); tier != nil {
		local = tier.IsLocal()
	}
	s.stats.RecordRoute(local, decision.Escalated, result.InputTokens, result.OutputTokens)

	s.writeJSON(w, http.StatusOK, RouteResponse{
		RequestID:    req.ID,
		Decision:     decisionBody(decision),
		Backend:      result.BackendID,
		Content:      result.Content,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		LatencyMs:    result.LatencyMs,
	})
}

// handleClassify handles POST /v1/classify: classification without dispatch.
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	req := s.parseRouteRequest(w, r)
	if req == nil {
		return
	}

	decision := s.classifier.Classify(r.Context(), req)
	s.writeJSON(w, http.StatusOK, ClassifyResponse{
		RequestID: req.ID,
		Decision:  decisionBody(decision),
	})
}

// ============================================================================
// HEALTH HANDLER
// ============================================================================

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status       string                 `json:"status"`
	Version      string                 `json:"version"`
	OllamaStatus string                 `json:"ollama_status"`
	CloudStatus  string                 `json:"cloud_status"`
	Backends     []health.BackendStatus `json:"backends,omitempty"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: Version,
	}

	if s.ollama != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.ollama.CheckRunning(ctx); err == nil {
			resp.OllamaStatus = "ok"
		} else {
			resp.OllamaStatus = "unavailable"
			resp.Status = "degraded"
		}
	} else {
		resp.OllamaStatus = "not_configured"
	}

	if s.cloudReady {
		resp.CloudStatus = "configured"
	} else {
		resp.CloudStatus = "not_configured"
	}

	if s.tracker != nil {
		resp.Backends = s.tracker.Snapshot()
		for _, b := range resp.Backends {
			if b.State == health.StateOpen.String() {
				resp.Status = "degraded"
				break
			}
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// STATS HANDLER
// ============================================================================

// StatsResponse represents the usage statistics response.
type StatsResponse struct {
	TotalRequests    int64   `json:"total_requests"`
	LocalRequests    int64   `json:"local_requests"`
	CloudRequests    int64   `json:"cloud_requests"`
	Escalations      int64   `json:"escalations"`
	Failures         int64   `json:"failures"`
	TotalInputTokens int64   `json:"total_input_tokens"`
	TotalOutputTok   int64   `json:"total_output_tokens"`
	LocalShare       float64 `json:"local_share_percent"`
	UptimeSeconds    int64   `json:"uptime_seconds"`
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.stats.Snapshot()

	var localShare float64
	if served := stats.LocalRequests + stats.CloudRequests; served > 0 {
		localShare = float64(stats.LocalRequests) / float64(served) * 100
	}

	s.writeJSON(w, http.StatusOK, StatsResponse{
		TotalRequests:    stats.TotalRequests,
		LocalRequests:    stats.LocalRequests,
		CloudRequests:    stats.CloudRequests,
		Escalations:      stats.Escalations,
		Failures:         stats.Failures,
		TotalInputTokens: stats.TotalInputTokens,
		TotalOutputTok:   stats.TotalOutput,
		LocalShare:       localShare,
		UptimeSeconds:    int64(s.stats.Uptime().Seconds()),
	})
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.bind, s.port)

	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(log.Default()),
	}
	if s.rateLimit != nil {
		middlewares = append(middlewares, RateLimitMiddleware(s.rateLimit))
	}
	handler := Chain(middlewares...)(s.mux)

	if s.auth != nil && s.auth.Enabled {
		handler = AuthMiddleware(s.auth)(handler)
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("SERVER_START | addr=%s version=%s", addr, Version)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.Printf("SERVER_SHUTDOWN | starting graceful shutdown")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	})
}
