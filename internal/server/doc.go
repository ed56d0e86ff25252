// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP API for the routing pipeline.
//
// Endpoints:
//   - POST /v1/route    - Classify a request and dispatch it to a backend
//   - POST /v1/classify - Classification only, no dispatch
//   - GET  /health      - Ollama reachability, cloud key presence, breakers
//   - GET  /stats       - Usage statistics
//
// The handler stack applies panic recovery, security headers, request
// logging, per-client rate limiting, and optional bearer-token auth with an
// IP allowlist.
package server
