// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for
// rigroute.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - ClassifierConfig: Classification pipeline policy
//   - HealthConfig: Circuit breaker and probe policy
//   - BackendConfig, TierConfig: Registry overrides
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (RIGROUTE_*, OPENROUTER_API_KEY)
//   - ~/.rigroute/config.toml
//   - ~/.rigroute/config.json
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Access settings:
//
//	port := cfg.Server.Port
//	floor := cfg.Classifier.PrivacyScoreFloor
package config
