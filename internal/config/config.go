// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete rigroute configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Server configuration (HTTP API)
	Server ServerConfig `toml:"server" json:"server"`

	// Local (Ollama) configuration
	Local LocalConfig `toml:"local" json:"local"`

	// Cloud (OpenRouter) configuration
	Cloud CloudConfig `toml:"cloud" json:"cloud"`

	// Classifier policy
	Classifier ClassifierConfig `toml:"classifier" json:"classifier"`

	// Saturation escalation policy
	Saturation SaturationConfig `toml:"saturation" json:"saturation"`

	// Backend health / circuit breaker policy
	Health HealthConfig `toml:"health" json:"health"`

	// Dispatch retry policy
	Dispatch DispatchConfig `toml:"dispatch" json:"dispatch"`

	// Audit trail configuration
	Audit AuditConfig `toml:"audit" json:"audit"`

	// Backends and tiers override the built-in registry when non-empty.
	// Both must be given together; a partial override is a validation error.
	Backends []BackendConfig `toml:"backends" json:"backends"`
	Tiers    []TierConfig    `toml:"tiers" json:"tiers"`
}

// ServerConfig contains the HTTP API server configuration.
type ServerConfig struct {
	// Bind is the listen address.
	Bind string `toml:"bind" json:"bind"`
	// Port is the listen port.
	Port int `toml:"port" json:"port"`
	// AuthToken, when set, is required as a Bearer token on API requests.
	AuthToken string `toml:"auth_token" json:"auth_token"`
	// AllowCIDRs restricts client addresses when non-empty.
	AllowCIDRs []string `toml:"allow_cidrs" json:"allow_cidrs"`
	// RateLimitPerMin caps requests per client per minute (0 = unlimited).
	RateLimitPerMin int `toml:"rate_limit_per_min" json:"rate_limit_per_min"`
	// MaxBodyBytes caps request body size.
	MaxBodyBytes int64 `toml:"max_body_bytes" json:"max_body_bytes"`
}

// LocalConfig contains local Ollama configuration.
type LocalConfig struct {
	// OllamaURL is the URL of the Ollama server.
	OllamaURL string `toml:"ollama_url" json:"ollama_url"`
	// TimeoutSecs is the per-request timeout for local generation.
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`
}

// CloudConfig contains cloud provider (OpenRouter) configuration.
type CloudConfig struct {
	// OpenRouterKey is the OpenRouter API key.
	OpenRouterKey string `toml:"openrouter_key" json:"openrouter_key"`
	// BaseURL overrides the OpenRouter endpoint (testing, proxies).
	BaseURL string `toml:"base_url" json:"base_url"`
	// TimeoutSecs is the per-request timeout for cloud generation.
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`
	// SiteURL and SiteName populate OpenRouter attribution headers.
	SiteURL  string `toml:"site_url" json:"site_url"`
	SiteName string `toml:"site_name" json:"site_name"`
}

// ClassifierConfig contains classification pipeline policy.
type ClassifierConfig struct {
	// AmbiguousBelow is the stage-1 confidence floor below which the
	// model-assisted stage is consulted.
	AmbiguousBelow float64 `toml:"ambiguous_below" json:"ambiguous_below"`
	// PrivacyScoreFloor forces the privacy flag at or above this stage-1
	// privacy score.
	PrivacyScoreFloor float64 `toml:"privacy_score_floor" json:"privacy_score_floor"`
	// PrivacyTier receives privacy requests.
	PrivacyTier string `toml:"privacy_tier" json:"privacy_tier"`
	// LongContextTier receives requests too large for local context.
	LongContextTier string `toml:"long_context_tier" json:"long_context_tier"`
	// CodeTier, WebTier, and TrivialTier are the remaining pattern-rule
	// targets.
	CodeTier    string `toml:"code_tier" json:"code_tier"`
	WebTier     string `toml:"web_tier" json:"web_tier"`
	TrivialTier string `toml:"trivial_tier" json:"trivial_tier"`
	// LocalContextTokens is the local context ceiling in tokens.
	LocalContextTokens int `toml:"local_context_tokens" json:"local_context_tokens"`
	// AssistEnabled turns the model-assisted stage on.
	AssistEnabled bool `toml:"assist_enabled" json:"assist_enabled"`
	// AssistModel is the fast local model used for assisted classification.
	AssistModel string `toml:"assist_model" json:"assist_model"`
	// AssistBudgetMs bounds assisted classification wall-clock time.
	AssistBudgetMs int `toml:"assist_budget_ms" json:"assist_budget_ms"`
	// AssistConfidence is the confidence an assisted decision reports.
	AssistConfidence float64 `toml:"assist_confidence" json:"assist_confidence"`
}

// SaturationConfig contains local-saturation escalation policy.
type SaturationConfig struct {
	// Enabled turns saturation escalation on.
	Enabled bool `toml:"enabled" json:"enabled"`
	// LoadedModels is the resident-model count that means saturated.
	LoadedModels int `toml:"loaded_models" json:"loaded_models"`
	// InFlight is the concurrent local invocation count that means saturated.
	InFlight int `toml:"in_flight" json:"in_flight"`
}

// HealthConfig contains circuit breaker and probe policy.
type HealthConfig struct {
	// ErrorThreshold is the consecutive-error count that opens a breaker.
	ErrorThreshold int `toml:"error_threshold" json:"error_threshold"`
	// CooldownSecs is the open-state cooldown before probes may close it.
	CooldownSecs int `toml:"cooldown_secs" json:"cooldown_secs"`
	// AutoResetSecs forces an open breaker to half-open after this long.
	AutoResetSecs int `toml:"auto_reset_secs" json:"auto_reset_secs"`
	// RateLimitMinSecs and RateLimitMaxSecs clamp provider retry-after hints.
	RateLimitMinSecs int `toml:"rate_limit_min_secs" json:"rate_limit_min_secs"`
	RateLimitMaxSecs int `toml:"rate_limit_max_secs" json:"rate_limit_max_secs"`
	// ProbeIntervalSecs is how often open backends are probed.
	ProbeIntervalSecs int `toml:"probe_interval_secs" json:"probe_interval_secs"`
	// ProbeTimeoutSecs bounds a single probe.
	ProbeTimeoutSecs int `toml:"probe_timeout_secs" json:"probe_timeout_secs"`
}

// DispatchConfig contains failover retry policy.
type DispatchConfig struct {
	// Retries is the per-backend retry count after the first attempt.
	Retries int `toml:"retries" json:"retries"`
	// BackoffBaseMs is the first retry delay; doubles per retry.
	BackoffBaseMs int `toml:"backoff_base_ms" json:"backoff_base_ms"`
	// BackoffMaxMs caps the retry delay.
	BackoffMaxMs int `toml:"backoff_max_ms" json:"backoff_max_ms"`
	// InvokeTimeoutSecs bounds a single backend invocation.
	InvokeTimeoutSecs int `toml:"invoke_timeout_secs" json:"invoke_timeout_secs"`
}

// AuditConfig contains audit trail configuration.
type AuditConfig struct {
	// Enabled turns the audit trail on.
	Enabled bool `toml:"enabled" json:"enabled"`
	// LogPath is the JSONL audit log file (empty = ~/.rigroute/audit.jsonl).
	LogPath string `toml:"log_path" json:"log_path"`
	// StoreEnabled turns the queryable SQLite store on.
	StoreEnabled bool `toml:"store_enabled" json:"store_enabled"`
	// StorePath is the SQLite database (empty = ~/.rigroute/audit.db).
	StorePath string `toml:"store_path" json:"store_path"`
}

// BackendConfig declares one invokable model endpoint.
type BackendConfig struct {
	ID       string `toml:"id" json:"id"`
	Provider string `toml:"provider" json:"provider"`
	Model    string `toml:"model" json:"model"`
}

// TierConfig declares one capability tier and its failover chain.
type TierConfig struct {
	ID               string   `toml:"id" json:"id"`
	Class            string   `toml:"class" json:"class"`
	PrivacyEligible  bool     `toml:"privacy_eligible" json:"privacy_eligible"`
	MaxContextTokens int      `toml:"max_context_tokens" json:"max_context_tokens"`
	CostWeight       float64  `toml:"cost_weight" json:"cost_weight"`
	SpeedWeight      float64  `toml:"speed_weight" json:"speed_weight"`
	Backends         []string `toml:"backends" json:"backends"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Server: ServerConfig{
			Bind:            "127.0.0.1",
			Port:            8191,
			RateLimitPerMin: 120,
			MaxBodyBytes:    1 << 20, // 1 MiB
		},

		Local: LocalConfig{
			OllamaURL:   "http://127.0.0.1:11434",
			TimeoutSecs: 120,
		},

		Cloud: CloudConfig{
			TimeoutSecs: 60,
		},

		Classifier: ClassifierConfig{
			AmbiguousBelow:     0.60,
			PrivacyScoreFloor:  0.70,
			PrivacyTier:        "local-fast",
			LongContextTier:    "cloud-flash",
			CodeTier:           "local-coder",
			WebTier:            "cloud-cheap",
			TrivialTier:        "local-fast",
			LocalContextTokens: 8192,
			AssistEnabled:      true,
			AssistModel:        "qwen3:8b",
			AssistBudgetMs:     1500,
			AssistConfidence:   0.85,
		},

		Saturation: SaturationConfig{
			Enabled:      true,
			LoadedModels: 2,
			InFlight:     4,
		},

		Health: HealthConfig{
			ErrorThreshold:    3,
			CooldownSecs:      300,
			AutoResetSecs:     900,
			RateLimitMinSecs:  10,
			RateLimitMaxSecs:  120,
			ProbeIntervalSecs: 30,
			ProbeTimeoutSecs:  5,
		},

		Dispatch: DispatchConfig{
			Retries:           2,
			BackoffBaseMs:     500,
			BackoffMaxMs:      10_000,
			InvokeTimeoutSecs: 120,
		},

		Audit: AuditConfig{
			Enabled:      true,
			StoreEnabled: false,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the rigroute configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigroute"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// AuditLogPath resolves the audit log location, defaulting under ConfigDir.
func (c *Config) AuditLogPath() (string, error) {
	if c.Audit.LogPath != "" {
		return c.Audit.LogPath, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "audit.jsonl"), nil
}

// AuditStorePath resolves the audit database location, defaulting under
// ConfigDir.
func (c *Config) AuditStorePath() (string, error) {
	if c.Audit.StorePath != "" {
		return c.Audit.StorePath, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "audit.db"), nil
}

// ensureSecurePermissions checks and fixes permissions on config files.
// Config files should be 0600 (owner read/write only) to protect API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	tomlPath, err := ConfigPathTOML()
	if err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			return LoadFromPath(tomlPath)
		}
	}

	jsonPath, err := ConfigPathJSON()
	if err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			return LoadFromPath(jsonPath)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		if err := loadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := loadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

func loadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes the configuration to the default TOML path.
func Save(cfg *Config) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration to a TOML file with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("invalid port %d, must be 1-65535", c.Server.Port),
		})
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, ValidationError{
			Field:   "server.max_body_bytes",
			Message: "must be positive",
		})
	}

	if c.Local.OllamaURL != "" {
		if u, err := url.Parse(c.Local.OllamaURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "local.ollama_url",
				Message: fmt.Sprintf("invalid URL %q", c.Local.OllamaURL),
			})
		}
	}

	if c.Classifier.AmbiguousBelow <= 0 || c.Classifier.AmbiguousBelow > 1 {
		errs = append(errs, ValidationError{
			Field:   "classifier.ambiguous_below",
			Message: "must be in (0, 1]",
		})
	}
	if c.Classifier.PrivacyScoreFloor <= 0 || c.Classifier.PrivacyScoreFloor > 1 {
		errs = append(errs, ValidationError{
			Field:   "classifier.privacy_score_floor",
			Message: "must be in (0, 1]",
		})
	}
	if c.Classifier.LocalContextTokens <= 0 {
		errs = append(errs, ValidationError{
			Field:   "classifier.local_context_tokens",
			Message: "must be positive",
		})
	}
	if c.Classifier.AssistEnabled && c.Classifier.AssistModel == "" {
		errs = append(errs, ValidationError{
			Field:   "classifier.assist_model",
			Message: "required when assist is enabled",
		})
	}
	if c.Classifier.AssistConfidence <= 0 || c.Classifier.AssistConfidence > 1 {
		errs = append(errs, ValidationError{
			Field:   "classifier.assist_confidence",
			Message: "must be in (0, 1]",
		})
	}

	if c.Health.ErrorThreshold < 1 {
		errs = append(errs, ValidationError{
			Field:   "health.error_threshold",
			Message: "must be at least 1",
		})
	}
	if c.Health.RateLimitMinSecs > c.Health.RateLimitMaxSecs {
		errs = append(errs, ValidationError{
			Field:   "health.rate_limit_min_secs",
			Message: "minimum exceeds maximum",
		})
	}
	if c.Health.CooldownSecs > c.Health.AutoResetSecs {
		errs = append(errs, ValidationError{
			Field:   "health.cooldown_secs",
			Message: "cooldown exceeds auto-reset window",
		})
	}

	if c.Dispatch.Retries < 0 {
		errs = append(errs, ValidationError{
			Field:   "dispatch.retries",
			Message: "cannot be negative",
		})
	}
	if c.Dispatch.BackoffBaseMs > c.Dispatch.BackoffMaxMs {
		errs = append(errs, ValidationError{
			Field:   "dispatch.backoff_base_ms",
			Message: "base exceeds maximum",
		})
	}

	// Registry overrides travel as a pair; structural validation of the
	// chains themselves happens when the registry is built.
	if (len(c.Backends) == 0) != (len(c.Tiers) == 0) {
		errs = append(errs, ValidationError{
			Field:   "backends/tiers",
			Message: "backends and tiers must be overridden together",
		})
	}
	for i, b := range c.Backends {
		if b.ID == "" || b.Provider == "" || b.Model == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("backends[%d]", i),
				Message: "id, provider, and model are all required",
			})
		}
	}
	for i, t := range c.Tiers {
		if t.ID == "" || len(t.Backends) == 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("tiers[%d]", i),
				Message: "id and a non-empty backend chain are required",
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - OPENROUTER_API_KEY: overrides cloud.openrouter_key
//   - RIGROUTE_OPENROUTER_KEY: same, takes precedence
//   - RIGROUTE_OLLAMA_URL: overrides local.ollama_url
//   - RIGROUTE_PORT: overrides server.port
//   - RIGROUTE_AUTH_TOKEN: overrides server.auth_token
//   - RIGROUTE_AUDIT: set to "0" or "false" to disable the audit trail
func (c *Config) ApplyEnvOverrides() {
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		c.Cloud.OpenRouterKey = key
	}
	if key := os.Getenv("RIGROUTE_OPENROUTER_KEY"); key != "" {
		c.Cloud.OpenRouterKey = key
	}
	if u := os.Getenv("RIGROUTE_OLLAMA_URL"); u != "" {
		c.Local.OllamaURL = u
	}
	if port := os.Getenv("RIGROUTE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if token := os.Getenv("RIGROUTE_AUTH_TOKEN"); token != "" {
		c.Server.AuthToken = token
	}
	if v := os.Getenv("RIGROUTE_AUDIT"); v != "" {
		c.Audit.Enabled = !(v == "0" || strings.EqualFold(v, "false"))
	}
}
