// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

// DefaultBackends is the stock backend set: three Ollama models and four
// OpenRouter models. Overridable via config.
func DefaultBackends() []Backend {
	return []Backend{
		{ID: "ollama-fast", Provider: ProviderOllama, Model: "qwen3:8b"},
		{ID: "ollama-primary", Provider: ProviderOllama, Model: "qwen3.5:35b"},
		{ID: "ollama-coder", Provider: ProviderOllama, Model: "qwen3-coder:30b"},
		{ID: "or-haiku", Provider: ProviderOpenRouter, Model: "anthropic/claude-haiku-4.5"},
		{ID: "or-sonnet", Provider: ProviderOpenRouter, Model: "anthropic/claude-sonnet-4"},
		{ID: "or-flash", Provider: ProviderOpenRouter, Model: "google/gemini-2.5-flash"},
		{ID: "or-pro", Provider: ProviderOpenRouter, Model: "google/gemini-2.5-pro"},
	}
}

// DefaultTiers is the stock tier ladder. Local tiers fall back only to other
// local backends; cloud tiers fall back across the paid providers. CostWeight
// is a relative ordering key, not a price.
func DefaultTiers() []Tier {
	return []Tier{
		{
			ID: "local-fast", Class: ClassLocal, PrivacyEligible: true,
			MaxContextTokens: 8192, CostWeight: 0, SpeedWeight: 1.0,
			Backends: []string{"ollama-fast", "ollama-primary"},
		},
		{
			ID: "local-primary", Class: ClassLocal, PrivacyEligible: true,
			MaxContextTokens: 8192, CostWeight: 0, SpeedWeight: 0.6,
			Backends: []string{"ollama-primary", "ollama-fast"},
		},
		{
			ID: "local-coder", Class: ClassLocal, PrivacyEligible: true,
			MaxContextTokens: 8192, CostWeight: 0, SpeedWeight: 0.5,
			Backends: []string{"ollama-coder", "ollama-primary"},
		},
		{
			ID: "cloud-cheap", Class: ClassRemote,
			MaxContextTokens: 200000, CostWeight: 1, SpeedWeight: 0.8,
			Backends: []string{"or-haiku", "or-flash"},
		},
		{
			ID: "cloud-flash", Class: ClassRemote,
			MaxContextTokens: 1000000, CostWeight: 2, SpeedWeight: 0.9,
			Backends: []string{"or-flash", "or-haiku"},
		},
		{
			ID: "cloud-smart", Class: ClassRemote,
			MaxContextTokens: 200000, CostWeight: 5, SpeedWeight: 0.4,
			Backends: []string{"or-sonnet", "or-pro"},
		},
		{
			ID: "cloud-pro", Class: ClassRemote,
			MaxContextTokens: 1000000, CostWeight: 8, SpeedWeight: 0.3,
			Backends: []string{"or-pro", "or-sonnet"},
		},
	}
}

// Default builds the stock registry. Panics only on a programming error in
// the defaults themselves, so it is checked by tests rather than callers.
func Default() *Registry {
	r, err := Build(DefaultTiers(), DefaultBackends())
	if err != nil {
		panic("registry: invalid defaults: " + err.Error())
	}
	return r
}
