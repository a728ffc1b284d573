package registry

// defaultCatalogue is the built-in model table. Costs are USD per 1K
// tokens. Provider priority: direct API first, gateway second.
func defaultCatalogue() []Model {
	direct := Provider{Prefix: "anthropic/", Healthy: true, Priority: 0}
	gateway := Provider{Prefix: "openrouter/", Healthy: true, Priority: 1}
	openai := Provider{Prefix: "openai/", Healthy: true, Priority: 0}
	ollama := Provider{Prefix: "ollama/", Healthy: true, Priority: 0}

	return []Model{
		{
			Name:         "opus",
			Providers:    []Provider{direct, gateway},
			Tier:         TierPremium,
			CostPer1KIn:  0.015,
			CostPer1KOut: 0.075,
			MaxContext:   200_000,
			Strengths:    []string{"code", "reasoning", "analysis", "research"},
		},
		{
			Name:         "sonnet",
			Providers:    []Provider{direct, gateway},
			Tier:         TierStandard,
			CostPer1KIn:  0.003,
			CostPer1KOut: 0.015,
			MaxContext:   200_000,
			Strengths:    []string{"code", "reasoning", "analysis", "writing", "general"},
		},
		{
			Name:         "sonnet-long",
			Providers:    []Provider{direct},
			Tier:         TierStandard,
			CostPer1KIn:  0.006,
			CostPer1KOut: 0.0225,
			MaxContext:   1_000_000,
			Strengths:    []string{"analysis", "research", "general"},
		},
		{
			Name:         "gpt-mini",
			Providers:    []Provider{openai, gateway},
			Tier:         TierStandard,
			CostPer1KIn:  0.0025,
			CostPer1KOut: 0.010,
			MaxContext:   128_000,
			Strengths:    []string{"code", "writing", "general"},
		},
		{
			Name:         "haiku",
			Providers:    []Provider{direct, gateway},
			Tier:         TierFast,
			CostPer1KIn:  0.0008,
			CostPer1KOut: 0.004,
			MaxContext:   200_000,
			Strengths:    []string{"speed", "code", "writing", "general"},
		},
		{
			Name:         "gpt-nano",
			Providers:    []Provider{openai},
			Tier:         TierBudget,
			CostPer1KIn:  0.0001,
			CostPer1KOut: 0.0004,
			MaxContext:   128_000,
			Strengths:    []string{"speed", "general"},
		},
		{
			Name:         "qwen-coder",
			Providers:    []Provider{ollama},
			Tier:         TierBudget,
			CostPer1KIn:  0,
			CostPer1KOut: 0,
			MaxContext:   32_000,
			Strengths:    []string{"code", "speed"},
		},
	}
}
