package config

import (
	"time"

	"modelmux/internal/types"
)

// BackendConfig holds the knobs shared by every backend.
type BackendConfig struct {
	Enabled        bool `yaml:"enabled"`
	TimeoutSeconds int  `yaml:"timeoutSeconds"`
	Concurrency    int  `yaml:"concurrency"` // 0 = unbounded at the adapter
	RateLimit      int  `yaml:"rateLimit"`   // requests per governor window, 0 = unlimited
}

// Timeout returns the per-process execution timeout.
func (b BackendConfig) Timeout() time.Duration {
	if b.TimeoutSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// APIBackendConfig adds budget and model settings for the paid API family.
type APIBackendConfig struct {
	BackendConfig    `yaml:",inline"`
	DailyBudgetUSD   float64 `yaml:"dailyBudgetUsd"`
	MonthlyBudgetUSD float64 `yaml:"monthlyBudgetUsd"`
	DefaultModel     string  `yaml:"defaultModel"`
	Endpoint         string  `yaml:"endpoint"`  // chat completion URL
	APIKeyEnv        string  `yaml:"apiKeyEnv"` // env var holding the key
}

// LocalBackendConfig adds the HTTP endpoint of the local model server.
type LocalBackendConfig struct {
	BackendConfig `yaml:",inline"`
	BaseURL       string `yaml:"baseUrl"`
	Model         string `yaml:"model"`
}

// BackendsConfig groups all backend sections.
type BackendsConfig struct {
	ClaudeCode BackendConfig      `yaml:"claude-code"`
	Codex      BackendConfig      `yaml:"codex"`
	API        APIBackendConfig   `yaml:"api"`
	Local      LocalBackendConfig `yaml:"local"`
}

// For returns the shared section for a backend id.
func (b BackendsConfig) For(backend types.Backend) BackendConfig {
	switch backend {
	case types.BackendClaudeCode:
		return b.ClaudeCode
	case types.BackendCodex:
		return b.Codex
	case types.BackendAPI:
		return b.API.BackendConfig
	case types.BackendLocal:
		return b.Local.BackendConfig
	}
	return BackendConfig{}
}

// CircuitBreakerConfig tunes the per-backend breaker state machine.
type CircuitBreakerConfig struct {
	FailureThreshold     int `yaml:"failureThreshold"`
	FailureWindowMinutes int `yaml:"failureWindowMinutes"`
	CooldownMinutes      int `yaml:"cooldownMinutes"`
}

// FailureWindow returns the rolling failure window.
func (c CircuitBreakerConfig) FailureWindow() time.Duration {
	return time.Duration(c.FailureWindowMinutes) * time.Minute
}

// Cooldown returns the OPEN-state cooldown.
func (c CircuitBreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// RateGovernorConfig tunes the sliding-window rate governor.
type RateGovernorConfig struct {
	WindowMinutes   int `yaml:"windowMinutes"`
	CooldownMinutes int `yaml:"cooldownMinutes"`
}

// Window returns the sliding-window length.
func (c RateGovernorConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// Cooldown returns the throttle cooldown.
func (c RateGovernorConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// SchedulerConfig tunes the subscription queue.
type SchedulerConfig struct {
	TickSeconds                          int            `yaml:"tickSeconds"`
	MaxRetries                           int            `yaml:"maxRetries"`
	MaxConsecutiveCircuitBreakerFailures int            `yaml:"maxConsecutiveCircuitBreakerFailures"`
	Cooldowns                            map[string]int `yaml:"cooldowns"` // minutes per backend
}

// Tick returns the dispatch interval.
func (c SchedulerConfig) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// Cooldown returns the post-completion cooldown for a backend.
func (c SchedulerConfig) Cooldown(backend types.Backend) time.Duration {
	if m, ok := c.Cooldowns[string(backend)]; ok {
		return time.Duration(m) * time.Minute
	}
	return 0
}

// ShadowBenchConfig tunes the shadow benchmark loop.
type ShadowBenchConfig struct {
	Enabled              bool    `yaml:"enabled"`
	IdleThresholdPercent int     `yaml:"idleThresholdPercent"`
	MaxConcurrentShadows int     `yaml:"maxConcurrentShadows"`
	RetentionDays        int     `yaml:"retentionDays"`
	MinSamples           int     `yaml:"minSamples"`
	TrustedMinSamples    int     `yaml:"trustedMinSamples"`
	PromisingThreshold   float64 `yaml:"promisingThreshold"`
	TrustedThreshold     float64 `yaml:"trustedThreshold"`
}
