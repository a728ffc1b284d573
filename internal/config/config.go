// Package config holds all modelmux configuration.
// Configuration is loaded from a YAML document at startup; unknown keys
// are ignored. Every section has working defaults so a missing file is
// not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// EnvDataDir overrides the data directory (used by tests and CI).
const EnvDataDir = "MODELMUX_DATA_DIR"

// Config is the root configuration document.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// DataDir is where all persisted state lives. One directory per process.
	DataDir string `yaml:"data_dir"`

	Backends       BackendsConfig       `yaml:"backends"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	RateGovernor   RateGovernorConfig   `yaml:"rateGovernor"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	ShadowBench    ShadowBenchConfig    `yaml:"shadowBench"`
	Warmup         WarmupConfig         `yaml:"warmup"`
	Dashboard      DashboardConfig      `yaml:"dashboard"`
	Planner        PlannerConfig        `yaml:"planner"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// PlannerConfig configures decomposition thresholds.
type PlannerConfig struct {
	// ApprovalThresholdUSD gates multi-step plans behind human approval.
	ApprovalThresholdUSD float64 `yaml:"approvalThresholdUsd"`
}

// WarmupConfig configures the keep-warm probe loop.
type WarmupConfig struct {
	IntervalMs int `yaml:"intervalMs"`
}

// DashboardConfig configures the HTTP/SSE dashboard.
type DashboardConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"authToken"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "modelmux",
		Version: "1.0.0",
		DataDir: defaultDataDir(),
		Backends: BackendsConfig{
			ClaudeCode: BackendConfig{Enabled: true, TimeoutSeconds: 1800, Concurrency: 1, RateLimit: 30},
			Codex:      BackendConfig{Enabled: true, TimeoutSeconds: 900, Concurrency: 3, RateLimit: 60},
			API: APIBackendConfig{
				BackendConfig:   BackendConfig{Enabled: true, TimeoutSeconds: 300, Concurrency: 0, RateLimit: 0},
				DailyBudgetUSD:  10.0,
				MonthlyBudgetUSD: 150.0,
				DefaultModel:    "sonnet",
				Endpoint:        "https://openrouter.ai/api/v1/chat/completions",
				APIKeyEnv:       "MODELMUX_API_KEY",
			},
			Local: LocalBackendConfig{
				BackendConfig: BackendConfig{Enabled: true, TimeoutSeconds: 600, Concurrency: 0, RateLimit: 0},
				BaseURL:       "http://127.0.0.1:11434",
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:     5,
			FailureWindowMinutes: 15,
			CooldownMinutes:      10,
		},
		RateGovernor: RateGovernorConfig{
			WindowMinutes:   60,
			CooldownMinutes: 15,
		},
		Scheduler: SchedulerConfig{
			TickSeconds: 15,
			MaxRetries:  2,
			MaxConsecutiveCircuitBreakerFailures: 3,
			Cooldowns: map[string]int{
				"claude-code": 20,
				"codex":       5,
			},
		},
		ShadowBench: ShadowBenchConfig{
			Enabled:              true,
			IdleThresholdPercent: 50,
			MaxConcurrentShadows: 2,
			RetentionDays:        90,
			MinSamples:           5,
			TrustedMinSamples:    20,
			PromisingThreshold:   0.70,
			TrustedThreshold:     0.85,
		},
		Warmup:    WarmupConfig{IntervalMs: 15 * 60 * 1000},
		Dashboard: DashboardConfig{Port: 8787},
		Planner:   PlannerConfig{ApprovalThresholdUSD: 2.00},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from path, layering it over the defaults.
// A missing file returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnv applies environment overrides after file load.
func (c *Config) applyEnv() {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		c.DataDir = dir
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
}

// applyDefaults backfills zero values a partial document left unset.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Planner.ApprovalThresholdUSD <= 0 {
		c.Planner.ApprovalThresholdUSD = d.Planner.ApprovalThresholdUSD
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		c.CircuitBreaker.FailureThreshold = d.CircuitBreaker.FailureThreshold
	}
	if c.CircuitBreaker.FailureWindowMinutes <= 0 {
		c.CircuitBreaker.FailureWindowMinutes = d.CircuitBreaker.FailureWindowMinutes
	}
	if c.CircuitBreaker.CooldownMinutes <= 0 {
		c.CircuitBreaker.CooldownMinutes = d.CircuitBreaker.CooldownMinutes
	}
	if c.RateGovernor.WindowMinutes <= 0 {
		c.RateGovernor.WindowMinutes = d.RateGovernor.WindowMinutes
	}
	if c.RateGovernor.CooldownMinutes <= 0 {
		c.RateGovernor.CooldownMinutes = d.RateGovernor.CooldownMinutes
	}
	if c.Scheduler.TickSeconds <= 0 {
		c.Scheduler.TickSeconds = d.Scheduler.TickSeconds
	}
	if c.Scheduler.MaxRetries <= 0 {
		c.Scheduler.MaxRetries = d.Scheduler.MaxRetries
	}
	if c.Scheduler.MaxConsecutiveCircuitBreakerFailures <= 0 {
		c.Scheduler.MaxConsecutiveCircuitBreakerFailures = d.Scheduler.MaxConsecutiveCircuitBreakerFailures
	}
	if len(c.Scheduler.Cooldowns) == 0 {
		c.Scheduler.Cooldowns = d.Scheduler.Cooldowns
	}
	if c.ShadowBench.MaxConcurrentShadows <= 0 {
		c.ShadowBench.MaxConcurrentShadows = d.ShadowBench.MaxConcurrentShadows
	}
	if c.ShadowBench.IdleThresholdPercent <= 0 {
		c.ShadowBench.IdleThresholdPercent = d.ShadowBench.IdleThresholdPercent
	}
	if c.ShadowBench.RetentionDays <= 0 {
		c.ShadowBench.RetentionDays = d.ShadowBench.RetentionDays
	}
	if c.ShadowBench.MinSamples <= 0 {
		c.ShadowBench.MinSamples = d.ShadowBench.MinSamples
	}
	if c.ShadowBench.TrustedMinSamples <= 0 {
		c.ShadowBench.TrustedMinSamples = d.ShadowBench.TrustedMinSamples
	}
	if c.ShadowBench.PromisingThreshold <= 0 {
		c.ShadowBench.PromisingThreshold = d.ShadowBench.PromisingThreshold
	}
	if c.ShadowBench.TrustedThreshold <= 0 {
		c.ShadowBench.TrustedThreshold = d.ShadowBench.TrustedThreshold
	}
	if c.Warmup.IntervalMs <= 0 {
		c.Warmup.IntervalMs = d.Warmup.IntervalMs
	}
	if c.Dashboard.Port <= 0 {
		c.Dashboard.Port = d.Dashboard.Port
	}
}

// EnsureDataDir creates the data directory if needed and returns it.
func (c *Config) EnsureDataDir() (string, error) {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", c.DataDir, err)
	}
	return c.DataDir, nil
}

// StatePath returns the path of a persisted state file inside the data dir.
func (c *Config) StatePath(name string) string {
	return filepath.Join(c.DataDir, name)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".modelmux"
	}
	return filepath.Join(home, ".modelmux")
}
