package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelmux/internal/types"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "modelmux", cfg.Name)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 2.00, cfg.Planner.ApprovalThresholdUSD)
	assert.Equal(t, 1, cfg.Backends.ClaudeCode.Concurrency)
	assert.Equal(t, 3, cfg.Backends.Codex.Concurrency)
}

func TestLoadPartialDocumentBackfillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
backends:
  api:
    dailyBudgetUsd: 25.5
circuitBreaker:
  failureThreshold: 9
unknownKey: ignored
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25.5, cfg.Backends.API.DailyBudgetUSD)
	assert.Equal(t, 9, cfg.CircuitBreaker.FailureThreshold)
	// Untouched sections keep defaults.
	assert.Equal(t, 10, cfg.CircuitBreaker.CooldownMinutes)
	assert.Equal(t, 15, cfg.Scheduler.TickSeconds)
}

func TestEnvDataDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDataDir, dir)

	cfg, err := Load(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "ledger.json"), cfg.StatePath("ledger.json"))
}

func TestSchedulerCooldowns(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 20*time.Minute, cfg.Scheduler.Cooldown(types.BackendClaudeCode))
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Cooldown(types.BackendCodex))
	assert.Equal(t, time.Duration(0), cfg.Scheduler.Cooldown(types.BackendAPI))
}

func TestBackendsFor(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1, cfg.Backends.For(types.BackendClaudeCode).Concurrency)
	assert.Equal(t, 0, cfg.Backends.For(types.BackendLocal).Concurrency)
	assert.Equal(t, 30*time.Minute, cfg.Backends.For(types.BackendClaudeCode).Timeout())
}
