package governor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelmux/internal/types"
)

func newTestGovernor(t *testing.T) (*Governor, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	g, err := New(DefaultConfig(), filepath.Join(t.TempDir(), "rate-governor-state.json"), nil)
	require.NoError(t, err)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestUnlimitedBackendAlwaysAllowed(t *testing.T) {
	g, _ := newTestGovernor(t)
	for i := 0; i < 500; i++ {
		g.RecordRequest(types.BackendAPI, true)
	}
	assert.True(t, g.CanUse(types.BackendAPI).Allowed)
}

func TestHardLimitDeniesWithSuggestion(t *testing.T) {
	g, _ := newTestGovernor(t)
	for i := 0; i < 30; i++ {
		g.RecordRequest(types.BackendClaudeCode, true)
	}

	dec := g.CanUse(types.BackendClaudeCode)
	assert.False(t, dec.Allowed)
	assert.Equal(t, types.BackendCodex, dec.SuggestedBackend)
	assert.Contains(t, dec.Reason, "at limit")
}

func TestSoftLimitAddsDelay(t *testing.T) {
	g, _ := newTestGovernor(t)
	// 24 of 30 = 80%
	for i := 0; i < 24; i++ {
		g.RecordRequest(types.BackendClaudeCode, true)
	}
	dec := g.CanUse(types.BackendClaudeCode)
	assert.True(t, dec.Allowed)
	assert.Equal(t, 5000, dec.DelayMs)
}

func TestAdaptiveTightening(t *testing.T) {
	g, _ := newTestGovernor(t)
	for i := 0; i < 12; i++ {
		g.RecordRequest(types.BackendClaudeCode, true)
	}

	g.RecordThrottle(types.BackendClaudeCode)

	// newLimit = max(1, floor(12*0.8)) = 9
	assert.Equal(t, 9, g.CurrentLimit(types.BackendClaudeCode))

	dec := g.CanUse(types.BackendClaudeCode)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "cooling down")
}

func TestCooldownExpiryClears(t *testing.T) {
	g, now := newTestGovernor(t)
	g.RecordThrottle(types.BackendCodex)
	require.False(t, g.CanUse(types.BackendCodex).Allowed)

	*now = now.Add(16 * time.Minute)
	dec := g.CanUse(types.BackendCodex)
	assert.True(t, dec.Allowed)
}

func TestThrottleFloorsAtOne(t *testing.T) {
	g, _ := newTestGovernor(t)
	g.RecordThrottle(types.BackendCodex) // empty window: floor(0*0.8)=0 -> 1
	assert.Equal(t, 1, g.CurrentLimit(types.BackendCodex))
}

func TestResetRestoresDefault(t *testing.T) {
	g, now := newTestGovernor(t)
	g.RecordThrottle(types.BackendClaudeCode)
	g.ResetBackend(types.BackendClaudeCode)
	assert.Equal(t, 30, g.CurrentLimit(types.BackendClaudeCode))
	assert.True(t, g.CanUse(types.BackendClaudeCode).Allowed)

	g.AdjustLimit(types.BackendClaudeCode, 5)
	assert.Equal(t, 5, g.CurrentLimit(types.BackendClaudeCode))
	_ = now
}

func TestWindowSlides(t *testing.T) {
	g, now := newTestGovernor(t)
	for i := 0; i < 30; i++ {
		g.RecordRequest(types.BackendClaudeCode, true)
	}
	require.False(t, g.CanUse(types.BackendClaudeCode).Allowed)

	*now = now.Add(61 * time.Minute)
	assert.True(t, g.CanUse(types.BackendClaudeCode).Allowed)
	assert.Zero(t, g.WindowCount(types.BackendClaudeCode))
}

func TestDeterministicGivenPersistedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rate-governor-state.json")
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	g1, err := New(DefaultConfig(), path, nil)
	require.NoError(t, err)
	g1.now = func() time.Time { return now }
	for i := 0; i < 12; i++ {
		g1.RecordRequest(types.BackendClaudeCode, true)
	}
	g1.RecordThrottle(types.BackendClaudeCode)
	d1 := g1.CanUse(types.BackendClaudeCode)

	// A fresh governor over the same file at the same instant agrees.
	g2, err := New(DefaultConfig(), path, nil)
	require.NoError(t, err)
	g2.now = func() time.Time { return now }
	d2 := g2.CanUse(types.BackendClaudeCode)

	assert.Equal(t, d1.Allowed, d2.Allowed)
	assert.Equal(t, d1.Reason, d2.Reason)
	assert.Equal(t, g1.CurrentLimit(types.BackendClaudeCode), g2.CurrentLimit(types.BackendClaudeCode))
}

func TestInsightsAggregation(t *testing.T) {
	g, now := newTestGovernor(t)
	g.RecordThrottle(types.BackendClaudeCode)
	*now = now.Add(10 * time.Minute)
	g.RecordThrottle(types.BackendClaudeCode)

	for _, ins := range g.Insights() {
		if ins.Backend == types.BackendClaudeCode {
			assert.Equal(t, 2, ins.ThrottleCount)
			assert.InDelta(t, 10.0, ins.MeanIntervalMinutes, 0.01)
			return
		}
	}
	t.Fatal("claude-code insight missing")
}
