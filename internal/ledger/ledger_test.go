package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelmux/internal/types"
)

func newTestLedger(t *testing.T) (*Ledger, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l, err := New(DefaultConfig(), filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)
	l.now = func() time.Time { return now }
	// Re-anchor windows on the fake clock.
	l.state.ClaudeCode.SessionStart = now
	l.state.ClaudeCode.WeekStart = now
	l.state.Codex.SessionStart = now
	l.state.Codex.WeekStart = now
	l.state.API.DayStart = now
	l.state.API.MonthStart = now
	return l, &now
}

func TestAPIBudgetDenied(t *testing.T) {
	l, _ := newTestLedger(t)
	l.cfg.DailyBudgetUSD = 0.01

	// ~1M tokens costs far over a cent.
	dec := l.CheckBudget(types.BackendAPI, 1_000_000)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "daily API budget")
}

func TestAPIRecordAccruesUserCosts(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.RecordUsage(types.BackendAPI, 10_000, 0, "alice"))
	require.NoError(t, l.RecordUsage(types.BackendAPI, 10_000, 0, ""))

	users := l.UserCosts()
	assert.Greater(t, users["alice"].USD, 0.0)
	assert.Equal(t, 1, users["alice"].TasksCompleted)
	assert.Equal(t, 1, users[types.DefaultUserID].TasksCompleted)

	rep := l.Report()
	assert.Equal(t, 2, rep.API.TasksCompleted)
	assert.InDelta(t, users["alice"].USD*2, rep.API.DailyUSD, 1e-9)
}

func TestSubscriptionUsageAccruesSavings(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.RecordUsage(types.BackendClaudeCode, 50_000, 0, ""))

	entries, total := l.Savings()
	require.Len(t, entries, 1)
	assert.InDelta(t, DefaultPricing.Cost(50_000), total, 1e-9)
	assert.Greater(t, l.SessionPercent(types.BackendClaudeCode), 0.0)
}

func TestSessionResetAfterFiveHours(t *testing.T) {
	l, now := newTestLedger(t)
	require.NoError(t, l.RecordUsage(types.BackendCodex, 100_000, 0, ""))
	require.Greater(t, l.SessionPercent(types.BackendCodex), 0.0)

	*now = now.Add(5*time.Hour + time.Minute)
	l.CheckResets()
	assert.Zero(t, l.SessionPercent(types.BackendCodex))

	// Weekly percent survives the session reset.
	rep := l.Report()
	assert.Greater(t, rep.Codex.WeeklyPercent, 0.0)
}

func TestSavingsPrunedAfterRetention(t *testing.T) {
	l, now := newTestLedger(t)
	require.NoError(t, l.RecordUsage(types.BackendLocal, 10_000, 0, ""))

	*now = now.Add(91 * 24 * time.Hour)
	entries, total := l.Savings()
	assert.Empty(t, entries)
	// TotalSaved is a lifetime tally; it is not pruned.
	assert.Greater(t, total, 0.0)
}

func TestSessionExhaustedDeniesBudget(t *testing.T) {
	l, _ := newTestLedger(t)
	l.state.ClaudeCode.SessionPercent = 100
	dec := l.CheckBudget(types.BackendClaudeCode, 1000)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "session exhausted")
}

func TestStatePersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l, err := New(DefaultConfig(), path)
	require.NoError(t, err)
	require.NoError(t, l.RecordUsage(types.BackendLocal, 500, 0, ""))

	l2, err := New(DefaultConfig(), path)
	require.NoError(t, err)
	rep := l2.Report()
	assert.Equal(t, 1, rep.Local.TasksCompleted)
	assert.Equal(t, int64(500), rep.Local.TokensTotal)
}

func TestLocalAlwaysAllowed(t *testing.T) {
	l, _ := newTestLedger(t)
	dec := l.CheckBudget(types.BackendLocal, 10_000_000)
	assert.True(t, dec.Allowed)
}
