package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelmux/internal/types"
)

type fakeTrust struct {
	trusted map[string]bool
	samples int
}

func (f *fakeTrust) IsTrusted(model string, _ types.TaskType) (bool, int) {
	return f.trusted[model], f.samples
}

func newTestRegistry(t *testing.T, trust TrustProvider) *Registry {
	t.Helper()
	r, err := New(filepath.Join(t.TempDir(), "model-registry-state.json"), trust)
	require.NoError(t, err)
	return r
}

func TestLongContextForcesBigModel(t *testing.T) {
	r := newTestRegistry(t, nil)
	sel, err := r.SelectModel(types.TaskTypeAnalysis, 5, 300_000)
	require.NoError(t, err)
	assert.Equal(t, "sonnet-long", sel.Model.Name)
	assert.Greater(t, sel.Model.MaxContext, 200_000)
}

func TestComplexityPicksTier(t *testing.T) {
	r := newTestRegistry(t, nil)

	sel, err := r.SelectModel(types.TaskTypeCode, 9, 10_000)
	require.NoError(t, err)
	assert.Equal(t, TierPremium, sel.Model.Tier)

	sel, err = r.SelectModel(types.TaskTypeCode, 5, 10_000)
	require.NoError(t, err)
	assert.Equal(t, TierStandard, sel.Model.Tier)

	sel, err = r.SelectModel(types.TaskTypeFileOps, 2, 10_000)
	require.NoError(t, err)
	assert.Contains(t, []Tier{TierFast, TierBudget}, sel.Model.Tier)
}

func TestCheapestWithinTierWins(t *testing.T) {
	r := newTestRegistry(t, nil)
	// gpt-mini is cheaper than sonnet within the standard tier and has
	// the code strength.
	sel, err := r.SelectModel(types.TaskTypeWriting, 5, 10_000)
	require.NoError(t, err)
	assert.Equal(t, "gpt-mini", sel.Model.Name)
}

func TestLocalModelIsFreeAndPreferredForBudgetCode(t *testing.T) {
	r := newTestRegistry(t, nil)
	sel, err := r.SelectModel(types.TaskTypeFileOps, 1, 5_000)
	require.NoError(t, err)
	assert.Equal(t, "qwen-coder", sel.Model.Name)
	assert.Equal(t, "ollama/qwen-coder", sel.Qualified)
	assert.Zero(t, sel.Model.EstimatedCost(10_000))
}

func TestUnhealthyProviderExcluded(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.SetProviderHealth("qwen-coder", "ollama/", false)

	sel, err := r.SelectModel(types.TaskTypeFileOps, 1, 5_000)
	require.NoError(t, err)
	assert.NotEqual(t, "qwen-coder", sel.Model.Name)
}

func TestProviderHealthSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model-registry-state.json")
	r1, err := New(path, nil)
	require.NoError(t, err)
	r1.SetProviderHealth("qwen-coder", "ollama/", false)

	r2, err := New(path, nil)
	require.NoError(t, err)
	m, ok := r2.Lookup("qwen-coder")
	require.True(t, ok)
	assert.False(t, m.Providers[0].Healthy)
}

func TestTrustRestrictionNarrowsCandidates(t *testing.T) {
	trust := &fakeTrust{trusted: map[string]bool{"sonnet": true}, samples: 25}
	r := newTestRegistry(t, trust)

	sel, err := r.SelectModel(types.TaskTypeWriting, 5, 10_000)
	require.NoError(t, err)
	assert.Equal(t, "sonnet", sel.Model.Name)
}

func TestTrustIgnoredBelowSampleFloor(t *testing.T) {
	trust := &fakeTrust{trusted: map[string]bool{"sonnet": true}, samples: 5}
	r := newTestRegistry(t, trust)

	// Too few samples: cost ordering decides, not trust.
	sel, err := r.SelectModel(types.TaskTypeWriting, 5, 10_000)
	require.NoError(t, err)
	assert.Equal(t, "gpt-mini", sel.Model.Name)
}

func TestProviderPriorityBreaksTies(t *testing.T) {
	r := newTestRegistry(t, nil)
	sel, err := r.SelectModel(types.TaskTypeCode, 9, 10_000)
	require.NoError(t, err)
	assert.Equal(t, "anthropic/opus", sel.Qualified)
}
