package dedup

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelmux/internal/types"
)

func newTestDedup(t *testing.T) *Dedup {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "recent-tasks.json"))
	require.NoError(t, err)
	return d
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "process pages 1-10 of the report",
		Normalize("  Process pages 1-10, of THE report!!  "))
}

func TestExtractScopes(t *testing.T) {
	scopes := ExtractScopes("Process pages 1-10 and rows 200-300")
	require.Len(t, scopes, 2)
	assert.Equal(t, [2]int{1, 10}, scopes[0])
	assert.Equal(t, [2]int{200, 300}, scopes[1])
	assert.Empty(t, ExtractScopes("no ranges here"))
}

func TestDuplicateSkipped(t *testing.T) {
	d := newTestDedup(t)
	d.Register(types.Task{ID: "t1", Description: "Summarize the quarterly sales report for the board"})

	rec := d.Check(types.Task{ID: "t2", Description: "Summarize the quarterly sales report for the board"})
	assert.Equal(t, ActionSkip, rec.Action)
	assert.Equal(t, "t1", rec.ExistingID)
	assert.Greater(t, rec.Similarity, 0.70)
}

func TestScopeMismatchIsWarnNotSkip(t *testing.T) {
	d := newTestDedup(t)
	d.Register(types.Task{ID: "t1", Description: "Process pages 1-10 of the migration backlog document"})

	rec := d.Check(types.Task{ID: "t2", Description: "Process pages 11-20 of the migration backlog document"})
	assert.NotEqual(t, ActionSkip, rec.Action)
	assert.Equal(t, ActionWarn, rec.Action)
}

func TestFailedEntryDoesNotBlockRetry(t *testing.T) {
	d := newTestDedup(t)
	d.Register(types.Task{ID: "t1", Description: "Refactor the payment gateway integration module"})
	d.SetStatus("t1", StatusFailed)

	rec := d.Check(types.Task{ID: "t2", Description: "Refactor the payment gateway integration module"})
	assert.Equal(t, ActionProceed, rec.Action)
}

func TestDoneEntryStillSkips(t *testing.T) {
	d := newTestDedup(t)
	d.Register(types.Task{ID: "t1", Description: "Generate the onboarding checklist for new engineers"})
	d.SetStatus("t1", StatusDone)

	rec := d.Check(types.Task{ID: "t2", Description: "Generate the onboarding checklist for new engineers"})
	assert.Equal(t, ActionSkip, rec.Action)
}

func TestModerateOverlapWarns(t *testing.T) {
	d := newTestDedup(t)
	d.Register(types.Task{ID: "t1", Description: "write unit tests for the ledger budget component today"})

	rec := d.Check(types.Task{ID: "t2", Description: "write integration tests for the scheduler queue component today"})
	if rec.Similarity > 0.50 && rec.Similarity <= 0.70 {
		assert.Equal(t, ActionWarn, rec.Action)
	}
}

func TestUnrelatedTaskProceeds(t *testing.T) {
	d := newTestDedup(t)
	d.Register(types.Task{ID: "t1", Description: "Summarize the quarterly sales report"})

	rec := d.Check(types.Task{ID: "t2", Description: "Deploy kubernetes manifests to staging cluster"})
	assert.Equal(t, ActionProceed, rec.Action)
}

func TestWindowSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recent-tasks.json")
	d1, err := New(path)
	require.NoError(t, err)
	d1.Register(types.Task{ID: "t1", Description: "Summarize the quarterly sales report for the board"})

	d2, err := New(path)
	require.NoError(t, err)
	rec := d2.Check(types.Task{ID: "t2", Description: "Summarize the quarterly sales report for the board"})
	assert.Equal(t, ActionSkip, rec.Action)
	assert.Equal(t, "t1", rec.ExistingID)
}
