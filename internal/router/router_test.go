package router

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelmux/internal/backend"
	"modelmux/internal/breaker"
	"modelmux/internal/bus"
	"modelmux/internal/config"
	"modelmux/internal/dedup"
	"modelmux/internal/governor"
	"modelmux/internal/ledger"
	"modelmux/internal/planner"
	"modelmux/internal/registry"
	"modelmux/internal/types"
)

type fakeAdapter struct {
	backend types.Backend
	calls   int
	execute func(task types.Task) (*types.ExecutionResult, error)
}

func (f *fakeAdapter) Backend() types.Backend                { return f.backend }
func (f *fakeAdapter) IsAvailable(context.Context) bool      { return true }
func (f *fakeAdapter) SessionStatus(context.Context) backend.SessionStatus {
	return backend.SessionStatus{Available: true}
}
func (f *fakeAdapter) Execute(_ context.Context, task types.Task) (*types.ExecutionResult, error) {
	f.calls++
	if f.execute != nil {
		return f.execute(task)
	}
	return &types.ExecutionResult{Success: true, Backend: f.backend, Response: "ok from " + string(f.backend), Tokens: 100}, nil
}

type testRig struct {
	router   *Router
	adapters map[types.Backend]*fakeAdapter
}

func newTestRouter(t *testing.T) *testRig {
	t.Helper()
	dir := t.TempDir()

	events := bus.New()
	led, err := ledger.New(ledger.DefaultConfig(), filepath.Join(dir, "ledger.json"))
	require.NoError(t, err)
	gov, err := governor.New(governor.DefaultConfig(), filepath.Join(dir, "governor.json"), events)
	require.NoError(t, err)
	brk, err := breaker.New(breaker.DefaultConfig(), filepath.Join(dir, "breaker.json"), events, gov)
	require.NoError(t, err)
	ded, err := dedup.New(filepath.Join(dir, "recent-tasks.json"))
	require.NoError(t, err)
	reg, err := registry.New(filepath.Join(dir, "registry.json"), nil)
	require.NoError(t, err)
	apr, err := NewApprovals(filepath.Join(dir, "pending-plans.json"))
	require.NoError(t, err)

	fakes := map[types.Backend]*fakeAdapter{}
	set := backend.Set{}
	for _, b := range types.AllBackends {
		f := &fakeAdapter{backend: b}
		fakes[b] = f
		set[b] = f
	}

	cfg := config.DefaultConfig()
	r := New(cfg, planner.New(cfg.Planner), ded, led, gov, brk, reg, set, events, apr, nil)
	r.sleep = func(context.Context, time.Duration) {}
	return &testRig{router: r, adapters: fakes}
}

func TestSelfHandleGate(t *testing.T) {
	rig := newTestRouter(t)
	res, err := rig.router.Route(context.Background(), types.Task{Description: "What time is it in Tokyo?"}, Options{})
	require.NoError(t, err)
	assert.True(t, res.SelfHandle)
	for _, f := range rig.adapters {
		assert.Zero(t, f.calls)
	}
}

func TestSingleStepExecution(t *testing.T) {
	rig := newTestRouter(t)
	res, err := rig.router.Route(context.Background(),
		types.Task{ID: "t1", Description: "Summarize the quarterly sales report for the board", Complexity: 2}, Options{})
	require.NoError(t, err)
	require.NotNil(t, res.Result)
	assert.True(t, res.Result.Success)
	assert.Empty(t, res.Steps)
}

func TestDuplicateTaskSkipped(t *testing.T) {
	rig := newTestRouter(t)
	desc := "Summarize the quarterly sales report for the board"

	_, err := rig.router.Route(context.Background(), types.Task{ID: "t1", Description: desc, Complexity: 2}, Options{})
	require.NoError(t, err)

	res, err := rig.router.Route(context.Background(), types.Task{ID: "t2", Description: desc, Complexity: 2}, Options{})
	require.NoError(t, err)
	assert.True(t, res.Deduplicated)
	assert.Equal(t, "t1", res.ExistingID)
}

func TestForceBypassesDedup(t *testing.T) {
	rig := newTestRouter(t)
	desc := "Summarize the quarterly sales report for the board"

	_, err := rig.router.Route(context.Background(), types.Task{ID: "t1", Description: desc, Complexity: 2}, Options{})
	require.NoError(t, err)

	res, err := rig.router.Route(context.Background(), types.Task{ID: "t2", Description: desc, Complexity: 2}, Options{Force: true})
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	require.NotNil(t, res.Result)
}

func TestPlanOnlyReturnsWithoutExecuting(t *testing.T) {
	rig := newTestRouter(t)
	res, err := rig.router.Route(context.Background(),
		types.Task{ID: "t1", Description: "Summarize the quarterly sales report for the board", Complexity: 2}, Options{PlanOnly: true})
	require.NoError(t, err)
	require.NotNil(t, res.Plan)
	for _, f := range rig.adapters {
		assert.Zero(t, f.calls)
	}
}

func execPlan(id string, steps ...types.Step) *types.Plan {
	return &types.Plan{
		ID:     id,
		TaskID: "task-" + id,
		Task:   types.Task{ID: "task-" + id, Description: "handmade"},
		Steps:  steps,
	}
}

func TestFallbackChainForCriticalStep(t *testing.T) {
	rig := newTestRouter(t)
	rig.adapters[types.BackendClaudeCode].execute = func(types.Task) (*types.ExecutionResult, error) {
		return nil, types.NewBackendError(types.BackendClaudeCode, types.ErrKindTransient, "spawn failed")
	}
	rig.adapters[types.BackendAPI].execute = func(types.Task) (*types.ExecutionResult, error) {
		return nil, types.NewBackendError(types.BackendAPI, types.ErrKindTransient, "upstream 500")
	}

	plan := execPlan("p1", types.Step{
		ID: "p1-0", Backend: types.BackendClaudeCode, Type: types.StepCode,
		Critical: true, EstimatedTokens: 500,
	})
	res, err := rig.router.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.NotNil(t, res.Result)
	assert.Equal(t, types.BackendLocal, res.Result.Backend)
	assert.Equal(t, 1, rig.adapters[types.BackendClaudeCode].calls)
	assert.Equal(t, 1, rig.adapters[types.BackendAPI].calls)
	assert.Equal(t, 1, rig.adapters[types.BackendLocal].calls)
}

func TestFatalErrorStopsFallback(t *testing.T) {
	rig := newTestRouter(t)
	rig.adapters[types.BackendClaudeCode].execute = func(types.Task) (*types.ExecutionResult, error) {
		return nil, types.NewBackendError(types.BackendClaudeCode, types.ErrKindFatal, "bad configuration")
	}

	plan := execPlan("p2", types.Step{
		ID: "p2-0", Backend: types.BackendClaudeCode, Type: types.StepCode,
		Critical: true, EstimatedTokens: 500,
	})
	_, err := rig.router.Execute(context.Background(), plan)
	require.Error(t, err)
	assert.Zero(t, rig.adapters[types.BackendAPI].calls)
	assert.Zero(t, rig.adapters[types.BackendLocal].calls)
}

func TestNonCriticalStepNotRetriedElsewhere(t *testing.T) {
	rig := newTestRouter(t)
	rig.adapters[types.BackendCodex].execute = func(types.Task) (*types.ExecutionResult, error) {
		return nil, types.NewBackendError(types.BackendCodex, types.ErrKindTransient, "boom")
	}

	plan := execPlan("p3",
		types.Step{ID: "p3-0", Backend: types.BackendCodex, Type: types.StepFileOps, EstimatedTokens: 500},
		types.Step{ID: "p3-1", Backend: types.BackendLocal, Type: types.StepDocs, Critical: true, EstimatedTokens: 500},
	)
	res, err := rig.router.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Zero(t, rig.adapters[types.BackendClaudeCode].calls)
	require.Len(t, res.Steps, 2)
	assert.True(t, res.Steps[0].Skipped)
	assert.NotNil(t, res.Steps[1].Result)
}

func TestCriticalDependencyFailureSkipsDependents(t *testing.T) {
	rig := newTestRouter(t)
	for _, f := range rig.adapters {
		f.execute = func(types.Task) (*types.ExecutionResult, error) {
			return nil, types.NewBackendError(types.BackendLocal, types.ErrKindTransient, "down")
		}
	}

	plan := execPlan("p4",
		types.Step{ID: "p4-0", Backend: types.BackendClaudeCode, Type: types.StepCode, Critical: true, EstimatedTokens: 500},
		types.Step{ID: "p4-1", Backend: types.BackendLocal, Type: types.StepSynthesis, Critical: true,
			Dependencies: []string{"p4-0"}, EstimatedTokens: 500},
	)
	_, err := rig.router.Execute(context.Background(), plan)
	require.Error(t, err)
}

func TestDependencyContextIsClipped(t *testing.T) {
	rig := newTestRouter(t)
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	rig.adapters[types.BackendCodex].execute = func(types.Task) (*types.ExecutionResult, error) {
		return &types.ExecutionResult{Success: true, Backend: types.BackendCodex, Response: string(long), Tokens: 10}, nil
	}
	var gotContext string
	rig.adapters[types.BackendLocal].execute = func(task types.Task) (*types.ExecutionResult, error) {
		gotContext = task.Metadata["context"]
		return &types.ExecutionResult{Success: true, Backend: types.BackendLocal, Response: "done", Tokens: 10}, nil
	}

	plan := execPlan("p5",
		types.Step{ID: "p5-0", Backend: types.BackendCodex, Type: types.StepQuickCode, Critical: true, EstimatedTokens: 500},
		types.Step{ID: "p5-1", Backend: types.BackendLocal, Type: types.StepDocs,
			Dependencies: []string{"p5-0"}, EstimatedTokens: 500},
	)
	_, err := rig.router.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Len(t, gotContext, contextClipChars)
}

func TestApprovalGateAndResume(t *testing.T) {
	rig := newTestRouter(t)
	desc := "Analyze entire codebase using API for comprehensive security audit covering every service boundary and every integration we run in production today across all deployments"
	files := make([]string, 20)
	for i := range files {
		files[i] = "f.go"
	}

	res, err := rig.router.Route(context.Background(),
		types.Task{ID: "t1", Description: desc, Files: files, ToolsNeeded: []string{"web"}}, Options{Force: true})
	require.NoError(t, err)
	assert.True(t, res.NeedsApproval)
	require.Len(t, rig.router.Approvals.List(), 1)
	for _, f := range rig.adapters {
		assert.Zero(t, f.calls)
	}

	resumed, err := rig.router.Approve(context.Background(), res.PlanID)
	require.NoError(t, err)
	assert.NotNil(t, resumed.Result)
	assert.Empty(t, rig.router.Approvals.List())
}

func TestMissingAdapterFreesHalfOpenSlot(t *testing.T) {
	rig := newTestRouter(t)
	brk, err := breaker.New(
		breaker.Config{FailureThreshold: 5, FailureWindow: 15 * time.Minute, Cooldown: time.Millisecond},
		filepath.Join(t.TempDir(), "cb.json"), nil, nil)
	require.NoError(t, err)
	rig.router.Breaker = brk

	delete(rig.router.Adapters, types.BackendCodex)
	for i := 0; i < 5; i++ {
		brk.RecordFailure(types.BackendCodex, breaker.FailureOpts{})
	}
	time.Sleep(5 * time.Millisecond)

	plan := execPlan("p7", types.Step{
		ID: "p7-0", Backend: types.BackendCodex, Type: types.StepQuickCode,
		Critical: true, EstimatedTokens: 500,
	})
	res, err := rig.router.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.NotNil(t, res.Result)
	assert.Equal(t, types.BackendClaudeCode, res.Result.Backend)

	// The admission that hit the missing-adapter path must not leave the
	// half-open slot claimed; the next caller still gets the probe.
	ok, _ := brk.CanExecute(types.BackendCodex)
	assert.True(t, ok)
}

func TestRateLimitFailureNotifiesGovernor(t *testing.T) {
	rig := newTestRouter(t)
	rig.adapters[types.BackendCodex].execute = func(types.Task) (*types.ExecutionResult, error) {
		return nil, types.NewBackendError(types.BackendCodex, types.ErrKindRateLimit, "429")
	}

	plan := execPlan("p6", types.Step{ID: "p6-0", Backend: types.BackendCodex, Type: types.StepQuickCode, EstimatedTokens: 500})
	_, err := rig.router.Execute(context.Background(), plan)
	require.Error(t, err)

	// The breaker forwards rate-limit failures to the governor, which
	// starts a throttle cooldown.
	d := rig.router.Governor.CanUse(types.BackendCodex)
	assert.False(t, d.Allowed)
}
