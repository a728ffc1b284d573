// Package router orchestrates the full routing pipeline: self-handle
// gate, dedup, planning, approval, gated execution with fallback, and
// shadow dispatch.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"modelmux/internal/backend"
	"modelmux/internal/breaker"
	"modelmux/internal/bus"
	"modelmux/internal/config"
	"modelmux/internal/dedup"
	"modelmux/internal/governor"
	"modelmux/internal/ledger"
	"modelmux/internal/logging"
	"modelmux/internal/planner"
	"modelmux/internal/registry"
	"modelmux/internal/types"
)

// contextClipChars bounds each dependency output carried into a step.
const contextClipChars = 500

// fallbackChain is the static retry order for critical steps whose
// declared backend is unavailable.
var fallbackChain = []types.Backend{types.BackendClaudeCode, types.BackendAPI, types.BackendLocal}

// ShadowRunner receives fire-and-forget shadow work. The shadow bench
// implements it; nil disables shadowing.
type ShadowRunner interface {
	Enqueue(task types.Task, primary *types.ExecutionResult)
}

// Options modify a single route call.
type Options struct {
	PlanOnly    bool // return the plan without executing
	PreApproved bool // skip the approval gate
	Force       bool // bypass self-handle and dedup gates
}

// Router wires every component. All fields are required except Shadow.
type Router struct {
	Cfg       *config.Config
	Planner   *planner.Planner
	Dedup     *dedup.Dedup
	Ledger    *ledger.Ledger
	Governor  *governor.Governor
	Breaker   *breaker.Breaker
	Registry  *registry.Registry
	Adapters  backend.Set
	Events    *bus.Bus
	Approvals *Approvals
	Shadow    ShadowRunner

	// sleep is swapped out by tests so soft-limit delays do not stall.
	sleep func(ctx context.Context, d time.Duration)
}

// New builds a router over pre-wired components.
func New(cfg *config.Config, p *planner.Planner, d *dedup.Dedup, l *ledger.Ledger,
	g *governor.Governor, b *breaker.Breaker, reg *registry.Registry,
	adapters backend.Set, events *bus.Bus, approvals *Approvals, shadow ShadowRunner) *Router {
	return &Router{
		Cfg: cfg, Planner: p, Dedup: d, Ledger: l, Governor: g, Breaker: b,
		Registry: reg, Adapters: adapters, Events: events, Approvals: approvals,
		Shadow: shadow,
		sleep:  sleepCtx,
	}
}

// Route runs the full pipeline for one task.
func (r *Router) Route(ctx context.Context, task types.Task, opts Options) (*types.RouteResult, error) {
	if task.ID == "" {
		task.ID = fmt.Sprintf("task-%d", time.Now().UnixNano())
	}
	r.Ledger.CheckResets()

	if !opts.Force {
		if conf := r.Planner.AssessConfidence(task); conf.Recommendation == planner.RecommendSelf {
			return &types.RouteResult{SelfHandle: true, Reason: conf.Reason}, nil
		}

		if rec := r.Dedup.Check(task); rec.Action == dedup.ActionSkip {
			r.publish(bus.EventTaskSkipped, task.ID, "", rec.Reason)
			return &types.RouteResult{Deduplicated: true, ExistingID: rec.ExistingID, Reason: rec.Reason}, nil
		}
	}

	plan := r.Planner.Decompose(task)
	r.publish(bus.EventPlanCreated, task.ID, "", fmt.Sprintf("plan %s with %d step(s)", plan.ID, len(plan.Steps)))
	if opts.PlanOnly {
		return &types.RouteResult{PlanID: plan.ID, Plan: plan}, nil
	}

	if plan.NeedsApproval && !opts.PreApproved {
		r.Approvals.Add(plan)
		r.publish(bus.EventPlanApproval, task.ID, "",
			fmt.Sprintf("plan %s needs approval ($%.2f estimated)", plan.ID, plan.TotalCost))
		return &types.RouteResult{NeedsApproval: true, PlanID: plan.ID, Plan: plan}, nil
	}

	return r.Execute(ctx, plan)
}

// ExecuteOn runs a task on one specific backend through the full gate
// pipeline. The scheduler uses it for queued subscription work.
func (r *Router) ExecuteOn(ctx context.Context, b types.Backend, task types.Task) (*types.ExecutionResult, error) {
	step := types.Step{
		ID:              task.ID,
		Backend:         b,
		EstimatedTokens: planner.EstimateTokens(task.Description, len(task.Files)),
	}
	return r.tryBackend(ctx, b, step, task)
}

// Approve resumes a previously gated plan.
func (r *Router) Approve(ctx context.Context, planID string) (*types.RouteResult, error) {
	plan, err := r.Approvals.Take(planID)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx, plan)
}

// Execute walks a plan in dependency order and aggregates the outcome.
func (r *Router) Execute(ctx context.Context, plan *types.Plan) (*types.RouteResult, error) {
	task := plan.Task
	r.Dedup.Register(task)
	r.Dedup.SetStatus(task.ID, dedup.StatusRunning)
	r.publish(bus.EventTaskStarted, task.ID, "", fmt.Sprintf("executing plan %s", plan.ID))

	outcomes := make([]types.StepOutcome, 0, len(plan.Steps))
	responses := make(map[string]string, len(plan.Steps))
	succeeded := make(map[string]bool, len(plan.Steps))

	var lastResult *types.ExecutionResult
	anyFailed := false

	for _, step := range plan.Steps {
		if blocked, why := r.blockedByDependency(step, plan, succeeded); blocked {
			outcomes = append(outcomes, types.StepOutcome{StepID: step.ID, Skipped: true, Error: why})
			r.publish(bus.EventTaskSkipped, task.ID, step.Backend, fmt.Sprintf("step %s skipped: %s", step.ID, why))
			if step.Critical {
				anyFailed = true
			}
			continue
		}

		stepTask := r.stepTask(task, step, plan, responses)
		res, err := r.executeStep(ctx, step, stepTask)
		if err != nil {
			anyFailed = true
			outcomes = append(outcomes, types.StepOutcome{StepID: step.ID, Error: err.Error(), Skipped: !step.Critical})
			r.publish(bus.EventTaskFailed, task.ID, step.Backend, fmt.Sprintf("step %s: %v", step.ID, err))
			continue
		}

		succeeded[step.ID] = true
		responses[step.ID] = res.Response
		lastResult = res
		outcomes = append(outcomes, types.StepOutcome{StepID: step.ID, Result: res})
		r.publish(bus.EventTaskCompleted, task.ID, res.Backend,
			fmt.Sprintf("step %s done in %s", step.ID, res.Duration.Round(time.Second)))

		if r.Shadow != nil {
			r.Shadow.Enqueue(stepTask, res)
		}
	}

	if anyFailed && lastResult == nil {
		r.Dedup.SetStatus(task.ID, dedup.StatusFailed)
		return &types.RouteResult{PlanID: plan.ID, Steps: outcomes}, fmt.Errorf("all steps of plan %s failed", plan.ID)
	}
	if anyFailed {
		r.Dedup.SetStatus(task.ID, dedup.StatusFailed)
	} else {
		r.Dedup.SetStatus(task.ID, dedup.StatusDone)
	}

	result := &types.RouteResult{PlanID: plan.ID, Result: lastResult}
	if len(plan.Steps) > 1 {
		result.Steps = outcomes
	}
	return result, nil
}

// blockedByDependency reports whether a critical dependency has not
// completed successfully.
func (r *Router) blockedByDependency(step types.Step, plan *types.Plan, succeeded map[string]bool) (bool, string) {
	for _, dep := range step.Dependencies {
		depStep, ok := plan.StepByID(dep)
		if !ok {
			continue
		}
		if depStep.Critical && !succeeded[dep] {
			return true, fmt.Sprintf("dependency %s did not complete", dep)
		}
	}
	return false, ""
}

// stepTask augments the task with the step description and a bounded
// context assembled from dependency outputs.
func (r *Router) stepTask(task types.Task, step types.Step, plan *types.Plan, responses map[string]string) types.Task {
	st := task
	st.Description = step.Description
	if len(plan.Steps) == 1 {
		st.Description = task.Description
	}

	var parts []string
	for _, dep := range step.Dependencies {
		if out, ok := responses[dep]; ok && out != "" {
			parts = append(parts, clip(out, contextClipChars))
		}
	}
	if len(parts) > 0 {
		st.Metadata = cloneMeta(task.Metadata)
		st.Metadata["context"] = strings.Join(parts, "\n---\n")
	}
	return st
}

// executeStep gates and runs one step, walking the fallback chain for
// critical steps.
func (r *Router) executeStep(ctx context.Context, step types.Step, task types.Task) (*types.ExecutionResult, error) {
	candidates := []types.Backend{step.Backend}
	if task.ForceBackend != "" {
		candidates = []types.Backend{task.ForceBackend}
	} else if step.Critical {
		for _, b := range fallbackChain {
			if b != step.Backend {
				candidates = append(candidates, b)
			}
		}
	}

	var lastErr error
	for _, b := range candidates {
		res, err := r.tryBackend(ctx, b, step, task)
		if err == nil {
			return res, nil
		}
		lastErr = err

		var be *types.BackendError
		if errors.As(err, &be) && !be.ShouldFallback {
			return nil, err
		}
		logging.Routing("step %s: backend %s failed (%v), trying next", step.ID, b, err)
	}
	if lastErr == nil {
		lastErr = types.NewBackendError(step.Backend, types.ErrKindTransient, "no backend accepted the step")
	}
	return nil, lastErr
}

// tryBackend runs the three gates and the adapter for one backend.
func (r *Router) tryBackend(ctx context.Context, b types.Backend, step types.Step, task types.Task) (*types.ExecutionResult, error) {
	if bd := r.Ledger.CheckBudget(b, step.EstimatedTokens); !bd.Allowed {
		return nil, types.NewBackendError(b, types.ErrKindBudget, bd.Reason)
	}

	gd := r.Governor.CanUse(b)
	if !gd.Allowed {
		return nil, types.NewBackendError(b, types.ErrKindRateLimit, gd.Reason)
	}
	if gd.DelayMs > 0 {
		r.sleep(ctx, time.Duration(gd.DelayMs)*time.Millisecond)
	}

	if ok, reason := r.Breaker.CanExecute(b); !ok {
		return nil, types.NewBackendError(b, types.ErrKindBreakerOpen, reason)
	}

	adapter, ok := r.Adapters.For(b)
	if !ok {
		// Admitted but never executed: give back the half-open slot.
		r.Breaker.ReleaseProbe(b)
		return nil, types.NewBackendError(b, types.ErrKindTransient, "no adapter configured")
	}

	if b == types.BackendAPI {
		sel, err := r.Registry.SelectModel(task.Type, maxInt(task.Complexity, 1), registry.ContextSize(task))
		if err != nil {
			r.Breaker.ReleaseProbe(b)
			return nil, types.NewBackendError(b, types.ErrKindTransient, err.Error())
		}
		task.Metadata = cloneMeta(task.Metadata)
		task.Metadata["model"] = sel.Qualified
	}

	res, err := adapter.Execute(ctx, task)
	if err != nil {
		r.Governor.RecordRequest(b, false)
		var be *types.BackendError
		rateLimited := errors.As(err, &be) && be.RateLimited
		r.Breaker.RecordFailure(b, breaker.FailureOpts{RateLimit: rateLimited})
		return nil, err
	}

	r.Governor.RecordRequest(b, true)
	r.Breaker.RecordSuccess(b)
	if lerr := r.Ledger.RecordUsage(b, res.Tokens, res.Cost, task.User()); lerr != nil {
		logging.Get(logging.CategoryLedger).Error("record usage: %v", lerr)
	}
	return res, nil
}

func (r *Router) publish(t bus.EventType, taskID string, backend types.Backend, msg string) {
	if r.Events != nil {
		r.Events.Publish(bus.Event{Type: t, TaskID: taskID, Backend: string(backend), Message: msg})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func cloneMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
