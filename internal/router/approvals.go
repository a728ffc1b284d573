package router

import (
	"fmt"
	"sync"
	"time"

	"modelmux/internal/logging"
	"modelmux/internal/store"
	"modelmux/internal/types"
)

// PendingPlan is a plan waiting for human approval.
type PendingPlan struct {
	Plan      *types.Plan `json:"plan"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Approvals persists plans whose estimated API cost crossed the
// approval threshold. Keyed by plan id.
type Approvals struct {
	mu    sync.Mutex
	file  *store.JSONState
	plans map[string]*PendingPlan
}

// NewApprovals loads the pending set from path.
func NewApprovals(path string) (*Approvals, error) {
	file, err := store.NewJSONState(path)
	if err != nil {
		return nil, err
	}
	a := &Approvals{file: file, plans: make(map[string]*PendingPlan)}
	if _, err := file.Load(&a.plans); err != nil {
		return nil, err
	}
	if a.plans == nil {
		a.plans = make(map[string]*PendingPlan)
	}
	return a, nil
}

// Add stores a plan pending approval.
func (a *Approvals) Add(plan *types.Plan) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.plans[plan.ID] = &PendingPlan{Plan: plan, CreatedAt: time.Now()}
	a.saveLocked()
}

// Take removes and returns a pending plan, used when the operator
// approves it.
func (a *Approvals) Take(planID string) (*types.Plan, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.plans[planID]
	if !ok {
		return nil, fmt.Errorf("no pending plan %s", planID)
	}
	delete(a.plans, planID)
	a.saveLocked()
	return p.Plan, nil
}

// List returns all pending plans.
func (a *Approvals) List() []PendingPlan {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]PendingPlan, 0, len(a.plans))
	for _, p := range a.plans {
		out = append(out, *p)
	}
	return out
}

func (a *Approvals) saveLocked() {
	if err := a.file.Save(a.plans); err != nil {
		logging.Get(logging.CategoryRouting).Error("approvals save failed: %v", err)
	}
}
