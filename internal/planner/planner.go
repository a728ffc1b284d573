// Package planner decomposes tasks into dependency-ordered step plans,
// estimates token and dollar cost, and scores whether a task is small
// enough to answer inline instead of routing.
package planner

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"modelmux/internal/config"
	"modelmux/internal/ledger"
	"modelmux/internal/logging"
	"modelmux/internal/types"
)

// Recommendation bands from confidence scoring.
const (
	RecommendSelf  = "self"
	RecommendOffer = "offer"
	RecommendRoute = "route"
)

// Confidence is the self-handle assessment for a task.
type Confidence struct {
	Score          int    `json:"score"` // 0-100
	Recommendation string `json:"recommendation"`
	Reason         string `json:"reason"`
}

// CostBreakdown itemises a plan's estimated cost.
type CostBreakdown struct {
	TotalTokens      int                   `json:"totalTokens"`
	TotalAPICost     float64               `json:"totalApiCost"`
	TotalMinutes     float64               `json:"totalMinutes"`
	SubscriptionOnly bool                  `json:"subscriptionOnly"`
	PerBackend       map[types.Backend]int `json:"perBackend"` // step counts
}

// Planner is stateless apart from its configuration.
type Planner struct {
	cfg            config.PlannerConfig
	standardPrices ledger.Pricing
	premiumPrices  ledger.Pricing
}

// New builds a planner. Premium prices apply to high-complexity tasks
// that the model ladder would send to a premium-tier model.
func New(cfg config.PlannerConfig) *Planner {
	if cfg.ApprovalThresholdUSD <= 0 {
		cfg.ApprovalThresholdUSD = 2.00
	}
	return &Planner{
		cfg:            cfg,
		standardPrices: ledger.DefaultPricing,
		premiumPrices:  ledger.Pricing{InputPer1K: 0.015, OutputPer1K: 0.075},
	}
}

// Decompose produces a plan for the task. It cannot fail; every caller
// gets a valid plan with at least one step.
func (p *Planner) Decompose(task types.Task) *types.Plan {
	complexity := task.Complexity
	if complexity <= 0 {
		complexity = InferComplexity(task.Description)
	}

	plan := &types.Plan{
		ID:        "plan-" + uuid.NewString()[:8],
		TaskID:    task.ID,
		Task:      task,
		CreatedAt: time.Now(),
	}

	if len(task.Description) < 200 && complexity <= 3 && len(task.Files) <= 2 {
		plan.Steps = []types.Step{p.buildStep(plan.ID, 0, stepDraft{
			Type:        stepTypeFor(task.Type),
			Description: task.Description,
			Critical:    true,
		}, task, complexity)}
	} else {
		plan.Steps = p.decomposeMulti(plan.ID, task, complexity)
	}

	p.finalise(plan)
	logging.Planner("plan %s: %d step(s), cost=$%.2f, approval=%v", plan.ID, len(plan.Steps), plan.TotalCost, plan.NeedsApproval)
	return plan
}

// stepDraft is an intermediate step before backend/cost assignment.
type stepDraft struct {
	Type           types.StepType
	Description    string
	Critical       bool
	Parallelizable bool
}

// decomposeMulti scans the description against keyword patterns and
// emits steps in canonical order.
func (p *Planner) decomposeMulti(planID string, task types.Task, complexity int) []types.Step {
	desc := strings.ToLower(task.Description)
	var drafts []stepDraft

	if len(task.Files) > 3 || containsAny(desc, "organize", "rename", "move files", "clean up", "cleanup") {
		drafts = append(drafts, stepDraft{
			Type:           types.StepFileOps,
			Description:    "Inventory and stage the affected files",
			Parallelizable: true,
		})
	}
	if containsAny(desc, "research", "investigate", "find out", "search", "look up") || hasTool(task, "web") {
		drafts = append(drafts, stepDraft{
			Type:           types.StepResearch,
			Description:    "Gather background and references",
			Parallelizable: true,
		})
	}
	if len(task.Files) > 10 || containsAny(desc, "entire codebase", "all files", "large document") {
		drafts = append(drafts, stepDraft{
			Type:        types.StepPreprocess,
			Description: "Chunk the large context into workable segments",
			Critical:    true,
		})
	}
	if containsAny(desc, "implement", "refactor", "build", "migrate", "rewrite") && len(task.Files) > 1 {
		drafts = append(drafts, stepDraft{
			Type:        types.StepCode,
			Description: "Implement the changes across the affected files",
			Critical:    true,
		})
	} else if containsAny(desc, "fix", "patch", "tweak", "add", "write", "implement", "script") {
		drafts = append(drafts, stepDraft{
			Type:        types.StepQuickCode,
			Description: "Apply the focused code change",
			Critical:    true,
		})
	}
	if containsAny(desc, "analyze", "analyse", "audit", "review", "assess", "evaluate") {
		drafts = append(drafts, stepDraft{
			Type:        types.StepAnalysis,
			Description: "Analyze the gathered material",
			Critical:    true,
		})
	}
	if containsAny(desc, "test", "verify", "validate", "coverage") {
		drafts = append(drafts, stepDraft{
			Type:        types.StepTesting,
			Description: "Exercise the changes with tests",
			Critical:    true,
		})
	}
	if containsAny(desc, "convert", "format", "translate", "transform", "extract") {
		drafts = append(drafts, stepDraft{
			Type:        types.StepTransform,
			Description: "Run the mechanical transform",
			Parallelizable: true,
		})
	}
	if containsAny(desc, "document", "docs", "readme", "changelog", "write up") {
		drafts = append(drafts, stepDraft{
			Type:        types.StepDocs,
			Description: "Update documentation",
			Parallelizable: true,
		})
	}

	// Never emit an empty plan.
	if len(drafts) == 0 {
		drafts = append(drafts, stepDraft{
			Type:        stepTypeFor(task.Type),
			Description: task.Description,
			Critical:    true,
		})
	}

	critical := 0
	for _, d := range drafts {
		if d.Critical {
			critical++
		}
	}
	if critical >= 2 {
		drafts = append(drafts, stepDraft{
			Type:        types.StepSynthesis,
			Description: "Combine step outputs into the final deliverable",
			Critical:    true,
		})
	}

	steps := make([]types.Step, len(drafts))
	for i, d := range drafts {
		steps[i] = p.buildStep(planID, i, d, task, complexity)
	}
	wireDependencies(steps)
	return steps
}

// wireDependencies applies the fixed dependency rules. Every dependency
// refers to a strictly earlier step.
func wireDependencies(steps []types.Step) {
	codeIdx := []int{}
	for i, s := range steps {
		switch s.Type {
		case types.StepFileOps, types.StepResearch:
			// parallelizable leaves, no deps
		case types.StepAnalysis:
			for j := 0; j < i; j++ {
				steps[i].Dependencies = append(steps[i].Dependencies, steps[j].ID)
			}
		case types.StepTesting:
			for _, j := range codeIdx {
				steps[i].Dependencies = append(steps[i].Dependencies, steps[j].ID)
			}
		case types.StepSynthesis:
			for j := 0; j < i; j++ {
				if steps[j].Critical {
					steps[i].Dependencies = append(steps[i].Dependencies, steps[j].ID)
				}
			}
		default:
			// sequential on the immediately preceding critical step
			for j := i - 1; j >= 0; j-- {
				if steps[j].Critical {
					steps[i].Dependencies = append(steps[i].Dependencies, steps[j].ID)
					break
				}
			}
		}
		if s.Type == types.StepCode || s.Type == types.StepQuickCode {
			codeIdx = append(codeIdx, i)
		}
	}
}

// buildStep assigns backend, tokens, cost and minutes to a draft.
func (p *Planner) buildStep(planID string, index int, d stepDraft, task types.Task, complexity int) types.Step {
	backend := p.selectBackend(d, task, complexity)
	tokens := EstimateTokens(task.Description, len(task.Files))

	cost := 0.0
	if backend == types.BackendAPI {
		prices := p.standardPrices
		if complexity >= 8 {
			prices = p.premiumPrices
		}
		cost = prices.Cost(tokens)
	}

	return types.Step{
		ID:               fmt.Sprintf("%s-%d", planID, index),
		Index:            index,
		Description:      d.Description,
		Backend:          backend,
		Type:             d.Type,
		EstimatedTokens:  tokens,
		EstimatedCost:    cost,
		EstimatedMinutes: estimateMinutes(d.Type, tokens),
		Parallelizable:   d.Parallelizable,
		Critical:         d.Critical,
	}
}

// selectBackend walks the fixed priority ladder for a step.
func (p *Planner) selectBackend(d stepDraft, task types.Task, complexity int) types.Backend {
	switch {
	case len(task.ToolsNeeded) > 0:
		// Tool access is only available through the API path.
		return types.BackendAPI
	case d.Type == types.StepCode:
		return types.BackendClaudeCode
	case d.Type == types.StepQuickCode || d.Type == types.StepFileOps:
		return types.BackendCodex
	case d.Type == types.StepAnalysis || d.Type == types.StepResearch:
		if complexity >= 7 {
			return types.BackendAPI
		}
		return types.BackendClaudeCode
	case d.Type == types.StepTransform || d.Type == types.StepDocs || d.Type == types.StepPreprocess:
		return types.BackendLocal
	case complexity >= 7:
		return types.BackendClaudeCode
	case complexity >= 4:
		return types.BackendCodex
	default:
		return types.BackendLocal
	}
}

// finalise fills plan-level aggregates: API cost sum, critical path and
// the approval flag.
func (p *Planner) finalise(plan *types.Plan) {
	allSub := true
	for _, s := range plan.Steps {
		plan.TotalCost += s.EstimatedCost
		if s.Backend == types.BackendAPI {
			allSub = false
		}
	}
	plan.AllSubscription = allSub
	plan.TotalMinutes = criticalPath(plan.Steps)
	plan.NeedsApproval = plan.TotalCost > p.cfg.ApprovalThresholdUSD
}

// EstimateCost itemises a plan.
func (p *Planner) EstimateCost(plan *types.Plan) CostBreakdown {
	bd := CostBreakdown{PerBackend: make(map[types.Backend]int)}
	for _, s := range plan.Steps {
		bd.TotalTokens += s.EstimatedTokens
		bd.TotalAPICost += s.EstimatedCost
		bd.PerBackend[s.Backend]++
	}
	bd.TotalMinutes = plan.TotalMinutes
	bd.SubscriptionOnly = plan.AllSubscription
	return bd
}

// EstimateTokens applies the fixed cost model:
// max(500, ceil(len/4 * 1.3) + 2000 per file).
func EstimateTokens(description string, fileCount int) int {
	est := int(math.Ceil(float64(len(description))/4*1.3)) + 2000*fileCount
	if est < 500 {
		return 500
	}
	return est
}

// criticalPath computes the longest path over step minutes with
// memoised depth-first walks.
func criticalPath(steps []types.Step) float64 {
	byID := make(map[string]types.Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	memo := make(map[string]float64, len(steps))

	var walk func(id string) float64
	walk = func(id string) float64 {
		if v, ok := memo[id]; ok {
			return v
		}
		s := byID[id]
		longest := 0.0
		for _, dep := range s.Dependencies {
			if v := walk(dep); v > longest {
				longest = v
			}
		}
		total := longest + s.EstimatedMinutes
		memo[id] = total
		return total
	}

	max := 0.0
	for _, s := range steps {
		if v := walk(s.ID); v > max {
			max = v
		}
	}
	return max
}

func estimateMinutes(t types.StepType, tokens int) float64 {
	base := 2.0
	switch t {
	case types.StepCode:
		base = 8.0
	case types.StepAnalysis, types.StepResearch:
		base = 5.0
	case types.StepTesting, types.StepSynthesis:
		base = 4.0
	case types.StepQuickCode, types.StepPreprocess:
		base = 3.0
	}
	return base + float64(tokens)/8000
}

func stepTypeFor(t types.TaskType) types.StepType {
	switch t {
	case types.TaskTypeCode:
		return types.StepQuickCode
	case types.TaskTypeAnalysis, types.TaskTypeReview:
		return types.StepAnalysis
	case types.TaskTypeResearch:
		return types.StepResearch
	case types.TaskTypeTesting:
		return types.StepTesting
	case types.TaskTypeDocs, types.TaskTypeWriting:
		return types.StepDocs
	case types.TaskTypeFileOps:
		return types.StepFileOps
	default:
		return types.StepQuickCode
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func hasTool(task types.Task, tool string) bool {
	for _, t := range task.ToolsNeeded {
		if strings.EqualFold(t, tool) {
			return true
		}
	}
	return false
}
