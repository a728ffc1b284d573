// Package types provides shared type definitions used across modelmux packages.
// This package exists to break import cycles between the router, scheduler,
// and shadow bench. Types in this package should be foundational data
// structures with no complex dependencies.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// BACKENDS
// =============================================================================

// Backend identifies a reachable executor.
type Backend string

const (
	// BackendClaudeCode is the primary subscription CLI agent.
	BackendClaudeCode Backend = "claude-code"
	// BackendCodex is the secondary subscription CLI agent.
	BackendCodex Backend = "codex"
	// BackendAPI is the paid hosted API model family.
	BackendAPI Backend = "api"
	// BackendLocal is the local HTTP model server.
	BackendLocal Backend = "local"
)

// AllBackends lists every backend in static fallback-chain order.
var AllBackends = []Backend{BackendClaudeCode, BackendCodex, BackendAPI, BackendLocal}

// Valid reports whether b names a known backend.
func (b Backend) Valid() bool {
	switch b {
	case BackendClaudeCode, BackendCodex, BackendAPI, BackendLocal:
		return true
	}
	return false
}

// IsSubscription reports whether b is one of the subscription CLI agents.
func (b Backend) IsSubscription() bool {
	return b == BackendClaudeCode || b == BackendCodex
}

// =============================================================================
// TASKS
// =============================================================================

// TaskType tags the rough category of work a task represents.
type TaskType string

const (
	TaskTypeCode     TaskType = "code"
	TaskTypeReview   TaskType = "review"
	TaskTypeAnalysis TaskType = "analysis"
	TaskTypeResearch TaskType = "research"
	TaskTypeWriting  TaskType = "writing"
	TaskTypeFileOps  TaskType = "file-ops"
	TaskTypeDocs     TaskType = "docs"
	TaskTypeTesting  TaskType = "testing"
	TaskTypeOther    TaskType = "other"
)

// Urgency controls scheduling priority.
type Urgency string

const (
	UrgencyUrgent     Urgency = "urgent"
	UrgencyNormal     Urgency = "normal"
	UrgencyBackground Urgency = "background"
)

// DefaultUserID tags usage when the caller does not identify a principal.
const DefaultUserID = "meir"

// Task is the unit of work submitted to the router.
// Read-only once accepted.
type Task struct {
	ID           string            `json:"id"`
	Description  string            `json:"description"`
	Type         TaskType          `json:"type,omitempty"`
	Urgency      Urgency           `json:"urgency,omitempty"`
	Complexity   int               `json:"complexity,omitempty"` // 1-10, inferred if absent
	Files        []string          `json:"files,omitempty"`
	ToolsNeeded  []string          `json:"toolsNeeded,omitempty"`
	OutputPath   string            `json:"outputPath,omitempty"`
	ForceBackend Backend           `json:"forceBackend,omitempty"`
	UserID       string            `json:"userId,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// User returns the principal tag for ledger attribution.
func (t Task) User() string {
	if t.UserID == "" {
		return DefaultUserID
	}
	return t.UserID
}

// =============================================================================
// PLANS
// =============================================================================

// StepType categorizes a plan step for dependency wiring and scoring.
type StepType string

const (
	StepFileOps    StepType = "file-ops"
	StepResearch   StepType = "research"
	StepPreprocess StepType = "preprocessing"
	StepCode       StepType = "code"
	StepQuickCode  StepType = "quick-code"
	StepAnalysis   StepType = "analysis"
	StepTesting    StepType = "testing"
	StepTransform  StepType = "transform"
	StepDocs       StepType = "docs"
	StepSynthesis  StepType = "synthesis"
)

// Step is one unit of a plan.
type Step struct {
	ID               string   `json:"id"` // plan id + index
	Index            int      `json:"index"`
	Description      string   `json:"description"`
	Backend          Backend  `json:"backend"`
	Type             StepType `json:"type"`
	EstimatedTokens  int      `json:"estimatedTokens"`
	EstimatedCost    float64  `json:"estimatedCost"` // 0 for subscription/local
	EstimatedMinutes float64  `json:"estimatedMinutes"`
	Dependencies     []string `json:"dependencies,omitempty"`
	Parallelizable   bool     `json:"parallelizable"`
	Critical         bool     `json:"critical"`
}

// Plan is a dependency-ordered decomposition of a task.
type Plan struct {
	ID              string    `json:"id"`
	TaskID          string    `json:"taskId"`
	Task            Task      `json:"task"`
	Steps           []Step    `json:"steps"`
	TotalCost       float64   `json:"totalCost"`     // summed API dollar cost
	TotalMinutes    float64   `json:"totalMinutes"`  // critical path
	NeedsApproval   bool      `json:"needsApproval"` // totalCost > threshold
	AllSubscription bool      `json:"allSubscription"`
	CreatedAt       time.Time `json:"createdAt"`
}

// StepByID returns the step with the given id, if present.
func (p *Plan) StepByID(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// =============================================================================
// EXECUTION RESULTS
// =============================================================================

// ExecutionResult is the uniform outcome record every adapter returns.
type ExecutionResult struct {
	Success      bool          `json:"success"`
	Backend      Backend       `json:"backend"`
	Model        string        `json:"model,omitempty"`
	Response     string        `json:"response,omitempty"`
	Duration     time.Duration `json:"duration"`
	Tokens       int           `json:"tokens"`
	Cost         float64       `json:"cost"`
	OutputPath   string        `json:"outputPath,omitempty"`
	OutputLength int           `json:"outputLength"`
}

// StepOutcome records the result of one plan step during routing.
type StepOutcome struct {
	StepID  string           `json:"stepId"`
	Skipped bool             `json:"skipped"`
	Error   string           `json:"error,omitempty"`
	Result  *ExecutionResult `json:"result,omitempty"`
}

// RouteResult is what the router returns to callers.
type RouteResult struct {
	SelfHandle    bool             `json:"selfHandle,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Deduplicated  bool             `json:"deduplicated,omitempty"`
	ExistingID    string           `json:"existingId,omitempty"`
	NeedsApproval bool             `json:"needsApproval,omitempty"`
	PlanID        string           `json:"planId,omitempty"`
	Plan          *Plan            `json:"plan,omitempty"`
	Result        *ExecutionResult `json:"result,omitempty"`
	Steps         []StepOutcome    `json:"steps,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorKind classifies a backend failure for the router's fallback logic.
type ErrorKind string

const (
	ErrKindTransient   ErrorKind = "transient"
	ErrKindRateLimit   ErrorKind = "rate-limit"
	ErrKindBreakerOpen ErrorKind = "breaker-open"
	ErrKindBudget      ErrorKind = "budget"
	ErrKindTimeout     ErrorKind = "timeout"
	ErrKindFatal       ErrorKind = "fatal"
)

// BackendError is the structured error every adapter and gate surfaces.
// Fallback decisions are driven by the tags, not by string matching.
type BackendError struct {
	Kind           ErrorKind `json:"kind"`
	Backend        Backend   `json:"backend"`
	Message        string    `json:"message"`
	Code           string    `json:"code,omitempty"`
	ShouldFallback bool      `json:"shouldFallback"`
	RateLimited    bool      `json:"rateLimited"`
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Backend, e.Message, e.Kind)
}

// NewBackendError builds a tagged error for a backend.
func NewBackendError(b Backend, kind ErrorKind, msg string) *BackendError {
	return &BackendError{
		Kind:           kind,
		Backend:        b,
		Message:        msg,
		ShouldFallback: kind != ErrKindFatal,
		RateLimited:    kind == ErrKindRateLimit,
	}
}
