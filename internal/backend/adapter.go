// Package backend wraps the four execution targets behind a uniform
// Adapter interface. Two adapters spawn interactive CLI agents in a
// transient working directory, one posts to the local model server, and
// one calls the paid API via the model registry's resolved id.
package backend

import (
	"context"
	"strings"

	"modelmux/internal/types"
)

// SessionStatus reports an adapter's current availability and load.
type SessionStatus struct {
	Available          bool    `json:"available"`
	UtilizationPercent float64 `json:"utilizationPercent"`
	Detail             string  `json:"detail,omitempty"`
}

// Adapter is the uniform execution surface the router consumes.
// Execute blocks until the backend finishes or the context expires and
// fails with a *types.BackendError carrying the fallback tags.
type Adapter interface {
	Backend() types.Backend
	IsAvailable(ctx context.Context) bool
	SessionStatus(ctx context.Context) SessionStatus
	Execute(ctx context.Context, task types.Task) (*types.ExecutionResult, error)
}

// Set holds one adapter per backend.
type Set map[types.Backend]Adapter

// For returns the adapter for a backend id.
func (s Set) For(backend types.Backend) (Adapter, bool) {
	a, ok := s[backend]
	return a, ok
}

// BuildPrompt composes the adapter prompt from the task description and
// the dependency context the router attached.
func BuildPrompt(task types.Task) string {
	ctx := task.Metadata["context"]
	if ctx == "" {
		return task.Description
	}
	var b strings.Builder
	b.WriteString("Context from earlier steps:\n")
	b.WriteString(ctx)
	b.WriteString("\n\nTask:\n")
	b.WriteString(task.Description)
	return b.String()
}

// estimateOutputTokens is the adapter-side fallback when a backend does
// not report token usage.
func estimateOutputTokens(output string) int {
	n := len(output) / 4
	if n < 1 {
		return 1
	}
	return n
}
