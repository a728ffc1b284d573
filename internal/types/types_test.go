package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackendValid(t *testing.T) {
	assert.True(t, BackendClaudeCode.Valid())
	assert.True(t, BackendLocal.Valid())
	assert.False(t, Backend("gpu-farm").Valid())
}

func TestBackendIsSubscription(t *testing.T) {
	assert.True(t, BackendClaudeCode.IsSubscription())
	assert.True(t, BackendCodex.IsSubscription())
	assert.False(t, BackendAPI.IsSubscription())
	assert.False(t, BackendLocal.IsSubscription())
}

func TestTaskUserDefault(t *testing.T) {
	assert.Equal(t, DefaultUserID, Task{}.User())
	assert.Equal(t, "alice", Task{UserID: "alice"}.User())
}

func TestNewBackendErrorTags(t *testing.T) {
	err := NewBackendError(BackendCodex, ErrKindRateLimit, "429 from provider")
	assert.True(t, err.RateLimited)
	assert.True(t, err.ShouldFallback)
	assert.Contains(t, err.Error(), "codex")

	fatal := NewBackendError(BackendAPI, ErrKindFatal, "unknown model")
	assert.False(t, fatal.ShouldFallback)
	assert.False(t, fatal.RateLimited)
}

func TestPlanStepByID(t *testing.T) {
	p := &Plan{Steps: []Step{{ID: "p1-0"}, {ID: "p1-1"}}}
	s, ok := p.StepByID("p1-1")
	assert.True(t, ok)
	assert.Equal(t, "p1-1", s.ID)
	_, ok = p.StepByID("p1-9")
	assert.False(t, ok)
}
