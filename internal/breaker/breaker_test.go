package breaker

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelmux/internal/bus"
	"modelmux/internal/types"
)

type fakeThrottler struct {
	calls []types.Backend
}

func (f *fakeThrottler) RecordThrottle(b types.Backend) { f.calls = append(f.calls, b) }

func newTestBreaker(t *testing.T, th Throttler) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	b, err := New(DefaultConfig(), filepath.Join(t.TempDir(), "circuit-breaker-state.json"), nil, th)
	require.NoError(t, err)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestTripAfterFiveFailures(t *testing.T) {
	b, now := newTestBreaker(t, nil)

	for i := 0; i < 4; i++ {
		b.RecordFailure(types.BackendCodex, FailureOpts{})
		assert.Equal(t, StateClosed, b.StateOf(types.BackendCodex))
	}
	b.RecordFailure(types.BackendCodex, FailureOpts{})
	assert.Equal(t, StateOpen, b.StateOf(types.BackendCodex))

	ends, ok := b.CooldownEnds(types.BackendCodex)
	require.True(t, ok)
	assert.Equal(t, now.Add(10*time.Minute), ends)

	ok, reason := b.CanExecute(types.BackendCodex)
	assert.False(t, ok)
	assert.Contains(t, reason, "open")
}

func TestProbeFailuresDoNotCount(t *testing.T) {
	b, _ := newTestBreaker(t, nil)
	for i := 0; i < 10; i++ {
		b.RecordFailure(types.BackendCodex, FailureOpts{Probe: true})
	}
	assert.Equal(t, StateClosed, b.StateOf(types.BackendCodex))
	ok, _ := b.CanExecute(types.BackendCodex)
	assert.True(t, ok)
}

func TestFailuresOutsideWindowPruned(t *testing.T) {
	b, now := newTestBreaker(t, nil)
	for i := 0; i < 4; i++ {
		b.RecordFailure(types.BackendCodex, FailureOpts{})
	}
	*now = now.Add(16 * time.Minute)
	b.RecordFailure(types.BackendCodex, FailureOpts{})
	// Only one failure inside the 15-minute window.
	assert.Equal(t, StateClosed, b.StateOf(types.BackendCodex))
}

func TestHalfOpenProbeCycle(t *testing.T) {
	b, now := newTestBreaker(t, nil)
	for i := 0; i < 5; i++ {
		b.RecordFailure(types.BackendClaudeCode, FailureOpts{})
	}
	require.Equal(t, StateOpen, b.StateOf(types.BackendClaudeCode))

	*now = now.Add(10*time.Minute + time.Second)

	// First access after cooldown is admitted as the probe.
	ok, _ := b.CanExecute(types.BackendClaudeCode)
	assert.True(t, ok)
	assert.Equal(t, StateHalfOpen, b.StateOf(types.BackendClaudeCode))

	// Concurrent callers are denied while the probe is in flight.
	ok, reason := b.CanExecute(types.BackendClaudeCode)
	assert.False(t, ok)
	assert.Contains(t, reason, "probe in flight")

	// Probe success closes the circuit.
	b.RecordSuccess(types.BackendClaudeCode)
	assert.Equal(t, StateClosed, b.StateOf(types.BackendClaudeCode))
	ok, _ = b.CanExecute(types.BackendClaudeCode)
	assert.True(t, ok)
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(t, nil)
	for i := 0; i < 5; i++ {
		b.RecordFailure(types.BackendClaudeCode, FailureOpts{})
	}
	*now = now.Add(11 * time.Minute)
	ok, _ := b.CanExecute(types.BackendClaudeCode)
	require.True(t, ok)

	b.RecordFailure(types.BackendClaudeCode, FailureOpts{})
	assert.Equal(t, StateOpen, b.StateOf(types.BackendClaudeCode))

	// Fresh 10-minute cooldown from the reopen.
	ends, hasEnds := b.CooldownEnds(types.BackendClaudeCode)
	require.True(t, hasEnds)
	assert.Equal(t, now.Add(10*time.Minute), ends)
}

func TestRateLimitFailureNotifiesThrottler(t *testing.T) {
	th := &fakeThrottler{}
	b, _ := newTestBreaker(t, th)
	b.RecordFailure(types.BackendAPI, FailureOpts{RateLimit: true})
	require.Len(t, th.calls, 1)
	assert.Equal(t, types.BackendAPI, th.calls[0])
}

func TestResetForcesClosed(t *testing.T) {
	b, _ := newTestBreaker(t, nil)
	for i := 0; i < 5; i++ {
		b.RecordFailure(types.BackendLocal, FailureOpts{})
	}
	require.Equal(t, StateOpen, b.StateOf(types.BackendLocal))
	b.Reset(types.BackendLocal)
	assert.Equal(t, StateClosed, b.StateOf(types.BackendLocal))
}

func TestTransitionEventsPublished(t *testing.T) {
	events := bus.New()
	ch, cancel := events.Subscribe(16)
	defer cancel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	b, err := New(DefaultConfig(), filepath.Join(t.TempDir(), "cb.json"), events, nil)
	require.NoError(t, err)
	b.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		b.RecordFailure(types.BackendCodex, FailureOpts{})
	}

	select {
	case ev := <-ch:
		assert.Equal(t, bus.EventBreakerOpen, ev.Type)
		assert.Equal(t, "codex", ev.Backend)
	case <-time.After(time.Second):
		t.Fatal("no breaker-open event")
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cb.json")
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	b1, err := New(DefaultConfig(), path, nil, nil)
	require.NoError(t, err)
	b1.now = func() time.Time { return now }
	for i := 0; i < 5; i++ {
		b1.RecordFailure(types.BackendCodex, FailureOpts{})
	}

	b2, err := New(DefaultConfig(), path, nil, nil)
	require.NoError(t, err)
	b2.now = func() time.Time { return now }
	assert.Equal(t, StateOpen, b2.StateOf(types.BackendCodex))
}

func TestAllOpen(t *testing.T) {
	b, _ := newTestBreaker(t, nil)
	subs := []types.Backend{types.BackendClaudeCode, types.BackendCodex}
	assert.False(t, b.AllOpen(subs))

	for _, backend := range subs {
		for i := 0; i < 5; i++ {
			b.RecordFailure(backend, FailureOpts{})
		}
	}
	assert.True(t, b.AllOpen(subs))
}

func TestAllOpenLeavesProbeSlotForExecutors(t *testing.T) {
	b, now := newTestBreaker(t, nil)
	for i := 0; i < 5; i++ {
		b.RecordFailure(types.BackendCodex, FailureOpts{})
	}
	*now = now.Add(11 * time.Minute)

	// Cooldown has expired, so the circuit no longer denies; the peek
	// must not move the state machine or claim the half-open slot.
	assert.False(t, b.AllOpen([]types.Backend{types.BackendCodex}))
	assert.Equal(t, StateOpen, b.StateOf(types.BackendCodex))

	// The executor that follows still gets the probe.
	ok, _ := b.CanExecute(types.BackendCodex)
	assert.True(t, ok)
	ok, _ = b.CanExecute(types.BackendCodex)
	assert.False(t, ok)
}

func TestDeniesIsReadOnly(t *testing.T) {
	b, now := newTestBreaker(t, nil)
	assert.False(t, b.Denies(types.BackendCodex))

	for i := 0; i < 5; i++ {
		b.RecordFailure(types.BackendCodex, FailureOpts{})
	}
	assert.True(t, b.Denies(types.BackendCodex))

	*now = now.Add(11 * time.Minute)
	assert.False(t, b.Denies(types.BackendCodex))

	// Claim the probe; other callers now see a denial until it resolves.
	ok, _ := b.CanExecute(types.BackendCodex)
	require.True(t, ok)
	assert.True(t, b.Denies(types.BackendCodex))

	b.RecordSuccess(types.BackendCodex)
	assert.False(t, b.Denies(types.BackendCodex))
}

func TestReleaseProbeFreesHalfOpenSlot(t *testing.T) {
	b, now := newTestBreaker(t, nil)
	for i := 0; i < 5; i++ {
		b.RecordFailure(types.BackendAPI, FailureOpts{})
	}
	*now = now.Add(11 * time.Minute)

	ok, _ := b.CanExecute(types.BackendAPI)
	require.True(t, ok)
	ok, _ = b.CanExecute(types.BackendAPI)
	require.False(t, ok)

	// The admitted caller bailed before reaching the backend.
	b.ReleaseProbe(types.BackendAPI)
	assert.Equal(t, StateHalfOpen, b.StateOf(types.BackendAPI))
	ok, _ = b.CanExecute(types.BackendAPI)
	assert.True(t, ok)
}

func TestProbeTypedFailureDuringHalfOpenReopens(t *testing.T) {
	b, now := newTestBreaker(t, nil)
	for i := 0; i < 5; i++ {
		b.RecordFailure(types.BackendClaudeCode, FailureOpts{})
	}
	*now = now.Add(11 * time.Minute)
	ok, _ := b.CanExecute(types.BackendClaudeCode)
	require.True(t, ok)

	// A health-check failure while holding the half-open slot must not
	// leave the slot claimed forever.
	b.RecordFailure(types.BackendClaudeCode, FailureOpts{Probe: true})
	assert.Equal(t, StateOpen, b.StateOf(types.BackendClaudeCode))
	ends, hasEnds := b.CooldownEnds(types.BackendClaudeCode)
	require.True(t, hasEnds)
	assert.Equal(t, now.Add(10*time.Minute), ends)

	// After the fresh cooldown the next caller probes again.
	*now = now.Add(11 * time.Minute)
	ok, _ = b.CanExecute(types.BackendClaudeCode)
	assert.True(t, ok)
}
