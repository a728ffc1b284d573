package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelmux/internal/bus"
)

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := New(filepath.Join(t.TempDir(), "active-context.json"))
	require.NoError(t, err)
	return tr
}

func TestLifecycleUpdatesActiveSet(t *testing.T) {
	tr := newTracker(t)

	tr.Apply(bus.Event{Type: bus.EventTaskStarted, TaskID: "t1", Backend: "codex", Timestamp: time.Now()})
	snap := tr.Snapshot()
	require.Contains(t, snap.Active, "t1")
	assert.Equal(t, "task-started", snap.Active["t1"].Status)

	tr.Apply(bus.Event{Type: bus.EventTaskCompleted, TaskID: "t1", Timestamp: time.Now()})
	snap = tr.Snapshot()
	assert.NotContains(t, snap.Active, "t1")
	assert.Len(t, snap.Recent, 2)
}

func TestRecentTailBounded(t *testing.T) {
	tr := newTracker(t)
	for i := 0; i < recentCap+20; i++ {
		tr.Apply(bus.Event{Type: bus.EventShadowScored, Message: "x", Timestamp: time.Now()})
	}
	assert.Len(t, tr.Snapshot().Recent, recentCap)
}

func TestFollowConsumesBusEvents(t *testing.T) {
	tr := newTracker(t)
	events := bus.New()
	tr.Follow(events)

	events.Publish(bus.Event{Type: bus.EventTaskStarted, TaskID: "t1"})

	deadline := time.After(time.Second)
	for {
		if _, ok := tr.Snapshot().Active["t1"]; ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("event never applied")
		case <-time.After(5 * time.Millisecond):
		}
	}
	tr.Stop()
}

func TestStateSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "active-context.json")
	t1, err := New(path)
	require.NoError(t, err)
	t1.Apply(bus.Event{Type: bus.EventTaskStarted, TaskID: "t1", Timestamp: time.Now()})

	t2, err := New(path)
	require.NoError(t, err)
	assert.Contains(t, t2.Snapshot().Active, "t1")
}
