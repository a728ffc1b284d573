// Package session maintains the active-context document consumed by UI
// channels. It is a bus subscriber, not a co-owner of router state:
// every task lifecycle event updates a persisted snapshot of what the
// process is doing right now.
package session

import (
	"sync"
	"time"

	"modelmux/internal/bus"
	"modelmux/internal/logging"
	"modelmux/internal/store"
)

// recentCap bounds the event tail kept in the document.
const recentCap = 50

// TaskState is the last known lifecycle state of a task.
type TaskState struct {
	TaskID    string    `json:"taskId"`
	Status    string    `json:"status"`
	Backend   string    `json:"backend,omitempty"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Context is the persisted active-context document.
type Context struct {
	Active      map[string]TaskState `json:"active"`
	Recent      []bus.Event          `json:"recent"`
	LastUpdated time.Time            `json:"lastUpdated"`
}

// Tracker subscribes to the event bus and mirrors task state to disk.
type Tracker struct {
	mu    sync.Mutex
	state Context
	file  *store.JSONState

	cancel   func()
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a tracker persisting to path.
func New(path string) (*Tracker, error) {
	file, err := store.NewJSONState(path)
	if err != nil {
		return nil, err
	}
	t := &Tracker{file: file}
	t.state.Active = make(map[string]TaskState)
	if _, err := file.Load(&t.state); err != nil {
		return nil, err
	}
	if t.state.Active == nil {
		t.state.Active = make(map[string]TaskState)
	}
	return t, nil
}

// Follow subscribes to the bus and applies events until Stop.
func (t *Tracker) Follow(events *bus.Bus) {
	ch, cancel := events.Subscribe(64)
	t.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for ev := range ch {
			t.Apply(ev)
		}
	}()
}

// Stop unsubscribes and waits for the consumer to drain.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
	})
	t.wg.Wait()
}

// Apply folds one event into the document.
func (t *Tracker) Apply(ev bus.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.TaskID != "" {
		switch ev.Type {
		case bus.EventTaskQueued, bus.EventTaskStarted, bus.EventTaskWaiting:
			t.state.Active[ev.TaskID] = TaskState{
				TaskID:    ev.TaskID,
				Status:    string(ev.Type),
				Backend:   ev.Backend,
				Message:   ev.Message,
				UpdatedAt: ev.Timestamp,
			}
		case bus.EventTaskCompleted, bus.EventTaskFailed, bus.EventTaskSkipped:
			delete(t.state.Active, ev.TaskID)
		}
	}

	t.state.Recent = append(t.state.Recent, ev)
	if len(t.state.Recent) > recentCap {
		t.state.Recent = t.state.Recent[len(t.state.Recent)-recentCap:]
	}
	t.state.LastUpdated = time.Now()

	if err := t.file.Save(&t.state); err != nil {
		logging.Get(logging.CategoryRouting).Error("active-context save failed: %v", err)
	}
}

// Snapshot returns a copy of the current document.
func (t *Tracker) Snapshot() Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := Context{
		Active:      make(map[string]TaskState, len(t.state.Active)),
		Recent:      append([]bus.Event(nil), t.state.Recent...),
		LastUpdated: t.state.LastUpdated,
	}
	for k, v := range t.state.Active {
		out.Active[k] = v
	}
	return out
}
