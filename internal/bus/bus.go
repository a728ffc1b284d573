// Package bus provides the process-level broadcast channel for task
// lifecycle events. The router publishes every state change of a live
// task; UI channels (dashboard SSE, active-context tracker) subscribe.
// Subscribers are never co-owners of router state - they see records.
package bus

import (
	"sync"
	"time"
)

// EventType names a lifecycle or component event.
type EventType string

const (
	EventTaskQueued     EventType = "task-queued"
	EventTaskStarted    EventType = "task-started"
	EventTaskCompleted  EventType = "task-completed"
	EventTaskFailed     EventType = "task-failed"
	EventTaskSkipped    EventType = "task-skipped"
	EventTaskWaiting    EventType = "task-waiting"
	EventPlanCreated    EventType = "plan-created"
	EventPlanApproval   EventType = "plan-needs-approval"
	EventBreakerOpen    EventType = "breaker-open"
	EventBreakerClosed  EventType = "breaker-closed"
	EventBreakerHalf    EventType = "breaker-half-open"
	EventThrottle       EventType = "governor-throttle"
	EventGovernorReset  EventType = "governor-reset"
	EventGovernorAdjust EventType = "governor-adjust"
	EventShadowScored   EventType = "shadow-scored"
	EventModelPromoted  EventType = "model-promoted"
	EventModelDemoted   EventType = "model-demoted"
)

// Event is one broadcast record.
type Event struct {
	Type      EventType              `json:"type"`
	TaskID    string                 `json:"taskId,omitempty"`
	Backend   string                 `json:"backend,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Bus fan-outs events to subscribers. Publish never blocks: a slow
// subscriber loses events rather than stalling the router.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered subscriber channel. The returned cancel
// function removes the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish broadcasts an event, stamping the time if unset.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full; drop rather than block the publisher.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
