// Package scheduler runs the persistent queue for the subscription CLI
// backends. Dispatch is tick-driven with per-backend cooldowns, slot
// limits and throttle backoff; failures are classified into rate-limit,
// circuit-breaker and plain retry paths.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"modelmux/internal/breaker"
	"modelmux/internal/bus"
	"modelmux/internal/config"
	"modelmux/internal/logging"
	"modelmux/internal/store"
	"modelmux/internal/types"
)

// ItemStatus tracks a queue item through its lifecycle.
type ItemStatus string

const (
	StatusQueued    ItemStatus = "queued"
	StatusActive    ItemStatus = "active"
	StatusWaiting   ItemStatus = "waiting" // every breaker denies; parked without retry cost
	StatusDone      ItemStatus = "done"
	StatusFailed    ItemStatus = "failed"
	StatusCancelled ItemStatus = "cancelled"
)

// Priority values by urgency.
const (
	PriorityUrgent     = 100
	PriorityNormal     = 50
	PriorityBackground = 10
)

// completedCap bounds the completed list.
const completedCap = 100

// Item is one queue entry.
type Item struct {
	ID                     string                 `json:"id"`
	Task                   types.Task             `json:"task"`
	Backend                types.Backend          `json:"backend"`
	Priority               int                    `json:"priority"`
	Status                 ItemStatus             `json:"status"`
	EnqueuedAt             time.Time              `json:"enqueuedAt"`
	StartedAt              time.Time              `json:"startedAt,omitempty"`
	CompletedAt            time.Time              `json:"completedAt,omitempty"`
	Retries                int                    `json:"retries"`
	CircuitBreakerFailures int                    `json:"circuitBreakerFailures"`
	LastError              string                 `json:"lastError,omitempty"`
	FinalError             string                 `json:"finalError,omitempty"`
	Result                 *types.ExecutionResult `json:"result,omitempty"`

	cancelled bool
}

// backendHealth is the per-backend dispatch throttle state.
type backendHealth struct {
	Throttled           bool      `json:"throttled"`
	BackoffUntil        time.Time `json:"backoffUntil"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// persistedState is the queue document on disk.
type persistedState struct {
	Queue          []*Item                           `json:"queue"`
	Completed      []*Item                           `json:"completed"`
	LastCompletion map[types.Backend]time.Time       `json:"lastCompletion"`
	Health         map[types.Backend]*backendHealth  `json:"health"`
	Paused         bool                              `json:"paused"`
	LastUpdated    time.Time                         `json:"lastUpdated"`
}

// Executor runs a queued task on a specific backend. The router
// implements it with its full gate pipeline.
type Executor interface {
	ExecuteOn(ctx context.Context, backend types.Backend, task types.Task) (*types.ExecutionResult, error)
}

// Scheduler owns the subscription queue.
type Scheduler struct {
	mu             sync.Mutex
	cfg            config.SchedulerConfig
	concurrency    map[types.Backend]int
	backends       []types.Backend
	queue          []*Item
	active         map[string]*Item
	completed      []*Item
	lastCompletion map[types.Backend]time.Time
	health         map[types.Backend]*backendHealth
	paused         bool

	file    *store.JSONState
	breaker *breaker.Breaker
	exec    Executor
	events  *bus.Bus
	now     func() time.Time

	itemWg   sync.WaitGroup
	loopWg   sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler persisting to path. Active items from a
// previous process are requeued.
func New(cfg config.SchedulerConfig, concurrency map[types.Backend]int, path string,
	brk *breaker.Breaker, exec Executor, events *bus.Bus) (*Scheduler, error) {
	if cfg.TickSeconds <= 0 {
		cfg.TickSeconds = 15
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.MaxConsecutiveCircuitBreakerFailures <= 0 {
		cfg.MaxConsecutiveCircuitBreakerFailures = 3
	}
	if len(concurrency) == 0 {
		concurrency = map[types.Backend]int{
			types.BackendClaudeCode: 1,
			types.BackendCodex:      3,
		}
	}
	file, err := store.NewJSONState(path)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:            cfg,
		concurrency:    concurrency,
		active:         make(map[string]*Item),
		lastCompletion: make(map[types.Backend]time.Time),
		health:         make(map[types.Backend]*backendHealth),
		file:           file,
		breaker:        brk,
		exec:           exec,
		events:         events,
		now:            time.Now,
		stopCh:         make(chan struct{}),
	}
	for b := range concurrency {
		s.backends = append(s.backends, b)
	}
	sort.Slice(s.backends, func(i, j int) bool { return s.backends[i] < s.backends[j] })

	var saved persistedState
	if ok, err := file.Load(&saved); err != nil {
		return nil, err
	} else if ok {
		s.queue = saved.Queue
		s.completed = saved.Completed
		s.paused = saved.Paused
		if saved.LastCompletion != nil {
			s.lastCompletion = saved.LastCompletion
		}
		if saved.Health != nil {
			s.health = saved.Health
		}
		for _, it := range s.queue {
			if it.Status == StatusActive {
				it.Status = StatusQueued
			}
		}
		s.sortLocked()
	}
	return s, nil
}

// Enqueue adds a task for a subscription backend.
func (s *Scheduler) Enqueue(task types.Task, backend types.Backend) *Item {
	item := &Item{
		ID:         "q-" + uuid.NewString()[:8],
		Task:       task,
		Backend:    backend,
		Priority:   priorityFor(task.Urgency),
		Status:     StatusQueued,
		EnqueuedAt: s.now(),
	}

	s.mu.Lock()
	s.queue = append(s.queue, item)
	s.sortLocked()
	s.saveLocked()
	s.mu.Unlock()

	s.publish(bus.EventTaskQueued, item, fmt.Sprintf("queued for %s (priority %d)", backend, item.Priority))
	return item
}

// Start launches the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.loopWg.Add(1)
	go func() {
		defer s.loopWg.Done()
		ticker := time.NewTicker(s.cfg.Tick())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for in-flight items.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.loopWg.Wait()
	s.itemWg.Wait()
}

// Flush waits for all dispatched items to finish. Used by tests and
// shutdown.
func (s *Scheduler) Flush() {
	s.itemWg.Wait()
}

// Tick runs one dispatch pass over every subscription backend.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}
	now := s.now()

	var dispatch []*Item
	for _, b := range s.backends {
		h := s.healthLocked(b)
		if h.Throttled {
			if now.Before(h.BackoffUntil) {
				continue
			}
			h.Throttled = false
		}
		if cd := s.cfg.Cooldown(b); cd > 0 {
			if last, ok := s.lastCompletion[b]; ok && now.Sub(last) < cd {
				continue
			}
		}
		slots := s.concurrency[b] - s.activeCountLocked(b)
		for _, it := range s.queue {
			if slots <= 0 {
				break
			}
			if it.Backend != b || (it.Status != StatusQueued && it.Status != StatusWaiting) {
				continue
			}
			it.Status = StatusActive
			it.StartedAt = now
			s.active[it.ID] = it
			dispatch = append(dispatch, it)
			slots--
		}
	}
	for _, it := range dispatch {
		s.removeFromQueueLocked(it.ID)
	}
	if len(dispatch) > 0 {
		s.saveLocked()
	}
	s.mu.Unlock()

	for _, it := range dispatch {
		s.itemWg.Add(1)
		go func(item *Item) {
			defer s.itemWg.Done()
			s.run(ctx, item)
		}(it)
	}
}

// run consults the breaker and executes one item. The pre-check is a
// pure peek; admission (and the half-open probe slot) belongs to the
// executor's own breaker gate.
func (s *Scheduler) run(ctx context.Context, item *Item) {
	if s.breaker.Denies(item.Backend) {
		s.handleCircuitDenied(item, fmt.Sprintf("circuit denies %s", item.Backend))
		return
	}

	s.publish(bus.EventTaskStarted, item, "dispatched")
	res, err := s.exec.ExecuteOn(ctx, item.Backend, item.Task)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, item.ID)

	if item.cancelled {
		item.Status = StatusCancelled
		s.saveLocked()
		return
	}

	if err == nil {
		item.Status = StatusDone
		item.Result = res
		item.CompletedAt = s.now()
		s.lastCompletion[item.Backend] = item.CompletedAt
		s.healthLocked(item.Backend).ConsecutiveFailures = 0
		s.completeLocked(item)
		s.saveLocked()
		s.publishLocked(bus.EventTaskCompleted, item, "completed")
		return
	}

	item.LastError = err.Error()
	switch classify(err) {
	case failureRateLimit:
		h := s.healthLocked(item.Backend)
		h.Throttled = true
		backoff := time.Duration(1<<uint(h.ConsecutiveFailures+1)) * time.Minute
		h.BackoffUntil = s.now().Add(backoff)
		h.ConsecutiveFailures++
		logging.Scheduler("backend %s throttled, backing off %s", item.Backend, backoff)
		s.requeueLocked(item, StatusQueued)
	case failureCircuit:
		s.circuitDeniedLocked(item, err.Error())
	default:
		item.Retries++
		if item.Retries < s.cfg.MaxRetries {
			s.requeueLocked(item, StatusQueued)
		} else {
			item.Status = StatusFailed
			item.FinalError = err.Error()
			item.CompletedAt = s.now()
			s.completeLocked(item)
			s.publishLocked(bus.EventTaskFailed, item, item.FinalError)
		}
	}
	s.saveLocked()
}

// handleCircuitDenied applies the breaker failure path: no retry cost,
// dead-letter after the configured consecutive denials.
func (s *Scheduler) handleCircuitDenied(item *Item, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.circuitDeniedLocked(item, reason)
}

func (s *Scheduler) circuitDeniedLocked(item *Item, reason string) {
	delete(s.active, item.ID)

	item.CircuitBreakerFailures++
	item.LastError = reason

	if item.CircuitBreakerFailures >= s.cfg.MaxConsecutiveCircuitBreakerFailures {
		item.Status = StatusFailed
		item.FinalError = fmt.Sprintf("dead-lettered after %d circuit breaker denials: %s", item.CircuitBreakerFailures, reason)
		item.CompletedAt = s.now()
		s.completeLocked(item)
		s.saveLocked()
		s.publishLocked(bus.EventTaskFailed, item, item.FinalError)
		return
	}

	status := StatusQueued
	if s.breaker.AllOpen(types.AllBackends) {
		status = StatusWaiting
		s.publishLocked(bus.EventTaskWaiting, item, "all breakers open, waiting")
	}
	s.requeueLocked(item, status)
	s.saveLocked()
}

// Cancel removes a queued item or flags an active one; a flagged active
// item is dropped when its adapter returns.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it, ok := s.active[id]; ok {
		it.cancelled = true
		return true
	}
	for _, it := range s.queue {
		if it.ID == id {
			it.Status = StatusCancelled
			it.CompletedAt = s.now()
			s.removeFromQueueLocked(id)
			s.completeLocked(it)
			s.saveLocked()
			return true
		}
	}
	return false
}

// Pause stops dispatch without draining.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.saveLocked()
}

// Resume restarts dispatch.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.saveLocked()
}

// Queue returns queued items in dispatch order.
func (s *Scheduler) Queue() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.queue))
	for i, it := range s.queue {
		out[i] = *it
	}
	return out
}

// Active returns the in-flight items.
func (s *Scheduler) Active() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, 0, len(s.active))
	for _, it := range s.active {
		out = append(out, *it)
	}
	return out
}

// Completed returns the bounded completed list, newest first.
func (s *Scheduler) Completed() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.completed))
	for i, it := range s.completed {
		out[len(out)-1-i] = *it
	}
	return out
}

// Paused reports whether dispatch is stopped.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) requeueLocked(item *Item, status ItemStatus) {
	item.Status = status
	s.queue = append(s.queue, item)
	s.sortLocked()
}

func (s *Scheduler) completeLocked(item *Item) {
	s.completed = append(s.completed, item)
	if len(s.completed) > completedCap {
		s.completed = s.completed[len(s.completed)-completedCap:]
	}
}

func (s *Scheduler) removeFromQueueLocked(id string) {
	for i, it := range s.queue {
		if it.ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// sortLocked recomputes the deterministic queue order: priority
// descending, then FIFO by enqueue time.
func (s *Scheduler) sortLocked() {
	sort.SliceStable(s.queue, func(i, j int) bool {
		if s.queue[i].Priority != s.queue[j].Priority {
			return s.queue[i].Priority > s.queue[j].Priority
		}
		return s.queue[i].EnqueuedAt.Before(s.queue[j].EnqueuedAt)
	})
}

func (s *Scheduler) activeCountLocked(b types.Backend) int {
	n := 0
	for _, it := range s.active {
		if it.Backend == b {
			n++
		}
	}
	return n
}

func (s *Scheduler) healthLocked(b types.Backend) *backendHealth {
	h, ok := s.health[b]
	if !ok {
		h = &backendHealth{}
		s.health[b] = h
	}
	return h
}

func (s *Scheduler) saveLocked() {
	doc := persistedState{
		Queue:          s.queue,
		Completed:      s.completed,
		LastCompletion: s.lastCompletion,
		Health:         s.health,
		Paused:         s.paused,
		LastUpdated:    s.now(),
	}
	if err := s.file.Save(&doc); err != nil {
		logging.Get(logging.CategoryScheduler).Error("queue save failed: %v", err)
	}
}

func (s *Scheduler) publish(t bus.EventType, item *Item, msg string) {
	if s.events != nil {
		s.events.Publish(bus.Event{Type: t, TaskID: item.Task.ID, Backend: string(item.Backend), Message: msg})
	}
}

func (s *Scheduler) publishLocked(t bus.EventType, item *Item, msg string) {
	s.publish(t, item, msg)
}

func priorityFor(u types.Urgency) int {
	switch u {
	case types.UrgencyUrgent:
		return PriorityUrgent
	case types.UrgencyBackground:
		return PriorityBackground
	default:
		return PriorityNormal
	}
}

type failureClass int

const (
	failureOther failureClass = iota
	failureRateLimit
	failureCircuit
)

// classify maps an execution error to the scheduler failure path.
func classify(err error) failureClass {
	var be *types.BackendError
	if errors.As(err, &be) {
		switch {
		case be.RateLimited:
			return failureRateLimit
		case be.Kind == types.ErrKindBreakerOpen:
			return failureCircuit
		}
	}
	return failureOther
}
