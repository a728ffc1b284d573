// Package breaker implements the per-backend circuit breaker state
// machine: CLOSED until enough failures land inside a rolling window,
// OPEN for a cooldown, then HALF-OPEN admitting a single probe.
//
// sony/gobreaker was considered and rejected: this breaker must persist
// rolling failure timestamps across restarts, exempt probe-typed
// failures from the quota, and expose operator reset.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"modelmux/internal/bus"
	"modelmux/internal/logging"
	"modelmux/internal/store"
	"modelmux/internal/types"
)

// CircuitState names the breaker state.
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half-open"
)

// Throttler receives rate-limit-shaped failures. The governor implements
// it; the dependency is injected to keep the wiring acyclic.
type Throttler interface {
	RecordThrottle(backend types.Backend)
}

// BackendCircuit is the persisted per-backend breaker state.
type BackendCircuit struct {
	State        CircuitState `json:"state"`
	Failures     []time.Time  `json:"failures"`
	CooldownEnds *time.Time   `json:"cooldownEnds,omitempty"`
	ProbeInFlight bool        `json:"probeInFlight"`
	ProbeFailures int         `json:"probeFailures"` // consecutive probe failures, informational
}

// State is the persisted breaker document.
type State struct {
	Backends    map[types.Backend]*BackendCircuit `json:"backends"`
	LastUpdated time.Time                         `json:"lastUpdated"`
}

// Config tunes thresholds and windows.
type Config struct {
	FailureThreshold int           // F, default 5
	FailureWindow    time.Duration // W, default 15m
	Cooldown         time.Duration // C, default 10m
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    15 * time.Minute,
		Cooldown:         10 * time.Minute,
	}
}

// FailureOpts qualifies a recorded failure.
type FailureOpts struct {
	// Probe marks a health-check failure: noted, never counted toward
	// the threshold.
	Probe bool
	// RateLimit additionally notifies the governor.
	RateLimit bool
}

// Breaker owns the circuits for all backends.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	file     *store.JSONState
	bus      *bus.Bus
	throttler Throttler
	now      func() time.Time
}

// New creates a breaker persisting to path. events and throttler may be nil.
func New(cfg Config, path string, events *bus.Bus, throttler Throttler) (*Breaker, error) {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 15 * time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Minute
	}
	file, err := store.NewJSONState(path)
	if err != nil {
		return nil, err
	}
	b := &Breaker{cfg: cfg, file: file, bus: events, throttler: throttler, now: time.Now}
	b.state.Backends = make(map[types.Backend]*BackendCircuit)
	if _, err := file.Load(&b.state); err != nil {
		return nil, err
	}
	if b.state.Backends == nil {
		b.state.Backends = make(map[types.Backend]*BackendCircuit)
	}
	return b, nil
}

// CanExecute reports whether the backend may take a request now. In
// HALF-OPEN the first caller is admitted as the probe; callers after it
// are denied until the probe resolves.
func (b *Breaker) CanExecute(backend types.Backend) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(backend)
	now := b.now()

	switch c.State {
	case StateClosed, "":
		return true, ""

	case StateOpen:
		if c.CooldownEnds != nil && !now.Before(*c.CooldownEnds) {
			b.transitionLocked(backend, c, StateHalfOpen)
			c.ProbeInFlight = true
			b.saveLocked()
			return true, "half-open probe"
		}
		return false, fmt.Sprintf("circuit open for %s", backend)

	case StateHalfOpen:
		if c.ProbeInFlight {
			return false, fmt.Sprintf("circuit half-open for %s, probe in flight", backend)
		}
		c.ProbeInFlight = true
		b.saveLocked()
		return true, "half-open probe"
	}
	return false, fmt.Sprintf("circuit in unknown state %q", c.State)
}

// RecordSuccess closes the circuit after a successful execution.
func (b *Breaker) RecordSuccess(backend types.Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(backend)
	switch c.State {
	case StateHalfOpen:
		c.Failures = nil
		c.CooldownEnds = nil
		c.ProbeInFlight = false
		c.ProbeFailures = 0
		b.transitionLocked(backend, c, StateClosed)
	case StateClosed, "":
		c.ProbeFailures = 0
	}
	b.saveLocked()
}

// RecordFailure records an execution failure and applies the state
// machine. Probe-typed failures do not consume the failure quota.
func (b *Breaker) RecordFailure(backend types.Backend, opts FailureOpts) {
	b.mu.Lock()
	c := b.circuit(backend)
	now := b.now()

	if opts.RateLimit && b.throttler != nil {
		// Notify outside the lock at the end; capture intent here.
		defer b.throttler.RecordThrottle(backend)
	}

	if opts.Probe {
		c.ProbeFailures++
		if c.State == StateHalfOpen {
			// The half-open slot was spent on a health probe that
			// failed: reopen rather than leave the slot claimed forever.
			ends := now.Add(b.cfg.Cooldown)
			c.CooldownEnds = &ends
			c.ProbeInFlight = false
			b.transitionLocked(backend, c, StateOpen)
		}
		b.saveLocked()
		b.mu.Unlock()
		return
	}

	switch c.State {
	case StateHalfOpen:
		// Probe request failed: reopen with a fresh cooldown.
		ends := now.Add(b.cfg.Cooldown)
		c.CooldownEnds = &ends
		c.ProbeInFlight = false
		b.transitionLocked(backend, c, StateOpen)

	case StateClosed, "":
		c.Failures = append(c.Failures, now)
		b.pruneLocked(c, now)
		if len(c.Failures) >= b.cfg.FailureThreshold {
			ends := now.Add(b.cfg.Cooldown)
			c.CooldownEnds = &ends
			b.transitionLocked(backend, c, StateOpen)
		}

	case StateOpen:
		c.Failures = append(c.Failures, now)
	}
	b.saveLocked()
	b.mu.Unlock()
}

// Reset forces a circuit CLOSED. Operator action and test teardown.
func (b *Breaker) Reset(backend types.Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(backend)
	c.Failures = nil
	c.CooldownEnds = nil
	c.ProbeInFlight = false
	c.ProbeFailures = 0
	if c.State != StateClosed {
		b.transitionLocked(backend, c, StateClosed)
	}
	b.saveLocked()
}

// StateOf returns the current state of a backend's circuit.
func (b *Breaker) StateOf(backend types.Backend) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(backend)
	if c.State == "" {
		return StateClosed
	}
	return c.State
}

// CooldownEnds returns when an OPEN circuit will admit a probe.
func (b *Breaker) CooldownEnds(backend types.Backend) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(backend)
	if c.CooldownEnds == nil {
		return time.Time{}, false
	}
	return *c.CooldownEnds, true
}

// Denies reports whether the backend's circuit would deny a request
// right now, without claiming the half-open probe slot. Status queries
// and scheduler pre-checks use this; only CanExecute admits work.
func (b *Breaker) Denies(backend types.Backend) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(backend)
	switch c.State {
	case StateOpen:
		return c.CooldownEnds == nil || b.now().Before(*c.CooldownEnds)
	case StateHalfOpen:
		return c.ProbeInFlight
	}
	return false
}

// ReleaseProbe returns an unspent half-open probe slot. Callers that
// were admitted by CanExecute but never reached the backend (missing
// adapter, model selection failure) must release the slot so the next
// caller can probe.
func (b *Breaker) ReleaseProbe(backend types.Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(backend)
	if c.State == StateHalfOpen && c.ProbeInFlight {
		c.ProbeInFlight = false
		b.saveLocked()
	}
}

// AllOpen reports whether every listed backend's circuit currently
// denies execution. The scheduler uses this to park items as waiting.
func (b *Breaker) AllOpen(backends []types.Backend) bool {
	for _, backend := range backends {
		if !b.Denies(backend) {
			return false
		}
	}
	return true
}

func (b *Breaker) circuit(backend types.Backend) *BackendCircuit {
	c, ok := b.state.Backends[backend]
	if !ok {
		c = &BackendCircuit{State: StateClosed}
		b.state.Backends[backend] = c
	}
	return c
}

// pruneLocked drops failures outside the rolling window before the
// threshold test.
func (b *Breaker) pruneLocked(c *BackendCircuit, now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	kept := c.Failures[:0]
	for _, f := range c.Failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	c.Failures = kept
}

func (b *Breaker) transitionLocked(backend types.Backend, c *BackendCircuit, to CircuitState) {
	from := c.State
	c.State = to
	logging.Breaker("%s: %s -> %s", backend, from, to)

	if b.bus == nil {
		return
	}
	var ev bus.EventType
	switch to {
	case StateOpen:
		ev = bus.EventBreakerOpen
	case StateClosed:
		ev = bus.EventBreakerClosed
	case StateHalfOpen:
		ev = bus.EventBreakerHalf
	}
	b.bus.Publish(bus.Event{Type: ev, Backend: string(backend)})
}

func (b *Breaker) saveLocked() {
	b.state.LastUpdated = b.now()
	if err := b.file.Save(&b.state); err != nil {
		logging.Get(logging.CategoryBreaker).Error("breaker save failed: %v", err)
	}
}
