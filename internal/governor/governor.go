// Package governor implements the adaptive sliding-window rate governor.
// Each backend has a rolling 60-minute window of request events and a
// current limit that tightens when the backend signals throttling.
package governor

import (
	"fmt"
	"sync"
	"time"

	"modelmux/internal/bus"
	"modelmux/internal/logging"
	"modelmux/internal/store"
	"modelmux/internal/types"
)

// RequestEvent is one recorded request in the sliding window.
type RequestEvent struct {
	Timestamp time.Time `json:"ts"`
	Success   bool      `json:"success"`
}

// ThrottleEvent records an adaptive tightening.
type ThrottleEvent struct {
	Timestamp     time.Time `json:"ts"`
	PreCount      int       `json:"preCount"`
	PriorLimit    int       `json:"priorLimit"`
	NewLimit      int       `json:"newLimit"`
	CooldownUntil time.Time `json:"cooldownUntil"`
}

// BackendWindow is the persisted per-backend governor state.
type BackendWindow struct {
	CurrentLimit  int             `json:"currentLimit"` // 0 = unlimited
	DefaultLimit  int             `json:"defaultLimit"`
	Requests      []RequestEvent  `json:"requests"`
	Throttles     []ThrottleEvent `json:"throttles"`
	CooldownUntil *time.Time      `json:"cooldownUntil,omitempty"`
}

// Decision is the outcome of a canUse check.
type Decision struct {
	Allowed          bool
	DelayMs          int
	SuggestedBackend types.Backend
	Reason           string
}

// Insight summarises learned throttle behaviour for observability.
// The admission algorithm does not consult it.
type Insight struct {
	Backend              types.Backend `json:"backend"`
	ThrottleCount        int           `json:"throttleCount"`
	MeanIntervalMinutes  float64       `json:"meanIntervalMinutes"`
	Effectiveness        float64       `json:"effectiveness"`
}

// State is the persisted governor document.
type State struct {
	Backends    map[types.Backend]*BackendWindow `json:"backends"`
	LastUpdated time.Time                        `json:"lastUpdated"`
}

// Config tunes window and cooldown lengths.
type Config struct {
	Window   time.Duration // default 60m
	Cooldown time.Duration // default 15m
	// Limits are the default per-backend request limits (0 = unlimited).
	Limits map[types.Backend]int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Window:   60 * time.Minute,
		Cooldown: 15 * time.Minute,
		Limits: map[types.Backend]int{
			types.BackendClaudeCode: 30,
			types.BackendCodex:      60,
			types.BackendAPI:        0,
			types.BackendLocal:      0,
		},
	}
}

// Governor owns the sliding windows for all backends.
type Governor struct {
	mu    sync.Mutex
	cfg   Config
	state State
	file  *store.JSONState
	bus   *bus.Bus
	now   func() time.Time
}

// New creates a governor persisting to path. events may be nil.
func New(cfg Config, path string, events *bus.Bus) (*Governor, error) {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Minute
	}
	file, err := store.NewJSONState(path)
	if err != nil {
		return nil, err
	}
	g := &Governor{cfg: cfg, file: file, bus: events, now: time.Now}
	g.state.Backends = make(map[types.Backend]*BackendWindow)
	if _, err := file.Load(&g.state); err != nil {
		return nil, err
	}
	if g.state.Backends == nil {
		g.state.Backends = make(map[types.Backend]*BackendWindow)
	}
	for _, b := range types.AllBackends {
		if _, ok := g.state.Backends[b]; !ok {
			limit := cfg.Limits[b]
			g.state.Backends[b] = &BackendWindow{CurrentLimit: limit, DefaultLimit: limit}
		}
	}
	return g, nil
}

// CanUse decides whether a request to backend is admitted right now.
// Deterministic given the persisted state and the clock.
func (g *Governor) CanUse(backend types.Backend) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.canUseLocked(backend, make(map[types.Backend]bool))
}

func (g *Governor) canUseLocked(backend types.Backend, visiting map[types.Backend]bool) Decision {
	w := g.window(backend)
	now := g.now()

	if w.CurrentLimit <= 0 {
		return Decision{Allowed: true}
	}

	if w.CooldownUntil != nil {
		if now.Before(*w.CooldownUntil) {
			return Decision{
				Allowed:          false,
				SuggestedBackend: g.suggestLocked(backend, visiting),
				Reason:           fmt.Sprintf("%s cooling down until %s", backend, w.CooldownUntil.Format(time.Kitchen)),
			}
		}
		// Cooldown expired; clear on next check.
		w.CooldownUntil = nil
		g.saveLocked()
	}

	count := g.windowCountLocked(w, now)
	switch {
	case count >= w.CurrentLimit:
		return Decision{
			Allowed:          false,
			SuggestedBackend: g.suggestLocked(backend, visiting),
			Reason:           fmt.Sprintf("%s at limit (%d/%d in window)", backend, count, w.CurrentLimit),
		}
	case float64(count) >= 0.8*float64(w.CurrentLimit):
		return Decision{
			Allowed: true,
			DelayMs: 5000,
			Reason:  fmt.Sprintf("%s near limit (%d/%d), soft delay", backend, count, w.CurrentLimit),
		}
	}
	return Decision{Allowed: true}
}

// suggestLocked walks the static chain and returns the first backend not
// currently denied, wrapping past the denied one.
func (g *Governor) suggestLocked(denied types.Backend, visiting map[types.Backend]bool) types.Backend {
	visiting[denied] = true
	start := 0
	for i, b := range types.AllBackends {
		if b == denied {
			start = i
			break
		}
	}
	for off := 1; off < len(types.AllBackends); off++ {
		candidate := types.AllBackends[(start+off)%len(types.AllBackends)]
		if visiting[candidate] {
			continue
		}
		if g.canUseLocked(candidate, visiting).Allowed {
			return candidate
		}
	}
	return ""
}

// RecordRequest appends a request event to the backend's window.
func (g *Governor) RecordRequest(backend types.Backend, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.window(backend)
	w.Requests = append(w.Requests, RequestEvent{Timestamp: g.now(), Success: success})
	g.pruneLocked(w)
	g.saveLocked()
}

// RecordThrottle tightens the backend's limit in response to a throttle
// signal: newLimit = max(1, floor(0.8*preCount)), 15-minute cooldown.
func (g *Governor) RecordThrottle(backend types.Backend) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.window(backend)
	now := g.now()
	preCount := g.windowCountLocked(w, now)
	priorLimit := w.CurrentLimit

	newLimit := preCount * 8 / 10
	if newLimit < 1 {
		newLimit = 1
	}
	w.CurrentLimit = newLimit
	until := now.Add(g.cfg.Cooldown)
	w.CooldownUntil = &until
	w.Throttles = append(w.Throttles, ThrottleEvent{
		Timestamp:     now,
		PreCount:      preCount,
		PriorLimit:    priorLimit,
		NewLimit:      newLimit,
		CooldownUntil: until,
	})
	g.saveLocked()

	logging.Governor("throttle on %s: limit %d -> %d, cooldown until %s",
		backend, priorLimit, newLimit, until.Format(time.Kitchen))
	g.publish(bus.EventThrottle, backend, fmt.Sprintf("limit %d -> %d", priorLimit, newLimit))
}

// ResetBackend restores the default (or given) limit and clears cooldown.
func (g *Governor) ResetBackend(backend types.Backend, limit ...int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.window(backend)
	if len(limit) > 0 && limit[0] > 0 {
		w.CurrentLimit = limit[0]
	} else {
		w.CurrentLimit = w.DefaultLimit
	}
	w.CooldownUntil = nil
	g.saveLocked()

	logging.Governor("reset %s to limit %d", backend, w.CurrentLimit)
	g.publish(bus.EventGovernorReset, backend, fmt.Sprintf("limit=%d", w.CurrentLimit))
}

// AdjustLimit sets an explicit limit for a backend.
func (g *Governor) AdjustLimit(backend types.Backend, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.window(backend)
	w.CurrentLimit = n
	g.saveLocked()
	logging.Governor("adjusted %s limit to %d", backend, n)
	g.publish(bus.EventGovernorAdjust, backend, fmt.Sprintf("limit=%d", n))
}

// CurrentLimit returns the backend's active limit (0 = unlimited).
func (g *Governor) CurrentLimit(backend types.Backend) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.window(backend).CurrentLimit
}

// WindowCount returns the number of requests in the current window.
func (g *Governor) WindowCount(backend types.Backend) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.windowCountLocked(g.window(backend), g.now())
}

// UsagePercent returns window fill as a percentage of the current limit
// (0 when unlimited). Used by the shadow bench idle check.
func (g *Governor) UsagePercent(backend types.Backend) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.window(backend)
	if w.CurrentLimit <= 0 {
		return 0
	}
	return float64(g.windowCountLocked(w, g.now())) / float64(w.CurrentLimit) * 100
}

// Insights aggregates throttle statistics per backend. Observability
// only; admission does not consult these.
func (g *Governor) Insights() []Insight {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Insight
	for _, b := range types.AllBackends {
		w := g.window(b)
		ins := Insight{Backend: b, ThrottleCount: len(w.Throttles)}
		if len(w.Throttles) >= 2 {
			var total time.Duration
			for i := 1; i < len(w.Throttles); i++ {
				total += w.Throttles[i].Timestamp.Sub(w.Throttles[i-1].Timestamp)
			}
			ins.MeanIntervalMinutes = total.Minutes() / float64(len(w.Throttles)-1)
		}
		// Effectiveness: recent success rate minus 20x recent throttles.
		now := g.now()
		recent, succ := 0, 0
		for _, r := range w.Requests {
			if now.Sub(r.Timestamp) <= g.cfg.Window {
				recent++
				if r.Success {
					succ++
				}
			}
		}
		recentThrottles := 0
		for _, te := range w.Throttles {
			if now.Sub(te.Timestamp) <= g.cfg.Window {
				recentThrottles++
			}
		}
		if recent > 0 {
			ins.Effectiveness = float64(succ)/float64(recent)*100 - 20*float64(recentThrottles)
		}
		out = append(out, ins)
	}
	return out
}

func (g *Governor) window(backend types.Backend) *BackendWindow {
	w, ok := g.state.Backends[backend]
	if !ok {
		limit := g.cfg.Limits[backend]
		w = &BackendWindow{CurrentLimit: limit, DefaultLimit: limit}
		g.state.Backends[backend] = w
	}
	return w
}

// windowCountLocked counts events inside the window; the window is
// computed from timestamps, not arrival order.
func (g *Governor) windowCountLocked(w *BackendWindow, now time.Time) int {
	cutoff := now.Add(-g.cfg.Window)
	n := 0
	for _, r := range w.Requests {
		if r.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

func (g *Governor) pruneLocked(w *BackendWindow) {
	cutoff := g.now().Add(-g.cfg.Window)
	kept := w.Requests[:0]
	for _, r := range w.Requests {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	w.Requests = kept
}

func (g *Governor) saveLocked() {
	g.state.LastUpdated = g.now()
	if err := g.file.Save(&g.state); err != nil {
		logging.Get(logging.CategoryGovernor).Error("governor save failed: %v", err)
	}
}

func (g *Governor) publish(t bus.EventType, backend types.Backend, msg string) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(bus.Event{Type: t, Backend: string(backend), Message: msg})
}
