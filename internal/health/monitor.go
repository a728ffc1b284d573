// Package health runs periodic liveness probes against every backend
// and derives a warm/healthy/cold/dead status the router uses as a
// tiebreaker. The same loop doubles as the warmup keep-alive for the
// subscription CLIs.
package health

import (
	"context"
	"sync"
	"time"

	"modelmux/internal/logging"
	"modelmux/internal/store"
	"modelmux/internal/types"
)

// Status is the derived liveness band.
type Status string

const (
	StatusWarm    Status = "warm"
	StatusHealthy Status = "healthy"
	StatusCold    Status = "cold"
	StatusDead    Status = "dead"
)

// Score maps a status to the router's tiebreaker score.
func (s Status) Score() int {
	switch s {
	case StatusWarm:
		return 100
	case StatusHealthy:
		return 75
	case StatusCold:
		return 25
	}
	return 0
}

// Prober issues a backend-specific lightweight liveness check.
type Prober interface {
	Ping(ctx context.Context, backend types.Backend) (version string, err error)
}

// ProbeSink receives probe outcomes. The circuit breaker implements it;
// probe failures are flagged so they never consume the failure quota.
type ProbeSink interface {
	RecordFailure(backend types.Backend, probe bool)
	RecordSuccess(backend types.Backend)
}

// BackendHealth is the persisted per-backend probe record.
type BackendHealth struct {
	LastPing            time.Time `json:"lastPing"`
	LastSuccess         time.Time `json:"lastSuccess"`
	LastError           string    `json:"lastError,omitempty"`
	Version             string    `json:"version,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// State is the persisted health document.
type State struct {
	Backends    map[types.Backend]*BackendHealth `json:"backends"`
	LastUpdated time.Time                        `json:"lastUpdated"`
}

// Config tunes the probe loop.
type Config struct {
	Interval time.Duration // default 15m
	Backends []types.Backend
}

// Monitor owns probe state and the timer loop.
type Monitor struct {
	mu     sync.Mutex
	cfg    Config
	state  State
	file   *store.JSONState
	prober Prober
	sink   ProbeSink
	now    func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a monitor persisting to path. sink may be nil.
func New(cfg Config, path string, prober Prober, sink ProbeSink) (*Monitor, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if len(cfg.Backends) == 0 {
		cfg.Backends = types.AllBackends
	}
	file, err := store.NewJSONState(path)
	if err != nil {
		return nil, err
	}
	m := &Monitor{
		cfg:    cfg,
		file:   file,
		prober: prober,
		sink:   sink,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	m.state.Backends = make(map[types.Backend]*BackendHealth)
	if _, err := file.Load(&m.state); err != nil {
		return nil, err
	}
	if m.state.Backends == nil {
		m.state.Backends = make(map[types.Backend]*BackendHealth)
	}
	return m, nil
}

// Start launches the probe loop. An immediate sweep runs first so
// status is fresh at boot.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.ProbeAll(ctx)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.ProbeAll(ctx)
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// ProbeAll sweeps every configured backend once.
func (m *Monitor) ProbeAll(ctx context.Context) {
	for _, b := range m.cfg.Backends {
		m.Probe(ctx, b)
	}
}

// Probe issues one liveness check and updates state.
func (m *Monitor) Probe(ctx context.Context, backend types.Backend) {
	now := m.now()
	version, err := m.prober.Ping(ctx, backend)

	m.mu.Lock()
	h := m.backend(backend)
	h.LastPing = now
	if err != nil {
		h.LastError = err.Error()
		h.ConsecutiveFailures++
	} else {
		h.LastSuccess = now
		h.LastError = ""
		h.Version = version
		h.ConsecutiveFailures = 0
	}
	m.saveLocked()
	m.mu.Unlock()

	if err != nil {
		logging.Health("probe failed for %s: %v", backend, err)
		if m.sink != nil {
			m.sink.RecordFailure(backend, true)
		}
		return
	}
	logging.Get(logging.CategoryHealth).Debug("probe ok for %s (version=%s)", backend, version)
	if m.sink != nil {
		m.sink.RecordSuccess(backend)
	}
}

// StatusOf derives the liveness band for a backend.
func (m *Monitor) StatusOf(backend types.Backend) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.backend(backend)
	now := m.now()
	switch {
	case h.ConsecutiveFailures >= 1:
		return StatusDead
	case !h.LastSuccess.IsZero() && now.Sub(h.LastSuccess) <= 5*time.Minute:
		return StatusWarm
	case !h.LastSuccess.IsZero() && now.Sub(h.LastSuccess) <= 15*time.Minute:
		return StatusHealthy
	default:
		return StatusCold
	}
}

// Score returns the router tiebreaker score for a backend.
func (m *Monitor) Score(backend types.Backend) int {
	return m.StatusOf(backend).Score()
}

// Snapshot returns a copy of all probe records.
func (m *Monitor) Snapshot() map[types.Backend]BackendHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.Backend]BackendHealth, len(m.state.Backends))
	for b, h := range m.state.Backends {
		out[b] = *h
	}
	return out
}

func (m *Monitor) backend(backend types.Backend) *BackendHealth {
	h, ok := m.state.Backends[backend]
	if !ok {
		h = &BackendHealth{}
		m.state.Backends[backend] = h
	}
	return h
}

func (m *Monitor) saveLocked() {
	m.state.LastUpdated = m.now()
	if err := m.file.Save(&m.state); err != nil {
		logging.Get(logging.CategoryHealth).Error("health save failed: %v", err)
	}
}
