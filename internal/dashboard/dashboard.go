// Package dashboard serves the live HTTP surface: JSON status
// endpoints over component snapshots, a server-sent event stream of
// bus events, and Prometheus metrics.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modelmux/internal/breaker"
	"modelmux/internal/bus"
	"modelmux/internal/config"
	"modelmux/internal/governor"
	"modelmux/internal/health"
	"modelmux/internal/ledger"
	"modelmux/internal/logging"
	"modelmux/internal/scheduler"
	"modelmux/internal/session"
	"modelmux/internal/shadow"
	"modelmux/internal/types"
)

// Deps are the components the dashboard reads. Any of them may be nil;
// the matching endpoint then reports an empty document.
type Deps struct {
	Ledger    *ledger.Ledger
	Governor  *governor.Governor
	Breaker   *breaker.Breaker
	Health    *health.Monitor
	Scheduler *scheduler.Scheduler
	Shadow    *shadow.DB
	Session   *session.Tracker
	Events    *bus.Bus
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg     config.DashboardConfig
	deps    Deps
	metrics *Metrics

	srv      *http.Server
	cancel   func()
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer builds the server and wires the metrics feed.
func NewServer(cfg config.DashboardConfig, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps, metrics: NewMetrics()}
}

// Handler builds the chi router. Exposed separately so tests can drive
// it through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP)
		r.Get("/events", s.handleEvents)
		r.Route("/api", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Get("/queue", s.handleQueue)
			r.Get("/savings", s.handleSavings)
			r.Get("/trust", s.handleTrust)
			r.Get("/context", s.handleContext)
		})
	})
	return r
}

// Start binds the port and begins feeding metrics from the bus.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("dashboard listen: %w", err)
	}

	if s.deps.Events != nil {
		ch, cancel := s.deps.Events.Subscribe(256)
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for ev := range ch {
				s.metrics.Observe(ev)
			}
		}()
	}

	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Get(logging.CategoryRouting).Error("dashboard serve: %v", err)
		}
	}()
	logging.Routing("dashboard listening on :%d", s.cfg.Port)
	return nil
}

// Stop shuts the server down and waits for its goroutines.
func (s *Server) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.srv != nil {
			_ = s.srv.Shutdown(ctx)
		}
	})
	s.wg.Wait()
}

// auth enforces the bearer token when one is configured.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AuthToken)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// StatusDoc is the /api/status document.
type StatusDoc struct {
	Time     time.Time                `json:"time"`
	Ledger   *ledger.State            `json:"ledger,omitempty"`
	Governor []governor.Insight       `json:"governor,omitempty"`
	Breakers map[string]string        `json:"breakers,omitempty"`
	Health   map[string]health.BackendHealth `json:"health,omitempty"`
	Queue    QueueSummary             `json:"queue"`
}

// QueueSummary is the scheduler portion of the status document.
type QueueSummary struct {
	Queued    int  `json:"queued"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Paused    bool `json:"paused"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	doc := StatusDoc{Time: time.Now()}
	if s.deps.Ledger != nil {
		st := s.deps.Ledger.Report()
		doc.Ledger = &st
	}
	if s.deps.Governor != nil {
		doc.Governor = s.deps.Governor.Insights()
	}
	if s.deps.Breaker != nil {
		doc.Breakers = make(map[string]string, len(types.AllBackends))
		for _, b := range types.AllBackends {
			doc.Breakers[string(b)] = string(s.deps.Breaker.StateOf(b))
		}
	}
	if s.deps.Health != nil {
		doc.Health = make(map[string]health.BackendHealth)
		for b, h := range s.deps.Health.Snapshot() {
			doc.Health[string(b)] = h
		}
	}
	if s.deps.Scheduler != nil {
		doc.Queue = QueueSummary{
			Queued:    len(s.deps.Scheduler.Queue()),
			Active:    len(s.deps.Scheduler.Active()),
			Completed: len(s.deps.Scheduler.Completed()),
			Paused:    s.deps.Scheduler.Paused(),
		}
	}
	writeJSON(w, doc)
}

// QueueDoc is the /api/queue document.
type QueueDoc struct {
	Queue     []scheduler.Item `json:"queue"`
	Active    []scheduler.Item `json:"active"`
	Completed []scheduler.Item `json:"completed"`
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	doc := QueueDoc{Queue: []scheduler.Item{}, Active: []scheduler.Item{}, Completed: []scheduler.Item{}}
	if s.deps.Scheduler != nil {
		doc.Queue = s.deps.Scheduler.Queue()
		doc.Active = s.deps.Scheduler.Active()
		doc.Completed = s.deps.Scheduler.Completed()
	}
	writeJSON(w, doc)
}

// SavingsDoc is the /api/savings document.
type SavingsDoc struct {
	Entries  []ledger.SavingsEntry `json:"entries"`
	TotalUSD float64               `json:"totalUsd"`
}

func (s *Server) handleSavings(w http.ResponseWriter, _ *http.Request) {
	doc := SavingsDoc{Entries: []ledger.SavingsEntry{}}
	if s.deps.Ledger != nil {
		doc.Entries, doc.TotalUSD = s.deps.Ledger.Savings()
	}
	writeJSON(w, doc)
}

func (s *Server) handleTrust(w http.ResponseWriter, _ *http.Request) {
	rows := []shadow.TrustScore{}
	if s.deps.Shadow != nil {
		got, err := s.deps.Shadow.TrustTable()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		rows = got
	}
	writeJSON(w, rows)
}

func (s *Server) handleContext(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Session == nil {
		writeJSON(w, session.Context{})
		return
	}
	writeJSON(w, s.deps.Session.Snapshot())
}

// handleEvents streams bus events as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		http.Error(w, "event bus unavailable", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := s.deps.Events.Subscribe(128)
	defer cancel()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get(logging.CategoryRouting).Error("dashboard encode: %v", err)
	}
}
