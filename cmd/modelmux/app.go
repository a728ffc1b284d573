package main

import (
	"context"
	"fmt"
	"time"

	"modelmux/internal/backend"
	"modelmux/internal/breaker"
	"modelmux/internal/bus"
	"modelmux/internal/config"
	"modelmux/internal/dashboard"
	"modelmux/internal/dedup"
	"modelmux/internal/governor"
	"modelmux/internal/health"
	"modelmux/internal/ledger"
	"modelmux/internal/logging"
	"modelmux/internal/planner"
	"modelmux/internal/registry"
	"modelmux/internal/router"
	"modelmux/internal/scheduler"
	"modelmux/internal/session"
	"modelmux/internal/shadow"
	"modelmux/internal/types"
)

// App holds the fully wired component graph. One instance per process.
type App struct {
	Cfg       *config.Config
	Events    *bus.Bus
	Ledger    *ledger.Ledger
	Governor  *governor.Governor
	Breaker   *breaker.Breaker
	Dedup     *dedup.Dedup
	Registry  *registry.Registry
	Planner   *planner.Planner
	Adapters  backend.Set
	Health    *health.Monitor
	Approvals *router.Approvals
	Router    *router.Router
	Scheduler *scheduler.Scheduler
	ShadowDB  *shadow.DB
	Shadow    *shadow.Bench
	Session   *session.Tracker
}

// probeSink adapts the breaker to the health monitor's sink interface.
// Probe failures must never consume the breaker's failure quota.
type probeSink struct{ brk *breaker.Breaker }

func (p probeSink) RecordFailure(b types.Backend, probe bool) {
	p.brk.RecordFailure(b, breaker.FailureOpts{Probe: probe})
}
func (p probeSink) RecordSuccess(b types.Backend) { p.brk.RecordSuccess(b) }

// buildApp wires every component from configuration. Nothing is
// started; long-running loops launch in runDaemon.
func buildApp(cfg *config.Config) (*App, error) {
	if _, err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}
	events := bus.New()

	ledCfg := ledger.DefaultConfig()
	if cfg.Backends.API.DailyBudgetUSD > 0 {
		ledCfg.DailyBudgetUSD = cfg.Backends.API.DailyBudgetUSD
	}
	if cfg.Backends.API.MonthlyBudgetUSD > 0 {
		ledCfg.MonthlyBudgetUSD = cfg.Backends.API.MonthlyBudgetUSD
	}
	led, err := ledger.New(ledCfg, cfg.StatePath("ledger.json"))
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	govCfg := governor.DefaultConfig()
	govCfg.Window = cfg.RateGovernor.Window()
	govCfg.Cooldown = cfg.RateGovernor.Cooldown()
	govCfg.Limits = map[types.Backend]int{
		types.BackendClaudeCode: cfg.Backends.ClaudeCode.RateLimit,
		types.BackendCodex:      cfg.Backends.Codex.RateLimit,
		types.BackendAPI:        cfg.Backends.API.RateLimit,
		types.BackendLocal:      cfg.Backends.Local.RateLimit,
	}
	gov, err := governor.New(govCfg, cfg.StatePath("rate-governor-state.json"), events)
	if err != nil {
		return nil, fmt.Errorf("governor: %w", err)
	}

	brk, err := breaker.New(breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		FailureWindow:    cfg.CircuitBreaker.FailureWindow(),
		Cooldown:         cfg.CircuitBreaker.Cooldown(),
	}, cfg.StatePath("circuit-breaker-state.json"), events, gov)
	if err != nil {
		return nil, fmt.Errorf("breaker: %w", err)
	}

	ddp, err := dedup.New(cfg.StatePath("recent-tasks.json"))
	if err != nil {
		return nil, fmt.Errorf("dedup: %w", err)
	}

	reg, err := registry.New(cfg.StatePath("model-registry-state.json"), nil)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	adapters := backend.Set{
		types.BackendClaudeCode: backend.NewClaudeCode(cfg.Backends.ClaudeCode.Timeout(), led),
		types.BackendCodex:      backend.NewCodex(cfg.Backends.Codex.Timeout(), led),
		types.BackendAPI:        backend.NewAPI(cfg.Backends.API, reg),
		types.BackendLocal:      backend.NewLocal(cfg.Backends.Local),
	}

	mon, err := health.New(health.Config{
		Interval: time.Duration(cfg.Warmup.IntervalMs) * time.Millisecond,
	}, cfg.StatePath("backend-health.json"), backend.NewProber(adapters), probeSink{brk})
	if err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}

	approvals, err := router.NewApprovals(cfg.StatePath("pending-plans.json"))
	if err != nil {
		return nil, fmt.Errorf("approvals: %w", err)
	}

	shadowDB, err := shadow.OpenDB(cfg.StatePath("shadow-bench.db"))
	if err != nil {
		return nil, fmt.Errorf("shadow db: %w", err)
	}
	bench := shadow.New(cfg.ShadowBench, shadowDB, adapters, gov, events)
	reg.SetTrustProvider(bench)

	plnr := planner.New(cfg.Planner)
	rtr := router.New(cfg, plnr, ddp, led, gov, brk, reg, adapters, events, approvals, bench)

	sched, err := scheduler.New(cfg.Scheduler, map[types.Backend]int{
		types.BackendClaudeCode: cfg.Backends.ClaudeCode.Concurrency,
		types.BackendCodex:      cfg.Backends.Codex.Concurrency,
	}, cfg.StatePath("queue-state.json"), brk, rtr, events)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	tracker, err := session.New(cfg.StatePath("active-context.json"))
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	return &App{
		Cfg: cfg, Events: events, Ledger: led, Governor: gov, Breaker: brk,
		Dedup: ddp, Registry: reg, Planner: plnr, Adapters: adapters,
		Health: mon, Approvals: approvals, Router: rtr, Scheduler: sched,
		ShadowDB: shadowDB, Shadow: bench, Session: tracker,
	}, nil
}

// Close releases resources held by a one-shot invocation.
func (a *App) Close() {
	if a.ShadowDB != nil {
		_ = a.ShadowDB.Close()
	}
}

// runDaemon starts every background loop and blocks until ctx is done.
func (a *App) runDaemon(ctx context.Context, configPath string) error {
	a.Session.Follow(a.Events)
	a.Shadow.Start(ctx)
	a.Health.Start(ctx)
	a.Scheduler.Start(ctx)

	srv := dashboard.NewServer(a.Cfg.Dashboard, dashboard.Deps{
		Ledger:    a.Ledger,
		Governor:  a.Governor,
		Breaker:   a.Breaker,
		Health:    a.Health,
		Scheduler: a.Scheduler,
		Shadow:    a.ShadowDB,
		Session:   a.Session,
		Events:    a.Events,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	stopWatch, err := config.Watch(configPath, func(next *config.Config) {
		logging.Apply(logging.Settings{
			DebugMode:  next.Logging.DebugMode,
			Categories: next.Logging.Categories,
			Level:      next.Logging.Level,
			JSONFormat: next.Logging.JSONFormat,
		})
		logging.Routing("configuration reloaded from %s", configPath)
	})
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("config watch unavailable: %v", err)
	} else {
		defer stopWatch()
	}

	<-ctx.Done()

	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Stop(shutdown)
	a.Scheduler.Stop()
	a.Health.Stop()
	a.Shadow.Stop()
	a.Session.Stop()
	a.Close()
	return nil
}
