// Package ledger tracks per-backend usage, budgets and savings.
// It is the first gate in the router's selection pipeline: a denied
// budget check happens before any adapter is touched.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"modelmux/internal/logging"
	"modelmux/internal/store"
	"modelmux/internal/types"
)

// Pricing is the paid-API price used for budget checks and the savings
// tally. The 70/30 input/output split matches the planner's cost model.
type Pricing struct {
	InputPer1K  float64 `json:"inputPer1k"`
	OutputPer1K float64 `json:"outputPer1k"`
}

// DefaultPricing matches the registry's default API model.
var DefaultPricing = Pricing{InputPer1K: 0.003, OutputPer1K: 0.015}

// Cost estimates the dollar cost of a token count on the paid API.
func (p Pricing) Cost(tokens int) float64 {
	in := 0.7 * float64(tokens) / 1000 * p.InputPer1K
	out := 0.3 * float64(tokens) / 1000 * p.OutputPer1K
	return in + out
}

// Config tunes budgets and reset windows.
type Config struct {
	DailyBudgetUSD   float64
	MonthlyBudgetUSD float64
	Pricing          Pricing

	// SessionTokenBudget maps subscription tokens to session percent.
	SessionTokenBudget int
	// WeeklyTokenBudget maps subscription tokens to weekly percent.
	WeeklyTokenBudget int

	SessionResetInterval time.Duration // default 5h
	WeeklyResetInterval  time.Duration // default 7d
	SavingsRetention     time.Duration // default 90d
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DailyBudgetUSD:       10.0,
		MonthlyBudgetUSD:     150.0,
		Pricing:              DefaultPricing,
		SessionTokenBudget:   1_000_000,
		WeeklyTokenBudget:    5_000_000,
		SessionResetInterval: 5 * time.Hour,
		WeeklyResetInterval:  7 * 24 * time.Hour,
		SavingsRetention:     90 * 24 * time.Hour,
	}
}

// SubscriptionUsage tracks a subscription backend's pricing window.
type SubscriptionUsage struct {
	SessionPercent float64   `json:"sessionPercent"`
	WeeklyPercent  float64   `json:"weeklyPercent"`
	SessionStart   time.Time `json:"sessionStart"`
	WeekStart      time.Time `json:"weekStart"`
	TokensTotal    int64     `json:"tokensTotal"`
	TasksCompleted int       `json:"tasksCompleted"`
}

// APIUsage tracks the paid API backend.
type APIUsage struct {
	DailyUSD       float64   `json:"dailyUsd"`
	MonthlyUSD     float64   `json:"monthlyUsd"`
	DayStart       time.Time `json:"dayStart"`
	MonthStart     time.Time `json:"monthStart"`
	TokensTotal    int64     `json:"tokensTotal"`
	TasksCompleted int       `json:"tasksCompleted"`
}

// LocalUsage tracks the local model server.
type LocalUsage struct {
	TokensTotal    int64 `json:"tokensTotal"`
	TasksCompleted int   `json:"tasksCompleted"`
}

// UserUsage mirrors the API counters per principal.
type UserUsage struct {
	USD            float64 `json:"usd"`
	Tokens         int64   `json:"tokens"`
	TasksCompleted int     `json:"tasksCompleted"`
}

// SavingsEntry records what a subscription/local execution would have
// cost on the paid API.
type SavingsEntry struct {
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"ts"`
}

// State is the single persisted ledger document.
type State struct {
	ClaudeCode SubscriptionUsage     `json:"claudeCode"`
	Codex      SubscriptionUsage     `json:"codex"`
	API        APIUsage              `json:"api"`
	Local      LocalUsage            `json:"local"`
	Users      map[string]UserUsage  `json:"users"`
	Savings    []SavingsEntry        `json:"savings"`
	TotalSaved float64               `json:"totalSaved"`
	LastUpdated time.Time            `json:"lastUpdated"`
}

// BudgetDecision is the outcome of a budget check.
type BudgetDecision struct {
	Allowed bool
	Reason  string
}

// Ledger owns the persisted usage document.
type Ledger struct {
	mu    sync.Mutex
	cfg   Config
	state State
	file  *store.JSONState
	now   func() time.Time
}

// New creates a ledger persisting to path, loading prior state if present.
func New(cfg Config, path string) (*Ledger, error) {
	file, err := store.NewJSONState(path)
	if err != nil {
		return nil, err
	}
	l := &Ledger{cfg: cfg, file: file, now: time.Now}
	l.state.Users = make(map[string]UserUsage)
	if _, err := file.Load(&l.state); err != nil {
		return nil, err
	}
	if l.state.Users == nil {
		l.state.Users = make(map[string]UserUsage)
	}
	now := l.now()
	if l.state.ClaudeCode.SessionStart.IsZero() {
		l.state.ClaudeCode.SessionStart = now
		l.state.ClaudeCode.WeekStart = now
	}
	if l.state.Codex.SessionStart.IsZero() {
		l.state.Codex.SessionStart = now
		l.state.Codex.WeekStart = now
	}
	if l.state.API.DayStart.IsZero() {
		l.state.API.DayStart = now
		l.state.API.MonthStart = now
	}
	return l, nil
}

// CheckResets applies rolling window resets. Called before every check
// and record so budget state is always current.
func (l *Ledger) CheckResets() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkResetsLocked()
	l.saveLocked()
}

func (l *Ledger) checkResetsLocked() {
	now := l.now()
	for _, sub := range []*SubscriptionUsage{&l.state.ClaudeCode, &l.state.Codex} {
		if now.Sub(sub.SessionStart) >= l.cfg.SessionResetInterval {
			sub.SessionPercent = 0
			sub.SessionStart = now
		}
		if now.Sub(sub.WeekStart) >= l.cfg.WeeklyResetInterval {
			sub.WeeklyPercent = 0
			sub.WeekStart = now
		}
	}
	if now.Sub(l.state.API.DayStart) >= 24*time.Hour {
		l.state.API.DailyUSD = 0
		l.state.API.DayStart = now
	}
	if now.Sub(l.state.API.MonthStart) >= 30*24*time.Hour {
		l.state.API.MonthlyUSD = 0
		l.state.API.MonthStart = now
	}
	// Prune savings beyond retention.
	cutoff := now.Add(-l.cfg.SavingsRetention)
	kept := l.state.Savings[:0]
	for _, s := range l.state.Savings {
		if s.Timestamp.After(cutoff) {
			kept = append(kept, s)
		}
	}
	l.state.Savings = kept
}

// CheckBudget decides whether an execution with the estimated token
// count fits the backend's remaining budget.
func (l *Ledger) CheckBudget(backend types.Backend, estimatedTokens int) BudgetDecision {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkResetsLocked()

	switch backend {
	case types.BackendAPI:
		cost := l.cfg.Pricing.Cost(estimatedTokens)
		if l.cfg.DailyBudgetUSD > 0 && l.state.API.DailyUSD+cost > l.cfg.DailyBudgetUSD {
			return BudgetDecision{Allowed: false, Reason: fmt.Sprintf(
				"daily API budget exhausted: $%.2f spent, $%.2f estimated, $%.2f limit",
				l.state.API.DailyUSD, cost, l.cfg.DailyBudgetUSD)}
		}
		if l.cfg.MonthlyBudgetUSD > 0 && l.state.API.MonthlyUSD+cost > l.cfg.MonthlyBudgetUSD {
			return BudgetDecision{Allowed: false, Reason: fmt.Sprintf(
				"monthly API budget exhausted: $%.2f spent, $%.2f limit",
				l.state.API.MonthlyUSD, l.cfg.MonthlyBudgetUSD)}
		}
	case types.BackendClaudeCode, types.BackendCodex:
		sub := l.subscription(backend)
		if sub.SessionPercent >= 100 {
			return BudgetDecision{Allowed: false, Reason: fmt.Sprintf("%s session exhausted (%.0f%%)", backend, sub.SessionPercent)}
		}
		if sub.WeeklyPercent >= 100 {
			return BudgetDecision{Allowed: false, Reason: fmt.Sprintf("%s weekly window exhausted (%.0f%%)", backend, sub.WeeklyPercent)}
		}
	case types.BackendLocal:
		// Local executions are free; always allowed.
	default:
		return BudgetDecision{Allowed: false, Reason: fmt.Sprintf("unknown backend %q", backend)}
	}
	return BudgetDecision{Allowed: true}
}

// RecordUsage records a completed execution. For non-API backends the
// avoided API cost is appended to the savings tally.
func (l *Ledger) RecordUsage(backend types.Backend, actualTokens int, actualCost float64, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkResetsLocked()

	now := l.now()
	apiEquivalent := l.cfg.Pricing.Cost(actualTokens)

	switch backend {
	case types.BackendAPI:
		cost := actualCost
		if cost == 0 {
			cost = apiEquivalent
		}
		l.state.API.DailyUSD += cost
		l.state.API.MonthlyUSD += cost
		l.state.API.TokensTotal += int64(actualTokens)
		l.state.API.TasksCompleted++

		if userID == "" {
			userID = types.DefaultUserID
		}
		u := l.state.Users[userID]
		u.USD += cost
		u.Tokens += int64(actualTokens)
		u.TasksCompleted++
		l.state.Users[userID] = u

	case types.BackendClaudeCode, types.BackendCodex:
		sub := l.subscription(backend)
		if l.cfg.SessionTokenBudget > 0 {
			sub.SessionPercent += float64(actualTokens) / float64(l.cfg.SessionTokenBudget) * 100
		}
		if l.cfg.WeeklyTokenBudget > 0 {
			sub.WeeklyPercent += float64(actualTokens) / float64(l.cfg.WeeklyTokenBudget) * 100
		}
		sub.TokensTotal += int64(actualTokens)
		sub.TasksCompleted++
		l.addSavingLocked(apiEquivalent, now)

	case types.BackendLocal:
		l.state.Local.TokensTotal += int64(actualTokens)
		l.state.Local.TasksCompleted++
		l.addSavingLocked(apiEquivalent, now)

	default:
		return fmt.Errorf("unknown backend %q", backend)
	}

	l.state.LastUpdated = now
	l.saveLocked()
	logging.Ledger("recorded %d tokens on %s (user=%s, saved=$%.4f)", actualTokens, backend, userID, apiEquivalent)
	return nil
}

func (l *Ledger) addSavingLocked(amount float64, ts time.Time) {
	l.state.Savings = append(l.state.Savings, SavingsEntry{Amount: amount, Timestamp: ts})
	l.state.TotalSaved += amount
}

// ResetSession zeroes the session window of a subscription backend.
func (l *Ledger) ResetSession(backend types.Backend) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub := l.subscription(backend)
	if sub == nil {
		return
	}
	sub.SessionPercent = 0
	sub.SessionStart = l.now()
	l.saveLocked()
	logging.Ledger("session reset for %s", backend)
}

// Report is a snapshot of the full ledger state.
func (l *Ledger) Report() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkResetsLocked()
	snap := l.state
	snap.Users = make(map[string]UserUsage, len(l.state.Users))
	for k, v := range l.state.Users {
		snap.Users[k] = v
	}
	snap.Savings = append([]SavingsEntry(nil), l.state.Savings...)
	return snap
}

// Savings returns the retained savings entries and running total.
func (l *Ledger) Savings() ([]SavingsEntry, float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkResetsLocked()
	return append([]SavingsEntry(nil), l.state.Savings...), l.state.TotalSaved
}

// UserCosts returns per-principal API spend.
func (l *Ledger) UserCosts() map[string]UserUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]UserUsage, len(l.state.Users))
	for k, v := range l.state.Users {
		out[k] = v
	}
	return out
}

// SessionPercent returns the current session utilisation for a
// subscription backend (used by the shadow bench idle check).
func (l *Ledger) SessionPercent(backend types.Backend) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub := l.subscription(backend)
	if sub == nil {
		return 0
	}
	return sub.SessionPercent
}

func (l *Ledger) subscription(backend types.Backend) *SubscriptionUsage {
	switch backend {
	case types.BackendClaudeCode:
		return &l.state.ClaudeCode
	case types.BackendCodex:
		return &l.state.Codex
	}
	return nil
}

func (l *Ledger) saveLocked() {
	if err := l.file.Save(&l.state); err != nil {
		logging.Get(logging.CategoryLedger).Error("ledger save failed: %v", err)
	}
}
