// Package shadow runs advisory parallel executions of routed tasks on
// cheaper backends and scores their output against the primary result.
// Scores accumulate into per-model trust used by the model registry.
package shadow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"modelmux/internal/backend"
	"modelmux/internal/bus"
	"modelmux/internal/config"
	"modelmux/internal/governor"
	"modelmux/internal/logging"
	"modelmux/internal/types"
)

// enqueueBuffer bounds pending shadow jobs; overflow is dropped.
const enqueueBuffer = 32

// job pairs a task with its primary result.
type job struct {
	task    types.Task
	primary *types.ExecutionResult
}

// Bench owns the shadow loop.
type Bench struct {
	cfg      config.ShadowBenchConfig
	db       *DB
	adapters backend.Set
	governor *governor.Governor
	events   *bus.Bus

	sem  *semaphore.Weighted
	jobs chan job

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds the bench. governor and events may be nil.
func New(cfg config.ShadowBenchConfig, db *DB, adapters backend.Set, gov *governor.Governor, events *bus.Bus) *Bench {
	if cfg.MaxConcurrentShadows <= 0 {
		cfg.MaxConcurrentShadows = 2
	}
	if cfg.IdleThresholdPercent <= 0 {
		cfg.IdleThresholdPercent = 50
	}
	return &Bench{
		cfg:      cfg,
		db:       db,
		adapters: adapters,
		governor: gov,
		events:   events,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentShadows)),
		jobs:     make(chan job, enqueueBuffer),
		stopCh:   make(chan struct{}),
	}
}

// Enqueue submits a fire-and-forget shadow job. Never blocks; under
// pressure the job is dropped.
func (b *Bench) Enqueue(task types.Task, primary *types.ExecutionResult) {
	if !b.cfg.Enabled || primary == nil || !primary.Success {
		return
	}
	select {
	case b.jobs <- job{task: task, primary: primary}:
	default:
		logging.Shadow("shadow queue full, dropping task %s", task.ID)
	}
}

// Start launches the consumer loop and the daily retention pass.
func (b *Bench) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.prune()
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				b.prune()
			case j := <-b.jobs:
				b.dispatch(ctx, j)
			}
		}
	}()
}

// Stop halts the loop and waits for running shadows.
func (b *Bench) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// Drain processes queued jobs synchronously. Used by tests.
func (b *Bench) Drain(ctx context.Context) {
	for {
		select {
		case j := <-b.jobs:
			b.dispatch(ctx, j)
		default:
			b.wg.Wait()
			return
		}
	}
}

// dispatch fans one job out to the selected shadow set.
func (b *Bench) dispatch(ctx context.Context, j job) {
	for _, sb := range b.shadowSet(ctx, j.primary.Backend) {
		if err := b.sem.Acquire(ctx, 1); err != nil {
			return
		}
		b.wg.Add(1)
		go func(shadowBackend types.Backend) {
			defer b.wg.Done()
			defer b.sem.Release(1)
			b.runShadow(ctx, j, shadowBackend)
		}(sb)
	}
}

// shadowSet picks backends to shadow on: always local, plus each
// subscription backend that is idle enough.
func (b *Bench) shadowSet(ctx context.Context, primary types.Backend) []types.Backend {
	set := []types.Backend{}
	if primary != types.BackendLocal {
		set = append(set, types.BackendLocal)
	}
	threshold := float64(b.cfg.IdleThresholdPercent)
	for _, sb := range []types.Backend{types.BackendClaudeCode, types.BackendCodex} {
		if sb == primary {
			continue
		}
		if b.governor != nil {
			if d := b.governor.CanUse(sb); !d.Allowed {
				continue
			}
			if b.governor.UsagePercent(sb) >= threshold {
				continue
			}
		}
		adapter, ok := b.adapters.For(sb)
		if !ok {
			continue
		}
		st := adapter.SessionStatus(ctx)
		if !st.Available || st.UtilizationPercent >= threshold {
			continue
		}
		set = append(set, sb)
	}
	return set
}

// runShadow executes one shadow, scores it and updates trust.
func (b *Bench) runShadow(ctx context.Context, j job, shadowBackend types.Backend) {
	adapter, ok := b.adapters.For(shadowBackend)
	if !ok {
		return
	}

	task := j.task
	task.Metadata = cloneMeta(task.Metadata)
	task.Metadata["shadow"] = "true"
	task.OutputPath = "" // shadows never write the primary artifact

	res, err := adapter.Execute(ctx, task)
	if err != nil {
		logging.Shadow("shadow on %s failed for task %s: %v", shadowBackend, task.ID, err)
		return
	}

	model := res.Model
	if model == "" {
		model = string(shadowBackend)
	}

	scores := AutoScore(j.primary.Response, res.Response, j.task.OutputPath)
	band := DifficultyBand(j.task)
	id, err := b.db.InsertResult(ResultRow{
		TaskID:         j.task.ID,
		TaskType:       taskTypeOrOther(j.task.Type),
		Description:    j.task.Description,
		Timestamp:      time.Now(),
		PrimaryBackend: j.primary.Backend,
		PrimaryModel:   j.primary.Model,
		PrimaryOutput:  j.primary.Response,
		ShadowBackend:  shadowBackend,
		ShadowModel:    model,
		ShadowOutput:   res.Response,
		DifficultyBand: band,
		Scores:         scores,
	})
	if err != nil {
		logging.Get(logging.CategoryShadow).Error("store shadow result: %v", err)
		return
	}

	b.publish(bus.EventShadowScored, j.task.ID, shadowBackend,
		fmt.Sprintf("shadow #%d scored %.2f (%s)", id, scores.Composite, band))

	b.refreshTrust(model, taskTypeOrOther(j.task.Type), band)
}

// refreshTrust recomputes the band-specific and aggregate trust rows
// and emits promotion or demotion events on threshold crossings.
func (b *Bench) refreshTrust(model string, taskType types.TaskType, band string) {
	if _, err := b.db.UpdateTrust(model, taskType, band); err != nil {
		logging.Get(logging.CategoryShadow).Error("trust update (%s): %v", band, err)
		return
	}
	prevAll, hadPrev, _ := b.db.TrustFor(model, taskType, "all")
	all, err := b.db.UpdateTrust(model, taskType, "all")
	if err != nil {
		logging.Get(logging.CategoryShadow).Error("trust update (all): %v", err)
		return
	}

	wasPromoted := hadPrev && b.qualifies(prevAll)
	isPromoted := b.qualifies(all)
	switch {
	case isPromoted && !wasPromoted:
		status := "promising"
		if all.Score >= b.cfg.TrustedThreshold && all.Samples >= b.cfg.TrustedMinSamples {
			status = "trusted"
		}
		if err := b.db.RecordPromotion(model, taskType, "all", all.Score, 0, status); err == nil {
			b.publish(bus.EventModelPromoted, "", "",
				fmt.Sprintf("%s promoted to %s for %s (score %.2f, %d samples)", model, status, taskType, all.Score, all.Samples))
		}
	case wasPromoted && !isPromoted:
		if err := b.db.RevertPromotion(model, taskType); err == nil {
			b.publish(bus.EventModelDemoted, "", "",
				fmt.Sprintf("%s demoted for %s (score %.2f)", model, taskType, all.Score))
		}
	}
}

// qualifies reports whether a trust row clears the promotion bar.
func (b *Bench) qualifies(t TrustScore) bool {
	return t.Score >= b.cfg.PromisingThreshold && t.Samples >= b.cfg.MinSamples
}

// IsTrusted implements the registry's trust source: a model is trusted
// for a task type when its aggregate score clears the trusted
// threshold with enough samples.
func (b *Bench) IsTrusted(model string, taskType types.TaskType) (bool, int) {
	row, ok, err := b.db.TrustFor(model, taskType, "all")
	if err != nil || !ok {
		return false, 0
	}
	return row.Score >= b.cfg.TrustedThreshold && row.Samples >= b.cfg.TrustedMinSamples, row.Samples
}

// RecordUserFeedback applies a human score and refreshes trust.
func (b *Bench) RecordUserFeedback(shadowID int64, score float64, comment string) error {
	if score < 0 || score > 1 {
		return fmt.Errorf("user score %v outside [0,1]", score)
	}
	if err := b.db.RecordUserFeedback(shadowID, score, comment); err != nil {
		return err
	}
	row, err := b.db.ResultByID(shadowID)
	if err != nil {
		return err
	}
	b.refreshTrust(row.ShadowModel, row.TaskType, row.DifficultyBand)
	return nil
}

func (b *Bench) prune() {
	if b.cfg.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -b.cfg.RetentionDays)
	if n, err := b.db.PruneOlderThan(cutoff); err != nil {
		logging.Get(logging.CategoryShadow).Error("prune: %v", err)
	} else if n > 0 {
		logging.Shadow("pruned %d shadow results older than %d days", n, b.cfg.RetentionDays)
	}
}

func (b *Bench) publish(t bus.EventType, taskID string, backend types.Backend, msg string) {
	if b.events != nil {
		b.events.Publish(bus.Event{Type: t, TaskID: taskID, Backend: string(backend), Message: msg})
	}
}

func taskTypeOrOther(t types.TaskType) types.TaskType {
	if t == "" {
		return types.TaskTypeOther
	}
	return t
}

func cloneMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
