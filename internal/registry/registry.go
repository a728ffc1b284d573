// Package registry holds the static model catalogue and the selection
// logic that maps a task to the cheapest suitable provider-qualified
// model. Trust data from the shadow bench can narrow the candidate set.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"

	"modelmux/internal/logging"
	"modelmux/internal/store"
	"modelmux/internal/types"
)

// Tier ranks models by capability.
type Tier string

const (
	TierPremium  Tier = "premium"
	TierStandard Tier = "standard"
	TierFast     Tier = "fast"
	TierBudget   Tier = "budget"
)

// Provider is one route to a model.
type Provider struct {
	Prefix   string `json:"prefix"`
	Healthy  bool   `json:"healthy"`
	Priority int    `json:"priority"` // lower wins ties
}

// Model is one catalogue row.
type Model struct {
	Name        string     `json:"name"`
	Providers   []Provider `json:"providers"`
	Tier        Tier       `json:"tier"`
	CostPer1KIn float64    `json:"costPer1kIn"`
	CostPer1KOut float64   `json:"costPer1kOut"`
	MaxContext  int        `json:"maxContext"`
	Strengths   []string   `json:"strengths"`
}

// EstimatedCost applies the 70/30 input/output split.
func (m Model) EstimatedCost(tokens int) float64 {
	in := 0.7 * float64(tokens) / 1000 * m.CostPer1KIn
	out := 0.3 * float64(tokens) / 1000 * m.CostPer1KOut
	return in + out
}

// Selection is a resolved provider-qualified model.
type Selection struct {
	Model     Model
	Provider  Provider
	Qualified string // prefix + model name
}

// TrustProvider reports shadow-bench trust for a model on a task type.
// The shadow bench implements it; nil disables the restriction.
type TrustProvider interface {
	IsTrusted(model string, taskType types.TaskType) (trusted bool, samples int)
}

// longContextThreshold forces the long-context model.
const longContextThreshold = 200_000

// trustMinSamples is the sample floor before trust narrows candidates.
const trustMinSamples = 20

// Registry owns the catalogue.
type Registry struct {
	mu     sync.RWMutex
	models []Model
	trust  TrustProvider
	file   *store.JSONState
}

// New builds a registry over the default catalogue, applying any
// persisted provider-health overrides from path. trust may be nil.
func New(path string, trust TrustProvider) (*Registry, error) {
	file, err := store.NewJSONState(path)
	if err != nil {
		return nil, err
	}
	r := &Registry{models: defaultCatalogue(), trust: trust, file: file}

	var overrides map[string]bool
	if ok, err := file.Load(&overrides); err != nil {
		return nil, err
	} else if ok {
		for i := range r.models {
			for j := range r.models[i].Providers {
				key := r.models[i].Providers[j].Prefix + r.models[i].Name
				if healthy, found := overrides[key]; found {
					r.models[i].Providers[j].Healthy = healthy
				}
			}
		}
	}
	return r, nil
}

// SetProviderHealth marks one provider route up or down and persists
// the override so restarts keep the operator's view.
func (r *Registry) SetProviderHealth(model, prefix string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.models {
		if r.models[i].Name != model {
			continue
		}
		for j := range r.models[i].Providers {
			if r.models[i].Providers[j].Prefix == prefix {
				r.models[i].Providers[j].Healthy = healthy
			}
		}
	}
	r.saveLocked()
}

func (r *Registry) saveLocked() {
	overrides := make(map[string]bool)
	for _, m := range r.models {
		for _, p := range m.Providers {
			overrides[p.Prefix+m.Name] = p.Healthy
		}
	}
	if err := r.file.Save(overrides); err != nil {
		logging.Get(logging.CategoryRouting).Error("registry save failed: %v", err)
	}
}

// SetTrustProvider installs the trust source after construction (the
// shadow bench is wired later in main).
func (r *Registry) SetTrustProvider(tp TrustProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trust = tp
}

// Models returns a copy of the catalogue.
func (r *Registry) Models() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Model(nil), r.models...)
}

// ContextSize estimates the prompt token volume a task will occupy,
// used to decide whether the long-context model is required.
func ContextSize(task types.Task) int {
	return len(task.Description)/4 + 2000*len(task.Files)
}

// LookupQualified resolves a provider-qualified id like
// "anthropic/sonnet" back to its catalogue row.
func (r *Registry) LookupQualified(qualified string) (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models {
		for _, p := range m.Providers {
			if p.Prefix+m.Name == qualified {
				return m, true
			}
		}
	}
	return Model{}, false
}

// Lookup finds a model by name.
func (r *Registry) Lookup(name string) (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models {
		if m.Name == name {
			return m, true
		}
	}
	return Model{}, false
}

// SelectModel returns the single best provider-qualified model for the
// task. Candidates are filtered by tier, strengths and provider health,
// optionally narrowed by trust data, then sorted by estimated cost with
// provider priority as the tiebreaker.
func (r *Registry) SelectModel(taskType types.TaskType, complexity, contextSize int) (Selection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Oversized contexts go straight to the long-context model.
	if contextSize > longContextThreshold {
		for _, m := range r.models {
			if m.MaxContext > longContextThreshold {
				if sel, ok := bestProvider(m); ok {
					return sel, nil
				}
			}
		}
		return Selection{}, fmt.Errorf("no healthy long-context model for %d tokens", contextSize)
	}

	tier := tierFor(complexity)
	wanted := strengthsFor(taskType)

	candidates := lo.Filter(r.models, func(m Model, _ int) bool {
		if !tierMatches(m.Tier, tier) {
			return false
		}
		if len(lo.Intersect(m.Strengths, wanted)) == 0 {
			return false
		}
		return lo.SomeBy(m.Providers, func(p Provider) bool { return p.Healthy })
	})
	if len(candidates) == 0 {
		return Selection{}, fmt.Errorf("no healthy %s-tier model with strengths %v", tier, wanted)
	}

	// Restrict to trusted models when the shadow bench has evidence.
	if r.trust != nil {
		trusted := lo.Filter(candidates, func(m Model, _ int) bool {
			ok, samples := r.trust.IsTrusted(m.Name, taskType)
			return ok && samples >= trustMinSamples
		})
		if len(trusted) > 0 {
			candidates = trusted
		}
	}

	const costBasisTokens = 10_000
	sort.SliceStable(candidates, func(i, j int) bool {
		ci := candidates[i].EstimatedCost(costBasisTokens)
		cj := candidates[j].EstimatedCost(costBasisTokens)
		if ci != cj {
			return ci < cj
		}
		pi, _ := bestProvider(candidates[i])
		pj, _ := bestProvider(candidates[j])
		return pi.Provider.Priority < pj.Provider.Priority
	})

	sel, ok := bestProvider(candidates[0])
	if !ok {
		return Selection{}, fmt.Errorf("model %s has no healthy provider", candidates[0].Name)
	}
	logging.Get(logging.CategoryRouting).Debug("selected model %s for type=%s complexity=%d", sel.Qualified, taskType, complexity)
	return sel, nil
}

func bestProvider(m Model) (Selection, bool) {
	healthy := lo.Filter(m.Providers, func(p Provider, _ int) bool { return p.Healthy })
	if len(healthy) == 0 {
		return Selection{}, false
	}
	best := lo.MinBy(healthy, func(a, b Provider) bool { return a.Priority < b.Priority })
	return Selection{Model: m, Provider: best, Qualified: best.Prefix + m.Name}, true
}

func tierFor(complexity int) Tier {
	switch {
	case complexity >= 8:
		return TierPremium
	case complexity >= 4:
		return TierStandard
	default:
		return TierFast
	}
}

// tierMatches allows the fast tier to also pick budget models.
func tierMatches(have, want Tier) bool {
	if have == want {
		return true
	}
	return want == TierFast && have == TierBudget
}

// strengthsFor is the fixed task-type to strength-set table.
func strengthsFor(taskType types.TaskType) []string {
	switch taskType {
	case types.TaskTypeCode, types.TaskTypeTesting:
		return []string{"code", "reasoning"}
	case types.TaskTypeReview:
		return []string{"code", "analysis"}
	case types.TaskTypeAnalysis:
		return []string{"analysis", "reasoning"}
	case types.TaskTypeResearch:
		return []string{"research", "analysis"}
	case types.TaskTypeWriting, types.TaskTypeDocs:
		return []string{"writing"}
	case types.TaskTypeFileOps:
		return []string{"speed", "code"}
	default:
		return []string{"general"}
	}
}
