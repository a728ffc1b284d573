// Package dedup maintains a rolling window of recent task fingerprints
// and flags near-identical in-flight requests. Matching is token Jaccard
// similarity over a normalised description plus a numeric-scope check so
// "pages 1-10" and "pages 11-20" are not confused for duplicates.
package dedup

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	gocache "github.com/patrickmn/go-cache"

	"modelmux/internal/logging"
	"modelmux/internal/store"
	"modelmux/internal/types"
)

// Status tracks an entry through its lifecycle.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Action is the recommendation for a checked task.
type Action string

const (
	ActionSkip    Action = "skip"
	ActionWarn    Action = "warn"
	ActionProceed Action = "proceed"
)

// Entry is one recorded task in the window.
type Entry struct {
	TaskID      string    `json:"taskId"`
	Normalized  string    `json:"normalized"`
	Fingerprint string    `json:"fingerprint"`
	StartedAt   time.Time `json:"startedAt"`
	Status      Status    `json:"status"`
	Scopes      [][2]int  `json:"scopes,omitempty"` // extracted numeric ranges
}

// Recommendation is the outcome of a duplicate check.
type Recommendation struct {
	Action     Action  `json:"action"`
	ExistingID string  `json:"existingId,omitempty"`
	Similarity float64 `json:"similarity"`
	Reason     string  `json:"reason,omitempty"`
}

// Window length and similarity thresholds.
const (
	entryTTL      = 30 * time.Minute
	skipThreshold = 0.70
	warnThreshold = 0.50
)

var (
	punctRe = regexp.MustCompile(`[^\p{L}\p{N}\s-]+`)
	spaceRe = regexp.MustCompile(`\s+`)
	rangeRe = regexp.MustCompile(`(\d+)\s*-\s*(\d+)`)
)

// Dedup owns the fingerprint window.
type Dedup struct {
	cache *gocache.Cache
	file  *store.JSONState
}

// New creates a dedup window persisting to path.
func New(path string) (*Dedup, error) {
	file, err := store.NewJSONState(path)
	if err != nil {
		return nil, err
	}
	d := &Dedup{
		cache: gocache.New(entryTTL, 5*time.Minute),
		file:  file,
	}

	// Restore surviving entries from a previous process.
	var saved []Entry
	if ok, err := file.Load(&saved); err != nil {
		return nil, err
	} else if ok {
		now := time.Now()
		for _, e := range saved {
			remaining := entryTTL - now.Sub(e.StartedAt)
			if remaining > 0 {
				d.cache.Set(e.Fingerprint, e, remaining)
			}
		}
	}
	return d, nil
}

// Check computes similarity against the live window and returns a
// recommendation. It does not register the task; call Register after a
// proceed/warn decision.
func (d *Dedup) Check(task types.Task) Recommendation {
	normalized := Normalize(task.Description)
	scopes := ExtractScopes(task.Description)
	tokens := tokenSet(normalized)

	best := Recommendation{Action: ActionProceed}
	for _, item := range d.cache.Items() {
		entry, ok := item.Object.(Entry)
		if !ok {
			continue
		}
		sim := jaccard(tokens, tokenSet(entry.Normalized))
		if sim <= best.Similarity {
			continue
		}

		switch {
		case sim > skipThreshold:
			if scopesMatch(scopes, entry.Scopes) {
				if entry.Status == StatusQueued || entry.Status == StatusRunning || entry.Status == StatusDone {
					best = Recommendation{
						Action:     ActionSkip,
						ExistingID: entry.TaskID,
						Similarity: sim,
						Reason:     fmt.Sprintf("near-duplicate of %s (%.0f%% overlap, %s)", entry.TaskID, sim*100, entry.Status),
					}
					continue
				}
				// Failed entries never block a retry.
				best = Recommendation{Action: ActionProceed, Similarity: sim}
				continue
			}
			best = Recommendation{
				Action:     ActionWarn,
				ExistingID: entry.TaskID,
				Similarity: sim,
				Reason:     fmt.Sprintf("similar to %s but scopes differ", entry.TaskID),
			}
		case sim > warnThreshold:
			best = Recommendation{
				Action:     ActionWarn,
				ExistingID: entry.TaskID,
				Similarity: sim,
				Reason:     fmt.Sprintf("%.0f%% overlap with %s", sim*100, entry.TaskID),
			}
		default:
			best = Recommendation{Action: ActionProceed, Similarity: sim}
		}
	}

	if best.Action != ActionProceed {
		logging.Dedup("task %q: %s (%s)", clip(task.Description, 60), best.Action, best.Reason)
	}
	return best
}

// Register adds a task to the window in queued state.
func (d *Dedup) Register(task types.Task) Entry {
	normalized := Normalize(task.Description)
	entry := Entry{
		TaskID:      task.ID,
		Normalized:  normalized,
		Fingerprint: Fingerprint(normalized),
		StartedAt:   time.Now(),
		Status:      StatusQueued,
		Scopes:      ExtractScopes(task.Description),
	}
	d.cache.Set(entry.Fingerprint, entry, entryTTL)
	d.persist()
	return entry
}

// SetStatus moves a registered task to a new lifecycle status.
func (d *Dedup) SetStatus(taskID string, status Status) {
	for key, item := range d.cache.Items() {
		entry, ok := item.Object.(Entry)
		if !ok || entry.TaskID != taskID {
			continue
		}
		entry.Status = status
		remaining := entryTTL - time.Since(entry.StartedAt)
		if remaining > 0 {
			d.cache.Set(key, entry, remaining)
		}
		break
	}
	d.persist()
}

// Entries returns a snapshot of live entries.
func (d *Dedup) Entries() []Entry {
	var out []Entry
	for _, item := range d.cache.Items() {
		if entry, ok := item.Object.(Entry); ok {
			out = append(out, entry)
		}
	}
	return out
}

func (d *Dedup) persist() {
	if err := d.file.Save(d.Entries()); err != nil {
		logging.Get(logging.CategoryDedup).Error("dedup save failed: %v", err)
	}
}

// Normalize lowercases, strips punctuation and collapses whitespace.
func Normalize(description string) string {
	s := strings.ToLower(description)
	s = punctRe.ReplaceAllString(s, " ")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Fingerprint hashes the normalised description.
func Fingerprint(normalized string) string {
	h, err := hashstructure.Hash(normalized, hashstructure.FormatV2, nil)
	if err != nil {
		return normalized
	}
	return strconv.FormatUint(h, 16)
}

// ExtractScopes pulls numeric ranges like "1-10" out of a description.
func ExtractScopes(description string) [][2]int {
	var out [][2]int
	for _, m := range rangeRe.FindAllStringSubmatch(description, -1) {
		lo, err1 := strconv.Atoi(m[1])
		hi, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, [2]int{lo, hi})
	}
	return out
}

func scopesMatch(a, b [][2]int) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		set[tok] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
