package shadow

import (
	"path/filepath"
	"regexp"
	"strings"

	"modelmux/internal/types"
)

// Sub-score weights for the composite.
const (
	weightKeyTerms  = 0.3
	weightStructure = 0.3
	weightLength    = 0.2
	weightParses    = 0.2

	errorPenalty = 0.6
)

var (
	structureRe = regexp.MustCompile(`(?m)^#|\b(function|class|const|let|import|def|module|export|func|type|package)\b`)
	errorSigRe  = regexp.MustCompile(`(?i)error|stack trace|traceback|cannot|can't|failed|exception`)

	stopWords = map[string]struct{}{
		"this": {}, "that": {}, "with": {}, "from": {}, "have": {}, "will": {},
		"your": {}, "they": {}, "them": {}, "then": {}, "than": {}, "were": {},
		"been": {}, "into": {}, "over": {}, "when": {}, "what": {}, "each": {},
		"which": {}, "their": {}, "there": {}, "would": {}, "could": {}, "should": {},
		"about": {}, "after": {}, "before": {}, "these": {}, "those": {}, "also": {},
	}

	codeExtensions = map[string]struct{}{
		".go": {}, ".js": {}, ".ts": {}, ".jsx": {}, ".tsx": {}, ".py": {},
		".rb": {}, ".rs": {}, ".java": {}, ".c": {}, ".cpp": {}, ".h": {},
		".sh": {}, ".sql": {},
	}
)

// SubScores holds the per-dimension similarity results.
type SubScores struct {
	LengthSimilarity    float64 `json:"lengthSimilarity"`
	StructureSimilarity float64 `json:"structureSimilarity"`
	KeyTermOverlap      float64 `json:"keyTermOverlap"`
	CodeParses          float64 `json:"codeParses"`
	Composite           float64 `json:"composite"`
	ErrorSignature      bool    `json:"errorSignature"`
}

// AutoScore compares a shadow output against the primary output.
func AutoScore(primary, shadowOut, outputPath string) SubScores {
	s := SubScores{
		LengthSimilarity:    lengthRatio(primary, shadowOut),
		StructureSimilarity: structureRatio(primary, shadowOut),
		KeyTermOverlap:      keyTermJaccard(primary, shadowOut),
		CodeParses:          codeParses(outputPath, shadowOut),
		ErrorSignature:      errorSigRe.MatchString(shadowOut),
	}

	composite := weightKeyTerms*s.KeyTermOverlap +
		weightStructure*s.StructureSimilarity +
		weightLength*s.LengthSimilarity +
		weightParses*s.CodeParses
	if s.ErrorSignature {
		composite *= errorPenalty
	}
	s.Composite = clamp01(composite)
	return s
}

// lengthRatio is min/max over output lengths.
func lengthRatio(a, b string) float64 {
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return 0
	}
	if la > lb {
		la, lb = lb, la
	}
	return float64(la) / float64(lb)
}

// structureRatio compares counts of headers and code-marker lines.
func structureRatio(a, b string) float64 {
	ca := len(structureRe.FindAllString(a, -1))
	cb := len(structureRe.FindAllString(b, -1))
	if ca == 0 && cb == 0 {
		return 1
	}
	if ca == 0 || cb == 0 {
		return 0
	}
	if ca > cb {
		ca, cb = cb, ca
	}
	return float64(ca) / float64(cb)
}

// keyTermJaccard compares stop-word-filtered sets of tokens with length
// at least 4.
func keyTermJaccard(a, b string) float64 {
	sa, sb := keyTerms(a), keyTerms(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for t := range sa {
		if _, ok := sb[t]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

func keyTerms(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?()[]{}\"'`")
		if len(tok) < 4 {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

// codeParses returns 1 for non-code outputs; for code outputs it runs a
// cheap balanced-delimiter check as the syntax proxy.
func codeParses(outputPath, shadowOut string) float64 {
	ext := strings.ToLower(filepath.Ext(outputPath))
	if _, isCode := codeExtensions[ext]; !isCode {
		return 1
	}
	if balancedDelimiters(shadowOut) {
		return 1
	}
	return 0
}

func balancedDelimiters(s string) bool {
	var stack []rune
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	for _, r := range s {
		switch r {
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}

// DifficultyBand derives easy/medium/hard from complexity, falling back
// to description length.
func DifficultyBand(task types.Task) string {
	c := task.Complexity
	if c <= 0 {
		switch {
		case len(task.Description) < 100:
			c = 2
		case len(task.Description) < 400:
			c = 5
		default:
			c = 8
		}
	}
	switch {
	case c <= 3:
		return "easy"
	case c <= 6:
		return "medium"
	default:
		return "hard"
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
