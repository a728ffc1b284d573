package planner

import (
	"fmt"
	"strings"

	"modelmux/internal/types"
)

var (
	trivialLexemes = []string{"simple", "quick", "trivial", "just", "typo", "one-liner", "small"}
	complexMarkers = []string{"entire codebase", "comprehensive", "end-to-end", "all files", "across the", "production-grade", "from scratch"}
	technicalTerms = []string{
		"refactor", "concurrency", "distributed", "migration", "architecture",
		"optimize", "security", "database", "protocol", "async", "integration",
		"api", "audit", "pipeline", "kubernetes", "schema",
	}
	conjunctions = []string{" and ", " then ", " also ", " plus ", " as well as "}

	selfLexemes  = []string{"what time", "what day", "remind me", "calculate", "convert", "how many", "what is"}
	routeLexemes = []string{"implement", "refactor", "build", "write", "fix", "create", "migrate", "analyze", "analyse", "debug"}
)

// InferComplexity scores a description 1-10 with additive heuristics.
func InferComplexity(description string) int {
	desc := strings.ToLower(description)
	score := 3

	for _, lex := range trivialLexemes {
		if strings.Contains(desc, lex) {
			score -= 2
			break
		}
	}
	switch {
	case len(description) > 300:
		score += 2
	case len(description) > 150:
		score++
	}

	terms := 0
	for _, t := range technicalTerms {
		if strings.Contains(desc, t) {
			terms++
		}
	}
	if terms > 3 {
		terms = 3
	}
	score += terms

	conj := 0
	for _, c := range conjunctions {
		conj += strings.Count(desc, c)
	}
	if conj > 2 {
		conj = 2
	}
	score += conj

	for _, m := range complexMarkers {
		if strings.Contains(desc, m) {
			score += 2
		}
	}

	if score < 1 {
		return 1
	}
	if score > 10 {
		return 10
	}
	return score
}

// AssessConfidence scores whether the task can be answered inline.
// Bands: >95 self-handle, 50-95 offer to route, below 50 force route.
func (p *Planner) AssessConfidence(task types.Task) Confidence {
	desc := strings.ToLower(task.Description)
	score := 50
	var reasons []string

	if strings.HasSuffix(strings.TrimSpace(task.Description), "?") && len(task.Description) < 100 {
		score += 30
		reasons = append(reasons, "short question")
	}
	for _, lex := range selfLexemes {
		if strings.Contains(desc, lex) {
			score += 25
			reasons = append(reasons, "lookup-style request")
			break
		}
	}
	for _, lex := range routeLexemes {
		if strings.Contains(desc, lex) {
			score -= 25
			reasons = append(reasons, "execution work")
			break
		}
	}
	if len(task.ToolsNeeded) > 0 {
		score -= 30
		reasons = append(reasons, "needs external tools")
	}
	if len(task.Files) > 0 {
		score -= 15
		reasons = append(reasons, fmt.Sprintf("%d file(s) involved", len(task.Files)))
	}
	if task.OutputPath != "" {
		score -= 20
		reasons = append(reasons, "produces an output artifact")
	}
	for _, m := range complexMarkers {
		if strings.Contains(desc, m) {
			score -= 25
			reasons = append(reasons, "complex-task marker")
			break
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	rec := RecommendRoute
	switch {
	case score > 95:
		rec = RecommendSelf
	case score >= 50:
		rec = RecommendOffer
	}
	return Confidence{Score: score, Recommendation: rec, Reason: strings.Join(reasons, "; ")}
}
