package backend

import "regexp"

// Throttle detection over CLI stdout/stderr is best-effort substring
// matching. All patterns live here behind a single predicate.
var rateLimitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rate.?limit`),
	regexp.MustCompile(`(?i)too many requests`),
	regexp.MustCompile(`(?i)\b429\b`),
	regexp.MustCompile(`(?i)quota (exceeded|exhausted|reached)`),
	regexp.MustCompile(`(?i)throttl(ed|ing)`),
	regexp.MustCompile(`(?i)usage limit reached`),
	regexp.MustCompile(`(?i)overloaded`),
	regexp.MustCompile(`(?i)capacity (limit|exceeded)`),
	regexp.MustCompile(`(?i)try again (later|in)`),
	regexp.MustCompile(`(?i)slow down`),
}

// IsRateLimitSignal reports whether backend output looks like a
// rate/throttle response.
func IsRateLimitSignal(output string) bool {
	for _, re := range rateLimitPatterns {
		if re.MatchString(output) {
			return true
		}
	}
	return false
}
