package policy

import (
	"sort"
	"strings"
)

// MockResponse is the per-(tenant, source) canned response row from §3.
type MockResponse struct {
	ID          string
	Method      string
	URLPattern  string // regex or substring, per invalidation/patterns.go's dual-mode matching
	BodyPattern string
	Priority    int
	Active      bool
	Status      int
	Headers     map[string]string
	Body        []byte
}

// MatchMock scans mocks by ascending priority and returns the first
// (method, URL pattern, body pattern) match, same fast-path/regex-fallback
// technique as invalidation/patterns.go's IsRegex/matchRegex split.
func (e *Engine) MatchMock(mocks []MockResponse, method, url, body string) (*MockResponse, bool) {
	candidates := make([]MockResponse, 0, len(mocks))
	for _, m := range mocks {
		if m.Active {
			candidates = append(candidates, m)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Priority < candidates[j].Priority })

	for i := range candidates {
		m := candidates[i]
		if m.Method != "" && !strings.EqualFold(m.Method, method) {
			continue
		}
		if !e.matchesPattern(m.URLPattern, url) {
			continue
		}
		if m.BodyPattern != "" && !e.matchesPattern(m.BodyPattern, body) {
			continue
		}
		return &m, true
	}
	return nil, false
}

// matchesPattern treats an empty pattern as "matches everything", a regex
// metacharacter-bearing pattern as a compiled regex (cached), and anything
// else as a substring match.
func (e *Engine) matchesPattern(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	if !looksLikeRegex(pattern) {
		return strings.Contains(value, pattern)
	}
	re, err := e.compileCached(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

func looksLikeRegex(pattern string) bool {
	for _, ch := range []string{"[", "]", "(", ")", "^", "$", "+", "?", "{", "}", "|", "*"} {
		if strings.Contains(pattern, ch) {
			return true
		}
	}
	return false
}
