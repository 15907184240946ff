package memory

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`name is (\w+)`),
	regexp.MustCompile(`called (\w+)`),
	regexp.MustCompile(`user (\w+)`),
}

// Words that follow "user" or "called" in ordinary facts and are never names.
var notNames = map[string]struct{}{
	"is": {}, "was": {}, "has": {}, "had": {}, "asked": {}, "wants": {}, "wanted": {},
	"likes": {}, "liked": {}, "said": {}, "says": {}, "mentioned": {}, "prefers": {},
	"plans": {}, "lives": {}, "owns": {}, "the": {}, "a": {}, "an": {}, "about": {},
	"for": {}, "to": {}, "and": {}, "in": {}, "on": {}, "with": {}, "it": {},
	"me": {}, "him": {}, "her": {}, "them": {}, "unknown": {}, "id": {},
}

// NameFromFacts finds the user's name in remembered facts. Patterns are
// tried per fact in order; the first plausible match wins, capitalised.
func NameFromFacts(facts []string) string {
	for _, fact := range facts {
		lower := strings.ToLower(fact)
		for _, re := range namePatterns {
			m := re.FindStringSubmatch(lower)
			if m == nil {
				continue
			}
			if _, skip := notNames[m[1]]; skip {
				continue
			}
			return capitalize(m[1])
		}
	}
	return ""
}

// InterestsFromFacts lists persona topics mentioned in facts, most recent
// fact first, without duplicates.
func InterestsFromFacts(facts []string, topics []string) []string {
	if len(topics) == 0 {
		return nil
	}

	matchers := make([]*regexp.Regexp, 0, len(topics))
	for _, t := range topics {
		matchers = append(matchers, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(t)+`\b`))
	}

	seen := make(map[string]struct{})
	var out []string
	for _, fact := range facts {
		for i, re := range matchers {
			if !re.MatchString(fact) {
				continue
			}
			if _, ok := seen[topics[i]]; ok {
				continue
			}
			seen[topics[i]] = struct{}{}
			out = append(out, topics[i])
		}
	}
	return out
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
