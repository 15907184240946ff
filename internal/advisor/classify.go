package advisor

import (
	"slices"
	"strings"
	"unicode"

	"github.com/ashureev/quest-advisor/internal/persona"
)

// Route is the handling path chosen for a message.
type Route string

// Routes in classification priority order.
const (
	RouteGreeting         Route = "greeting"
	RouteNameQuestion     Route = "name_question"
	RouteNameIntroduction Route = "name_introduction"
	RouteIdentity         Route = "identity"
	RouteAffirmation      Route = "affirmation"
	RouteGeneral          Route = "general"
)

// Classify picks the route for a message. raw is the text as received and
// normalized is the same text after phonetic correction. The first matching
// route wins.
func Classify(p *persona.Persona, raw, normalized string) Route {
	canonical := persona.Canonical(normalized)
	lower := strings.ToLower(normalized)

	switch {
	case IsGreeting(p, raw, normalized):
		return RouteGreeting
	case containsAny(lower, p.Vocabulary.NameQuestions):
		return RouteNameQuestion
	case introducedName(p, canonical) != "":
		return RouteNameIntroduction
	case containsAny(lower, p.Vocabulary.IdentityQuestions):
		return RouteIdentity
	case IsAffirmation(p, normalized):
		return RouteAffirmation
	default:
		return RouteGeneral
	}
}

// IsGreeting reports whether the message asks for an opening line: the voice
// client's trigger phrase anywhere in the raw text, an exact greeting word, or
// a greeting prefix such as "hello ".
func IsGreeting(p *persona.Persona, raw, normalized string) bool {
	if containsAny(strings.ToLower(raw), p.Vocabulary.GreetingTriggers) {
		return true
	}
	canonical := persona.Canonical(normalized)
	if slices.Contains(p.Vocabulary.GreetingWords, canonical) {
		return true
	}
	for _, prefix := range p.Vocabulary.GreetingPrefixes {
		prefix = persona.Canonical(prefix)
		if prefix != "" && strings.HasPrefix(canonical, prefix+" ") {
			return true
		}
	}
	return false
}

// IsAffirmation reports whether the whole message is agreement: an
// agreement phrase, optionally led by agreement words ("sure, go ahead").
// Longer messages that merely contain one do not match.
func IsAffirmation(p *persona.Persona, normalized string) bool {
	c := persona.Canonical(normalized)
	for c != "" {
		if slices.Contains(p.Vocabulary.AffirmationWords, c) ||
			slices.Contains(p.Vocabulary.AffirmationPhrases, c) {
			return true
		}
		first, rest, _ := strings.Cut(c, " ")
		if !slices.Contains(p.Vocabulary.AffirmationWords, first) {
			return false
		}
		c = rest
	}
	return false
}

func containsAny(text string, phrases []string) bool {
	for _, phrase := range phrases {
		if phrase != "" && strings.Contains(text, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

// notIntroducedNames are words that follow an introduction phrase without
// being a name ("call me back", "my name is not important").
var notIntroducedNames = map[string]bool{
	"back": true, "later": true, "not": true, "a": true, "an": true,
	"the": true, "what": true, "when": true, "if": true, "please": true,
}

// introducedName extracts X from "my name is X" style messages. The phrase
// must open the message.
func introducedName(p *persona.Persona, canonical string) string {
	for _, phrase := range p.Vocabulary.NameIntroductions {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase == "" || !strings.HasPrefix(canonical, phrase+" ") {
			continue
		}
		rest := strings.Fields(canonical[len(phrase):])
		if len(rest) == 0 {
			continue
		}
		word := strings.TrimFunc(rest[0], func(r rune) bool { return !unicode.IsLetter(r) })
		if len([]rune(word)) < 2 || notIntroducedNames[word] {
			continue
		}
		for _, r := range word {
			if !unicode.IsLetter(r) && r != '-' && r != '\'' {
				return ""
			}
		}
		return titleCase(word)
	}
	return ""
}

func titleCase(s string) string {
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
