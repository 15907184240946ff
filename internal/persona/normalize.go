package persona

import (
	"strings"
	"unicode"
)

// Normalize applies the persona's phonetic corrections. Matching is
// case-insensitive and bounded by word edges; the rest of the text is kept.
func (p *Persona) Normalize(text string) string {
	out := strings.TrimSpace(text)
	for _, c := range p.corrections {
		out = c.re.ReplaceAllLiteralString(out, c.to)
	}
	return out
}

// Canonical reduces text to the form the classifier compares against:
// lower case with punctuation turned into word breaks. Apostrophes stay so
// contractions such as "let's" keep matching.
func Canonical(text string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r == '\'' || r == '\u2019':
			return '\''
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			return ' '
		}
		return unicode.ToLower(r)
	}, text)
	fields := strings.Fields(mapped)
	for i, f := range fields {
		fields[i] = strings.Trim(f, "'")
	}
	return strings.Join(strings.Fields(strings.Join(fields, " ")), " ")
}

// ResolveTopic finds the first persona topic named in text after phonetic
// correction. Topics are tried in declaration order.
func (p *Persona) ResolveTopic(text string) (string, bool) {
	normalized := p.Normalize(text)
	for _, t := range p.topics {
		if t.re.MatchString(normalized) {
			return t.name, true
		}
	}
	return "", false
}

// TopicsIn returns every persona topic mentioned in text, in declaration
// order and without duplicates.
func (p *Persona) TopicsIn(text string) []string {
	normalized := p.Normalize(text)
	var found []string
	for _, t := range p.topics {
		if t.re.MatchString(normalized) {
			found = append(found, t.name)
		}
	}
	return found
}
