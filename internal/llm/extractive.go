package llm

import (
	"context"
	"strings"
)

// Extractive answers without a model by quoting the opening sentences of
// the best passage. It keeps the advisor usable offline and in tests.
type Extractive struct {
	sentences int
}

// NewExtractive creates the offline provider.
func NewExtractive() *Extractive {
	return &Extractive{sentences: 2}
}

// Name returns the provider name.
func (e *Extractive) Name() string { return ProviderExtractive }

// Generate returns the first sentences of the first passage.
func (e *Extractive) Generate(_ context.Context, req Request) (string, error) {
	for _, p := range req.Passages {
		if text := firstSentences(p.Content, e.sentences); text != "" {
			return text, nil
		}
	}
	if req.Source != "" {
		if text := firstSentences(stripHeadings(req.Source), e.sentences); text != "" {
			return text, nil
		}
	}
	return "", ErrEmptyResponse
}

// stripHeadings drops the "## title" lines SourceMaterial adds.
func stripHeadings(source string) string {
	lines := strings.Split(source, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if !strings.HasPrefix(l, "## ") {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, " ")
}

func firstSentences(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return ""
	}

	count := 0
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		// Only a terminator followed by a space or the end closes a sentence.
		if i+1 < len(text) && text[i+1] != ' ' {
			continue
		}
		count++
		if count == n {
			return text[:i+1]
		}
	}
	return text
}
