// Package search retrieves reference passages for a free-text query.
package search

import (
	"context"
	"errors"

	"github.com/ashureev/quest-advisor/internal/persona"
)

// ErrIndexClosed is returned by searches against a closed index.
var ErrIndexClosed = errors.New("search index closed")

// Article is one matching passage.
type Article struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Topic   string  `json:"topic,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Result is the outcome of a search. An empty Articles slice is a valid
// "nothing found" answer, not an error.
type Result struct {
	Query    string    `json:"query"`
	Articles []Article `json:"articles"`
}

// Searcher finds articles matching a query. Implementations return an error
// only for genuine failures.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) (Result, error)
}

func fromPersona(a persona.Article) Article {
	return Article{ID: a.ID, Title: a.Title, Topic: a.Topic, Content: a.Content}
}
