package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/quest-advisor/internal/domain"
)

// FactRepository is the subset of the relational store used for facts.
type FactRepository interface {
	AddFact(ctx context.Context, fact domain.Fact) error
	RecentFacts(ctx context.Context, userID string, limit int) ([]domain.Fact, error)
}

// Local keeps facts in the application database. It stands in for Zep when
// no API key is configured and records user utterances verbatim.
type Local struct {
	repo   FactRepository
	prefix string
	topics TopicsFunc
}

// NewLocal creates a database-backed memory.
func NewLocal(repo FactRepository, userPrefix string, topics TopicsFunc) *Local {
	return &Local{repo: repo, prefix: userPrefix, topics: topics}
}

func (l *Local) userID(id string) string {
	if l.prefix == "" || strings.HasPrefix(id, l.prefix) {
		return id
	}
	return l.prefix + id
}

// Fetch returns the most recent facts, newest first.
func (l *Local) Fetch(ctx context.Context, userID string) FetchResult {
	if userID == "" {
		return NotFound()
	}

	rows, err := l.repo.RecentFacts(ctx, l.userID(userID), zepSearchLimit)
	if err != nil {
		return Failed(fmt.Errorf("load facts: %w", err))
	}

	facts := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.Role != "user" {
			continue
		}
		facts = append(facts, "User said: "+r.Text)
	}
	if len(facts) == 0 {
		return NotFound()
	}
	return Found(buildContext(facts, l.topics.list()))
}

// Remember stores the text as a fact row.
func (l *Local) Remember(ctx context.Context, userID, text, role string) error {
	if userID == "" || strings.TrimSpace(text) == "" {
		return nil
	}
	return l.repo.AddFact(ctx, domain.Fact{UserID: l.userID(userID), Role: role, Text: text})
}
