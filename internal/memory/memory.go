// Package memory reads and writes a user's long-term facts. Lookups return
// tagged results instead of errors so callers can cache a failure as "no
// context" without inspecting error values.
package memory

import (
	"context"

	"github.com/ashureev/quest-advisor/internal/domain"
)

// MaxFacts is the number of facts surfaced per lookup.
const MaxFacts = 10

// FetchResult is the outcome of a fact lookup. Context is set only when
// Outcome is OutcomeFound; Err only when it is OutcomeFailed.
type FetchResult struct {
	Outcome domain.Outcome
	Context *domain.UserContext
	Err     error
}

// Found wraps a successful lookup.
func Found(uc *domain.UserContext) FetchResult {
	return FetchResult{Outcome: domain.OutcomeFound, Context: uc}
}

// NotFound reports a user with nothing on record.
func NotFound() FetchResult {
	return FetchResult{Outcome: domain.OutcomeNotFound}
}

// Failed reports a lookup that could not complete.
func Failed(err error) FetchResult {
	return FetchResult{Outcome: domain.OutcomeFailed, Err: err}
}

// TopicsFunc returns the persona topics interests are matched against. It
// is called on every lookup so reloaded personas take effect immediately.
type TopicsFunc func() []string

// StaticTopics returns a TopicsFunc for a fixed list.
func StaticTopics(topics ...string) TopicsFunc {
	return func() []string { return topics }
}

func (f TopicsFunc) list() []string {
	if f == nil {
		return nil
	}
	return f()
}

// Store is a long-term memory backend.
type Store interface {
	// Fetch returns what is remembered about userID. It never panics and
	// reports collaborator errors through the result.
	Fetch(ctx context.Context, userID string) FetchResult
	// Remember records one utterance from role ("user" or "assistant").
	Remember(ctx context.Context, userID, text, role string) error
}

// Disabled is a Store with nothing in it, used when no backend is configured.
type Disabled struct{}

// Fetch always reports NotFound.
func (Disabled) Fetch(context.Context, string) FetchResult { return NotFound() }

// Remember discards the text.
func (Disabled) Remember(context.Context, string, string, string) error { return nil }

// buildContext derives the structured context from raw facts.
func buildContext(facts []string, topics []string) *domain.UserContext {
	all := facts
	if len(facts) > MaxFacts {
		facts = facts[:MaxFacts]
	}
	return &domain.UserContext{
		IsReturning: len(all) > 0,
		Facts:       append([]string(nil), facts...),
		DerivedName: NameFromFacts(all),
		Interests:   InterestsFromFacts(all, topics),
	}
}
