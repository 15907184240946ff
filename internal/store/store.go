// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/quest-advisor/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for persisting user profiles, facts and
// quotes.
type Repository interface {
	// GetPreferredName returns the name a user asked to be called, or
	// ErrNotFound.
	GetPreferredName(ctx context.Context, userID string) (string, error)

	// SetPreferredName creates or updates the user's profile name.
	SetPreferredName(ctx context.Context, userID, name string) error

	// AddFact appends a remembered utterance.
	AddFact(ctx context.Context, fact domain.Fact) error

	// RecentFacts returns up to limit facts for a user, newest first.
	RecentFacts(ctx context.Context, userID string, limit int) ([]domain.Fact, error)

	// SaveQuote stores a quote and returns its id.
	SaveQuote(ctx context.Context, quote *domain.Quote) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// NameReader is the profile lookup used on a session's first turn.
type NameReader interface {
	GetPreferredName(ctx context.Context, userID string) (string, error)
}

// NameResult is the tagged outcome of a preferred-name lookup.
type NameResult struct {
	Outcome domain.Outcome
	Name    string
	Err     error
}

// LookupName wraps GetPreferredName in a tagged result.
func LookupName(ctx context.Context, r NameReader, userID string) NameResult {
	if r == nil || userID == "" {
		return NameResult{Outcome: domain.OutcomeNotFound}
	}
	name, err := r.GetPreferredName(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		return NameResult{Outcome: domain.OutcomeNotFound}
	case err != nil:
		return NameResult{Outcome: domain.OutcomeFailed, Err: err}
	case name == "":
		return NameResult{Outcome: domain.OutcomeNotFound}
	default:
		return NameResult{Outcome: domain.OutcomeFound, Name: name}
	}
}
