package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/quest-advisor/internal/domain"
)

var (
	_ Repository = (*SQLiteStore)(nil)
	_ Repository = (*PostgresStore)(nil)
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "advisor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPreferredName(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetPreferredName(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetPreferredName(ctx, "u1", "Dan"))
	require.NoError(t, s.SetPreferredName(ctx, "u1", "Daniel"))

	name, err := s.GetPreferredName(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Daniel", name)
}

func TestFactsNewestFirst(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, s.AddFact(ctx, domain.Fact{UserID: "u1", Role: "user", Text: text}))
	}
	require.NoError(t, s.AddFact(ctx, domain.Fact{UserID: "u2", Role: "user", Text: "other"}))

	facts, err := s.RecentFacts(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "three", facts[0].Text)
	assert.Equal(t, "two", facts[1].Text)
	assert.False(t, facts[0].CreatedAt.IsZero())
}

func TestSaveQuote(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	q := &domain.Quote{
		Persona:        "pet",
		Subject:        "Labrador",
		AgeYears:       3,
		PlanType:       "standard",
		MonthlyPremium: 35,
		AnnualPremium:  420,
		ValidUntil:     time.Now().Add(30 * 24 * time.Hour),
	}

	id, err := s.SaveQuote(context.Background(), q)
	require.NoError(t, err)
	assert.Positive(t, id)
	assert.Equal(t, id, q.ID)

	id2, err := s.SaveQuote(context.Background(), &domain.Quote{Persona: "pet", Subject: "Pug", PlanType: "basic", ValidUntil: time.Now()})
	require.NoError(t, err)
	assert.Greater(t, id2, id)
}

func TestPing(t *testing.T) {
	t.Parallel()
	assert.NoError(t, newTestStore(t).Ping(context.Background()))
}

type stubNames struct {
	name string
	err  error
}

func (s stubNames) GetPreferredName(context.Context, string) (string, error) {
	return s.name, s.err
}

func TestLookupName(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Equal(t, NameResult{Outcome: domain.OutcomeFound, Name: "Dan"}, LookupName(ctx, stubNames{name: "Dan"}, "u"))
	assert.Equal(t, domain.OutcomeNotFound, LookupName(ctx, stubNames{err: ErrNotFound}, "u").Outcome)
	assert.Equal(t, domain.OutcomeNotFound, LookupName(ctx, stubNames{}, "u").Outcome)
	assert.Equal(t, domain.OutcomeNotFound, LookupName(ctx, nil, "u").Outcome)
	assert.Equal(t, domain.OutcomeNotFound, LookupName(ctx, stubNames{name: "Dan"}, "").Outcome)

	res := LookupName(ctx, stubNames{err: errors.New("down")}, "u")
	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
	assert.Error(t, res.Err)
}

func TestWithRetry(t *testing.T) {
	t.Parallel()

	calls := 0
	err := withRetry(context.Background(), "op", "u", func() error {
		calls++
		if calls < 2 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = withRetry(context.Background(), "op", "u", func() error {
		calls++
		return errors.New("constraint failed")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
