package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashureev/quest-advisor/internal/domain"
)

// PostgresStore implements Repository on PostgreSQL, for deployments that
// keep profiles in a hosted database shared with the web frontend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and ensures the schema exists.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS user_profiles (
		user_id TEXT PRIMARY KEY,
		preferred_name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS user_facts (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_user_facts_user ON user_facts(user_id, id);
	CREATE TABLE IF NOT EXISTS policy_quotes (
		id BIGSERIAL PRIMARY KEY,
		persona TEXT NOT NULL,
		user_id TEXT,
		session_id TEXT,
		subject TEXT NOT NULL,
		age_years INTEGER NOT NULL,
		plan_type TEXT NOT NULL,
		monthly_premium NUMERIC(10,2) NOT NULL,
		annual_premium NUMERIC(10,2) NOT NULL,
		details_json JSONB,
		valid_until TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetPreferredName returns the stored profile name.
func (s *PostgresStore) GetPreferredName(ctx context.Context, userID string) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx,
		`SELECT preferred_name FROM user_profiles WHERE user_id = $1`, userID,
	).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("scan profile row: %w", err)
	}
	return name, nil
}

// SetPreferredName creates or updates a profile.
func (s *PostgresStore) SetPreferredName(ctx context.Context, userID, name string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_profiles (user_id, preferred_name)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET
			preferred_name = EXCLUDED.preferred_name,
			updated_at = now()`, userID, name)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// AddFact appends a fact row.
func (s *PostgresStore) AddFact(ctx context.Context, fact domain.Fact) error {
	created := fact.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_facts (user_id, role, text, created_at) VALUES ($1, $2, $3, $4)`,
		fact.UserID, fact.Role, fact.Text, created)
	if err != nil {
		return fmt.Errorf("insert fact: %w", err)
	}
	return nil
}

// RecentFacts returns the newest facts first.
func (s *PostgresStore) RecentFacts(ctx context.Context, userID string, limit int) ([]domain.Fact, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, role, text, created_at
		FROM user_facts WHERE user_id = $1
		ORDER BY id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var facts []domain.Fact
	for rows.Next() {
		var f domain.Fact
		if err := rows.Scan(&f.UserID, &f.Role, &f.Text, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fact row: %w", err)
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return facts, nil
}

// SaveQuote inserts a quote row.
func (s *PostgresStore) SaveQuote(ctx context.Context, q *domain.Quote) (int64, error) {
	var details interface{}
	if q.DetailsJSON != "" {
		details = q.DetailsJSON
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO policy_quotes (persona, user_id, session_id, subject, age_years, plan_type,
			monthly_premium, annual_premium, details_json, valid_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`,
		q.Persona, nullable(q.UserID), nullable(q.SessionID), q.Subject, q.AgeYears, q.PlanType,
		q.MonthlyPremium, q.AnnualPremium, details, q.ValidUntil,
	).Scan(&q.ID, &q.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert quote: %w", err)
	}
	return q.ID, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
