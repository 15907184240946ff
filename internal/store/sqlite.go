package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/quest-advisor/internal/domain"
	"github.com/ashureev/quest-advisor/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS user_profiles (
		user_id TEXT PRIMARY KEY,
		preferred_name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_facts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_user_facts_user ON user_facts(user_id, id);

	CREATE TABLE IF NOT EXISTS policy_quotes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		persona TEXT NOT NULL,
		user_id TEXT,
		session_id TEXT,
		subject TEXT NOT NULL,
		age_years INTEGER NOT NULL,
		plan_type TEXT NOT NULL,
		monthly_premium REAL NOT NULL,
		annual_premium REAL NOT NULL,
		details_json TEXT,
		valid_until INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetPreferredName returns the stored profile name.
func (s *SQLiteStore) GetPreferredName(ctx context.Context, userID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT preferred_name FROM user_profiles WHERE user_id = ?`, userID,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("scan profile row: %w", err)
	}
	return name, nil
}

// SetPreferredName creates or updates a profile.
func (s *SQLiteStore) SetPreferredName(ctx context.Context, userID, name string) error {
	query := `
	INSERT INTO user_profiles (user_id, preferred_name, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		preferred_name = excluded.preferred_name,
		updated_at = excluded.updated_at`

	now := time.Now().Unix()
	return withRetry(ctx, "upsert profile", userID, func() error {
		_, err := s.db.ExecContext(ctx, query, userID, name, now, now)
		return err
	})
}

// AddFact appends a fact row.
func (s *SQLiteStore) AddFact(ctx context.Context, fact domain.Fact) error {
	created := fact.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return withRetry(ctx, "insert fact", fact.UserID, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO user_facts (user_id, role, text, created_at) VALUES (?, ?, ?, ?)`,
			fact.UserID, fact.Role, fact.Text, created.Unix(),
		)
		return err
	})
}

// RecentFacts returns the newest facts first.
func (s *SQLiteStore) RecentFacts(ctx context.Context, userID string, limit int) ([]domain.Fact, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, role, text, created_at
		FROM user_facts WHERE user_id = ?
		ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close fact rows", "error", closeErr)
		}
	}()

	var facts []domain.Fact
	for rows.Next() {
		var f domain.Fact
		var created int64
		if err := rows.Scan(&f.UserID, &f.Role, &f.Text, &created); err != nil {
			return nil, fmt.Errorf("scan fact row: %w", err)
		}
		f.CreatedAt = time.Unix(created, 0)
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return facts, nil
}

// SaveQuote inserts a quote row.
func (s *SQLiteStore) SaveQuote(ctx context.Context, q *domain.Quote) (int64, error) {
	created := q.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	var id int64
	err := withRetry(ctx, "insert quote", q.UserID, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO policy_quotes (persona, user_id, session_id, subject, age_years, plan_type,
				monthly_premium, annual_premium, details_json, valid_until, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			q.Persona, nullable(q.UserID), nullable(q.SessionID), q.Subject, q.AgeYears, q.PlanType,
			q.MonthlyPremium, q.AnnualPremium, q.DetailsJSON, q.ValidUntil.Unix(), created.Unix(),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	q.ID = id
	q.CreatedAt = time.Unix(created.Unix(), 0)
	return id, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func nullable(v string) interface{} {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// withRetry runs a write, retrying SQLITE_BUSY with exponential backoff
// (100ms, 200ms) before giving up after three attempts.
func withRetry(ctx context.Context, op, userID string, fn func() error) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("SQLite write busy, retrying", "op", op, "user_id", userID, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
