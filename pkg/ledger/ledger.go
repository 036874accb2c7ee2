// Package ledger persists daily spend totals, per-request transactions, and
// small pieces of durable gateway state (like the kill switch) in SQLite.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openclaw/gateway/pkg/models"
)

// ErrStateNotFound is returned by GetState for missing keys.
var ErrStateNotFound = errors.New("state key not found")

// Store is the durable budget ledger.
type Store struct {
	db *sql.DB

	// now is replaceable in tests to pin the UTC day.
	now func() time.Time
}

const createSpending = `
CREATE TABLE IF NOT EXISTS spending (
	date TEXT PRIMARY KEY,
	total_cost REAL NOT NULL DEFAULT 0,
	request_count INTEGER NOT NULL DEFAULT 0,
	local_cost REAL NOT NULL DEFAULT 0,
	cheap_cost REAL NOT NULL DEFAULT 0,
	premium_cost REAL NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	cache_hits INTEGER NOT NULL DEFAULT 0
);
`

const createTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	caller TEXT NOT NULL,
	tier TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	cost REAL NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tx_created ON transactions(created_at);
`

const createState = `
CREATE TABLE IF NOT EXISTS gateway_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Open creates a Store and runs auto-migration. WAL mode keeps concurrent
// readers from blocking the committing writer.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	for _, stmt := range []string{createSpending, createTransactions, createState} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate ledger db: %w", err)
		}
	}

	return &Store{db: db, now: time.Now}, nil
}

// Day returns the current UTC day key.
func (s *Store) Day() string {
	return s.now().UTC().Format("2006-01-02")
}

// Transaction is one committed charge against the ledger.
type Transaction struct {
	RequestID        string
	Caller           string
	Tier             models.Tier
	Provider         string
	Model            string
	Cost             float64
	PromptTokens     int
	CompletionTokens int
}

// AddSpend atomically adds a transaction's cost to today's row and records
// the transaction. The per-day row is created on first touch; increments are
// additive so concurrent commits never lose spend.
func (s *Store) AddSpend(ctx context.Context, t Transaction) error {
	day := s.Day()

	tierCol := "local_cost"
	switch t.Tier {
	case models.TierCheap:
		tierCol = "cheap_cost"
	case models.TierPremium:
		tierCol = "premium_cost"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin spend tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO spending (date) VALUES (?)`, day); err != nil {
		return fmt.Errorf("ensure day row: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE spending SET
			total_cost = total_cost + ?,
			request_count = request_count + 1,
			%s = %s + ?,
			total_tokens = total_tokens + ?
		 WHERE date = ?`, tierCol, tierCol),
		t.Cost, t.Cost, t.PromptTokens+t.CompletionTokens, day); err != nil {
		return fmt.Errorf("add spend: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (request_id, caller, tier, provider, model, cost, prompt_tokens, completion_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RequestID, t.Caller, string(t.Tier), t.Provider, t.Model, t.Cost,
		t.PromptTokens, t.CompletionTokens, s.now().UTC()); err != nil {
		return fmt.Errorf("record transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit spend: %w", err)
	}
	return nil
}

// RecordCacheHit bumps today's cache hit counter without touching spend.
func (s *Store) RecordCacheHit(ctx context.Context) error {
	day := s.Day()
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO spending (date) VALUES (?)`, day); err != nil {
		return fmt.Errorf("ensure day row: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE spending SET cache_hits = cache_hits + 1, request_count = request_count + 1 WHERE date = ?`,
		day); err != nil {
		return fmt.Errorf("record cache hit: %w", err)
	}
	return nil
}

// DailySpend returns today's cumulative spend in USD. A day with no row
// reports zero.
func (s *Store) DailySpend(ctx context.Context) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT total_cost FROM spending WHERE date = ?`, s.Day()).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("daily spend: %w", err)
	}
	return total, nil
}

// Totals returns today's full aggregate row.
func (s *Store) Totals(ctx context.Context) (models.DayTotals, error) {
	day := s.Day()
	var d models.DayTotals
	err := s.db.QueryRowContext(ctx,
		`SELECT date, total_cost, request_count, local_cost, cheap_cost, premium_cost, total_tokens, cache_hits
		 FROM spending WHERE date = ?`, day).
		Scan(&d.Date, &d.TotalCost, &d.RequestCount, &d.LocalCost, &d.CheapCost, &d.PremiumCost, &d.TotalTokens, &d.CacheHits)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DayTotals{Date: day}, nil
	}
	if err != nil {
		return models.DayTotals{}, fmt.Errorf("day totals: %w", err)
	}
	return d, nil
}

// History returns up to n most recent day rows, newest first.
func (s *Store) History(ctx context.Context, n int) ([]models.DayTotals, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, total_cost, request_count, local_cost, cheap_cost, premium_cost, total_tokens, cache_hits
		 FROM spending ORDER BY date DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("spend history: %w", err)
	}
	defer rows.Close()

	var days []models.DayTotals
	for rows.Next() {
		var d models.DayTotals
		if err := rows.Scan(&d.Date, &d.TotalCost, &d.RequestCount, &d.LocalCost, &d.CheapCost, &d.PremiumCost, &d.TotalTokens, &d.CacheHits); err != nil {
			return nil, fmt.Errorf("scan day totals: %w", err)
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

// SetState upserts a durable state value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gateway_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UTC())
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// GetState reads a durable state value.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM gateway_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrStateNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// DB exposes the underlying handle so sibling stores can share one file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
