// Package audit records per-request decision trails and ledger
// reconciliation discrepancies in SQLite.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one request's audit record.
type Entry struct {
	RequestID    string
	CallerHash   string
	CallerPrefix string
	Tier         string
	Provider     string
	Model        string
	CacheHit     string
	CostUSD      float64
	PromptTokens int
	OutputTokens int
	StatusCode   int
	LatencyMs    int64
	Reason       string
	CreatedAt    time.Time
}

// Discrepancy records a charge that failed to commit to the ledger, so real
// spend can be reconciled later.
type Discrepancy struct {
	ID        int64
	RequestID string
	CostUSD   float64
	Tier      string
	Provider  string
	Detail    string
	Resolved  bool
	CreatedAt time.Time
}

// Logger writes audit entries and runs the retention sweep.
type Logger struct {
	db        *sql.DB
	retention time.Duration
	done      chan struct{}
	wg        sync.WaitGroup
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
			request_id     TEXT PRIMARY KEY,
			caller_hash    TEXT NOT NULL,
			caller_prefix  TEXT NOT NULL,
			tier           TEXT,
			provider       TEXT,
			model          TEXT,
			cache_hit      TEXT,
			cost_usd       REAL NOT NULL DEFAULT 0,
			prompt_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens  INTEGER NOT NULL DEFAULT 0,
			status_code    INTEGER,
			latency_ms     INTEGER,
			reason         TEXT,
			created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_prefix ON audit_log(caller_prefix)`,
		`CREATE TABLE IF NOT EXISTS reconciliation (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			cost_usd   REAL NOT NULL,
			tier       TEXT,
			provider   TEXT,
			detail     TEXT,
			resolved   INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// New opens the audit tables on a shared database handle and starts the
// hourly retention sweep.
func New(db *sql.DB, retention time.Duration) (*Logger, error) {
	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	l := &Logger{
		db:        db,
		retention: retention,
		done:      make(chan struct{}),
	}
	l.wg.Add(1)
	go l.retentionLoop()
	return l, nil
}

// Log inserts an audit entry. A nil logger is a no-op so call sites don't
// have to guard on auditing being disabled.
func (l *Logger) Log(ctx context.Context, e Entry) error {
	if l == nil || l.db == nil {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO audit_log
		 (request_id, caller_hash, caller_prefix, tier, provider, model, cache_hit,
		  cost_usd, prompt_tokens, output_tokens, status_code, latency_ms, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.CallerHash, e.CallerPrefix, e.Tier, e.Provider, e.Model, e.CacheHit,
		e.CostUSD, e.PromptTokens, e.OutputTokens, e.StatusCode, e.LatencyMs, e.Reason, e.CreatedAt)
	return err
}

// RecordDiscrepancy stores a failed ledger commit for later reconciliation.
func (l *Logger) RecordDiscrepancy(ctx context.Context, d Discrepancy) error {
	if l == nil || l.db == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO reconciliation (request_id, cost_usd, tier, provider, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.RequestID, d.CostUSD, d.Tier, d.Provider, d.Detail, time.Now().UTC())
	return err
}

// OpenDiscrepancies returns unresolved reconciliation rows, oldest first.
func (l *Logger) OpenDiscrepancies(ctx context.Context) ([]Discrepancy, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, request_id, cost_usd, tier, provider, detail, resolved, created_at
		 FROM reconciliation WHERE resolved = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query reconciliation: %w", err)
	}
	defer rows.Close()

	var out []Discrepancy
	for rows.Next() {
		var d Discrepancy
		if err := rows.Scan(&d.ID, &d.RequestID, &d.CostUSD, &d.Tier, &d.Provider, &d.Detail, &d.Resolved, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reconciliation row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Resolve marks a reconciliation row as handled.
func (l *Logger) Resolve(ctx context.Context, id int64) error {
	_, err := l.db.ExecContext(ctx, `UPDATE reconciliation SET resolved = 1 WHERE id = ?`, id)
	return err
}

// Recent returns the newest audit entries for a caller prefix; an empty
// prefix matches everyone.
func (l *Logger) Recent(ctx context.Context, callerPrefix string, limit int) ([]Entry, error) {
	q := `SELECT request_id, caller_hash, caller_prefix, tier, provider, model, cache_hit,
		cost_usd, prompt_tokens, output_tokens, status_code, latency_ms, reason, created_at
		FROM audit_log`
	var args []any
	if callerPrefix != "" {
		q += ` WHERE caller_prefix = ?`
		args = append(args, callerPrefix)
	}
	if limit <= 0 {
		limit = 100
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var tier, provider, model, cacheHit, reason sql.NullString
		var status, latency sql.NullInt64
		if err := rows.Scan(&e.RequestID, &e.CallerHash, &e.CallerPrefix,
			&tier, &provider, &model, &cacheHit,
			&e.CostUSD, &e.PromptTokens, &e.OutputTokens, &status, &latency, &reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Tier = tier.String
		e.Provider = provider.String
		e.Model = model.String
		e.CacheHit = cacheHit.String
		e.Reason = reason.String
		e.StatusCode = int(status.Int64)
		e.LatencyMs = latency.Int64
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Cleanup deletes audit entries older than the retention period. Resolved
// reconciliation rows age out with them; open ones are kept.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-l.retention)
	res, err := l.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM reconciliation WHERE resolved = 1 AND created_at < ?`, cutoff); err != nil {
		return n, fmt.Errorf("reconciliation cleanup: %w", err)
	}
	return n, nil
}

// Close stops the retention goroutine. The shared database handle stays
// open for its owner to close.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	return nil
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}

// HashAPIKey returns the SHA-256 hex hash and a short prefix for a caller
// key, so audit rows never store the raw credential.
func HashAPIKey(key string) (hash, prefix string) {
	h := sha256.Sum256([]byte(key))
	hash = hex.EncodeToString(h[:])
	if len(key) > 8 {
		prefix = key[:8]
	} else {
		prefix = key
	}
	return hash, prefix
}
