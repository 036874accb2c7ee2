package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/openclaw/gateway/pkg/gwerr"
	"github.com/openclaw/gateway/pkg/models"
)

// Entry is a cached response together with the provenance needed to decide
// whether it may still be served.
type Entry struct {
	Response models.ChatResponse
	Usage    models.Usage
	Tier     models.Tier
	Provider string
	Model    string

	CreatedAt time.Time
	HitCount  int64
}

// Exact is the hash-keyed response cache. Entries expire on TTL and are
// evicted least-recently-hit once the capacity bound is reached. An
// idempotency key, when present, is an additional lookup dimension that wins
// over the content hash.
type Exact struct {
	db         *sql.DB
	ttl        time.Duration
	maxEntries int

	hits   atomic.Int64
	misses atomic.Int64

	now func() time.Time
}

const createExactTable = `
CREATE TABLE IF NOT EXISTS exact_cache (
	cache_key TEXT PRIMARY KEY,
	idempotency_key TEXT,
	response BLOB NOT NULL,
	usage_json BLOB NOT NULL,
	tier TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	hit_count INTEGER NOT NULL DEFAULT 0,
	last_hit_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_exact_idem ON exact_cache(idempotency_key) WHERE idempotency_key IS NOT NULL AND idempotency_key != '';
CREATE INDEX IF NOT EXISTS idx_exact_expires ON exact_cache(expires_at);
`

// NewExact creates the exact cache on a shared database handle and runs
// auto-migration.
func NewExact(db *sql.DB, ttl time.Duration, maxEntries int) (*Exact, error) {
	if _, err := db.Exec(createExactTable); err != nil {
		return nil, fmt.Errorf("migrate exact cache: %w", err)
	}
	return &Exact{db: db, ttl: ttl, maxEntries: maxEntries, now: time.Now}, nil
}

// Lookup returns the cached entry for the request, preferring the
// idempotency key over the content hash. A corrupt row is evicted and
// reported; callers treat it as a miss.
func (e *Exact) Lookup(ctx context.Context, req *models.ChatRequest) (*Entry, bool, error) {
	now := e.now().UTC()

	var row *sql.Row
	if req.IdempotencyKey != "" {
		// A key can map to several content hashes; the first execution wins.
		row = e.db.QueryRowContext(ctx,
			`SELECT cache_key, response, usage_json, tier, provider, model, created_at, hit_count
			 FROM exact_cache WHERE idempotency_key = ? AND expires_at > ?
			 ORDER BY created_at ASC, cache_key LIMIT 1`,
			req.IdempotencyKey, now)
	} else {
		row = e.db.QueryRowContext(ctx,
			`SELECT cache_key, response, usage_json, tier, provider, model, created_at, hit_count
			 FROM exact_cache WHERE cache_key = ? AND expires_at > ?`,
			Key(req), now)
	}

	var key string
	var respRaw, usageRaw []byte
	var entry Entry
	var tier string
	err := row.Scan(&key, &respRaw, &usageRaw, &tier, &entry.Provider, &entry.Model, &entry.CreatedAt, &entry.HitCount)
	if errors.Is(err, sql.ErrNoRows) {
		e.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		e.misses.Add(1)
		return nil, false, fmt.Errorf("exact lookup: %w", err)
	}

	entry.Tier = models.Tier(tier)
	if err := json.Unmarshal(respRaw, &entry.Response); err != nil {
		e.misses.Add(1)
		e.evict(ctx, key)
		return nil, false, gwerr.Wrap(gwerr.KindCacheCorruption, "exact_corrupt", err, "evicted corrupt entry %s", key)
	}
	if len(usageRaw) > 0 {
		if err := json.Unmarshal(usageRaw, &entry.Usage); err != nil {
			e.misses.Add(1)
			e.evict(ctx, key)
			return nil, false, gwerr.Wrap(gwerr.KindCacheCorruption, "exact_corrupt", err, "evicted corrupt entry %s", key)
		}
	}

	e.hits.Add(1)
	// Hit bookkeeping is best effort; a failed update never blocks the hit.
	e.db.ExecContext(ctx,
		`UPDATE exact_cache SET hit_count = hit_count + 1, last_hit_at = ? WHERE cache_key = ?`,
		now, key)

	return &entry, true, nil
}

// Store writes a produced response under the request's key, then trims
// expired and over-capacity rows.
func (e *Exact) Store(ctx context.Context, req *models.ChatRequest, entry *Entry) error {
	respRaw, err := json.Marshal(entry.Response)
	if err != nil {
		return fmt.Errorf("encode cached response: %w", err)
	}
	usageRaw, err := json.Marshal(entry.Usage)
	if err != nil {
		return fmt.Errorf("encode cached usage: %w", err)
	}

	now := e.now().UTC()
	_, err = e.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO exact_cache
		 (cache_key, idempotency_key, response, usage_json, tier, provider, model, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		Key(req), req.IdempotencyKey, respRaw, usageRaw, string(entry.Tier), entry.Provider, entry.Model,
		now, now.Add(e.ttl))
	if err != nil {
		return fmt.Errorf("exact store: %w", err)
	}

	return e.trim(ctx)
}

func (e *Exact) evict(ctx context.Context, key string) {
	e.db.ExecContext(ctx, `DELETE FROM exact_cache WHERE cache_key = ?`, key)
}

// trim drops expired rows, then the least recently hit rows beyond capacity.
func (e *Exact) trim(ctx context.Context) error {
	now := e.now().UTC()
	if _, err := e.db.ExecContext(ctx, `DELETE FROM exact_cache WHERE expires_at <= ?`, now); err != nil {
		return fmt.Errorf("exact trim expired: %w", err)
	}
	if e.maxEntries <= 0 {
		return nil
	}
	_, err := e.db.ExecContext(ctx,
		`DELETE FROM exact_cache WHERE cache_key IN (
			SELECT cache_key FROM exact_cache
			ORDER BY COALESCE(last_hit_at, created_at) DESC
			LIMIT -1 OFFSET ?
		)`, e.maxEntries)
	if err != nil {
		return fmt.Errorf("exact trim lru: %w", err)
	}
	return nil
}

// Stats returns entry count and hit/miss counters.
func (e *Exact) Stats(ctx context.Context) (models.CacheStats, error) {
	var count int64
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM exact_cache`).Scan(&count); err != nil {
		return models.CacheStats{}, fmt.Errorf("exact stats: %w", err)
	}
	return models.CacheStats{Entries: count, Hits: e.hits.Load(), Misses: e.misses.Load()}, nil
}

// Clear removes entries, optionally only expired ones.
func (e *Exact) Clear(ctx context.Context, expiredOnly bool) error {
	query := `DELETE FROM exact_cache`
	var args []any
	if expiredOnly {
		query += ` WHERE expires_at <= ?`
		args = append(args, e.now().UTC())
	}
	if _, err := e.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("exact clear: %w", err)
	}
	return nil
}
