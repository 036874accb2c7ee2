package cache

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/openclaw/gateway/pkg/embedding"
	"github.com/openclaw/gateway/pkg/gwerr"
	"github.com/openclaw/gateway/pkg/models"
)

// Semantic is the embedding-indexed cache, consulted only after an exact
// miss. The nearest stored entry is accepted when its cosine similarity
// reaches the threshold; ties go to the higher similarity, then the more
// recently hit entry. It is bounded more aggressively than the exact cache
// since every lookup scans candidates.
type Semantic struct {
	db         *sql.DB
	embedder   embedding.Embedder
	threshold  float64
	ttl        time.Duration
	maxEntries int

	hits   atomic.Int64
	misses atomic.Int64

	now func() time.Time
}

// SemanticHit is a semantic match with its similarity score.
type SemanticHit struct {
	Entry      Entry
	Similarity float64
}

const createSemanticTable = `
CREATE TABLE IF NOT EXISTS semantic_cache (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content TEXT NOT NULL,
	embedding BLOB NOT NULL,
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
CREATE INDEX IF NOT EXISTS idx_semantic_expires ON semantic_cache(expires_at);
`

// candidateLimit bounds how many recent entries one lookup scans.
const candidateLimit = 1000

// NewSemantic creates the semantic cache on a shared database handle.
func NewSemantic(db *sql.DB, embedder embedding.Embedder, threshold float64, ttl time.Duration, maxEntries int) (*Semantic, error) {
	if _, err := db.Exec(createSemanticTable); err != nil {
		return nil, fmt.Errorf("migrate semantic cache: %w", err)
	}
	return &Semantic{
		db:         db,
		embedder:   embedder,
		threshold:  threshold,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}, nil
}

// Lookup embeds the request's last user content and scans recent entries for
// the best match above the threshold.
func (s *Semantic) Lookup(ctx context.Context, req *models.ChatRequest) (*SemanticHit, bool, error) {
	content := req.LastUserContent()
	if content == "" {
		s.misses.Add(1)
		return nil, false, nil
	}

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		s.misses.Add(1)
		return nil, false, fmt.Errorf("embed query: %w", err)
	}

	now := s.now().UTC()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding, response, usage_json, tier, provider, model, created_at, hit_count, COALESCE(last_hit_at, created_at)
		 FROM semantic_cache WHERE expires_at > ?
		 ORDER BY created_at DESC LIMIT ?`,
		now, candidateLimit)
	if err != nil {
		s.misses.Add(1)
		return nil, false, fmt.Errorf("semantic lookup: %w", err)
	}
	defer rows.Close()

	var (
		bestID      int64
		bestSim     float64
		bestLastHit time.Time
		bestResp    []byte
		bestUsage   []byte
		bestEntry   Entry
		found       bool
	)

	for rows.Next() {
		var (
			id                    int64
			embRaw, respRaw       []byte
			usageRaw              []byte
			tier, provider, model string
			createdAt, lastHit    time.Time
			hitCount              int64
		)
		if err := rows.Scan(&id, &embRaw, &respRaw, &usageRaw, &tier, &provider, &model, &createdAt, &hitCount, &lastHit); err != nil {
			s.misses.Add(1)
			return nil, false, fmt.Errorf("scan semantic entry: %w", err)
		}

		stored, err := decodeVector(embRaw)
		if err != nil {
			// Unreadable vector: drop the row and keep scanning.
			s.db.ExecContext(ctx, `DELETE FROM semantic_cache WHERE id = ?`, id)
			continue
		}

		sim := embedding.Cosine(vec, stored)
		if sim < s.threshold {
			continue
		}
		if !found || sim > bestSim || (sim == bestSim && lastHit.After(bestLastHit)) {
			found = true
			bestID = id
			bestSim = sim
			bestLastHit = lastHit
			bestResp = respRaw
			bestUsage = usageRaw
			bestEntry = Entry{
				Tier:      models.Tier(tier),
				Provider:  provider,
				Model:     model,
				CreatedAt: createdAt,
				HitCount:  hitCount,
			}
		}
	}
	if err := rows.Err(); err != nil {
		s.misses.Add(1)
		return nil, false, fmt.Errorf("semantic lookup: %w", err)
	}

	if !found {
		s.misses.Add(1)
		return nil, false, nil
	}

	if err := json.Unmarshal(bestResp, &bestEntry.Response); err != nil {
		s.misses.Add(1)
		s.db.ExecContext(ctx, `DELETE FROM semantic_cache WHERE id = ?`, bestID)
		return nil, false, gwerr.Wrap(gwerr.KindCacheCorruption, "semantic_corrupt", err, "evicted corrupt entry %d", bestID)
	}
	if len(bestUsage) > 0 {
		if err := json.Unmarshal(bestUsage, &bestEntry.Usage); err != nil {
			s.misses.Add(1)
			s.db.ExecContext(ctx, `DELETE FROM semantic_cache WHERE id = ?`, bestID)
			return nil, false, gwerr.Wrap(gwerr.KindCacheCorruption, "semantic_corrupt", err, "evicted corrupt entry %d", bestID)
		}
	}

	s.hits.Add(1)
	s.db.ExecContext(ctx,
		`UPDATE semantic_cache SET hit_count = hit_count + 1, last_hit_at = ? WHERE id = ?`,
		now, bestID)

	return &SemanticHit{Entry: bestEntry, Similarity: bestSim}, true, nil
}

// Store embeds the request content and writes the entry, then trims.
func (s *Semantic) Store(ctx context.Context, req *models.ChatRequest, entry *Entry) error {
	content := req.LastUserContent()
	if content == "" {
		return nil
	}

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("embed for store: %w", err)
	}

	respRaw, err := json.Marshal(entry.Response)
	if err != nil {
		return fmt.Errorf("encode cached response: %w", err)
	}
	usageRaw, err := json.Marshal(entry.Usage)
	if err != nil {
		return fmt.Errorf("encode cached usage: %w", err)
	}

	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO semantic_cache (content, embedding, response, usage_json, tier, provider, model, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		content, encodeVector(vec), respRaw, usageRaw,
		string(entry.Tier), entry.Provider, entry.Model, now, now.Add(s.ttl))
	if err != nil {
		return fmt.Errorf("semantic store: %w", err)
	}

	return s.trim(ctx)
}

func (s *Semantic) trim(ctx context.Context) error {
	now := s.now().UTC()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM semantic_cache WHERE expires_at <= ?`, now); err != nil {
		return fmt.Errorf("semantic trim expired: %w", err)
	}
	if s.maxEntries <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM semantic_cache WHERE id IN (
			SELECT id FROM semantic_cache
			ORDER BY COALESCE(last_hit_at, created_at) DESC
			LIMIT -1 OFFSET ?
		)`, s.maxEntries)
	if err != nil {
		return fmt.Errorf("semantic trim lru: %w", err)
	}
	return nil
}

// Stats returns entry count and hit/miss counters.
func (s *Semantic) Stats(ctx context.Context) (models.CacheStats, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM semantic_cache`).Scan(&count); err != nil {
		return models.CacheStats{}, fmt.Errorf("semantic stats: %w", err)
	}
	return models.CacheStats{Entries: count, Hits: s.hits.Load(), Misses: s.misses.Load()}, nil
}

// Clear removes entries, optionally only expired ones.
func (s *Semantic) Clear(ctx context.Context, expiredOnly bool) error {
	query := `DELETE FROM semantic_cache`
	var args []any
	if expiredOnly {
		query += ` WHERE expires_at <= ?`
		args = append(args, s.now().UTC())
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("semantic clear: %w", err)
	}
	return nil
}

// Embeddings are stored as little-endian float32 blobs.

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(raw []byte) ([]float32, error) {
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, fmt.Errorf("malformed vector blob (%d bytes)", len(raw))
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec, nil
}
