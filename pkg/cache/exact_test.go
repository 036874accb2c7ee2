package cache

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/openclaw/gateway/pkg/gwerr"
	"github.com/openclaw/gateway/pkg/models"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "cache.db")+"?_journal_mode=WAL&_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func chatReq(content string) *models.ChatRequest {
	return &models.ChatRequest{
		Messages: []models.ChatMessage{
			{Role: "system", Content: "you are helpful"},
			{Role: "user", Content: content},
		},
	}
}

func respEntry(text string) *Entry {
	return &Entry{
		Response: models.ChatResponse{
			ID:     "resp-1",
			Object: "chat.completion",
			Model:  "llama-3.3-70b-versatile",
			Choices: []models.Choice{{
				Message: models.ChatMessage{Role: "assistant", Content: text},
			}},
		},
		Usage:    models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Tier:     models.TierCheap,
		Provider: "groq",
		Model:    "llama-3.3-70b-versatile",
	}
}

func TestNormalizeCollapsesFormatting(t *testing.T) {
	a := chatReq("what   is\tthe capital of France?")
	b := chatReq("what is the capital of France?")
	assert.Equal(t, Key(a), Key(b))

	c := chatReq("what is the capital of Spain?")
	assert.NotEqual(t, Key(a), Key(c))
}

func TestNormalizeIncludesSamplingAndContext(t *testing.T) {
	base := chatReq("hello")

	temp := 0.7
	withTemp := chatReq("hello")
	withTemp.Temperature = &temp
	assert.NotEqual(t, Key(base), Key(withTemp))

	withCtx := chatReq("hello")
	withCtx.Context = map[string]string{"repo": "x", "branch": "main"}
	withCtx2 := chatReq("hello")
	withCtx2.Context = map[string]string{"branch": "main", "repo": "x"}
	assert.Equal(t, Key(withCtx), Key(withCtx2), "context ordering must not change the key")
	assert.NotEqual(t, Key(base), Key(withCtx))
}

func TestExactStoreLookup(t *testing.T) {
	e, err := NewExact(testDB(t), time.Hour, 100)
	require.NoError(t, err)
	ctx := context.Background()

	req := chatReq("what is the capital of france?")

	_, ok, err := e.Lookup(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, e.Store(ctx, req, respEntry("Paris")))

	entry, ok, err := e.Lookup(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Paris", entry.Response.Choices[0].Message.Content)
	assert.Equal(t, models.TierCheap, entry.Tier)
	assert.Equal(t, "groq", entry.Provider)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestExactIdempotencyKeyWins(t *testing.T) {
	e, err := NewExact(testDB(t), time.Hour, 100)
	require.NoError(t, err)
	ctx := context.Background()

	orig := chatReq("charge my card for the order")
	orig.IdempotencyKey = "order-42"
	require.NoError(t, e.Store(ctx, orig, respEntry("done")))

	// A retried request with different content but the same idempotency key
	// resolves to the same response.
	retry := chatReq("please charge my card for order 42")
	retry.IdempotencyKey = "order-42"

	entry, ok, err := e.Lookup(ctx, retry)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "done", entry.Response.Choices[0].Message.Content)
}

func TestExactIdempotencyFirstExecutionWins(t *testing.T) {
	e, err := NewExact(testDB(t), time.Hour, 100)
	require.NoError(t, err)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	first := chatReq("charge my card for order 42")
	first.IdempotencyKey = "order-42"
	require.NoError(t, e.Store(ctx, first, respEntry("charged")))

	// A reworded retry lands under its own content hash but the same key.
	e.now = func() time.Time { return base.Add(time.Minute) }
	second := chatReq("please charge my card for order 42")
	second.IdempotencyKey = "order-42"
	require.NoError(t, e.Store(ctx, second, respEntry("charged again")))

	lookup := chatReq("charge it")
	lookup.IdempotencyKey = "order-42"
	entry, ok, err := e.Lookup(ctx, lookup)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "charged", entry.Response.Choices[0].Message.Content)
}

func TestExactTTLExpiry(t *testing.T) {
	e, err := NewExact(testDB(t), time.Hour, 100)
	require.NoError(t, err)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	req := chatReq("hello")
	require.NoError(t, e.Store(ctx, req, respEntry("hi")))

	e.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, ok, err := e.Lookup(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExactLRUTrim(t *testing.T) {
	e, err := NewExact(testDB(t), time.Hour, 3)
	require.NoError(t, err)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		tick := base.Add(time.Duration(i) * time.Minute)
		e.now = func() time.Time { return tick }
		require.NoError(t, e.Store(ctx, chatReq(string(rune('a'+i))), respEntry("r")))
	}

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Entries)

	// The oldest entry was evicted.
	_, ok, err := e.Lookup(ctx, chatReq("a"))
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = e.Lookup(ctx, chatReq("d"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExactCorruptRowEvicted(t *testing.T) {
	db := testDB(t)
	e, err := NewExact(db, time.Hour, 100)
	require.NoError(t, err)
	ctx := context.Background()

	req := chatReq("hello")
	require.NoError(t, e.Store(ctx, req, respEntry("hi")))

	_, err = db.Exec(`UPDATE exact_cache SET response = ?`, []byte("{not json"))
	require.NoError(t, err)

	_, ok, err := e.Lookup(ctx, req)
	assert.False(t, ok)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindCacheCorruption, gwerr.KindOf(err))

	// The corrupt row is gone; the next lookup is a clean miss.
	_, ok, err = e.Lookup(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExactClear(t *testing.T) {
	e, err := NewExact(testDB(t), time.Hour, 100)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, e.Store(ctx, chatReq("one"), respEntry("1")))
	require.NoError(t, e.Store(ctx, chatReq("two"), respEntry("2")))

	require.NoError(t, e.Clear(ctx, false))
	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
}
