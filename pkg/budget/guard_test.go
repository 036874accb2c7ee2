package budget

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway/pkg/gwerr"
	"github.com/openclaw/gateway/pkg/ledger"
	"github.com/openclaw/gateway/pkg/models"
)

func newTestGuard(t *testing.T, soft, medium, hard float64) (*Guard, *ledger.Store, *KillSwitch) {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "budget.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	kill, err := NewKillSwitch(store, nil)
	require.NoError(t, err)

	return NewGuard(soft, medium, hard, store, kill, nil), store, kill
}

func spend(t *testing.T, store *ledger.Store, cost float64) {
	t.Helper()
	require.NoError(t, store.AddSpend(context.Background(), ledger.Transaction{
		RequestID: "r", Caller: "a", Tier: models.TierPremium,
		Provider: "anthropic", Model: "m", Cost: cost,
	}))
}

func TestPreCheckLevels(t *testing.T) {
	g, store, _ := newTestGuard(t, 5, 20, 50)
	ctx := context.Background()

	d, err := g.PreCheck(ctx, 0.10)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, LevelNormal, d.Level)

	spend(t, store, 6)
	d, err = g.PreCheck(ctx, 0.10)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, LevelSoft, d.Level)

	spend(t, store, 16)
	d, err = g.PreCheck(ctx, 0.10)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "medium proceeds, routing degrades instead")
	assert.Equal(t, LevelMedium, d.Level)
}

func TestHardLimitBlocksAndTripsKillSwitch(t *testing.T) {
	g, store, kill := newTestGuard(t, 5, 20, 50)
	ctx := context.Background()

	spend(t, store, 49.99)

	_, err := g.PreCheck(ctx, 0.50)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindBudgetExceeded, gwerr.KindOf(err))

	st := kill.State()
	assert.True(t, st.Enabled)
	assert.Equal(t, "budget", st.Actor)

	// Even a free request is now rejected until an operator re-enables spend.
	_, err = g.PreCheck(ctx, 0)
	require.Error(t, err)
	ge, ok := gwerr.As(err)
	require.True(t, ok)
	assert.Equal(t, "kill_switch", ge.Code)
}

func TestSpendAtHardLimitBlocksZeroEstimate(t *testing.T) {
	g, store, _ := newTestGuard(t, 5, 20, 50)
	ctx := context.Background()

	spend(t, store, 50.0)

	_, err := g.PreCheck(ctx, 0)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindBudgetExceeded, gwerr.KindOf(err))
}

func TestProjectedExactlyAtHardBlocks(t *testing.T) {
	g, store, kill := newTestGuard(t, 0.1, 0.5, 1.0)
	ctx := context.Background()

	spend(t, store, 0.50)

	// projected == hard must block, not degrade to medium
	_, err := g.PreCheck(ctx, 0.50)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindBudgetExceeded, gwerr.KindOf(err))
	assert.True(t, kill.State().Enabled)
}

func TestProjectedExactlyAtSoftAndMedium(t *testing.T) {
	g, store, _ := newTestGuard(t, 5, 20, 50)
	ctx := context.Background()

	spend(t, store, 4.0)
	d, err := g.PreCheck(ctx, 1.0)
	require.NoError(t, err)
	assert.Equal(t, LevelSoft, d.Level)

	spend(t, store, 15.0)
	d, err = g.PreCheck(ctx, 1.0)
	require.NoError(t, err)
	assert.Equal(t, LevelMedium, d.Level)
}

func TestKillSwitchPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "budget.db")

	store, err := ledger.Open(path)
	require.NoError(t, err)
	kill, err := NewKillSwitch(store, nil)
	require.NoError(t, err)
	require.NoError(t, kill.Enable(context.Background(), "ops", "incident"))
	require.NoError(t, store.Close())

	store2, err := ledger.Open(path)
	require.NoError(t, err)
	defer store2.Close()
	kill2, err := NewKillSwitch(store2, nil)
	require.NoError(t, err)

	st := kill2.State()
	assert.True(t, st.Enabled)
	assert.Equal(t, "ops", st.Actor)
	assert.Equal(t, "incident", st.Reason)

	require.NoError(t, kill2.Disable(context.Background(), "ops"))
	assert.False(t, kill2.State().Enabled)
}

func TestCommitDiscrepancyCallback(t *testing.T) {
	g, store, _ := newTestGuard(t, 5, 20, 50)

	var gotErr error
	g.OnDiscrepancy(func(ctx context.Context, tx ledger.Transaction, commitErr error) {
		gotErr = commitErr
	})

	// Closing the store forces commit failure.
	require.NoError(t, store.Close())

	err := g.Commit(context.Background(), ledger.Transaction{RequestID: "r1", Caller: "a", Tier: models.TierCheap, Provider: "groq", Model: "m", Cost: 0.01})
	require.Error(t, err)
	assert.Error(t, gotErr)
}

func TestStatus(t *testing.T) {
	g, store, _ := newTestGuard(t, 5, 20, 50)
	ctx := context.Background()

	spend(t, store, 7.5)
	require.NoError(t, g.RecordCacheHit(ctx))

	st, err := g.Status(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 7.5, st.DailySpent, 1e-9)
	assert.Equal(t, "soft", st.Level)
	assert.InDelta(t, 42.5, st.Remaining, 1e-9)
	assert.Equal(t, int64(1), st.CacheHits)
	assert.False(t, st.KillSwitch.Enabled)
}

func TestHighWaterMark(t *testing.T) {
	// Two pre-checks against the same near-threshold total may both pass;
	// the hard limit is enforced as a high-water mark, not a ceiling.
	g, store, _ := newTestGuard(t, 5, 20, 50)
	ctx := context.Background()

	spend(t, store, 49)

	d1, err1 := g.PreCheck(ctx, 0.5)
	d2, err2 := g.PreCheck(ctx, 0.5)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.True(t, d1.Allowed)
	assert.True(t, d2.Allowed)

	// Both commit; the ledger ends above the hard limit and the next
	// pre-check blocks.
	spend(t, store, 0.5)
	spend(t, store, 0.5)

	_, err := g.PreCheck(ctx, 0.5)
	require.Error(t, err)
}
