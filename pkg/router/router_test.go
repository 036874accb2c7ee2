package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway/pkg/budget"
	"github.com/openclaw/gateway/pkg/gwerr"
	"github.com/openclaw/gateway/pkg/models"
)

// stubAvail marks tiers available by name.
type stubAvail struct {
	up map[models.Tier]bool
}

func (s *stubAvail) Available(t models.Tier) bool { return s.up[t] }

func allUp() *stubAvail {
	return &stubAvail{up: map[models.Tier]bool{
		models.TierLocal: true, models.TierCheap: true, models.TierPremium: true,
	}}
}

func newTestRouter(avail Availability) *Router {
	return New(avail, 2000, 8000, 50000, nil)
}

func userReq(content string) *models.ChatRequest {
	return &models.ChatRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: content}},
	}
}

func TestRouteForcedTier(t *testing.T) {
	r := newTestRouter(allUp())

	d, err := r.Route(&models.ChatRequest{
		ForceTier: "premium",
		Messages:  []models.ChatMessage{{Role: "user", Content: "hi"}},
	}, budget.LevelNormal)
	require.NoError(t, err)
	assert.Equal(t, models.TierPremium, d.Tier)
	assert.Equal(t, 1.0, d.Confidence)
}

func TestRouteForcedTierUnavailableBlocks(t *testing.T) {
	avail := allUp()
	avail.up[models.TierLocal] = false
	r := newTestRouter(avail)

	_, err := r.Route(&models.ChatRequest{
		ForceTier: "local",
		Messages:  []models.ChatMessage{{Role: "user", Content: "hi"}},
	}, budget.LevelNormal)
	require.Error(t, err)
	ge, ok := gwerr.As(err)
	require.True(t, ok)
	assert.Equal(t, "forced_tier_unavailable", ge.Code, "never silently substitute")
}

func TestRouteForcedPremiumHonoredUnderPressure(t *testing.T) {
	r := newTestRouter(allUp())

	d, err := r.Route(&models.ChatRequest{
		ForceTier: "premium",
		Messages:  []models.ChatMessage{{Role: "user", Content: "hi"}},
	}, budget.LevelMedium)
	require.NoError(t, err)
	assert.Equal(t, models.TierPremium, d.Tier)
}

func TestRouteBadForceTier(t *testing.T) {
	r := newTestRouter(allUp())

	_, err := r.Route(&models.ChatRequest{
		ForceTier: "turbo",
		Messages:  []models.ChatMessage{{Role: "user", Content: "hi"}},
	}, budget.LevelNormal)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindInvalidRequest, gwerr.KindOf(err))
}

func TestRoutePremiumIndicators(t *testing.T) {
	r := newTestRouter(allUp())

	d, err := r.Route(userReq("please refactor this module for testability"), budget.LevelNormal)
	require.NoError(t, err)
	assert.Equal(t, models.TierPremium, d.Tier)
	assert.Greater(t, d.EstimatedCost, 0.0)
}

func TestRoutePrefersLocalForSmallPrompts(t *testing.T) {
	r := newTestRouter(allUp())

	d, err := r.Route(userReq("what time zone is tokyo in?"), budget.LevelNormal)
	require.NoError(t, err)
	assert.Equal(t, models.TierLocal, d.Tier)
	assert.Zero(t, d.EstimatedCost)
}

func TestRouteLargePromptSkipsLocal(t *testing.T) {
	r := newTestRouter(allUp())

	d, err := r.Route(userReq(strings.Repeat("data ", 5000)), budget.LevelNormal)
	require.NoError(t, err)
	assert.Equal(t, models.TierCheap, d.Tier)
}

func TestRouteBudgetDegradesPremium(t *testing.T) {
	r := newTestRouter(allUp())

	d, err := r.Route(userReq("refactor the architecture of this service"), budget.LevelMedium)
	require.NoError(t, err)
	assert.Equal(t, models.TierCheap, d.Tier)
	assert.Contains(t, d.Reason, "degraded")
}

func TestRouteSkipsUnavailableUpLadder(t *testing.T) {
	avail := allUp()
	avail.up[models.TierLocal] = false
	r := newTestRouter(avail)

	d, err := r.Route(userReq("short question"), budget.LevelNormal)
	require.NoError(t, err)
	assert.Equal(t, models.TierCheap, d.Tier)
}

func TestRouteNoTierAvailable(t *testing.T) {
	r := newTestRouter(&stubAvail{up: map[models.Tier]bool{}})

	_, err := r.Route(userReq("hello there everyone"), budget.LevelNormal)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindTierUnavailable, gwerr.KindOf(err))
}

func TestEscalateOneStep(t *testing.T) {
	r := newTestRouter(allUp())

	d := models.TierDecision{Tier: models.TierLocal, ContextTokens: 500, Attempted: []models.Tier{models.TierLocal}}
	up, err := r.Escalate(d)
	require.NoError(t, err)
	assert.Equal(t, models.TierCheap, up.Tier)
	assert.Equal(t, []models.Tier{models.TierLocal, models.TierCheap}, up.Attempted)
}

func TestEscalateSkipsOpenCircuit(t *testing.T) {
	avail := allUp()
	avail.up[models.TierCheap] = false
	r := newTestRouter(avail)

	up, err := r.Escalate(models.TierDecision{Tier: models.TierLocal, ContextTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, models.TierPremium, up.Tier)
}

func TestEscalatePastPremiumFails(t *testing.T) {
	r := newTestRouter(allUp())

	_, err := r.Escalate(models.TierDecision{Tier: models.TierPremium})
	require.Error(t, err)
	ge, ok := gwerr.As(err)
	require.True(t, ok)
	assert.Equal(t, "ladder_exhausted", ge.Code)
}

func TestCompressKeepsSystemAndRecent(t *testing.T) {
	r := New(allUp(), 100, 200, 50000, nil)

	msgs := []models.ChatMessage{
		{Role: "system", Content: "you are terse"},
		{Role: "user", Content: strings.Repeat("old context ", 100)},
		{Role: "assistant", Content: strings.Repeat("old answer ", 100)},
		{Role: "user", Content: "latest question?"},
	}

	out := r.Compress(msgs, models.TierCheap)
	require.NotEmpty(t, out)
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "latest question?", out[len(out)-1].Content)
	assert.LessOrEqual(t, models.EstimateTokens(out), 200)
}

func TestCompressWithinBudgetUntouched(t *testing.T) {
	r := newTestRouter(allUp())

	msgs := []models.ChatMessage{{Role: "user", Content: "short"}}
	assert.Equal(t, msgs, r.Compress(msgs, models.TierPremium))
}

func TestCompressTruncatesBoundary(t *testing.T) {
	r := New(allUp(), 100, 100, 50000, nil)

	msgs := []models.ChatMessage{
		{Role: "user", Content: strings.Repeat("x", 5000)},
	}
	out := r.Compress(msgs, models.TierCheap)
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Content, "truncated for context budget")
	assert.Less(t, len(out[0].Content), 5000)
}
