// Package router decides which tier serves a request: the free local model,
// the cheap hosted tier, or the premium tier. It owns the escalation ladder
// used when a chosen tier fails.
package router

import (
	"log/slog"
	"strings"

	"github.com/openclaw/gateway/pkg/budget"
	"github.com/openclaw/gateway/pkg/gwerr"
	"github.com/openclaw/gateway/pkg/models"
	"github.com/openclaw/gateway/pkg/provider"
)

// Availability reports which tiers can currently take traffic.
type Availability interface {
	Available(tier models.Tier) bool
}

// Router picks a tier from request features, forced overrides, budget
// pressure, and circuit state.
type Router struct {
	avail Availability

	localMaxTokens       int
	contextBudgetCheap   int
	contextBudgetPremium int

	log *slog.Logger
}

// New creates a Router.
func New(avail Availability, localMaxTokens, contextBudgetCheap, contextBudgetPremium int, log *slog.Logger) *Router {
	return &Router{
		avail:                avail,
		localMaxTokens:       localMaxTokens,
		contextBudgetCheap:   contextBudgetCheap,
		contextBudgetPremium: contextBudgetPremium,
		log:                  log,
	}
}

var premiumIndicators = []string{
	"refactor", "debug", "implement", "architecture", "design pattern",
	"optimize", "review", "analyze", "complete", "full", "entire",
}

var cheapIndicators = []string{
	"what is", "explain", "definition", "example", "syntax", "how to write",
}

// Route picks the serving tier. A forced tier is honored or rejected, never
// silently substituted. Without an override, a complexity heuristic chooses,
// preferring the free local tier for prompts it can handle. Budget pressure
// at or past the medium level degrades heuristic premium picks to cheap;
// explicit overrides stay honored.
func (r *Router) Route(req *models.ChatRequest, level budget.Level) (models.TierDecision, error) {
	promptTokens := models.EstimateTokens(req.Messages)

	if req.ForceTier != "" {
		tier, err := models.ParseTier(req.ForceTier)
		if err != nil {
			return models.TierDecision{}, gwerr.Wrap(gwerr.KindInvalidRequest, "bad_force_tier", err, "unknown tier %q", req.ForceTier)
		}
		if !r.avail.Available(tier) {
			return models.TierDecision{}, gwerr.New(gwerr.KindTierUnavailable, "forced_tier_unavailable",
				"forced tier %s is unavailable", tier)
		}
		if tier == models.TierPremium && level.AtLeast(budget.LevelMedium) && r.log != nil {
			r.log.Warn("forced premium under budget pressure", "level", string(level))
		}
		return r.decision(tier, "forced tier", 1.0, promptTokens, nil), nil
	}

	tier, reason, confidence := r.classify(req, promptTokens)

	if tier == models.TierPremium && level.AtLeast(budget.LevelMedium) {
		tier = models.TierCheap
		reason = "premium degraded by budget pressure"
		if r.log != nil {
			r.log.Info("routing degraded", "level", string(level))
		}
	}

	// Skip unavailable tiers up the ladder; never substitute downward.
	attempted := []models.Tier{}
	for {
		if r.avail.Available(tier) {
			break
		}
		attempted = append(attempted, tier)
		next, ok := tier.Next()
		if !ok {
			return models.TierDecision{}, gwerr.New(gwerr.KindTierUnavailable, "no_tier_available",
				"no tier available to serve the request")
		}
		tier = next
		reason = reason + "; escalated past unavailable tier"
	}

	return r.decision(tier, reason, confidence, promptTokens, attempted), nil
}

func (r *Router) classify(req *models.ChatRequest, promptTokens int) (models.Tier, string, float64) {
	query := strings.ToLower(strings.TrimSpace(req.LastUserContent()))

	for _, ind := range premiumIndicators {
		if strings.Contains(query, ind) {
			return models.TierPremium, "complexity indicators present", 0.85
		}
	}

	if r.avail.Available(models.TierLocal) && promptTokens <= r.localMaxTokens {
		return models.TierLocal, "prompt fits local tier", 0.7
	}

	for _, ind := range cheapIndicators {
		if strings.Contains(query, ind) {
			return models.TierCheap, "simple explanation request", 0.85
		}
	}

	return models.TierCheap, "default tier", 0.5
}

func (r *Router) decision(tier models.Tier, reason string, confidence float64, promptTokens int, attempted []models.Tier) models.TierDecision {
	return models.TierDecision{
		Tier:          tier,
		Reason:        reason,
		Confidence:    confidence,
		EstimatedCost: provider.EstimateCost(tier, promptTokens),
		ContextTokens: promptTokens,
		Attempted:     append(attempted, tier),
	}
}

// Escalate moves one step up the cost ladder after a transient failure. It
// never de-escalates and never loops past premium. The caller re-runs the
// budget pre-check with the new estimate before dispatching.
func (r *Router) Escalate(d models.TierDecision) (models.TierDecision, error) {
	tier := d.Tier
	for {
		next, ok := tier.Next()
		if !ok {
			return models.TierDecision{}, gwerr.New(gwerr.KindTierUnavailable, "ladder_exhausted",
				"no higher tier to escalate to")
		}
		tier = next
		if r.avail.Available(tier) {
			break
		}
	}

	return models.TierDecision{
		Tier:          tier,
		Reason:        "escalated after transient failure",
		Confidence:    d.Confidence,
		EstimatedCost: provider.EstimateCost(tier, d.ContextTokens),
		ContextTokens: d.ContextTokens,
		Attempted:     append(d.Attempted, tier),
	}, nil
}

// ContextBudget returns the prompt-token budget for a tier.
func (r *Router) ContextBudget(tier models.Tier) int {
	switch tier {
	case models.TierPremium:
		return r.contextBudgetPremium
	case models.TierCheap:
		return r.contextBudgetCheap
	default:
		return r.localMaxTokens
	}
}

const truncationMarker = "\n\n[... truncated for context budget ...]"

// Compress fits messages into the tier's context budget: system messages
// are always kept, then the most recent messages that fit, with the
// boundary message truncated rather than dropped.
func (r *Router) Compress(messages []models.ChatMessage, tier models.Tier) []models.ChatMessage {
	limit := r.ContextBudget(tier)
	if limit <= 0 || models.EstimateTokens(messages) <= limit {
		return messages
	}

	var system, rest []models.ChatMessage
	for _, m := range messages {
		if strings.EqualFold(m.Role, "system") {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	remaining := limit - models.EstimateTokens(system)
	var kept []models.ChatMessage
	for i := len(rest) - 1; i >= 0; i-- {
		m := rest[i]
		tokens := models.EstimateTokens([]models.ChatMessage{m})
		if tokens <= remaining {
			kept = append([]models.ChatMessage{m}, kept...)
			remaining -= tokens
			continue
		}
		if t, ok := truncate(m, remaining); ok {
			kept = append([]models.ChatMessage{t}, kept...)
		}
		break
	}

	out := append([]models.ChatMessage{}, system...)
	out = append(out, kept...)
	if r.log != nil {
		r.log.Info("compressed context",
			"before", models.EstimateTokens(messages),
			"after", models.EstimateTokens(out),
			"tier", string(tier))
	}
	return out
}

// truncate trims a message's content to roughly maxTokens. Returns false
// when the budget is too small to keep anything meaningful.
func truncate(m models.ChatMessage, maxTokens int) (models.ChatMessage, bool) {
	// Leave room for the per-message overhead the token estimate charges.
	maxChars := (maxTokens - 4) * 4
	if maxChars <= len(truncationMarker)+50 {
		return models.ChatMessage{}, false
	}
	if len(m.Content) <= maxChars {
		return m, true
	}
	return models.ChatMessage{
		Role:    m.Role,
		Content: m.Content[:maxChars-len(truncationMarker)] + truncationMarker,
	}, true
}
