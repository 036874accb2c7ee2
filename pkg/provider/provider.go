// Package provider defines the uniform completion contract over the three
// backend tiers and the dispatcher that adds timeouts, retries, pacing, and
// circuit breaking on top of it.
package provider

import (
	"context"
	"strings"

	"github.com/openclaw/gateway/pkg/models"
)

// Provider is one upstream backend. All variants expose the same request and
// response shape so the router stays tier-agnostic.
type Provider interface {
	Name() string
	Tier() models.Tier
	Complete(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error)
}

// Cost converts provider-reported usage into USD. Anthropic models price
// cache reads at a tenth of regular input; everything else uses a flat
// blended rate. Local inference is free.
func Cost(tier models.Tier, model string, usage models.Usage) float64 {
	if tier == models.TierLocal {
		return 0
	}
	if strings.Contains(strings.ToLower(model), "claude") {
		regular := usage.PromptTokens - usage.CacheReadInputTokens
		if regular < 0 {
			regular = 0
		}
		return float64(regular)/1e6*3.0 +
			float64(usage.CacheReadInputTokens)/1e6*0.30 +
			float64(usage.CompletionTokens)/1e6*15.0
	}
	return float64(usage.PromptTokens+usage.CompletionTokens) / 1e6 * 0.05
}

// EstimateCost projects the cost of a request before dispatch, assuming a
// typical completion roughly half the prompt size.
func EstimateCost(tier models.Tier, promptTokens int) float64 {
	completion := promptTokens / 2
	switch tier {
	case models.TierLocal:
		return 0
	case models.TierPremium:
		return float64(promptTokens)/1e6*3.0 + float64(completion)/1e6*15.0
	default:
		return float64(promptTokens+completion) / 1e6 * 0.05
	}
}
