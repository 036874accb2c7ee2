package models

import (
	"fmt"
	"strings"
	"time"
)

// Tier is a cost/capability class of backend.
type Tier string

const (
	TierLocal   Tier = "local"
	TierCheap   Tier = "cheap"
	TierPremium Tier = "premium"
)

// Ladder is the escalation order from cheapest to most capable.
var Ladder = []Tier{TierLocal, TierCheap, TierPremium}

// ParseTier converts a user-supplied tier name to a Tier.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierLocal:
		return TierLocal, nil
	case TierCheap:
		return TierCheap, nil
	case TierPremium:
		return TierPremium, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Next returns the tier one step up the cost ladder. The second return is
// false when already at the top.
func (t Tier) Next() (Tier, bool) {
	switch t {
	case TierLocal:
		return TierCheap, true
	case TierCheap:
		return TierPremium, true
	}
	return t, false
}

// TierDecision is the immutable outcome of routing a single request.
type TierDecision struct {
	Tier          Tier    `json:"tier"`
	Reason        string  `json:"reason"`
	Confidence    float64 `json:"confidence"`
	EstimatedCost float64 `json:"estimated_cost"`
	ContextTokens int     `json:"context_tokens"`
	Attempted     []Tier  `json:"attempted,omitempty"`
}

// KillState is the persisted kill-switch state.
type KillState struct {
	Enabled     bool      `json:"enabled"`
	Actor       string    `json:"actor,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

// DayTotals is one day's row in the budget ledger.
type DayTotals struct {
	Date         string  `json:"date"`
	TotalCost    float64 `json:"total_cost"`
	RequestCount int64   `json:"request_count"`
	LocalCost    float64 `json:"local_cost"`
	CheapCost    float64 `json:"cheap_cost"`
	PremiumCost  float64 `json:"premium_cost"`
	TotalTokens  int64   `json:"total_tokens"`
	CacheHits    int64   `json:"cache_hits"`
}

// BudgetStatus is the payload served by /api/budget.
type BudgetStatus struct {
	Date       string             `json:"date"`
	DailySpent float64            `json:"daily_spent"`
	Level      string             `json:"level"`
	Limits     map[string]float64 `json:"limits"`
	Remaining  float64            `json:"remaining"`
	RequestCnt int64              `json:"request_count"`
	CacheHits  int64              `json:"cache_hits"`
	KillSwitch KillState          `json:"kill_switch"`
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}
