// Package budget enforces daily spend thresholds against the ledger and
// owns the kill switch that halts all spend.
package budget

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openclaw/gateway/pkg/gwerr"
	"github.com/openclaw/gateway/pkg/ledger"
	"github.com/openclaw/gateway/pkg/models"
)

// Level classifies the current day's spend against the thresholds.
type Level string

const (
	LevelNormal Level = "normal"
	LevelSoft   Level = "soft"
	LevelMedium Level = "medium"
	LevelHard   Level = "hard"
)

var levelRank = map[Level]int{
	LevelNormal: 0,
	LevelSoft:   1,
	LevelMedium: 2,
	LevelHard:   3,
}

// AtLeast orders levels by severity.
func (l Level) AtLeast(other Level) bool {
	return levelRank[l] >= levelRank[other]
}

// Decision is the outcome of a pre-check.
type Decision struct {
	Allowed    bool
	Level      Level
	Reason     string
	DailySpent float64
	Limit      float64
}

// Guard applies soft/medium/hard daily thresholds. Only the hard limit
// blocks; soft and medium proceed with warnings and let the router degrade
// tier selection. Crossing the hard limit trips the kill switch.
type Guard struct {
	soft   float64
	medium float64
	hard   float64

	store *ledger.Store
	kill  *KillSwitch
	log   *slog.Logger

	// onDiscrepancy is notified when a commit fails after a provider call,
	// meaning the ledger undercounts real spend until reconciled.
	onDiscrepancy func(ctx context.Context, t ledger.Transaction, commitErr error)
}

// NewGuard creates a Guard over the ledger store.
func NewGuard(soft, medium, hard float64, store *ledger.Store, kill *KillSwitch, log *slog.Logger) *Guard {
	return &Guard{
		soft:   soft,
		medium: medium,
		hard:   hard,
		store:  store,
		kill:   kill,
		log:    log,
	}
}

// OnDiscrepancy registers a callback for failed commits.
func (g *Guard) OnDiscrepancy(fn func(ctx context.Context, t ledger.Transaction, commitErr error)) {
	g.onDiscrepancy = fn
}

// PreCheck evaluates today's spend plus the new request's estimate. Two
// concurrent pre-checks may both pass against a near-threshold total; the
// hard limit is a high-water mark, not a strict ceiling.
func (g *Guard) PreCheck(ctx context.Context, estimatedCost float64) (Decision, error) {
	if err := g.kill.Check(); err != nil {
		return Decision{Level: LevelHard, Reason: "kill switch active"}, err
	}

	spent, err := g.store.DailySpend(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("budget pre-check: %w", err)
	}
	projected := spent + estimatedCost

	// Thresholds are inclusive: a projected total landing exactly on a
	// limit crosses it.
	switch {
	case projected >= g.hard:
		d := Decision{
			Level:      LevelHard,
			Reason:     fmt.Sprintf("daily budget exceeded ($%.2f/$%.2f)", spent, g.hard),
			DailySpent: spent,
			Limit:      g.hard,
		}
		// Budget exhaustion halts spend until an operator intervenes.
		if kerr := g.kill.Enable(ctx, "budget", d.Reason); kerr != nil && g.log != nil {
			g.log.Error("failed to trip kill switch", "error", kerr)
		}
		return d, gwerr.New(gwerr.KindBudgetExceeded, "daily_hard_limit", "%s", d.Reason)

	case projected >= g.medium:
		if g.log != nil {
			g.log.Warn("budget medium threshold crossed", "spent", spent, "limit", g.medium)
		}
		return Decision{Allowed: true, Level: LevelMedium,
			Reason:     fmt.Sprintf("over medium threshold ($%.2f/$%.2f)", spent, g.medium),
			DailySpent: spent, Limit: g.medium}, nil

	case projected >= g.soft:
		if g.log != nil {
			g.log.Warn("budget soft threshold crossed", "spent", spent, "limit", g.soft)
		}
		return Decision{Allowed: true, Level: LevelSoft,
			Reason:     fmt.Sprintf("approaching limit ($%.2f/$%.2f)", spent, g.soft),
			DailySpent: spent, Limit: g.soft}, nil
	}

	return Decision{Allowed: true, Level: LevelNormal, Reason: "within budget",
		DailySpent: spent, Limit: g.hard}, nil
}

// Commit charges the actual cost of a completed provider call. A failed
// commit is surfaced to the discrepancy callback instead of retrying the
// provider call; the caller already has its response.
func (g *Guard) Commit(ctx context.Context, t ledger.Transaction) error {
	if err := g.store.AddSpend(ctx, t); err != nil {
		if g.log != nil {
			g.log.Error("ledger commit failed", "request_id", t.RequestID, "cost", t.Cost, "error", err)
		}
		if g.onDiscrepancy != nil {
			g.onDiscrepancy(ctx, t, err)
		}
		return fmt.Errorf("commit spend: %w", err)
	}
	return nil
}

// RecordCacheHit counts a zero-cost cache hit.
func (g *Guard) RecordCacheHit(ctx context.Context) error {
	return g.store.RecordCacheHit(ctx)
}

// Status assembles the current day's budget view.
func (g *Guard) Status(ctx context.Context) (models.BudgetStatus, error) {
	totals, err := g.store.Totals(ctx)
	if err != nil {
		return models.BudgetStatus{}, err
	}

	level := LevelNormal
	switch {
	case totals.TotalCost >= g.hard:
		level = LevelHard
	case totals.TotalCost >= g.medium:
		level = LevelMedium
	case totals.TotalCost >= g.soft:
		level = LevelSoft
	}

	remaining := g.hard - totals.TotalCost
	if remaining < 0 {
		remaining = 0
	}

	return models.BudgetStatus{
		Date:       totals.Date,
		DailySpent: totals.TotalCost,
		Level:      string(level),
		Limits: map[string]float64{
			"soft":   g.soft,
			"medium": g.medium,
			"hard":   g.hard,
		},
		Remaining:  remaining,
		RequestCnt: totals.RequestCount,
		CacheHits:  totals.CacheHits,
		KillSwitch: g.kill.State(),
	}, nil
}

// Level reports the current spend level without an estimate, used by the
// router to degrade tier selection.
func (g *Guard) Level(ctx context.Context) (Level, error) {
	spent, err := g.store.DailySpend(ctx)
	if err != nil {
		return LevelNormal, fmt.Errorf("budget level: %w", err)
	}
	switch {
	case spent >= g.hard:
		return LevelHard, nil
	case spent >= g.medium:
		return LevelMedium, nil
	case spent >= g.soft:
		return LevelSoft, nil
	}
	return LevelNormal, nil
}
