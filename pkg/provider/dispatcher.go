package provider

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/openclaw/gateway/pkg/gwerr"
	"github.com/openclaw/gateway/pkg/models"
)

// Dispatcher wraps the per-tier providers with timeouts, transient-only
// retries, outbound pacing, and circuit breaking. Policy and budget errors
// never reach it, so everything it retries is a network-shaped failure.
type Dispatcher struct {
	providers map[models.Tier]Provider
	breakers  map[models.Tier]*Breaker

	timeout    time.Duration
	maxRetries int
	pacer      *rate.Limiter

	log *slog.Logger
}

// NewDispatcher wires the available providers. paceRPS throttles outbound
// calls across all tiers; zero disables pacing.
func NewDispatcher(providers []Provider, timeout time.Duration, maxRetries int, paceRPS float64, log *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		providers:  make(map[models.Tier]Provider),
		breakers:   make(map[models.Tier]*Breaker),
		timeout:    timeout,
		maxRetries: maxRetries,
		log:        log,
	}
	for _, p := range providers {
		d.providers[p.Tier()] = p
		d.breakers[p.Tier()] = NewBreaker(5, 30*time.Second, 60*time.Second)
	}
	if paceRPS > 0 {
		d.pacer = rate.NewLimiter(rate.Limit(paceRPS), int(paceRPS)+1)
	}
	return d
}

// Available reports whether the tier has a provider with a closed circuit.
func (d *Dispatcher) Available(tier models.Tier) bool {
	p, ok := d.providers[tier]
	if !ok || p == nil {
		return false
	}
	return d.breakers[tier].Healthy()
}

// Provider returns the adapter serving a tier, if any.
func (d *Dispatcher) Provider(tier models.Tier) (Provider, bool) {
	p, ok := d.providers[tier]
	return p, ok
}

// Complete dispatches to the tier's provider. Transient failures retry up to
// the configured count with a short backoff; fatal failures return
// immediately. Repeated failures open the tier's circuit.
func (d *Dispatcher) Complete(ctx context.Context, tier models.Tier, req *models.ChatRequest) (*models.ChatResponse, error) {
	p, ok := d.providers[tier]
	if !ok {
		return nil, gwerr.New(gwerr.KindTierUnavailable, "tier_disabled", "no provider for tier %s", tier)
	}
	br := d.breakers[tier]
	if !br.Healthy() {
		return nil, gwerr.New(gwerr.KindTierUnavailable, "circuit_open", "provider %s is cooling down", p.Name())
	}

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		if d.pacer != nil {
			if err := d.pacer.Wait(ctx); err != nil {
				return nil, err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		resp, err := p.Complete(callCtx, req)
		cancel()

		if err == nil {
			br.Success()
			return resp, nil
		}
		lastErr = err

		// Client-shaped failures say nothing about provider health, so
		// only transient errors count toward opening the circuit.
		if !gwerr.IsTransient(err) {
			break
		}
		br.Failure()
		if d.log != nil {
			d.log.Warn("provider call failed, retrying",
				"provider", p.Name(),
				"attempt", attempt+1,
				"error", err)
		}
	}
	return nil, lastErr
}
