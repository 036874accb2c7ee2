// Package gateway orchestrates the admission pipeline: policy gate, kill
// switch, rate limit, exact and semantic caches, tier routing, budget
// pre-check, provider dispatch with one escalation, ledger commit, and
// cache write-back.
package gateway

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/gateway/pkg/audit"
	"github.com/openclaw/gateway/pkg/budget"
	"github.com/openclaw/gateway/pkg/cache"
	"github.com/openclaw/gateway/pkg/gwerr"
	"github.com/openclaw/gateway/pkg/ledger"
	"github.com/openclaw/gateway/pkg/metrics"
	"github.com/openclaw/gateway/pkg/models"
	"github.com/openclaw/gateway/pkg/policy"
	"github.com/openclaw/gateway/pkg/provider"
	"github.com/openclaw/gateway/pkg/ratelimit"
	"github.com/openclaw/gateway/pkg/router"
)

// Gateway wires the pipeline stages together.
type Gateway struct {
	gate       *policy.Gate
	limiter    *ratelimit.Limiter
	guard      *budget.Guard
	kill       *budget.KillSwitch
	exact      *cache.Exact
	semantic   *cache.Semantic
	router     *router.Router
	dispatcher *provider.Dispatcher
	metrics    *metrics.Collector
	audit      *audit.Logger
	log        *slog.Logger

	now func() time.Time
}

// Deps collects the pipeline stages for construction.
type Deps struct {
	Gate       *policy.Gate
	Limiter    *ratelimit.Limiter
	Guard      *budget.Guard
	Kill       *budget.KillSwitch
	Exact      *cache.Exact
	Semantic   *cache.Semantic
	Router     *router.Router
	Dispatcher *provider.Dispatcher
	Metrics    *metrics.Collector
	Audit      *audit.Logger
	Log        *slog.Logger
}

func New(d Deps) *Gateway {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		gate:       d.Gate,
		limiter:    d.Limiter,
		guard:      d.Guard,
		kill:       d.Kill,
		exact:      d.Exact,
		semantic:   d.Semantic,
		router:     d.Router,
		dispatcher: d.Dispatcher,
		metrics:    d.Metrics,
		audit:      d.Audit,
		log:        log,
		now:        time.Now,
	}
}

func codeOf(err error) string {
	if ge, ok := gwerr.As(err); ok {
		return ge.Code
	}
	return "internal"
}

// Complete runs a chat request through the full pipeline. The caller string
// is the raw API key of the requester; it is hashed before anything durable
// sees it.
func (g *Gateway) Complete(ctx context.Context, caller string, req *models.ChatRequest) (*models.ChatResponse, error) {
	start := g.now()
	requestID := "req_" + uuid.NewString()
	callerHash, callerPrefix := audit.HashAPIKey(caller)

	if len(req.Messages) == 0 {
		err := gwerr.New(gwerr.KindInvalidRequest, "empty_messages", "messages must not be empty")
		g.metrics.Blocked("empty_messages")
		return nil, err
	}
	if req.Stream {
		err := gwerr.New(gwerr.KindInvalidRequest, "streaming_unsupported", "streaming responses are not supported")
		g.metrics.Blocked("streaming_unsupported")
		return nil, err
	}

	reject := func(err error) error {
		code := codeOf(err)
		g.metrics.Blocked(code)
		g.auditEntry(ctx, audit.Entry{
			RequestID:    requestID,
			CallerHash:   callerHash,
			CallerPrefix: callerPrefix,
			StatusCode:   gwerr.KindOf(err).HTTPStatus(),
			LatencyMs:    time.Since(start).Milliseconds(),
			Reason:       code,
		})
		return err
	}

	if g.gate != nil {
		var full strings.Builder
		for _, m := range req.Messages {
			full.WriteString(m.Content)
			full.WriteString("\n")
		}
		if err := g.gate.CheckErr(full.String()); err != nil {
			return nil, reject(err)
		}
	}

	if err := g.kill.Check(); err != nil {
		return nil, reject(err)
	}

	estimated := models.EstimateTokens(req.Messages)
	if g.limiter != nil {
		if err := g.limiter.Admit(caller, estimated); err != nil {
			return nil, reject(err)
		}
	}

	if resp, ok := g.lookupExact(ctx, req, requestID, callerHash, callerPrefix, start); ok {
		return resp, nil
	}
	if resp, ok := g.lookupSemantic(ctx, req, requestID, callerHash, callerPrefix, start); ok {
		return resp, nil
	}

	level, err := g.guard.Level(ctx)
	if err != nil {
		g.log.Warn("budget level unavailable, assuming normal", "error", err)
		level = budget.LevelNormal
	}

	decision, err := g.router.Route(req, level)
	if err != nil {
		return nil, reject(err)
	}
	if _, err := g.guard.PreCheck(ctx, decision.EstimatedCost); err != nil {
		return nil, reject(err)
	}

	// The billable call and its commit must finish even if the client
	// disconnects; otherwise real spend would go unrecorded.
	billCtx := context.WithoutCancel(ctx)

	resp, decision, escalated, err := g.dispatch(billCtx, req, decision)
	if err != nil {
		g.metrics.Error()
		g.auditEntry(billCtx, audit.Entry{
			RequestID:    requestID,
			CallerHash:   callerHash,
			CallerPrefix: callerPrefix,
			Tier:         string(decision.Tier),
			StatusCode:   gwerr.KindOf(err).HTTPStatus(),
			LatencyMs:    time.Since(start).Milliseconds(),
			Reason:       codeOf(err),
		})
		return nil, err
	}

	prov, _ := g.dispatcher.Provider(decision.Tier)
	provName := ""
	if prov != nil {
		provName = prov.Name()
	}

	cost := provider.Cost(decision.Tier, resp.Model, resp.Usage)
	tx := ledger.Transaction{
		RequestID:        requestID,
		Caller:           callerHash,
		Tier:             decision.Tier,
		Provider:         provName,
		Model:            resp.Model,
		Cost:             cost,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if err := g.guard.Commit(billCtx, tx); err != nil {
		// The caller still gets their response; the discrepancy hook has
		// already recorded the missed charge.
		g.log.Error("ledger commit failed", "request_id", requestID, "error", err)
	}
	if g.limiter != nil {
		g.limiter.Record(caller, resp.Usage.TotalTokens-estimated)
	}

	g.writeBack(billCtx, req, resp, decision.Tier, provName)

	latency := time.Since(start)
	g.metrics.Request(decision.Tier, models.CacheHitNone, cost, latency)
	if escalated {
		g.metrics.Escalated()
	}

	resp.Meta = &models.GatewayMeta{
		RequestID: requestID,
		Tier:      string(decision.Tier),
		Provider:  provName,
		CacheHit:  models.CacheHitNone,
		CostUSD:   cost,
		LatencyMs: latency.Milliseconds(),
		Reason:    decision.Reason,
		Escalated: escalated,
	}

	g.auditEntry(billCtx, audit.Entry{
		RequestID:    requestID,
		CallerHash:   callerHash,
		CallerPrefix: callerPrefix,
		Tier:         string(decision.Tier),
		Provider:     provName,
		Model:        resp.Model,
		CacheHit:     string(models.CacheHitNone),
		CostUSD:      cost,
		PromptTokens: resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		StatusCode:   200,
		LatencyMs:    latency.Milliseconds(),
		Reason:       decision.Reason,
	})
	return resp, nil
}

// dispatch sends the request to the chosen tier, escalating one step on a
// transient failure. Escalation repeats the budget pre-check at the new
// tier's estimated cost.
func (g *Gateway) dispatch(ctx context.Context, req *models.ChatRequest, decision models.TierDecision) (*models.ChatResponse, models.TierDecision, bool, error) {
	resp, err := g.tryTier(ctx, req, decision.Tier)
	if err == nil {
		return resp, decision, false, nil
	}
	if !gwerr.IsTransient(err) {
		return nil, decision, false, err
	}

	next, eerr := g.router.Escalate(decision)
	if eerr != nil {
		return nil, decision, false, err
	}
	if _, perr := g.guard.PreCheck(ctx, next.EstimatedCost); perr != nil {
		return nil, decision, false, perr
	}
	g.log.Warn("escalating after transient failure",
		"from", decision.Tier, "to", next.Tier, "error", err)

	resp, err = g.tryTier(ctx, req, next.Tier)
	if err != nil {
		return nil, next, true, err
	}
	return resp, next, true, nil
}

// tryTier compresses the conversation to the tier's context budget and
// dispatches. The original request is never mutated.
func (g *Gateway) tryTier(ctx context.Context, req *models.ChatRequest, tier models.Tier) (*models.ChatResponse, error) {
	send := *req
	send.Messages = g.router.Compress(req.Messages, tier)
	return g.dispatcher.Complete(ctx, tier, &send)
}

func (g *Gateway) lookupExact(ctx context.Context, req *models.ChatRequest, requestID, callerHash, callerPrefix string, start time.Time) (*models.ChatResponse, bool) {
	if g.exact == nil {
		return nil, false
	}
	entry, ok, err := g.exact.Lookup(ctx, req)
	if err != nil {
		g.log.Warn("exact cache lookup failed", "error", err, "code", codeOf(err))
	}
	if !ok || !g.dispatcher.Available(entry.Tier) {
		return nil, false
	}
	return g.serveHit(ctx, entry, models.CacheHitExact, 0, requestID, callerHash, callerPrefix, start), true
}

func (g *Gateway) lookupSemantic(ctx context.Context, req *models.ChatRequest, requestID, callerHash, callerPrefix string, start time.Time) (*models.ChatResponse, bool) {
	if g.semantic == nil {
		return nil, false
	}
	hit, ok, err := g.semantic.Lookup(ctx, req)
	if err != nil {
		g.log.Warn("semantic cache lookup failed", "error", err, "code", codeOf(err))
	}
	if !ok || !g.dispatcher.Available(hit.Entry.Tier) {
		return nil, false
	}
	return g.serveHit(ctx, &hit.Entry, models.CacheHitSemantic, hit.Similarity, requestID, callerHash, callerPrefix, start), true
}

func (g *Gateway) serveHit(ctx context.Context, entry *cache.Entry, kind models.CacheHit, similarity float64, requestID, callerHash, callerPrefix string, start time.Time) *models.ChatResponse {
	if err := g.guard.RecordCacheHit(ctx); err != nil {
		g.log.Warn("cache hit ledger update failed", "error", err)
	}
	latency := time.Since(start)
	g.metrics.Request(entry.Tier, kind, 0, latency)

	resp := entry.Response
	resp.Meta = &models.GatewayMeta{
		RequestID:  requestID,
		Tier:       string(entry.Tier),
		Provider:   entry.Provider,
		CacheHit:   kind,
		Similarity: similarity,
		CostUSD:    0,
		LatencyMs:  latency.Milliseconds(),
		Reason:     string(kind) + " cache hit",
	}

	g.auditEntry(ctx, audit.Entry{
		RequestID:    requestID,
		CallerHash:   callerHash,
		CallerPrefix: callerPrefix,
		Tier:         string(entry.Tier),
		Provider:     entry.Provider,
		Model:        entry.Model,
		CacheHit:     string(kind),
		StatusCode:   200,
		LatencyMs:    latency.Milliseconds(),
		Reason:       string(kind) + " cache hit",
	})
	return &resp
}

// writeBack stores a fresh provider response in both caches. Failures are
// logged and otherwise ignored; the caller already has the response.
func (g *Gateway) writeBack(ctx context.Context, req *models.ChatRequest, resp *models.ChatResponse, tier models.Tier, provName string) {
	stored := *resp
	stored.Meta = nil
	entry := &cache.Entry{
		Response: stored,
		Usage:    resp.Usage,
		Tier:     tier,
		Provider: provName,
		Model:    resp.Model,
	}
	if g.exact != nil {
		if err := g.exact.Store(ctx, req, entry); err != nil {
			g.log.Warn("exact cache store failed", "error", err)
		}
	}
	if g.semantic != nil {
		if err := g.semantic.Store(ctx, req, entry); err != nil {
			g.log.Warn("semantic cache store failed", "error", err)
		}
	}
}

func (g *Gateway) auditEntry(ctx context.Context, e audit.Entry) {
	if err := g.audit.Log(ctx, e); err != nil {
		g.log.Warn("audit write failed", "request_id", e.RequestID, "error", err)
	}
}
