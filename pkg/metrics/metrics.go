// Package metrics aggregates in-process request counters for /api/metrics.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/openclaw/gateway/pkg/models"
)

// latencyWindow bounds how many recent samples feed the percentiles.
const latencyWindow = 2048

// Collector accumulates counters across concurrent requests.
type Collector struct {
	mu sync.Mutex

	requests int64
	errors   int64

	cacheExact    int64
	cacheSemantic int64
	cacheMiss     int64

	tiers   map[models.Tier]int64
	blocked map[string]int64

	escalations int64
	totalCost   float64

	latencies []time.Duration
	next      int
	filled    bool

	started time.Time
}

// New creates a Collector.
func New() *Collector {
	return &Collector{
		tiers:     make(map[models.Tier]int64),
		blocked:   make(map[string]int64),
		latencies: make([]time.Duration, latencyWindow),
		started:   time.Now(),
	}
}

// Request records a completed request with its serving tier, cache outcome,
// cost, and latency.
func (c *Collector) Request(tier models.Tier, hit models.CacheHit, cost float64, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests++
	c.totalCost += cost
	switch hit {
	case models.CacheHitExact:
		c.cacheExact++
	case models.CacheHitSemantic:
		c.cacheSemantic++
	default:
		c.cacheMiss++
		c.tiers[tier]++
	}

	c.latencies[c.next] = latency
	c.next++
	if c.next == len(c.latencies) {
		c.next = 0
		c.filled = true
	}
}

// Blocked records a rejected request by reason code.
func (c *Collector) Blocked(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
	c.blocked[code]++
}

// Error records a request that failed after admission.
func (c *Collector) Error() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
	c.errors++
}

// Escalated counts a mid-request tier escalation.
func (c *Collector) Escalated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.escalations++
}

// Summary is the aggregate view served by /api/metrics.
type Summary struct {
	Requests      int64            `json:"requests"`
	Errors        int64            `json:"errors"`
	Escalations   int64            `json:"escalations"`
	TotalCostUSD  float64          `json:"total_cost_usd"`
	CacheExact    int64            `json:"cache_hits_exact"`
	CacheSemantic int64            `json:"cache_hits_semantic"`
	CacheMisses   int64            `json:"cache_misses"`
	CacheHitRate  float64          `json:"cache_hit_rate"`
	Tiers         map[string]int64 `json:"tier_distribution"`
	Blocked       map[string]int64 `json:"blocked"`
	LatencyAvgMs  float64          `json:"latency_avg_ms"`
	LatencyP50Ms  float64          `json:"latency_p50_ms"`
	LatencyP95Ms  float64          `json:"latency_p95_ms"`
	LatencyP99Ms  float64          `json:"latency_p99_ms"`
	UptimeSeconds float64          `json:"uptime_seconds"`
}

// Snapshot computes the current summary.
func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		Requests:      c.requests,
		Errors:        c.errors,
		Escalations:   c.escalations,
		TotalCostUSD:  c.totalCost,
		CacheExact:    c.cacheExact,
		CacheSemantic: c.cacheSemantic,
		CacheMisses:   c.cacheMiss,
		Tiers:         make(map[string]int64, len(c.tiers)),
		Blocked:       make(map[string]int64, len(c.blocked)),
		UptimeSeconds: time.Since(c.started).Seconds(),
	}
	for t, n := range c.tiers {
		s.Tiers[string(t)] = n
	}
	for code, n := range c.blocked {
		s.Blocked[code] = n
	}

	lookups := c.cacheExact + c.cacheSemantic + c.cacheMiss
	if lookups > 0 {
		s.CacheHitRate = float64(c.cacheExact+c.cacheSemantic) / float64(lookups)
	}

	n := c.next
	if c.filled {
		n = len(c.latencies)
	}
	if n == 0 {
		return s
	}

	samples := make([]time.Duration, n)
	copy(samples, c.latencies[:n])
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	s.LatencyAvgMs = float64(sum.Milliseconds()) / float64(n)
	s.LatencyP50Ms = float64(percentile(samples, 0.50).Milliseconds())
	s.LatencyP95Ms = float64(percentile(samples, 0.95).Milliseconds())
	s.LatencyP99Ms = float64(percentile(samples, 0.99).Milliseconds())
	return s
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
