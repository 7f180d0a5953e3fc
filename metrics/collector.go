package metrics

import (
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// global + per-provider counters
// =============================================================================

// providerKey formats the breakdown map key exactly as the original does:
// "<provider_id>:<model_id or empty>", trailing colon included when the
// model id is absent.
func providerKey(providerID, modelID string) string {
	return providerID + ":" + modelID
}

// splitProviderKey parses a breakdown key back into (provider_id, model_id).
// A model id is reported only if non-empty.
func splitProviderKey(key string) (providerID string, modelID string, hasModel bool) {
	idx := strings.Index(key, ":")
	if idx < 0 {
		return key, "", false
	}
	providerID = key[:idx]
	modelID = key[idx+1:]
	return providerID, modelID, modelID != ""
}

type counters struct {
	requestsTotal   atomic.Int64
	requestsSuccess atomic.Int64
	requestsFailed  atomic.Int64
	promptTokens    atomic.Int64
	completionTok   atomic.Int64
	latencySumMs    atomic.Int64
	latencyCount    atomic.Int64
	costTotalCents  atomic.Int64 // fixed-point, hundredths of a cent
}

func (c *counters) recordSuccess(promptTokens, completionTokens int, latencyMs int64, costCents float64) {
	c.requestsTotal.Add(1)
	c.requestsSuccess.Add(1)
	c.promptTokens.Add(int64(promptTokens))
	c.completionTok.Add(int64(completionTokens))
	c.latencySumMs.Add(latencyMs)
	c.latencyCount.Add(1)
	c.costTotalCents.Add(int64(math.Round(costCents * 100)))
}

func (c *counters) recordFailure(latencyMs int64) {
	c.requestsTotal.Add(1)
	c.requestsFailed.Add(1)
	c.latencySumMs.Add(latencyMs)
	c.latencyCount.Add(1)
}

// Snapshot is an immutable view of a counters set at a point in time.
type Snapshot struct {
	WindowStartMs    int64
	WindowEndMs      int64
	RequestsTotal    int64
	RequestsSuccess  int64
	RequestsFailed   int64
	PromptTokens     int64
	CompletionTokens int64
	LatencyAvgMs     int64
	CostTotal        float64
}

func (c *counters) snapshot(windowStart, windowEnd int64) Snapshot {
	latencyCount := c.latencyCount.Load()
	var avg int64
	if latencyCount > 0 {
		avg = c.latencySumMs.Load() / latencyCount
	}
	return Snapshot{
		WindowStartMs:    windowStart,
		WindowEndMs:      windowEnd,
		RequestsTotal:    c.requestsTotal.Load(),
		RequestsSuccess:  c.requestsSuccess.Load(),
		RequestsFailed:   c.requestsFailed.Load(),
		PromptTokens:     c.promptTokens.Load(),
		CompletionTokens: c.completionTok.Load(),
		LatencyAvgMs:     avg,
		CostTotal:        float64(c.costTotalCents.Load()) / 100.0,
	}
}

// ProviderMetrics is one entry of the per-(provider, model) breakdown.
type ProviderMetrics struct {
	ProviderID string
	ModelID    string // empty when the breakdown key carries no model
	Snapshot   Snapshot
}

// Collector is the process-wide metrics store. The zero value is not
// usable; construct with NewCollector.
type Collector struct {
	global counters

	mu         sync.RWMutex
	breakdown  map[string]*counters
}

// NewCollector returns a fresh, all-zero Collector.
func NewCollector() *Collector {
	return &Collector{breakdown: make(map[string]*counters)}
}

func (c *Collector) breakdownFor(providerID, modelID string) *counters {
	key := providerKey(providerID, modelID)

	c.mu.RLock()
	entry, ok := c.breakdown[key]
	c.mu.RUnlock()
	if ok {
		return entry
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok = c.breakdown[key]
	if !ok {
		entry = &counters{}
		c.breakdown[key] = entry
	}
	return entry
}

// RecordSuccess records a successful global request.
func (c *Collector) RecordSuccess(promptTokens, completionTokens int, latency time.Duration, costCents float64) {
	c.global.recordSuccess(promptTokens, completionTokens, latency.Milliseconds(), costCents)
}

// RecordSuccessWithBreakdown records a successful request both globally and
// under the (providerID, modelID) breakdown key.
func (c *Collector) RecordSuccessWithBreakdown(providerID, modelID string, promptTokens, completionTokens int, latency time.Duration, costCents float64) {
	c.RecordSuccess(promptTokens, completionTokens, latency, costCents)
	c.breakdownFor(providerID, modelID).recordSuccess(promptTokens, completionTokens, latency.Milliseconds(), costCents)
}

// RecordFailure records a failed global request.
func (c *Collector) RecordFailure(latency time.Duration) {
	c.global.recordFailure(latency.Milliseconds())
}

// RecordFailureWithBreakdown records a failed request both globally and
// under the (providerID, modelID) breakdown key.
func (c *Collector) RecordFailureWithBreakdown(providerID, modelID string, latency time.Duration) {
	c.RecordFailure(latency)
	c.breakdownFor(providerID, modelID).recordFailure(latency.Milliseconds())
}

// Snapshot returns the global counters as of now.
func (c *Collector) Snapshot(windowStartMs, windowEndMs int64) Snapshot {
	return c.global.snapshot(windowStartMs, windowEndMs)
}

// GetProviderMetrics returns the full per-(provider, model) breakdown.
func (c *Collector) GetProviderMetrics(windowStartMs, windowEndMs int64) []ProviderMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ProviderMetrics, 0, len(c.breakdown))
	for key, cnt := range c.breakdown {
		providerID, modelID, hasModel := splitProviderKey(key)
		if !hasModel {
			modelID = ""
		}
		out = append(out, ProviderMetrics{
			ProviderID: providerID,
			ModelID:    modelID,
			Snapshot:   cnt.snapshot(windowStartMs, windowEndMs),
		})
	}
	return out
}

// Reset zeros every counter and clears the breakdown map.
func (c *Collector) Reset() {
	c.global = counters{}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakdown = make(map[string]*counters)
}
