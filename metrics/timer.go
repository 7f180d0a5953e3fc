package metrics

import (
	"sync/atomic"
	"time"
)

// RequestTimer is the idiomatic Go stand-in for the original's RAII guard:
// Rust's Drop impl records a failure if the timer goes out of scope without
// an explicit Success/Failure call. Go has no destructors, so callers must
// defer FailIfUnresolved immediately after NewTimer; Success marks the
// timer resolved so the deferred call becomes a no-op.
//
//	timer := collector.NewTimer()
//	defer timer.FailIfUnresolved()
//	...
//	timer.Success(promptTokens, completionTokens, costCents)
type RequestTimer struct {
	start      time.Time
	collector  *Collector
	providerID string
	modelID    string
	resolved   atomic.Bool
}

// NewTimer starts a scoped timer recording against the global counters only.
func (c *Collector) NewTimer() *RequestTimer {
	return &RequestTimer{start: time.Now(), collector: c}
}

// NewTimerWithBreakdown starts a scoped timer that also records against the
// (providerID, modelID) breakdown key.
func (c *Collector) NewTimerWithBreakdown(providerID, modelID string) *RequestTimer {
	return &RequestTimer{start: time.Now(), collector: c, providerID: providerID, modelID: modelID}
}

// Success resolves the timer as a success. A no-op if already resolved.
func (t *RequestTimer) Success(promptTokens, completionTokens int, costCents float64) {
	if !t.resolved.CompareAndSwap(false, true) {
		return
	}
	elapsed := time.Since(t.start)
	if t.providerID != "" {
		t.collector.RecordSuccessWithBreakdown(t.providerID, t.modelID, promptTokens, completionTokens, elapsed, costCents)
	} else {
		t.collector.RecordSuccess(promptTokens, completionTokens, elapsed, costCents)
	}
}

// Failure resolves the timer as a failure. A no-op if already resolved.
func (t *RequestTimer) Failure() {
	if !t.resolved.CompareAndSwap(false, true) {
		return
	}
	elapsed := time.Since(t.start)
	if t.providerID != "" {
		t.collector.RecordFailureWithBreakdown(t.providerID, t.modelID, elapsed)
	} else {
		t.collector.RecordFailure(elapsed)
	}
}

// FailIfUnresolved records a failure unless Success or Failure already ran.
// Intended to be deferred right after the timer is created.
func (t *RequestTimer) FailIfUnresolved() {
	t.Failure()
}
