package embedding

import (
	"sync"
	"time"
)

const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 30 * time.Second
)

// Health is a point-in-time view of a provider's breaker state.
type Health struct {
	Available           bool       `json:"available"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	FailureCount        int64      `json:"failure_count"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
}

// HealthTracker is a per-provider circuit breaker. After threshold
// consecutive failures the provider is skipped until cooldown has passed;
// then one trial call is let through. A success closes the breaker.
type HealthTracker struct {
	mu          sync.Mutex
	threshold   int
	cooldown    time.Duration
	consecutive int
	total       int64
	openedAt    time.Time
	lastFailure time.Time
	trial       bool
	nowFunc     func() time.Time // for testing
}

// NewHealthTracker creates a closed breaker. Non-positive arguments select
// the defaults.
func NewHealthTracker(threshold int, cooldown time.Duration) *HealthTracker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &HealthTracker{
		threshold: threshold,
		cooldown:  cooldown,
		nowFunc:   time.Now,
	}
}

// Allow reports whether a call may be attempted now. Once the cooldown of an
// open breaker has passed, exactly one caller gets true until the outcome of
// that trial is recorded.
func (h *HealthTracker) Allow() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.consecutive < h.threshold {
		return true
	}
	if h.trial || h.nowFunc().Sub(h.openedAt) < h.cooldown {
		return false
	}
	h.trial = true
	return true
}

// RecordSuccess closes the breaker.
func (h *HealthTracker) RecordSuccess() {
	h.mu.Lock()
	h.consecutive = 0
	h.trial = false
	h.mu.Unlock()
}

// RecordFailure counts a failure. Reaching the threshold, or failing a trial
// call, (re)opens the breaker.
func (h *HealthTracker) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.nowFunc()
	h.consecutive++
	h.total++
	h.lastFailure = now
	if h.consecutive >= h.threshold {
		h.openedAt = now
	}
	h.trial = false
}

// Release gives back a call granted by Allow that was never attempted, so
// an open breaker can hand out its trial again.
func (h *HealthTracker) Release() {
	h.mu.Lock()
	h.trial = false
	h.mu.Unlock()
}

// Snapshot returns the current breaker state.
func (h *HealthTracker) Snapshot() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Health{
		ConsecutiveFailures: h.consecutive,
		FailureCount:        h.total,
	}
	if h.total > 0 {
		t := h.lastFailure
		s.LastFailureAt = &t
	}
	open := h.consecutive >= h.threshold
	s.Available = !open || (!h.trial && h.nowFunc().Sub(h.openedAt) >= h.cooldown)
	if open {
		until := h.openedAt.Add(h.cooldown)
		s.CooldownUntil = &until
	}
	return s
}

// SetNowFunc overrides the time source (for testing).
func (h *HealthTracker) SetNowFunc(fn func() time.Time) {
	h.mu.Lock()
	h.nowFunc = fn
	h.mu.Unlock()
}
