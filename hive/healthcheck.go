// SPDX-License-Identifier: Apache-2.0
// Peer health tracking used by the session layer: an exponentially
// weighted moving average of round-trip time plus a miss counter that
// drives exponential backoff before a peer is marked unreachable.
package hive

import (
	"sync"
	"time"
)

// HealthChecker scores one peer's liveness from ping/pong round trips.
type HealthChecker struct {
	mu        sync.Mutex
	alpha     float64
	rttEWMA   time.Duration
	misses    int
	maxMisses int
	maxRTT    time.Duration
	backoff   time.Duration
	maxBackoff time.Duration
}

// NewHealthChecker returns a checker with sane defaults: 3 consecutive misses
// before the peer counts as unreachable, and a backoff starting at 1s that
// doubles on every miss up to 2m. maxRTT (30s) is stored but no sample is
// compared against it.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		alpha:      0.2,
		maxMisses:  3,
		maxRTT:     30 * time.Second,
		backoff:    1 * time.Second,
		maxBackoff: 2 * time.Minute,
	}
}

// RecordRTT folds a successful round-trip sample into the EWMA and resets
// the miss counter and backoff.
func (h *HealthChecker) RecordRTT(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rttEWMA == 0 {
		h.rttEWMA = d
	} else {
		h.rttEWMA = time.Duration(h.alpha*float64(d) + (1-h.alpha)*float64(h.rttEWMA))
	}
	h.misses = 0
	h.backoff = 1 * time.Second
}

// RecordMiss registers a failed or timed-out ping and doubles the backoff
// interval, capped at maxBackoff.
func (h *HealthChecker) RecordMiss() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.misses++
	h.backoff *= 2
	if h.backoff > h.maxBackoff {
		h.backoff = h.maxBackoff
	}
}

// Unreachable reports whether consecutive misses have crossed the
// threshold, meaning the session layer should treat the peer as offline.
func (h *HealthChecker) Unreachable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.misses >= h.maxMisses
}

// NextBackoff returns the interval to wait before the next ping attempt.
func (h *HealthChecker) NextBackoff() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.backoff
}

// RTT returns the current smoothed round-trip estimate.
func (h *HealthChecker) RTT() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rttEWMA
}
