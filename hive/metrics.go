// SPDX-License-Identifier: Apache-2.0
// Observability surface: a Prometheus registry exposing frame, gossip,
// intent, and governance counters so an operator can watch the coordination
// layer (drop rates, anti-entropy frequency, state hash mismatches) without
// reading logs.
package hive

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns every counter/gauge the coordinator exports. One instance is
// created per process and threaded into Transport and the gossip engine. The
// intent engine and governance queue do not receive it, so the Intents* and
// Actions* counters are registered but never incremented.
type Metrics struct {
	registry *prometheus.Registry

	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec

	GossipEmitted   prometheus.Counter
	GossipSuppressed prometheus.Counter
	AntiEntropyRuns prometheus.Counter
	StateHashMismatches prometheus.Counter

	IntentsAnnounced prometheus.Counter
	IntentsCommitted prometheus.Counter
	IntentsAborted   *prometheus.CounterVec

	ActionsEnqueued *prometheus.CounterVec
	ActionsResolved *prometheus.CounterVec

	MemberCount  prometheus.Gauge
	SessionCount *prometheus.GaugeVec
}

// NewMetrics constructs and registers the full metric set against a fresh
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.FramesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_frames_sent_total",
		Help: "Frames sent, by message type",
	}, []string{"type"})
	m.FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_frames_received_total",
		Help: "Frames received and accepted, by message type",
	}, []string{"type"})
	m.FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_frames_dropped_total",
		Help: "Frames dropped by signature or replay checks, by message type",
	}, []string{"type"})

	m.GossipEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hive_gossip_emitted_total",
		Help: "Peer-state gossip messages emitted",
	})
	m.GossipSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hive_gossip_suppressed_total",
		Help: "Threshold-crossing gossip emissions dropped by the local rate limit",
	})
	m.AntiEntropyRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hive_anti_entropy_runs_total",
		Help: "Anti-entropy reconciliation passes executed",
	})
	m.StateHashMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hive_state_hash_mismatches_total",
		Help: "Anti-entropy exchanges that found a state hash mismatch",
	})

	m.IntentsAnnounced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hive_intents_announced_total",
		Help: "Intent locks announced by this node",
	})
	m.IntentsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hive_intents_committed_total",
		Help: "Intent locks committed",
	})
	m.IntentsAborted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_intents_aborted_total",
		Help: "Intent locks aborted, by reason",
	}, []string{"reason"})

	m.ActionsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_actions_enqueued_total",
		Help: "Governance actions enqueued, by action type",
	}, []string{"action_type"})
	m.ActionsResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_actions_resolved_total",
		Help: "Governance actions resolved, by terminal status",
	}, []string{"status"})

	m.MemberCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hive_member_count",
		Help: "Current membership ledger size",
	})
	m.SessionCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hive_session_count",
		Help: "Tracked peer sessions, by state",
	}, []string{"state"})

	reg.MustRegister(
		m.FramesSent, m.FramesReceived, m.FramesDropped,
		m.GossipEmitted, m.GossipSuppressed, m.AntiEntropyRuns, m.StateHashMismatches,
		m.IntentsAnnounced, m.IntentsCommitted, m.IntentsAborted,
		m.ActionsEnqueued, m.ActionsResolved,
		m.MemberCount, m.SessionCount,
	)
	return m
}

// Handler returns the HTTP handler serving the registry in Prometheus
// exposition format, mountable at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RefreshGauges recomputes the point-in-time gauges from current state.
func (m *Metrics) RefreshGauges(memberCount int, sessions map[NodeID]SessionState) {
	m.MemberCount.Set(float64(memberCount))
	counts := map[SessionState]int{}
	for _, s := range sessions {
		counts[s]++
	}
	for _, s := range []SessionState{StateNew, StateAwaitChallenge, StateAwaitAttest, StateActive, StateRejected, StateDormant} {
		m.SessionCount.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
