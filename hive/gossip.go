// SPDX-License-Identifier: Apache-2.0
// Gossip engine (C7): threshold-triggered peer-state broadcast, periodic
// heartbeat, and anti-entropy reconciliation on session activation — the
// mechanism that converges every member's view of the fleet-state map
// without a central coordinator re-broadcasting on their behalf.
package hive

import (
	"context"
	"io"
	"log"
	"sync"
	"time"
)

var gossipLogger = log.New(io.Discard, "[gossip] ", log.LstdFlags)

// SetGossipLogger overrides the package-level logger.
func SetGossipLogger(l *log.Logger) { gossipLogger = l }

// HeartbeatInterval forces a gossip emission regardless of threshold state.
const HeartbeatInterval = 300 * time.Second

// RateLimit bounds outbound threshold-triggered gossip per sender; exceeding
// it is a local, logged drop, never a remote error. The heartbeat emission is
// exempt.
const RateLimit = 1 * time.Minute

// gossipBus is the narrow broadcast/signing surface the engine needs,
// satisfied by Transport.
type gossipBus interface {
	Broadcast(ctx context.Context, msgType MsgType, payload interface{})
	Send(ctx context.Context, peer NodeID, msgType MsgType, payload interface{}, correlationID string) error
	SignedEntry(e PeerStateEntry) (PeerStateEntry, []byte)
}

// StateHashMsg is the payload of HIVE_STATE_HASH.
type StateHashMsg struct {
	Hash StateHash `json:"hash"`
}

// FullSyncMsg is the payload of HIVE_FULL_SYNC: the subset of the sender's
// fleet state the recipient is missing or holds at a lower version.
type FullSyncMsg struct {
	Entries []PeerStateEntry `json:"entries"`
}

// BanMsg is the payload of HIVE_BAN: an effective ban record re-broadcast so
// every member can bias routing and session admission away from the target
// without waiting on its own (now untrusted) gossip row.
type BanMsg struct {
	Record BanRecord `json:"record"`
}

// GossipEngine owns the local observer's threshold decision, the heartbeat
// ticker, and anti-entropy reconciliation. One instance exists per
// coordinator process.
type GossipEngine struct {
	mu    sync.Mutex
	self  NodeID
	fleet *FleetState
	bus   gossipBus
	sm    *SessionManager
	m     *Metrics
	store *Store

	lastBroadcast PeerStateEntry
	lastEmitAt    time.Time
}

// NewGossipEngine constructs an engine that observes and advertises self's
// own row of fleet.
func NewGossipEngine(self NodeID, fleet *FleetState, bus gossipBus, sm *SessionManager, m *Metrics) *GossipEngine {
	return &GossipEngine{self: self, fleet: fleet, bus: bus, sm: sm, m: m}
}

// SetStore attaches the durable store every accepted fleet-state mutation is
// persisted to. Left nil, the engine behaves as before and state lives only
// in the in-memory FleetState (used by tests that don't need persistence).
func (g *GossipEngine) SetStore(store *Store) {
	g.store = store
}

func (g *GossipEngine) persist(e PeerStateEntry) {
	if g.store == nil {
		return
	}
	if err := g.store.PutPeerState(e); err != nil {
		gossipLogger.Printf("persist peer state %s: %v", e.NodeID, err)
	}
}

// ObserveLocal is called whenever the local node's own capacity, fee policy,
// or flags might have changed. It emits HIVE_GOSSIP only when the bucketed
// capacity tier, fee fingerprint, or flag bits differ from the last
// broadcast row; a heartbeat emission is handled separately by RunHeartbeat.
func (g *GossipEngine) ObserveLocal(candidate PeerStateEntry, now time.Time) {
	g.mu.Lock()
	changed := g.lastBroadcast.CapacityTier != candidate.CapacityTier ||
		!bytesEqual(g.lastBroadcast.FeePolicyFingerprint, candidate.FeePolicyFingerprint) ||
		g.lastBroadcast.Flags != candidate.Flags
	rateLimited := now.Sub(g.lastEmitAt) < RateLimit
	g.mu.Unlock()
	if !changed {
		return
	}
	if rateLimited {
		if g.m != nil {
			g.m.GossipSuppressed.Inc()
		}
		gossipLogger.Printf("threshold gossip for %s suppressed by rate limit", g.self)
		return
	}
	g.emit(candidate, now)
	if g.m != nil {
		g.m.GossipEmitted.Inc()
	}
}

// RunHeartbeat forces a gossip emission every HeartbeatInterval regardless of
// threshold state; callers run this from a 300 s ticker.
func (g *GossipEngine) RunHeartbeat(candidate PeerStateEntry, now time.Time) {
	g.emit(candidate, now)
	if g.m != nil {
		g.m.GossipEmitted.Inc()
	}
}

func (g *GossipEngine) emit(candidate PeerStateEntry, now time.Time) {
	g.mu.Lock()
	candidate.NodeID = g.self
	candidate.Version = g.lastBroadcast.Version + 1
	candidate.UpdatedAt = now
	g.mu.Unlock()

	signed, sigBody := g.bus.SignedEntry(candidate)
	g.fleet.ApplyLocal(signed)
	g.persist(signed)

	g.mu.Lock()
	g.lastBroadcast = signed
	g.lastEmitAt = now
	g.mu.Unlock()

	g.bus.Broadcast(context.Background(), MsgGossip, signed)
	_ = sigBody
}

// OnRemoteGossip applies an inbound HIVE_GOSSIP entry against the fleet
// state. A duplicate (same or lower version) is silently accepted as a no-op,
// satisfying the idempotent-upsert invariant.
func (g *GossipEngine) OnRemoteGossip(entry PeerStateEntry, sigBody []byte) (ApplyResult, error) {
	result, err := g.fleet.Apply(entry, sigBody)
	if err == nil && result == ApplyAccepted {
		g.persist(entry)
	}
	return result, err
}

// OnSessionActive runs the anti-entropy handshake when a session first
// reaches ACTIVE: both sides exchange state hashes, and if they differ, each
// sends the other the entries it is missing.
func (g *GossipEngine) OnSessionActive(ctx context.Context, peer NodeID) error {
	hash := g.fleet.Hash()
	if err := g.bus.Send(ctx, peer, MsgStateHash, StateHashMsg{Hash: hash}, ""); err != nil {
		return err
	}
	if g.m != nil {
		g.m.AntiEntropyRuns.Inc()
	}
	return nil
}

// OnRemoteStateHash compares a peer's advertised hash against the local one.
// On mismatch, it sends the peer every entry it is missing (determined by
// the peer's last-known snapshot, supplied by the caller from its own
// bookkeeping of what that peer last acknowledged).
func (g *GossipEngine) OnRemoteStateHash(ctx context.Context, peer NodeID, peerHash StateHash, peerKnown []PeerStateEntry) error {
	local := g.fleet.Snapshot()
	if HashEntries(local) == peerHash {
		return nil
	}
	if g.m != nil {
		g.m.StateHashMismatches.Inc()
	}
	missing := VersionsMissingFrom(peerKnown, local)
	if len(missing) == 0 {
		return nil
	}
	return g.bus.Send(ctx, peer, MsgFullSync, FullSyncMsg{Entries: missing}, "")
}

// OnFullSync merges every entry of an inbound HIVE_FULL_SYNC batch using the
// same signature-checked Apply path as single-entry gossip. It logs entries
// whose Apply fails; it does not recompute the state hash after the merge or
// compare it with the peer's.
func (g *GossipEngine) OnFullSync(entries []PeerStateEntry, sigBodies [][]byte) {
	for i, e := range entries {
		var body []byte
		if i < len(sigBodies) {
			body = sigBodies[i]
		}
		result, err := g.fleet.Apply(e, body)
		if err != nil {
			gossipLogger.Printf("full sync apply %s failed: %v", e.NodeID, err)
			continue
		}
		if result == ApplyAccepted {
			g.persist(e)
		}
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
