// SPDX-License-Identifier: Apache-2.0
// Coordinator wiring: assembles identity, storage, membership, fleet state,
// gossip, intent locking, and governance into one running process behind a
// single struct, handed to the CLI and RPC layers.
package hive

import (
	"context"
	"encoding/json"
	"time"
)

// CoordinatorConfig carries every tunable the wiring needs, sourced from
// pkg/config.Config by the caller (cmd/cli, cmd/coordinator, rpcserver).
type CoordinatorConfig struct {
	StoreDir               string
	DunbarCap              int
	ProbationWindow        time.Duration
	GossipHeartbeat        time.Duration
	IntentHoldWindow       time.Duration
	IntentPurgeAge         time.Duration
	GovernanceMode         ActionMode
	SafetyBounds           SafetyBounds
	Oracle                 OracleClient
}

// Coordinator is the single process-wide instance binding identity,
// storage, membership, fleet state, gossip, intent locking, and governance
// to one LightningHost. Every operator RPC and CLI command reads and
// mutates state through this struct.
type Coordinator struct {
	Config    CoordinatorConfig
	Identity  *Identity
	Store     *Store
	Firewall  *Firewall
	Ledger    *Ledger
	Fleet     *FleetState
	Sessions  *SessionManager
	Metrics   *Metrics
	Transport *Transport
	Gossip    *GossipEngine
	Intent    *IntentEngine
	Actions   *ActionQueue
	Host      LightningHost
}

// NewCoordinator opens the store, replays persisted state, and wires every
// component together over host. It does not start any background loop —
// callers run RunLoops (or their own scheduler) once satisfied the process
// should begin serving.
func NewCoordinator(cfg CoordinatorConfig, id *Identity, host LightningHost, exec IntentExecutor, prober FeatureProber) (*Coordinator, error) {
	store, err := OpenStore(StoreConfig{Dir: cfg.StoreDir})
	if err != nil {
		return nil, err
	}

	fw := NewFirewall()
	ledger := NewLedger(store, store.GetHive())
	fleet := NewFleetState()
	for _, p := range store.ListPeerStates() {
		fleet.ApplyLocal(p)
	}
	metrics := NewMetrics()
	sessions := NewSessionManager(id, fw, ledger, prober)
	transport := NewTransport(host, id, sessions, fleet, metrics)
	gossip := NewGossipEngine(id.NodeID(), fleet, transport, sessions, metrics)
	gossip.SetStore(store)
	intent := NewIntentEngine(store, transport, exec, id.NodeID())
	ledger.SetBanHook(func(rec BanRecord) {
		applyBan(fleet, fw, store, transport, metrics, rec)
	})

	sink := NewContributionSink(id.NodeID(), store)
	if resolver, ok := host.(ChannelPeerResolver); ok {
		sink.SetResolver(resolver.PeerForChannel)
	}
	if setter, ok := host.(interface{ SetEventSink(HostEventSink) }); ok {
		setter.SetEventSink(sink)
	}

	bounds := cfg.SafetyBounds
	if bounds == (SafetyBounds{}) {
		bounds = DefaultSafetyBounds()
	}
	actions := NewActionQueue(store, cfg.GovernanceMode, bounds, cfg.Oracle)

	c := &Coordinator{
		Config: cfg, Identity: id, Store: store, Firewall: fw, Ledger: ledger,
		Fleet: fleet, Sessions: sessions, Metrics: metrics, Transport: transport,
		Gossip: gossip, Intent: intent, Actions: actions, Host: host,
	}

	transport.On(MsgGossip, c.onGossip)
	transport.On(MsgStateHash, c.onStateHash)
	transport.On(MsgFullSync, c.onFullSync)
	transport.On(MsgIntent, c.onIntent)
	transport.On(MsgIntentAbort, c.onIntentAbort)
	transport.On(MsgBan, c.onBan)

	intent.ReplayOnRestart(time.Now())
	return c, nil
}

func (c *Coordinator) onGossip(peer NodeID, env Envelope) {
	var entry PeerStateEntry
	if err := decodeEnvelopeBody(env, &entry); err != nil {
		gossipLogger.Printf("gossip from %s: %v", peer, err)
		return
	}
	sigBody := entry
	sigBody.Signature = nil
	body, err := canonicalJSON(sigBody)
	if err != nil {
		return
	}
	if _, err := c.Gossip.OnRemoteGossip(entry, body); err != nil {
		gossipLogger.Printf("apply gossip from %s: %v", peer, err)
	}
}

func (c *Coordinator) onStateHash(peer NodeID, env Envelope) {
	var msg StateHashMsg
	if err := decodeEnvelopeBody(env, &msg); err != nil {
		return
	}
	// No per-peer record of acknowledged versions is kept, so the peer's
	// known set is treated as empty and a mismatch offers every local entry.
	if err := c.Gossip.OnRemoteStateHash(context.Background(), peer, msg.Hash, nil); err != nil {
		gossipLogger.Printf("anti-entropy with %s: %v", peer, err)
	}
}

func (c *Coordinator) onFullSync(peer NodeID, env Envelope) {
	var msg FullSyncMsg
	if err := decodeEnvelopeBody(env, &msg); err != nil {
		return
	}
	bodies := make([][]byte, len(msg.Entries))
	for i, e := range msg.Entries {
		e.Signature = nil
		b, _ := canonicalJSON(e)
		bodies[i] = b
	}
	c.Gossip.OnFullSync(msg.Entries, bodies)
}

func (c *Coordinator) onIntent(peer NodeID, env Envelope) {
	var rec IntentRecord
	if err := decodeEnvelopeBody(env, &rec); err != nil {
		return
	}
	if err := c.Intent.OnRemoteIntent(rec); err != nil {
		intentLogger.Printf("remote intent from %s: %v", peer, err)
	}
}

func (c *Coordinator) onIntentAbort(peer NodeID, env Envelope) {
	var msg struct {
		IntentID string `json:"intent_id"`
		Reason   string `json:"reason"`
	}
	if err := decodeEnvelopeBody(env, &msg); err != nil {
		return
	}
	_ = c.Intent.OnRemoteAbort(msg.IntentID, msg.Reason)
}

// onBan applies an inbound HIVE_BAN re-broadcast: every member blocks the
// target at its firewall and flips the target's fleet-state ban flag without
// waiting for the (now untrusted) target to gossip it about itself.
func (c *Coordinator) onBan(peer NodeID, env Envelope) {
	var msg BanMsg
	if err := decodeEnvelopeBody(env, &msg); err != nil {
		membershipLogger.Printf("ban gossip from %s: %v", peer, err)
		return
	}
	applyBan(c.Fleet, c.Firewall, c.Store, nil, c.Metrics, msg.Record)
}

// applyBan is the single place a ban takes effect locally: it blocks the
// target at the firewall, marks its fleet-state row FlagBanned, persists
// that row, and — when bus is non-nil (the node that just committed the ban
// locally, as opposed to one relaying someone else's HIVE_BAN) — re-
// broadcasts the ban record so every other member converges the same way.
func applyBan(fleet *FleetState, fw *Firewall, store *Store, bus *Transport, metrics *Metrics, rec BanRecord) {
	fw.BlockNode(rec.TargetNodeID)

	entry, ok := fleet.Get(rec.TargetNodeID)
	if !ok {
		entry = PeerStateEntry{NodeID: rec.TargetNodeID, UpdatedAt: rec.EffectiveAt}
	}
	entry.Flags |= FlagBanned
	entry.Version++
	entry.UpdatedAt = rec.EffectiveAt
	fleet.ApplyLocal(entry)
	if err := store.PutPeerState(entry); err != nil {
		membershipLogger.Printf("persist ban flag for %s: %v", rec.TargetNodeID, err)
	}

	if bus != nil {
		bus.Broadcast(context.Background(), MsgBan, BanMsg{Record: rec})
	}
	if metrics != nil {
		metrics.GossipEmitted.Inc()
	}
}

// RunLoops launches the gossip heartbeat, intent monitor, and governance
// expiry loops, each on its own goroutine bound to ctx.
func (c *Coordinator) RunLoops(ctx context.Context) {
	go c.heartbeatLoop(ctx)
	go c.intentMonitorLoop(ctx)
	go c.governanceExpiryLoop(ctx)
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	interval := c.Config.GossipHeartbeat
	if interval <= 0 {
		interval = HeartbeatInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if self, ok := c.Fleet.Get(c.Identity.NodeID()); ok {
				c.Gossip.RunHeartbeat(self, now)
			}
		}
	}
}

func (c *Coordinator) intentMonitorLoop(ctx context.Context) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	purge := time.NewTicker(1 * time.Hour)
	defer purge.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			c.Intent.RunMonitorPass(now)
		case now := <-purge.C:
			c.Intent.RunMonitorPass(now)
		}
	}
}

func (c *Coordinator) governanceExpiryLoop(ctx context.Context) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			c.Actions.ExpireStale(now)
		}
	}
}

func decodeEnvelopeBody(env Envelope, v interface{}) error {
	return json.Unmarshal(env.Body, v)
}
