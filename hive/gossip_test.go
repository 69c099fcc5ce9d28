// SPDX-License-Identifier: Apache-2.0
package hive

import (
	"context"
	"testing"
	"time"
)

type recordingBus struct {
	self         *Identity
	broadcasts   []PeerStateEntry
	sent         []MsgType
}

func (b *recordingBus) Broadcast(ctx context.Context, msgType MsgType, payload interface{}) {
	if e, ok := payload.(PeerStateEntry); ok {
		b.broadcasts = append(b.broadcasts, e)
	}
}

func (b *recordingBus) Send(ctx context.Context, peer NodeID, msgType MsgType, payload interface{}, correlationID string) error {
	b.sent = append(b.sent, msgType)
	return nil
}

func (b *recordingBus) SignedEntry(e PeerStateEntry) (PeerStateEntry, []byte) {
	return signedEntryForBus(b.self, e)
}

func signedEntryForBus(id *Identity, e PeerStateEntry) (PeerStateEntry, []byte) {
	e.NodeID = id.NodeID()
	e.Signature = nil
	body, _ := canonicalJSON(e)
	e.Signature = id.Sign(body)
	return e, body
}

func TestObserveLocalEmitsOnThresholdChange(t *testing.T) {
	id, _ := NewIdentity()
	bus := &recordingBus{self: id}
	fleet := NewFleetState()
	g := NewGossipEngine(id.NodeID(), fleet, bus, nil, nil)

	now := time.Unix(1_700_000_000, 0).UTC()
	g.ObserveLocal(PeerStateEntry{CapacityTier: CapacityMedium}, now)
	if len(bus.broadcasts) != 1 {
		t.Fatalf("broadcasts = %d, want 1 on first capacity-tier observation", len(bus.broadcasts))
	}
}

func TestObserveLocalSuppressesUnchangedRow(t *testing.T) {
	id, _ := NewIdentity()
	bus := &recordingBus{self: id}
	fleet := NewFleetState()
	g := NewGossipEngine(id.NodeID(), fleet, bus, nil, nil)

	now := time.Unix(1_700_000_000, 0).UTC()
	g.ObserveLocal(PeerStateEntry{CapacityTier: CapacityMedium}, now)
	g.ObserveLocal(PeerStateEntry{CapacityTier: CapacityMedium}, now.Add(time.Second))
	if len(bus.broadcasts) != 1 {
		t.Fatalf("broadcasts = %d, want 1 when tier is unchanged", len(bus.broadcasts))
	}
}

func TestObserveLocalRateLimitsRapidChanges(t *testing.T) {
	id, _ := NewIdentity()
	bus := &recordingBus{self: id}
	fleet := NewFleetState()
	g := NewGossipEngine(id.NodeID(), fleet, bus, nil, nil)

	now := time.Unix(1_700_000_000, 0).UTC()
	g.ObserveLocal(PeerStateEntry{CapacityTier: CapacitySmall}, now)
	g.ObserveLocal(PeerStateEntry{CapacityTier: CapacityLarge}, now.Add(time.Second))
	if len(bus.broadcasts) != 1 {
		t.Fatalf("broadcasts = %d, want 1 when a second change arrives within RateLimit", len(bus.broadcasts))
	}

	g.ObserveLocal(PeerStateEntry{CapacityTier: CapacityXLarge}, now.Add(RateLimit+time.Second))
	if len(bus.broadcasts) != 2 {
		t.Fatalf("broadcasts = %d, want 2 once RateLimit has elapsed", len(bus.broadcasts))
	}
}

func TestRunHeartbeatAlwaysEmits(t *testing.T) {
	id, _ := NewIdentity()
	bus := &recordingBus{self: id}
	fleet := NewFleetState()
	g := NewGossipEngine(id.NodeID(), fleet, bus, nil, nil)

	now := time.Unix(1_700_000_000, 0).UTC()
	g.ObserveLocal(PeerStateEntry{CapacityTier: CapacityMedium}, now)
	g.RunHeartbeat(PeerStateEntry{CapacityTier: CapacityMedium}, now.Add(time.Second))
	if len(bus.broadcasts) != 2 {
		t.Fatalf("broadcasts = %d, want 2 (threshold emit + forced heartbeat)", len(bus.broadcasts))
	}
}

func TestOnRemoteGossipAppliesToFleetState(t *testing.T) {
	id, _ := NewIdentity()
	remote, _ := NewIdentity()
	bus := &recordingBus{self: id}
	fleet := NewFleetState()
	g := NewGossipEngine(id.NodeID(), fleet, bus, nil, nil)

	now := time.Unix(1_700_000_000, 0).UTC()
	entry, body := signedEntryForBus(remote, PeerStateEntry{Version: 1, UpdatedAt: now})
	res, err := g.OnRemoteGossip(entry, body)
	if err != nil {
		t.Fatalf("OnRemoteGossip: %v", err)
	}
	if res != ApplyAccepted {
		t.Fatalf("result = %v, want ApplyAccepted", res)
	}
	if _, ok := fleet.Get(remote.NodeID()); !ok {
		t.Fatalf("remote entry not present in fleet state")
	}
}

func TestOnSessionActiveSendsStateHash(t *testing.T) {
	id, _ := NewIdentity()
	bus := &recordingBus{self: id}
	fleet := NewFleetState()
	g := NewGossipEngine(id.NodeID(), fleet, bus, nil, nil)

	if err := g.OnSessionActive(context.Background(), NodeID("peer")); err != nil {
		t.Fatalf("OnSessionActive: %v", err)
	}
	if len(bus.sent) != 1 || bus.sent[0] != MsgStateHash {
		t.Fatalf("sent = %v, want one MsgStateHash", bus.sent)
	}
}

func TestOnRemoteStateHashRequestsFullSyncOnMismatch(t *testing.T) {
	id, _ := NewIdentity()
	remote, _ := NewIdentity()
	bus := &recordingBus{self: id}
	fleet := NewFleetState()
	g := NewGossipEngine(id.NodeID(), fleet, bus, nil, nil)

	now := time.Unix(1_700_000_000, 0).UTC()
	entry, body := signedEntryForBus(remote, PeerStateEntry{Version: 1, UpdatedAt: now})
	if _, err := fleet.Apply(entry, body); err != nil {
		t.Fatalf("seed local fleet: %v", err)
	}

	// The peer reports a hash computed over nothing, so it is missing our
	// one entry.
	peerHash := HashEntries(nil)
	if err := g.OnRemoteStateHash(context.Background(), NodeID("peer"), peerHash, nil); err != nil {
		t.Fatalf("OnRemoteStateHash: %v", err)
	}
	if len(bus.sent) != 1 || bus.sent[0] != MsgFullSync {
		t.Fatalf("sent = %v, want one MsgFullSync", bus.sent)
	}
}

func TestOnRemoteStateHashNoopWhenHashesMatch(t *testing.T) {
	id, _ := NewIdentity()
	bus := &recordingBus{self: id}
	fleet := NewFleetState()
	g := NewGossipEngine(id.NodeID(), fleet, bus, nil, nil)

	localHash := fleet.Hash()
	if err := g.OnRemoteStateHash(context.Background(), NodeID("peer"), localHash, fleet.Snapshot()); err != nil {
		t.Fatalf("OnRemoteStateHash: %v", err)
	}
	if len(bus.sent) != 0 {
		t.Fatalf("sent = %v, want no messages when hashes already agree", bus.sent)
	}
}

func TestOnFullSyncMergesEveryEntry(t *testing.T) {
	id, _ := NewIdentity()
	peerA, _ := NewIdentity()
	peerB, _ := NewIdentity()
	bus := &recordingBus{self: id}
	fleet := NewFleetState()
	g := NewGossipEngine(id.NodeID(), fleet, bus, nil, nil)

	now := time.Unix(1_700_000_000, 0).UTC()
	eA, bA := signedEntryForBus(peerA, PeerStateEntry{Version: 1, UpdatedAt: now})
	eB, bB := signedEntryForBus(peerB, PeerStateEntry{Version: 1, UpdatedAt: now})

	g.OnFullSync([]PeerStateEntry{eA, eB}, [][]byte{bA, bB})

	if _, ok := fleet.Get(peerA.NodeID()); !ok {
		t.Fatalf("peer A missing after full sync")
	}
	if _, ok := fleet.Get(peerB.NodeID()); !ok {
		t.Fatalf("peer B missing after full sync")
	}
}
