// SPDX-License-Identifier: Apache-2.0
// Fleet state map: a replicated member_pubkey -> peer_state_entry map
// with copied-out reader snapshots and a single writer lock, the way this
// codebase's UTXO/account state trie separates a mutable writer path from
// cheap reader snapshots.
package hive

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
)

// FleetState is the coordinator's replicated per-peer state map. Reads return an immutable snapshot; writes take a short
// exclusive lock and bump the epoch counter.
type FleetState struct {
	mu    sync.RWMutex
	byID  map[NodeID]PeerStateEntry
	epoch uint64
}

// NewFleetState returns an empty fleet state map.
func NewFleetState() *FleetState {
	return &FleetState{byID: map[NodeID]PeerStateEntry{}}
}

// Get returns a copy of the entry for id, if present.
func (f *FleetState) Get(id NodeID) (PeerStateEntry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.byID[id]
	return e, ok
}

// Snapshot returns a copy of every entry in the map, sorted ascending by
// NodeID — the read path every consumer (gossip, RPC, anti-entropy) uses. It
// holds the read lock while copying; reads are not lock-free.
func (f *FleetState) Snapshot() []PeerStateEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]PeerStateEntry, 0, len(f.byID))
	for _, e := range f.byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Epoch returns the current write epoch, incremented on every accepted
// write; useful for readers that want to detect "something changed" without
// diffing the whole snapshot.
func (f *FleetState) Epoch() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.epoch
}

// ApplyResult describes what Apply did with an incoming entry.
type ApplyResult int

const (
	ApplyAccepted ApplyResult = iota
	ApplyStale
	ApplyRejectedSig
)

// Apply merges an incoming PeerStateEntry into the map following the
// version-monotonicity rule: the entry is
// authoritative only when (pubkey, version) is the highest seen and its
// signature verifies against pubkey. A signature verification failure
// mutates nothing.
func (f *FleetState) Apply(e PeerStateEntry, sigBody []byte) (ApplyResult, error) {
	keyBytes, err := nodeIDBytes(e.NodeID)
	if err != nil {
		return ApplyRejectedSig, ProtocolErr("fleet apply", err)
	}
	ok, err := VerifySignature(keyBytes, sigBody, e.Signature)
	if err != nil || !ok {
		return ApplyRejectedSig, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	cur, exists := f.byID[e.NodeID]
	if exists && e.Version <= cur.Version {
		return ApplyStale, nil
	}
	f.byID[e.NodeID] = e
	f.epoch++
	return ApplyAccepted, nil
}

// ApplyLocal installs a locally-authored entry (the node's own observer
// writing its own row) without a signature check — the caller is the
// signer. Used by the gossip engine before broadcasting.
func (f *FleetState) ApplyLocal(e PeerStateEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[e.NodeID] = e
	f.epoch++
}

// MergeRule resolves a tie between two candidate entries for the same
// (pubkey, version) during anti-entropy: higher
// version wins; on tie, lower updated_ts; on tie, lexicographically smaller
// signature bytes.
func MergeRule(a, b PeerStateEntry) PeerStateEntry {
	if a.Version != b.Version {
		if a.Version > b.Version {
			return a
		}
		return b
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		if a.UpdatedAt.Before(b.UpdatedAt) {
			return a
		}
		return b
	}
	if bytes.Compare(a.Signature, b.Signature) <= 0 {
		return a
	}
	return b
}

// Hash computes the deterministic fingerprint: SHA-256 of the canonical
// JSON array of {pubkey, version, updated_ts} triples, sorted ascending by
// pubkey. Only essential metadata is hashed.
func (f *FleetState) Hash() StateHash {
	return HashEntries(f.Snapshot())
}

type hashTriple struct {
	Pubkey    string `json:"pubkey"`
	UpdatedTS int64  `json:"updated_ts"`
	Version   uint64 `json:"version"`
}

// HashEntries computes the state hash over an arbitrary entry slice; callers
// that already hold a snapshot can skip re-snapshotting.
func HashEntries(entries []PeerStateEntry) StateHash {
	triples := make([]hashTriple, len(entries))
	for i, e := range entries {
		triples[i] = hashTriple{Pubkey: string(e.NodeID), Version: e.Version, UpdatedTS: e.UpdatedAt.Unix()}
	}
	sort.Slice(triples, func(i, j int) bool { return triples[i].Pubkey < triples[j].Pubkey })
	// encoding/json marshals struct fields in declaration order; hashTriple
	// declares them in ascending key order, so the output is the canonical
	// sorted-key form and byte-identical for equal inputs.
	raw, _ := json.Marshal(triples)
	return sha256.Sum256(raw)
}

// VersionsMissingFrom reports which entries in full are absent, or present
// at a lower version, in local — used to compute the anti-entropy delta one
// side must send the other.
func VersionsMissingFrom(local, full []PeerStateEntry) []PeerStateEntry {
	localVer := make(map[NodeID]uint64, len(local))
	for _, e := range local {
		localVer[e.NodeID] = e.Version
	}
	var out []PeerStateEntry
	for _, e := range full {
		if v, ok := localVer[e.NodeID]; !ok || e.Version > v {
			out = append(out, e)
		}
	}
	return out
}

// nodeIDBytes decodes a hex-encoded NodeID into raw compressed pubkey bytes.
func nodeIDBytes(id NodeID) ([]byte, error) {
	return hex.DecodeString(string(id))
}
