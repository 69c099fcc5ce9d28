// SPDX-License-Identifier: Apache-2.0
package hive

import (
	"testing"
	"time"
)

func TestStorePutGetMemberRoundTrip(t *testing.T) {
	store := newTestStore(t)
	m := Member{NodeID: "peer-1", Tier: TierMember, ContributionRatio: 1.1}
	if err := store.PutMember(m); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok := store.GetMember("peer-1")
	if !ok {
		t.Fatalf("member not found after put")
	}
	if got.Tier != TierMember {
		t.Fatalf("tier = %v, want Member", got.Tier)
	}
	if store.AppendCount() != 1 {
		t.Fatalf("append count = %d, want 1", store.AppendCount())
	}
}

func TestStoreWALReplaySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(StoreConfig{Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.PutMember(Member{NodeID: "a", Tier: TierNeophyte}); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := store.PutMember(Member{NodeID: "b", Tier: TierMember}); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if err := store.PutIntent(IntentRecord{IntentID: "i1", Status: IntentPending}); err != nil {
		t.Fatalf("put intent: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenStore(StoreConfig{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if _, ok := reopened.GetMember("a"); !ok {
		t.Fatalf("member a lost across reopen")
	}
	if _, ok := reopened.GetMember("b"); !ok {
		t.Fatalf("member b lost across reopen")
	}
	if len(reopened.ListMembers()) != 2 {
		t.Fatalf("ListMembers len = %d, want 2", len(reopened.ListMembers()))
	}
	if _, ok := reopened.GetIntent("i1"); !ok {
		t.Fatalf("intent lost across reopen")
	}
}

func TestStoreTombstoneDeletesMemberAndIntent(t *testing.T) {
	store := newTestStore(t)
	store.PutMember(Member{NodeID: "gone", Tier: TierNeophyte})
	store.append(RecMember, "gone", true, nil)
	if _, ok := store.GetMember("gone"); ok {
		t.Fatalf("member survived tombstone append")
	}

	store.PutIntent(IntentRecord{IntentID: "i2", Status: IntentPending})
	if err := store.DeleteIntent("i2"); err != nil {
		t.Fatalf("delete intent: %v", err)
	}
	if _, ok := store.GetIntent("i2"); ok {
		t.Fatalf("intent survived DeleteIntent")
	}
}

func TestStoreSnapshotCompactsWALAndResetsAppendCount(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(StoreConfig{Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store.PutMember(Member{NodeID: "a", Tier: TierAdmin})
	store.PutMember(Member{NodeID: "b", Tier: TierMember})
	if err := store.Snapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if store.AppendCount() != 0 {
		t.Fatalf("append count after snapshot = %d, want 0", store.AppendCount())
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenStore(StoreConfig{Dir: dir})
	if err != nil {
		t.Fatalf("reopen after snapshot: %v", err)
	}
	defer reopened.Close()
	if len(reopened.ListMembers()) != 2 {
		t.Fatalf("members after snapshot reload = %d, want 2", len(reopened.ListMembers()))
	}
}

func TestStoreSnapshotPersistsHiveSingleton(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(StoreConfig{Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	h := Hive{HiveID: "hive-xyz", RootAdminNode: "founder"}
	if err := store.PutHive(h); err != nil {
		t.Fatalf("put hive: %v", err)
	}
	if err := store.Snapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenStore(StoreConfig{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got := reopened.GetHive()
	if got == nil || got.HiveID != "hive-xyz" {
		t.Fatalf("hive singleton not recovered from snapshot")
	}
}

func TestStoreListActionsSortedByProposedAt(t *testing.T) {
	store := newTestStore(t)
	later := PendingAction{ActionID: "later", ProposedAt: time.Unix(1_700_000_200, 0).UTC()}
	earlier := PendingAction{ActionID: "earlier", ProposedAt: time.Unix(1_700_000_100, 0).UTC()}
	store.PutAction(later)
	store.PutAction(earlier)

	got := store.ListActions()
	if len(got) != 2 || got[0].ActionID != "earlier" || got[1].ActionID != "later" {
		t.Fatalf("ListActions not sorted by ProposedAt: %+v", got)
	}
}

func TestStoreContributionKeyRoundTrip(t *testing.T) {
	store := newTestStore(t)
	c := ContributionLedgerEntry{SelfNodeID: "me", PeerNodeID: "them", SatsForwardedToPeerLifetime: 2000}
	if err := store.PutContribution(c); err != nil {
		t.Fatalf("put contribution: %v", err)
	}
	got, ok := store.GetContribution("me", "them")
	if !ok {
		t.Fatalf("contribution not found")
	}
	if got.SatsForwardedToPeerLifetime != 2000 {
		t.Fatalf("sats forwarded = %d, want 2000", got.SatsForwardedToPeerLifetime)
	}
}
