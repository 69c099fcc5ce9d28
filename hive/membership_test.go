// SPDX-License-Identifier: Apache-2.0
package hive

import (
	"fmt"
	"testing"
	"time"
)

func TestGenesisThenInviteThenJoin(t *testing.T) {
	store := newTestStore(t)
	founder, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	ledger := NewLedger(store, store.GetHive())
	if ledger.Status() != "GENESIS_REQUIRED" {
		t.Fatalf("status before genesis = %q", ledger.Status())
	}

	now := time.Unix(1_700_000_000, 0).UTC()
	h, err := ledger.Genesis(founder.NodeID(), now)
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if ledger.Status() != "ACTIVE" {
		t.Fatalf("status after genesis = %q", ledger.Status())
	}
	if _, err := ledger.Genesis(founder.NodeID(), now); err == nil {
		t.Fatalf("second genesis must fail")
	}

	ticket, err := ledger.IssueInvitation(founder, founder.NodeID(), time.Hour, 0, now)
	if err != nil {
		t.Fatalf("issue invitation: %v", err)
	}

	candidate := NodeID("candidate-pubkey")
	m, err := ledger.Join(candidate, ticket, now.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if m.Tier != TierNeophyte {
		t.Fatalf("joined tier = %v, want Neophyte", m.Tier)
	}

	// A second join attempt with the same (now-consumed) ticket must fail.
	if _, err := ledger.Join(NodeID("other"), ticket, now.Add(time.Minute), 0); err == nil {
		t.Fatalf("reused ticket must be rejected")
	}

	if h.RootAdminNode != founder.NodeID() {
		t.Fatalf("hive root admin mismatch")
	}
}

func TestHiveSingletonSurvivesStoreReopen(t *testing.T) {
	dir := t.TempDir()
	founder, _ := NewIdentity()
	now := time.Unix(1_700_000_000, 0).UTC()

	store1, err := OpenStore(StoreConfig{Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ledger1 := NewLedger(store1, store1.GetHive())
	h, err := ledger1.Genesis(founder.NodeID(), now)
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if err := store1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store2, err := OpenStore(StoreConfig{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()
	recovered := store2.GetHive()
	if recovered == nil {
		t.Fatalf("hive singleton did not survive a store reopen")
	}
	if recovered.HiveID != h.HiveID {
		t.Fatalf("recovered hive_id = %q, want %q", recovered.HiveID, h.HiveID)
	}

	ledger2 := NewLedger(store2, store2.GetHive())
	if ledger2.Status() != "ACTIVE" {
		t.Fatalf("status after reopen = %q, want ACTIVE", ledger2.Status())
	}
}

func TestPromotionQuorumAtomicCommit(t *testing.T) {
	store := newTestStore(t)
	founder, _ := NewIdentity()
	ledger := NewLedger(store, store.GetHive())
	now := time.Unix(1_700_000_000, 0).UTC()
	if _, err := ledger.Genesis(founder.NodeID(), now); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	// Seed two additional Member-tier voters plus the candidate as a
	// Neophyte, so the 3-voter pool yields PromotionThreshold(3)=3.
	voter1 := Member{NodeID: "voter1", Tier: TierMember, ContributionRatio: 1, UptimeFraction: 1}
	voter2 := Member{NodeID: "voter2", Tier: TierMember, ContributionRatio: 1, UptimeFraction: 1}
	candidate := Member{NodeID: "candidate", Tier: TierNeophyte, ContributionRatio: 1.2, UptimeFraction: 0.999}
	for _, m := range []Member{voter1, voter2, candidate} {
		if err := store.PutMember(m); err != nil {
			t.Fatalf("seed member: %v", err)
		}
	}

	if err := ledger.ProofOfUtility(candidate.NodeID, now, []string{"external-peer-1"}); err != nil {
		t.Fatalf("proof of utility: %v", err)
	}

	if _, err := ledger.Vouch(candidate.NodeID, founder.NodeID()); err != nil {
		t.Fatalf("vouch founder: %v", err)
	}
	if _, err := ledger.Vouch(candidate.NodeID, voter1.NodeID); err != nil {
		t.Fatalf("vouch voter1: %v", err)
	}
	q, err := ledger.Vouch(candidate.NodeID, voter2.NodeID)
	if err != nil {
		t.Fatalf("vouch voter2: %v", err)
	}
	if !q.HasQuorum() {
		t.Fatalf("quorum not reached with %d votes, threshold %d", q.Count(), q.Threshold())
	}

	promoted, err := ledger.CommitPromotion(candidate.NodeID, q.Voters())
	if err != nil {
		t.Fatalf("commit promotion: %v", err)
	}
	if promoted.Tier != TierMember {
		t.Fatalf("promoted tier = %v, want Member", promoted.Tier)
	}
	if len(promoted.VouchedBy) != 3 {
		t.Fatalf("vouched_by length = %d, want 3", len(promoted.VouchedBy))
	}
}

func TestProofOfUtilityGates(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger(store, store.GetHive())
	now := time.Unix(1_700_000_000, 0).UTC()

	low := Member{NodeID: "low-uptime", Tier: TierNeophyte, ContributionRatio: 1.5, UptimeFraction: 0.9}
	store.PutMember(low)
	if err := ledger.ProofOfUtility(low.NodeID, now, []string{"x"}); err != ErrUptimeInsufficient {
		if class, _ := ClassOf(err); class != ClassConsensus {
			t.Fatalf("low uptime err = %v", err)
		}
	}

	lowContribution := Member{NodeID: "low-contribution", Tier: TierNeophyte, ContributionRatio: 0.8, UptimeFraction: 0.999}
	store.PutMember(lowContribution)
	if err := ledger.ProofOfUtility(lowContribution.NodeID, now, []string{"x"}); err == nil {
		t.Fatalf("low contribution ratio should fail proof of utility")
	}

	noNewPeers := Member{NodeID: "no-new-peers", Tier: TierNeophyte, ContributionRatio: 1.5, UptimeFraction: 0.999}
	store.PutMember(noNewPeers)
	if err := ledger.ProofOfUtility(noNewPeers.NodeID, now, nil); err == nil {
		t.Fatalf("zero new peers should fail topological-uniqueness gate")
	}
}

func TestBanConsensusMarksMemberBanned(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger(store, store.GetHive())
	now := time.Unix(1_700_000_000, 0).UTC()

	target := Member{NodeID: "target", Tier: TierMember}
	v1 := Member{NodeID: "v1", Tier: TierMember}
	v2 := Member{NodeID: "v2", Tier: TierMember}
	v3 := Member{NodeID: "v3", Tier: TierMember}
	for _, m := range []Member{target, v1, v2, v3} {
		store.PutMember(m)
	}

	if _, err := ledger.ProposeBan(target.NodeID, v1.NodeID); err != nil {
		t.Fatalf("propose ban: %v", err)
	}
	if _, err := ledger.ProposeBan(target.NodeID, v2.NodeID); err != nil {
		t.Fatalf("propose ban: %v", err)
	}
	q, err := ledger.ProposeBan(target.NodeID, v3.NodeID)
	if err != nil {
		t.Fatalf("propose ban: %v", err)
	}
	if !q.HasQuorum() {
		t.Fatalf("ban quorum not reached")
	}

	rec, err := ledger.CommitBan(target.NodeID, "spam", q.Voters(), now)
	if err != nil {
		t.Fatalf("commit ban: %v", err)
	}
	if rec.TargetNodeID != target.NodeID {
		t.Fatalf("ban record target mismatch")
	}
	got, ok := store.GetMember(target.NodeID)
	if !ok || !got.Banned {
		t.Fatalf("target member not marked banned")
	}
}

func TestDunbarCapBlocksJoin(t *testing.T) {
	store := newTestStore(t)
	founder, _ := NewIdentity()
	ledger := NewLedger(store, store.GetHive())
	now := time.Unix(1_700_000_000, 0).UTC()
	if _, err := ledger.Genesis(founder.NodeID(), now); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	for i := 1; i < DunbarCap; i++ {
		m := Member{NodeID: NodeID(fmt.Sprintf("member-%d", i)), Tier: TierNeophyte}
		_ = store.PutMember(m)
	}

	ticket, err := ledger.IssueInvitation(founder, founder.NodeID(), time.Hour, 0, now)
	if err != nil {
		t.Fatalf("issue invitation: %v", err)
	}
	if _, err := ledger.Join(NodeID("one-too-many"), ticket, now, 0); err != ErrDunbarCapExceeded {
		if class, _ := ClassOf(err); class != ClassConsensus {
			t.Fatalf("join at cap err = %v, want ErrDunbarCapExceeded", err)
		}
	}
}

func TestCanExpandMarketShareGuard(t *testing.T) {
	if !CanExpand(19, 100) {
		t.Fatalf("19%% of peer capacity should be within the 20%% guard")
	}
	if CanExpand(21, 100) {
		t.Fatalf("21%% of peer capacity should exceed the 20%% guard")
	}
	if !CanExpand(1000, 0) {
		t.Fatalf("a peer reporting zero capacity should not block expansion")
	}
}
