// SPDX-License-Identifier: Apache-2.0
// Membership ledger: genesis, invitation/join, Proof-of-Utility promotion,
// and ban consensus, all built on the quorum math in threshold.go. Ledger
// is the only component allowed to mutate a Member's tier or banned state.
package hive

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

var membershipLogger = log.New(io.Discard, "[membership] ", log.LstdFlags)

// SetMembershipLogger overrides the package-level logger.
func SetMembershipLogger(l *log.Logger) { membershipLogger = l }

// DunbarCap is the hard ceiling on |Members|.
const DunbarCap = 50

// DefaultProbationWindow is the default Neophyte probation period;
// callers may pass 0 in tests.
const DefaultProbationWindow = 30 * 24 * time.Hour

var (
	ErrAlreadyGenesis     = errors.New("hive: genesis already complete")
	ErrNotGenesis         = errors.New("hive: hive not yet initialized")
	ErrTicketExpired      = errors.New("hive: invitation ticket expired")
	ErrTicketUsed         = errors.New("hive: invitation ticket already used")
	ErrTicketBadSig       = errors.New("hive: invitation ticket signature invalid")
	ErrNotAdmin           = errors.New("hive: operation requires admin tier")
	ErrNotMember          = errors.New("hive: operation requires member tier or above")
	ErrDunbarCapExceeded  = errors.New("hive: membership at Dunbar cap, join refused")
	ErrUptimeInsufficient = errors.New("hive: candidate uptime below 99.5%")
	ErrContributionLow    = errors.New("hive: candidate contribution ratio not above 1.0")
	ErrNotUniqueTopology  = errors.New("hive: candidate brings no new peer to the hive")
)

// Ledger owns the Hive singleton and the membership tier state machine. It
// is the only component that may mutate Member.Tier.
type Ledger struct {
	mu    sync.RWMutex
	store *Store
	hive  *Hive

	// quorums tracks in-flight promotion/ban consensus rounds keyed by
	// candidate/target NodeID.
	promotionQuorums map[NodeID]*QuorumTracker
	banQuorums       map[NodeID]*QuorumTracker

	onBan func(rec BanRecord)
}

// SetBanHook installs a callback run after CommitBan durably commits a ban,
// outside the ledger's lock. The coordinator uses this to flip the target's
// gossip flag, re-broadcast HIVE_BAN, and block the node at the firewall.
func (l *Ledger) SetBanHook(fn func(rec BanRecord)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onBan = fn
}

// NewLedger constructs a Ledger over an already-open Store. If the store
// already has a persisted Hive row this replays GENESIS_REQUIRED -> ACTIVE
// transition as already complete.
func NewLedger(store *Store, existing *Hive) *Ledger {
	return &Ledger{
		store:            store,
		hive:             existing,
		promotionQuorums: map[NodeID]*QuorumTracker{},
		banQuorums:       map[NodeID]*QuorumTracker{},
	}
}

// Status reports GENESIS_REQUIRED or ACTIVE.
func (l *Ledger) Status() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.hive == nil {
		return "GENESIS_REQUIRED"
	}
	return "ACTIVE"
}

// Genesis is the one-shot operation that creates the Hive and installs its
// founder as the sole Admin. hive_id is the first 16 hex characters (8
// bytes) of sha256(founder_pubkey || decimal genesis_ts).
func (l *Ledger) Genesis(founder NodeID, now time.Time) (*Hive, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hive != nil {
		return nil, ConsensusErr("genesis", ErrAlreadyGenesis)
	}

	digest := sha256.Sum256(append([]byte(founder), []byte(fmt.Sprintf("%d", now.Unix()))...))
	h := &Hive{
		HiveID:        hex.EncodeToString(digest[:])[:16],
		GenesisAt:     now,
		RootAdminNode: founder,
		MaxMembers:    DunbarCap,
	}
	admin := Member{
		NodeID:            founder,
		Tier:              TierAdmin,
		JoinedAt:          now,
		ContributionRatio: 1,
		UptimeFraction:    1,
		LastSeenAt:        now,
	}
	if err := l.store.PutMember(admin); err != nil {
		return nil, IntegrityErr("genesis: persist founder", err)
	}
	if err := l.store.PutHive(*h); err != nil {
		return nil, IntegrityErr("genesis: persist hive", err)
	}
	l.hive = h
	membershipLogger.Printf("genesis complete hive_id=%s founder=%s", h.HiveID, founder)
	return h, nil
}

// IssueInvitation lets an Admin mint a single-use, time-bounded ticket.
func (l *Ledger) IssueInvitation(id *Identity, issuer NodeID, validity time.Duration, requirements uint32, now time.Time) (InvitationTicket, error) {
	m, ok := l.store.GetMember(issuer)
	if !ok || m.Tier != TierAdmin {
		return InvitationTicket{}, ConsensusErr("issue invitation", ErrNotAdmin)
	}
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return InvitationTicket{}, err
	}
	t := InvitationTicket{
		TicketID:           uuid.NewString(),
		IssuerPubKey:       issuer,
		Nonce:              nonce,
		IssuedAt:           now,
		ExpiresAt:          now.Add(validity),
		RequirementBitmask: requirements,
	}
	sigBody := ticketSigBody(t)
	t.IssuerSignature = id.Sign(sigBody)
	if err := l.store.PutInvitation(t); err != nil {
		return InvitationTicket{}, IntegrityErr("issue invitation: persist", err)
	}
	return t, nil
}

// ticketSigBody returns the canonical bytes an invitation ticket's
// issuer_signature commits to (every field except the signature itself).
func ticketSigBody(t InvitationTicket) []byte {
	return []byte(fmt.Sprintf("%s|%s|%x|%d|%d|%d", t.TicketID, t.IssuerPubKey, t.Nonce, t.IssuedAt.Unix(), t.ExpiresAt.Unix(), t.RequirementBitmask))
}

// Join validates an invitation ticket and atomically creates a new Neophyte
// member row.
func (l *Ledger) Join(candidate NodeID, t InvitationTicket, now time.Time, probationWindow time.Duration) (Member, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hive == nil {
		return Member{}, ConsensusErr("join", ErrNotGenesis)
	}
	stored, ok := l.store.GetInvitation(t.TicketID)
	if !ok {
		return Member{}, ProtocolErr("join", errors.New("unknown invitation ticket"))
	}
	if stored.Used {
		return Member{}, ProtocolErr("join", ErrTicketUsed)
	}
	if now.After(stored.ExpiresAt) {
		return Member{}, ProtocolErr("join", ErrTicketExpired)
	}
	issuer, ok := l.store.GetMember(stored.IssuerPubKey)
	if !ok || issuer.Tier != TierAdmin {
		return Member{}, ProtocolErr("join", ErrTicketBadSig)
	}
	issuerKey, err := hex.DecodeString(string(issuer.NodeID))
	if err != nil {
		return Member{}, ProtocolErr("join", ErrTicketBadSig)
	}
	if valid, err := VerifySignature(issuerKey, ticketSigBody(stored), stored.IssuerSignature); err != nil || !valid {
		return Member{}, ProtocolErr("join", ErrTicketBadSig)
	}

	// At the cap the join is refused outright; there is no Neophyte-only
	// admission beyond the cap.
	if len(l.store.ListMembers()) >= DunbarCap {
		return Member{}, ConsensusErr("join", ErrDunbarCapExceeded)
	}

	if probationWindow <= 0 {
		probationWindow = DefaultProbationWindow
	}
	m := Member{
		NodeID:            candidate,
		Tier:              TierNeophyte,
		JoinedAt:          now,
		ProbationEndsAt:   now.Add(probationWindow),
		ContributionRatio: 1,
		UptimeFraction:    1,
		LastSeenAt:        now,
	}
	if err := l.store.PutMember(m); err != nil {
		return Member{}, IntegrityErr("join: persist member", err)
	}
	stored.Used = true
	if err := l.store.PutInvitation(stored); err != nil {
		return Member{}, IntegrityErr("join: consume ticket", err)
	}
	return m, nil
}

// ProofOfUtility evaluates the three Proof-of-Utility gates for a Neophyte
// candidate: uptime, contribution ratio, and topological
// uniqueness. newPeerIDs lists external peers the candidate serves that the
// hive does not already serve through another member.
func (l *Ledger) ProofOfUtility(candidate NodeID, now time.Time, newPeerIDs []string) error {
	m, ok := l.store.GetMember(candidate)
	if !ok || m.Tier != TierNeophyte {
		return ConsensusErr("proof of utility", errors.New("candidate is not a neophyte"))
	}
	if m.UptimeFraction < 0.995 {
		return ConsensusErr("proof of utility", ErrUptimeInsufficient)
	}
	if m.ContributionRatio <= 1.0 {
		return ConsensusErr("proof of utility", ErrContributionLow)
	}
	if len(newPeerIDs) < 1 {
		return ConsensusErr("proof of utility", ErrNotUniqueTopology)
	}
	return nil
}

// RequestPromotion opens (or returns the existing) quorum tracker for a
// candidate's promotion round, sized to the normative threshold
// max(3, ceil(0.51*|Members|)).
func (l *Ledger) RequestPromotion(candidate NodeID) *QuorumTracker {
	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok := l.promotionQuorums[candidate]; ok {
		return q
	}
	memberCount := l.countTierAtLeast(TierMember)
	q := NewQuorumTracker(memberCount, PromotionThreshold(memberCount))
	l.promotionQuorums[candidate] = q
	return q
}

// Vouch records voter's approval of candidate's promotion. voter must
// already be Member or Admin tier; a Neophyte vouch is a
// ConsensusError. Only the voter id is counted; no vouch signature is taken
// or verified.
func (l *Ledger) Vouch(candidate, voter NodeID) (*QuorumTracker, error) {
	vm, ok := l.store.GetMember(voter)
	if !ok || vm.Tier == TierNeophyte {
		return nil, ConsensusErr("vouch", errors.New("voucher is not a member"))
	}
	q := l.RequestPromotion(candidate)
	q.AddVote(voter)
	return q, nil
}

// CommitPromotion atomically promotes candidate to Member once the supplied
// vouch set meets quorum, persisting the vouch list alongside the tier
// change so the two never observably diverge.
func (l *Ledger) CommitPromotion(candidate NodeID, voters []NodeID) (Member, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	memberCount := l.countTierAtLeast(TierMember)
	threshold := PromotionThreshold(memberCount)
	if len(dedupeNodeIDs(voters)) < threshold {
		return Member{}, ConsensusErr("commit promotion", fmt.Errorf("vouches %d below threshold %d", len(voters), threshold))
	}
	m, ok := l.store.GetMember(candidate)
	if !ok {
		return Member{}, ConsensusErr("commit promotion", errors.New("unknown candidate"))
	}
	if m.Tier >= TierMember {
		return m, nil
	}
	m.Tier = TierMember
	m.VouchedBy = dedupeNodeIDs(voters)
	if err := l.store.PutMember(m); err != nil {
		return Member{}, IntegrityErr("commit promotion", err)
	}
	delete(l.promotionQuorums, candidate)
	membershipLogger.Printf("promotion committed candidate=%s votes=%d", candidate, len(voters))
	return m, nil
}

func dedupeNodeIDs(ids []NodeID) []NodeID {
	seen := map[NodeID]struct{}{}
	out := make([]NodeID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (l *Ledger) countTierAtLeast(min MemberTier) int {
	n := 0
	for _, m := range l.store.ListMembers() {
		if m.Tier >= min && !m.Banned {
			n++
		}
	}
	return n
}

// ProposeBan opens (or returns the existing) ban quorum tracker for target,
// sized with the same threshold rule as promotion.
func (l *Ledger) ProposeBan(target, proposer NodeID) (*QuorumTracker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok := l.banQuorums[target]; ok {
		q.AddVote(proposer)
		return q, nil
	}
	memberCount := l.countTierAtLeast(TierMember)
	q := NewQuorumTracker(memberCount, PromotionThreshold(memberCount))
	q.AddVote(proposer)
	l.banQuorums[target] = q
	return q, nil
}

// CommitBan effects an already-quorate ban: marks the target's member row
// banned (if it is a member) and writes the BanRecord.
func (l *Ledger) CommitBan(target NodeID, reasonCode string, voters []NodeID, now time.Time) (BanRecord, error) {
	l.mu.Lock()
	memberCount := l.countTierAtLeast(TierMember)
	threshold := PromotionThreshold(memberCount)
	voters = dedupeNodeIDs(voters)
	if len(voters) < threshold {
		l.mu.Unlock()
		return BanRecord{}, ConsensusErr("commit ban", fmt.Errorf("votes %d below threshold %d", len(voters), threshold))
	}
	rec := BanRecord{
		TargetNodeID: target,
		ReasonCode:   reasonCode,
		Votes:        voters,
		EffectiveAt:  now,
	}
	if len(voters) > 0 {
		rec.ProposerNodeID = voters[0]
	}
	if err := l.store.PutBan(rec); err != nil {
		l.mu.Unlock()
		return BanRecord{}, IntegrityErr("commit ban", err)
	}
	if m, ok := l.store.GetMember(target); ok {
		m.Banned = true
		m.BanReason = reasonCode
		if err := l.store.PutMember(m); err != nil {
			l.mu.Unlock()
			return BanRecord{}, IntegrityErr("commit ban: member", err)
		}
	}
	delete(l.banQuorums, target)
	hook := l.onBan
	l.mu.Unlock()

	membershipLogger.Printf("ban committed target=%s reason=%s votes=%d", target, reasonCode, len(voters))
	if hook != nil {
		hook(rec)
	}
	return rec, nil
}

// CanExpand reports whether the market-share guard permits an expansion
// proposal against an external peer where the hive already holds more than
// 20% of that peer's reported network capacity. This guard is advisory: planners consult it, the ledger does not
// enforce it directly.
func CanExpand(hiveHeldCapacity, peerTotalCapacity uint64) bool {
	if peerTotalCapacity == 0 {
		return true
	}
	return float64(hiveHeldCapacity)/float64(peerTotalCapacity) <= 0.20
}

// Summary is the aggregate membership breakdown used by the hive-status RPC.
type Summary struct {
	Total     int
	Admins    int
	Members   int
	Neophytes int
}

// MemberSummary tallies current membership by tier for the operator RPC.
func (l *Ledger) MemberSummary() Summary {
	var s Summary
	for _, m := range l.store.ListMembers() {
		s.Total++
		switch m.Tier {
		case TierAdmin:
			s.Admins++
		case TierMember:
			s.Members++
		case TierNeophyte:
			s.Neophytes++
		}
	}
	return s
}

// Hive returns the current Hive singleton, or nil before genesis.
func (l *Ledger) Hive() *Hive {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hive
}
