// SPDX-License-Identifier: Apache-2.0
// Peer session: the per-peer handshake state machine, replay/sequence
// guard, and session key cache that gates every gossip and intent frame
// behind a completed HELLO/CHALLENGE/ATTEST exchange.
package hive

import (
	"crypto/rand"
	"errors"
	"io"
	"log"
	"sync"
	"time"
)

var sessionLogger = log.New(io.Discard, "[session] ", log.LstdFlags)

// SetSessionLogger overrides the package-level logger.
func SetSessionLogger(l *log.Logger) { sessionLogger = l }

// SessionState enumerates the per-peer handshake state machine.
type SessionState int

const (
	StateNew SessionState = iota
	StateAwaitChallenge
	StateAwaitAttest
	StateActive
	StateRejected
	StateDormant
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateAwaitChallenge:
		return "AWAIT_CHALLENGE"
	case StateAwaitAttest:
		return "AWAIT_ATTEST"
	case StateActive:
		return "ACTIVE"
	case StateRejected:
		return "REJECTED"
	case StateDormant:
		return "DORMANT"
	default:
		return "UNKNOWN"
	}
}

// ReplayWindow bounds the clock skew tolerated between sender and receiver
// timestamps.
const ReplayWindow = 300 * time.Second

// HandshakeStepTimeout bounds each handshake step.
const HandshakeStepTimeout = 10 * time.Second

var (
	ErrSequenceRegression = errors.New("hive: frame sequence did not advance")
	ErrClockSkew          = errors.New("hive: frame timestamp outside replay window")
	ErrHandshakeTimeout   = errors.New("hive: handshake step timed out")
	ErrTicketRejected     = errors.New("hive: ticket validation failed")
	ErrFeatureUnverified  = errors.New("hive: claimed feature failed active probe")
)

// FeatureProber lets the session layer confirm a peer's claimed features
// against the host before granting ACTIVE.
type FeatureProber interface {
	ProbeFeature(peer NodeID, feature string) bool
}

// Session tracks one peer connection's handshake progress and replay guard.
type Session struct {
	mu          sync.Mutex
	Peer        NodeID
	RemoteAddr  string
	State       SessionState
	nonce       [32]byte
	lastSeenSeq uint64
	enteredAt   time.Time
	health      *HealthChecker
}

// NewSession starts a session in state NEW for a prospective peer.
func NewSession(peer NodeID, remoteAddr string) *Session {
	return &Session{Peer: peer, RemoteAddr: remoteAddr, State: StateNew, enteredAt: time.Now(), health: NewHealthChecker()}
}

// SessionManager tracks every peer session and enforces the firewall and
// handshake protocol.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[NodeID]*Session
	fw       *Firewall
	prober   FeatureProber
	self     *Identity
	ledger   *Ledger
}

// NewSessionManager constructs a manager using id as the local signing
// identity, fw as the admission firewall, and ledger to resolve invitation
// issuers and membership tier.
func NewSessionManager(id *Identity, fw *Firewall, ledger *Ledger, prober FeatureProber) *SessionManager {
	return &SessionManager{sessions: map[NodeID]*Session{}, fw: fw, prober: prober, self: id, ledger: ledger}
}

// Get returns the tracked session for peer, if any.
func (sm *SessionManager) Get(peer NodeID) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[peer]
	return s, ok
}

// Snapshot returns every tracked session's peer/state pair for diagnostics.
func (sm *SessionManager) Snapshot() map[NodeID]SessionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make(map[NodeID]SessionState, len(sm.sessions))
	for k, v := range sm.sessions {
		v.mu.Lock()
		out[k] = v.State
		v.mu.Unlock()
	}
	return out
}

// OnHello handles an inbound HIVE_HELLO: validates the
// ticket and advances NEW -> AWAIT_CHALLENGE, returning the 32-byte
// challenge nonce to send back.
func (sm *SessionManager) OnHello(peer NodeID, remoteAddr string, ticket InvitationTicket, now time.Time) ([32]byte, error) {
	if err := sm.fw.CheckSession(peer, remoteAddr); err != nil {
		return [32]byte{}, err
	}
	if now.After(ticket.ExpiresAt) {
		return [32]byte{}, ProtocolErr("hello", ErrTicketRejected)
	}
	issuer, ok := sm.ledger.store.GetMember(ticket.IssuerPubKey)
	if !ok || issuer.Tier != TierAdmin {
		return [32]byte{}, ProtocolErr("hello", ErrTicketRejected)
	}
	if stored, ok := sm.ledger.store.GetInvitation(ticket.TicketID); ok && stored.Used {
		return [32]byte{}, ProtocolErr("hello", ErrTicketRejected)
	}

	s := NewSession(peer, remoteAddr)
	s.State = StateAwaitChallenge
	if _, err := rand.Read(s.nonce[:]); err != nil {
		return [32]byte{}, err
	}
	sm.mu.Lock()
	sm.sessions[peer] = s
	sm.mu.Unlock()
	return s.nonce, nil
}

// AttestManifest is the payload of HIVE_ATTEST.
type AttestManifest struct {
	Pubkey         NodeID
	SoftwareVersion string
	Features       []string
	NonceSig       []byte
}

// OnAttest handles an inbound HIVE_ATTEST: verifies the nonce signature and
// actively probes every claimed feature, advancing AWAIT_CHALLENGE ->
// ACTIVE or -> REJECTED.
func (sm *SessionManager) OnAttest(peer NodeID, manifest AttestManifest) error {
	sm.mu.Lock()
	s, ok := sm.sessions[peer]
	sm.mu.Unlock()
	if !ok {
		return ProtocolErr("attest", errors.New("no session in progress"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateAwaitChallenge {
		return ProtocolErr("attest", errors.New("unexpected state for attest"))
	}
	if time.Since(s.enteredAt) > HandshakeStepTimeout {
		s.State = StateRejected
		return ProtocolErr("attest", ErrHandshakeTimeout)
	}
	keyBytes, err := nodeIDBytes(peer)
	if err != nil {
		s.State = StateRejected
		return ProtocolErr("attest", err)
	}
	ok2, err := VerifySignature(keyBytes, s.nonce[:], manifest.NonceSig)
	if err != nil || !ok2 {
		s.State = StateRejected
		return ProtocolErr("attest", errors.New("nonce signature invalid"))
	}
	if sm.prober != nil {
		for _, feat := range manifest.Features {
			if !sm.prober.ProbeFeature(peer, feat) {
				s.State = StateRejected
				return ProtocolErr("attest", ErrFeatureUnverified)
			}
		}
	}
	s.State = StateActive
	return nil
}

// CheckFrame enforces the per-sender ordering guard: a frame is rejected if its timestamp drifts more
// than ReplayWindow from now, or its sequence does not strictly advance
// past the last one accepted from that sender.
func (sm *SessionManager) CheckFrame(peer NodeID, timestamp time.Time, sequence uint64, now time.Time) error {
	sm.mu.RLock()
	s, ok := sm.sessions[peer]
	sm.mu.RUnlock()
	if !ok {
		return ProtocolErr("check frame", errors.New("no session"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	skew := now.Sub(timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > ReplayWindow {
		return ProtocolErr("check frame", ErrClockSkew)
	}
	if sequence <= s.lastSeenSeq {
		return ProtocolErr("check frame", ErrSequenceRegression)
	}
	s.lastSeenSeq = sequence
	return nil
}

// Disconnect moves an ACTIVE session to DORMANT, caching its replay state
// for a future reconnect.
func (sm *SessionManager) Disconnect(peer NodeID) {
	sm.mu.RLock()
	s, ok := sm.sessions[peer]
	sm.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if s.State == StateActive {
		s.State = StateDormant
	}
	s.mu.Unlock()
}

// Resume reactivates a DORMANT session on reconnect without replaying the
// handshake.
func (sm *SessionManager) Resume(peer NodeID, remoteAddr string) bool {
	sm.mu.RLock()
	s, ok := sm.sessions[peer]
	sm.mu.RUnlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateDormant {
		return false
	}
	s.State = StateActive
	s.RemoteAddr = remoteAddr
	return true
}
