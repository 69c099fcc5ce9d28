// SPDX-License-Identifier: Apache-2.0
// Persistent store: an append-only write-ahead log of JSON records with
// periodic snapshot compaction, replayed on startup. Every durable table a
// Hive needs to survive a restart lives here: members, peer state, intents,
// pending actions, contributions, invitations, and bans.
package hive

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// RecordKind tags a WAL entry so Replay can dispatch it to the right map.
type RecordKind string

const (
	RecMember       RecordKind = "member"
	RecPeerState    RecordKind = "peer_state"
	RecIntent       RecordKind = "intent"
	RecPendingAction RecordKind = "pending_action"
	RecContribution RecordKind = "contribution"
	RecInvitation   RecordKind = "invitation"
	RecBan          RecordKind = "ban"
	RecHive         RecordKind = "hive"
)

// walEntry is one line of the write-ahead log.
type walEntry struct {
	Kind RecordKind      `json:"kind"`
	Key  string          `json:"key"`
	Tomb bool            `json:"tomb,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

// StoreConfig configures where the WAL and snapshot files live.
type StoreConfig struct {
	Dir          string
	SnapshotName string
	WALName      string
}

// Store is the coordinator's single persistence unit: every membership row,
// fleet-state entry, intent, pending action, contribution entry, invitation
// ticket, and ban record lives here, replayed from disk on open.
type Store struct {
	mu  sync.RWMutex
	cfg StoreConfig
	wal *os.File
	log *logrus.Logger

	members     map[string]Member
	peerStates  map[string]PeerStateEntry
	intents     map[string]IntentRecord
	actions     map[string]PendingAction
	contribs    map[string]ContributionLedgerEntry
	invitations map[string]InvitationTicket
	bans        map[string]BanRecord
	hive        *Hive

	appends int
}

var storeLogger = logrus.New()

// SetStoreLogger overrides the package-level logrus logger used by Store.
func SetStoreLogger(l *logrus.Logger) { storeLogger = l }

// OpenStore opens (creating if absent) the WAL file under cfg.Dir and
// replays it, applying any snapshot first if one exists.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.SnapshotName == "" {
		cfg.SnapshotName = "snapshot.json"
	}
	if cfg.WALName == "" {
		cfg.WALName = "wal.log"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, ConfigErr("open store", err)
	}

	s := &Store{
		cfg:         cfg,
		log:         storeLogger,
		members:     map[string]Member{},
		peerStates:  map[string]PeerStateEntry{},
		intents:     map[string]IntentRecord{},
		actions:     map[string]PendingAction{},
		contribs:    map[string]ContributionLedgerEntry{},
		invitations: map[string]InvitationTicket{},
		bans:        map[string]BanRecord{},
	}

	if err := s.loadSnapshot(); err != nil {
		return nil, IntegrityErr("load snapshot", err)
	}

	walPath := filepath.Join(cfg.Dir, cfg.WALName)
	f, err := os.OpenFile(walPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, ConfigErr("open wal", err)
	}
	s.wal = f

	if err := s.replayWAL(); err != nil {
		return nil, IntegrityErr("replay wal", err)
	}

	s.log.WithFields(logrus.Fields{
		"members": len(s.members), "peers": len(s.peerStates),
	}).Info("store opened")
	return s, nil
}

func (s *Store) loadSnapshot() error {
	path := filepath.Join(s.cfg.Dir, s.cfg.SnapshotName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap struct {
		Members     map[string]Member                  `json:"members"`
		PeerStates  map[string]PeerStateEntry           `json:"peer_states"`
		Intents     map[string]IntentRecord             `json:"intents"`
		Actions     map[string]PendingAction            `json:"actions"`
		Contribs    map[string]ContributionLedgerEntry  `json:"contributions"`
		Invitations map[string]InvitationTicket         `json:"invitations"`
		Bans        map[string]BanRecord                `json:"bans"`
		Hive        *Hive                                `json:"hive,omitempty"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}
	if snap.Members != nil {
		s.members = snap.Members
	}
	if snap.PeerStates != nil {
		s.peerStates = snap.PeerStates
	}
	if snap.Intents != nil {
		s.intents = snap.Intents
	}
	if snap.Actions != nil {
		s.actions = snap.Actions
	}
	if snap.Contribs != nil {
		s.contribs = snap.Contribs
	}
	if snap.Invitations != nil {
		s.invitations = snap.Invitations
	}
	if snap.Bans != nil {
		s.bans = snap.Bans
	}
	if snap.Hive != nil {
		s.hive = snap.Hive
	}
	return nil
}

func (s *Store) replayWAL() error {
	path := filepath.Join(s.cfg.Dir, s.cfg.WALName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e walEntry
		if err := json.Unmarshal(line, &e); err != nil {
			s.log.WithError(err).Warn("skipping malformed wal line")
			continue
		}
		s.apply(e)
	}
	return sc.Err()
}

func (s *Store) apply(e walEntry) {
	switch e.Kind {
	case RecMember:
		if e.Tomb {
			delete(s.members, e.Key)
			return
		}
		var m Member
		if json.Unmarshal(e.Body, &m) == nil {
			s.members[e.Key] = m
		}
	case RecPeerState:
		var p PeerStateEntry
		if json.Unmarshal(e.Body, &p) == nil {
			s.peerStates[e.Key] = p
		}
	case RecIntent:
		if e.Tomb {
			delete(s.intents, e.Key)
			return
		}
		var rec IntentRecord
		if json.Unmarshal(e.Body, &rec) == nil {
			s.intents[e.Key] = rec
		}
	case RecPendingAction:
		var a PendingAction
		if json.Unmarshal(e.Body, &a) == nil {
			s.actions[e.Key] = a
		}
	case RecContribution:
		var c ContributionLedgerEntry
		if json.Unmarshal(e.Body, &c) == nil {
			s.contribs[e.Key] = c
		}
	case RecInvitation:
		var inv InvitationTicket
		if json.Unmarshal(e.Body, &inv) == nil {
			s.invitations[e.Key] = inv
		}
	case RecBan:
		var b BanRecord
		if json.Unmarshal(e.Body, &b) == nil {
			s.bans[e.Key] = b
		}
	case RecHive:
		var h Hive
		if json.Unmarshal(e.Body, &h) == nil {
			s.hive = &h
		}
	}
}

// append writes one entry to the WAL and applies it in-memory.
func (s *Store) append(kind RecordKind, key string, tomb bool, body interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw json.RawMessage
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		raw = b
	}
	e := walEntry{Kind: kind, Key: key, Tomb: tomb, Body: raw}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := s.wal.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := s.wal.Sync(); err != nil {
		return err
	}
	s.apply(e)
	s.appends++
	return nil
}

// --- Member rows -----------------------------------------------------------

func (s *Store) PutMember(m Member) error {
	return s.append(RecMember, string(m.NodeID), false, m)
}

func (s *Store) GetMember(id NodeID) (Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[string(id)]
	return m, ok
}

func (s *Store) ListMembers() []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// --- Peer state rows ---------------------------------------------------------

func (s *Store) PutPeerState(p PeerStateEntry) error {
	return s.append(RecPeerState, string(p.NodeID), false, p)
}

func (s *Store) GetPeerState(id NodeID) (PeerStateEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peerStates[string(id)]
	return p, ok
}

func (s *Store) ListPeerStates() []PeerStateEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerStateEntry, 0, len(s.peerStates))
	for _, p := range s.peerStates {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// --- Intent rows -------------------------------------------------------------

func (s *Store) PutIntent(rec IntentRecord) error {
	return s.append(RecIntent, rec.IntentID, false, rec)
}

func (s *Store) DeleteIntent(id string) error {
	return s.append(RecIntent, id, true, nil)
}

func (s *Store) GetIntent(id string) (IntentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.intents[id]
	return r, ok
}

func (s *Store) ListIntents() []IntentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]IntentRecord, 0, len(s.intents))
	for _, r := range s.intents {
		out = append(out, r)
	}
	return out
}

// --- Pending action rows ------------------------------------------------------

func (s *Store) PutAction(a PendingAction) error {
	return s.append(RecPendingAction, a.ActionID, false, a)
}

func (s *Store) GetAction(id string) (PendingAction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[id]
	return a, ok
}

func (s *Store) ListActions() []PendingAction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PendingAction, 0, len(s.actions))
	for _, a := range s.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProposedAt.Before(out[j].ProposedAt) })
	return out
}

// --- Contribution ledger rows --------------------------------------------------

func (s *Store) PutContribution(c ContributionLedgerEntry) error {
	return s.append(RecContribution, c.Key(), false, c)
}

func (s *Store) GetContribution(self, peer NodeID) (ContributionLedgerEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contribs[string(self)+"/"+string(peer)]
	return c, ok
}

// ListContributions returns every (self, peer) ledger row, sorted by key.
func (s *Store) ListContributions() []ContributionLedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ContributionLedgerEntry, 0, len(s.contribs))
	for _, c := range s.contribs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// --- Invitation rows -----------------------------------------------------------

func (s *Store) PutInvitation(inv InvitationTicket) error {
	return s.append(RecInvitation, inv.TicketID, false, inv)
}

func (s *Store) GetInvitation(id string) (InvitationTicket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invitations[id]
	return inv, ok
}

// --- Ban rows ------------------------------------------------------------------

func (s *Store) PutBan(b BanRecord) error {
	return s.append(RecBan, string(b.TargetNodeID), false, b)
}

func (s *Store) GetBan(id NodeID) (BanRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bans[string(id)]
	return b, ok
}

func (s *Store) IsBanned(id NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bans[string(id)]
	return ok
}

// --- Hive singleton ------------------------------------------------------------

// PutHive persists the Hive singleton, written exactly once by Genesis.
func (s *Store) PutHive(h Hive) error {
	return s.append(RecHive, "singleton", false, h)
}

// GetHive returns the persisted Hive singleton, or nil before genesis.
func (s *Store) GetHive() *Hive {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.hive == nil {
		return nil
	}
	h := *s.hive
	return &h
}

// Snapshot compacts the WAL into a single snapshot file and truncates the
// log; callers trigger this periodically based on AppendCount so the WAL
// never grows without bound between restarts.
func (s *Store) Snapshot() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := struct {
		Members     map[string]Member                 `json:"members"`
		PeerStates  map[string]PeerStateEntry          `json:"peer_states"`
		Intents     map[string]IntentRecord            `json:"intents"`
		Actions     map[string]PendingAction           `json:"actions"`
		Contribs    map[string]ContributionLedgerEntry `json:"contributions"`
		Invitations map[string]InvitationTicket        `json:"invitations"`
		Bans        map[string]BanRecord                `json:"bans"`
		Hive        *Hive                                `json:"hive,omitempty"`
	}{s.members, s.peerStates, s.intents, s.actions, s.contribs, s.invitations, s.bans, s.hive}

	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.cfg.Dir, s.cfg.SnapshotName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	if err := s.wal.Truncate(0); err != nil {
		return err
	}
	if _, err := s.wal.Seek(0, io.SeekStart); err != nil {
		return err
	}
	s.appends = 0
	s.log.Info("store snapshot compacted")
	return nil
}

// AppendCount reports WAL entries written since the last Snapshot, used by
// the host to decide when to trigger compaction.
func (s *Store) AppendCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appends
}

// Close flushes and closes the underlying WAL file.
func (s *Store) Close() error {
	if s.wal == nil {
		return nil
	}
	return s.wal.Close()
}
