// SPDX-License-Identifier: Apache-2.0
// Intent Lock engine: an announce-wait-commit coordinator that serializes
// fleet-visible actions (channel opens, rebalances, bans) sharing a
// conflict scope, so two members never race to act on the same target
// during the hold window.
package hive

import (
	"errors"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var intentLogger = log.New(io.Discard, "[intent] ", log.LstdFlags)

// SetIntentLogger overrides the package-level logger.
func SetIntentLogger(l *log.Logger) { intentLogger = l }

// HoldWindow is the announce-wait-commit hold duration.
const HoldWindow = 60 * time.Second

// PurgeAge is how long after its announcement a terminal-status intent row
// is kept before the cleanup pass deletes it.
const PurgeAge = 1 * time.Hour

var (
	ErrAlreadyPending = errors.New("hive: intent already pending for initiator+scope")
)

// ConflictScope derives the conflict key for an intent: ChannelOpen and
// BanPeer key on the target pubkey, Rebalance keys on the sorted,
// comma-joined channel-id set.
func ConflictScope(kind IntentKind, target string) string {
	if kind != IntentRebalance {
		return target
	}
	ids := strings.Split(target, ",")
	for i := range ids {
		ids[i] = strings.TrimSpace(ids[i])
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// broadcaster is the narrow slice of the gossip/transport surface the
// intent engine needs to announce and abort — satisfied by Transport.
type broadcaster interface {
	BroadcastIntent(rec IntentRecord) error
	BroadcastIntentAbort(intentID, reason string) error
}

// IntentExecutor carries out a committed intent. Supplied by the host
// adapter / revenue-ops collaborator.
type IntentExecutor interface {
	ExecuteIntent(rec IntentRecord) error
}

// IntentEngine owns every IntentRecord and its conflict resolution.
// One engine instance exists per coordinator process.
type IntentEngine struct {
	mu    sync.Mutex
	store *Store
	bus   broadcaster
	exec  IntentExecutor
	self  NodeID

	// pendingByScope indexes currently Pending intents by
	// initiator+"/"+conflict_scope to enforce "at most one Pending intent
	// per (initiator, conflict_scope)".
	pendingByScope map[string]string // -> intent_id
}

// NewIntentEngine constructs an engine over store, broadcasting via bus and
// executing committed intents via exec.
func NewIntentEngine(store *Store, bus broadcaster, exec IntentExecutor, self NodeID) *IntentEngine {
	e := &IntentEngine{store: store, bus: bus, exec: exec, self: self, pendingByScope: map[string]string{}}
	for _, rec := range store.ListIntents() {
		if rec.Status == IntentPending {
			e.pendingByScope[string(rec.Initiator)+"/"+rec.ConflictScope] = rec.IntentID
		}
	}
	return e
}

// Announce creates a new Pending intent, persists it before broadcasting,
// and returns it. A second concurrent Announce for the same
// (initiator, conflict_scope) fails with ErrAlreadyPending.
func (e *IntentEngine) Announce(kind IntentKind, initiator NodeID, target string, now time.Time) (IntentRecord, error) {
	scope := ConflictScope(kind, target)
	key := string(initiator) + "/" + scope

	e.mu.Lock()
	if _, busy := e.pendingByScope[key]; busy {
		e.mu.Unlock()
		return IntentRecord{}, ConflictErr("announce intent", ErrAlreadyPending)
	}
	rec := IntentRecord{
		IntentID:      uuid.NewString(),
		Kind:          kind,
		Initiator:     initiator,
		Target:        target,
		ConflictScope: scope,
		AnnouncedAt:   now,
		HoldDeadline:  now.Add(HoldWindow),
		Status:        IntentPending,
	}
	e.pendingByScope[key] = rec.IntentID
	e.mu.Unlock()

	if err := e.store.PutIntent(rec); err != nil {
		e.mu.Lock()
		delete(e.pendingByScope, key)
		e.mu.Unlock()
		return IntentRecord{}, IntegrityErr("announce intent", err)
	}
	if e.bus != nil {
		if err := e.bus.BroadcastIntent(rec); err != nil {
			intentLogger.Printf("broadcast intent %s failed: %v", rec.IntentID, err)
		}
	}
	return rec, nil
}

// OnRemoteIntent processes an incoming HIVE_INTENT from another node,
// running the tie-break against any local Pending intent sharing its
// conflict scope.
func (e *IntentEngine) OnRemoteIntent(remote IntentRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, local := range e.store.ListIntents() {
		if local.Status != IntentPending {
			continue
		}
		if local.Kind != remote.Kind || local.ConflictScope != remote.ConflictScope {
			continue
		}
		if local.Initiator == remote.Initiator {
			continue
		}
		winner := TieBreak(local.Initiator, remote.Initiator)
		if winner == local.Initiator {
			// we win; nothing to do locally, the remote side aborts itself.
			continue
		}
		// we lose: abort our own intent.
		local.Status = IntentAborted
		local.AbortReason = "yielded_to_lower_pubkey"
		if err := e.store.PutIntent(local); err != nil {
			return IntegrityErr("intent tie-break", err)
		}
		delete(e.pendingByScope, string(local.Initiator)+"/"+local.ConflictScope)
		if e.bus != nil {
			_ = e.bus.BroadcastIntentAbort(local.IntentID, local.AbortReason)
		}
		intentLogger.Printf("intent %s aborted: yielded to %s", local.IntentID, remote.Initiator)
	}
	return nil
}

// TieBreak implements the total, timestamp-free tie-break rule: the lexicographically smaller initiator
// pubkey wins.
func TieBreak(a, b NodeID) NodeID {
	if a < b {
		return a
	}
	return b
}

// OnRemoteAbort records an externally-announced abort for observer copies
// of an intent we do not own.
func (e *IntentEngine) OnRemoteAbort(intentID, reason string) error {
	rec, ok := e.store.GetIntent(intentID)
	if !ok {
		return nil
	}
	if rec.Status != IntentPending {
		return nil
	}
	rec.Status = IntentAborted
	rec.AbortReason = reason
	e.mu.Lock()
	delete(e.pendingByScope, string(rec.Initiator)+"/"+rec.ConflictScope)
	e.mu.Unlock()
	return e.store.PutIntent(rec)
}

// RunMonitorPass executes one iteration of the 5 s background monitor loop:
// commit Pending intents whose hold deadline has passed and purge terminal
// rows older than PurgeAge.
func (e *IntentEngine) RunMonitorPass(now time.Time) {
	for _, rec := range e.store.ListIntents() {
		switch rec.Status {
		case IntentPending:
			if now.After(rec.HoldDeadline) || now.Equal(rec.HoldDeadline) {
				e.commit(rec)
			}
		case IntentCommitted, IntentAborted, IntentExpired:
			if now.Sub(rec.AnnouncedAt) > PurgeAge {
				_ = e.store.DeleteIntent(rec.IntentID)
			}
		}
	}
}

func (e *IntentEngine) commit(rec IntentRecord) {
	rec.Status = IntentCommitted
	if err := e.store.PutIntent(rec); err != nil {
		intentLogger.Printf("commit intent %s: persist failed: %v", rec.IntentID, err)
		return
	}
	e.mu.Lock()
	delete(e.pendingByScope, string(rec.Initiator)+"/"+rec.ConflictScope)
	e.mu.Unlock()
	intentLogger.Printf("intent %s committed", rec.IntentID)
	if e.exec != nil {
		if err := e.exec.ExecuteIntent(rec); err != nil {
			// Commit is not retracted on executor failure; a higher layer decides whether to retry.
			intentLogger.Printf("intent %s executor failed: %v", rec.IntentID, err)
		}
	}
}

// ReplayOnRestart re-evaluates Pending intents found in the store at
// startup: a Pending intent past its deadline
// commits only if no conflicting intent from another node is also present.
func (e *IntentEngine) ReplayOnRestart(now time.Time) {
	recs := e.store.ListIntents()
	for _, rec := range recs {
		if rec.Status != IntentPending || !now.After(rec.HoldDeadline) {
			continue
		}
		conflicted := false
		for _, other := range recs {
			if other.IntentID == rec.IntentID || other.Status != IntentPending {
				continue
			}
			if other.Kind == rec.Kind && other.ConflictScope == rec.ConflictScope && other.Initiator != rec.Initiator {
				conflicted = true
				break
			}
		}
		if !conflicted {
			e.commit(rec)
		}
	}
}
