// SPDX-License-Identifier: Apache-2.0
// Governance / action queue: the pending-action lifecycle under advisor,
// autonomous, and oracle modes. Every host-affecting operation (channel
// open, rebalance, fee change) passes through here before a single sat
// moves, and every transition is chained into a tamper-evident audit log.
package hive

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

var governanceLogger = log.New(io.Discard, "[governance] ", log.LstdFlags)

// SetGovernanceLogger overrides the package-level logger.
func SetGovernanceLogger(l *log.Logger) { governanceLogger = l }

var (
	ErrBoundsExceeded  = errors.New("hive: action outside autonomous safety bounds")
	ErrNotAwaiting     = errors.New("hive: action is not awaiting decision")
	ErrOracleUnavail   = errors.New("hive: oracle decision endpoint unavailable")
)

// SafetyBounds caps what the Autonomous mode may auto-approve: opens and
// their total sats per UTC day, sats per single rebalance, and fee change
// percent per change.
type SafetyBounds struct {
	MaxOpensPerDay      int
	MaxSatsPerDay       uint64
	MaxFeeChangePercent float64
	MaxSatsPerRebalance uint64
}

// DefaultSafetyBounds returns conservative opening/rebalance/fee caps
// suitable for a freshly-deployed autonomous-mode queue.
func DefaultSafetyBounds() SafetyBounds {
	return SafetyBounds{MaxOpensPerDay: 3, MaxSatsPerDay: 10_000_000, MaxFeeChangePercent: 25, MaxSatsPerRebalance: 5_000_000}
}

// OracleClient is the external decision endpoint contract for Oracle mode.
type OracleClient interface {
	Decide(action PendingAction, timeout time.Duration) (OracleVerdict, error)
}

// OracleVerdict is an oracle's structured reply.
type OracleVerdict struct {
	Decision string // "approve" | "reject" | "defer" | "modify"
	Reason   string
}

// AuditRecord is a tamper-evident log entry for every action transition:
// its Hash covers the record's fields and PrevHash, chaining the audit
// trail. Records carry no signature.
type AuditRecord struct {
	ActionID  string
	From      ActionStatus
	To        ActionStatus
	Who       NodeID
	When      time.Time
	Why       string
	PrevHash  [32]byte
	Hash      [32]byte
}

// ActionQueue owns the governance pending-action lifecycle.
type ActionQueue struct {
	mu     sync.Mutex
	store  *Store
	mode   ActionMode
	bounds SafetyBounds
	oracle OracleClient

	auditChain [32]byte
	audit      []AuditRecord

	// dailyOpens/dailySats track autonomous-mode caps, reset per UTC day.
	dayKey     string
	dailyOpens int
	dailySats  uint64
}

// NewActionQueue constructs a queue in the given mode.
func NewActionQueue(store *Store, mode ActionMode, bounds SafetyBounds, oracle OracleClient) *ActionQueue {
	return &ActionQueue{store: store, mode: mode, bounds: bounds, oracle: oracle}
}

// Mode reports the queue's current resolution mode.
func (q *ActionQueue) Mode() ActionMode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mode
}

// SetMode switches resolution mode at runtime (operator RPC surface).
func (q *ActionQueue) SetMode(m ActionMode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.mode = m
}

// Enqueue submits a new action; under Autonomous mode it is resolved
// immediately against SafetyBounds, under Oracle mode it is pushed to the
// configured endpoint, and under Advisor mode it waits for an operator.
func (q *ActionQueue) Enqueue(actionType string, payload map[string]interface{}, expires time.Duration, now time.Time) (PendingAction, error) {
	a := PendingAction{
		ActionID:   uuid.NewString(),
		ActionType: actionType,
		Payload:    payload,
		ProposedAt: now,
		ExpiresAt:  now.Add(expires),
		State:      ActionAwaitingDecision,
	}
	if err := q.store.PutAction(a); err != nil {
		return PendingAction{}, IntegrityErr("enqueue action", err)
	}
	q.recordAudit(a.ActionID, "", ActionAwaitingDecision, "", now, "enqueued")

	switch q.Mode() {
	case ModeAutonomous:
		return q.resolveAutonomous(a, now)
	case ModeOracle:
		return q.resolveOracle(a, now)
	default:
		return a, nil
	}
}

func (q *ActionQueue) resolveAutonomous(a PendingAction, now time.Time) (PendingAction, error) {
	q.mu.Lock()
	day := now.UTC().Format("2006-01-02")
	if q.dayKey != day {
		q.dayKey = day
		q.dailyOpens = 0
		q.dailySats = 0
	}
	sats, _ := payloadUint64(a.Payload, "sats")
	withinBounds := true
	reason := ""
	if a.ActionType == "ChannelOpen" {
		if q.dailyOpens+1 > q.bounds.MaxOpensPerDay {
			withinBounds, reason = false, "bounds_exceeded"
		} else if q.dailySats+sats > q.bounds.MaxSatsPerDay {
			withinBounds, reason = false, "bounds_exceeded"
		}
	}
	if a.ActionType == "Rebalance" && sats > q.bounds.MaxSatsPerRebalance {
		withinBounds, reason = false, "bounds_exceeded"
	}
	if a.ActionType == "FeeChange" {
		if pct, ok := payloadFloat(a.Payload, "change_percent"); ok && pct > q.bounds.MaxFeeChangePercent {
			withinBounds, reason = false, "bounds_exceeded"
		}
	}
	if withinBounds && a.ActionType == "ChannelOpen" {
		q.dailyOpens++
		q.dailySats += sats
	}
	q.mu.Unlock()

	if !withinBounds {
		return q.transition(a, ActionRejected, DecisionAutoBounds, reason, now)
	}
	return q.transition(a, ActionApproved, DecisionAutoBounds, "within_bounds", now)
}

func (q *ActionQueue) resolveOracle(a PendingAction, now time.Time) (PendingAction, error) {
	if q.oracle == nil {
		return a, HostUnavailErr("oracle decide", ErrOracleUnavail)
	}
	verdict, err := q.oracle.Decide(a, 30*time.Second)
	if err != nil {
		governanceLogger.Printf("oracle decide %s failed, leaving awaiting: %v", a.ActionID, err)
		return a, nil
	}
	switch verdict.Decision {
	case "approve":
		return q.transition(a, ActionApproved, DecisionOracle, verdict.Reason, now)
	case "reject":
		return q.transition(a, ActionRejected, DecisionOracle, verdict.Reason, now)
	default: // "defer" or "modify": stays AwaitingDecision for a future pass.
		return a, nil
	}
}

// Approve resolves an AwaitingDecision action via operator RPC.
func (q *ActionQueue) Approve(actionID string, operator NodeID, now time.Time) (PendingAction, error) {
	a, ok := q.store.GetAction(actionID)
	if !ok {
		return PendingAction{}, ConsensusErr("approve action", errors.New("unknown action"))
	}
	if a.State != ActionAwaitingDecision {
		return PendingAction{}, ConsensusErr("approve action", ErrNotAwaiting)
	}
	return q.transitionBy(a, ActionApproved, DecisionOperator, "operator approved", operator, now)
}

// Reject resolves an AwaitingDecision action via operator RPC.
func (q *ActionQueue) Reject(actionID, reason string, operator NodeID, now time.Time) (PendingAction, error) {
	a, ok := q.store.GetAction(actionID)
	if !ok {
		return PendingAction{}, ConsensusErr("reject action", errors.New("unknown action"))
	}
	if a.State != ActionAwaitingDecision {
		return PendingAction{}, ConsensusErr("reject action", ErrNotAwaiting)
	}
	return q.transitionBy(a, ActionRejected, DecisionOperator, reason, operator, now)
}

// BeginExecution marks an Approved action Executing; called by the executor
// collaborator immediately before invoking the host adapter.
func (q *ActionQueue) BeginExecution(actionID string, now time.Time) (PendingAction, error) {
	a, ok := q.store.GetAction(actionID)
	if !ok {
		return PendingAction{}, ConsensusErr("begin execution", errors.New("unknown action"))
	}
	if a.State != ActionApproved {
		return PendingAction{}, ConsensusErr("begin execution", errors.New("action is not approved"))
	}
	return q.transition(a, ActionExecuting, "", "", now)
}

// CompleteExecution records the terminal outcome of an Executing action.
func (q *ActionQueue) CompleteExecution(actionID string, ok bool, reason string, now time.Time) (PendingAction, error) {
	a, found := q.store.GetAction(actionID)
	if !found {
		return PendingAction{}, ConsensusErr("complete execution", errors.New("unknown action"))
	}
	if ok {
		return q.transition(a, ActionExecuted, "", reason, now)
	}
	return q.transition(a, ActionFailed, "", reason, now)
}

// ExpireStale transitions any AwaitingDecision action past ExpiresAt to
// Expired; called from the governance poller loop.
func (q *ActionQueue) ExpireStale(now time.Time) {
	for _, a := range q.store.ListActions() {
		if a.State == ActionAwaitingDecision && now.After(a.ExpiresAt) {
			_, _ = q.transition(a, ActionExpired, "", "expired", now)
		}
	}
}

func (q *ActionQueue) transition(a PendingAction, to ActionStatus, src ActionDecisionSource, reason string, now time.Time) (PendingAction, error) {
	return q.transitionBy(a, to, src, reason, "", now)
}

func (q *ActionQueue) transitionBy(a PendingAction, to ActionStatus, src ActionDecisionSource, reason string, who NodeID, now time.Time) (PendingAction, error) {
	from := a.State
	a.State = to
	a.DecisionSource = src
	a.DecisionReason = reason
	if err := q.store.PutAction(a); err != nil {
		return PendingAction{}, IntegrityErr("transition action", err)
	}
	q.recordAudit(a.ActionID, from, to, who, now, reason)
	governanceLogger.Printf("action %s %s -> %s (%s)", a.ActionID, from, to, reason)
	return a, nil
}

func (q *ActionQueue) recordAudit(actionID string, from, to ActionStatus, who NodeID, when time.Time, why string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec := AuditRecord{ActionID: actionID, From: from, To: to, Who: who, When: when, Why: why, PrevHash: q.auditChain}
	body := fmt.Sprintf("%s|%s|%s|%s|%d|%s|%x", rec.ActionID, rec.From, rec.To, rec.Who, rec.When.Unix(), rec.Why, rec.PrevHash)
	rec.Hash = sha256.Sum256([]byte(body))
	q.auditChain = rec.Hash
	q.audit = append(q.audit, rec)
}

// AuditTrail returns the full chained audit log for operator inspection.
func (q *ActionQueue) AuditTrail() []AuditRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]AuditRecord, len(q.audit))
	copy(out, q.audit)
	return out
}

func payloadUint64(m map[string]interface{}, key string) (uint64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return uint64(n), true
	case uint64:
		return n, true
	case int:
		return uint64(n), true
	default:
		return 0, false
	}
}

func payloadFloat(m map[string]interface{}, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}
