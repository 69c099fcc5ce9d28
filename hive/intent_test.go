// SPDX-License-Identifier: Apache-2.0
package hive

import (
	"testing"
	"time"
)

type recordingExecutor struct {
	executed []string
}

func (r *recordingExecutor) ExecuteIntent(rec IntentRecord) error {
	r.executed = append(r.executed, rec.IntentID)
	return nil
}

type noopBus struct{ aborts []string }

func (n *noopBus) BroadcastIntent(rec IntentRecord) error { return nil }
func (n *noopBus) BroadcastIntentAbort(id, reason string) error {
	n.aborts = append(n.aborts, id)
	return nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(StoreConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConflictScopeChannelVsRebalance(t *testing.T) {
	if got := ConflictScope(IntentChannelOpen, "peerA"); got != "peerA" {
		t.Fatalf("ChannelOpen scope = %q, want %q", got, "peerA")
	}
	a := ConflictScope(IntentRebalance, "chan2, chan1")
	b := ConflictScope(IntentRebalance, "chan1,chan2")
	if a != b {
		t.Fatalf("Rebalance scope not order-independent: %q vs %q", a, b)
	}
}

func TestIntentAlreadyPending(t *testing.T) {
	store := newTestStore(t)
	bus := &noopBus{}
	exec := &recordingExecutor{}
	e := NewIntentEngine(store, bus, exec, NodeID("aa"))

	now := time.Unix(1_700_000_000, 0).UTC()
	if _, err := e.Announce(IntentChannelOpen, "aa", "target", now); err != nil {
		t.Fatalf("first announce: %v", err)
	}
	if _, err := e.Announce(IntentChannelOpen, "aa", "target", now); err != ErrAlreadyPending {
		if class, ok := ClassOf(err); !ok || class != ClassConflict {
			t.Fatalf("second announce err = %v, want ErrAlreadyPending/ClassConflict", err)
		}
	}
}

func TestIntentTieBreakTotalOrder(t *testing.T) {
	if TieBreak("a", "b") != "a" {
		t.Fatalf("TieBreak should prefer the lexicographically smaller pubkey")
	}
	if TieBreak("b", "a") != "a" {
		t.Fatalf("TieBreak should be symmetric")
	}
}

func TestOnRemoteIntentYieldsToLowerPubkey(t *testing.T) {
	store := newTestStore(t)
	bus := &noopBus{}
	e := NewIntentEngine(store, bus, nil, NodeID("bb"))

	now := time.Unix(1_700_000_000, 0).UTC()
	local, err := e.Announce(IntentChannelOpen, "bb", "target", now)
	if err != nil {
		t.Fatalf("announce: %v", err)
	}

	remote := IntentRecord{
		IntentID:      "remote-1",
		Kind:          IntentChannelOpen,
		Initiator:     "aa", // lexicographically smaller, wins
		Target:        "target",
		ConflictScope: "target",
		Status:        IntentPending,
	}
	if err := e.OnRemoteIntent(remote); err != nil {
		t.Fatalf("OnRemoteIntent: %v", err)
	}

	got, ok := store.GetIntent(local.IntentID)
	if !ok {
		t.Fatalf("local intent vanished")
	}
	if got.Status != IntentAborted {
		t.Fatalf("local intent status = %v, want Aborted", got.Status)
	}
	if len(bus.aborts) != 1 {
		t.Fatalf("expected one broadcast abort, got %d", len(bus.aborts))
	}
}

func TestRunMonitorPassCommitsAfterHoldWindow(t *testing.T) {
	store := newTestStore(t)
	exec := &recordingExecutor{}
	e := NewIntentEngine(store, &noopBus{}, exec, NodeID("aa"))

	now := time.Unix(1_700_000_000, 0).UTC()
	rec, err := e.Announce(IntentChannelOpen, "aa", "target", now)
	if err != nil {
		t.Fatalf("announce: %v", err)
	}

	e.RunMonitorPass(now.Add(HoldWindow - time.Second))
	if got, _ := store.GetIntent(rec.IntentID); got.Status != IntentPending {
		t.Fatalf("intent committed early: %v", got.Status)
	}

	e.RunMonitorPass(now.Add(HoldWindow + time.Second))
	got, _ := store.GetIntent(rec.IntentID)
	if got.Status != IntentCommitted {
		t.Fatalf("status = %v, want Committed", got.Status)
	}
	if len(exec.executed) != 1 || exec.executed[0] != rec.IntentID {
		t.Fatalf("executor not invoked for committed intent")
	}
}

func TestRunMonitorPassPurgesOldTerminalIntents(t *testing.T) {
	store := newTestStore(t)
	e := NewIntentEngine(store, &noopBus{}, nil, NodeID("aa"))
	now := time.Unix(1_700_000_000, 0).UTC()

	rec, err := e.Announce(IntentChannelOpen, "aa", "target", now)
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	e.RunMonitorPass(now.Add(HoldWindow + time.Second))

	e.RunMonitorPass(now.Add(PurgeAge + time.Minute))
	if _, ok := store.GetIntent(rec.IntentID); ok {
		t.Fatalf("terminal intent not purged after PurgeAge")
	}
}

func TestReplayOnRestartCommitsUnconflictedPendingIntent(t *testing.T) {
	store := newTestStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	rec := IntentRecord{
		IntentID:      "replay-1",
		Kind:          IntentChannelOpen,
		Initiator:     "aa",
		ConflictScope: "target",
		AnnouncedAt:   now,
		HoldDeadline:  now.Add(HoldWindow),
		Status:        IntentPending,
	}
	if err := store.PutIntent(rec); err != nil {
		t.Fatalf("seed intent: %v", err)
	}

	exec := &recordingExecutor{}
	e := NewIntentEngine(store, &noopBus{}, exec, NodeID("aa"))
	e.ReplayOnRestart(now.Add(HoldWindow + time.Minute))

	got, _ := store.GetIntent(rec.IntentID)
	if got.Status != IntentCommitted {
		t.Fatalf("status after replay = %v, want Committed", got.Status)
	}
}
