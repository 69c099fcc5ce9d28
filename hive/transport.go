// SPDX-License-Identifier: Apache-2.0
// Transport glue: turns a LightningHost's send_custom_message/
// register_custom_message_handler pair into the typed, signed frame dispatch
// the rest of the coordinator expects — decoding the magic-prefixed wire
// format, verifying envelope signatures, and routing each MsgType to its
// registered handler.
package hive

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"time"
)

var transportLogger = log.New(io.Discard, "[transport] ", log.LstdFlags)

// SetTransportLogger overrides the package-level logger.
func SetTransportLogger(l *log.Logger) { transportLogger = l }

// Envelope wraps every HIVE_* payload with the replay-guard fields
// plus an additive correlation id for
// request/reply message pairs, keeping the normative message-type table in codec.go
// unchanged.
type Envelope struct {
	Sig           string          `json:"sig"`
	Timestamp     int64           `json:"timestamp"`
	Sequence      uint64          `json:"sequence"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Body          json.RawMessage `json:"body"`
}

// Transport dispatches decoded frames to the session, fleet-state, gossip,
// intent, and governance layers, and offers the broadcaster and gossip-bus
// surfaces those layers depend on. One Transport exists per coordinator
// process, wired to exactly one LightningHost.
type Transport struct {
	host    LightningHost
	id      *Identity
	self    NodeID
	sm      *SessionManager
	fleet   *FleetState
	metrics *Metrics

	seq   atomic.Uint64
	onMsg map[MsgType]func(peer NodeID, env Envelope)
}

// NewTransport wires a Transport over host, signing outbound frames with id
// and routing replay checks through sm.
func NewTransport(host LightningHost, id *Identity, sm *SessionManager, fleet *FleetState, metrics *Metrics) *Transport {
	t := &Transport{host: host, id: id, self: id.NodeID(), sm: sm, fleet: fleet, metrics: metrics, onMsg: map[MsgType]func(NodeID, Envelope){}}
	host.RegisterCustomMessageHandler(t.handleRaw)
	return t
}

// On registers a handler for an inbound message type. Re-registering a type
// replaces the previous handler.
func (t *Transport) On(msgType MsgType, fn func(peer NodeID, env Envelope)) {
	t.onMsg[msgType] = fn
}

// Send signs and transmits a payload to peer as msgType, wrapping it in the
// replay-guard envelope.
func (t *Transport) Send(ctx context.Context, peer NodeID, msgType MsgType, payload interface{}, correlationID string) error {
	body, err := canonicalJSON(payload)
	if err != nil {
		return ProtocolErr("transport send", err)
	}
	env := Envelope{
		Timestamp:     time.Now().Unix(),
		Sequence:      t.seq.Add(1),
		CorrelationID: correlationID,
		Body:          body,
	}
	sigBody, err := canonicalJSON(env)
	if err != nil {
		return ProtocolErr("transport send", err)
	}
	env.Sig = hex.EncodeToString(t.id.Sign(sigBody))

	frame, err := EncodeFrame(msgType, env)
	if err != nil {
		return err
	}
	if err := t.host.SendCustomMessage(ctx, peer, frame); err != nil {
		return HostUnavailErr("send custom message", err)
	}
	if t.metrics != nil {
		t.metrics.FramesSent.WithLabelValues(msgType.String()).Inc()
	}
	return nil
}

// Broadcast sends payload as msgType to every ACTIVE session whose peer the
// firewall has not banned.
func (t *Transport) Broadcast(ctx context.Context, msgType MsgType, payload interface{}) {
	for peer, state := range t.sm.Snapshot() {
		if state != StateActive {
			continue
		}
		if t.sm.fw.CheckSession(peer, "") != nil {
			continue
		}
		if err := t.Send(ctx, peer, msgType, payload, ""); err != nil {
			transportLogger.Printf("broadcast %s to %s failed: %v", msgType, peer, err)
		}
	}
}

// BroadcastIntent implements the intent engine's broadcaster contract.
func (t *Transport) BroadcastIntent(rec IntentRecord) error {
	t.Broadcast(context.Background(), MsgIntent, rec)
	return nil
}

// BroadcastIntentAbort implements the intent engine's broadcaster contract.
func (t *Transport) BroadcastIntentAbort(intentID, reason string) error {
	t.Broadcast(context.Background(), MsgIntentAbort, map[string]string{"intent_id": intentID, "reason": reason})
	return nil
}

// SignedEntry signs e (with Signature cleared) using the local identity and
// returns the signed entry alongside the exact byte string that was signed,
// implementing the gossip engine's signing contract.
func (t *Transport) SignedEntry(e PeerStateEntry) (PeerStateEntry, []byte) {
	e.Signature = nil
	body, err := canonicalJSON(e)
	if err != nil {
		transportLogger.Printf("sign entry: canonicalize failed: %v", err)
		return e, nil
	}
	e.Signature = t.id.Sign(body)
	return e, body
}

// handleRaw is installed as the host's custom-message handler. It decodes
// the frame, verifies magic (silently ignoring frames that aren't ours),
// checks the replay guard, and dispatches by type.
func (t *Transport) handleRaw(peer NodeID, raw []byte) {
	frame, err := DecodeFrame(raw)
	if err != nil {
		if errors.Is(err, ErrNotOurs) {
			return
		}
		transportLogger.Printf("decode frame from %s: %v", peer, err)
		return
	}
	var env Envelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil {
		transportLogger.Printf("decode envelope from %s: %v", peer, err)
		return
	}
	if !t.verifyEnvelope(peer, env) {
		if t.metrics != nil {
			t.metrics.FramesDropped.WithLabelValues(frame.Type.String()).Inc()
		}
		transportLogger.Printf("signature verification failed for frame from %s, dropping (no-crypto-bypass)", peer)
		return
	}
	if t.sm != nil {
		if err := t.sm.CheckFrame(peer, time.Unix(env.Timestamp, 0), env.Sequence, time.Now()); err != nil {
			if t.metrics != nil {
				t.metrics.FramesDropped.WithLabelValues(frame.Type.String()).Inc()
			}
			transportLogger.Printf("replay guard rejected frame from %s: %v", peer, err)
			return
		}
	}
	if t.metrics != nil {
		t.metrics.FramesReceived.WithLabelValues(frame.Type.String()).Inc()
	}
	if fn, ok := t.onMsg[frame.Type]; ok {
		fn(peer, env)
		return
	}
	transportLogger.Printf("dropping unhandled message type %s from %s", frame.Type, peer)
}

// verifyEnvelope recomputes the canonical sig-body with Sig zeroed and
// checks it against peer's claimed identity: any frame whose signature does
// not verify is dropped before any state mutates.
func (t *Transport) verifyEnvelope(peer NodeID, env Envelope) bool {
	sig, err := hex.DecodeString(env.Sig)
	if err != nil {
		return false
	}
	check := env
	check.Sig = ""
	body, err := canonicalJSON(check)
	if err != nil {
		return false
	}
	keyBytes, err := nodeIDBytes(peer)
	if err != nil {
		return false
	}
	ok, err := VerifySignature(keyBytes, body, sig)
	return err == nil && ok
}

