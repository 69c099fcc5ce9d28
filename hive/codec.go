// SPDX-License-Identifier: Apache-2.0
// Wire codec: magic-prefixed frames carrying canonical-JSON payloads,
// dispatched by message type so a single custom-message channel can carry
// every HIVE_* exchange (handshake, gossip, intent, ban, promotion) without
// ambiguity.
package hive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Magic identifies a frame as belonging to this protocol; ASCII "HIVE".
const Magic uint32 = 0x48495645

// MsgType is the 2-byte, big-endian message type id. Odd values in
// [32769, 33000] are reserved for this protocol so a host multiplexing
// several custom-message plugins can route frames without collision.
type MsgType uint16

const (
	MsgHello     MsgType = 32769
	MsgChallenge MsgType = 32771
	MsgAttest    MsgType = 32773
	MsgWelcome   MsgType = 32775

	MsgGossip    MsgType = 32777
	MsgStateHash MsgType = 32779
	MsgFullSync  MsgType = 32781

	MsgIntent      MsgType = 32783
	MsgIntentAck   MsgType = 32785
	MsgIntentAbort MsgType = 32787

	MsgVouch     MsgType = 32789
	MsgBan       MsgType = 32791
	MsgPromotion MsgType = 32793
)

func (t MsgType) String() string {
	switch t {
	case MsgHello:
		return "HIVE_HELLO"
	case MsgChallenge:
		return "HIVE_CHALLENGE"
	case MsgAttest:
		return "HIVE_ATTEST"
	case MsgWelcome:
		return "HIVE_WELCOME"
	case MsgGossip:
		return "HIVE_GOSSIP"
	case MsgStateHash:
		return "HIVE_STATE_HASH"
	case MsgFullSync:
		return "HIVE_FULL_SYNC"
	case MsgIntent:
		return "HIVE_INTENT"
	case MsgIntentAck:
		return "HIVE_INTENT_ACK"
	case MsgIntentAbort:
		return "HIVE_INTENT_ABORT"
	case MsgVouch:
		return "HIVE_VOUCH"
	case MsgBan:
		return "HIVE_BAN"
	case MsgPromotion:
		return "HIVE_PROMOTION"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
	}
}

// ErrNotOurs is returned when the leading bytes of a buffer do not carry
// Magic — the caller must leave the bytes untouched for the next plugin in
// the host's dispatch chain.
var ErrNotOurs = errors.New("hive: frame magic mismatch")

// Frame is a decoded wire message: its type and raw JSON payload.
type Frame struct {
	Type    MsgType
	Payload json.RawMessage
}

// EncodeFrame serializes payload as canonical JSON and prefixes it with the
// magic and type header.
func EncodeFrame(t MsgType, payload interface{}) ([]byte, error) {
	body, err := canonicalJSON(payload)
	if err != nil {
		return nil, ProtocolErr("encode frame", err)
	}
	buf := make([]byte, 6+len(body))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], uint16(t))
	copy(buf[6:], body)
	return buf, nil
}

// DecodeFrame parses a wire buffer into a Frame. If the magic does not
// match, it returns ErrNotOurs without error wrapping, signalling the host
// to pass the bytes to the next plugin.
func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) < 6 {
		return Frame{}, ErrNotOurs
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != Magic {
		return Frame{}, ErrNotOurs
	}
	t := MsgType(binary.BigEndian.Uint16(buf[4:6]))
	return Frame{Type: t, Payload: json.RawMessage(buf[6:])}, nil
}

// canonicalJSON marshals v with sorted keys and no insignificant
// whitespace, by round-tripping through a generic map/slice decode. This
// matches the canonical form every signature is computed over.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// encodeCanonical writes v with object keys sorted lexicographically. Go's
// encoding/json already sorts map[string]interface{} keys, so this mostly
// documents the invariant the sig computation depends on.
func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// SigPayload replaces the "sig" field of a canonical-JSON object with a
// sentinel value before computing or verifying its signature, per the wire
// codec's signing convention.
func SigPayload(raw json.RawMessage) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, ProtocolErr("sig payload", err)
	}
	sentinel, _ := json.Marshal("")
	m["sig"] = sentinel
	return canonicalJSON(m)
}
