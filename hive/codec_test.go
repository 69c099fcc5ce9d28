// SPDX-License-Identifier: Apache-2.0
package hive

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	payload := map[string]interface{}{"b": 1, "a": "x"}
	buf, err := EncodeFrame(MsgGossip, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := DecodeFrame(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != MsgGossip {
		t.Fatalf("type = %v, want %v", f.Type, MsgGossip)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(f.Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got["a"] != "x" {
		t.Fatalf("payload round trip mismatch: %+v", got)
	}
}

func TestDecodeFrameNotOurs(t *testing.T) {
	if _, err := DecodeFrame([]byte{0, 0, 0, 0, 0, 0}); err != ErrNotOurs {
		t.Fatalf("err = %v, want ErrNotOurs", err)
	}
	if _, err := DecodeFrame([]byte{1, 2}); err != ErrNotOurs {
		t.Fatalf("short buffer: err = %v, want ErrNotOurs", err)
	}
}

func TestCanonicalJSONKeyOrderStable(t *testing.T) {
	a, err := canonicalJSON(map[string]interface{}{"z": 1, "a": 2, "m": 3})
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}
	b, err := canonicalJSON(map[string]interface{}{"a": 2, "m": 3, "z": 1})
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("canonical encoding differs by input key order: %s vs %s", a, b)
	}
}

func TestSigPayloadZeroesSigField(t *testing.T) {
	raw, _ := canonicalJSON(map[string]interface{}{"a": 1, "sig": "deadbeef"})
	out, err := SigPayload(raw)
	if err != nil {
		t.Fatalf("SigPayload: %v", err)
	}
	other, _ := canonicalJSON(map[string]interface{}{"a": 1, "sig": "cafebabe"})
	outOther, err := SigPayload(other)
	if err != nil {
		t.Fatalf("SigPayload: %v", err)
	}
	if !bytes.Equal(out, outOther) {
		t.Fatalf("SigPayload should be insensitive to the original sig value")
	}
}
