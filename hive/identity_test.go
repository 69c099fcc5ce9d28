// SPDX-License-Identifier: Apache-2.0
package hive

import (
	"bytes"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	msg := []byte("hello hive")
	sig := id.Sign(msg)

	ok, err := VerifySignature(id.PublicKeyBytes(), msg, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("signature did not verify against its own key")
	}
}

func TestVerifySignatureFailsForWrongKey(t *testing.T) {
	signer, _ := NewIdentity()
	other, _ := NewIdentity()
	msg := []byte("hello hive")
	sig := signer.Sign(msg)

	ok, err := VerifySignature(other.PublicKeyBytes(), msg, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatalf("signature verified against the wrong public key")
	}
}

func TestAggregateAndVerifyVouches(t *testing.T) {
	voters := make([]*Identity, 3)
	pubKeys := make([][]byte, 3)
	sigs := make([][]byte, 3)
	candidate := NodeID("candidate-pubkey")
	for i := range voters {
		id, err := NewIdentity()
		if err != nil {
			t.Fatalf("NewIdentity: %v", err)
		}
		voters[i] = id
		pubKeys[i] = id.BLSPublicKeyBytes()
		sigs[i] = id.SignVouch(candidate)
	}

	agg, err := AggregateVouches(sigs)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	ok, err := VerifyAggregatedVouch(pubKeys, candidate, agg)
	if err != nil {
		t.Fatalf("verify aggregated: %v", err)
	}
	if !ok {
		t.Fatalf("aggregated vouch signature did not verify")
	}
}

func TestSessionCacheSealOpenRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	aad := []byte("session-cache")
	plaintext := []byte("cached replay-guard state")

	blob, err := SealSessionCache(key, plaintext, aad)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := OpenSessionCache(key, blob, aad)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, plaintext)
	}

	if _, err := OpenSessionCache(key, blob, []byte("wrong aad")); err == nil {
		t.Fatalf("expected AEAD failure with mismatched associated data")
	}
}
