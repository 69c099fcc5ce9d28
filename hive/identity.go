// SPDX-License-Identifier: Apache-2.0
// Crypto & Identity: node keypairs, frame signing, and the BLS
// aggregation used to compact a quorum of vouch signatures into one blob
// carried by a promotion message.
package hive

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	bls "github.com/herumi/bls-eth-go-binary/bls"
	"golang.org/x/crypto/chacha20poly1305"
)

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(fmt.Errorf("hive: bls init: %w", err))
	}
}

var identityLogger = log.New(io.Discard, "[identity] ", log.LstdFlags)

// SetIdentityLogger overrides the package-level logger.
func SetIdentityLogger(l *log.Logger) { identityLogger = l }

// Identity is a node's long-lived keypair: a secp256k1 key that is the
// node's canonical NodeID and the signer of every wire frame, plus a BLS
// key used only to produce vouch signatures that aggregate across voters.
type Identity struct {
	priv    *btcec.PrivateKey
	blsPriv bls.SecretKey
}

// NewIdentity generates a fresh Identity.
func NewIdentity() (*Identity, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	return &Identity{priv: priv, blsPriv: sk}, nil
}

// IdentityFromSecpKey reconstructs an Identity from a raw 32-byte secp256k1
// scalar (e.g. loaded from the host adapter) and a raw BLS secret key.
func IdentityFromSecpKey(secpKey, blsKey []byte) (*Identity, error) {
	if len(secpKey) != 32 {
		return nil, errors.New("identity: secp256k1 key must be 32 bytes")
	}
	priv, _ := btcec.PrivKeyFromBytes(secpKey)
	id := &Identity{priv: priv}
	if len(blsKey) > 0 {
		if err := id.blsPriv.SetLittleEndian(blsKey); err != nil {
			return nil, fmt.Errorf("identity: bls key: %w", err)
		}
	} else {
		id.blsPriv.SetByCSPRNG()
	}
	return id, nil
}

// NodeID returns the hex-encoded compressed public key used as this node's
// identity across the membership ledger and every wire frame.
func (id *Identity) NodeID() NodeID {
	return NodeID(fmt.Sprintf("%x", id.priv.PubKey().SerializeCompressed()))
}

// PublicKeyBytes returns the compressed secp256k1 public key.
func (id *Identity) PublicKeyBytes() []byte {
	return id.priv.PubKey().SerializeCompressed()
}

// BLSPublicKeyBytes returns the serialized BLS public key used to verify
// this node's vouch signatures.
func (id *Identity) BLSPublicKeyBytes() []byte {
	pk := id.blsPriv.GetPublicKey()
	return pk.Serialize()
}

// domainPrefix is prepended to every message before hashing so a signature
// produced for this protocol can never be replayed as a valid signature in
// an unrelated context that happens to hash the same bytes.
const domainPrefix = "HIVE/v1/"

// domainDigest hashes msg with the domain separation prefix prepended.
func domainDigest(msg []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(domainPrefix))
	h.Write(msg)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Sign produces a deterministic secp256k1 signature over the domain-
// separated digest of msg. Every HIVE_* frame is signed this way before it
// leaves the node.
func (id *Identity) Sign(msg []byte) []byte {
	digest := domainDigest(msg)
	sig := ecdsa.Sign(id.priv, digest[:])
	return sig.Serialize()
}

// VerifySignature checks a secp256k1 signature produced by Sign against a
// compressed public key.
func VerifySignature(pubKey, msg, sig []byte) (bool, error) {
	pk, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("identity: parse pubkey: %w", err)
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false, fmt.Errorf("identity: parse signature: %w", err)
	}
	digest := domainDigest(msg)
	return parsed.Verify(digest[:], pk), nil
}

// SignVouch produces a BLS signature over a candidate NodeID, suitable for
// aggregation with other voters' signatures into one HIVE_PROMOTION blob.
func (id *Identity) SignVouch(candidate NodeID) []byte {
	sig := id.blsPriv.SignByte([]byte(candidate))
	return sig.Serialize()
}

// AggregateVouches merges multiple compressed BLS vouch signatures produced
// by SignVouch for the same candidate into a single compact signature.
func AggregateVouches(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, errors.New("identity: no vouch signatures to aggregate")
	}
	var agg bls.Sign
	for i, raw := range sigs {
		var s bls.Sign
		if err := s.Deserialize(raw); err != nil {
			return nil, fmt.Errorf("identity: vouch sig %d: %w", i, err)
		}
		if i == 0 {
			agg = s
		} else {
			agg.Add(&s)
		}
	}
	return agg.Serialize(), nil
}

// VerifyAggregatedVouch checks an aggregated BLS signature against the sum
// of the voters' individual public keys for the same candidate message.
func VerifyAggregatedVouch(voterPubKeys [][]byte, candidate NodeID, aggSig []byte) (bool, error) {
	if len(voterPubKeys) == 0 {
		return false, errors.New("identity: no voter public keys")
	}
	var aggPub bls.PublicKey
	for i, raw := range voterPubKeys {
		var pk bls.PublicKey
		if err := pk.Deserialize(raw); err != nil {
			return false, fmt.Errorf("identity: voter pubkey %d: %w", i, err)
		}
		if i == 0 {
			aggPub = pk
		} else {
			aggPub.Add(&pk)
		}
	}
	var sig bls.Sign
	if err := sig.Deserialize(aggSig); err != nil {
		return false, err
	}
	return sig.VerifyByte(&aggPub, []byte(candidate)), nil
}

// SealSessionCache encrypts a session-replay cache blob at rest using
// XChaCha20-Poly1305, keyed from a host-derived secret.
func SealSessionCache(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("identity: key must be 32 bytes")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ct...), nil
}

// OpenSessionCache reverses SealSessionCache.
func OpenSessionCache(key, blob, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("identity: key must be 32 bytes")
	}
	minLen := chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(blob) < minLen {
		return nil, errors.New("identity: ciphertext too short")
	}
	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}
