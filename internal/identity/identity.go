// Package identity implements signed peer identity attestation. A peer
// may carry a Dilithium-3 signature over its identity tuple in the
// establish handshake; rule sets for network channels can require a
// valid attestation before trusting the claimed peerId.
package identity

import (
	"fmt"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/dilithium/mode3"

	"github.com/SchoolAI/loro-extended-sub004/internal/peer"
)

// KeyPair holds a Dilithium-3 signing key pair for the local peer.
type KeyPair struct {
	PublicKey  sign.PublicKey
	PrivateKey sign.PrivateKey
	Scheme     sign.Scheme
}

// GenerateKeyPair generates a fresh Dilithium-3 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	scheme := mode3.Scheme()
	publicKey, privateKey, err := scheme.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: generate key pair: %w", err)
	}
	return &KeyPair{PublicKey: publicKey, PrivateKey: privateKey, Scheme: scheme}, nil
}

// Attestation binds a peer identity to a public key via signature. It
// travels alongside establish-request for adapters that enable it.
type Attestation struct {
	PublicKey []byte
	Signature []byte
}

// attestedBytes is the canonical byte form of the identity tuple the
// signature covers.
func attestedBytes(id peer.Identity) []byte {
	return []byte(id.ID + "\x00" + id.Name + "\x00" + id.Type.String())
}

// Attest signs id with the local key pair.
func Attest(kp *KeyPair, id peer.Identity) (Attestation, error) {
	pub, err := kp.PublicKey.MarshalBinary()
	if err != nil {
		return Attestation{}, fmt.Errorf("identity: marshal public key: %w", err)
	}
	sig := kp.Scheme.Sign(kp.PrivateKey, attestedBytes(id), nil)
	return Attestation{PublicKey: pub, Signature: sig}, nil
}

// Verify checks that att's signature covers id under att's public key.
// It does not bind the key to any external trust root; callers that
// need key pinning compare att.PublicKey against their own records.
func Verify(att Attestation, id peer.Identity) error {
	scheme := mode3.Scheme()
	pub, err := scheme.UnmarshalBinaryPublicKey(att.PublicKey)
	if err != nil {
		return fmt.Errorf("identity: unmarshal public key: %w", err)
	}
	if !scheme.Verify(pub, attestedBytes(id), att.Signature, nil) {
		return fmt.Errorf("identity: signature does not cover identity %q", id.ID)
	}
	return nil
}

// MarshalPrivateKey serializes the private key for at-rest storage.
func (kp *KeyPair) MarshalPrivateKey() ([]byte, error) {
	return kp.PrivateKey.MarshalBinary()
}

// UnmarshalKeyPair restores a key pair from its marshaled halves.
func UnmarshalKeyPair(pub, priv []byte) (*KeyPair, error) {
	scheme := mode3.Scheme()
	publicKey, err := scheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("identity: unmarshal public key: %w", err)
	}
	privateKey, err := scheme.UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("identity: unmarshal private key: %w", err)
	}
	return &KeyPair{PublicKey: publicKey, PrivateKey: privateKey, Scheme: scheme}, nil
}
