package service

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"fmt"
)

// Ed25519KeyPair holds a generated Ed25519 key pair, used for the instance audit key
// when AUDIT_SIGNING_ALG=ed25519 (the default).
type Ed25519KeyPair struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// GenerateEd25519KeyPair generates a fresh Ed25519 key pair.
func GenerateEd25519KeyPair() (*Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Ed25519KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

// SignEd25519 signs message (no pre-hashing; Ed25519 hashes internally).
func SignEd25519(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// VerifyEd25519 verifies a signature produced by SignEd25519.
func VerifyEd25519(pub ed25519.PublicKey, message, sig []byte) bool {
	return ed25519.Verify(pub, message, sig)
}

// MarshalPKIXEd25519PublicKey exports pub as an SPKI DER blob.
func MarshalPKIXEd25519PublicKey(pub ed25519.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}
