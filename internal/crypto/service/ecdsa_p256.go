package service

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"math/big"
)

// P256KeyPair holds a generated ECDSA P-256 key pair.
type P256KeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	PublicKey  *ecdsa.PublicKey
}

// GenerateP256KeyPair generates a fresh ECDSA P-256 key pair.
func GenerateP256KeyPair() (*P256KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-256 key: %w", err)
	}
	return &P256KeyPair{PrivateKey: priv, PublicKey: &priv.PublicKey}, nil
}

// MarshalP256PublicKeyRaw returns the 65-byte uncompressed point (0x04 || X || Y).
func MarshalP256PublicKeyRaw(pub *ecdsa.PublicKey) []byte {
	return elliptic.Marshal(elliptic.P256(), pub.X, pub.Y)
}

// UnmarshalP256PublicKeyRaw parses a 65-byte uncompressed point into a public key.
func UnmarshalP256PublicKeyRaw(raw []byte) (*ecdsa.PublicKey, error) {
	x, y := elliptic.Unmarshal(elliptic.P256(), raw)
	if x == nil {
		return nil, fmt.Errorf("invalid uncompressed P-256 point")
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// MarshalP256PrivateKeyRaw returns the 32-byte big-endian scalar D.
func MarshalP256PrivateKeyRaw(priv *ecdsa.PrivateKey) []byte {
	b := priv.D.Bytes()
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

// UnmarshalP256PrivateKeyRaw reconstructs a private key from its 32-byte scalar and
// the corresponding public point.
func UnmarshalP256PrivateKeyRaw(d []byte, pub *ecdsa.PublicKey) *ecdsa.PrivateKey {
	return &ecdsa.PrivateKey{
		PublicKey: *pub,
		D:         new(big.Int).SetBytes(d),
	}
}

// SignP256DER signs the SHA-256 digest of message and returns a DER-encoded signature.
func SignP256DER(priv *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return ecdsa.SignASN1(rand.Reader, priv, digest[:])
}

// VerifyP256DER verifies a DER-encoded ECDSA-P256 signature over message's SHA-256 digest.
func VerifyP256DER(pub *ecdsa.PublicKey, message, sig []byte) bool {
	digest := sha256.Sum256(message)
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}

// MarshalPKIXPublicKey exports pub as a base64url-able SPKI DER blob.
func MarshalPKIXPublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}
