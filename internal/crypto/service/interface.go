// Package service implements the AEAD primitives the KMS uses to wrap Master Secret
// copies and per-purpose private keys. Both algorithms provide 256-bit authenticated
// encryption; callers choose based on the wrapped record's stored algorithm tag.
package service

import (
	cryptoDomain "github.com/allisson/webpush-kms/internal/crypto/domain"
)

// AEAD defines the interface for Authenticated Encryption with Associated Data.
//
// Implementations: AESGCMCipher, ChaCha20Poly1305Cipher.
type AEAD interface {
	// Encrypt encrypts plaintext with optional additional authenticated data (AAD).
	// A fresh nonce is generated for each call and must be stored alongside the
	// ciphertext for later decryption.
	Encrypt(plaintext, aad []byte) (ciphertext, nonce []byte, err error)

	// Decrypt decrypts ciphertext using the provided nonce and AAD. On any tag
	// mismatch it returns an error wrapping the underlying cipher's error; it
	// does not return ErrDecryptionFailed, and callers map the failure to their
	// own sentinel.
	Decrypt(ciphertext, nonce, aad []byte) ([]byte, error)

	// NonceSize returns the nonce length this cipher expects.
	NonceSize() int
}

// AEADManager is a factory for AEAD cipher instances keyed by algorithm.
type AEADManager interface {
	// CreateCipher returns an AEAD cipher for the given 32-byte key and algorithm.
	CreateCipher(key []byte, alg cryptoDomain.Algorithm) (AEAD, error)
}
