package domain

import (
	cryptoDomain "github.com/allisson/webpush-kms/internal/crypto/domain"
)

// MasterSecretSize is the byte length of the Master Secret.
const MasterSecretSize = 32

// MKEKSize is the byte length of the derived MKEK (AES-256).
const MKEKSize = 32

// SecretBuffer is an owned byte buffer that is never cloned and is explicitly
// zeroed in a scope guard that runs on every exit path. It backs MS and MKEK,
// both of which must not outlive a withUnlock context.
type SecretBuffer struct {
	b []byte
}

// NewSecretBuffer takes ownership of b (not a copy) as a SecretBuffer.
func NewSecretBuffer(b []byte) *SecretBuffer {
	return &SecretBuffer{b: b}
}

// Bytes exposes the underlying buffer for the duration of the unlock context
// only. Callers must not retain the slice beyond that scope.
func (s *SecretBuffer) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.b
}

// Zero overwrites every byte with 0. Safe to call multiple times and on nil.
func (s *SecretBuffer) Zero() {
	if s == nil {
		return
	}
	cryptoDomain.Zero(s.b)
}
