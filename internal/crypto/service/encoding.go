package service

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// Base64URLEncode encodes b as unpadded base64url, the wire format for kids,
// public keys, JWT segments, and signatures throughout the KMS.
func Base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Base64URLDecode decodes s, tolerating both padded and unpadded input.
func Base64URLDecode(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// HexEncode returns the lowercase hex encoding of b.
func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// HexDecode decodes a lowercase (or uppercase) hex string.
func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// ConstantTimeEqual reports whether a and b are byte-identical in constant time
// with respect to their contents (not their lengths).
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
