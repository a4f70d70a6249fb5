package service

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
)

// RFC7638ThumbprintP256 computes the JWK thumbprint of a P-256 public key over the
// canonical member subset {"crv","kty","x","y"} in lexicographic key order, with no
// insignificant whitespace, exactly as RFC 7638 requires. The result is the base64url
// (no padding) SHA-256 digest of that JSON string — this is the kid.
func RFC7638ThumbprintP256(pub *ecdsa.PublicKey) (string, error) {
	x := pub.X.Bytes()
	y := pub.Y.Bytes()
	xPadded := make([]byte, 32)
	yPadded := make([]byte, 32)
	if len(x) > 32 || len(y) > 32 {
		return "", fmt.Errorf("P-256 coordinate too large")
	}
	copy(xPadded[32-len(x):], x)
	copy(yPadded[32-len(y):], y)

	xB64 := Base64URLEncode(xPadded)
	yB64 := Base64URLEncode(yPadded)

	// Canonical member order is lexicographic: crv, kty, x, y.
	canonical := fmt.Sprintf(
		`{"crv":"P-256","kty":"EC","x":"%s","y":"%s"}`,
		xB64, yB64,
	)

	digest := sha256.Sum256([]byte(canonical))
	return Base64URLEncode(digest[:]), nil
}
