package service

import (
	"encoding/asn1"
	"fmt"
	"math/big"
)

// SignatureFormat identifies the wire encoding of an ECDSA signature.
type SignatureFormat int

const (
	// FormatUnknown is neither exactly 64 bytes nor DER-prefixed.
	FormatUnknown SignatureFormat = iota
	// FormatP1363 is the fixed-width 64-byte r||s encoding JWS ES256 uses.
	FormatP1363
	// FormatDER is the ASN.1 SEQUENCE{INTEGER r, INTEGER s} encoding Web Crypto emits.
	FormatDER
)

// DetectSignatureFormat classifies sig by shape: exactly 64 bytes is P-1363,
// a leading 0x30 is DER, anything else is unknown.
func DetectSignatureFormat(sig []byte) SignatureFormat {
	switch {
	case len(sig) == 64:
		return FormatP1363
	case len(sig) > 0 && sig[0] == 0x30:
		return FormatDER
	default:
		return FormatUnknown
	}
}

type ecdsaASN1Signature struct {
	R, S *big.Int
}

// DERToP1363 converts a DER-encoded ECDSA signature to fixed-width 64-byte r||s,
// stripping any leading zero padding on r/s before re-padding to 32 bytes each.
func DERToP1363(der []byte) ([]byte, error) {
	var sig ecdsaASN1Signature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, fmt.Errorf("parse DER signature: %w", err)
	}

	out := make([]byte, 64)
	rBytes := sig.R.Bytes()
	sBytes := sig.S.Bytes()
	if len(rBytes) > 32 || len(sBytes) > 32 {
		return nil, fmt.Errorf("DER signature integer too large for P-256")
	}
	copy(out[32-len(rBytes):32], rBytes)
	copy(out[64-len(sBytes):64], sBytes)
	return out, nil
}

// P1363ToDER converts a fixed-width 64-byte r||s signature to DER, re-padding
// with a leading zero byte whenever the high bit of r or s is set (so the
// ASN.1 INTEGER is not misread as negative).
func P1363ToDER(p1363 []byte) ([]byte, error) {
	if len(p1363) != 64 {
		return nil, fmt.Errorf("P-1363 signature must be 64 bytes, got %d", len(p1363))
	}
	r := new(big.Int).SetBytes(p1363[:32])
	s := new(big.Int).SetBytes(p1363[32:])
	return asn1.Marshal(ecdsaASN1Signature{R: r, S: s})
}
