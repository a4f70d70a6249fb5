package service

import (
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// HKDFExpand derives keyLen bytes from ikm using HKDF-SHA-256 with the given salt
// and info context string. Used for MS->MKEK derivation, passkey-PRF wrapping-key
// derivation, passkey-gate wrapping-key derivation, and audit-signing-key derivation.
func HKDFExpand(ikm, salt []byte, info string, keyLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, ikm, salt, []byte(info))
	out := make([]byte, keyLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// PBKDF2Derive derives keyLen bytes from passphrase+salt using PBKDF2-HMAC-SHA-256
// with the given iteration count.
func PBKDF2Derive(passphrase, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(passphrase, salt, iterations, keyLen, sha256.New)
}

// CalibratePBKDF2Iterations binary-searches for an iteration count whose measured
// cost on the local machine falls inside [minMS, maxMS], clamped to
// [minIterations, maxIterations]. Used once, at passphrase enrollment setup;
// unlock always reuses the stored count verbatim.
func CalibratePBKDF2Iterations(minMS, maxMS time.Duration, minIterations, maxIterations int) int {
	salt := make([]byte, 32)
	passphrase := []byte("calibration-probe")

	measure := func(iterations int) time.Duration {
		start := time.Now()
		_ = pbkdf2.Key(passphrase, salt, iterations, 32, sha256.New)
		return time.Since(start)
	}

	lo, hi := minIterations, maxIterations
	best := minIterations

	// Find a rough order of magnitude first by doubling from the floor.
	probe := minIterations
	for probe < maxIterations {
		d := measure(probe)
		if d >= minMS {
			break
		}
		probe *= 2
	}
	if probe > maxIterations {
		probe = maxIterations
	}
	lo, hi = minIterations, probe

	for lo < hi {
		mid := lo + (hi-lo)/2
		if mid == 0 {
			mid = 1
		}
		d := measure(mid)
		switch {
		case d < minMS:
			lo = mid + 1
		case d > maxMS:
			hi = mid - 1
		default:
			return clampInt(mid, minIterations, maxIterations)
		}
		best = mid
	}

	return clampInt(best, minIterations, maxIterations)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
