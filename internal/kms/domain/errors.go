package domain

import (
	"fmt"

	apperrors "github.com/allisson/webpush-kms/internal/errors"
)

// Sentinel errors for the taxonomy the request orchestrator maps to RPC error
// strings. Each is wrapped with apperrors so callers upstream of the RPC layer
// can still classify failures with apperrors.Is.
var (
	ErrInvalidPassphrase     = apperrors.Wrap(apperrors.ErrUnauthorized, "Invalid passphrase")
	ErrDecryptionFailed      = apperrors.Wrap(apperrors.ErrUnauthorized, "Decryption failed")
	ErrPasskeyNotSetUp       = apperrors.Wrap(apperrors.ErrUnauthorized, "Passkey not set up")
	ErrPasskeyGateNotSetUp   = apperrors.Wrap(apperrors.ErrUnauthorized, "Passkey gate not set up")
	ErrUnknownMethod         = apperrors.Wrap(apperrors.ErrInvalidInput, "unknown enrollment method")
	ErrReentrantUnlock       = apperrors.Wrap(apperrors.ErrInvalidInput, "withUnlock may not be re-entered")
	ErrKMSNotSetup           = apperrors.Wrap(apperrors.ErrInvalidInput, "KMS not setup")
	ErrIAKNotInitialized     = apperrors.Wrap(apperrors.ErrInvalidInput, "UAK not initialized")
	ErrLeaseNotFound         = apperrors.Wrap(apperrors.ErrNotFound, "Lease not found")
	ErrLeaseExpired          = apperrors.Wrap(apperrors.ErrInvalidInput, "lease expired")
	ErrLeaseWrongKey         = apperrors.Wrap(apperrors.ErrInvalidInput, "lease invalidated (wrong-key)")
	ErrTransportKeyNotFound  = apperrors.Wrap(apperrors.ErrNotFound, "Transport key not found or expired")
	ErrEnrollmentNotFound    = apperrors.Wrap(apperrors.ErrNotFound, "enrollment not found")
	ErrAuditConcurrentWrite  = apperrors.Wrap(apperrors.ErrConflict, "audit log concurrent write")
	ErrSignatureVerifyFailed = apperrors.Wrap(apperrors.ErrInvalidInput, "Signature verification failed")
)

// ErrNoWrappedKey returns the "No wrapped key with id: ..." not-found error for kid.
func ErrNoWrappedKey(kid string) error {
	return apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("No wrapped key with id: %s", kid))
}

// ErrQuotaExceeded returns a quota-kind error naming which counter was exhausted.
func ErrQuotaExceeded(what string) error {
	return apperrors.Wrap(apperrors.ErrInvalidInput, fmt.Sprintf("Quota exceeded (%s)", what))
}

// PolicyError reports a violation of signJWT's RFC 8292 conjunction, or of
// createLease/issueVAPIDJWTs' range checks (ttlHours, count).
type PolicyError struct {
	Message string
}

func (e *PolicyError) Error() string { return e.Message }

// NewPolicyError builds a PolicyError with the given message.
func NewPolicyError(message string) *PolicyError {
	return &PolicyError{Message: message}
}
