// Package usecase orchestrates the KMS services (unlock, audit, key, lease)
// behind a single interface the RPC dispatcher calls into.
package usecase

import (
	"context"

	"github.com/allisson/webpush-kms/internal/kms/domain"
	"github.com/allisson/webpush-kms/internal/kms/service"
)

// KMSUseCase is the application-layer surface the RPC dispatcher calls. Every
// method corresponds 1:1 to one of the request orchestrator's operations.
type KMSUseCase interface {
	SetupPassphrase(ctx context.Context, userID, passphrase string) (string, error)
	SetupPasskeyPRF(ctx context.Context, userID string, credentialID []byte, rpID string, prfOutput []byte) (string, error)
	SetupPasskeyGate(ctx context.Context, userID string, credentialID []byte, rpID string) (string, error)
	AddEnrollment(ctx context.Context, creds domain.Credentials, newMethod domain.Method, setupInput AddEnrollmentInput) (string, error)
	RemoveEnrollment(ctx context.Context, creds domain.Credentials, enrollmentID string) error
	IsSetup(ctx context.Context, userID string) (bool, error)
	GetEnrollments(ctx context.Context, userID string) ([]*domain.EnrollmentRecord, error)

	GenerateVAPID(ctx context.Context, creds domain.Credentials, requestID string) (*service.VAPIDKey, error)
	RegenerateVAPID(ctx context.Context, creds domain.Credentials, requestID string) (*service.VAPIDKey, error)
	SignJWT(ctx context.Context, kid string, payload service.JWTPayload, creds domain.Credentials, requestID string) (string, error)
	GetPublicKey(ctx context.Context, kid string) (string, error)
	GetAuditPublicKey(ctx context.Context) (string, error)

	CreateLease(ctx context.Context, creds domain.Credentials, requestID string, subs []domain.Sub, ttlHours float64, autoExtend bool, quotas *domain.Quotas) (*domain.LeaseRecord, error)
	VerifyLease(ctx context.Context, leaseID string) (*domain.LeaseVerifyResult, error)
	IssueVAPIDJWT(ctx context.Context, creds domain.Credentials, requestID, leaseID, kid, eid string) (*service.IssuedJWT, error)
	IssueVAPIDJWTs(ctx context.Context, creds domain.Credentials, requestID, leaseID, kid, eid string, count int) ([]*service.IssuedJWT, error)
	ExtendLeases(ctx context.Context, requestID string, leaseIDs []string, userID string, requestAuth bool, creds *domain.Credentials) ([]domain.ExtendOutcome, error)

	VerifyAuditChain(ctx context.Context) (*domain.AuditVerifyResult, error)
	GetAuditLog(ctx context.Context) ([]*domain.AuditEntry, error)

	ResetKMS(ctx context.Context, userID string) error
}

// AddEnrollmentInput carries the method-specific fields needed to add a
// second enrollment method to an already-unlocked Master Secret.
type AddEnrollmentInput struct {
	Passphrase   string
	CredentialID []byte
	RPID         string
	PRFOutput    []byte
}
