package usecase

import (
	"context"

	"github.com/allisson/webpush-kms/internal/kms/domain"
	"github.com/allisson/webpush-kms/internal/kms/repository"
	"github.com/allisson/webpush-kms/internal/kms/service"
)

// kmsUseCase wires the four core services behind a single KMSUseCase.
type kmsUseCase struct {
	store  repository.Store
	unlock *service.UnlockService
	audit  *service.AuditService
	keys   *service.KeyService
	leases *service.LeaseService
}

// NewKMSUseCase builds a KMSUseCase from its constituent services.
func NewKMSUseCase(
	store repository.Store,
	unlock *service.UnlockService,
	audit *service.AuditService,
	keys *service.KeyService,
	leases *service.LeaseService,
) KMSUseCase {
	return &kmsUseCase{store: store, unlock: unlock, audit: audit, keys: keys, leases: leases}
}

func (k *kmsUseCase) SetupPassphrase(ctx context.Context, userID, passphrase string) (string, error) {
	return k.unlock.SetupPassphrase(ctx, userID, passphrase, nil)
}

func (k *kmsUseCase) SetupPasskeyPRF(ctx context.Context, userID string, credentialID []byte, rpID string, prfOutput []byte) (string, error) {
	return k.unlock.SetupPasskeyPRF(ctx, userID, credentialID, rpID, prfOutput, nil)
}

func (k *kmsUseCase) SetupPasskeyGate(ctx context.Context, userID string, credentialID []byte, rpID string) (string, error) {
	return k.unlock.SetupPasskeyGate(ctx, userID, credentialID, rpID, nil)
}

func (k *kmsUseCase) AddEnrollment(ctx context.Context, creds domain.Credentials, newMethod domain.Method, in AddEnrollmentInput) (string, error) {
	return k.unlock.AddEnrollment(ctx, creds, newMethod, func(ms *domain.SecretBuffer) (string, error) {
		switch newMethod {
		case domain.MethodPassphrase:
			return k.unlock.SetupPassphrase(ctx, creds.UserID, in.Passphrase, ms)
		case domain.MethodPasskeyPRF:
			return k.unlock.SetupPasskeyPRF(ctx, creds.UserID, in.CredentialID, in.RPID, in.PRFOutput, ms)
		case domain.MethodPasskeyGate:
			return k.unlock.SetupPasskeyGate(ctx, creds.UserID, in.CredentialID, in.RPID, ms)
		default:
			return "", domain.ErrUnknownMethod
		}
	})
}

func (k *kmsUseCase) RemoveEnrollment(ctx context.Context, creds domain.Credentials, enrollmentID string) error {
	return k.unlock.RemoveEnrollment(ctx, creds, enrollmentID)
}

func (k *kmsUseCase) IsSetup(ctx context.Context, userID string) (bool, error) {
	return k.unlock.IsSetup(ctx, userID)
}

func (k *kmsUseCase) GetEnrollments(ctx context.Context, userID string) ([]*domain.EnrollmentRecord, error) {
	return k.unlock.GetEnrollments(ctx, userID)
}

func (k *kmsUseCase) GenerateVAPID(ctx context.Context, creds domain.Credentials, requestID string) (*service.VAPIDKey, error) {
	return k.keys.GenerateVAPID(ctx, creds, requestID)
}

func (k *kmsUseCase) RegenerateVAPID(ctx context.Context, creds domain.Credentials, requestID string) (*service.VAPIDKey, error) {
	return k.keys.RegenerateVAPID(ctx, creds, requestID)
}

func (k *kmsUseCase) SignJWT(ctx context.Context, kid string, payload service.JWTPayload, creds domain.Credentials, requestID string) (string, error) {
	return k.keys.SignJWT(ctx, kid, payload, creds, requestID)
}

func (k *kmsUseCase) GetPublicKey(ctx context.Context, kid string) (string, error) {
	return k.keys.GetPublicKey(ctx, kid)
}

func (k *kmsUseCase) GetAuditPublicKey(ctx context.Context) (string, error) {
	return k.keys.GetAuditPublicKey(ctx)
}

func (k *kmsUseCase) CreateLease(
	ctx context.Context, creds domain.Credentials, requestID string,
	subs []domain.Sub, ttlHours float64, autoExtend bool, quotas *domain.Quotas,
) (*domain.LeaseRecord, error) {
	return k.leases.CreateLease(ctx, creds, requestID, subs, ttlHours, autoExtend, quotas)
}

func (k *kmsUseCase) VerifyLease(ctx context.Context, leaseID string) (*domain.LeaseVerifyResult, error) {
	return k.leases.VerifyLease(ctx, leaseID)
}

func (k *kmsUseCase) IssueVAPIDJWT(ctx context.Context, creds domain.Credentials, requestID, leaseID, kid, eid string) (*service.IssuedJWT, error) {
	return k.leases.IssueVAPIDJWT(ctx, creds, requestID, leaseID, kid, eid)
}

func (k *kmsUseCase) IssueVAPIDJWTs(ctx context.Context, creds domain.Credentials, requestID, leaseID, kid, eid string, count int) ([]*service.IssuedJWT, error) {
	return k.leases.IssueVAPIDJWTs(ctx, creds, requestID, leaseID, kid, eid, count)
}

func (k *kmsUseCase) ExtendLeases(ctx context.Context, requestID string, leaseIDs []string, userID string, requestAuth bool, creds *domain.Credentials) ([]domain.ExtendOutcome, error) {
	return k.leases.ExtendLeases(ctx, requestID, leaseIDs, userID, requestAuth, creds)
}

func (k *kmsUseCase) VerifyAuditChain(ctx context.Context) (*domain.AuditVerifyResult, error) {
	return k.audit.VerifyAuditChain(ctx)
}

func (k *kmsUseCase) GetAuditLog(ctx context.Context) ([]*domain.AuditEntry, error) {
	return k.audit.GetAuditLog(ctx)
}

func (k *kmsUseCase) ResetKMS(ctx context.Context, userID string) error {
	return k.store.Reset(ctx, userID)
}
