package usecase

import (
	"context"
	"time"

	"github.com/allisson/webpush-kms/internal/kms/domain"
	"github.com/allisson/webpush-kms/internal/kms/service"
	"github.com/allisson/webpush-kms/internal/metrics"
)

// kmsUseCaseWithMetrics decorates KMSUseCase with business metrics.
type kmsUseCaseWithMetrics struct {
	next    KMSUseCase
	metrics metrics.BusinessMetrics
}

// NewKMSUseCaseWithMetrics wraps a KMSUseCase with metrics recording.
func NewKMSUseCaseWithMetrics(useCase KMSUseCase, m metrics.BusinessMetrics) KMSUseCase {
	return &kmsUseCaseWithMetrics{next: useCase, metrics: m}
}

func (k *kmsUseCaseWithMetrics) record(ctx context.Context, op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	k.metrics.RecordOperation(ctx, "kms", op, status)
	k.metrics.RecordDuration(ctx, "kms", op, time.Since(start), status)
}

func (k *kmsUseCaseWithMetrics) SetupPassphrase(ctx context.Context, userID, passphrase string) (string, error) {
	start := time.Now()
	id, err := k.next.SetupPassphrase(ctx, userID, passphrase)
	k.record(ctx, "setup_passphrase", start, err)
	return id, err
}

func (k *kmsUseCaseWithMetrics) SetupPasskeyPRF(ctx context.Context, userID string, credentialID []byte, rpID string, prfOutput []byte) (string, error) {
	start := time.Now()
	id, err := k.next.SetupPasskeyPRF(ctx, userID, credentialID, rpID, prfOutput)
	k.record(ctx, "setup_passkey_prf", start, err)
	return id, err
}

func (k *kmsUseCaseWithMetrics) SetupPasskeyGate(ctx context.Context, userID string, credentialID []byte, rpID string) (string, error) {
	start := time.Now()
	id, err := k.next.SetupPasskeyGate(ctx, userID, credentialID, rpID)
	k.record(ctx, "setup_passkey_gate", start, err)
	return id, err
}

func (k *kmsUseCaseWithMetrics) AddEnrollment(ctx context.Context, creds domain.Credentials, newMethod domain.Method, in AddEnrollmentInput) (string, error) {
	start := time.Now()
	id, err := k.next.AddEnrollment(ctx, creds, newMethod, in)
	k.record(ctx, "add_enrollment", start, err)
	return id, err
}

func (k *kmsUseCaseWithMetrics) RemoveEnrollment(ctx context.Context, creds domain.Credentials, enrollmentID string) error {
	start := time.Now()
	err := k.next.RemoveEnrollment(ctx, creds, enrollmentID)
	k.record(ctx, "remove_enrollment", start, err)
	return err
}

func (k *kmsUseCaseWithMetrics) IsSetup(ctx context.Context, userID string) (bool, error) {
	start := time.Now()
	ok, err := k.next.IsSetup(ctx, userID)
	k.record(ctx, "is_setup", start, err)
	return ok, err
}

func (k *kmsUseCaseWithMetrics) GetEnrollments(ctx context.Context, userID string) ([]*domain.EnrollmentRecord, error) {
	start := time.Now()
	recs, err := k.next.GetEnrollments(ctx, userID)
	k.record(ctx, "get_enrollments", start, err)
	return recs, err
}

func (k *kmsUseCaseWithMetrics) GenerateVAPID(ctx context.Context, creds domain.Credentials, requestID string) (*service.VAPIDKey, error) {
	start := time.Now()
	key, err := k.next.GenerateVAPID(ctx, creds, requestID)
	k.record(ctx, "generate_vapid", start, err)
	return key, err
}

func (k *kmsUseCaseWithMetrics) RegenerateVAPID(ctx context.Context, creds domain.Credentials, requestID string) (*service.VAPIDKey, error) {
	start := time.Now()
	key, err := k.next.RegenerateVAPID(ctx, creds, requestID)
	k.record(ctx, "regenerate_vapid", start, err)
	return key, err
}

func (k *kmsUseCaseWithMetrics) SignJWT(ctx context.Context, kid string, payload service.JWTPayload, creds domain.Credentials, requestID string) (string, error) {
	start := time.Now()
	jwt, err := k.next.SignJWT(ctx, kid, payload, creds, requestID)
	k.record(ctx, "sign_jwt", start, err)
	return jwt, err
}

func (k *kmsUseCaseWithMetrics) GetPublicKey(ctx context.Context, kid string) (string, error) {
	start := time.Now()
	pub, err := k.next.GetPublicKey(ctx, kid)
	k.record(ctx, "get_public_key", start, err)
	return pub, err
}

func (k *kmsUseCaseWithMetrics) GetAuditPublicKey(ctx context.Context) (string, error) {
	start := time.Now()
	pub, err := k.next.GetAuditPublicKey(ctx)
	k.record(ctx, "get_audit_public_key", start, err)
	return pub, err
}

func (k *kmsUseCaseWithMetrics) CreateLease(
	ctx context.Context, creds domain.Credentials, requestID string,
	subs []domain.Sub, ttlHours float64, autoExtend bool, quotas *domain.Quotas,
) (*domain.LeaseRecord, error) {
	start := time.Now()
	lease, err := k.next.CreateLease(ctx, creds, requestID, subs, ttlHours, autoExtend, quotas)
	k.record(ctx, "create_lease", start, err)
	return lease, err
}

func (k *kmsUseCaseWithMetrics) VerifyLease(ctx context.Context, leaseID string) (*domain.LeaseVerifyResult, error) {
	start := time.Now()
	result, err := k.next.VerifyLease(ctx, leaseID)
	k.record(ctx, "verify_lease", start, err)
	return result, err
}

func (k *kmsUseCaseWithMetrics) IssueVAPIDJWT(ctx context.Context, creds domain.Credentials, requestID, leaseID, kid, eid string) (*service.IssuedJWT, error) {
	start := time.Now()
	jwt, err := k.next.IssueVAPIDJWT(ctx, creds, requestID, leaseID, kid, eid)
	k.record(ctx, "issue_vapid_jwt", start, err)
	return jwt, err
}

func (k *kmsUseCaseWithMetrics) IssueVAPIDJWTs(ctx context.Context, creds domain.Credentials, requestID, leaseID, kid, eid string, count int) ([]*service.IssuedJWT, error) {
	start := time.Now()
	jwts, err := k.next.IssueVAPIDJWTs(ctx, creds, requestID, leaseID, kid, eid, count)
	k.record(ctx, "issue_vapid_jwts", start, err)
	return jwts, err
}

func (k *kmsUseCaseWithMetrics) ExtendLeases(ctx context.Context, requestID string, leaseIDs []string, userID string, requestAuth bool, creds *domain.Credentials) ([]domain.ExtendOutcome, error) {
	start := time.Now()
	outcomes, err := k.next.ExtendLeases(ctx, requestID, leaseIDs, userID, requestAuth, creds)
	k.record(ctx, "extend_leases", start, err)
	return outcomes, err
}

func (k *kmsUseCaseWithMetrics) VerifyAuditChain(ctx context.Context) (*domain.AuditVerifyResult, error) {
	start := time.Now()
	result, err := k.next.VerifyAuditChain(ctx)
	k.record(ctx, "verify_audit_chain", start, err)
	return result, err
}

func (k *kmsUseCaseWithMetrics) GetAuditLog(ctx context.Context) ([]*domain.AuditEntry, error) {
	start := time.Now()
	entries, err := k.next.GetAuditLog(ctx)
	k.record(ctx, "get_audit_log", start, err)
	return entries, err
}

func (k *kmsUseCaseWithMetrics) ResetKMS(ctx context.Context, userID string) error {
	start := time.Now()
	err := k.next.ResetKMS(ctx, userID)
	k.record(ctx, "reset_kms", start, err)
	return err
}
