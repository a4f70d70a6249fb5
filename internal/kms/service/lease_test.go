package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	cryptoService "github.com/allisson/webpush-kms/internal/crypto/service"
	apperrors "github.com/allisson/webpush-kms/internal/errors"
	"github.com/allisson/webpush-kms/internal/kms/domain"
	"github.com/allisson/webpush-kms/internal/kms/repository/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type leaseTestFixture struct {
	leases *LeaseService
	keys   *KeyService
	creds  domain.Credentials
	kid    string
}

func newLeaseTestFixture(t *testing.T) *leaseTestFixture {
	t.Helper()
	store := memory.New()
	aead := cryptoService.NewAEADManager()
	unlock := NewUnlockService(store, aead, 5*time.Millisecond, 20*time.Millisecond, 100, 1000)
	audit := NewAuditService(store, aead, "ed25519")
	keys := NewKeyService(store, aead, audit, unlock)
	leases := NewLeaseService(store, keys, unlock, audit, 15*time.Minute)

	if _, err := unlock.SetupPassphrase(context.Background(), "user-1", "right-phrase", nil); err != nil {
		t.Fatalf("SetupPassphrase: %v", err)
	}
	creds := domain.Credentials{Method: domain.MethodPassphrase, UserID: "user-1", Passphrase: "right-phrase"}

	key, err := keys.GenerateVAPID(context.Background(), creds, "req-setup")
	if err != nil {
		t.Fatalf("GenerateVAPID: %v", err)
	}

	return &leaseTestFixture{leases: leases, keys: keys, creds: creds, kid: key.Kid}
}

func testSub(eid string) domain.Sub {
	return domain.Sub{URL: "https://fcm.googleapis.com/fcm/send/" + eid, Aud: "https://fcm.googleapis.com", Eid: eid}
}

func TestLeaseService_CreateAndVerifyLease(t *testing.T) {
	ctx := context.Background()
	f := newLeaseTestFixture(t)

	lease, err := f.leases.CreateLease(ctx, f.creds, "req-1", []domain.Sub{testSub("abc")}, 24, true, nil)
	if err != nil {
		t.Fatalf("CreateLease: %v", err)
	}
	if lease.Kid != f.kid {
		t.Fatalf("expected lease bound to current kid %q, got %q", f.kid, lease.Kid)
	}

	result, err := f.leases.VerifyLease(ctx, lease.LeaseID)
	if err != nil {
		t.Fatalf("VerifyLease: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid lease, got reason %q", result.Reason)
	}
}

func TestLeaseService_CreateLease_RejectsOutOfRangeTTL(t *testing.T) {
	ctx := context.Background()
	f := newLeaseTestFixture(t)

	if _, err := f.leases.CreateLease(ctx, f.creds, "req-1", nil, 0, false, nil); err == nil {
		t.Fatal("expected error for ttlHours == 0")
	}
	if _, err := f.leases.CreateLease(ctx, f.creds, "req-1", nil, 721, false, nil); err == nil {
		t.Fatal("expected error for ttlHours > 720")
	}
}

func TestLeaseService_VerifyLease_NotFound(t *testing.T) {
	f := newLeaseTestFixture(t)
	result, err := f.leases.VerifyLease(context.Background(), "lease_does_not_exist")
	if err != nil {
		t.Fatalf("VerifyLease: %v", err)
	}
	if result.Valid || result.Reason != "not found" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestLeaseService_VerifyLease_WrongKeyAfterRegeneration(t *testing.T) {
	ctx := context.Background()
	f := newLeaseTestFixture(t)

	lease, err := f.leases.CreateLease(ctx, f.creds, "req-1", []domain.Sub{testSub("abc")}, 24, true, nil)
	if err != nil {
		t.Fatalf("CreateLease: %v", err)
	}

	if _, err := f.keys.RegenerateVAPID(ctx, f.creds, "req-2"); err != nil {
		t.Fatalf("RegenerateVAPID: %v", err)
	}

	result, err := f.leases.VerifyLease(ctx, lease.LeaseID)
	if err != nil {
		t.Fatalf("VerifyLease: %v", err)
	}
	if result.Valid || result.Reason != "wrong-key" {
		t.Fatalf("expected wrong-key after regeneration, got %+v", result)
	}
}

func TestLeaseService_IssueVAPIDJWT(t *testing.T) {
	ctx := context.Background()
	f := newLeaseTestFixture(t)

	lease, err := f.leases.CreateLease(ctx, f.creds, "req-1", []domain.Sub{testSub("abc")}, 24, true, nil)
	if err != nil {
		t.Fatalf("CreateLease: %v", err)
	}

	issued, err := f.leases.IssueVAPIDJWT(ctx, f.creds, "req-2", lease.LeaseID, "", "abc")
	if err != nil {
		t.Fatalf("IssueVAPIDJWT: %v", err)
	}
	if issued.JWT == "" || issued.Jti == "" {
		t.Fatalf("unexpected issued jwt: %+v", issued)
	}
}

func TestLeaseService_IssueVAPIDJWT_UnboundEidRejected(t *testing.T) {
	ctx := context.Background()
	f := newLeaseTestFixture(t)

	lease, err := f.leases.CreateLease(ctx, f.creds, "req-1", []domain.Sub{testSub("abc")}, 24, true, nil)
	if err != nil {
		t.Fatalf("CreateLease: %v", err)
	}

	if _, err := f.leases.IssueVAPIDJWT(ctx, f.creds, "req-2", lease.LeaseID, "", "not-bound"); err == nil {
		t.Fatal("expected error for eid not bound to lease")
	}
}

func TestLeaseService_IssueVAPIDJWT_SingleSubEndpointFallback(t *testing.T) {
	ctx := context.Background()
	f := newLeaseTestFixture(t)

	lease, err := f.leases.CreateLease(ctx, f.creds, "req-1", []domain.Sub{testSub("abc")}, 24, true, nil)
	if err != nil {
		t.Fatalf("CreateLease: %v", err)
	}

	issued, err := f.leases.IssueVAPIDJWT(ctx, f.creds, "req-2", lease.LeaseID, "", "")
	if err != nil {
		t.Fatalf("IssueVAPIDJWT with omitted endpoint: %v", err)
	}
	if issued.JWT == "" {
		t.Fatalf("unexpected issued jwt: %+v", issued)
	}
}

func TestLeaseService_IssueVAPIDJWT_EndpointRequiredForMultiSubLease(t *testing.T) {
	ctx := context.Background()
	f := newLeaseTestFixture(t)

	lease, err := f.leases.CreateLease(ctx, f.creds, "req-1", []domain.Sub{testSub("abc"), testSub("def")}, 24, true, nil)
	if err != nil {
		t.Fatalf("CreateLease: %v", err)
	}

	if _, err := f.leases.IssueVAPIDJWT(ctx, f.creds, "req-2", lease.LeaseID, "", ""); err == nil {
		t.Fatal("expected error when endpoint is omitted for a multi-sub lease")
	}
}

func TestLeaseService_IssueVAPIDJWT_KidMismatchRejected(t *testing.T) {
	ctx := context.Background()
	f := newLeaseTestFixture(t)

	lease, err := f.leases.CreateLease(ctx, f.creds, "req-1", []domain.Sub{testSub("abc")}, 24, true, nil)
	if err != nil {
		t.Fatalf("CreateLease: %v", err)
	}

	_, err = f.leases.IssueVAPIDJWT(ctx, f.creds, "req-2", lease.LeaseID, "not-the-bound-kid", "abc")
	if !apperrors.Is(err, domain.ErrLeaseWrongKey) {
		t.Fatalf("expected ErrLeaseWrongKey, got %v", err)
	}
}

func TestLeaseService_IssueVAPIDJWTs_StaggersExpiry(t *testing.T) {
	ctx := context.Background()
	f := newLeaseTestFixture(t)

	lease, err := f.leases.CreateLease(ctx, f.creds, "req-1", []domain.Sub{testSub("abc")}, 24, true, nil)
	if err != nil {
		t.Fatalf("CreateLease: %v", err)
	}

	batch, err := f.leases.IssueVAPIDJWTs(ctx, f.creds, "req-2", lease.LeaseID, "", "abc", 3)
	if err != nil {
		t.Fatalf("IssueVAPIDJWTs: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 tokens, got %d", len(batch))
	}
	for i := 1; i < len(batch); i++ {
		if batch[i].Exp <= batch[i-1].Exp {
			t.Fatalf("expected strictly increasing expirations, got %v", batch)
		}
	}
}

func TestLeaseService_IssueVAPIDJWTs_RejectsOutOfRangeCount(t *testing.T) {
	ctx := context.Background()
	f := newLeaseTestFixture(t)

	lease, err := f.leases.CreateLease(ctx, f.creds, "req-1", []domain.Sub{testSub("abc")}, 24, true, nil)
	if err != nil {
		t.Fatalf("CreateLease: %v", err)
	}

	if _, err := f.leases.IssueVAPIDJWTs(ctx, f.creds, "req-2", lease.LeaseID, "", "abc", 0); err == nil {
		t.Fatal("expected error for count == 0")
	}
	if _, err := f.leases.IssueVAPIDJWTs(ctx, f.creds, "req-2", lease.LeaseID, "", "abc", 11); err == nil {
		t.Fatal("expected error for count > 10")
	}
}

func TestLeaseService_IssueVAPIDJWT_QuotaExceeded(t *testing.T) {
	ctx := context.Background()
	f := newLeaseTestFixture(t)

	tight := &domain.Quotas{TokensPerHour: 1, SendsPerMinute: 10, BurstSends: 10, SendsPerMinutePerEid: 10}
	lease, err := f.leases.CreateLease(ctx, f.creds, "req-1", []domain.Sub{testSub("abc")}, 24, true, tight)
	if err != nil {
		t.Fatalf("CreateLease: %v", err)
	}

	if _, err := f.leases.IssueVAPIDJWT(ctx, f.creds, "req-2", lease.LeaseID, "", "abc"); err != nil {
		t.Fatalf("first IssueVAPIDJWT: %v", err)
	}
	if _, err := f.leases.IssueVAPIDJWT(ctx, f.creds, "req-3", lease.LeaseID, "", "abc"); err == nil {
		t.Fatal("expected quota exceeded on second token")
	}
}

func TestLeaseService_ExtendLeases(t *testing.T) {
	ctx := context.Background()
	f := newLeaseTestFixture(t)

	lease, err := f.leases.CreateLease(ctx, f.creds, "req-1", []domain.Sub{testSub("abc")}, 24, true, nil)
	if err != nil {
		t.Fatalf("CreateLease: %v", err)
	}

	outcomes, err := f.leases.ExtendLeases(ctx, "req-2", []string{lease.LeaseID, "lease_does_not_exist"}, f.creds.UserID, false, &f.creds)
	if err != nil {
		t.Fatalf("ExtendLeases: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Status != "extended" || outcomes[0].Exp == nil {
		t.Fatalf("expected first lease extended, got %+v", outcomes[0])
	}
	if outcomes[1].Status != "skipped" || outcomes[1].Reason != "not found" {
		t.Fatalf("expected second lease skipped as not found, got %+v", outcomes[1])
	}

	entries, err := f.leases.audit.GetAuditLog(ctx)
	if err != nil {
		t.Fatalf("GetAuditLog: %v", err)
	}
	var sawExtend bool
	for _, e := range entries {
		if e.Op == "extend-lease" {
			sawExtend = true
		}
	}
	if !sawExtend {
		t.Fatal("expected extend-lease audit entry for the extended lease")
	}
}

func TestLeaseService_ExtendLeases_DifferentVAPIDKeySkipped(t *testing.T) {
	ctx := context.Background()
	f := newLeaseTestFixture(t)

	lease, err := f.leases.CreateLease(ctx, f.creds, "req-1", []domain.Sub{testSub("abc")}, 24, true, nil)
	if err != nil {
		t.Fatalf("CreateLease: %v", err)
	}
	if _, err := f.keys.RegenerateVAPID(ctx, f.creds, "req-2"); err != nil {
		t.Fatalf("RegenerateVAPID: %v", err)
	}

	outcomes, err := f.leases.ExtendLeases(ctx, "req-3", []string{lease.LeaseID}, f.creds.UserID, false, &f.creds)
	if err != nil {
		t.Fatalf("ExtendLeases: %v", err)
	}
	if outcomes[0].Status != "skipped" || outcomes[0].Reason != "different VAPID key" {
		t.Fatalf("expected skip for stale kid, got %+v", outcomes[0])
	}
}

func TestLeaseService_ExtendLeases_AutoExtendFalseWithoutRequestAuthSkipped(t *testing.T) {
	ctx := context.Background()
	f := newLeaseTestFixture(t)

	lease, err := f.leases.CreateLease(ctx, f.creds, "req-1", []domain.Sub{testSub("abc")}, 24, false, nil)
	if err != nil {
		t.Fatalf("CreateLease: %v", err)
	}

	outcomes, err := f.leases.ExtendLeases(ctx, "req-2", []string{lease.LeaseID}, f.creds.UserID, false, nil)
	if err != nil {
		t.Fatalf("ExtendLeases: %v", err)
	}
	if outcomes[0].Status != "skipped" || outcomes[0].Reason != "autoExtend=false" {
		t.Fatalf("expected skip for autoExtend=false, got %+v", outcomes[0])
	}
}

func TestLeaseService_ExtendLeases_AutoExtendFalseWithRequestAuthExtends(t *testing.T) {
	ctx := context.Background()
	f := newLeaseTestFixture(t)

	lease, err := f.leases.CreateLease(ctx, f.creds, "req-1", []domain.Sub{testSub("abc")}, 24, false, nil)
	if err != nil {
		t.Fatalf("CreateLease: %v", err)
	}

	outcomes, err := f.leases.ExtendLeases(ctx, "req-2", []string{lease.LeaseID}, f.creds.UserID, true, &f.creds)
	if err != nil {
		t.Fatalf("ExtendLeases: %v", err)
	}
	if outcomes[0].Status != "extended" || outcomes[0].Exp == nil {
		t.Fatalf("expected extension with requestAuth+credentials, got %+v", outcomes[0])
	}
}

func TestLeaseService_ExtendLeases_AutoExtendFalseWithRequestAuthButNoCredentialsFails(t *testing.T) {
	ctx := context.Background()
	f := newLeaseTestFixture(t)

	lease, err := f.leases.CreateLease(ctx, f.creds, "req-1", []domain.Sub{testSub("abc")}, 24, false, nil)
	if err != nil {
		t.Fatalf("CreateLease: %v", err)
	}

	if _, err := f.leases.ExtendLeases(ctx, "req-2", []string{lease.LeaseID}, f.creds.UserID, true, nil); err == nil {
		t.Fatal("expected error when extension requires credentials that were not supplied")
	}
}

func TestLeaseService_DeleteExpiredLeases(t *testing.T) {
	ctx := context.Background()
	f := newLeaseTestFixture(t)

	if _, err := f.leases.CreateLease(ctx, f.creds, "req-1", []domain.Sub{testSub("abc")}, 0.0003, true, nil); err != nil {
		t.Fatalf("CreateLease: %v", err)
	}

	time.Sleep(2 * time.Second)

	n, err := f.leases.DeleteExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("DeleteExpiredLeases: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired lease swept, got %d", n)
	}
}

func TestLeaseService_StartMaintenance_StopsOnCancel(t *testing.T) {
	f := newLeaseTestFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- f.leases.StartMaintenance(ctx, 5*time.Millisecond, testLogger())
	}()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartMaintenance did not return after cancellation")
	}
}
