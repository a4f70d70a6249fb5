package usecase

import (
	"context"
	"testing"
	"time"

	cryptoService "github.com/allisson/webpush-kms/internal/crypto/service"
	"github.com/allisson/webpush-kms/internal/kms/domain"
	"github.com/allisson/webpush-kms/internal/kms/repository/memory"
	"github.com/allisson/webpush-kms/internal/kms/service"
)

func newTestUseCase(t *testing.T) KMSUseCase {
	t.Helper()
	store := memory.New()
	aead := cryptoService.NewAEADManager()
	unlock := service.NewUnlockService(store, aead, 5*time.Millisecond, 20*time.Millisecond, 100, 1000)
	audit := service.NewAuditService(store, aead, "ed25519")
	keys := service.NewKeyService(store, aead, audit, unlock)
	leases := service.NewLeaseService(store, keys, unlock, audit, 15*time.Minute)
	return NewKMSUseCase(store, unlock, audit, keys, leases)
}

func TestKMSUseCase_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	uc := newTestUseCase(t)

	if _, err := uc.SetupPassphrase(ctx, "user-1", "right-phrase"); err != nil {
		t.Fatalf("SetupPassphrase: %v", err)
	}
	creds := domain.Credentials{Method: domain.MethodPassphrase, UserID: "user-1", Passphrase: "right-phrase"}

	isSetup, err := uc.IsSetup(ctx, "user-1")
	if err != nil || !isSetup {
		t.Fatalf("IsSetup: %v, %v", isSetup, err)
	}

	key, err := uc.GenerateVAPID(ctx, creds, "req-1")
	if err != nil {
		t.Fatalf("GenerateVAPID: %v", err)
	}

	lease, err := uc.CreateLease(ctx, creds, "req-2", []domain.Sub{{URL: "https://fcm.googleapis.com/fcm/send/abc", Aud: "https://fcm.googleapis.com", Eid: "abc"}}, 24, true, nil)
	if err != nil {
		t.Fatalf("CreateLease: %v", err)
	}
	if lease.Kid != key.Kid {
		t.Fatalf("expected lease bound to %q, got %q", key.Kid, lease.Kid)
	}

	issued, err := uc.IssueVAPIDJWT(ctx, creds, "req-3", lease.LeaseID, "", "abc")
	if err != nil {
		t.Fatalf("IssueVAPIDJWT: %v", err)
	}
	if issued.JWT == "" {
		t.Fatal("expected non-empty jwt")
	}

	extended, err := uc.ExtendLeases(ctx, "req-4", []string{lease.LeaseID}, "user-1", false, &creds)
	if err != nil {
		t.Fatalf("ExtendLeases: %v", err)
	}
	if len(extended) != 1 || extended[0].Status != "extended" {
		t.Fatalf("expected lease extended, got %+v", extended)
	}

	chainResult, err := uc.VerifyAuditChain(ctx)
	if err != nil {
		t.Fatalf("VerifyAuditChain: %v", err)
	}
	if !chainResult.Valid {
		t.Fatalf("expected valid audit chain, got errors: %v", chainResult.Errors)
	}

	entries, err := uc.GetAuditLog(ctx)
	if err != nil {
		t.Fatalf("GetAuditLog: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected audit entries recorded across the lifecycle")
	}

	if err := uc.ResetKMS(ctx, "user-1"); err != nil {
		t.Fatalf("ResetKMS: %v", err)
	}
	isSetup, err = uc.IsSetup(ctx, "user-1")
	if err != nil {
		t.Fatalf("IsSetup after reset: %v", err)
	}
	if isSetup {
		t.Fatal("expected user-1 to have no enrollments after ResetKMS")
	}
}

func TestKMSUseCase_AddAndRemoveEnrollment(t *testing.T) {
	ctx := context.Background()
	uc := newTestUseCase(t)

	if _, err := uc.SetupPassphrase(ctx, "user-1", "right-phrase"); err != nil {
		t.Fatalf("SetupPassphrase: %v", err)
	}
	creds := domain.Credentials{Method: domain.MethodPassphrase, UserID: "user-1", Passphrase: "right-phrase"}

	gateID, err := uc.AddEnrollment(ctx, creds, domain.MethodPasskeyGate, AddEnrollmentInput{
		CredentialID: []byte("cred-1"),
		RPID:         "example.com",
	})
	if err != nil {
		t.Fatalf("AddEnrollment: %v", err)
	}

	enrollments, err := uc.GetEnrollments(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetEnrollments: %v", err)
	}
	if len(enrollments) != 2 {
		t.Fatalf("expected 2 enrollments, got %d", len(enrollments))
	}

	if err := uc.RemoveEnrollment(ctx, creds, gateID); err != nil {
		t.Fatalf("RemoveEnrollment: %v", err)
	}

	enrollments, err = uc.GetEnrollments(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetEnrollments after removal: %v", err)
	}
	if len(enrollments) != 1 {
		t.Fatalf("expected 1 enrollment after removal, got %d", len(enrollments))
	}
}
