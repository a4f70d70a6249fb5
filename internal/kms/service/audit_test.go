package service

import (
	"context"
	"testing"

	cryptoService "github.com/allisson/webpush-kms/internal/crypto/service"
	"github.com/allisson/webpush-kms/internal/kms/domain"
	"github.com/allisson/webpush-kms/internal/kms/repository/memory"
)

func testMKEK(t *testing.T) []byte {
	t.Helper()
	mkek := make([]byte, domain.MKEKSize)
	for i := range mkek {
		mkek[i] = byte(i)
	}
	return mkek
}

func TestAuditService_VerifyChain_BeforeIAK(t *testing.T) {
	a := NewAuditService(memory.New(), cryptoService.NewAEADManager(), "ed25519")

	result, err := a.VerifyAuditChain(context.Background())
	if err != nil {
		t.Fatalf("VerifyAuditChain: %v", err)
	}
	if result.Valid {
		t.Fatal("expected invalid result before EnsureIAK")
	}
	if len(result.Errors) != 1 || result.Errors[0] != "UAK not initialized" {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
}

func TestAuditService_EnsureIAKIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a := NewAuditService(memory.New(), cryptoService.NewAEADManager(), "ed25519")
	mkek := testMKEK(t)

	pub1, err := a.EnsureIAK(ctx, mkek)
	if err != nil {
		t.Fatalf("EnsureIAK: %v", err)
	}
	pub2, err := a.EnsureIAK(ctx, mkek)
	if err != nil {
		t.Fatalf("EnsureIAK (second call): %v", err)
	}
	if string(pub1) != string(pub2) {
		t.Fatal("expected EnsureIAK to return the same public key on repeat calls")
	}
}

func TestAuditService_LogAndVerifyChain(t *testing.T) {
	ctx := context.Background()
	a := NewAuditService(memory.New(), cryptoService.NewAEADManager(), "ed25519")
	mkek := testMKEK(t)

	if _, err := a.EnsureIAK(ctx, mkek); err != nil {
		t.Fatalf("EnsureIAK: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := a.LogOperation(ctx, mkek, "generateVAPID", "kid-1", "req-1", "user-1", "", nil, nil); err != nil {
			t.Fatalf("LogOperation: %v", err)
		}
	}

	result, err := a.VerifyAuditChain(ctx)
	if err != nil {
		t.Fatalf("VerifyAuditChain: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid chain, got errors: %v", result.Errors)
	}
	if result.Verified != 3 {
		t.Fatalf("expected 3 verified entries, got %d", result.Verified)
	}

	entries, err := a.GetAuditLog(ctx)
	if err != nil {
		t.Fatalf("GetAuditLog: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
}

func TestAuditService_ECDSAP256Algorithm(t *testing.T) {
	ctx := context.Background()
	a := NewAuditService(memory.New(), cryptoService.NewAEADManager(), "ecdsa-p256")
	mkek := testMKEK(t)

	if _, err := a.EnsureIAK(ctx, mkek); err != nil {
		t.Fatalf("EnsureIAK: %v", err)
	}
	if err := a.LogOperation(ctx, mkek, "generateVAPID", "kid-1", "req-1", "user-1", "", nil, nil); err != nil {
		t.Fatalf("LogOperation: %v", err)
	}

	result, err := a.VerifyAuditChain(ctx)
	if err != nil {
		t.Fatalf("VerifyAuditChain: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid chain, got errors: %v", result.Errors)
	}
}
