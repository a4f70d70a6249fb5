package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/allisson/webpush-kms/internal/crypto/service"
	"github.com/allisson/webpush-kms/internal/kms/domain"
	"github.com/allisson/webpush-kms/internal/kms/repository/memory"
	kmsService "github.com/allisson/webpush-kms/internal/kms/service"
	"github.com/allisson/webpush-kms/internal/kms/usecase"
)

func testCreds(userID, passphrase string) domain.Credentials {
	return domain.Credentials{Method: domain.MethodPassphrase, UserID: userID, Passphrase: passphrase}
}

func newTestKMSUseCase() usecase.KMSUseCase {
	store := memory.New()
	aead := service.NewAEADManager()

	unlock := kmsService.NewUnlockService(store, aead, 10*time.Millisecond, 50*time.Millisecond, 1000, 10000)
	audit := kmsService.NewAuditService(store, aead, "ed25519")
	keys := kmsService.NewKeyService(store, aead, audit, unlock)
	leases := kmsService.NewLeaseService(store, keys, unlock, audit, 15*time.Minute)

	return usecase.NewKMSUseCase(store, unlock, audit, keys, leases)
}

func TestRunVerifyAuditChain(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()

	t.Run("no-iak-fails", func(t *testing.T) {
		uc := newTestKMSUseCase()

		var out bytes.Buffer
		err := RunVerifyAuditChain(ctx, uc, logger, &out, "text")
		require.Error(t, err)
		require.Contains(t, out.String(), "Status: FAILED")
	})

	t.Run("chain-with-entries-is-valid-text", func(t *testing.T) {
		uc := newTestKMSUseCase()
		_, err := uc.SetupPassphrase(ctx, "user-1", "correct horse battery staple")
		require.NoError(t, err)
		_, err = uc.GenerateVAPID(ctx, testCreds("user-1", "correct horse battery staple"), "req-1")
		require.NoError(t, err)

		var out bytes.Buffer
		err = RunVerifyAuditChain(ctx, uc, logger, &out, "text")
		require.NoError(t, err)
		require.Contains(t, out.String(), "Status: PASSED")
	})

	t.Run("chain-with-entries-is-valid-json", func(t *testing.T) {
		uc := newTestKMSUseCase()
		_, err := uc.SetupPassphrase(ctx, "user-1", "correct horse battery staple")
		require.NoError(t, err)
		_, err = uc.GenerateVAPID(ctx, testCreds("user-1", "correct horse battery staple"), "req-1")
		require.NoError(t, err)

		var out bytes.Buffer
		err = RunVerifyAuditChain(ctx, uc, logger, &out, "json")
		require.NoError(t, err)

		var result map[string]interface{}
		require.NoError(t, json.Unmarshal(out.Bytes(), &result))
		require.Equal(t, true, result["valid"])
		require.Equal(t, float64(1), result["verified"])
	})
}
