// Package service implements the KMS core: unlock/enrollment, the audit
// chain, VAPID key management and the lease/quota engine. Every operation
// that touches the Master Secret runs inside a withUnlock scope.
package service

import (
	"context"
	"crypto/rand"
	"time"

	cryptoDomain "github.com/allisson/webpush-kms/internal/crypto/domain"
	cryptoService "github.com/allisson/webpush-kms/internal/crypto/service"
	apperrors "github.com/allisson/webpush-kms/internal/errors"
	"github.com/allisson/webpush-kms/internal/kms/domain"
	"github.com/allisson/webpush-kms/internal/kms/repository"
)

const mkekInfo = "webpush-kms/mkek/v1"

type unlockKeyType struct{}

var unlockKey = unlockKeyType{}

// UnlockOutcome carries the timing envelope withUnlock returns alongside the
// operation closure's result.
type UnlockOutcome struct {
	Result     any
	UnlockTime time.Time
	LockTime   time.Time
	DurationMs int64
}

// UnlockService derives and recovers the Master Secret for each enrollment
// method and runs operations inside a zeroization-guaranteed scope.
type UnlockService struct {
	store        repository.Store
	aead         cryptoService.AEADManager
	pbkdf2MinMS  time.Duration
	pbkdf2MaxMS  time.Duration
	pbkdf2MinIts int
	pbkdf2MaxIts int
}

// NewUnlockService builds an UnlockService. The PBKDF2 bounds govern
// CalibratePBKDF2Iterations for new passphrase enrollments.
func NewUnlockService(
	store repository.Store,
	aead cryptoService.AEADManager,
	pbkdf2MinMS, pbkdf2MaxMS time.Duration,
	pbkdf2MinIts, pbkdf2MaxIts int,
) *UnlockService {
	return &UnlockService{
		store:        store,
		aead:         aead,
		pbkdf2MinMS:  pbkdf2MinMS,
		pbkdf2MaxMS:  pbkdf2MaxMS,
		pbkdf2MinIts: pbkdf2MinIts,
		pbkdf2MaxIts: pbkdf2MaxIts,
	}
}

// WithUnlock recovers MS via the method named in credentials, derives MKEK,
// invokes fn with both, then zeroizes MS on every exit path including panics.
// Re-entering an already-unlocked context returns ErrReentrantUnlock.
func (u *UnlockService) WithUnlock(
	ctx context.Context,
	creds domain.Credentials,
	fn func(ctx context.Context, mkek []byte, ms *domain.SecretBuffer) (any, error),
) (*UnlockOutcome, error) {
	if ctx.Value(unlockKey) != nil {
		return nil, domain.ErrReentrantUnlock
	}

	ms, err := u.unlock(ctx, creds)
	if err != nil {
		return nil, err
	}
	unlockTime := time.Now().UTC()

	defer ms.Zero()

	mkek, err := u.deriveMKEK(ms)
	if err != nil {
		return nil, err
	}
	defer cryptoDomain.Zero(mkek)

	scoped := context.WithValue(ctx, unlockKey, true)

	result, fnErr := fn(scoped, mkek, ms)

	lockTime := time.Now().UTC()
	if fnErr != nil {
		return nil, fnErr
	}

	return &UnlockOutcome{
		Result:     result,
		UnlockTime: unlockTime,
		LockTime:   lockTime,
		DurationMs: lockTime.Sub(unlockTime).Milliseconds(),
	}, nil
}

// deriveMKEK derives the 32-byte MKEK from MS via HKDF-SHA-256 with a fixed
// context string. No salt: MS already has full entropy.
func (u *UnlockService) deriveMKEK(ms *domain.SecretBuffer) ([]byte, error) {
	return cryptoService.HKDFExpand(ms.Bytes(), nil, mkekInfo, domain.MKEKSize)
}

// unlock dispatches to the method-specific recovery path and returns the
// decrypted MS, still owned by the caller.
func (u *UnlockService) unlock(ctx context.Context, creds domain.Credentials) (*domain.SecretBuffer, error) {
	rec, err := u.store.ListEnrollmentsByUserAndMethod(ctx, creds.UserID, creds.Method)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, methodNotSetUpError(creds.Method)
		}
		return nil, err
	}

	switch creds.Method {
	case domain.MethodPassphrase:
		return u.unlockPassphrase(rec, creds)
	case domain.MethodPasskeyPRF:
		return u.unlockPasskeyPRF(rec, creds)
	case domain.MethodPasskeyGate:
		return u.unlockPasskeyGate(rec, creds)
	default:
		return nil, domain.ErrUnknownMethod
	}
}

func methodNotSetUpError(method domain.Method) error {
	switch method {
	case domain.MethodPasskeyPRF:
		return domain.ErrPasskeyNotSetUp
	case domain.MethodPasskeyGate:
		return domain.ErrPasskeyGateNotSetUp
	default:
		return domain.ErrInvalidPassphrase
	}
}

func (u *UnlockService) unlockPassphrase(rec *domain.EnrollmentRecord, creds domain.Credentials) (*domain.SecretBuffer, error) {
	wrapKey := cryptoService.PBKDF2Derive([]byte(creds.Passphrase), rec.Salt, rec.PBKDF2Iters, domain.MasterSecretSize)
	defer cryptoDomain.Zero(wrapKey)

	ms, err := u.decryptMS(wrapKey, rec)
	if err != nil {
		return nil, domain.ErrInvalidPassphrase
	}
	return ms, nil
}

func (u *UnlockService) unlockPasskeyPRF(rec *domain.EnrollmentRecord, creds domain.Credentials) (*domain.SecretBuffer, error) {
	wrapKey, err := cryptoService.HKDFExpand(creds.PRFOutput, rec.AppSalt, "webpush-kms/passkey-prf/v1", domain.MasterSecretSize)
	if err != nil {
		return nil, domain.ErrDecryptionFailed
	}
	defer cryptoDomain.Zero(wrapKey)

	ms, err := u.decryptMS(wrapKey, rec)
	if err != nil {
		return nil, domain.ErrDecryptionFailed
	}
	return ms, nil
}

func (u *UnlockService) unlockPasskeyGate(rec *domain.EnrollmentRecord, _ domain.Credentials) (*domain.SecretBuffer, error) {
	wrapKey, err := cryptoService.HKDFExpand(nil, rec.GateSalt, "webpush-kms/passkey-gate/v1", domain.MasterSecretSize)
	if err != nil {
		return nil, domain.ErrPasskeyGateNotSetUp
	}
	defer cryptoDomain.Zero(wrapKey)

	ms, err := u.decryptMS(wrapKey, rec)
	if err != nil {
		return nil, domain.ErrPasskeyGateNotSetUp
	}
	return ms, nil
}

func (u *UnlockService) decryptMS(wrapKey []byte, rec *domain.EnrollmentRecord) (*domain.SecretBuffer, error) {
	aad := domain.EnrollmentAAD(rec.Method, rec.AlgVersion, rec.CredentialID)
	cipher, err := u.aead.CreateCipher(wrapKey, cryptoDomain.AESGCM)
	if err != nil {
		return nil, err
	}
	plaintext, err := cipher.Decrypt(rec.Ciphertext, rec.IV, aad)
	if err != nil {
		return nil, domain.ErrDecryptionFailed
	}
	return domain.NewSecretBuffer(plaintext), nil
}

// SetupPassphrase creates (or joins, for addEnrollment) a passphrase
// enrollment. If existingMS is nil a fresh MS is generated.
func (u *UnlockService) SetupPassphrase(
	ctx context.Context, userID, passphrase string, existingMS *domain.SecretBuffer,
) (enrollmentID string, err error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	iters := cryptoService.CalibratePBKDF2Iterations(u.pbkdf2MinMS, u.pbkdf2MaxMS, u.pbkdf2MinIts, u.pbkdf2MaxIts)

	wrapKey := cryptoService.PBKDF2Derive([]byte(passphrase), salt, iters, domain.MasterSecretSize)
	defer cryptoDomain.Zero(wrapKey)

	ms, err := msOrFresh(existingMS)
	if err != nil {
		return "", err
	}
	if existingMS == nil {
		defer ms.Zero()
	}

	rec, err := u.wrapEnrollment(domain.MethodPassphrase, userID, ms, wrapKey, nil, "", nil)
	if err != nil {
		return "", err
	}
	rec.Salt = salt
	rec.PBKDF2Iters = iters

	if err := u.store.PutEnrollment(ctx, rec); err != nil {
		return "", err
	}
	return rec.EnrollmentID, nil
}

// SetupPasskeyPRF creates (or joins) a passkey-prf enrollment.
func (u *UnlockService) SetupPasskeyPRF(
	ctx context.Context, userID string, credentialID []byte, rpID string, prfOutput []byte, existingMS *domain.SecretBuffer,
) (string, error) {
	appSalt := make([]byte, 32)
	if _, err := rand.Read(appSalt); err != nil {
		return "", err
	}

	wrapKey, err := cryptoService.HKDFExpand(prfOutput, appSalt, "webpush-kms/passkey-prf/v1", domain.MasterSecretSize)
	if err != nil {
		return "", err
	}
	defer cryptoDomain.Zero(wrapKey)

	ms, err := msOrFresh(existingMS)
	if err != nil {
		return "", err
	}
	if existingMS == nil {
		defer ms.Zero()
	}

	rec, err := u.wrapEnrollment(domain.MethodPasskeyPRF, userID, ms, wrapKey, credentialID, rpID, nil)
	if err != nil {
		return "", err
	}
	rec.AppSalt = appSalt

	if err := u.store.PutEnrollment(ctx, rec); err != nil {
		return "", err
	}
	return rec.EnrollmentID, nil
}

// SetupPasskeyGate creates (or joins) a passkey-gate enrollment. The gate
// contributes no entropy; the wrapping key derives from a per-enrollment
// salt generated here and persisted.
func (u *UnlockService) SetupPasskeyGate(
	ctx context.Context, userID string, credentialID []byte, rpID string, existingMS *domain.SecretBuffer,
) (string, error) {
	gateSalt := make([]byte, 32)
	if _, err := rand.Read(gateSalt); err != nil {
		return "", err
	}

	wrapKey, err := cryptoService.HKDFExpand(nil, gateSalt, "webpush-kms/passkey-gate/v1", domain.MasterSecretSize)
	if err != nil {
		return "", err
	}
	defer cryptoDomain.Zero(wrapKey)

	ms, err := msOrFresh(existingMS)
	if err != nil {
		return "", err
	}
	if existingMS == nil {
		defer ms.Zero()
	}

	rec, err := u.wrapEnrollment(domain.MethodPasskeyGate, userID, ms, wrapKey, credentialID, rpID, gateSalt)
	if err != nil {
		return "", err
	}

	if err := u.store.PutEnrollment(ctx, rec); err != nil {
		return "", err
	}
	return rec.EnrollmentID, nil
}

func msOrFresh(existingMS *domain.SecretBuffer) (*domain.SecretBuffer, error) {
	if existingMS != nil {
		return existingMS, nil
	}
	ms := make([]byte, domain.MasterSecretSize)
	if _, err := rand.Read(ms); err != nil {
		return nil, err
	}
	return domain.NewSecretBuffer(ms), nil
}

func (u *UnlockService) wrapEnrollment(
	method domain.Method, userID string, ms *domain.SecretBuffer, wrapKey []byte,
	credentialID []byte, rpID string, gateSalt []byte,
) (*domain.EnrollmentRecord, error) {
	aad := domain.EnrollmentAAD(method, domain.AlgVersion, credentialID)
	cipher, err := u.aead.CreateCipher(wrapKey, cryptoDomain.AESGCM)
	if err != nil {
		return nil, err
	}
	ciphertext, nonce, err := cipher.Encrypt(ms.Bytes(), aad)
	if err != nil {
		return nil, err
	}

	return &domain.EnrollmentRecord{
		EnrollmentID: newID("enr"),
		UserID:       userID,
		Method:       method,
		AlgVersion:   domain.AlgVersion,
		CreatedAt:    time.Now().UTC(),
		Ciphertext:   ciphertext,
		IV:           nonce,
		CredentialID: credentialID,
		RPID:         rpID,
		GateSalt:     gateSalt,
	}, nil
}

// AddEnrollment requires valid credentials for some existing enrollment,
// recovers MS via WithUnlock, and sets up a new method sharing that MS.
func (u *UnlockService) AddEnrollment(
	ctx context.Context, creds domain.Credentials, newMethod domain.Method, setup func(ms *domain.SecretBuffer) (string, error),
) (string, error) {
	var enrollmentID string
	_, err := u.WithUnlock(ctx, creds, func(_ context.Context, _ []byte, ms *domain.SecretBuffer) (any, error) {
		id, err := setup(ms)
		enrollmentID = id
		return nil, err
	})
	if err != nil {
		return "", err
	}
	return enrollmentID, nil
}

// RemoveEnrollment deletes the enrollment identified by enrollmentID after
// validating credentials against some enrollment belonging to the same user
// (possibly the one being removed).
func (u *UnlockService) RemoveEnrollment(ctx context.Context, creds domain.Credentials, enrollmentID string) error {
	_, err := u.WithUnlock(ctx, creds, func(ctx context.Context, _ []byte, _ *domain.SecretBuffer) (any, error) {
		rec, err := u.store.GetEnrollment(ctx, enrollmentID)
		if err != nil {
			return nil, err
		}
		if rec.UserID != creds.UserID {
			return nil, domain.ErrEnrollmentNotFound
		}
		return nil, u.store.DeleteEnrollment(ctx, enrollmentID)
	})
	return err
}

// IsSetup reports whether at least one enrollment exists for userID.
func (u *UnlockService) IsSetup(ctx context.Context, userID string) (bool, error) {
	recs, err := u.store.ListEnrollmentsByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(recs) > 0, nil
}

// IsPassphraseSetup reports whether userID has a passphrase enrollment.
func (u *UnlockService) IsPassphraseSetup(ctx context.Context, userID string) (bool, error) {
	return u.hasMethod(ctx, userID, domain.MethodPassphrase)
}

// IsPasskeySetup reports whether userID has either passkey enrollment method.
func (u *UnlockService) IsPasskeySetup(ctx context.Context, userID string) (bool, error) {
	prf, err := u.hasMethod(ctx, userID, domain.MethodPasskeyPRF)
	if err != nil {
		return false, err
	}
	if prf {
		return true, nil
	}
	return u.hasMethod(ctx, userID, domain.MethodPasskeyGate)
}

func (u *UnlockService) hasMethod(ctx context.Context, userID string, method domain.Method) (bool, error) {
	_, err := u.store.ListEnrollmentsByUserAndMethod(ctx, userID, method)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetEnrollments lists every enrollment for a user (for the getEnrollments RPC).
func (u *UnlockService) GetEnrollments(ctx context.Context, userID string) ([]*domain.EnrollmentRecord, error) {
	return u.store.ListEnrollmentsByUser(ctx, userID)
}

func newID(prefix string) string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return prefix + "_" + cryptoService.HexEncode(b)
}
