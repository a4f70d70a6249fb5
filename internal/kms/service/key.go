package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	cryptoDomain "github.com/allisson/webpush-kms/internal/crypto/domain"
	cryptoService "github.com/allisson/webpush-kms/internal/crypto/service"
	"github.com/allisson/webpush-kms/internal/kms/domain"
	"github.com/allisson/webpush-kms/internal/kms/repository"
)

// VAPIDKey is the public-facing result of generateVAPID/regenerateVAPID.
type VAPIDKey struct {
	Kid       string
	PublicKey string // base64url, 65-byte uncompressed point
}

// KeyService manages VAPID P-256 keypairs and RFC 8292 JWT signing.
type KeyService struct {
	store  repository.Store
	aead   cryptoService.AEADManager
	audit  *AuditService
	unlock *UnlockService
}

// NewKeyService builds a KeyService.
func NewKeyService(store repository.Store, aead cryptoService.AEADManager, audit *AuditService, unlock *UnlockService) *KeyService {
	return &KeyService{store: store, aead: aead, audit: audit, unlock: unlock}
}

// GenerateVAPID creates a fresh P-256 VAPID keypair under credentials' unlock
// scope, wraps the private half under MKEK, and persists it.
func (k *KeyService) GenerateVAPID(ctx context.Context, creds domain.Credentials, requestID string) (*VAPIDKey, error) {
	outcome, err := k.unlock.WithUnlock(ctx, creds, func(ctx context.Context, mkek []byte, _ *domain.SecretBuffer) (any, error) {
		if _, err := k.audit.EnsureIAK(ctx, mkek); err != nil {
			return nil, err
		}

		key, err := k.generateAndPersistVAPID(ctx, mkek)
		if err != nil {
			return nil, err
		}

		if err := k.audit.LogOperation(ctx, mkek, "generate-vapid", key.Kid, requestID, creds.UserID, "", nil, nil); err != nil {
			return nil, err
		}
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return outcome.Result.(*VAPIDKey), nil
}

// RegenerateVAPID deletes every existing purpose:"vapid" record then generates
// a fresh one, atomically invalidating every lease bound to the old kid(s).
func (k *KeyService) RegenerateVAPID(ctx context.Context, creds domain.Credentials, requestID string) (*VAPIDKey, error) {
	outcome, err := k.unlock.WithUnlock(ctx, creds, func(ctx context.Context, mkek []byte, _ *domain.SecretBuffer) (any, error) {
		if _, err := k.audit.EnsureIAK(ctx, mkek); err != nil {
			return nil, err
		}

		old, err := k.store.ListWrappedKeysByPurpose(ctx, domain.PurposeVAPID)
		if err != nil {
			return nil, err
		}
		oldKids := make([]string, 0, len(old))
		for _, rec := range old {
			if err := k.store.DeleteWrappedKey(ctx, rec.Kid); err != nil {
				return nil, err
			}
			oldKids = append(oldKids, rec.Kid)
		}

		key, err := k.generateAndPersistVAPID(ctx, mkek)
		if err != nil {
			return nil, err
		}

		details := map[string]any{"oldKids": oldKids, "newKid": key.Kid}
		if err := k.audit.LogOperation(ctx, mkek, "regenerate-vapid", key.Kid, requestID, creds.UserID, "", nil, details); err != nil {
			return nil, err
		}
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return outcome.Result.(*VAPIDKey), nil
}

func (k *KeyService) generateAndPersistVAPID(ctx context.Context, mkek []byte) (*VAPIDKey, error) {
	kp, err := cryptoService.GenerateP256KeyPair()
	if err != nil {
		return nil, err
	}

	kid, err := cryptoService.RFC7638ThumbprintP256(kp.PublicKey)
	if err != nil {
		return nil, err
	}

	createdAt := time.Now().UTC()
	aad := domain.WrapAAD(kid, "ECDSA", domain.PurposeVAPID, createdAt)
	cipher, err := k.aead.CreateCipher(mkek, cryptoDomain.AESGCM)
	if err != nil {
		return nil, err
	}
	privRaw := cryptoService.MarshalP256PrivateKeyRaw(kp.PrivateKey)
	defer cryptoDomain.Zero(privRaw)

	ciphertext, nonce, err := cipher.Encrypt(privRaw, aad)
	if err != nil {
		return nil, err
	}

	publicRaw := cryptoService.MarshalP256PublicKeyRaw(kp.PublicKey)
	rec := &domain.WrappedKeyRecord{
		Kid:               kid,
		Alg:               "ES256",
		Purpose:           domain.PurposeVAPID,
		CreatedAt:         createdAt,
		PublicKeyRaw:      publicRaw,
		WrappedPrivateKey: ciphertext,
		WrapIV:            nonce,
		WrapAAD:           aad,
	}
	if err := k.store.PutWrappedKey(ctx, rec); err != nil {
		return nil, err
	}

	return &VAPIDKey{Kid: kid, PublicKey: cryptoService.Base64URLEncode(publicRaw)}, nil
}

// GetPublicKey returns the base64url public key for kid, or ErrNoWrappedKey.
func (k *KeyService) GetPublicKey(ctx context.Context, kid string) (string, error) {
	rec, err := k.store.GetWrappedKey(ctx, kid)
	if err != nil {
		return "", err
	}
	return cryptoService.Base64URLEncode(rec.PublicKeyRaw), nil
}

// GetAuditPublicKey returns the IAK's public key, base64url.
func (k *KeyService) GetAuditPublicKey(ctx context.Context) (string, error) {
	rec, err := k.store.GetWrappedKey(ctx, domain.AuditInstanceKid)
	if err != nil {
		return "", domain.ErrIAKNotInitialized
	}
	return cryptoService.Base64URLEncode(rec.PublicKeyRaw), nil
}

// JWTPayload is the caller-supplied VAPID claim set for signJWT.
type JWTPayload struct {
	Aud string
	Sub string
	Exp int64 // unix seconds
	Jti string
}

// SignJWT enforces RFC 8292 policy, unwraps kid's private key, and signs.
func (k *KeyService) SignJWT(ctx context.Context, kid string, payload JWTPayload, creds domain.Credentials, requestID string) (string, error) {
	if err := validateJWTPolicy(payload); err != nil {
		return "", err
	}

	outcome, err := k.unlock.WithUnlock(ctx, creds, func(ctx context.Context, mkek []byte, _ *domain.SecretBuffer) (any, error) {
		rec, err := k.store.GetWrappedKey(ctx, kid)
		if err != nil {
			return nil, err
		}

		cipher, err := k.aead.CreateCipher(mkek, cryptoDomain.AESGCM)
		if err != nil {
			return nil, err
		}
		privRaw, err := cipher.Decrypt(rec.WrappedPrivateKey, rec.WrapIV, rec.WrapAAD)
		if err != nil {
			return nil, domain.ErrDecryptionFailed
		}
		defer cryptoDomain.Zero(privRaw)

		pubKey, err := cryptoService.UnmarshalP256PublicKeyRaw(rec.PublicKeyRaw)
		if err != nil {
			return nil, err
		}
		privKey := cryptoService.UnmarshalP256PrivateKeyRaw(privRaw, pubKey)

		header := domain.CanonicalJSON(map[string]domain.CanonicalValue{
			"alg": "ES256",
			"typ": "JWT",
			"kid": kid,
		})
		payloadJSON := domain.CanonicalJSON(map[string]domain.CanonicalValue{
			"aud": payload.Aud,
			"sub": payload.Sub,
			"exp": payload.Exp,
			"jti": payload.Jti,
		})

		signingInput := cryptoService.Base64URLEncode(header) + "." + cryptoService.Base64URLEncode(payloadJSON)

		start := time.Now()
		der, err := cryptoService.SignP256DER(privKey, []byte(signingInput))
		if err != nil {
			return nil, err
		}
		sig, err := cryptoService.DERToP1363(der)
		if err != nil {
			return nil, err
		}
		duration := time.Since(start).Milliseconds()

		jwt := signingInput + "." + cryptoService.Base64URLEncode(sig)

		details := map[string]any{"alg": "ES256"}
		if err := k.audit.LogOperation(ctx, mkek, "sign-jwt", kid, requestID, creds.UserID, "", &duration, details); err != nil {
			return nil, err
		}

		return jwt, nil
	})
	if err != nil {
		return "", err
	}
	return outcome.Result.(string), nil
}

func validateJWTPolicy(payload JWTPayload) error {
	if payload.Aud == "" || !isHTTPSURL(payload.Aud) {
		return domain.NewPolicyError("payload.aud must be an https:// URL")
	}
	if payload.Sub == "" || !(hasPrefix(payload.Sub, "mailto:") || hasPrefix(payload.Sub, "https:")) {
		return domain.NewPolicyError("payload.sub must start with mailto: or https:")
	}
	now := time.Now().Unix()
	if payload.Exp <= now {
		return domain.NewPolicyError("payload.exp must be in the future")
	}
	if payload.Exp > now+int64(domain.MaxJWTExpiryWindow.Seconds()) {
		return domain.NewPolicyError(fmt.Sprintf("payload.exp must not exceed now + %s", domain.MaxJWTExpiryWindow))
	}
	return nil
}

func isHTTPSURL(s string) bool {
	return hasPrefix(s, "https://")
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// newJTI generates a random URL-safe request identifier for synthesized JWTs.
func newJTI() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return cryptoService.Base64URLEncode(b)
}
