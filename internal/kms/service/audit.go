package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	cryptoDomain "github.com/allisson/webpush-kms/internal/crypto/domain"
	cryptoService "github.com/allisson/webpush-kms/internal/crypto/service"
	apperrors "github.com/allisson/webpush-kms/internal/errors"
	"github.com/allisson/webpush-kms/internal/kms/domain"
	"github.com/allisson/webpush-kms/internal/kms/repository"
)

// auditSigningAlgorithm names the signature scheme guarding the audit chain.
type auditSigningAlgorithm string

const (
	auditAlgEd25519   auditSigningAlgorithm = "ed25519"
	auditAlgECDSAP256 auditSigningAlgorithm = "ecdsa-p256"
)

// AuditService maintains the hash-chained, signed audit log. ensureIAK is
// idempotent and must run (inside a withUnlock scope) before the first
// logOperation call.
type AuditService struct {
	store repository.Store
	aead  cryptoService.AEADManager
	alg   auditSigningAlgorithm

	mu       sync.Mutex // serializes "read head -> compute entry -> write entry"
	seqNum   int64
	chainHead string
	loaded   bool
}

// NewAuditService builds an AuditService. alg selects the signature scheme
// used the first time ensureIAK creates the Instance Audit Key; once created
// the stored key's algorithm governs every later call regardless of alg.
func NewAuditService(store repository.Store, aead cryptoService.AEADManager, alg string) *AuditService {
	a := auditAlgEd25519
	if alg == string(auditAlgECDSAP256) {
		a = auditAlgECDSAP256
	}
	return &AuditService{store: store, aead: aead, alg: a}
}

// EnsureIAK generates the Instance Audit Key if absent, wrapping the private
// half under mkek. Returns the (possibly newly created) public key, raw.
func (a *AuditService) EnsureIAK(ctx context.Context, mkek []byte) ([]byte, error) {
	rec, err := a.store.GetWrappedKey(ctx, domain.AuditInstanceKid)
	if err == nil {
		return a.unwrapIAKPublic(rec)
	}
	if !isNotFound(err) {
		return nil, err
	}

	var alg, keyAlg string
	var pub, priv []byte
	switch a.alg {
	case auditAlgECDSAP256:
		kp, err := cryptoService.GenerateP256KeyPair()
		if err != nil {
			return nil, err
		}
		pub = cryptoService.MarshalP256PublicKeyRaw(&kp.PrivateKey.PublicKey)
		priv = cryptoService.MarshalP256PrivateKeyRaw(kp.PrivateKey)
		alg, keyAlg = "ECDSA", "ecdsa-p256"
	default:
		kp, err := cryptoService.GenerateEd25519KeyPair()
		if err != nil {
			return nil, err
		}
		pub, priv = []byte(kp.PublicKey), []byte(kp.PrivateKey)
		alg, keyAlg = "Ed25519", "ed25519"
	}

	createdAt := time.Now().UTC()
	aad := domain.WrapAAD(domain.AuditInstanceKid, alg, domain.PurposeAudit, createdAt)
	cipher, err := a.aead.CreateCipher(mkek, cryptoDomain.AESGCM)
	if err != nil {
		return nil, err
	}
	ciphertext, nonce, err := cipher.Encrypt(priv, aad)
	if err != nil {
		return nil, err
	}

	rec = &domain.WrappedKeyRecord{
		Kid:               domain.AuditInstanceKid,
		Alg:               keyAlg,
		Purpose:           domain.PurposeAudit,
		CreatedAt:         createdAt,
		PublicKeyRaw:      pub,
		WrappedPrivateKey: ciphertext,
		WrapIV:            nonce,
		WrapAAD:           aad,
	}
	if err := a.store.PutWrappedKey(ctx, rec); err != nil {
		return nil, err
	}
	return pub, nil
}

func (a *AuditService) unwrapIAKPublic(rec *domain.WrappedKeyRecord) ([]byte, error) {
	return rec.PublicKeyRaw, nil
}

// unwrapIAKPrivate recovers the IAK's private signing key under mkek.
func (a *AuditService) unwrapIAKPrivate(ctx context.Context, mkek []byte) ([]byte, string, error) {
	rec, err := a.store.GetWrappedKey(ctx, domain.AuditInstanceKid)
	if err != nil {
		return nil, "", domain.ErrIAKNotInitialized
	}
	cipher, err := a.aead.CreateCipher(mkek, cryptoDomain.AESGCM)
	if err != nil {
		return nil, "", err
	}
	priv, err := cipher.Decrypt(rec.WrappedPrivateKey, rec.WrapIV, rec.WrapAAD)
	if err != nil {
		return nil, "", domain.ErrDecryptionFailed
	}
	return priv, rec.Alg, nil
}

// LogOperation appends a new entry to the chain. mkek is required to sign
// under the IAK; callers outside a withUnlock scope cannot call this.
func (a *AuditService) LogOperation(
	ctx context.Context, mkek []byte,
	op, kid, requestID, userID, origin string, durationMs *int64, details map[string]any,
) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.loadHead(ctx); err != nil {
		return err
	}

	priv, keyAlg, err := a.unwrapIAKPrivate(ctx, mkek)
	if err != nil {
		return err
	}
	defer cryptoDomain.Zero(priv)

	entry := &domain.AuditEntry{
		SeqNum:       a.seqNum + 1,
		Timestamp:    time.Now().UTC(),
		Op:           op,
		Kid:          kid,
		RequestID:    requestID,
		UserID:       userID,
		Origin:       origin,
		DurationMs:   durationMs,
		Details:      details,
		PreviousHash: a.chainHead,
		SignerID:     domain.AuditInstanceKid,
	}

	chainHash := sha256.Sum256(domain.CanonicalJSON(entry.CanonicalFields()))
	entry.ChainHash = hex.EncodeToString(chainHash[:])

	sig, err := signChainHash(keyAlg, priv, chainHash[:])
	if err != nil {
		return err
	}
	entry.Sig = sig

	if err := a.store.AppendAuditEntry(ctx, entry); err != nil {
		return err
	}

	a.seqNum = entry.SeqNum
	a.chainHead = entry.ChainHash
	return nil
}

func signChainHash(keyAlg string, priv, chainHash []byte) ([]byte, error) {
	if keyAlg == "ecdsa-p256" {
		privKey := cryptoService.UnmarshalP256PrivateKeyRaw(priv, &ecdsa.PublicKey{Curve: elliptic.P256()})
		der, err := cryptoService.SignP256DER(privKey, chainHash)
		if err != nil {
			return nil, err
		}
		return cryptoService.DERToP1363(der)
	}
	return cryptoService.SignEd25519(priv, chainHash), nil
}

func verifyChainHash(keyAlg string, pub, chainHash, sig []byte) bool {
	if keyAlg == "ecdsa-p256" {
		pubKey, err := cryptoService.UnmarshalP256PublicKeyRaw(pub)
		if err != nil {
			return false
		}
		der, err := cryptoService.P1363ToDER(sig)
		if err != nil {
			return false
		}
		return cryptoService.VerifyP256DER(pubKey, chainHash, der)
	}
	return cryptoService.VerifyEd25519(pub, chainHash, sig)
}

// loadHead initializes seqNum/chainHead from storage on first use.
func (a *AuditService) loadHead(ctx context.Context) error {
	if a.loaded {
		return nil
	}
	max, err := a.store.MaxAuditSeqNum(ctx)
	if err != nil {
		return err
	}
	a.seqNum = max
	if max > 0 {
		entries, err := a.store.ScanAuditEntries(ctx)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			a.chainHead = entries[len(entries)-1].ChainHash
		}
	}
	a.loaded = true
	return nil
}

// VerifyAuditChain walks the chain, re-deriving and checking chainHash,
// previousHash linkage and the signature under the IAK public key.
func (a *AuditService) VerifyAuditChain(ctx context.Context) (*domain.AuditVerifyResult, error) {
	entries, err := a.store.ScanAuditEntries(ctx)
	if err != nil {
		return nil, err
	}

	iak, err := a.store.GetWrappedKey(ctx, domain.AuditInstanceKid)
	if err != nil {
		return &domain.AuditVerifyResult{Valid: false, Errors: []string{"UAK not initialized"}}, nil
	}

	result := &domain.AuditVerifyResult{Valid: true}
	prevHash := ""
	var prevSeq int64

	for _, e := range entries {
		wantSeq := prevSeq + 1
		if e.SeqNum != wantSeq {
			result.Valid = false
			result.Errors = append(result.Errors, seqGapError(wantSeq, e.SeqNum))
			prevSeq = e.SeqNum
			prevHash = e.ChainHash
			continue
		}

		sum := sha256.Sum256(domain.CanonicalJSON(e.CanonicalFields()))
		computed := hex.EncodeToString(sum[:])
		if computed != e.ChainHash {
			result.Valid = false
			result.Errors = append(result.Errors, "chainHash mismatch at seqNum "+itoaAudit(e.SeqNum))
		}
		if e.PreviousHash != prevHash {
			result.Valid = false
			result.Errors = append(result.Errors, "previousHash mismatch at seqNum "+itoaAudit(e.SeqNum))
		}
		if !verifyChainHash(iak.Alg, iak.PublicKeyRaw, sum[:], e.Sig) {
			result.Valid = false
			result.Errors = append(result.Errors, "signature verification failed at seqNum "+itoaAudit(e.SeqNum))
		}

		result.Verified++
		prevSeq = e.SeqNum
		prevHash = e.ChainHash
	}

	if result.Errors == nil {
		result.Errors = []string{}
	}
	return result, nil
}

// GetAuditLog returns every entry, unpaginated.
func (a *AuditService) GetAuditLog(ctx context.Context) ([]*domain.AuditEntry, error) {
	return a.store.ScanAuditEntries(ctx)
}

func seqGapError(want, got int64) string {
	return "seqNum gap: expected " + itoaAudit(want) + ", found " + itoaAudit(got)
}

func itoaAudit(n int64) string {
	return strconv.FormatInt(n, 10)
}

func isNotFound(err error) bool {
	return apperrors.Is(err, apperrors.ErrNotFound)
}
