package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/allisson/webpush-kms/internal/kms/domain"
	"github.com/allisson/webpush-kms/internal/kms/repository"
)

// LeaseService issues, verifies and enforces the quotas on attenuated,
// kid-bound VAPID signing capabilities.
type LeaseService struct {
	store    repository.Store
	keys     *KeyService
	unlock   *UnlockService
	audit    *AuditService
	tokenTTL time.Duration
}

// NewLeaseService builds a LeaseService. tokenTTL is the default JWT lifetime
// used by issueVAPIDJWT/issueVAPIDJWTs.
func NewLeaseService(store repository.Store, keys *KeyService, unlock *UnlockService, audit *AuditService, tokenTTL time.Duration) *LeaseService {
	if tokenTTL <= 0 {
		tokenTTL = domain.DefaultTokenTTL
	}
	return &LeaseService{store: store, keys: keys, unlock: unlock, audit: audit, tokenTTL: tokenTTL}
}

// CreateLease mints a new lease bound to the current VAPID kid for userID.
// Requires credentials since it runs inside a withUnlock scope only to
// confirm the kid it binds to exists and to record the audit entry.
func (l *LeaseService) CreateLease(
	ctx context.Context, creds domain.Credentials, requestID string,
	subs []domain.Sub, ttlHours float64, autoExtend bool, quotas *domain.Quotas,
) (*domain.LeaseRecord, error) {
	if ttlHours <= 0 || ttlHours > domain.MaxLeaseTTLHours {
		return nil, domain.NewPolicyError("ttlHours must be in (0, 720]")
	}

	outcome, err := l.unlock.WithUnlock(ctx, creds, func(ctx context.Context, mkek []byte, _ *domain.SecretBuffer) (any, error) {
		current, err := l.store.CurrentVAPIDKey(ctx)
		if err != nil {
			return nil, err
		}

		q := domain.DefaultQuotas
		if quotas != nil {
			q = *quotas
		}

		now := time.Now().UTC()
		lease := &domain.LeaseRecord{
			LeaseID:    newID("lease"),
			UserID:     creds.UserID,
			Kid:        current.Kid,
			Subs:       subs,
			TTLHours:   ttlHours,
			AutoExtend: autoExtend,
			CreatedAt:  now,
			Exp:        now.Add(time.Duration(ttlHours * float64(time.Hour))),
			Quotas:     q,
		}
		if err := l.store.PutLease(ctx, lease); err != nil {
			return nil, err
		}
		if err := l.store.PutRateLimit(ctx, &domain.RateLimitCounter{
			LeaseID:     lease.LeaseID,
			LastResetAt: now,
			PerEndpoint: map[string]*domain.EndpointCounter{},
		}); err != nil {
			return nil, err
		}

		details := map[string]any{"ttlHours": ttlHours, "autoExtend": autoExtend}
		if err := l.audit.LogOperation(ctx, mkek, "create-lease", lease.Kid, requestID, creds.UserID, "", nil, details); err != nil {
			return nil, err
		}
		return lease, nil
	})
	if err != nil {
		return nil, err
	}
	return outcome.Result.(*domain.LeaseRecord), nil
}

// VerifyLease checks a lease's existence, expiry and kid binding without
// consuming any quota. It does not require an unlock scope: a lease's
// validity can be checked by kid/expiry comparison alone.
func (l *LeaseService) VerifyLease(ctx context.Context, leaseID string) (*domain.LeaseVerifyResult, error) {
	lease, err := l.store.GetLease(ctx, leaseID)
	if err != nil {
		return &domain.LeaseVerifyResult{Valid: false, LeaseID: leaseID, Reason: "not found"}, nil
	}
	if time.Now().UTC().After(lease.Exp) {
		return &domain.LeaseVerifyResult{Valid: false, LeaseID: leaseID, Kid: lease.Kid, Reason: "expired"}, nil
	}
	current, err := l.store.CurrentVAPIDKey(ctx)
	if err != nil || current.Kid != lease.Kid {
		return &domain.LeaseVerifyResult{Valid: false, LeaseID: leaseID, Kid: lease.Kid, Reason: "wrong-key"}, nil
	}
	return &domain.LeaseVerifyResult{Valid: true, LeaseID: leaseID, Kid: lease.Kid}, nil
}

// IssuedJWT is one signed VAPID JWT alongside its jti and expiry, as returned
// by issueVAPIDJWT/issueVAPIDJWTs.
type IssuedJWT struct {
	JWT string
	Jti string
	Exp int64
}

// IssueVAPIDJWT checks the lease's quotas against eid, consumes them, and
// signs one VAPID JWT for the given subscription endpoint. kid, if non-empty,
// must match the lease's bound kid or the lease is rejected as invalidated;
// eid, if empty, resolves to the lease's sole subscription.
func (l *LeaseService) IssueVAPIDJWT(ctx context.Context, creds domain.Credentials, requestID, leaseID, kid, eid string) (*IssuedJWT, error) {
	lease, err := l.loadLeaseForCharge(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if kid != "" && kid != lease.Kid {
		return nil, domain.ErrLeaseWrongKey
	}
	eid, err = resolveEid(lease, eid)
	if err != nil {
		return nil, err
	}
	if err := l.chargeQuota(ctx, lease, eid, 1); err != nil {
		return nil, err
	}

	sub := findSub(lease.Subs, eid)
	if sub == nil {
		return nil, domain.NewPolicyError("eid not bound to lease")
	}

	payload := JWTPayload{
		Aud: sub.Aud,
		Sub: creds.UserID,
		Exp: time.Now().Add(l.tokenTTL).Unix(),
		Jti: newJTI(),
	}
	jwt, err := l.keys.SignJWT(ctx, lease.Kid, payload, creds, requestID)
	if err != nil {
		return nil, err
	}
	return &IssuedJWT{JWT: jwt, Jti: payload.Jti, Exp: payload.Exp}, nil
}

// IssueVAPIDJWTs issues a batch of count JWTs for the same lease/eid with
// staggered expirations so a receiver never has many tokens expire at once.
// stride = clamp(tokenTTL*6/10, BatchStrideMin, BatchStrideMax); the n-th
// token (0-indexed) expires at now + tokenTTL + n*stride. kid and eid follow
// the same optional-verification/fallback rules as IssueVAPIDJWT.
func (l *LeaseService) IssueVAPIDJWTs(ctx context.Context, creds domain.Credentials, requestID, leaseID, kid, eid string, count int) ([]*IssuedJWT, error) {
	if count < domain.MinBatchCount || count > domain.MaxBatchCount {
		return nil, domain.NewPolicyError("count must be in [1, 10]")
	}

	lease, err := l.loadLeaseForCharge(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if kid != "" && kid != lease.Kid {
		return nil, domain.ErrLeaseWrongKey
	}
	eid, err = resolveEid(lease, eid)
	if err != nil {
		return nil, err
	}
	if err := l.chargeQuota(ctx, lease, eid, count); err != nil {
		return nil, err
	}
	sub := findSub(lease.Subs, eid)
	if sub == nil {
		return nil, domain.NewPolicyError("eid not bound to lease")
	}

	stride := clampDuration(l.tokenTTL*6/10, domain.BatchStrideMin, domain.BatchStrideMax)
	now := time.Now()
	issued := make([]*IssuedJWT, 0, count)
	for n := 0; n < count; n++ {
		payload := JWTPayload{
			Aud: sub.Aud,
			Sub: creds.UserID,
			Exp: now.Add(l.tokenTTL).Add(time.Duration(n) * stride).Unix(),
			Jti: newJTI(),
		}
		jwt, err := l.keys.SignJWT(ctx, lease.Kid, payload, creds, requestID)
		if err != nil {
			return nil, err
		}
		issued = append(issued, &IssuedJWT{JWT: jwt, Jti: payload.Jti, Exp: payload.Exp})
	}
	return issued, nil
}

// loadLeaseForCharge fetches a lease and checks its expiry and kid binding
// against the currently-resolvable VAPID key, the two checks issuance always
// performs regardless of any caller-supplied kid.
func (l *LeaseService) loadLeaseForCharge(ctx context.Context, leaseID string) (*domain.LeaseRecord, error) {
	lease, err := l.store.GetLease(ctx, leaseID)
	if err != nil {
		return nil, domain.ErrLeaseNotFound
	}
	if time.Now().UTC().After(lease.Exp) {
		return nil, domain.ErrLeaseExpired
	}
	current, err := l.store.CurrentVAPIDKey(ctx)
	if err != nil || current.Kid != lease.Kid {
		return nil, domain.ErrLeaseWrongKey
	}
	return lease, nil
}

// resolveEid returns eid unchanged if non-empty, otherwise falls back to the
// lease's sole subscription. A lease bound to more than one subscription
// requires the caller to name one explicitly.
func resolveEid(lease *domain.LeaseRecord, eid string) (string, error) {
	if eid != "" {
		return eid, nil
	}
	if len(lease.Subs) == 1 {
		return lease.Subs[0].Eid, nil
	}
	return "", domain.NewPolicyError("endpoint is required when a lease has more than one subscription")
}

// chargeQuota spends tokensPerHour/sendsPerMinute/burstSends/
// sendsPerMinutePerEid quota for n tokens against an already-loaded lease,
// lazily resetting any window that has elapsed since its last reset.
func (l *LeaseService) chargeQuota(ctx context.Context, lease *domain.LeaseRecord, eid string, n int) error {
	counter, err := l.store.GetRateLimit(ctx, lease.LeaseID)
	if err != nil {
		return err
	}
	if counter == nil {
		counter = &domain.RateLimitCounter{LeaseID: lease.LeaseID, PerEndpoint: map[string]*domain.EndpointCounter{}}
	}
	if counter.PerEndpoint == nil {
		counter.PerEndpoint = map[string]*domain.EndpointCounter{}
	}

	now := time.Now().UTC()
	if now.Sub(counter.LastResetAt) >= time.Hour {
		counter.TokensIssued = 0
		counter.LastResetAt = now
	}
	if counter.TokensIssued+n > lease.Quotas.TokensPerHour {
		return domain.ErrQuotaExceeded("tokensPerHour")
	}

	ec, ok := counter.PerEndpoint[eid]
	if !ok {
		ec = &domain.EndpointCounter{LastMinuteResetAt: now}
		counter.PerEndpoint[eid] = ec
	}
	if now.Sub(ec.LastMinuteResetAt) >= time.Minute {
		ec.SendsThisMinute = 0
		ec.LastMinuteResetAt = now
	}
	if ec.SendsThisMinute+n > lease.Quotas.SendsPerMinutePerEid {
		return domain.ErrQuotaExceeded("sendsPerMinutePerEid")
	}
	if ec.SendsThisMinute+n > lease.Quotas.BurstSends {
		return domain.ErrQuotaExceeded("burstSends")
	}
	leaseSends := 0
	for _, c := range counter.PerEndpoint {
		if now.Sub(c.LastMinuteResetAt) < time.Minute {
			leaseSends += c.SendsThisMinute
		}
	}
	if leaseSends+n > lease.Quotas.SendsPerMinute {
		return domain.ErrQuotaExceeded("sendsPerMinute")
	}

	counter.TokensIssued += n
	ec.SendsThisMinute += n
	return l.store.PutRateLimit(ctx, counter)
}

// ExtendLeases classifies every requested lease in order — not found, bound
// to a kid that is no longer current, or autoExtend=false without
// requestAuth — and extends the rest by LeaseExtensionDuration. Extending at
// least one lease requires credentials, validated via withUnlock, since the
// extension is persisted and audited under the unlocked scope.
func (l *LeaseService) ExtendLeases(
	ctx context.Context, requestID string, leaseIDs []string, userID string, requestAuth bool, creds *domain.Credentials,
) ([]domain.ExtendOutcome, error) {
	outcomes := make([]domain.ExtendOutcome, len(leaseIDs))

	type pendingExtension struct {
		pos   int
		lease *domain.LeaseRecord
	}
	var pending []pendingExtension

	for i, id := range leaseIDs {
		lease, err := l.store.GetLease(ctx, id)
		if err != nil {
			outcomes[i] = domain.ExtendOutcome{LeaseID: id, Status: "skipped", Reason: "not found"}
			continue
		}
		current, err := l.store.CurrentVAPIDKey(ctx)
		if err != nil || current.Kid != lease.Kid {
			outcomes[i] = domain.ExtendOutcome{LeaseID: id, Status: "skipped", Reason: "different VAPID key"}
			continue
		}
		if !lease.AutoExtend && !requestAuth {
			outcomes[i] = domain.ExtendOutcome{LeaseID: id, Status: "skipped", Reason: "autoExtend=false"}
			continue
		}
		outcomes[i] = domain.ExtendOutcome{LeaseID: id, Status: "extended"}
		pending = append(pending, pendingExtension{pos: i, lease: lease})
	}

	if len(pending) == 0 {
		return outcomes, nil
	}
	if creds == nil {
		return nil, domain.NewPolicyError("credentials are required to extend a lease")
	}

	_, err := l.unlock.WithUnlock(ctx, *creds, func(ctx context.Context, mkek []byte, _ *domain.SecretBuffer) (any, error) {
		for _, p := range pending {
			p.lease.Exp = p.lease.Exp.Add(domain.LeaseExtensionDuration)
			if err := l.store.PutLease(ctx, p.lease); err != nil {
				return nil, err
			}
			exp := p.lease.Exp
			outcomes[p.pos].Exp = &exp

			details := map[string]any{"autoExtend": p.lease.AutoExtend, "requestAuth": requestAuth}
			if err := l.audit.LogOperation(ctx, mkek, "extend-lease", p.lease.Kid, requestID, userID, "", nil, details); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// DeleteExpiredLeases sweeps leases past their exp and returns how many were
// removed. Intended to be called periodically by a background maintenance loop.
func (l *LeaseService) DeleteExpiredLeases(ctx context.Context) (int, error) {
	return l.store.DeleteExpiredLeases(ctx)
}

// StartMaintenance runs DeleteExpiredLeases on a ticker until ctx is
// cancelled. Intended to be launched in its own goroutine by the server
// command; errors from a single sweep are logged, not fatal.
func (l *LeaseService) StartMaintenance(ctx context.Context, interval time.Duration, logger *slog.Logger) error {
	logger.Info("starting lease maintenance sweep", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping lease maintenance sweep")
			return ctx.Err()
		case <-ticker.C:
			n, err := l.DeleteExpiredLeases(ctx)
			if err != nil {
				logger.Error("lease sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				logger.Info("swept expired leases", slog.Int("count", n))
			}
		}
	}
}

func findSub(subs []domain.Sub, eid string) *domain.Sub {
	for i := range subs {
		if subs[i].Eid == eid {
			return &subs[i]
		}
	}
	return nil
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
