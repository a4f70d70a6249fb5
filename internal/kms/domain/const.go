// Package domain defines the core types of the browser-resident KMS: enrollment
// records, wrapped key records, the audit chain, leases, and rate-limit counters.
package domain

import "time"

// KMSVersion is baked into every AAD and audit payload so future format changes
// are detectable instead of silently misinterpreted.
const KMSVersion = 1

// AlgVersion identifies the current wrapping/derivation algorithm generation.
// Bumped whenever the KDF or AEAD choice for enrollment wrapping changes.
const AlgVersion = 1

// Method identifies which authenticator protocol produced an enrollment.
type Method string

const (
	MethodPassphrase Method = "passphrase"
	MethodPasskeyPRF Method = "passkey-prf"
	MethodPasskeyGate Method = "passkey-gate"
)

// Purpose tags what a wrapped key record is for.
type Purpose string

const (
	PurposeMasterSecret Purpose = "master-secret"
	PurposeVAPID        Purpose = "vapid"
	PurposeAudit        Purpose = "audit"
)

// AuditInstanceKid is the reserved kid for the Instance Audit Key's wrapped record.
const AuditInstanceKid = "audit-instance"

// DefaultQuotas is the quota schedule assigned to a lease unless overridden.
var DefaultQuotas = Quotas{
	TokensPerHour:        100,
	SendsPerMinute:       10,
	BurstSends:           50,
	SendsPerMinutePerEid: 5,
}

// MaxLeaseTTLHours is the maximum allowed lease lifetime (720h == 30 days).
const MaxLeaseTTLHours = 720

// DefaultTokenTTL is the default VAPID JWT lifetime.
const DefaultTokenTTL = 15 * time.Minute

// MaxJWTExpiryWindow is the maximum allowed distance between signJWT's payload.exp
// and now, per RFC 8292 policy enforcement.
const MaxJWTExpiryWindow = 24 * time.Hour

// MaxBatchCount is the upper bound on issueVAPIDJWTs' count parameter.
const MaxBatchCount = 10

// MinBatchCount is the lower bound on issueVAPIDJWTs' count parameter.
const MinBatchCount = 1

// LeaseExtensionDuration is the fixed extension extendLeases adds to every
// lease it extends (autoExtend=true, or requestAuth set); the caller must
// supply valid credentials for any extension to happen.
const LeaseExtensionDuration = 30 * 24 * time.Hour

// BatchStrideMin and BatchStrideMax bound the stagger interval between batched
// JWT expirations (targets ~60% of the token TTL).
const (
	BatchStrideMin = 500 * time.Second
	BatchStrideMax = 600 * time.Second
)
