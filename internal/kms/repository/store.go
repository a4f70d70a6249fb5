// Package repository defines the persistence substrate the KMS core depends on:
// an ordered, uniquely-keyed key-value store. Any engine satisfying Store works —
// this package ships an in-memory implementation and a PostgreSQL-backed one.
package repository

import (
	"context"

	"github.com/allisson/webpush-kms/internal/kms/domain"
)

// Store exposes the named collections the KMS core persists to. All operations
// are safe for concurrent use; a single-process assumption holds (no
// cross-process locking is required since every call runs inside the KMS
// core's own cooperative unlock scope).
type Store interface {
	// Enrollments (keyed by enrollmentId).
	GetEnrollment(ctx context.Context, enrollmentID string) (*domain.EnrollmentRecord, error)
	PutEnrollment(ctx context.Context, rec *domain.EnrollmentRecord) error
	DeleteEnrollment(ctx context.Context, enrollmentID string) error
	ListEnrollmentsByUser(ctx context.Context, userID string) ([]*domain.EnrollmentRecord, error)
	ListEnrollmentsByUserAndMethod(ctx context.Context, userID string, method domain.Method) (*domain.EnrollmentRecord, error)
	ListAllEnrollments(ctx context.Context) ([]*domain.EnrollmentRecord, error)

	// Wrapped keys (keyed by kid).
	GetWrappedKey(ctx context.Context, kid string) (*domain.WrappedKeyRecord, error)
	PutWrappedKey(ctx context.Context, rec *domain.WrappedKeyRecord) error
	DeleteWrappedKey(ctx context.Context, kid string) error
	ListWrappedKeysByPurpose(ctx context.Context, purpose domain.Purpose) ([]*domain.WrappedKeyRecord, error)
	// CurrentVAPIDKey returns the newest non-deleted purpose:"vapid" record.
	CurrentVAPIDKey(ctx context.Context) (*domain.WrappedKeyRecord, error)

	// Meta is an opaque typed key-value store (calibrated iteration counts,
	// ephemeral transport keypairs, etc).
	GetMeta(ctx context.Context, key string) ([]byte, bool, error)
	PutMeta(ctx context.Context, key string, value []byte) error
	DeleteMeta(ctx context.Context, key string) error

	// Audit log (keyed by seqNum, append-only, uniqueness-enforced).
	AppendAuditEntry(ctx context.Context, entry *domain.AuditEntry) error
	MaxAuditSeqNum(ctx context.Context) (int64, error)
	ScanAuditEntries(ctx context.Context) ([]*domain.AuditEntry, error)

	// Leases (keyed by leaseId, secondary index by userId).
	GetLease(ctx context.Context, leaseID string) (*domain.LeaseRecord, error)
	PutLease(ctx context.Context, lease *domain.LeaseRecord) error
	DeleteLease(ctx context.Context, leaseID string) error
	ListLeasesByUser(ctx context.Context, userID string) ([]*domain.LeaseRecord, error)
	DeleteExpiredLeases(ctx context.Context) (int, error)

	// Rate-limit counters (keyed by leaseId).
	GetRateLimit(ctx context.Context, leaseID string) (*domain.RateLimitCounter, error)
	PutRateLimit(ctx context.Context, counter *domain.RateLimitCounter) error

	// Reset drops the entire database (resetKMS). If userID is non-empty, only
	// that user's enrollments and leases are dropped; shared state (audit log,
	// wrapped VAPID/audit keys) is untouched in that scoped case.
	Reset(ctx context.Context, userID string) error
}
