// Package memory implements repository.Store entirely in-process. Audit entries
// are kept in an append-ordered slice; the other collections are maps whose
// list operations sort their results by creation time. It is the default store for
// tests and single-instance deployments, and a template for any other engine
// that wants to satisfy repository.Store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/allisson/webpush-kms/internal/kms/domain"
)

// Store is an in-memory, mutex-guarded implementation of repository.Store.
type Store struct {
	mu sync.Mutex

	enrollments map[string]*domain.EnrollmentRecord
	wrappedKeys map[string]*domain.WrappedKeyRecord
	meta        map[string][]byte
	audit       []*domain.AuditEntry // ordered by seqNum ascending
	leases      map[string]*domain.LeaseRecord
	rateLimits  map[string]*domain.RateLimitCounter
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		enrollments: make(map[string]*domain.EnrollmentRecord),
		wrappedKeys: make(map[string]*domain.WrappedKeyRecord),
		meta:        make(map[string][]byte),
		leases:      make(map[string]*domain.LeaseRecord),
		rateLimits:  make(map[string]*domain.RateLimitCounter),
	}
}

func (s *Store) GetEnrollment(_ context.Context, enrollmentID string) (*domain.EnrollmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.enrollments[enrollmentID]
	if !ok {
		return nil, domain.ErrEnrollmentNotFound
	}
	return rec, nil
}

func (s *Store) PutEnrollment(_ context.Context, rec *domain.EnrollmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrollments[rec.EnrollmentID] = rec
	return nil
}

func (s *Store) DeleteEnrollment(_ context.Context, enrollmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.enrollments, enrollmentID)
	return nil
}

func (s *Store) ListEnrollmentsByUser(_ context.Context, userID string) ([]*domain.EnrollmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.EnrollmentRecord
	for _, rec := range s.enrollments {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListEnrollmentsByUserAndMethod(_ context.Context, userID string, method domain.Method) (*domain.EnrollmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.enrollments {
		if rec.UserID == userID && rec.Method == method {
			return rec, nil
		}
	}
	return nil, domain.ErrEnrollmentNotFound
}

func (s *Store) ListAllEnrollments(_ context.Context) ([]*domain.EnrollmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.EnrollmentRecord, 0, len(s.enrollments))
	for _, rec := range s.enrollments {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetWrappedKey(_ context.Context, kid string) (*domain.WrappedKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.wrappedKeys[kid]
	if !ok || rec.DeletedAt != nil {
		return nil, domain.ErrNoWrappedKey(kid)
	}
	return rec, nil
}

func (s *Store) PutWrappedKey(_ context.Context, rec *domain.WrappedKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wrappedKeys[rec.Kid] = rec
	return nil
}

func (s *Store) DeleteWrappedKey(_ context.Context, kid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.wrappedKeys[kid]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	rec.DeletedAt = &now
	return nil
}

func (s *Store) ListWrappedKeysByPurpose(_ context.Context, purpose domain.Purpose) ([]*domain.WrappedKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.WrappedKeyRecord
	for _, rec := range s.wrappedKeys {
		if rec.Purpose == purpose && rec.DeletedAt == nil {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CurrentVAPIDKey(ctx context.Context) (*domain.WrappedKeyRecord, error) {
	keys, err := s.ListWrappedKeysByPurpose(ctx, domain.PurposeVAPID)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, domain.ErrKMSNotSetup
	}
	return keys[len(keys)-1], nil
}

func (s *Store) GetMeta(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.meta[key]
	return v, ok, nil
}

func (s *Store) PutMeta(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

func (s *Store) DeleteMeta(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.meta, key)
	return nil
}

func (s *Store) AppendAuditEntry(_ context.Context, entry *domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.audit) > 0 && s.audit[len(s.audit)-1].SeqNum >= entry.SeqNum {
		return domain.ErrAuditConcurrentWrite
	}
	s.audit = append(s.audit, entry)
	return nil
}

func (s *Store) MaxAuditSeqNum(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.audit) == 0 {
		return 0, nil
	}
	return s.audit[len(s.audit)-1].SeqNum, nil
}

func (s *Store) ScanAuditEntries(_ context.Context) ([]*domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out, nil
}

func (s *Store) GetLease(_ context.Context, leaseID string) (*domain.LeaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[leaseID]
	if !ok {
		return nil, domain.ErrLeaseNotFound
	}
	return lease, nil
}

func (s *Store) PutLease(_ context.Context, lease *domain.LeaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[lease.LeaseID] = lease
	return nil
}

func (s *Store) DeleteLease(_ context.Context, leaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, leaseID)
	delete(s.rateLimits, leaseID)
	return nil
}

func (s *Store) ListLeasesByUser(_ context.Context, userID string) ([]*domain.LeaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.LeaseRecord
	for _, lease := range s.leases {
		if lease.UserID == userID {
			out = append(out, lease)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteExpiredLeases(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for id, lease := range s.leases {
		if lease.Exp.Before(now) {
			delete(s.leases, id)
			delete(s.rateLimits, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) GetRateLimit(_ context.Context, leaseID string) (*domain.RateLimitCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rl, ok := s.rateLimits[leaseID]
	if !ok {
		return nil, nil //nolint:nilnil // absence is a valid "not initialized yet" state, not an error
	}
	return rl, nil
}

func (s *Store) PutRateLimit(_ context.Context, counter *domain.RateLimitCounter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimits[counter.LeaseID] = counter
	return nil
}

func (s *Store) Reset(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if userID == "" {
		s.enrollments = make(map[string]*domain.EnrollmentRecord)
		s.wrappedKeys = make(map[string]*domain.WrappedKeyRecord)
		s.meta = make(map[string][]byte)
		s.audit = nil
		s.leases = make(map[string]*domain.LeaseRecord)
		s.rateLimits = make(map[string]*domain.RateLimitCounter)
		return nil
	}

	for id, rec := range s.enrollments {
		if rec.UserID == userID {
			delete(s.enrollments, id)
		}
	}
	for id, lease := range s.leases {
		if lease.UserID == userID {
			delete(s.leases, id)
			delete(s.rateLimits, id)
		}
	}
	return nil
}
