// Package postgresql implements repository.Store on PostgreSQL, using native
// UUID-free TEXT keys (enrollment/lease/kid identifiers are already
// collision-resistant strings minted by the service layer) and JSONB for the
// nested fields. Transaction-aware via database.GetTx().
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"

	"github.com/allisson/webpush-kms/internal/database"
	apperrors "github.com/allisson/webpush-kms/internal/errors"
	"github.com/allisson/webpush-kms/internal/kms/domain"
)

// Store implements repository.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL-backed Store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetEnrollment(ctx context.Context, enrollmentID string) (*domain.EnrollmentRecord, error) {
	querier := database.GetTx(ctx, s.db)

	query := `SELECT enrollment_id, user_id, method, alg_version, created_at, ciphertext, iv,
			  salt, pbkdf2_iters, credential_id, rpid, app_salt, gate_salt
			  FROM enrollments WHERE enrollment_id = $1`

	rec, err := scanEnrollment(querier.QueryRowContext(ctx, query, enrollmentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrEnrollmentNotFound
		}
		return nil, apperrors.Wrap(err, "failed to get enrollment")
	}
	return rec, nil
}

func (s *Store) PutEnrollment(ctx context.Context, rec *domain.EnrollmentRecord) error {
	querier := database.GetTx(ctx, s.db)

	query := `INSERT INTO enrollments
			  (enrollment_id, user_id, method, alg_version, created_at, ciphertext, iv,
			   salt, pbkdf2_iters, credential_id, rpid, app_salt, gate_salt)
			  VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			  ON CONFLICT (enrollment_id) DO UPDATE SET
			  	ciphertext = EXCLUDED.ciphertext,
			  	iv = EXCLUDED.iv,
			  	salt = EXCLUDED.salt,
			  	pbkdf2_iters = EXCLUDED.pbkdf2_iters,
			  	credential_id = EXCLUDED.credential_id,
			  	rpid = EXCLUDED.rpid,
			  	app_salt = EXCLUDED.app_salt,
			  	gate_salt = EXCLUDED.gate_salt`

	_, err := querier.ExecContext(
		ctx, query,
		rec.EnrollmentID, rec.UserID, string(rec.Method), rec.AlgVersion, rec.CreatedAt,
		rec.Ciphertext, rec.IV, rec.Salt, rec.PBKDF2Iters, rec.CredentialID, rec.RPID, rec.AppSalt, rec.GateSalt,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to put enrollment")
	}
	return nil
}

func (s *Store) DeleteEnrollment(ctx context.Context, enrollmentID string) error {
	querier := database.GetTx(ctx, s.db)
	_, err := querier.ExecContext(ctx, `DELETE FROM enrollments WHERE enrollment_id = $1`, enrollmentID)
	if err != nil {
		return apperrors.Wrap(err, "failed to delete enrollment")
	}
	return nil
}

func (s *Store) ListEnrollmentsByUser(ctx context.Context, userID string) ([]*domain.EnrollmentRecord, error) {
	querier := database.GetTx(ctx, s.db)

	query := `SELECT enrollment_id, user_id, method, alg_version, created_at, ciphertext, iv,
			  salt, pbkdf2_iters, credential_id, rpid, app_salt, gate_salt
			  FROM enrollments WHERE user_id = $1 ORDER BY created_at ASC`

	rows, err := querier.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list enrollments")
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.EnrollmentRecord
	for rows.Next() {
		rec, err := scanEnrollmentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) ListEnrollmentsByUserAndMethod(ctx context.Context, userID string, method domain.Method) (*domain.EnrollmentRecord, error) {
	querier := database.GetTx(ctx, s.db)

	query := `SELECT enrollment_id, user_id, method, alg_version, created_at, ciphertext, iv,
			  salt, pbkdf2_iters, credential_id, rpid, app_salt, gate_salt
			  FROM enrollments WHERE user_id = $1 AND method = $2 LIMIT 1`

	rec, err := scanEnrollment(querier.QueryRowContext(ctx, query, userID, string(method)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrEnrollmentNotFound
		}
		return nil, apperrors.Wrap(err, "failed to get enrollment by method")
	}
	return rec, nil
}

func (s *Store) ListAllEnrollments(ctx context.Context) ([]*domain.EnrollmentRecord, error) {
	querier := database.GetTx(ctx, s.db)

	query := `SELECT enrollment_id, user_id, method, alg_version, created_at, ciphertext, iv,
			  salt, pbkdf2_iters, credential_id, rpid, app_salt, gate_salt
			  FROM enrollments ORDER BY created_at ASC`

	rows, err := querier.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list enrollments")
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.EnrollmentRecord
	for rows.Next() {
		rec, err := scanEnrollmentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnrollment(row *sql.Row) (*domain.EnrollmentRecord, error) {
	return scanEnrollmentScanner(row)
}

func scanEnrollmentRows(rows *sql.Rows) (*domain.EnrollmentRecord, error) {
	return scanEnrollmentScanner(rows)
}

func scanEnrollmentScanner(row rowScanner) (*domain.EnrollmentRecord, error) {
	var rec domain.EnrollmentRecord
	var method string
	err := row.Scan(
		&rec.EnrollmentID, &rec.UserID, &method, &rec.AlgVersion, &rec.CreatedAt,
		&rec.Ciphertext, &rec.IV, &rec.Salt, &rec.PBKDF2Iters, &rec.CredentialID,
		&rec.RPID, &rec.AppSalt, &rec.GateSalt,
	)
	if err != nil {
		return nil, err
	}
	rec.Method = domain.Method(method)
	return &rec, nil
}

func (s *Store) GetWrappedKey(ctx context.Context, kid string) (*domain.WrappedKeyRecord, error) {
	querier := database.GetTx(ctx, s.db)

	query := `SELECT kid, alg, purpose, created_at, public_key_raw, wrapped_private_key, wrap_iv, wrap_aad, deleted_at
			  FROM wrapped_keys WHERE kid = $1`

	rec, err := scanWrappedKey(querier.QueryRowContext(ctx, query, kid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNoWrappedKey(kid)
		}
		return nil, apperrors.Wrap(err, "failed to get wrapped key")
	}
	if rec.DeletedAt != nil {
		return nil, domain.ErrNoWrappedKey(kid)
	}
	return rec, nil
}

func (s *Store) PutWrappedKey(ctx context.Context, rec *domain.WrappedKeyRecord) error {
	querier := database.GetTx(ctx, s.db)

	query := `INSERT INTO wrapped_keys
			  (kid, alg, purpose, created_at, public_key_raw, wrapped_private_key, wrap_iv, wrap_aad, deleted_at)
			  VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			  ON CONFLICT (kid) DO UPDATE SET deleted_at = EXCLUDED.deleted_at`

	_, err := querier.ExecContext(
		ctx, query,
		rec.Kid, rec.Alg, string(rec.Purpose), rec.CreatedAt,
		rec.PublicKeyRaw, rec.WrappedPrivateKey, rec.WrapIV, rec.WrapAAD, rec.DeletedAt,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to put wrapped key")
	}
	return nil
}

func (s *Store) DeleteWrappedKey(ctx context.Context, kid string) error {
	querier := database.GetTx(ctx, s.db)
	_, err := querier.ExecContext(ctx, `UPDATE wrapped_keys SET deleted_at = now() WHERE kid = $1`, kid)
	if err != nil {
		return apperrors.Wrap(err, "failed to delete wrapped key")
	}
	return nil
}

func (s *Store) ListWrappedKeysByPurpose(ctx context.Context, purpose domain.Purpose) ([]*domain.WrappedKeyRecord, error) {
	querier := database.GetTx(ctx, s.db)

	query := `SELECT kid, alg, purpose, created_at, public_key_raw, wrapped_private_key, wrap_iv, wrap_aad, deleted_at
			  FROM wrapped_keys WHERE purpose = $1 AND deleted_at IS NULL ORDER BY created_at ASC`

	rows, err := querier.QueryContext(ctx, query, string(purpose))
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list wrapped keys")
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.WrappedKeyRecord
	for rows.Next() {
		rec, err := scanWrappedKeyRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
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

func scanWrappedKey(row *sql.Row) (*domain.WrappedKeyRecord, error) {
	return scanWrappedKeyScanner(row)
}

func scanWrappedKeyRows(rows *sql.Rows) (*domain.WrappedKeyRecord, error) {
	return scanWrappedKeyScanner(rows)
}

func scanWrappedKeyScanner(row rowScanner) (*domain.WrappedKeyRecord, error) {
	var rec domain.WrappedKeyRecord
	var purpose string
	err := row.Scan(
		&rec.Kid, &rec.Alg, &purpose, &rec.CreatedAt,
		&rec.PublicKeyRaw, &rec.WrappedPrivateKey, &rec.WrapIV, &rec.WrapAAD, &rec.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Purpose = domain.Purpose(purpose)
	return &rec, nil
}

func (s *Store) GetMeta(ctx context.Context, key string) ([]byte, bool, error) {
	querier := database.GetTx(ctx, s.db)

	var value []byte
	err := querier.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, apperrors.Wrap(err, "failed to get meta")
	}
	return value, true, nil
}

func (s *Store) PutMeta(ctx context.Context, key string, value []byte) error {
	querier := database.GetTx(ctx, s.db)
	query := `INSERT INTO meta (key, value) VALUES ($1, $2)
			  ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	_, err := querier.ExecContext(ctx, query, key, value)
	if err != nil {
		return apperrors.Wrap(err, "failed to put meta")
	}
	return nil
}

func (s *Store) DeleteMeta(ctx context.Context, key string) error {
	querier := database.GetTx(ctx, s.db)
	_, err := querier.ExecContext(ctx, `DELETE FROM meta WHERE key = $1`, key)
	if err != nil {
		return apperrors.Wrap(err, "failed to delete meta")
	}
	return nil
}

func (s *Store) AppendAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	querier := database.GetTx(ctx, s.db)

	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal audit details")
	}

	query := `INSERT INTO audit_entries
			  (seq_num, timestamp, op, kid, request_id, user_id, origin, duration_ms, details,
			   previous_hash, chain_hash, signer_id, sig)
			  VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

	_, err = querier.ExecContext(
		ctx, query,
		entry.SeqNum, entry.Timestamp, entry.Op, entry.Kid, entry.RequestID, entry.UserID,
		entry.Origin, entry.DurationMs, detailsJSON, entry.PreviousHash, entry.ChainHash,
		entry.SignerID, entry.Sig,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAuditConcurrentWrite
		}
		return apperrors.Wrap(err, "failed to append audit entry")
	}
	return nil
}

func (s *Store) MaxAuditSeqNum(ctx context.Context) (int64, error) {
	querier := database.GetTx(ctx, s.db)

	var max sql.NullInt64
	err := querier.QueryRowContext(ctx, `SELECT MAX(seq_num) FROM audit_entries`).Scan(&max)
	if err != nil {
		return 0, apperrors.Wrap(err, "failed to get max audit seq num")
	}
	return max.Int64, nil
}

func (s *Store) ScanAuditEntries(ctx context.Context) ([]*domain.AuditEntry, error) {
	querier := database.GetTx(ctx, s.db)

	query := `SELECT seq_num, timestamp, op, kid, request_id, user_id, origin, duration_ms, details,
			  previous_hash, chain_hash, signer_id, sig
			  FROM audit_entries ORDER BY seq_num ASC`

	rows, err := querier.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to scan audit entries")
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detailsJSON []byte
		err := rows.Scan(
			&e.SeqNum, &e.Timestamp, &e.Op, &e.Kid, &e.RequestID, &e.UserID, &e.Origin,
			&e.DurationMs, &detailsJSON, &e.PreviousHash, &e.ChainHash, &e.SignerID, &e.Sig,
		)
		if err != nil {
			return nil, err
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
				return nil, apperrors.Wrap(err, "failed to unmarshal audit details")
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) GetLease(ctx context.Context, leaseID string) (*domain.LeaseRecord, error) {
	querier := database.GetTx(ctx, s.db)

	query := `SELECT lease_id, user_id, kid, subs, ttl_hours, auto_extend, created_at, exp, quotas
			  FROM leases WHERE lease_id = $1`

	lease, err := scanLease(querier.QueryRowContext(ctx, query, leaseID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrLeaseNotFound
		}
		return nil, apperrors.Wrap(err, "failed to get lease")
	}
	return lease, nil
}

func (s *Store) PutLease(ctx context.Context, lease *domain.LeaseRecord) error {
	querier := database.GetTx(ctx, s.db)

	subsJSON, err := json.Marshal(lease.Subs)
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal lease subs")
	}
	quotasJSON, err := json.Marshal(lease.Quotas)
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal lease quotas")
	}

	query := `INSERT INTO leases
			  (lease_id, user_id, kid, subs, ttl_hours, auto_extend, created_at, exp, quotas)
			  VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			  ON CONFLICT (lease_id) DO UPDATE SET exp = EXCLUDED.exp, auto_extend = EXCLUDED.auto_extend`

	_, err = querier.ExecContext(
		ctx, query,
		lease.LeaseID, lease.UserID, lease.Kid, subsJSON, lease.TTLHours,
		lease.AutoExtend, lease.CreatedAt, lease.Exp, quotasJSON,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to put lease")
	}
	return nil
}

func (s *Store) DeleteLease(ctx context.Context, leaseID string) error {
	querier := database.GetTx(ctx, s.db)
	_, err := querier.ExecContext(ctx, `DELETE FROM leases WHERE lease_id = $1`, leaseID)
	if err != nil {
		return apperrors.Wrap(err, "failed to delete lease")
	}
	_, err = querier.ExecContext(ctx, `DELETE FROM rate_limits WHERE lease_id = $1`, leaseID)
	if err != nil {
		return apperrors.Wrap(err, "failed to delete lease rate limit")
	}
	return nil
}

func (s *Store) ListLeasesByUser(ctx context.Context, userID string) ([]*domain.LeaseRecord, error) {
	querier := database.GetTx(ctx, s.db)

	query := `SELECT lease_id, user_id, kid, subs, ttl_hours, auto_extend, created_at, exp, quotas
			  FROM leases WHERE user_id = $1 ORDER BY created_at ASC`

	rows, err := querier.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list leases")
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.LeaseRecord
	for rows.Next() {
		lease, err := scanLeaseRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lease)
	}
	return out, rows.Err()
}

func (s *Store) DeleteExpiredLeases(ctx context.Context) (int, error) {
	querier := database.GetTx(ctx, s.db)

	res, err := querier.ExecContext(ctx, `DELETE FROM leases WHERE exp < now()`)
	if err != nil {
		return 0, apperrors.Wrap(err, "failed to delete expired leases")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(err, "failed to count deleted leases")
	}
	return int(n), nil
}

func scanLease(row *sql.Row) (*domain.LeaseRecord, error) {
	return scanLeaseScanner(row)
}

func scanLeaseRows(rows *sql.Rows) (*domain.LeaseRecord, error) {
	return scanLeaseScanner(rows)
}

func scanLeaseScanner(row rowScanner) (*domain.LeaseRecord, error) {
	var lease domain.LeaseRecord
	var subsJSON, quotasJSON []byte
	err := row.Scan(
		&lease.LeaseID, &lease.UserID, &lease.Kid, &subsJSON, &lease.TTLHours,
		&lease.AutoExtend, &lease.CreatedAt, &lease.Exp, &quotasJSON,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(subsJSON, &lease.Subs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(quotasJSON, &lease.Quotas); err != nil {
		return nil, err
	}
	return &lease, nil
}

func (s *Store) GetRateLimit(ctx context.Context, leaseID string) (*domain.RateLimitCounter, error) {
	querier := database.GetTx(ctx, s.db)

	var counter domain.RateLimitCounter
	var perEndpointJSON []byte
	err := querier.QueryRowContext(
		ctx,
		`SELECT lease_id, tokens_issued, last_reset_at, per_endpoint FROM rate_limits WHERE lease_id = $1`,
		leaseID,
	).Scan(&counter.LeaseID, &counter.TokensIssued, &counter.LastResetAt, &perEndpointJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil //nolint:nilnil // absence is a valid "not initialized yet" state, not an error
		}
		return nil, apperrors.Wrap(err, "failed to get rate limit")
	}
	if len(perEndpointJSON) > 0 {
		if err := json.Unmarshal(perEndpointJSON, &counter.PerEndpoint); err != nil {
			return nil, apperrors.Wrap(err, "failed to unmarshal rate limit")
		}
	}
	return &counter, nil
}

func (s *Store) PutRateLimit(ctx context.Context, counter *domain.RateLimitCounter) error {
	querier := database.GetTx(ctx, s.db)

	perEndpointJSON, err := json.Marshal(counter.PerEndpoint)
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal rate limit")
	}

	query := `INSERT INTO rate_limits (lease_id, tokens_issued, last_reset_at, per_endpoint)
			  VALUES ($1,$2,$3,$4)
			  ON CONFLICT (lease_id) DO UPDATE SET
			  	tokens_issued = EXCLUDED.tokens_issued,
			  	last_reset_at = EXCLUDED.last_reset_at,
			  	per_endpoint = EXCLUDED.per_endpoint`

	_, err = querier.ExecContext(ctx, query, counter.LeaseID, counter.TokensIssued, counter.LastResetAt, perEndpointJSON)
	if err != nil {
		return apperrors.Wrap(err, "failed to put rate limit")
	}
	return nil
}

func (s *Store) Reset(ctx context.Context, userID string) error {
	return database.NewTxManager(s.db).WithTx(ctx, func(ctx context.Context) error {
		querier := database.GetTx(ctx, s.db)

		if userID == "" {
			for _, table := range []string{"enrollments", "wrapped_keys", "meta", "audit_entries", "leases", "rate_limits"} {
				if _, err := querier.ExecContext(ctx, "DELETE FROM "+table); err != nil {
					return apperrors.Wrap(err, "failed to reset "+table)
				}
			}
			return nil
		}

		if _, err := querier.ExecContext(ctx, `DELETE FROM enrollments WHERE user_id = $1`, userID); err != nil {
			return apperrors.Wrap(err, "failed to reset enrollments")
		}
		if _, err := querier.ExecContext(ctx,
			`DELETE FROM rate_limits WHERE lease_id IN (SELECT lease_id FROM leases WHERE user_id = $1)`, userID,
		); err != nil {
			return apperrors.Wrap(err, "failed to reset rate limits")
		}
		if _, err := querier.ExecContext(ctx, `DELETE FROM leases WHERE user_id = $1`, userID); err != nil {
			return apperrors.Wrap(err, "failed to reset leases")
		}
		return nil
	})
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
