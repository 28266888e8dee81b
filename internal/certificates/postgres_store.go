package certificates

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/voltrust/internal/apperr"
)

// PostgresStore persists certificates in PostgreSQL. The partial unique
// index idx_certificates_active on (volunteer_id, event_id) WHERE
// status <> 'revoked' enforces at-most-once issuance across replicas.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed certificate store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const certColumns = `serial, hour_entry_id, volunteer_id, volunteer_name, event_id, event_title,
		       organization_id, category_code, hours, issue_date, status,
		       algorithm, key_id, signature, payload_hash, security_score, security_level,
		       anchor_tx, anchored_at, archive_key, verification_attempts, last_verified,
		       revoked_at, revoked_by, revocation_reason, issued_by, version, created_at, updated_at,
		       fraud_flags`

// activeIndex is the partial unique index behind CreateIfAbsent.
const activeIndex = "idx_certificates_active"

// CreateIfAbsent runs as a single INSERT at the default isolation level.
// Only a violation of the active index means another issuance won.
func (p *PostgresStore) CreateIfAbsent(ctx context.Context, c *Certificate) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO certificates (`+certColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30
		)`,
		c.Serial, c.HourEntryID, c.VolunteerID, nullString(c.VolunteerName), c.EventID, c.EventTitle,
		nullString(c.OrganizationID), c.CategoryCode, c.Hours, c.IssueDate, string(c.Status),
		c.Algorithm, c.KeyID, c.Signature, c.PayloadHash, c.SecurityScore, c.SecurityLevel,
		nullString(c.AnchorTx), nullTime(c.AnchoredAt), nullString(c.ArchiveKey),
		c.VerificationAttempts, nullTime(c.LastVerified),
		nullTime(c.RevokedAt), nullString(c.RevokedBy), nullString(c.RevocationReason),
		nullString(c.IssuedBy), c.Version, c.CreatedAt, c.UpdatedAt,
		pq.Array(nonNil(c.FraudFlags)),
	)
	return mapUniqueViolation(err, c.Serial)
}

func mapUniqueViolation(err error, serial string) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return err
	}
	if pqErr.Constraint == activeIndex {
		return apperr.ErrAlreadyIssued
	}
	return fmt.Errorf("certificates: serial %s already used: %w", serial, err)
}

func (p *PostgresStore) Get(ctx context.Context, serial string) (*Certificate, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+certColumns+` FROM certificates WHERE serial = $1`, serial)
	c, err := scanCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("certificate", serial)
	}
	return c, err
}

func (p *PostgresStore) FindActive(ctx context.Context, volunteerID, eventID string) (*Certificate, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+certColumns+` FROM certificates
		WHERE volunteer_id = $1 AND event_id = $2 AND status <> 'revoked'`, volunteerID, eventID)
	c, err := scanCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("certificate", volunteerID+"/"+eventID)
	}
	return c, err
}

func (p *PostgresStore) Update(ctx context.Context, c *Certificate) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE certificates SET
			status = $1, revoked_at = $2, revoked_by = $3, revocation_reason = $4,
			updated_at = $5, version = version + 1
		WHERE serial = $6 AND version = $7`,
		string(c.Status), nullTime(c.RevokedAt), nullString(c.RevokedBy), nullString(c.RevocationReason),
		c.UpdatedAt, c.Serial, c.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM certificates WHERE serial = $1)`, c.Serial).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return apperr.NotFound("certificate", c.Serial)
		}
		return apperr.ErrVersionConflict
	}
	c.Version++
	return nil
}

func (p *PostgresStore) RecordVerification(ctx context.Context, serial string, at time.Time) (*Certificate, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE certificates SET
			verification_attempts = verification_attempts + 1,
			last_verified = $1,
			status = CASE WHEN status = 'issued' THEN 'verified' ELSE status END
		WHERE serial = $2 AND status <> 'revoked'
		RETURNING `+certColumns, at, serial)
	c, err := scanCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Revoked between read and update, or gone.
		return p.Get(ctx, serial)
	}
	return c, err
}

func (p *PostgresStore) MarkAnchored(ctx context.Context, serial, txHash string, at time.Time, securityScore int, securityLevel string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE certificates
		SET anchor_tx = $1, anchored_at = $2, security_score = $3, security_level = $4,
			status = CASE WHEN status = 'pending_verification' THEN 'issued' ELSE status END
		WHERE serial = $5`, txHash, at, securityScore, securityLevel, serial)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("certificate", serial)
	}
	return nil
}

func (p *PostgresStore) SetArchiveKey(ctx context.Context, serial, key string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE certificates SET archive_key = $1 WHERE serial = $2`, key, serial)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("certificate", serial)
	}
	return nil
}

func (p *PostgresStore) ListByVolunteer(ctx context.Context, volunteerID string, limit int) ([]*Certificate, error) {
	return p.query(ctx, `
		SELECT `+certColumns+` FROM certificates
		WHERE volunteer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, volunteerID, limit)
}

func (p *PostgresStore) ListByEvent(ctx context.Context, eventID string, limit int) ([]*Certificate, error) {
	return p.query(ctx, `
		SELECT `+certColumns+` FROM certificates
		WHERE event_id = $1
		ORDER BY created_at DESC
		LIMIT NULLIF($2, 0)`, eventID, limit)
}

func (p *PostgresStore) ListUnanchored(ctx context.Context, limit int) ([]*Certificate, error) {
	return p.query(ctx, `
		SELECT `+certColumns+` FROM certificates
		WHERE anchor_tx IS NULL AND status <> 'revoked'
		ORDER BY created_at ASC
		LIMIT $1`, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Certificate, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCertificate(s scanner) (*Certificate, error) {
	c := &Certificate{}
	var (
		volunteerName, organizationID, anchorTx, archiveKey sql.NullString
		revokedBy, revocationReason, issuedBy               sql.NullString
		status                                              string
		anchoredAt, lastVerified, revokedAt                 sql.NullTime
		fraudFlags                                          pq.StringArray
	)

	err := s.Scan(
		&c.Serial, &c.HourEntryID, &c.VolunteerID, &volunteerName, &c.EventID, &c.EventTitle,
		&organizationID, &c.CategoryCode, &c.Hours, &c.IssueDate, &status,
		&c.Algorithm, &c.KeyID, &c.Signature, &c.PayloadHash, &c.SecurityScore, &c.SecurityLevel,
		&anchorTx, &anchoredAt, &archiveKey, &c.VerificationAttempts, &lastVerified,
		&revokedAt, &revokedBy, &revocationReason, &issuedBy, &c.Version, &c.CreatedAt, &c.UpdatedAt,
		&fraudFlags,
	)
	if err != nil {
		return nil, err
	}

	c.Status = Status(status)
	c.VolunteerName = volunteerName.String
	c.OrganizationID = organizationID.String
	c.AnchorTx = anchorTx.String
	c.ArchiveKey = archiveKey.String
	c.RevokedBy = revokedBy.String
	c.RevocationReason = revocationReason.String
	c.IssuedBy = issuedBy.String
	c.FraudFlags = nonNil(fraudFlags)
	if anchoredAt.Valid {
		c.AnchoredAt = &anchoredAt.Time
	}
	if lastVerified.Valid {
		c.LastVerified = &lastVerified.Time
	}
	if revokedAt.Valid {
		c.RevokedAt = &revokedAt.Time
	}
	return c, nil
}

func nonNil(flags []string) []string {
	if flags == nil {
		return []string{}
	}
	return flags
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
