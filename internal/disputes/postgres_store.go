package disputes

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/voltrust/internal/apperr"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, subject_kind, subject_id, reason, submitter_role, submitted_by,
		       investigation_status, investigator_id, decision, resolution,
		       adjusted_hours, resolver_id, closed_at, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, subject_kind, subject_id, reason, submitter_role, submitted_by,
			investigation_status, investigator_id, decision, resolution,
			adjusted_hours, resolver_id, closed_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		d.ID, string(d.SubjectKind), d.SubjectID, d.Reason, string(d.SubmitterRole), d.SubmittedBy,
		string(d.InvestigationStatus), nullString(d.InvestigatorID), nullString(string(d.Decision)), nullString(d.Resolution),
		nullFloat(d.AdjustedHours), nullString(d.ResolverID), nullTime(d.ClosedAt), d.Version, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("dispute", id)
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			investigation_status = $1, investigator_id = $2, decision = $3, resolution = $4,
			adjusted_hours = $5, resolver_id = $6, closed_at = $7, updated_at = $8,
			version = version + 1
		WHERE id = $9 AND version = $10`,
		string(d.InvestigationStatus), nullString(d.InvestigatorID), nullString(string(d.Decision)), nullString(d.Resolution),
		nullFloat(d.AdjustedHours), nullString(d.ResolverID), nullTime(d.ClosedAt), d.UpdatedAt,
		d.ID, d.Version,
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
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM disputes WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return apperr.NotFound("dispute", d.ID)
		}
		return apperr.ErrVersionConflict
	}
	d.Version++
	return nil
}

func (p *PostgresStore) ListBySubject(ctx context.Context, kind SubjectKind, subjectID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE subject_kind = $1 AND subject_id = $2
		ORDER BY created_at DESC`, string(kind), subjectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE investigation_status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		kind, role, status string
		investigatorID     sql.NullString
		decision           sql.NullString
		resolution         sql.NullString
		adjustedHours      sql.NullFloat64
		resolverID         sql.NullString
		closedAt           sql.NullTime
	)

	err := s.Scan(
		&d.ID, &kind, &d.SubjectID, &d.Reason, &role, &d.SubmittedBy,
		&status, &investigatorID, &decision, &resolution,
		&adjustedHours, &resolverID, &closedAt, &d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.SubjectKind = SubjectKind(kind)
	d.SubmitterRole = SubmitterRole(role)
	d.InvestigationStatus = Status(status)
	d.InvestigatorID = investigatorID.String
	d.Decision = Decision(decision.String)
	d.Resolution = resolution.String
	d.ResolverID = resolverID.String
	if adjustedHours.Valid {
		d.AdjustedHours = &adjustedHours.Float64
	}
	if closedAt.Valid {
		d.ClosedAt = &closedAt.Time
	}
	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
