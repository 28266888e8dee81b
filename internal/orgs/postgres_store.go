package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/moderation"
)

// PostgresStore persists organizations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed organization store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orgColumns = `id, name, contact_email, description, verification_status,
		       data_protection, volunteer_safety, financial_transparency, reporting_compliance,
		       score_override, moderation_status, moderation_notes, moderator_id, moderated_at,
		       events_hosted, volunteers, total_hours, owner_id, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Organization) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO organizations (`+orgColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21
		)`,
		o.ID, o.Name, nullString(o.ContactEmail), nullString(o.Description), string(o.VerificationStatus),
		o.Compliance.DataProtection, o.Compliance.VolunteerSafety, o.Compliance.FinancialTransparency, o.Compliance.ReportingCompliance,
		nullFloat(o.ScoreOverride), string(o.Moderation.Status), nullString(o.Moderation.Notes),
		nullString(o.Moderation.ModeratorID), nullTime(o.Moderation.ModeratedAt),
		o.Stats.EventsHosted, o.Stats.Volunteers, o.Stats.TotalHours, nullString(o.OwnerID),
		o.Version, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Organization, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id)
	o, err := scanOrg(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("organization", id)
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Organization) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE organizations SET
			name = $1, contact_email = $2, description = $3, verification_status = $4,
			data_protection = $5, volunteer_safety = $6, financial_transparency = $7,
			reporting_compliance = $8, score_override = $9, moderation_status = $10,
			moderation_notes = $11, moderator_id = $12, moderated_at = $13, updated_at = $14,
			version = version + 1
		WHERE id = $15 AND version = $16`,
		o.Name, nullString(o.ContactEmail), nullString(o.Description), string(o.VerificationStatus),
		o.Compliance.DataProtection, o.Compliance.VolunteerSafety, o.Compliance.FinancialTransparency,
		o.Compliance.ReportingCompliance, nullFloat(o.ScoreOverride), string(o.Moderation.Status),
		nullString(o.Moderation.Notes), nullString(o.Moderation.ModeratorID), nullTime(o.Moderation.ModeratedAt),
		o.UpdatedAt, o.ID, o.Version,
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
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM organizations WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return apperr.NotFound("organization", o.ID)
		}
		return apperr.ErrVersionConflict
	}
	o.Version++
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Organization, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orgColumns+`
		FROM organizations
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// RecordHours counts the volunteer once per organization and adds the hours
// in a single transaction.
func (p *PostgresStore) RecordHours(ctx context.Context, orgID, volunteerID string, hours float64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO organization_volunteers (organization_id, volunteer_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, orgID, volunteerID)
	if err != nil {
		return err
	}
	added, err := res.RowsAffected()
	if err != nil {
		return err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE organizations
		SET total_hours = total_hours + $1, volunteers = volunteers + $2
		WHERE id = $3`, hours, added, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("organization", orgID)
	}
	return tx.Commit()
}

func (p *PostgresStore) IncrementEvents(ctx context.Context, orgID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE organizations SET events_hosted = events_hosted + 1 WHERE id = $1`, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("organization", orgID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrg(s scanner) (*Organization, error) {
	o := &Organization{}
	var (
		contactEmail, description sql.NullString
		verificationStatus        string
		scoreOverride             sql.NullFloat64
		moderationStatus          string
		moderationNotes           sql.NullString
		moderatorID               sql.NullString
		moderatedAt               sql.NullTime
		ownerID                   sql.NullString
	)

	err := s.Scan(
		&o.ID, &o.Name, &contactEmail, &description, &verificationStatus,
		&o.Compliance.DataProtection, &o.Compliance.VolunteerSafety,
		&o.Compliance.FinancialTransparency, &o.Compliance.ReportingCompliance,
		&scoreOverride, &moderationStatus, &moderationNotes, &moderatorID, &moderatedAt,
		&o.Stats.EventsHosted, &o.Stats.Volunteers, &o.Stats.TotalHours, &ownerID,
		&o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.ContactEmail = contactEmail.String
	o.Description = description.String
	o.VerificationStatus = VerificationStatus(verificationStatus)
	if scoreOverride.Valid {
		v := scoreOverride.Float64
		o.ScoreOverride = &v
	}
	o.Moderation = moderation.Record{
		Status:      moderation.Status(moderationStatus),
		Notes:       moderationNotes.String,
		ModeratorID: moderatorID.String,
	}
	if moderatedAt.Valid {
		o.Moderation.ModeratedAt = &moderatedAt.Time
	}
	o.OwnerID = ownerID.String
	return o, nil
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
