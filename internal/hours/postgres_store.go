package hours

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/voltrust/internal/apperr"
)

// PostgresStore persists hour entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed hour entry store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, volunteer_id, volunteer_name, event_id, organization_id,
		       check_in_at, check_out_at, actual_hours, submitted_hours,
		       approved_hours, adjusted_hours, status, evidence, verification_method,
		       risk_score, risk_level, flags, dispute_id, reviewer_id, review_note,
		       reviewed_at, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *HourEntry) error {
	evidenceJSON, err := json.Marshal(e.Evidence)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO hour_entries (`+entryColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24
		)`,
		e.ID, e.VolunteerID, nullString(e.VolunteerName), e.EventID, nullString(e.OrganizationID),
		nullTime(e.CheckInAt), nullTime(e.CheckOutAt), e.ActualHours, e.SubmittedHours,
		nullFloat(e.ApprovedHours), nullFloat(e.AdjustedHours), string(e.Status), evidenceJSON, string(e.VerificationMethod),
		e.RiskScore, nullString(e.RiskLevel), pq.Array(e.Flags), nullString(e.DisputeID), nullString(e.ReviewerID), nullString(e.ReviewNote),
		nullTime(e.ReviewedAt), e.Version, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*HourEntry, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM hour_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("hour entry", id)
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *HourEntry) error {
	evidenceJSON, err := json.Marshal(e.Evidence)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE hour_entries SET
			submitted_hours = $1, approved_hours = $2, adjusted_hours = $3, status = $4,
			evidence = $5, risk_score = $6, risk_level = $7, flags = $8, dispute_id = $9,
			reviewer_id = $10, review_note = $11, reviewed_at = $12, updated_at = $13,
			version = version + 1
		WHERE id = $14 AND version = $15`,
		e.SubmittedHours, nullFloat(e.ApprovedHours), nullFloat(e.AdjustedHours), string(e.Status),
		evidenceJSON, e.RiskScore, nullString(e.RiskLevel), pq.Array(e.Flags), nullString(e.DisputeID),
		nullString(e.ReviewerID), nullString(e.ReviewNote), nullTime(e.ReviewedAt), e.UpdatedAt,
		e.ID, e.Version,
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
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM hour_entries WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return apperr.NotFound("hour entry", e.ID)
		}
		return apperr.ErrVersionConflict
	}
	e.Version++
	return nil
}

func (p *PostgresStore) ListByVolunteer(ctx context.Context, volunteerID string, limit int) ([]*HourEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM hour_entries
		WHERE volunteer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, volunteerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func (p *PostgresStore) ListByEvent(ctx context.Context, eventID string, limit int) ([]*HourEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM hour_entries
		WHERE event_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, eventID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*HourEntry, error) {
	e := &HourEntry{}
	var (
		volunteerName, organizationID sql.NullString
		checkInAt, checkOutAt         sql.NullTime
		approvedHours, adjustedHours  sql.NullFloat64
		status, method                string
		evidenceJSON                  []byte
		riskLevel                     sql.NullString
		flags                         pq.StringArray
		disputeID                     sql.NullString
		reviewerID, reviewNote        sql.NullString
		reviewedAt                    sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.VolunteerID, &volunteerName, &e.EventID, &organizationID,
		&checkInAt, &checkOutAt, &e.ActualHours, &e.SubmittedHours,
		&approvedHours, &adjustedHours, &status, &evidenceJSON, &method,
		&e.RiskScore, &riskLevel, &flags, &disputeID, &reviewerID, &reviewNote,
		&reviewedAt, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.VolunteerName = volunteerName.String
	e.OrganizationID = organizationID.String
	e.Status = Status(status)
	e.VerificationMethod = Method(method)
	e.RiskLevel = riskLevel.String
	e.Flags = []string(flags)
	if e.Flags == nil {
		e.Flags = []string{}
	}
	e.DisputeID = disputeID.String
	e.ReviewerID = reviewerID.String
	e.ReviewNote = reviewNote.String
	if checkInAt.Valid {
		e.CheckInAt = &checkInAt.Time
	}
	if checkOutAt.Valid {
		e.CheckOutAt = &checkOutAt.Time
	}
	if reviewedAt.Valid {
		e.ReviewedAt = &reviewedAt.Time
	}
	if approvedHours.Valid {
		e.ApprovedHours = &approvedHours.Float64
	}
	if adjustedHours.Valid {
		e.AdjustedHours = &adjustedHours.Float64
	}
	if len(evidenceJSON) > 0 {
		_ = json.Unmarshal(evidenceJSON, &e.Evidence)
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]*HourEntry, error) {
	var result []*HourEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
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
