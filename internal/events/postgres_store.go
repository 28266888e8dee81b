package events

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/moderation"
)

// PostgresStore persists events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = `id, organization_id, title, description, category_code,
		       lat, lng, radius_m, address, starts_at, ends_at, capacity, status,
		       risk_score, moderation_status, moderation_notes, moderator_id, moderated_at,
		       created_by, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
		)`,
		e.ID, e.OrganizationID, e.Title, nullString(e.Description), e.CategoryCode,
		e.Location.Lat, e.Location.Lng, e.Location.RadiusM, nullString(e.Location.Address),
		e.StartsAt, e.EndsAt, e.Capacity, string(e.Status), e.RiskScore,
		string(e.Moderation.Status), nullString(e.Moderation.Notes), nullString(e.Moderation.ModeratorID),
		nullTime(e.Moderation.ModeratedAt), nullString(e.CreatedBy), e.Version, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("event", id)
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Event) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE events SET
			title = $1, description = $2, status = $3, risk_score = $4,
			moderation_status = $5, moderation_notes = $6, moderator_id = $7,
			moderated_at = $8, updated_at = $9, version = version + 1
		WHERE id = $10 AND version = $11`,
		e.Title, nullString(e.Description), string(e.Status), e.RiskScore,
		string(e.Moderation.Status), nullString(e.Moderation.Notes), nullString(e.Moderation.ModeratorID),
		nullTime(e.Moderation.ModeratedAt), e.UpdatedAt, e.ID, e.Version,
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
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM events WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return apperr.NotFound("event", e.ID)
		}
		return apperr.ErrVersionConflict
	}
	e.Version++
	return nil
}

func (p *PostgresStore) ListByOrganization(ctx context.Context, orgID string, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE organization_id = $1
		ORDER BY starts_at DESC
		LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(s scanner) (*Event, error) {
	e := &Event{}
	var (
		description, address sql.NullString
		status               string
		moderationStatus     string
		moderationNotes      sql.NullString
		moderatorID          sql.NullString
		moderatedAt          sql.NullTime
		createdBy            sql.NullString
	)

	err := s.Scan(
		&e.ID, &e.OrganizationID, &e.Title, &description, &e.CategoryCode,
		&e.Location.Lat, &e.Location.Lng, &e.Location.RadiusM, &address,
		&e.StartsAt, &e.EndsAt, &e.Capacity, &status, &e.RiskScore,
		&moderationStatus, &moderationNotes, &moderatorID, &moderatedAt,
		&createdBy, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Description = description.String
	e.Location.Address = address.String
	e.Status = Status(status)
	e.Moderation = moderation.Record{
		Status:      moderation.Status(moderationStatus),
		Notes:       moderationNotes.String,
		ModeratorID: moderatorID.String,
	}
	if moderatedAt.Valid {
		e.Moderation.ModeratedAt = &moderatedAt.Time
	}
	e.CreatedBy = createdBy.String
	return e, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
