package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/hours"
	"github.com/mbd888/voltrust/internal/syncutil"
)

// PostgresStore persists visits and samples in PostgreSQL. The open-visit
// guard is a partial unique index on (volunteer_id, event_id) WHERE
// check_out_at IS NULL. Samples are only deleted when a check-out is
// rolled back.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed attendance store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const visitColumns = `id, volunteer_id, volunteer_name, event_id, organization_id,
		       method, check_in_at, check_out_at, flags, hour_entry_id,
		       version, created_at, updated_at`

const sampleColumns = `id, visit_id, volunteer_id, event_id, kind, lat, lng, accuracy_m,
		       recorded_at, inside, distance_meters, speed_kmh, flags, created_at`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) CreateVisit(ctx context.Context, v *Visit, checkIn *Sample) error {
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO attendance_visits (`+visitColumns+`) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
			)`,
			v.ID, v.VolunteerID, nullString(v.VolunteerName), v.EventID, nullString(v.OrganizationID),
			string(v.Method), v.CheckInAt, nullTime(v.CheckOutAt), pq.Array(v.Flags), nullString(v.HourEntryID),
			v.Version, v.CreatedAt, v.UpdatedAt,
		)
		if err != nil {
			return err
		}
		return insertSample(ctx, tx, checkIn)
	})
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("volunteer %s at event %s: %w", v.VolunteerID, v.EventID, apperr.ErrDuplicateCheckIn)
	}
	return err
}

func (p *PostgresStore) GetVisit(ctx context.Context, id string) (*Visit, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+visitColumns+` FROM attendance_visits WHERE id = $1`, id)
	v, err := scanVisit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("visit", id)
	}
	return v, err
}

func (p *PostgresStore) OpenVisit(ctx context.Context, volunteerID, eventID string) (*Visit, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+visitColumns+`
		FROM attendance_visits
		WHERE volunteer_id = $1 AND event_id = $2 AND check_out_at IS NULL`, volunteerID, eventID)
	v, err := scanVisit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("open visit", syncutil.Key(volunteerID, eventID))
	}
	return v, err
}

func (p *PostgresStore) UpdateVisit(ctx context.Context, v *Visit) error {
	return updateVisit(ctx, p.db, v)
}

func (p *PostgresStore) CloseVisit(ctx context.Context, v *Visit, checkOut *Sample) error {
	version := v.Version
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		if err := updateVisit(ctx, tx, v); err != nil {
			return err
		}
		return insertSample(ctx, tx, checkOut)
	})
	if err != nil {
		v.Version = version
	}
	return err
}

func (p *PostgresStore) ReopenVisit(ctx context.Context, v *Visit, checkOutSampleID string) error {
	version := v.Version
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		if err := updateVisit(ctx, tx, v); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM attendance_samples WHERE id = $1 AND visit_id = $2`, checkOutSampleID, v.ID)
		return err
	})
	if err != nil {
		v.Version = version
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("volunteer %s at event %s: %w", v.VolunteerID, v.EventID, apperr.ErrDuplicateCheckIn)
	}
	return err
}

func updateVisit(ctx context.Context, q execer, v *Visit) error {
	result, err := q.ExecContext(ctx, `
		UPDATE attendance_visits SET
			check_out_at = $1, flags = $2, hour_entry_id = $3, updated_at = $4,
			version = version + 1
		WHERE id = $5 AND version = $6`,
		nullTime(v.CheckOutAt), pq.Array(v.Flags), nullString(v.HourEntryID), v.UpdatedAt,
		v.ID, v.Version,
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
		if err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM attendance_visits WHERE id = $1)`, v.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return apperr.NotFound("visit", v.ID)
		}
		return apperr.ErrVersionConflict
	}
	v.Version++
	return nil
}

func (p *PostgresStore) ListVisitsByEvent(ctx context.Context, eventID string, limit int) ([]*Visit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+visitColumns+`
		FROM attendance_visits
		WHERE event_id = $1
		ORDER BY check_in_at DESC
		LIMIT $2`, eventID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func insertSample(ctx context.Context, q execer, s *Sample) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO attendance_samples (`+sampleColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)`,
		s.ID, s.VisitID, s.VolunteerID, s.EventID, string(s.Kind), s.Lat, s.Lng, s.AccuracyM,
		s.RecordedAt, s.Inside, s.DistanceMeters, s.SpeedKmh, pq.Array(s.Flags), s.CreatedAt,
	)
	return err
}

func (p *PostgresStore) LatestSample(ctx context.Context, volunteerID string) (*Sample, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sampleColumns+`
		FROM attendance_samples
		WHERE volunteer_id = $1
		ORDER BY recorded_at DESC, created_at DESC
		LIMIT 1`, volunteerID)
	s, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("sample", volunteerID)
	}
	return s, err
}

func (p *PostgresStore) ListSamples(ctx context.Context, visitID string) ([]*Sample, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sampleColumns+`
		FROM attendance_samples
		WHERE visit_id = $1
		ORDER BY recorded_at ASC`, visitID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Sample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanVisit(s scanner) (*Visit, error) {
	v := &Visit{}
	var (
		volunteerName, organizationID sql.NullString
		method                        string
		checkOutAt                    sql.NullTime
		flags                         pq.StringArray
		hourEntryID                   sql.NullString
	)
	err := s.Scan(
		&v.ID, &v.VolunteerID, &volunteerName, &v.EventID, &organizationID,
		&method, &v.CheckInAt, &checkOutAt, &flags, &hourEntryID,
		&v.Version, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	v.VolunteerName = volunteerName.String
	v.OrganizationID = organizationID.String
	v.Method = hours.Method(method)
	if checkOutAt.Valid {
		v.CheckOutAt = &checkOutAt.Time
	}
	v.Flags = []string(flags)
	if v.Flags == nil {
		v.Flags = []string{}
	}
	v.HourEntryID = hourEntryID.String
	return v, nil
}

func scanSample(s scanner) (*Sample, error) {
	sm := &Sample{}
	var (
		kind  string
		flags pq.StringArray
	)
	err := s.Scan(
		&sm.ID, &sm.VisitID, &sm.VolunteerID, &sm.EventID, &kind, &sm.Lat, &sm.Lng, &sm.AccuracyM,
		&sm.RecordedAt, &sm.Inside, &sm.DistanceMeters, &sm.SpeedKmh, &flags, &sm.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	sm.Kind = Kind(kind)
	sm.Flags = []string(flags)
	if sm.Flags == nil {
		sm.Flags = []string{}
	}
	return sm, nil
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
