// Package attendance records check-in and check-out samples and turns a
// completed visit into a provisional hour entry.
//
// Samples are append-only. A visit is the span between one check-in and its
// check-out; at most one visit per volunteer and event is open at a time.
package attendance

import (
	"context"
	"time"

	"github.com/mbd888/voltrust/internal/geofence"
	"github.com/mbd888/voltrust/internal/hours"
)

// Kind of attendance sample.
type Kind string

const (
	KindCheckIn  Kind = "check_in"
	KindCheckOut Kind = "check_out"
)

// discrepancyToleranceHours is how far a self-report may drift from the
// measured time before it is flagged.
const discrepancyToleranceHours = 0.25

// FlagHoursDiscrepancy marks a self-report that disagrees with measured time.
const FlagHoursDiscrepancy = "hours-discrepancy"

// Sample is an immutable location reading.
type Sample struct {
	ID             string    `json:"id"`
	VisitID        string    `json:"visitId"`
	VolunteerID    string    `json:"volunteerId"`
	EventID        string    `json:"eventId"`
	Kind           Kind      `json:"kind"`
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	AccuracyM      float64   `json:"accuracyM,omitempty"`
	RecordedAt     time.Time `json:"recordedAt"`
	Inside         bool      `json:"inside"`
	DistanceMeters float64   `json:"distanceMeters"`
	SpeedKmh       float64   `json:"speedKmh,omitempty"`
	Flags          []string  `json:"flags"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (s *Sample) geo() geofence.Sample {
	return geofence.Sample{
		Point:     geofence.Point{Lat: s.Lat, Lng: s.Lng},
		At:        s.RecordedAt,
		AccuracyM: s.AccuracyM,
	}
}

// Visit is one check-in/check-out span.
type Visit struct {
	ID             string       `json:"id"`
	VolunteerID    string       `json:"volunteerId"`
	VolunteerName  string       `json:"volunteerName,omitempty"`
	EventID        string       `json:"eventId"`
	OrganizationID string       `json:"organizationId"`
	Method         hours.Method `json:"verificationMethod"`
	CheckInAt      time.Time    `json:"checkInAt"`
	CheckOutAt     *time.Time   `json:"checkOutAt,omitempty"`
	Flags          []string     `json:"flags"`
	HourEntryID    string       `json:"hourEntryId,omitempty"`
	Version        int          `json:"version"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// IsOpen returns true until the volunteer checks out.
func (v *Visit) IsOpen() bool {
	return v.CheckOutAt == nil
}

// CheckInRequest is the body of POST /v1/attendance/check-in.
type CheckInRequest struct {
	VolunteerID   string       `json:"-"`
	VolunteerName string       `json:"volunteerName"`
	EventID       string       `json:"eventId" binding:"required"`
	Lat           *float64     `json:"lat" binding:"required"`
	Lng           *float64     `json:"lng" binding:"required"`
	AccuracyM     float64      `json:"accuracyM"`
	At            *time.Time   `json:"at"`
	Method        hours.Method `json:"verificationMethod"`
}

// CheckOutRequest is the body of POST /v1/attendance/check-out.
type CheckOutRequest struct {
	VolunteerID       string         `json:"-"`
	EventID           string         `json:"eventId" binding:"required"`
	Lat               *float64       `json:"lat" binding:"required"`
	Lng               *float64       `json:"lng" binding:"required"`
	AccuracyM         float64        `json:"accuracyM"`
	At                *time.Time     `json:"at"`
	SelfReportedHours *float64       `json:"selfReportedHours"`
	Evidence          hours.Evidence `json:"evidence"`
}

// CheckInResult is returned by CheckIn.
type CheckInResult struct {
	Visit  *Visit          `json:"visit"`
	Sample *Sample         `json:"sample"`
	Report geofence.Report `json:"report"`
}

// CheckOutResult is returned by CheckOut.
type CheckOutResult struct {
	Visit  *Visit           `json:"visit"`
	Sample *Sample          `json:"sample"`
	Report geofence.Report  `json:"report"`
	Entry  *hours.HourEntry `json:"entry"`
}

// Store persists visits and samples. Each write that touches both a visit
// and a sample commits both or neither.
type Store interface {
	// CreateVisit inserts v with its check-in sample. It fails with
	// ErrDuplicateCheckIn, writing nothing, if the pair already has an open visit.
	CreateVisit(ctx context.Context, v *Visit, checkIn *Sample) error
	GetVisit(ctx context.Context, id string) (*Visit, error)
	OpenVisit(ctx context.Context, volunteerID, eventID string) (*Visit, error)
	// UpdateVisit writes v if its version matches, then bumps v.Version.
	UpdateVisit(ctx context.Context, v *Visit) error
	// CloseVisit is UpdateVisit for a closed v plus its check-out sample.
	CloseVisit(ctx context.Context, v *Visit, checkOut *Sample) error
	// ReopenVisit rolls back CloseVisit: it writes the open v and removes
	// the check-out sample.
	ReopenVisit(ctx context.Context, v *Visit, checkOutSampleID string) error
	ListVisitsByEvent(ctx context.Context, eventID string, limit int) ([]*Visit, error)

	// LatestSample returns the volunteer's most recent sample across events.
	LatestSample(ctx context.Context, volunteerID string) (*Sample, error)
	ListSamples(ctx context.Context, visitID string) ([]*Sample, error)
}
