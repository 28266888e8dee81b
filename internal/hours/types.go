// Package hours implements the hour entry lifecycle.
//
// States: pending → {approved, disputed, rejected, adjusted}. Approved and
// rejected are terminal. Disputed waits for a resolution; adjusted is a
// finalized approval with a modified hour count and cannot be adjusted again.
package hours

import (
	"context"
	"math"
	"time"
)

// Status of an hour entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDisputed Status = "disputed"
	StatusRejected Status = "rejected"
	StatusAdjusted Status = "adjusted"
)

// Method is how attendance was verified.
type Method string

const (
	MethodQRScan        Method = "qr_scan"
	MethodManual        Method = "manual_checkin"
	MethodGPS           Method = "gps_verification"
	MethodWitness       Method = "witness_confirmation"
	MethodPhotoEvidence Method = "photo_evidence"
)

// Valid reports whether m is a known verification method.
func (m Method) Valid() bool {
	switch m {
	case MethodQRScan, MethodManual, MethodGPS, MethodWitness, MethodPhotoEvidence:
		return true
	}
	return false
}

// TimeBound reports whether approved hours are capped by elapsed attendance.
func (m Method) TimeBound() bool {
	return m == MethodQRScan || m == MethodGPS
}

// Evidence supporting a claim of hours.
type Evidence struct {
	Photos    []string `json:"photos,omitempty"`
	Documents []string `json:"documents,omitempty"`
	Witness   string   `json:"witness,omitempty"`
	Notes     string   `json:"notes,omitempty"`
}

// HourEntry is a volunteer's claim of hours at an event.
type HourEntry struct {
	ID                 string     `json:"id"`
	VolunteerID        string     `json:"volunteerId"`
	VolunteerName      string     `json:"volunteerName,omitempty"`
	EventID            string     `json:"eventId"`
	OrganizationID     string     `json:"organizationId,omitempty"`
	CheckInAt          *time.Time `json:"checkInAt,omitempty"`
	CheckOutAt         *time.Time `json:"checkOutAt,omitempty"`
	ActualHours        float64    `json:"actualHours"`
	SubmittedHours     float64    `json:"submittedHours"`
	ApprovedHours      *float64   `json:"approvedHours,omitempty"`
	AdjustedHours      *float64   `json:"adjustedHours,omitempty"`
	Status             Status     `json:"status"`
	Evidence           Evidence   `json:"evidence"`
	VerificationMethod Method     `json:"verificationMethod"`
	RiskScore          int        `json:"riskScore"`
	RiskLevel          string     `json:"riskLevel,omitempty"`
	Flags              []string   `json:"flags"`
	DisputeID          string     `json:"disputeId,omitempty"`
	ReviewerID         string     `json:"reviewerId,omitempty"`
	ReviewNote         string     `json:"reviewNote,omitempty"`
	ReviewedAt         *time.Time `json:"reviewedAt,omitempty"`
	Version            int        `json:"version"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if no further transition is allowed.
func (e *HourEntry) IsTerminal() bool {
	return e.Status == StatusApproved || e.Status == StatusRejected
}

// ElapsedHours is the time between check-in and check-out.
func (e *HourEntry) ElapsedHours() (float64, bool) {
	if e.CheckInAt == nil || e.CheckOutAt == nil {
		return 0, false
	}
	return e.CheckOutAt.Sub(*e.CheckInAt).Hours(), true
}

// CreditedHours is the hour count a certificate is issued for.
func (e *HourEntry) CreditedHours() (float64, bool) {
	switch e.Status {
	case StatusAdjusted:
		if e.AdjustedHours != nil {
			return *e.AdjustedHours, true
		}
	case StatusApproved:
		if e.ApprovedHours != nil {
			return *e.ApprovedHours, true
		}
	}
	return 0, false
}

// HasFlag reports whether flag is set.
func (e *HourEntry) HasFlag(flag string) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Round1 rounds to one decimal place.
func Round1(h float64) float64 {
	return math.Round(h*10) / 10
}

// Store persists hour entries. Update is a compare-and-swap on Version.
type Store interface {
	Create(ctx context.Context, e *HourEntry) error
	Get(ctx context.Context, id string) (*HourEntry, error)
	Update(ctx context.Context, e *HourEntry) error
	ListByVolunteer(ctx context.Context, volunteerID string, limit int) ([]*HourEntry, error)
	ListByEvent(ctx context.Context, eventID string, limit int) ([]*HourEntry, error)
}

// StatsRecorder receives credited hours for organization statistics.
type StatsRecorder interface {
	RecordCreditedHours(ctx context.Context, organizationID, volunteerID string, hours float64) error
}
