// Package orgs manages volunteer organizations: their verification through
// moderation, compliance score and credited-hours statistics.
package orgs

import (
	"context"
	"strings"
	"time"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/idgen"
	"github.com/mbd888/voltrust/internal/moderation"
)

// VerificationStatus is derived from the organization's moderation state.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationFlagged  VerificationStatus = "flagged"
	VerificationRejected VerificationStatus = "rejected"
)

// scorePerFlag is the compliance credit for each satisfied flag.
const scorePerFlag = 25.0

// ComplianceFlags are the self-declared compliance attestations.
type ComplianceFlags struct {
	DataProtection        bool `json:"dataProtection"`
	VolunteerSafety       bool `json:"volunteerSafety"`
	FinancialTransparency bool `json:"financialTransparency"`
	ReportingCompliance   bool `json:"reportingCompliance"`
}

func (f ComplianceFlags) count() int {
	n := 0
	for _, ok := range []bool{f.DataProtection, f.VolunteerSafety, f.FinancialTransparency, f.ReportingCompliance} {
		if ok {
			n++
		}
	}
	return n
}

// Stats are running totals maintained as hours are credited.
type Stats struct {
	EventsHosted int     `json:"eventsHosted"`
	Volunteers   int     `json:"volunteers"`
	TotalHours   float64 `json:"totalHours"`
}

// Organization hosts events.
type Organization struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	ContactEmail       string             `json:"contactEmail,omitempty"`
	Description        string             `json:"description,omitempty"`
	VerificationStatus VerificationStatus `json:"verificationStatus"`
	Compliance         ComplianceFlags    `json:"compliance"`
	// ScoreOverride is an admin-set compliance score replacing the flag total.
	ScoreOverride *float64          `json:"scoreOverride,omitempty"`
	Moderation    moderation.Record `json:"moderation"`
	Stats         Stats             `json:"stats"`
	OwnerID       string            `json:"ownerId"`
	Version       int               `json:"version"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// ComplianceScore returns the 0-100 score compared against the moderation threshold.
func (o *Organization) ComplianceScore() float64 {
	if o.ScoreOverride != nil {
		return *o.ScoreOverride
	}
	return scorePerFlag * float64(o.Compliance.count())
}

func (o *Organization) ModerationKind() string { return "organization" }
func (o *Organization) ModerationID() string { return o.ID }
func (o *Organization) ModerationRecord() *moderation.Record { return &o.Moderation }

// IsVerified reports whether the organization may publish events.
func (o *Organization) IsVerified() bool {
	return o.VerificationStatus == VerificationVerified
}

// syncVerification derives the verification status from moderation.
func (o *Organization) syncVerification() {
	switch o.Moderation.Status {
	case moderation.StatusApproved:
		o.VerificationStatus = VerificationVerified
	case moderation.StatusFlagged:
		o.VerificationStatus = VerificationFlagged
	case moderation.StatusRejected:
		o.VerificationStatus = VerificationRejected
	default:
		o.VerificationStatus = VerificationPending
	}
}

// CreateRequest registers an organization.
type CreateRequest struct {
	Name         string          `json:"name" binding:"required"`
	ContactEmail string          `json:"contactEmail"`
	Description  string          `json:"description"`
	Compliance   ComplianceFlags `json:"compliance"`
}

// New builds a pending organization owned by ownerID.
func New(req CreateRequest, ownerID string, now time.Time) (*Organization, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.Invalid("name", "is required")
	}
	if len(name) > 200 {
		return nil, apperr.Invalid("name", "must be at most 200 characters")
	}
	return &Organization{
		ID:                 idgen.WithPrefix("org_"),
		Name:               name,
		ContactEmail:       strings.TrimSpace(req.ContactEmail),
		Description:        req.Description,
		VerificationStatus: VerificationPending,
		Compliance:         req.Compliance,
		Moderation:         moderation.NewRecord(),
		OwnerID:            ownerID,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// Store persists organizations.
type Store interface {
	Create(ctx context.Context, o *Organization) error
	Get(ctx context.Context, id string) (*Organization, error)
	// Update writes o if its version matches the stored one, then bumps o.Version.
	Update(ctx context.Context, o *Organization) error
	List(ctx context.Context, limit int) ([]*Organization, error)
	// RecordHours adds credited hours and counts the volunteer once.
	RecordHours(ctx context.Context, orgID, volunteerID string, hours float64) error
	IncrementEvents(ctx context.Context, orgID string) error
}
