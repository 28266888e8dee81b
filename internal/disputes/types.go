// Package disputes holds contested claims about hour entries and events and
// the workflow that closes them.
//
// A dispute is created on conflict and closed only by an explicit resolve or
// dismiss. Disputes never expire.
package disputes

import (
	"context"
	"strings"
	"time"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/idgen"
)

// SubjectKind is the type of entity a dispute is about.
type SubjectKind string

const (
	SubjectHourEntry SubjectKind = "hour_entry"
	SubjectEvent     SubjectKind = "event"
)

// SubmitterRole identifies who raised the dispute.
type SubmitterRole string

const (
	RoleVolunteer    SubmitterRole = "volunteer"
	RoleOrganization SubmitterRole = "organization"
	RoleAdmin        SubmitterRole = "admin"
)

// Valid reports whether r is a known role.
func (r SubmitterRole) Valid() bool {
	return r == RoleVolunteer || r == RoleOrganization || r == RoleAdmin
}

// Status is the investigation status.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusDismissed     Status = "dismissed"
)

// Decision is the outcome of a resolution.
type Decision string

const (
	DecisionUphold Decision = "uphold_original"
	DecisionAdjust Decision = "adjust"
	DecisionReject Decision = "reject"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionUphold || d == DecisionAdjust || d == DecisionReject
}

// Dispute is a contested claim about exactly one hour entry or event.
type Dispute struct {
	ID                  string        `json:"id"`
	SubjectKind         SubjectKind   `json:"subjectKind"`
	SubjectID           string        `json:"subjectId"`
	Reason              string        `json:"reason"`
	SubmitterRole       SubmitterRole `json:"submitterRole"`
	SubmittedBy         string        `json:"submittedBy"`
	InvestigationStatus Status        `json:"investigationStatus"`
	InvestigatorID      string        `json:"investigatorId,omitempty"`
	Decision            Decision      `json:"decision,omitempty"`
	Resolution          string        `json:"resolution,omitempty"`
	AdjustedHours       *float64      `json:"adjustedHours,omitempty"`
	ResolverID          string        `json:"resolverId,omitempty"`
	ClosedAt            *time.Time    `json:"closedAt,omitempty"`
	Version             int           `json:"version"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

// IsClosed returns true once the dispute has been resolved or dismissed.
func (d *Dispute) IsClosed() bool {
	return d.InvestigationStatus == StatusResolved || d.InvestigationStatus == StatusDismissed
}

// New validates the inputs and returns an open dispute.
func New(kind SubjectKind, subjectID string, role SubmitterRole, submittedBy, reason string, now time.Time) (*Dispute, error) {
	if kind != SubjectHourEntry && kind != SubjectEvent {
		return nil, apperr.Invalid("subjectKind", "must be hour_entry or event")
	}
	if strings.TrimSpace(subjectID) == "" {
		return nil, apperr.Invalid("subjectId", "is required")
	}
	if !role.Valid() {
		return nil, apperr.Invalid("submitterRole", "must be volunteer, organization or admin")
	}
	if strings.TrimSpace(submittedBy) == "" {
		return nil, apperr.Invalid("submittedBy", "is required")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.Invalid("reason", "is required")
	}
	return &Dispute{
		ID:                  idgen.WithPrefix("dsp_"),
		SubjectKind:         kind,
		SubjectID:           subjectID,
		Reason:              reason,
		SubmitterRole:       role,
		SubmittedBy:         submittedBy,
		InvestigationStatus: StatusOpen,
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// Store persists disputes. Update is a compare-and-swap on Version: it fails
// with apperr.ErrVersionConflict when the stored version differs, and bumps
// d.Version on success.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListBySubject(ctx context.Context, kind SubjectKind, subjectID string) ([]*Dispute, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error)
}
