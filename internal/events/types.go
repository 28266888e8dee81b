// Package events manages volunteer events: their geofence, schedule,
// publication lifecycle and moderation.
package events

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/geofence"
	"github.com/mbd888/voltrust/internal/idgen"
	"github.com/mbd888/voltrust/internal/moderation"
	"github.com/mbd888/voltrust/internal/risk"
)

// Status is the publication state of an event.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusSuspended Status = "suspended"
)

// DefaultCategory is used when an event is created without a category code.
const DefaultCategory = "GEN"

var categoryPattern = regexp.MustCompile(`^[A-Z0-9]{2,8}$`)

// Location is the event's geofence anchor.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	RadiusM float64 `json:"radiusM,omitempty"`
	Address string  `json:"address,omitempty"`
}

// Event is a scheduled volunteer activity.
type Event struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organizationId"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	CategoryCode   string            `json:"categoryCode"`
	Location       Location          `json:"location"`
	StartsAt       time.Time         `json:"startsAt"`
	EndsAt         time.Time         `json:"endsAt"`
	Capacity       int               `json:"capacity"`
	Status         Status            `json:"status"`
	RiskScore      float64           `json:"riskScore"`
	Moderation     moderation.Record `json:"moderation"`
	CreatedBy      string            `json:"createdBy"`
	Version        int               `json:"version"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// ComplianceScore converts the 0-10 event risk into the 0-100 moderation scale.
func (e *Event) ComplianceScore() float64 {
	return risk.EventTrust(e.RiskScore)
}

func (e *Event) ModerationKind() string { return "event" }
func (e *Event) ModerationID() string { return e.ID }
func (e *Event) ModerationRecord() *moderation.Record { return &e.Moderation }

// Zone returns the geofence check-ins are validated against.
func (e *Event) Zone() geofence.Zone {
	return geofence.Zone{
		Center:  geofence.Point{Lat: e.Location.Lat, Lng: e.Location.Lng},
		RadiusM: e.Location.RadiusM,
	}
}

// IsApproved reports whether moderation cleared the event.
func (e *Event) IsApproved() bool {
	return e.Moderation.Status == moderation.StatusApproved
}

// AcceptsCheckIns reports whether volunteers can check in.
func (e *Event) AcceptsCheckIns() bool {
	return e.Status == StatusActive
}

var lifecycle = map[Status][]Status{
	StatusDraft:     {StatusPublished, StatusCancelled},
	StatusPublished: {StatusActive, StatusCancelled, StatusSuspended},
	StatusActive:    {StatusCompleted, StatusCancelled, StatusSuspended},
	StatusCompleted: {},
	StatusCancelled: {},
	StatusSuspended: {},
}

// CanTransition checks if a lifecycle transition is allowed.
func CanTransition(from, to Status) bool {
	for _, allowed := range lifecycle[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CreateRequest is the body of POST /v1/events.
type CreateRequest struct {
	OrganizationID string    `json:"organizationId" binding:"required"`
	Title          string    `json:"title" binding:"required"`
	Description    string    `json:"description"`
	CategoryCode   string    `json:"categoryCode"`
	Location       Location  `json:"location"`
	StartsAt       time.Time `json:"startsAt" binding:"required"`
	EndsAt         time.Time `json:"endsAt" binding:"required"`
	Capacity       int       `json:"capacity"`
}

// New validates req and builds a draft event.
func New(req CreateRequest, createdBy string, now time.Time) (*Event, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, apperr.Invalid("title", "is required")
	}
	if req.OrganizationID == "" {
		return nil, apperr.Invalid("organizationId", "is required")
	}
	category := strings.ToUpper(strings.TrimSpace(req.CategoryCode))
	if category == "" {
		category = DefaultCategory
	}
	if !categoryPattern.MatchString(category) {
		return nil, apperr.Invalid("categoryCode", "must be 2-8 letters or digits")
	}
	if !geofence.ValidCoordinates(geofence.Point{Lat: req.Location.Lat, Lng: req.Location.Lng}) {
		return nil, apperr.Invalid("location", "coordinates out of range")
	}
	if req.Location.RadiusM < 0 {
		return nil, apperr.Invalid("location.radiusM", "must not be negative")
	}
	if !req.EndsAt.After(req.StartsAt) {
		return nil, apperr.Invalid("endsAt", "must be after startsAt")
	}
	if req.Capacity < 0 {
		return nil, apperr.Invalid("capacity", "must not be negative")
	}
	return &Event{
		ID:             idgen.WithPrefix("evt_"),
		OrganizationID: req.OrganizationID,
		Title:          title,
		Description:    req.Description,
		CategoryCode:   category,
		Location:       req.Location,
		StartsAt:       req.StartsAt,
		EndsAt:         req.EndsAt,
		Capacity:       req.Capacity,
		Status:         StatusDraft,
		Moderation:     moderation.NewRecord(),
		CreatedBy:      createdBy,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Store persists events.
type Store interface {
	Create(ctx context.Context, e *Event) error
	Get(ctx context.Context, id string) (*Event, error)
	// Update writes e if its version matches the stored one, then bumps e.Version.
	Update(ctx context.Context, e *Event) error
	ListByOrganization(ctx context.Context, orgID string, limit int) ([]*Event, error)
}
