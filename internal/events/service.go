package events

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/disputes"
	"github.com/mbd888/voltrust/internal/logging"
	"github.com/mbd888/voltrust/internal/metrics"
	"github.com/mbd888/voltrust/internal/moderation"
	"github.com/mbd888/voltrust/internal/syncutil"
)

// OrgDirectory is the organization view events need.
type OrgDirectory interface {
	IsVerified(ctx context.Context, orgID string) (bool, error)
	RecordEventCreated(ctx context.Context, orgID string) error
}

// Service manages events.
type Service struct {
	store  Store
	orgs   OrgDirectory
	engine *moderation.Engine[*Event]
	locks  *syncutil.KeyLock
	now    func() time.Time
}

var _ disputes.EventActions = (*Service)(nil)

// NewService creates an event service whose moderation approval requires an
// event trust of at least threshold.
func NewService(store Store, orgs OrgDirectory, threshold float64) *Service {
	return &Service{
		store:  store,
		orgs:   orgs,
		engine: moderation.NewEngine[*Event](threshold),
		locks:  syncutil.NewKeyLock(),
		now:    time.Now,
	}
}

// Create stores a draft event for an existing organization.
func (s *Service) Create(ctx context.Context, req CreateRequest, actorID string) (*Event, error) {
	e, err := New(req, actorID, s.now())
	if err != nil {
		return nil, err
	}
	if _, err := s.orgs.IsVerified(ctx, req.OrganizationID); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("events: create: %w", err)
	}
	if err := s.orgs.RecordEventCreated(ctx, e.OrganizationID); err != nil {
		logging.L(ctx).Warn("failed to update organization event count",
			"event_id", e.ID, "organization_id", e.OrganizationID, "error", err)
	}
	logging.L(ctx).Info("event created", "event_id", e.ID, "organization_id", e.OrganizationID)
	return e, nil
}

// Get returns an event by ID.
func (s *Service) Get(ctx context.Context, id string) (*Event, error) {
	return s.store.Get(ctx, id)
}

// ListByOrganization returns an organization's events, latest start first.
func (s *Service) ListByOrganization(ctx context.Context, orgID string, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListByOrganization(ctx, orgID, limit)
}

// Publish makes a draft event visible. The event must be approved by
// moderation and its organization verified.
func (s *Service) Publish(ctx context.Context, id, actorID string) (*Event, error) {
	return s.advance(ctx, id, actorID, StatusPublished, func(ctx context.Context, e *Event) error {
		ok, err := s.orgs.IsVerified(ctx, e.OrganizationID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Invalid("organizationId", "organization is not verified")
		}
		return nil
	})
}

// Activate opens a published event for check-ins.
func (s *Service) Activate(ctx context.Context, id, actorID string) (*Event, error) {
	return s.advance(ctx, id, actorID, StatusActive, nil)
}

// Complete closes an active event.
func (s *Service) Complete(ctx context.Context, id, actorID string) (*Event, error) {
	return s.advance(ctx, id, actorID, StatusCompleted, nil)
}

// Cancel withdraws an event that has not finished.
func (s *Service) Cancel(ctx context.Context, id, actorID string) (*Event, error) {
	return s.advance(ctx, id, actorID, StatusCancelled, nil)
}

// advance runs a lifecycle transition requested by the event's creator.
func (s *Service) advance(ctx context.Context, id, actorID string, to Status, check func(context.Context, *Event) error) (*Event, error) {
	e, err := s.update(ctx, id, func(e *Event) error {
		if e.CreatedBy != "" && e.CreatedBy != actorID {
			return fmt.Errorf("event %s: %w", e.ID, apperr.ErrForbidden)
		}
		if !CanTransition(e.Status, to) {
			return apperr.Transition("event", e.ID, string(e.Status), string(to))
		}
		// Leaving draft or published needs moderation approval; cancelling does not.
		if to != StatusCancelled && !e.IsApproved() {
			return apperr.Transition("event", e.ID, "moderation "+string(e.Moderation.Status), string(to))
		}
		if check != nil {
			if err := check(ctx, e); err != nil {
				return err
			}
		}
		e.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("event status changed", "event_id", id, "status", string(to))
	return e, nil
}

// SetRiskScore records the admin-assessed 0-10 event risk.
func (s *Service) SetRiskScore(ctx context.Context, id string, score float64, adminID string) (*Event, error) {
	if math.IsNaN(score) || score < 0 || score > 10 {
		return nil, apperr.Invalid("riskScore", "must be between 0 and 10")
	}
	return s.update(ctx, id, func(e *Event) error {
		e.RiskScore = score
		return nil
	})
}

// BeginReview moves a pending event under review.
func (s *Service) BeginReview(ctx context.Context, id, adminID string) (*Event, error) {
	return s.update(ctx, id, func(e *Event) error {
		return s.engine.BeginReview(e, adminID)
	})
}

// Moderate applies an admin decision. Rejection suspends a published or
// active event.
func (s *Service) Moderate(ctx context.Context, id string, decision moderation.Decision, adminID, note string) (*Event, error) {
	e, err := s.update(ctx, id, func(e *Event) error {
		return s.moderate(e, decision, adminID, note)
	})
	if err != nil {
		return nil, err
	}
	metrics.ModerationDecisionsTotal.WithLabelValues("event", string(decision)).Inc()
	logging.L(ctx).Info("event moderated",
		"event_id", id, "decision", string(decision), "status", string(e.Status))
	return e, nil
}

func (s *Service) moderate(e *Event, decision moderation.Decision, adminID, note string) error {
	if err := s.engine.Apply(e, decision, adminID, note); err != nil {
		return err
	}
	if decision == moderation.DecisionReject && CanTransition(e.Status, StatusSuspended) {
		e.Status = StatusSuspended
	}
	return nil
}

// MarkDisputed puts an approved event back under review when a dispute is
// opened against it. Events still in review are left as they are.
func (s *Service) MarkDisputed(ctx context.Context, eventID, actorID, reason string) error {
	_, err := s.update(ctx, eventID, func(e *Event) error {
		if e.Moderation.Status == moderation.StatusApproved {
			return s.engine.Reopen(e, actorID, "disputed: "+reason)
		}
		return nil
	})
	return err
}

// ApplyResolution routes a dispute decision to moderation: uphold approves,
// adjust flags for follow-up, reject rejects and suspends.
func (s *Service) ApplyResolution(ctx context.Context, eventID string, decision disputes.Decision, resolverID, note string) error {
	var md moderation.Decision
	switch decision {
	case disputes.DecisionUphold:
		md = moderation.DecisionApprove
	case disputes.DecisionAdjust:
		md = moderation.DecisionFlag
	case disputes.DecisionReject:
		md = moderation.DecisionReject
	default:
		return apperr.Invalid("decision", "unknown dispute decision")
	}

	_, err := s.update(ctx, eventID, func(e *Event) error {
		if md == moderation.DecisionApprove && e.IsApproved() {
			return nil
		}
		return s.moderate(e, md, resolverID, note)
	})
	if err != nil {
		return err
	}
	metrics.ModerationDecisionsTotal.WithLabelValues("event", string(md)).Inc()
	return nil
}

func (s *Service) update(ctx context.Context, id string, fn func(e *Event) error) (*Event, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(e); err != nil {
		return nil, err
	}
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("events: update %s: %w", id, err)
	}
	return e, nil
}
