package disputes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/logging"
	"github.com/mbd888/voltrust/internal/metrics"
	"github.com/mbd888/voltrust/internal/syncutil"
)

// HourEntryActions is the lifecycle side of an hour entry resolution.
type HourEntryActions interface {
	Uphold(ctx context.Context, entryID, resolverID, note string) error
	Adjust(ctx context.Context, entryID string, hours float64, reason, resolverID string) error
	Reject(ctx context.Context, entryID, reason, resolverID string) error
}

// EventActions is the moderation side of an event dispute.
type EventActions interface {
	// MarkDisputed puts the event back under review when a dispute opens.
	MarkDisputed(ctx context.Context, eventID, actorID, reason string) error
	// ApplyResolution routes a decision to the event's moderation state.
	ApplyResolution(ctx context.Context, eventID string, decision Decision, resolverID, note string) error
}

// EventDismissal is implemented by EventActions that react when an event
// dispute is dismissed.
type EventDismissal interface {
	DisputeDismissed(ctx context.Context, eventID, actorID string) error
}

// ResolveRequest is the body of a resolution.
type ResolveRequest struct {
	Decision      Decision `json:"decision" binding:"required"`
	Note          string   `json:"note" binding:"required"`
	AdjustedHours *float64 `json:"adjustedHours"`
}

// OpenRequest opens a dispute against an event.
type OpenRequest struct {
	EventID string `json:"eventId" binding:"required"`
	Reason  string `json:"reason" binding:"required"`
}

// Resolver runs the dispute workflow.
type Resolver struct {
	store  Store
	hours  HourEntryActions
	events EventActions
	locks  *syncutil.KeyLock
	now    func() time.Time
}

// NewResolver creates a dispute resolver.
func NewResolver(store Store, hours HourEntryActions, events EventActions) *Resolver {
	return &Resolver{
		store:  store,
		hours:  hours,
		events: events,
		locks:  syncutil.NewKeyLock(),
		now:    time.Now,
	}
}

// Get returns a dispute by ID.
func (r *Resolver) Get(ctx context.Context, id string) (*Dispute, error) {
	return r.store.Get(ctx, id)
}

// ListBySubject returns the disputes raised against one entity.
func (r *Resolver) ListBySubject(ctx context.Context, kind SubjectKind, subjectID string) ([]*Dispute, error) {
	return r.store.ListBySubject(ctx, kind, subjectID)
}

// ListByStatus returns disputes in one investigation status.
func (r *Resolver) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return r.store.ListByStatus(ctx, status, limit)
}

// OpenEventDispute contests an event. Hour entry disputes are raised
// through the hour entry lifecycle instead.
func (r *Resolver) OpenEventDispute(ctx context.Context, req OpenRequest, role SubmitterRole, submittedBy string) (*Dispute, error) {
	d, err := New(SubjectEvent, req.EventID, role, submittedBy, req.Reason, r.now())
	if err != nil {
		return nil, err
	}
	if r.events != nil {
		if err := r.events.MarkDisputed(ctx, req.EventID, submittedBy, req.Reason); err != nil {
			return nil, err
		}
	}
	if err := r.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("disputes: create: %w", err)
	}
	metrics.DisputesTotal.WithLabelValues("opened").Inc()
	logging.L(ctx).Info("event disputed", "dispute_id", d.ID, "event_id", req.EventID, "role", string(role))
	return d, nil
}

// StartInvestigation moves an open dispute to investigating.
func (r *Resolver) StartInvestigation(ctx context.Context, id, investigatorID string) (*Dispute, error) {
	return r.update(ctx, id, func(d *Dispute, now time.Time) error {
		if d.IsClosed() {
			return closedError(d)
		}
		if d.InvestigationStatus != StatusOpen {
			return apperr.Transition("dispute", d.ID, string(d.InvestigationStatus), "investigate")
		}
		d.InvestigationStatus = StatusInvestigating
		d.InvestigatorID = investigatorID
		return nil
	}, "investigating")
}

// Dismiss closes a dispute as invalid. The parent's moderation state is not
// touched; an EventActions that implements EventDismissal is told.
func (r *Resolver) Dismiss(ctx context.Context, id, reason, actorID string) (*Dispute, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.Invalid("reason", "is required")
	}
	d, err := r.update(ctx, id, func(d *Dispute, now time.Time) error {
		if d.IsClosed() {
			return closedError(d)
		}
		d.InvestigationStatus = StatusDismissed
		d.Resolution = reason
		d.ResolverID = actorID
		d.ClosedAt = &now
		return nil
	}, "dismissed")
	if err != nil {
		return nil, err
	}
	if hook, ok := r.events.(EventDismissal); ok && d.SubjectKind == SubjectEvent {
		if err := hook.DisputeDismissed(ctx, d.SubjectID, actorID); err != nil {
			logging.L(ctx).Warn("dismissal hook failed", "dispute_id", d.ID, "event_id", d.SubjectID, "error", err)
		}
	}
	return d, nil
}

// Resolve decides a dispute and applies the decision to the parent entity.
// The dispute is claimed first; if the parent transition fails the claim is
// released and the dispute stays open.
func (r *Resolver) Resolve(ctx context.Context, id string, req ResolveRequest, resolverID string) (*Dispute, error) {
	if !req.Decision.Valid() {
		return nil, apperr.Invalid("decision", "must be uphold_original, adjust or reject")
	}
	if strings.TrimSpace(req.Note) == "" {
		return nil, apperr.Invalid("note", "is required")
	}

	unlock, err := r.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.IsClosed() {
		return nil, closedError(d)
	}
	if d.SubjectKind == SubjectHourEntry && req.Decision == DecisionAdjust && req.AdjustedHours == nil {
		return nil, apperr.Invalid("adjustedHours", "is required for adjust")
	}

	prior := *d
	now := r.now()
	d.InvestigationStatus = StatusResolved
	d.Decision = req.Decision
	d.Resolution = req.Note
	d.ResolverID = resolverID
	d.ClosedAt = &now
	d.UpdatedAt = now
	if req.Decision == DecisionAdjust {
		d.AdjustedHours = req.AdjustedHours
	}

	if err := r.store.Update(ctx, d); err != nil {
		return nil, r.claimError(ctx, id, err)
	}

	if err := r.applyToParent(ctx, d, req, resolverID); err != nil {
		prior.Version = d.Version
		prior.UpdatedAt = r.now()
		if rbErr := r.store.Update(ctx, &prior); rbErr != nil {
			logging.L(ctx).Error("failed to release dispute claim",
				"dispute_id", id, "error", rbErr, "parent_error", err)
		}
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("resolved").Inc()
	logging.L(ctx).Info("dispute resolved",
		"dispute_id", d.ID, "decision", string(d.Decision), "subject", d.SubjectID)
	return d, nil
}

func (r *Resolver) applyToParent(ctx context.Context, d *Dispute, req ResolveRequest, resolverID string) error {
	switch d.SubjectKind {
	case SubjectHourEntry:
		if r.hours == nil {
			return errors.New("disputes: no hour entry handler configured")
		}
		switch req.Decision {
		case DecisionUphold:
			return r.hours.Uphold(ctx, d.SubjectID, resolverID, req.Note)
		case DecisionAdjust:
			return r.hours.Adjust(ctx, d.SubjectID, *req.AdjustedHours, req.Note, resolverID)
		case DecisionReject:
			return r.hours.Reject(ctx, d.SubjectID, req.Note, resolverID)
		}
	case SubjectEvent:
		if r.events == nil {
			return errors.New("disputes: no event handler configured")
		}
		return r.events.ApplyResolution(ctx, d.SubjectID, req.Decision, resolverID, req.Note)
	}
	return fmt.Errorf("disputes: unknown subject kind %q", d.SubjectKind)
}

// update applies fn under the dispute lock and persists with a version check.
func (r *Resolver) update(ctx context.Context, id string, fn func(d *Dispute, now time.Time) error, action string) (*Dispute, error) {
	unlock, err := r.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := r.now()
	if err := fn(d, now); err != nil {
		return nil, err
	}
	d.UpdatedAt = now
	if err := r.store.Update(ctx, d); err != nil {
		return nil, r.claimError(ctx, id, err)
	}
	metrics.DisputesTotal.WithLabelValues(action).Inc()
	return d, nil
}

// claimError turns a lost version race into the caller-facing error: a
// dispute another resolver already closed reports DisputeAlreadyClosed.
func (r *Resolver) claimError(ctx context.Context, id string, err error) error {
	if !errors.Is(err, apperr.ErrVersionConflict) {
		return fmt.Errorf("disputes: update %s: %w", id, err)
	}
	if current, getErr := r.store.Get(ctx, id); getErr == nil && current.IsClosed() {
		return closedError(current)
	}
	return err
}

func closedError(d *Dispute) error {
	return fmt.Errorf("dispute %s is %s: %w", d.ID, d.InvestigationStatus, apperr.ErrDisputeAlreadyClosed)
}
