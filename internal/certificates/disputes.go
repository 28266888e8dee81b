package certificates

import (
	"context"
	"errors"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/disputes"
	"github.com/mbd888/voltrust/internal/logging"
	"github.com/mbd888/voltrust/internal/syncutil"
)

// SetEventDisputed moves every live certificate of an event into disputed,
// or back out of it. It returns how many certificates changed.
func (s *Service) SetEventDisputed(ctx context.Context, eventID string, disputed bool) (int, error) {
	certs, err := s.store.ListByEvent(ctx, eventID, 0)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, c := range certs {
		ok, err := s.setDisputed(ctx, c, disputed)
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	if changed > 0 {
		logging.L(ctx).Info("certificate dispute status changed",
			"event_id", eventID, "disputed", disputed, "certificates", changed)
	}
	return changed, nil
}

func (s *Service) setDisputed(ctx context.Context, c *Certificate, disputed bool) (bool, error) {
	unlock, err := s.locks.Lock(ctx, syncutil.Key(c.VolunteerID, c.EventID))
	if err != nil {
		return false, err
	}
	defer unlock()

	for attempt := 0; attempt < 3; attempt++ {
		cur, err := s.store.Get(ctx, c.Serial)
		if err != nil {
			return false, err
		}
		if cur.IsRevoked() {
			return false, nil
		}
		next := StatusDisputed
		if !disputed {
			if cur.Status != StatusDisputed {
				return false, nil
			}
			next = s.restingStatus(cur)
		}
		if cur.Status == next {
			return false, nil
		}
		cur.Status = next
		cur.UpdatedAt = s.now().UTC()
		err = s.store.Update(ctx, cur)
		if errors.Is(err, apperr.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, apperr.ErrVersionConflict
}

// restingStatus is the status a live certificate holds outside a dispute.
func (s *Service) restingStatus(c *Certificate) Status {
	switch {
	case c.VerificationAttempts > 0:
		return StatusVerified
	case s.anchorer != nil && !c.IsAnchored():
		return StatusPendingVerification
	default:
		return StatusIssued
	}
}

// EventDisputeActions wraps the event side of dispute resolution so an
// event's certificates are disputed while a dispute against it is open.
// Upholding or dismissing the dispute restores them; adjust and reject
// leave them disputed for an admin to revoke.
func (s *Service) EventDisputeActions(next disputes.EventActions) disputes.EventActions {
	return eventDisputeActions{next: next, s: s}
}

type eventDisputeActions struct {
	next disputes.EventActions
	s    *Service
}

var _ disputes.EventDismissal = eventDisputeActions{}

func (a eventDisputeActions) MarkDisputed(ctx context.Context, eventID, actorID, reason string) error {
	if err := a.next.MarkDisputed(ctx, eventID, actorID, reason); err != nil {
		return err
	}
	a.follow(ctx, eventID, true)
	return nil
}

func (a eventDisputeActions) ApplyResolution(ctx context.Context, eventID string, decision disputes.Decision, resolverID, note string) error {
	if err := a.next.ApplyResolution(ctx, eventID, decision, resolverID, note); err != nil {
		return err
	}
	if decision == disputes.DecisionUphold {
		a.follow(ctx, eventID, false)
	}
	return nil
}

func (a eventDisputeActions) DisputeDismissed(ctx context.Context, eventID, actorID string) error {
	if hook, ok := a.next.(disputes.EventDismissal); ok {
		if err := hook.DisputeDismissed(ctx, eventID, actorID); err != nil {
			return err
		}
	}
	a.follow(ctx, eventID, false)
	return nil
}

// follow updates certificate statuses. The event transition has already
// committed, so a failure here is logged rather than returned.
func (a eventDisputeActions) follow(ctx context.Context, eventID string, disputed bool) {
	if _, err := a.s.SetEventDisputed(ctx, eventID, disputed); err != nil {
		logging.L(ctx).Warn("failed to update certificate dispute status",
			"event_id", eventID, "disputed", disputed, "error", err)
	}
}
