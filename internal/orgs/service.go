package orgs

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/logging"
	"github.com/mbd888/voltrust/internal/metrics"
	"github.com/mbd888/voltrust/internal/moderation"
	"github.com/mbd888/voltrust/internal/syncutil"
)

// Service manages organizations.
type Service struct {
	store  Store
	engine *moderation.Engine[*Organization]
	locks  *syncutil.KeyLock
	now    func() time.Time
}

// NewService creates an organization service whose moderation approval
// requires a compliance score of at least threshold.
func NewService(store Store, threshold float64) *Service {
	return &Service{
		store:  store,
		engine: moderation.NewEngine[*Organization](threshold),
		locks:  syncutil.NewKeyLock(),
		now:    time.Now,
	}
}

// Create registers a pending organization.
func (s *Service) Create(ctx context.Context, req CreateRequest, ownerID string) (*Organization, error) {
	o, err := New(req, ownerID, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("orgs: create: %w", err)
	}
	logging.L(ctx).Info("organization registered", "organization_id", o.ID, "owner", ownerID)
	return o, nil
}

// Get returns an organization by ID.
func (s *Service) Get(ctx context.Context, id string) (*Organization, error) {
	return s.store.Get(ctx, id)
}

// List returns organizations, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]*Organization, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.List(ctx, limit)
}

// IsVerified reports whether the organization passed moderation.
func (s *Service) IsVerified(ctx context.Context, id string) (bool, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return o.IsVerified(), nil
}

// ComplianceScore returns the organization's current 0-100 score.
func (s *Service) ComplianceScore(ctx context.Context, id string) (float64, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return o.ComplianceScore(), nil
}

// UpdateCompliance replaces the declared compliance flags. Only the owner may
// change them.
func (s *Service) UpdateCompliance(ctx context.Context, id string, flags ComplianceFlags, actorID string) (*Organization, error) {
	return s.update(ctx, id, func(o *Organization) error {
		if o.OwnerID != "" && o.OwnerID != actorID {
			return fmt.Errorf("organization %s: %w", o.ID, apperr.ErrForbidden)
		}
		o.Compliance = flags
		return nil
	})
}

// SetComplianceScore sets an explicit score. A nil score restores the flag total.
func (s *Service) SetComplianceScore(ctx context.Context, id string, score *float64, adminID string) (*Organization, error) {
	if score != nil && (math.IsNaN(*score) || *score < 0 || *score > 100) {
		return nil, apperr.Invalid("complianceScore", "must be between 0 and 100")
	}
	o, err := s.update(ctx, id, func(o *Organization) error {
		o.ScoreOverride = score
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("organization compliance score set",
		"organization_id", id, "score", o.ComplianceScore(), "admin", adminID)
	return o, nil
}

// BeginReview moves a pending organization under review.
func (s *Service) BeginReview(ctx context.Context, id, adminID string) (*Organization, error) {
	return s.update(ctx, id, func(o *Organization) error {
		return s.engine.BeginReview(o, adminID)
	})
}

// Moderate applies an admin decision. Approval verifies the organization and
// needs the compliance score to meet the threshold.
func (s *Service) Moderate(ctx context.Context, id string, decision moderation.Decision, adminID, note string) (*Organization, error) {
	o, err := s.update(ctx, id, func(o *Organization) error {
		return s.engine.Apply(o, decision, adminID, note)
	})
	if err != nil {
		return nil, err
	}
	metrics.ModerationDecisionsTotal.WithLabelValues("organization", string(decision)).Inc()
	logging.L(ctx).Info("organization moderated",
		"organization_id", id, "decision", string(decision), "verification", string(o.VerificationStatus))
	return o, nil
}

// RecordCreditedHours adds approved hours to the organization's statistics.
func (s *Service) RecordCreditedHours(ctx context.Context, orgID, volunteerID string, hours float64) error {
	return s.store.RecordHours(ctx, orgID, volunteerID, hours)
}

// RecordEventCreated bumps the hosted event count.
func (s *Service) RecordEventCreated(ctx context.Context, orgID string) error {
	return s.store.IncrementEvents(ctx, orgID)
}

func (s *Service) update(ctx context.Context, id string, fn func(o *Organization) error) (*Organization, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(o); err != nil {
		return nil, err
	}
	o.syncVerification()
	o.UpdatedAt = s.now()
	if err := s.store.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("orgs: update %s: %w", id, err)
	}
	return o, nil
}
