package hours

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/disputes"
	"github.com/mbd888/voltrust/internal/idgen"
	"github.com/mbd888/voltrust/internal/logging"
	"github.com/mbd888/voltrust/internal/metrics"
	"github.com/mbd888/voltrust/internal/syncutil"
)

// maxEntryHours bounds any single claim.
const maxEntryHours = 24.0

// SubmitRequest carries a new provisional entry from the attendance recorder.
type SubmitRequest struct {
	VolunteerID    string
	VolunteerName  string
	EventID        string
	OrganizationID string
	CheckInAt      time.Time
	CheckOutAt     time.Time
	ActualHours    float64
	SubmittedHours float64
	Method         Method
	Evidence       Evidence
	Flags          []string
	RiskScore      int
	RiskLevel      string
}

// Service implements the hour entry state machine.
type Service struct {
	store    Store
	disputes disputes.Store
	locks    *syncutil.KeyLock
	stats    StatsRecorder
	now      func() time.Time
}

// NewService creates a new hour entry service.
func NewService(store Store, disputeStore disputes.Store) *Service {
	return &Service{
		store:    store,
		disputes: disputeStore,
		locks:    syncutil.NewKeyLock(),
		now:      time.Now,
	}
}

// WithLocks shares a volunteer/event lock with the attendance recorder so
// check-out and review of the same pair serialize.
func (s *Service) WithLocks(l *syncutil.KeyLock) *Service {
	s.locks = l
	return s
}

// WithStats adds a recorder for credited hours.
func (s *Service) WithStats(r StatsRecorder) *Service {
	s.stats = r
	return s
}

// Submit persists a new pending entry. The caller holds the volunteer/event lock.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*HourEntry, error) {
	if !req.Method.Valid() {
		return nil, apperr.Invalid("verificationMethod", "unknown method")
	}
	if req.SubmittedHours < 0 || req.SubmittedHours > maxEntryHours {
		return nil, apperr.Invalid("submittedHours", fmt.Sprintf("must be between 0 and %.0f", maxEntryHours))
	}

	now := s.now()
	in, out := req.CheckInAt, req.CheckOutAt
	flags := req.Flags
	if flags == nil {
		flags = []string{}
	}
	entry := &HourEntry{
		ID:                 idgen.WithPrefix("hrs_"),
		VolunteerID:        req.VolunteerID,
		VolunteerName:      req.VolunteerName,
		EventID:            req.EventID,
		OrganizationID:     req.OrganizationID,
		CheckInAt:          &in,
		CheckOutAt:         &out,
		ActualHours:        req.ActualHours,
		SubmittedHours:     req.SubmittedHours,
		Status:             StatusPending,
		Evidence:           req.Evidence,
		VerificationMethod: req.Method,
		RiskScore:          req.RiskScore,
		RiskLevel:          req.RiskLevel,
		Flags:              flags,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("hours: create entry: %w", err)
	}
	metrics.HourTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	metrics.HourRiskScore.Observe(float64(entry.RiskScore))
	return entry, nil
}

// Get returns an entry by ID.
func (s *Service) Get(ctx context.Context, id string) (*HourEntry, error) {
	return s.store.Get(ctx, id)
}

// ListByVolunteer returns a volunteer's entries, newest first.
func (s *Service) ListByVolunteer(ctx context.Context, volunteerID string, limit int) ([]*HourEntry, error) {
	return s.store.ListByVolunteer(ctx, volunteerID, clampLimit(limit))
}

// ListByEvent returns an event's entries, newest first.
func (s *Service) ListByEvent(ctx context.Context, eventID string, limit int) ([]*HourEntry, error) {
	return s.store.ListByEvent(ctx, eventID, clampLimit(limit))
}

// Approve accepts the submitted hours. Only from pending. For QR and GPS
// entries the approved count never exceeds the elapsed attendance.
func (s *Service) Approve(ctx context.Context, id, approverID string) (*HourEntry, error) {
	entry, err := s.transition(ctx, id, func(e *HourEntry, now time.Time) error {
		if e.Status != StatusPending {
			return apperr.Transition("hour_entry", e.ID, string(e.Status), "approve")
		}
		s.approve(e, approverID, "", now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordCredit(ctx, entry)
	return entry, nil
}

// Uphold approves a disputed entry at its submitted hours. It is the
// lifecycle side of an uphold_original dispute resolution.
func (s *Service) Uphold(ctx context.Context, id, resolverID, note string) (*HourEntry, error) {
	entry, err := s.transition(ctx, id, func(e *HourEntry, now time.Time) error {
		if e.Status != StatusDisputed {
			return apperr.Transition("hour_entry", e.ID, string(e.Status), "uphold")
		}
		s.approve(e, resolverID, note, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordCredit(ctx, entry)
	return entry, nil
}

// Adjust replaces the hour count. Only from pending; the adjusted count is
// final. Disputed entries are adjusted through their dispute.
func (s *Service) Adjust(ctx context.Context, id string, newHours float64, reason, approverID string) (*HourEntry, error) {
	return s.adjust(ctx, id, newHours, reason, approverID, StatusPending)
}

// Reject refuses the claim. Only from pending; disputed entries are
// rejected through their dispute.
func (s *Service) Reject(ctx context.Context, id, reason, approverID string) (*HourEntry, error) {
	return s.reject(ctx, id, reason, approverID, StatusPending)
}

func (s *Service) adjust(ctx context.Context, id string, newHours float64, reason, approverID string, from Status) (*HourEntry, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.Invalid("reason", "is required")
	}
	if math.IsNaN(newHours) || newHours < 0 || newHours > maxEntryHours {
		return nil, apperr.Invalid("newHours", fmt.Sprintf("must be between 0 and %.0f", maxEntryHours))
	}
	entry, err := s.transition(ctx, id, func(e *HourEntry, now time.Time) error {
		if e.Status != from {
			return apperr.Transition("hour_entry", e.ID, string(e.Status), "adjust")
		}
		h := newHours
		e.AdjustedHours = &h
		e.Status = StatusAdjusted
		s.review(e, approverID, reason, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordCredit(ctx, entry)
	return entry, nil
}

func (s *Service) reject(ctx context.Context, id, reason, approverID string, from Status) (*HourEntry, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.Invalid("reason", "is required")
	}
	return s.transition(ctx, id, func(e *HourEntry, now time.Time) error {
		if e.Status != from {
			return apperr.Transition("hour_entry", e.ID, string(e.Status), "reject")
		}
		e.Status = StatusRejected
		s.review(e, approverID, reason, now)
		return nil
	})
}

// RaiseDispute contests a pending entry. It creates the dispute and moves
// the entry to disputed.
func (s *Service) RaiseDispute(ctx context.Context, id string, role disputes.SubmitterRole, submittedBy, reason string) (*HourEntry, *disputes.Dispute, error) {
	var dispute *disputes.Dispute
	entry, err := s.transition(ctx, id, func(e *HourEntry, now time.Time) error {
		if e.Status != StatusPending {
			return apperr.Transition("hour_entry", e.ID, string(e.Status), "raise_dispute")
		}
		d, err := disputes.New(disputes.SubjectHourEntry, e.ID, role, submittedBy, reason, now)
		if err != nil {
			return err
		}
		if err := s.disputes.Create(ctx, d); err != nil {
			return fmt.Errorf("hours: create dispute: %w", err)
		}
		dispute = d
		e.Status = StatusDisputed
		e.DisputeID = d.ID
		return nil
	})
	if err != nil {
		if dispute != nil {
			// Entry update failed after the dispute was stored.
			s.abandonDispute(ctx, dispute)
		}
		return nil, nil, err
	}
	metrics.DisputesTotal.WithLabelValues("opened").Inc()
	logging.L(ctx).Info("hour entry disputed",
		"entry_id", entry.ID, "dispute_id", dispute.ID, "role", string(role))
	return entry, dispute, nil
}

// transition loads the entry, serializes on its volunteer/event pair,
// applies fn and persists the result.
func (s *Service) transition(ctx context.Context, id string, fn func(e *HourEntry, now time.Time) error) (*HourEntry, error) {
	peek, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, syncutil.Key(peek.VolunteerID, peek.EventID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	entry, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := fn(entry, now); err != nil {
		return nil, err
	}
	entry.UpdatedAt = now

	if err := s.store.Update(ctx, entry); err != nil {
		return nil, fmt.Errorf("hours: update entry %s: %w", entry.ID, err)
	}
	metrics.HourTransitionsTotal.WithLabelValues(string(entry.Status)).Inc()
	logging.L(ctx).Info("hour entry transition",
		"entry_id", entry.ID, "status", string(entry.Status), "reviewer", entry.ReviewerID)
	return entry, nil
}

func (s *Service) approve(e *HourEntry, reviewerID, note string, now time.Time) {
	approved := e.SubmittedHours
	if e.VerificationMethod.TimeBound() {
		if elapsed, ok := e.ElapsedHours(); ok && approved > elapsed {
			approved = math.Floor(elapsed*10) / 10
		}
	}
	e.ApprovedHours = &approved
	e.Status = StatusApproved
	s.review(e, reviewerID, note, now)
}

func (s *Service) review(e *HourEntry, reviewerID, note string, now time.Time) {
	e.ReviewerID = reviewerID
	e.ReviewNote = note
	e.ReviewedAt = &now
}

func (s *Service) recordCredit(ctx context.Context, e *HourEntry) {
	if s.stats == nil || e.OrganizationID == "" {
		return
	}
	hours, ok := e.CreditedHours()
	if !ok {
		return
	}
	if err := s.stats.RecordCreditedHours(ctx, e.OrganizationID, e.VolunteerID, hours); err != nil {
		logging.L(ctx).Warn("failed to record organization hours",
			"entry_id", e.ID, "organization_id", e.OrganizationID, "error", err)
	}
}

func (s *Service) abandonDispute(ctx context.Context, d *disputes.Dispute) {
	now := s.now()
	d.InvestigationStatus = disputes.StatusDismissed
	d.Resolution = "entry update failed"
	d.ClosedAt = &now
	d.UpdatedAt = now
	if err := s.disputes.Update(ctx, d); err != nil {
		logging.L(ctx).Error("failed to dismiss orphaned dispute", "dispute_id", d.ID, "error", err)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

// DisputeActions exposes the lifecycle side of dispute resolution.
func (s *Service) DisputeActions() disputes.HourEntryActions {
	return disputeActions{s: s}
}

type disputeActions struct {
	s *Service
}

func (a disputeActions) Uphold(ctx context.Context, id, resolverID, note string) error {
	_, err := a.s.Uphold(ctx, id, resolverID, note)
	return err
}

func (a disputeActions) Adjust(ctx context.Context, id string, hours float64, reason, resolverID string) error {
	_, err := a.s.adjust(ctx, id, hours, reason, resolverID, StatusDisputed)
	return err
}

func (a disputeActions) Reject(ctx context.Context, id, reason, resolverID string) error {
	_, err := a.s.reject(ctx, id, reason, resolverID, StatusDisputed)
	return err
}
