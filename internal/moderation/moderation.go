// Package moderation implements the approve/flag/reject review gate shared by
// events and organizations.
//
// The engine is generic over the moderated subject. It mutates the subject's
// Record in memory; callers persist the subject under their own lock.
package moderation

import (
	"strings"
	"time"

	"github.com/mbd888/voltrust/internal/apperr"
)

// Status is a moderation state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusFlagged     Status = "flagged"
	StatusRejected    Status = "rejected"
)

// Decision is an admin verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionFlag    Decision = "flag"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionFlag || d == DecisionReject
}

// Record is the moderation state embedded in a subject.
type Record struct {
	Status      Status     `json:"moderationStatus"`
	Notes       string     `json:"moderationNotes,omitempty"`
	ModeratorID string     `json:"moderatorId,omitempty"`
	ModeratedAt *time.Time `json:"moderatedAt,omitempty"`
}

// NewRecord returns a pending record.
func NewRecord() Record {
	return Record{Status: StatusPending}
}

// Subject is anything that passes through moderation.
type Subject interface {
	ModerationKind() string
	ModerationID() string
	// ComplianceScore is on the 0-100 scale compared against the threshold.
	ComplianceScore() float64
	ModerationRecord() *Record
}

var transitions = map[Status][]Status{
	StatusPending:     {StatusUnderReview, StatusApproved, StatusFlagged, StatusRejected},
	StatusUnderReview: {StatusApproved, StatusFlagged, StatusRejected},
	StatusFlagged:     {StatusApproved, StatusRejected},
	StatusApproved:    {StatusUnderReview},
	StatusRejected:    {},
}

// CanTransition checks if a moderation transition is allowed.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Engine applies moderation decisions to subjects of type T.
type Engine[T Subject] struct {
	threshold float64
	now       func() time.Time
}

// NewEngine creates an engine whose Approve requires ComplianceScore >= threshold.
func NewEngine[T Subject](threshold float64) *Engine[T] {
	return &Engine[T]{threshold: threshold, now: time.Now}
}

// Threshold returns the approval threshold.
func (e *Engine[T]) Threshold() float64 { return e.threshold }

// BeginReview moves a pending subject under review.
func (e *Engine[T]) BeginReview(subject T, actorID string) error {
	rec := subject.ModerationRecord()
	if rec.Status != StatusPending {
		return e.invalid(subject, "begin_review")
	}
	e.set(rec, StatusUnderReview, actorID, rec.Notes)
	return nil
}

// Reopen puts an approved subject back under review, for example when it is disputed.
func (e *Engine[T]) Reopen(subject T, actorID, note string) error {
	rec := subject.ModerationRecord()
	if rec.Status != StatusApproved {
		return e.invalid(subject, "reopen")
	}
	if note == "" {
		note = rec.Notes
	}
	e.set(rec, StatusUnderReview, actorID, note)
	return nil
}

// Approve approves the subject if its compliance score meets the threshold.
func (e *Engine[T]) Approve(subject T, actorID, note string) error {
	rec := subject.ModerationRecord()
	if !CanTransition(rec.Status, StatusApproved) {
		return e.invalid(subject, "approve")
	}
	if score := subject.ComplianceScore(); score < e.threshold {
		return &apperr.ComplianceThresholdError{
			Subject:   subject.ModerationKind() + " " + subject.ModerationID(),
			Score:     score,
			Threshold: e.threshold,
		}
	}
	e.set(rec, StatusApproved, actorID, note)
	return nil
}

// Flag marks the subject for re-review. A note is required.
func (e *Engine[T]) Flag(subject T, actorID, note string) error {
	if strings.TrimSpace(note) == "" {
		return apperr.Invalid("note", "required when flagging")
	}
	rec := subject.ModerationRecord()
	if !CanTransition(rec.Status, StatusFlagged) {
		return e.invalid(subject, "flag")
	}
	e.set(rec, StatusFlagged, actorID, note)
	return nil
}

// Reject rejects the subject permanently. A note is required.
func (e *Engine[T]) Reject(subject T, actorID, note string) error {
	if strings.TrimSpace(note) == "" {
		return apperr.Invalid("note", "required when rejecting")
	}
	rec := subject.ModerationRecord()
	if !CanTransition(rec.Status, StatusRejected) {
		return e.invalid(subject, "reject")
	}
	e.set(rec, StatusRejected, actorID, note)
	return nil
}

// Apply dispatches a decision.
func (e *Engine[T]) Apply(subject T, d Decision, actorID, note string) error {
	switch d {
	case DecisionApprove:
		return e.Approve(subject, actorID, note)
	case DecisionFlag:
		return e.Flag(subject, actorID, note)
	case DecisionReject:
		return e.Reject(subject, actorID, note)
	default:
		return apperr.Invalid("decision", "must be approve, flag or reject")
	}
}

func (e *Engine[T]) set(rec *Record, to Status, actorID, note string) {
	now := e.now()
	rec.Status = to
	rec.Notes = note
	rec.ModeratorID = actorID
	rec.ModeratedAt = &now
}

func (e *Engine[T]) invalid(subject T, op string) error {
	return apperr.Transition(subject.ModerationKind(), subject.ModerationID(), string(subject.ModerationRecord().Status), op)
}
