// Package apperr defines the error kinds shared by every voltrust component.
//
// Each kind is a sentinel that callers match with errors.Is. Richer errors
// (TransitionError, ComplianceThresholdError, ValidationError) unwrap to
// their sentinel so handlers only need to switch on the kind.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrDisputeAlreadyClosed = errors.New("dispute already closed")
	ErrAlreadyIssued        = errors.New("certificate already issued")
	ErrDuplicateCheckIn     = errors.New("volunteer already checked in")
	ErrComplianceThreshold  = errors.New("compliance score below threshold")
	ErrSigning              = errors.New("signing failed")
	ErrVersionConflict      = errors.New("concurrent modification")
	ErrForbidden            = errors.New("actor not permitted")
)

// ValidationError reports bad input on a single field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError for field.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// NotFound wraps ErrNotFound with the entity kind and key.
func NotFound(kind, key string) error {
	return fmt.Errorf("%s %q: %w", kind, key, ErrNotFound)
}

// TransitionError reports an operation attempted from a state that does not allow it.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	Op     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot %s from %s", e.Entity, e.ID, e.Op, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Transition builds a TransitionError.
func Transition(entity, id, from, op string) error {
	return &TransitionError{Entity: entity, ID: id, From: from, Op: op}
}

// ComplianceThresholdError is a policy rejection carrying the offending score.
type ComplianceThresholdError struct {
	Subject   string  `json:"subject"`
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
}

func (e *ComplianceThresholdError) Error() string {
	return fmt.Sprintf("%s compliance score %.1f below threshold %.1f", e.Subject, e.Score, e.Threshold)
}

func (e *ComplianceThresholdError) Unwrap() error { return ErrComplianceThreshold }

// Signing wraps a signer failure. Issuance aborts on it.
func Signing(err error) error {
	return fmt.Errorf("%w: %v", ErrSigning, err)
}

// HTTPStatus maps an error kind to the status code handlers respond with,
// together with a stable machine-readable code.
func HTTPStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrDisputeAlreadyClosed):
		return http.StatusConflict, "dispute_already_closed"
	case errors.Is(err, ErrAlreadyIssued):
		return http.StatusConflict, "already_issued"
	case errors.Is(err, ErrDuplicateCheckIn):
		return http.StatusConflict, "duplicate_check_in"
	case errors.Is(err, ErrVersionConflict):
		return http.StatusConflict, "version_conflict"
	case errors.Is(err, ErrComplianceThreshold):
		return http.StatusUnprocessableEntity, "compliance_threshold"
	case errors.Is(err, ErrSigning):
		return http.StatusInternalServerError, "signing_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// Response builds the status and JSON body handlers send for err. Internal
// errors are not echoed to the caller.
func Response(err error) (int, map[string]any) {
	status, code := HTTPStatus(err)
	body := map[string]any{"error": code, "message": err.Error()}

	var ve *ValidationError
	if errors.As(err, &ve) {
		body["field"] = ve.Field
	}
	var cte *ComplianceThresholdError
	if errors.As(err, &cte) {
		body["score"] = cte.Score
		body["threshold"] = cte.Threshold
	}
	if code == "internal_error" || code == "signing_error" {
		body["message"] = http.StatusText(status)
	}
	return status, body
}
