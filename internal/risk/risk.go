// Package risk scores hour entries and certificates.
//
// The two scales have opposite polarity. An hour entry scores 0 (clean) to
// 10 (almost certainly fraudulent). A certificate's security score runs 0
// (untrustworthy) to 100 (fully verified). They are computed by separate
// functions and must never be compared with each other.
package risk

import (
	"context"
	"time"
)

// Level is a risk or security band.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical" // certificate scale only
)

// Kind identifies which scale an assessment uses.
type Kind string

const (
	KindHourEntry   Kind = "hour_entry"
	KindCertificate Kind = "certificate"
)

// Verification methods, strongest first. The values match the hour entry
// verification methods.
const (
	MethodQRScan        = "qr_scan"
	MethodGPS           = "gps_verification"
	MethodWitness       = "witness_confirmation"
	MethodManual        = "manual_checkin"
	MethodPhotoEvidence = "photo_evidence"
)

// HourInputs are the signals behind an hour entry risk score.
type HourInputs struct {
	Flags              []string
	Method             string
	DiscrepancyHours   float64 // |submitted - actual|
	OrgComplianceScore float64 // 0-100
	EventRiskScore     float64 // 0-10
}

// CertificateInputs are the signals behind a certificate security score.
type CertificateInputs struct {
	EntryRiskScore     int
	FraudFlags         []string
	Method             string
	OrgComplianceScore float64
	Anchored           bool
}

// Assessment is the result of scoring one subject.
type Assessment struct {
	ID          string             `json:"id,omitempty"`
	SubjectID   string             `json:"subjectId,omitempty"`
	Kind        Kind               `json:"kind"`
	Score       int                `json:"score"`
	Level       Level              `json:"level"`
	Factors     map[string]float64 `json:"factors"`
	EvaluatedAt time.Time          `json:"evaluatedAt,omitempty"`
}

// Store persists assessments for audit trail.
type Store interface {
	Record(ctx context.Context, assessment *Assessment) error
	ListBySubject(ctx context.Context, subjectID string, limit int) ([]*Assessment, error)
}
