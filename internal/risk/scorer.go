package risk

import (
	"context"
	"math"
	"time"

	"github.com/mbd888/voltrust/internal/idgen"
)

// Flags with dedicated weights. Any other flag carries weightOtherFlag.
const (
	FlagOutsideGeofence  = "outside-geofence"
	FlagSpeedViolation   = "speed-violation"
	FlagHoursDiscrepancy = "hours-discrepancy"
)

const (
	maxHourScore = 10.0

	weightOutsideGeofence = 3.0
	weightSpeedViolation  = 3.0
	weightDiscrepancyFlag = 1.0
	weightOtherFlag       = 0.5
	maxDiscrepancyWeight  = 1.5 // |diff|/2, capped
	weightOrgCompliance   = 1.5 // scaled by (100-compliance)/100
	weightEventRisk       = 1.5 // scaled by eventRisk/10

	certBase             = 100.0
	certPerEntryRisk     = 5.0
	certPerFraudFlag     = 5.0
	certMaxFlagPenalty   = 30.0
	certCompliancePerPt  = 0.1
	certUnanchoredDeduct = 5.0
)

var hourMethodWeight = map[string]float64{
	MethodQRScan:        0,
	MethodGPS:           0,
	MethodWitness:       1.0,
	MethodManual:        1.5,
	MethodPhotoEvidence: 2.0,
}

var certMethodPenalty = map[string]float64{
	MethodQRScan:        0,
	MethodGPS:           0,
	MethodWitness:       5,
	MethodManual:        10,
	MethodPhotoEvidence: 15,
}

// unknownMethod is scored like the weakest evidence.
const unknownMethod = MethodPhotoEvidence

// ScoreHourEntry computes the 0-10 risk score of an hour entry.
// Adding a flag never lowers the score.
func ScoreHourEntry(in HourInputs) Assessment {
	factors := make(map[string]float64)

	seen := make(map[string]bool, len(in.Flags))
	var flagScore float64
	for _, f := range in.Flags {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		switch f {
		case FlagOutsideGeofence:
			flagScore += weightOutsideGeofence
		case FlagSpeedViolation:
			flagScore += weightSpeedViolation
		case FlagHoursDiscrepancy:
			flagScore += weightDiscrepancyFlag
		default:
			flagScore += weightOtherFlag
		}
	}
	factors["flags"] = flagScore

	factors["discrepancy"] = math.Min(maxDiscrepancyWeight, math.Abs(in.DiscrepancyHours)/2)

	w, ok := hourMethodWeight[in.Method]
	if !ok {
		w = hourMethodWeight[unknownMethod]
	}
	factors["method"] = w

	factors["org_compliance"] = (100 - clamp(in.OrgComplianceScore, 0, 100)) / 100 * weightOrgCompliance
	factors["event_risk"] = clamp(in.EventRiskScore, 0, 10) / 10 * weightEventRisk

	total := sumFactors(factors, "flags", "discrepancy", "method", "org_compliance", "event_risk")
	score := int(math.Round(clamp(total, 0, maxHourScore)))

	return Assessment{
		Kind:    KindHourEntry,
		Score:   score,
		Level:   HourLevel(score),
		Factors: roundFactors(factors),
	}
}

// HourLevel bands a 0-10 risk score: 0-3 low, 4-6 medium, 7-10 high.
func HourLevel(score int) Level {
	switch {
	case score <= 3:
		return LevelLow
	case score <= 6:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// ScoreCertificate computes the 0-100 security score of a certificate.
// Higher is more trustworthy.
func ScoreCertificate(in CertificateInputs) Assessment {
	factors := make(map[string]float64)

	factors["entry_risk"] = -float64(clampInt(in.EntryRiskScore, 0, 10)) * certPerEntryRisk

	flags := uniqueCount(in.FraudFlags)
	factors["fraud_flags"] = -math.Min(certMaxFlagPenalty, float64(flags)*certPerFraudFlag)

	p, ok := certMethodPenalty[in.Method]
	if !ok {
		p = certMethodPenalty[unknownMethod]
	}
	factors["method"] = -p

	factors["org_compliance"] = -(100 - clamp(in.OrgComplianceScore, 0, 100)) * certCompliancePerPt
	if !in.Anchored {
		factors["anchor"] = -certUnanchoredDeduct
	} else {
		factors["anchor"] = 0
	}

	total := certBase + sumFactors(factors, "entry_risk", "fraud_flags", "method", "org_compliance", "anchor")
	score := int(math.Round(clamp(total, 0, 100)))

	return Assessment{
		Kind:    KindCertificate,
		Score:   score,
		Level:   SecurityLevel(score),
		Factors: roundFactors(factors),
	}
}

// SecurityLevel bands a 0-100 security score: 90+ high, 70+ medium, 50+ low,
// otherwise critical.
func SecurityLevel(score int) Level {
	switch {
	case score >= 90:
		return LevelHigh
	case score >= 70:
		return LevelMedium
	case score >= 50:
		return LevelLow
	default:
		return LevelCritical
	}
}

// EventTrust converts a 0-10 event risk score into the 0-100 compliance
// scale the moderation gate compares against its threshold.
func EventTrust(eventRisk float64) float64 {
	return (10 - clamp(eventRisk, 0, 10)) * 10
}

// Engine wraps the pure scorers with an audit trail.
type Engine struct {
	store Store
	now   func() time.Time
}

// NewEngine creates a scoring engine. store may be nil.
func NewEngine(store Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// AssessHourEntry scores an hour entry and records the assessment.
func (e *Engine) AssessHourEntry(ctx context.Context, subjectID string, in HourInputs) *Assessment {
	a := ScoreHourEntry(in)
	return e.record(subjectID, a)
}

// AssessCertificate scores a certificate and records the assessment.
func (e *Engine) AssessCertificate(ctx context.Context, subjectID string, in CertificateInputs) *Assessment {
	a := ScoreCertificate(in)
	return e.record(subjectID, a)
}

func (e *Engine) record(subjectID string, a Assessment) *Assessment {
	a.ID = idgen.WithPrefix("rsk_")
	a.SubjectID = subjectID
	a.EvaluatedAt = e.now()

	// Persist asynchronously (best-effort audit trail)
	if e.store != nil {
		cp := a
		go func() {
			_ = e.store.Record(context.Background(), &cp)
		}()
	}
	return &a
}

// History returns recent assessments for a subject, newest first.
func (e *Engine) History(ctx context.Context, subjectID string, limit int) ([]*Assessment, error) {
	if e.store == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	return e.store.ListBySubject(ctx, subjectID, limit)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// sumFactors adds factors in a fixed order so repeated scoring is bit-identical.
func sumFactors(m map[string]float64, keys ...string) float64 {
	var total float64
	for _, k := range keys {
		total += m[k]
	}
	return total
}

func uniqueCount(flags []string) int {
	seen := make(map[string]struct{}, len(flags))
	for _, f := range flags {
		if f != "" {
			seen[f] = struct{}{}
		}
	}
	return len(seen)
}

func roundFactors(m map[string]float64) map[string]float64 {
	for k, v := range m {
		m[k] = math.Round(v*1000) / 1000
	}
	return m
}
