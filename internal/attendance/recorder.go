package attendance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/events"
	"github.com/mbd888/voltrust/internal/geofence"
	"github.com/mbd888/voltrust/internal/hours"
	"github.com/mbd888/voltrust/internal/idgen"
	"github.com/mbd888/voltrust/internal/logging"
	"github.com/mbd888/voltrust/internal/metrics"
	"github.com/mbd888/voltrust/internal/risk"
	"github.com/mbd888/voltrust/internal/syncutil"
)

// EventLookup loads the event a sample is validated against.
type EventLookup interface {
	Get(ctx context.Context, id string) (*events.Event, error)
}

// ComplianceLookup returns an organization's 0-100 compliance score.
type ComplianceLookup interface {
	ComplianceScore(ctx context.Context, orgID string) (float64, error)
}

// HourSubmitter turns a completed visit into a pending hour entry.
type HourSubmitter interface {
	Submit(ctx context.Context, req hours.SubmitRequest) (*hours.HourEntry, error)
}

// Recorder records attendance.
type Recorder struct {
	store     Store
	events    EventLookup
	orgs      ComplianceLookup
	hours     HourSubmitter
	risk      *risk.Engine
	validator geofence.Validator
	locks     *syncutil.KeyLock
	now       func() time.Time
}

// NewRecorder creates an attendance recorder. locks should be the same
// KeyLock the hour entry service uses.
func NewRecorder(store Store, ev EventLookup, orgs ComplianceLookup, submitter HourSubmitter,
	riskEngine *risk.Engine, validator geofence.Validator, locks *syncutil.KeyLock) *Recorder {
	if locks == nil {
		locks = syncutil.NewKeyLock()
	}
	if riskEngine == nil {
		riskEngine = risk.NewEngine(nil)
	}
	return &Recorder{
		store:     store,
		events:    ev,
		orgs:      orgs,
		hours:     submitter,
		risk:      riskEngine,
		validator: validator,
		locks:     locks,
		now:       time.Now,
	}
}

// CheckIn opens a visit. A second check-in for the same volunteer and event
// before checking out fails with ErrDuplicateCheckIn.
func (r *Recorder) CheckIn(ctx context.Context, req CheckInRequest) (*CheckInResult, error) {
	point, err := validatePoint(req.VolunteerID, req.EventID, req.Lat, req.Lng)
	if err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = hours.MethodGPS
	}
	if !method.Valid() {
		return nil, apperr.Invalid("verificationMethod", "unknown method")
	}

	event, err := r.events.Get(ctx, req.EventID)
	if err != nil {
		return nil, err
	}
	if !event.AcceptsCheckIns() {
		return nil, apperr.Transition("event", event.ID, string(event.Status), "check_in")
	}

	unlock, err := r.locks.Lock(ctx, syncutil.Key(req.VolunteerID, req.EventID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := r.store.OpenVisit(ctx, req.VolunteerID, req.EventID); err == nil {
		metrics.CheckInsTotal.WithLabelValues(string(KindCheckIn), "duplicate").Inc()
		return nil, fmt.Errorf("volunteer %s at event %s: %w", req.VolunteerID, req.EventID, apperr.ErrDuplicateCheckIn)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	now := r.now()
	at, err := sampleTime(req.At, now)
	if err != nil {
		return nil, err
	}
	prev, err := r.latest(ctx, req.VolunteerID)
	if err != nil {
		return nil, err
	}
	report := r.validator.Check(prev, geofence.Sample{Point: point, At: at, AccuracyM: req.AccuracyM}, event.Zone())

	visit := &Visit{
		ID:             idgen.WithPrefix("vis_"),
		VolunteerID:    req.VolunteerID,
		VolunteerName:  req.VolunteerName,
		EventID:        event.ID,
		OrganizationID: event.OrganizationID,
		Method:         method,
		CheckInAt:      at,
		Flags:          nonNil(report.Flags),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	sample := newSample(visit, KindCheckIn, point, req.AccuracyM, at, report, now)
	if err := r.store.CreateVisit(ctx, visit, sample); err != nil {
		return nil, fmt.Errorf("attendance: check in: %w", err)
	}

	r.observe(KindCheckIn, report)
	logging.L(ctx).Info("volunteer checked in",
		"visit_id", visit.ID, "event_id", event.ID, "inside", report.Zone.Inside,
		"distance_m", math.Round(report.Zone.DistanceMeters), "flags", report.Flags)
	return &CheckInResult{Visit: visit, Sample: sample, Report: report}, nil
}

// CheckOut closes the open visit and submits a pending hour entry scored by
// the fraud risk scorer.
func (r *Recorder) CheckOut(ctx context.Context, req CheckOutRequest) (*CheckOutResult, error) {
	point, err := validatePoint(req.VolunteerID, req.EventID, req.Lat, req.Lng)
	if err != nil {
		return nil, err
	}
	if sr := req.SelfReportedHours; sr != nil && (math.IsNaN(*sr) || *sr < 0 || *sr > 24) {
		return nil, apperr.Invalid("selfReportedHours", "must be between 0 and 24")
	}

	event, err := r.events.Get(ctx, req.EventID)
	if err != nil {
		return nil, err
	}

	unlock, err := r.locks.Lock(ctx, syncutil.Key(req.VolunteerID, req.EventID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	visit, err := r.store.OpenVisit(ctx, req.VolunteerID, req.EventID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Invalid("eventId", "no open check-in for this event")
	}
	if err != nil {
		return nil, err
	}

	now := r.now()
	at, err := sampleTime(req.At, now)
	if err != nil {
		return nil, err
	}
	if !at.After(visit.CheckInAt) {
		return nil, apperr.Invalid("at", "check-out must be after check-in")
	}
	prev, err := r.latest(ctx, req.VolunteerID)
	if err != nil {
		return nil, err
	}
	report := r.validator.Check(prev, geofence.Sample{Point: point, At: at, AccuracyM: req.AccuracyM}, event.Zone())

	actual := hours.Round1(at.Sub(visit.CheckInAt).Hours())
	submitted := actual
	var discrepancy float64
	extra := append([]string(nil), report.Flags...)
	if req.SelfReportedHours != nil {
		submitted = *req.SelfReportedHours
		discrepancy = submitted - actual
		if math.Abs(discrepancy) > discrepancyToleranceHours {
			extra = append(extra, FlagHoursDiscrepancy)
		}
	}
	flags := mergeFlags(visit.Flags, extra)

	assessment := r.risk.AssessHourEntry(ctx, visit.ID, risk.HourInputs{
		Flags:              flags,
		Method:             string(visit.Method),
		DiscrepancyHours:   discrepancy,
		OrgComplianceScore: r.compliance(ctx, event.OrganizationID),
		EventRiskScore:     event.RiskScore,
	})

	// The visit closes before the entry exists so a retried check-out can
	// never submit a second entry for it.
	prior := cloneVisit(visit)
	sample := newSample(visit, KindCheckOut, point, req.AccuracyM, at, report, now)
	visit.CheckOutAt = &at
	visit.Flags = flags
	visit.UpdatedAt = now
	if err := r.store.CloseVisit(ctx, visit, sample); err != nil {
		return nil, fmt.Errorf("attendance: close visit %s: %w", visit.ID, err)
	}

	entry, err := r.hours.Submit(ctx, hours.SubmitRequest{
		VolunteerID:    visit.VolunteerID,
		VolunteerName:  visit.VolunteerName,
		EventID:        visit.EventID,
		OrganizationID: visit.OrganizationID,
		CheckInAt:      visit.CheckInAt,
		CheckOutAt:     at,
		ActualHours:    actual,
		SubmittedHours: submitted,
		Method:         visit.Method,
		Evidence:       req.Evidence,
		Flags:          flags,
		RiskScore:      assessment.Score,
		RiskLevel:      string(assessment.Level),
	})
	if err != nil {
		prior.Version = visit.Version
		prior.UpdatedAt = r.now()
		if rbErr := r.store.ReopenVisit(ctx, prior, sample.ID); rbErr != nil {
			logging.L(ctx).Error("failed to reopen visit after hour entry submit failed",
				"visit_id", visit.ID, "error", rbErr, "submit_error", err)
		}
		return nil, err
	}

	visit.HourEntryID = entry.ID
	visit.UpdatedAt = now
	if err := r.store.UpdateVisit(ctx, visit); err != nil {
		logging.L(ctx).Warn("failed to link hour entry to visit",
			"visit_id", visit.ID, "entry_id", entry.ID, "error", err)
	}

	r.observe(KindCheckOut, report)
	logging.L(ctx).Info("volunteer checked out",
		"visit_id", visit.ID, "entry_id", entry.ID, "actual_hours", actual,
		"risk_score", assessment.Score, "flags", flags)
	return &CheckOutResult{Visit: visit, Sample: sample, Report: report, Entry: entry}, nil
}

// Visit returns a visit by ID.
func (r *Recorder) Visit(ctx context.Context, id string) (*Visit, error) {
	return r.store.GetVisit(ctx, id)
}

// Samples returns the samples recorded for a visit, oldest first.
func (r *Recorder) Samples(ctx context.Context, visitID string) ([]*Sample, error) {
	if _, err := r.store.GetVisit(ctx, visitID); err != nil {
		return nil, err
	}
	return r.store.ListSamples(ctx, visitID)
}

// ListByEvent returns an event's visits, latest check-in first.
func (r *Recorder) ListByEvent(ctx context.Context, eventID string, limit int) ([]*Visit, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return r.store.ListVisitsByEvent(ctx, eventID, limit)
}

func (r *Recorder) latest(ctx context.Context, volunteerID string) (*geofence.Sample, error) {
	s, err := r.store.LatestSample(ctx, volunteerID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g := s.geo()
	return &g, nil
}

// compliance falls back to zero when the organization cannot be read, which
// scores the entry as if the organization had no attestations.
func (r *Recorder) compliance(ctx context.Context, orgID string) float64 {
	if r.orgs == nil || orgID == "" {
		return 0
	}
	score, err := r.orgs.ComplianceScore(ctx, orgID)
	if err != nil {
		logging.L(ctx).Warn("compliance lookup failed", "organization_id", orgID, "error", err)
		return 0
	}
	return score
}

func (r *Recorder) observe(kind Kind, report geofence.Report) {
	result := "ok"
	if len(report.Flags) > 0 {
		result = "flagged"
	}
	metrics.CheckInsTotal.WithLabelValues(string(kind), result).Inc()
	for _, f := range report.Flags {
		metrics.GeofenceFlagsTotal.WithLabelValues(f).Inc()
	}
}

func validatePoint(volunteerID, eventID string, lat, lng *float64) (geofence.Point, error) {
	if volunteerID == "" {
		return geofence.Point{}, apperr.Invalid("volunteerId", "is required")
	}
	if eventID == "" {
		return geofence.Point{}, apperr.Invalid("eventId", "is required")
	}
	if lat == nil || lng == nil {
		return geofence.Point{}, apperr.Invalid("location", "lat and lng are required")
	}
	p := geofence.Point{Lat: *lat, Lng: *lng}
	if !geofence.ValidCoordinates(p) {
		return geofence.Point{}, apperr.Invalid("location", "coordinates out of range")
	}
	return p, nil
}

func newSample(v *Visit, kind Kind, p geofence.Point, accuracy float64, at time.Time, report geofence.Report, now time.Time) *Sample {
	s := &Sample{
		ID:             idgen.WithPrefix("smp_"),
		VisitID:        v.ID,
		VolunteerID:    v.VolunteerID,
		EventID:        v.EventID,
		Kind:           kind,
		Lat:            p.Lat,
		Lng:            p.Lng,
		AccuracyM:      accuracy,
		RecordedAt:     at,
		Inside:         report.Zone.Inside,
		DistanceMeters: report.Zone.DistanceMeters,
		Flags:          nonNil(report.Flags),
		CreatedAt:      now,
	}
	if report.Speed != nil {
		s.SpeedKmh = report.Speed.SpeedKmh
	}
	return s
}

// maxClockSkew bounds how far ahead of the server a device timestamp may be.
const maxClockSkew = 5 * time.Minute

func sampleTime(at *time.Time, now time.Time) (time.Time, error) {
	if at == nil || at.IsZero() {
		return now, nil
	}
	if at.After(now.Add(maxClockSkew)) {
		return time.Time{}, apperr.Invalid("at", "is in the future")
	}
	return *at, nil
}

// mergeFlags returns the union of a and b, preserving first-seen order.
func mergeFlags(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, f := range list {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}

func nonNil(flags []string) []string {
	out := make([]string, len(flags))
	copy(out, flags)
	return out
}
