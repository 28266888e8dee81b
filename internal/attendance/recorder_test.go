package attendance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/disputes"
	"github.com/mbd888/voltrust/internal/events"
	"github.com/mbd888/voltrust/internal/geofence"
	"github.com/mbd888/voltrust/internal/hours"
	"github.com/mbd888/voltrust/internal/risk"
	"github.com/mbd888/voltrust/internal/syncutil"
)

type fakeEvents map[string]*events.Event

func (f fakeEvents) Get(ctx context.Context, id string) (*events.Event, error) {
	e, ok := f[id]
	if !ok {
		return nil, apperr.NotFound("event", id)
	}
	cp := *e
	return &cp, nil
}

type fakeCompliance float64

func (f fakeCompliance) ComplianceScore(ctx context.Context, orgID string) (float64, error) {
	return float64(f), nil
}

var (
	anchorLat = 40.7128
	anchorLng = -74.0060
	start     = time.Date(2026, 5, 2, 13, 0, 0, 0, time.UTC)
)

type fixture struct {
	recorder *Recorder
	hours    *hours.Service
	store    *MemoryStore
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ev := fakeEvents{
		"evt_1": {ID: "evt_1", OrganizationID: "org_1", Status: events.StatusActive, CategoryCode: "ENV",
			Location: events.Location{Lat: anchorLat, Lng: anchorLng, RadiusM: 150}},
		"evt_2": {ID: "evt_2", OrganizationID: "org_1", Status: events.StatusDraft,
			Location: events.Location{Lat: anchorLat, Lng: anchorLng}},
	}
	locks := syncutil.NewKeyLock()
	hourSvc := hours.NewService(hours.NewMemoryStore(), disputes.NewMemoryStore()).WithLocks(locks)
	store := NewMemoryStore()
	f := &fixture{hours: hourSvc, store: store, clock: start}
	f.recorder = NewRecorder(store, ev, fakeCompliance(100), hourSvc,
		risk.NewEngine(nil), geofence.NewValidator(150, 50), locks)
	f.recorder.now = func() time.Time { return f.clock }
	return f
}

func ptr[T any](v T) *T { return &v }

func checkIn(vol string, lat, lng float64) CheckInRequest {
	return CheckInRequest{VolunteerID: vol, EventID: "evt_1", Lat: &lat, Lng: &lng, Method: hours.MethodGPS}
}

func checkOut(vol string, lat, lng float64) CheckOutRequest {
	return CheckOutRequest{VolunteerID: vol, EventID: "evt_1", Lat: &lat, Lng: &lng}
}

func TestCheckIn_InsideZone(t *testing.T) {
	f := newFixture(t)
	res, err := f.recorder.CheckIn(context.Background(), checkIn("vol_1", anchorLat, anchorLng))
	require.NoError(t, err)
	assert.True(t, res.Report.Zone.Inside)
	assert.Empty(t, res.Visit.Flags)
	assert.True(t, res.Visit.IsOpen())
	assert.Equal(t, "org_1", res.Visit.OrganizationID)
	assert.Equal(t, KindCheckIn, res.Sample.Kind)
}

func TestCheckIn_OutsideZoneFlags(t *testing.T) {
	f := newFixture(t)
	// ~1.1 km north of the anchor
	res, err := f.recorder.CheckIn(context.Background(), checkIn("vol_1", anchorLat+0.01, anchorLng))
	require.NoError(t, err)
	assert.False(t, res.Report.Zone.Inside)
	assert.Contains(t, res.Visit.Flags, geofence.FlagOutsideGeofence)
	assert.Contains(t, res.Sample.Flags, geofence.FlagOutsideGeofence)
}

func TestCheckIn_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.recorder.CheckIn(ctx, checkIn("vol_1", 95, 0))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	req := checkIn("vol_1", anchorLat, anchorLng)
	req.Lng = nil
	_, err = f.recorder.CheckIn(ctx, req)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	req = checkIn("vol_1", anchorLat, anchorLng)
	req.Method = "telepathy"
	_, err = f.recorder.CheckIn(ctx, req)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	req = checkIn("vol_1", anchorLat, anchorLng)
	req.At = ptr(start.Add(time.Hour))
	_, err = f.recorder.CheckIn(ctx, req)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCheckIn_EventMustBeActive(t *testing.T) {
	f := newFixture(t)
	req := checkIn("vol_1", anchorLat, anchorLng)
	req.EventID = "evt_2"
	_, err := f.recorder.CheckIn(context.Background(), req)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	req.EventID = "evt_missing"
	_, err = f.recorder.CheckIn(context.Background(), req)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCheckIn_Duplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.recorder.CheckIn(ctx, checkIn("vol_1", anchorLat, anchorLng))
	require.NoError(t, err)

	f.clock = f.clock.Add(10 * time.Minute)
	_, err = f.recorder.CheckIn(ctx, checkIn("vol_1", anchorLat, anchorLng))
	assert.ErrorIs(t, err, apperr.ErrDuplicateCheckIn)
}

func TestCheckIn_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	var ok, dup int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.recorder.CheckIn(context.Background(), checkIn("vol_1", anchorLat, anchorLng))
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, apperr.ErrDuplicateCheckIn):
				atomic.AddInt32(&dup, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok)
	assert.Equal(t, int32(19), dup)
}

func TestCheckIn_SpeedViolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// A reading 50 km away one minute earlier is implausible.
	far := CheckInRequest{VolunteerID: "vol_1", EventID: "evt_1", Lat: ptr(anchorLat + 0.45), Lng: ptr(anchorLng)}
	f.recorder.now = func() time.Time { return start.Add(-time.Minute) }
	_, err := f.recorder.CheckIn(ctx, far)
	require.NoError(t, err)
	_, err = f.recorder.CheckOut(ctx, CheckOutRequest{VolunteerID: "vol_1", EventID: "evt_1",
		Lat: ptr(anchorLat + 0.45), Lng: ptr(anchorLng), At: ptr(start.Add(-30 * time.Second))})
	require.NoError(t, err)

	f.recorder.now = func() time.Time { return start }
	res, err := f.recorder.CheckIn(ctx, checkIn("vol_1", anchorLat, anchorLng))
	require.NoError(t, err)
	require.NotNil(t, res.Report.Speed)
	assert.False(t, res.Report.Speed.Plausible)
	assert.Contains(t, res.Visit.Flags, geofence.FlagSpeedViolation)
}

func TestCheckOut_CreatesPendingEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.recorder.CheckIn(ctx, checkIn("vol_1", anchorLat, anchorLng))
	require.NoError(t, err)

	f.clock = start.Add(4*time.Hour + 2*time.Minute)
	res, err := f.recorder.CheckOut(ctx, checkOut("vol_1", anchorLat, anchorLng))
	require.NoError(t, err)

	assert.False(t, res.Visit.IsOpen())
	require.NotNil(t, res.Entry)
	assert.Equal(t, res.Entry.ID, res.Visit.HourEntryID)
	assert.Equal(t, hours.StatusPending, res.Entry.Status)
	assert.Equal(t, 4.0, res.Entry.ActualHours)
	assert.Equal(t, 4.0, res.Entry.SubmittedHours)
	assert.Equal(t, hours.MethodGPS, res.Entry.VerificationMethod)
	assert.Equal(t, 0, res.Entry.RiskScore)
	assert.Equal(t, string(risk.LevelLow), res.Entry.RiskLevel)

	samples, err := f.recorder.Samples(ctx, res.Visit.ID)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, KindCheckIn, samples[0].Kind)
	assert.Equal(t, KindCheckOut, samples[1].Kind)

	// The pair can check in again once the visit is closed.
	f.clock = f.clock.Add(time.Hour)
	_, err = f.recorder.CheckIn(ctx, checkIn("vol_1", anchorLat, anchorLng))
	assert.NoError(t, err)
}

func TestCheckOut_SelfReportDiscrepancy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.recorder.CheckIn(ctx, checkIn("vol_1", anchorLat, anchorLng))
	require.NoError(t, err)

	f.clock = start.Add(4 * time.Hour)
	req := checkOut("vol_1", anchorLat, anchorLng)
	req.SelfReportedHours = ptr(6.0)
	res, err := f.recorder.CheckOut(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 6.0, res.Entry.SubmittedHours)
	assert.Equal(t, 4.0, res.Entry.ActualHours)
	assert.Contains(t, res.Entry.Flags, FlagHoursDiscrepancy)
	assert.Greater(t, res.Entry.RiskScore, 0)

	// Approval of a GPS entry is capped at the elapsed time.
	approved, err := f.hours.Approve(ctx, res.Entry.ID, "admin_1")
	require.NoError(t, err)
	assert.Equal(t, 4.0, *approved.ApprovedHours)
}

func TestCheckOut_SmallDiscrepancyNotFlagged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.recorder.CheckIn(ctx, checkIn("vol_1", anchorLat, anchorLng))
	require.NoError(t, err)

	f.clock = start.Add(4 * time.Hour)
	req := checkOut("vol_1", anchorLat, anchorLng)
	req.SelfReportedHours = ptr(4.25)
	res, err := f.recorder.CheckOut(ctx, req)
	require.NoError(t, err)
	assert.NotContains(t, res.Entry.Flags, FlagHoursDiscrepancy)
}

func TestCheckOut_CarriesCheckInFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.recorder.CheckIn(ctx, checkIn("vol_1", anchorLat+0.01, anchorLng))
	require.NoError(t, err)

	f.clock = start.Add(2 * time.Hour)
	res, err := f.recorder.CheckOut(ctx, checkOut("vol_1", anchorLat, anchorLng))
	require.NoError(t, err)
	assert.Equal(t, []string{geofence.FlagOutsideGeofence}, res.Entry.Flags)
	assert.Equal(t, 3, res.Entry.RiskScore)
}

func TestCheckOut_WithoutCheckIn(t *testing.T) {
	f := newFixture(t)
	_, err := f.recorder.CheckOut(context.Background(), checkOut("vol_1", anchorLat, anchorLng))
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "eventId", ve.Field)
}

func TestCheckOut_BeforeCheckIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.recorder.CheckIn(ctx, checkIn("vol_1", anchorLat, anchorLng))
	require.NoError(t, err)

	req := checkOut("vol_1", anchorLat, anchorLng)
	req.At = ptr(start.Add(-time.Hour))
	_, err = f.recorder.CheckOut(ctx, req)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	// The visit is still open.
	_, err = f.store.OpenVisit(ctx, "vol_1", "evt_1")
	assert.NoError(t, err)
}

func TestMergeFlags(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, mergeFlags([]string{"a", "b"}, []string{"b", "c"}))
	assert.Equal(t, []string{}, mergeFlags(nil, nil))
}

// flakyStore fails the next failCreate visit creations and every entry link.
type flakyStore struct {
	*MemoryStore
	failCreate atomic.Int32
	failLink   atomic.Bool
}

func (s *flakyStore) CreateVisit(ctx context.Context, v *Visit, checkIn *Sample) error {
	if s.failCreate.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return s.MemoryStore.CreateVisit(ctx, v, checkIn)
}

func (s *flakyStore) UpdateVisit(ctx context.Context, v *Visit) error {
	if s.failLink.Load() {
		return errors.New("connection reset")
	}
	return s.MemoryStore.UpdateVisit(ctx, v)
}

// flakySubmitter fails the next fail submissions.
type flakySubmitter struct {
	next  HourSubmitter
	fail  atomic.Int32
	calls atomic.Int32
}

func (f *flakySubmitter) Submit(ctx context.Context, req hours.SubmitRequest) (*hours.HourEntry, error) {
	f.calls.Add(1)
	if f.fail.Add(-1) >= 0 {
		return nil, errors.New("hours store unavailable")
	}
	return f.next.Submit(ctx, req)
}

func TestMemoryStore_DuplicateVisitWritesNoSample(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	first := &Visit{ID: "vis_1", VolunteerID: "vol_1", EventID: "evt_1", CheckInAt: start, Version: 1}
	require.NoError(t, store.CreateVisit(ctx, first, &Sample{ID: "smp_1", VisitID: "vis_1", VolunteerID: "vol_1", RecordedAt: start}))

	second := &Visit{ID: "vis_2", VolunteerID: "vol_1", EventID: "evt_1", CheckInAt: start, Version: 1}
	err := store.CreateVisit(ctx, second, &Sample{ID: "smp_2", VisitID: "vis_2", VolunteerID: "vol_1", RecordedAt: start})
	assert.ErrorIs(t, err, apperr.ErrDuplicateCheckIn)

	samples, err := store.ListSamples(ctx, "vis_2")
	require.NoError(t, err)
	assert.Empty(t, samples)
	_, err = store.GetVisit(ctx, "vis_2")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCheckIn_FailedWriteCanBeRetried(t *testing.T) {
	f := newFixture(t)
	store := &flakyStore{MemoryStore: f.store}
	store.failCreate.Store(1)
	f.recorder.store = store
	ctx := context.Background()

	_, err := f.recorder.CheckIn(ctx, checkIn("vol_1", anchorLat, anchorLng))
	require.Error(t, err)
	_, err = f.store.OpenVisit(ctx, "vol_1", "evt_1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	res, err := f.recorder.CheckIn(ctx, checkIn("vol_1", anchorLat, anchorLng))
	require.NoError(t, err)
	samples, err := f.recorder.Samples(ctx, res.Visit.ID)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, KindCheckIn, samples[0].Kind)
}

func TestCheckOut_FailedSubmitReopensVisit(t *testing.T) {
	f := newFixture(t)
	sub := &flakySubmitter{next: f.hours}
	sub.fail.Store(1)
	f.recorder.hours = sub
	ctx := context.Background()

	in, err := f.recorder.CheckIn(ctx, checkIn("vol_1", anchorLat, anchorLng))
	require.NoError(t, err)

	f.clock = start.Add(3 * time.Hour)
	_, err = f.recorder.CheckOut(ctx, checkOut("vol_1", anchorLat, anchorLng))
	require.Error(t, err)

	visit, err := f.store.OpenVisit(ctx, "vol_1", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, in.Visit.ID, visit.ID)
	samples, err := f.recorder.Samples(ctx, visit.ID)
	require.NoError(t, err)
	assert.Len(t, samples, 1)

	res, err := f.recorder.CheckOut(ctx, checkOut("vol_1", anchorLat, anchorLng))
	require.NoError(t, err)
	assert.Equal(t, in.Visit.ID, res.Visit.ID)
	assert.Equal(t, int32(2), sub.calls.Load())

	entries, err := f.hours.ListByVolunteer(ctx, "vol_1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCheckOut_LinkFailureNeverDuplicatesEntry(t *testing.T) {
	f := newFixture(t)
	store := &flakyStore{MemoryStore: f.store}
	f.recorder.store = store
	ctx := context.Background()

	_, err := f.recorder.CheckIn(ctx, checkIn("vol_1", anchorLat, anchorLng))
	require.NoError(t, err)

	store.failLink.Store(true)
	f.clock = start.Add(3 * time.Hour)
	res, err := f.recorder.CheckOut(ctx, checkOut("vol_1", anchorLat, anchorLng))
	require.NoError(t, err)
	require.NotNil(t, res.Entry)

	stored, err := f.store.GetVisit(ctx, res.Visit.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsOpen())

	// A retried check-out finds no open visit.
	_, err = f.recorder.CheckOut(ctx, checkOut("vol_1", anchorLat, anchorLng))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	entries, err := f.hours.ListByVolunteer(ctx, "vol_1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
