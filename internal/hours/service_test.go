package hours

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
)

type fakeStats struct {
	mu    sync.Mutex
	calls []float64
	err   error
}

func (f *fakeStats) RecordCreditedHours(ctx context.Context, orgID, volunteerID string, hours float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, hours)
	return f.err
}

func newTestService() (*Service, *disputes.MemoryStore) {
	ds := disputes.NewMemoryStore()
	return NewService(NewMemoryStore(), ds), ds
}

// submit creates a pending entry: check-in 13:00, check-out 17:00 (4h elapsed).
func submit(t *testing.T, svc *Service, method Method, submitted float64) *HourEntry {
	t.Helper()
	in := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	out := in.Add(4 * time.Hour)
	e, err := svc.Submit(context.Background(), SubmitRequest{
		VolunteerID:    "vol_1",
		EventID:        "evt_1",
		OrganizationID: "org_1",
		CheckInAt:      in,
		CheckOutAt:     out,
		ActualHours:    4,
		SubmittedHours: submitted,
		Method:         method,
	})
	require.NoError(t, err)
	return e
}

func TestSubmit_Validation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitRequest{Method: "telepathy", SubmittedHours: 1})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.Submit(ctx, SubmitRequest{Method: MethodGPS, SubmittedHours: 30})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestApprove_SetsApprovedHours(t *testing.T) {
	svc, _ := newTestService()
	e := submit(t, svc, MethodManual, 6)

	got, err := svc.Approve(context.Background(), e.ID, "admin_1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	require.NotNil(t, got.ApprovedHours)
	assert.Equal(t, 6.0, *got.ApprovedHours) // manual entries are not time-bound
	assert.Equal(t, "admin_1", got.ReviewerID)

	_, err = svc.Approve(context.Background(), e.ID, "admin_1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestApprove_CapsTimeBoundMethods(t *testing.T) {
	svc, _ := newTestService()
	e := submit(t, svc, MethodGPS, 6)

	got, err := svc.Approve(context.Background(), e.ID, "admin_1")
	require.NoError(t, err)
	require.NotNil(t, got.ApprovedHours)
	assert.Equal(t, 4.0, *got.ApprovedHours)
}

func TestAdjust_OnceOnly(t *testing.T) {
	svc, _ := newTestService()
	e := submit(t, svc, MethodQRScan, 6)
	ctx := context.Background()

	got, err := svc.Adjust(ctx, e.ID, 4, "time_tracking_error", "admin1")
	require.NoError(t, err)
	assert.Equal(t, StatusAdjusted, got.Status)
	require.NotNil(t, got.AdjustedHours)
	assert.Equal(t, 4.0, *got.AdjustedHours)

	_, err = svc.Adjust(ctx, e.ID, 3, "second thoughts", "admin1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	var te *apperr.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "adjusted", te.From)
}

func TestAdjust_RequiresReason(t *testing.T) {
	svc, _ := newTestService()
	e := submit(t, svc, MethodQRScan, 6)

	_, err := svc.Adjust(context.Background(), e.ID, 4, "  ", "admin1")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.Adjust(context.Background(), e.ID, -1, "typo", "admin1")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestReject(t *testing.T) {
	svc, _ := newTestService()
	e := submit(t, svc, MethodWitness, 3)
	ctx := context.Background()

	_, err := svc.Reject(ctx, e.ID, "", "admin1")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	got, err := svc.Reject(ctx, e.ID, "no evidence of attendance", "admin1")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.True(t, got.IsTerminal())

	_, err = svc.Approve(ctx, e.ID, "admin1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = svc.Adjust(ctx, e.ID, 1, "late fix", "admin1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestRaiseDispute(t *testing.T) {
	svc, ds := newTestService()
	e := submit(t, svc, MethodManual, 6)
	ctx := context.Background()

	got, d, err := svc.RaiseDispute(ctx, e.ID, disputes.RoleOrganization, "org_1", "early departure")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, got.Status)
	assert.Equal(t, d.ID, got.DisputeID)
	assert.Equal(t, disputes.StatusOpen, d.InvestigationStatus)

	stored, err := ds.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, stored.SubjectID)
	assert.Equal(t, disputes.SubjectHourEntry, stored.SubjectKind)

	// Only from pending
	_, _, err = svc.RaiseDispute(ctx, e.ID, disputes.RoleVolunteer, "vol_1", "again")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	// Disputed entries only move through their dispute
	_, err = svc.Approve(ctx, e.ID, "admin1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = svc.Adjust(ctx, e.ID, 3, "confirmed 3h only", "admin1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = svc.Reject(ctx, e.ID, "no-show", "admin1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	got, _ = svc.Get(ctx, e.ID)
	assert.Equal(t, StatusDisputed, got.Status)
}

func TestRaiseDispute_InvalidRole(t *testing.T) {
	svc, _ := newTestService()
	e := submit(t, svc, MethodManual, 6)

	_, _, err := svc.RaiseDispute(context.Background(), e.ID, "bystander", "x", "reason")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	got, _ := svc.Get(context.Background(), e.ID)
	assert.Equal(t, StatusPending, got.Status)
}

func TestUphold_OnlyFromDisputed(t *testing.T) {
	svc, _ := newTestService()
	e := submit(t, svc, MethodGPS, 6)
	ctx := context.Background()

	_, err := svc.Uphold(ctx, e.ID, "admin1", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, _, err = svc.RaiseDispute(ctx, e.ID, disputes.RoleOrganization, "org_1", "too many hours")
	require.NoError(t, err)

	got, err := svc.Uphold(ctx, e.ID, "admin1", "attendance verified")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, 4.0, *got.ApprovedHours) // still capped by elapsed time
	assert.Equal(t, "attendance verified", got.ReviewNote)
}

func TestStatsRecorder(t *testing.T) {
	svc, _ := newTestService()
	stats := &fakeStats{}
	svc.WithStats(stats)
	ctx := context.Background()

	a := submit(t, svc, MethodManual, 2)
	b := submit(t, svc, MethodManual, 5)
	_, err := svc.Approve(ctx, a.ID, "admin1")
	require.NoError(t, err)
	_, err = svc.Adjust(ctx, b.ID, 3, "partial", "admin1")
	require.NoError(t, err)

	assert.Equal(t, []float64{2, 3}, stats.calls)

	// Recorder failures don't fail the transition
	stats.err = errors.New("db down")
	c := submit(t, svc, MethodManual, 1)
	_, err = svc.Approve(ctx, c.ID, "admin1")
	assert.NoError(t, err)
}

func TestConcurrentTransitions_SingleWinner(t *testing.T) {
	svc, _ := newTestService()
	e := submit(t, svc, MethodManual, 6)
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = svc.Approve(ctx, e.ID, "admin1")
			} else {
				_, err = svc.Reject(ctx, e.ID, "duplicate", "admin2")
			}
			if err == nil {
				atomic.AddInt32(&wins, 1)
			} else {
				assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestGet_NotFound(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Get(context.Background(), "hrs_missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMemoryStore_VersionConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	e := &HourEntry{ID: "hrs_1", Status: StatusPending, Version: 1}
	require.NoError(t, store.Create(ctx, e))

	a, _ := store.Get(ctx, "hrs_1")
	b, _ := store.Get(ctx, "hrs_1")
	a.Status = StatusApproved
	require.NoError(t, store.Update(ctx, a))
	assert.Equal(t, 2, a.Version)

	b.Status = StatusRejected
	assert.ErrorIs(t, store.Update(ctx, b), apperr.ErrVersionConflict)
}

func TestLists(t *testing.T) {
	svc, _ := newTestService()
	submit(t, svc, MethodManual, 1)
	submit(t, svc, MethodManual, 2)

	list, err := svc.ListByVolunteer(context.Background(), "vol_1", 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = svc.ListByEvent(context.Background(), "evt_1", 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
