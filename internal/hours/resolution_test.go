package hours

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/disputes"
)

func TestDisputeResolution_AdjustDrivesLifecycle(t *testing.T) {
	svc, ds := newTestService()
	resolver := disputes.NewResolver(ds, svc.DisputeActions(), nil)
	ctx := context.Background()

	e := submit(t, svc, MethodManual, 6)
	entry, d, err := svc.RaiseDispute(ctx, e.ID, disputes.RoleOrganization, "org_1", "early departure")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, entry.Status)

	three := 3.0
	resolved, err := resolver.Resolve(ctx, d.ID, disputes.ResolveRequest{
		Decision: disputes.DecisionAdjust, Note: "confirmed 3h only", AdjustedHours: &three,
	}, "admin_1")
	require.NoError(t, err)
	assert.Equal(t, disputes.StatusResolved, resolved.InvestigationStatus)
	assert.Equal(t, "confirmed 3h only", resolved.Resolution)

	got, err := svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAdjusted, got.Status)
	require.NotNil(t, got.AdjustedHours)
	assert.Equal(t, 3.0, *got.AdjustedHours)
	assert.Equal(t, "admin_1", got.ReviewerID)

	_, err = resolver.Resolve(ctx, d.ID, disputes.ResolveRequest{Decision: disputes.DecisionReject, Note: "x"}, "admin_2")
	assert.ErrorIs(t, err, apperr.ErrDisputeAlreadyClosed)
}

func TestDisputeResolution_UpholdApproves(t *testing.T) {
	svc, ds := newTestService()
	resolver := disputes.NewResolver(ds, svc.DisputeActions(), nil)
	ctx := context.Background()

	e := submit(t, svc, MethodWitness, 5)
	_, d, err := svc.RaiseDispute(ctx, e.ID, disputes.RoleVolunteer, "vol_1", "hours miscounted")
	require.NoError(t, err)

	_, err = resolver.Resolve(ctx, d.ID, disputes.ResolveRequest{Decision: disputes.DecisionUphold, Note: "witness confirmed"}, "admin_1")
	require.NoError(t, err)

	got, err := svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, 5.0, *got.ApprovedHours)
}

func TestDisputeResolution_DirectAdminChangeLeavesDisputeResolvable(t *testing.T) {
	svc, ds := newTestService()
	resolver := disputes.NewResolver(ds, svc.DisputeActions(), nil)
	ctx := context.Background()

	e := submit(t, svc, MethodManual, 6)
	_, d, err := svc.RaiseDispute(ctx, e.ID, disputes.RoleOrganization, "org_1", "early departure")
	require.NoError(t, err)

	// An admin tries to settle the entry outside the dispute.
	_, err = svc.Adjust(ctx, e.ID, 4, "time_tracking_error", "admin_2")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = svc.Reject(ctx, e.ID, "no-show", "admin_2")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	got, err := svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, got.Status)

	_, err = resolver.Resolve(ctx, d.ID, disputes.ResolveRequest{Decision: disputes.DecisionReject, Note: "no-show confirmed"}, "admin_1")
	require.NoError(t, err)

	got, err = svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, "no-show confirmed", got.ReviewNote)

	stored, err := ds.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, disputes.StatusResolved, stored.InvestigationStatus)
}

func TestDisputeResolution_ParentConflictKeepsDisputeOpen(t *testing.T) {
	svc, ds := newTestService()
	resolver := disputes.NewResolver(ds, svc.DisputeActions(), nil)
	ctx := context.Background()

	e := submit(t, svc, MethodManual, 6)
	_, d, err := svc.RaiseDispute(ctx, e.ID, disputes.RoleOrganization, "org_1", "early departure")
	require.NoError(t, err)

	// The entry is settled through the lifecycle hook before the claim lands.
	require.NoError(t, svc.DisputeActions().Reject(ctx, e.ID, "no-show", "admin_2"))

	_, err = resolver.Resolve(ctx, d.ID, disputes.ResolveRequest{Decision: disputes.DecisionUphold, Note: "ok"}, "admin_1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	stored, err := ds.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, disputes.StatusOpen, stored.InvestigationStatus)
}
