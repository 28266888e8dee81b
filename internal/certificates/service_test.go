package certificates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/circuitbreaker"
	"github.com/mbd888/voltrust/internal/disputes"
	"github.com/mbd888/voltrust/internal/events"
	"github.com/mbd888/voltrust/internal/hours"
)

var testSeed = []byte("0123456789abcdef0123456789abcdef")

type fakeHours struct {
	mu      sync.Mutex
	entries map[string]*hours.HourEntry
}

func (f *fakeHours) Get(ctx context.Context, id string) (*hours.HourEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return nil, apperr.NotFound("hour entry", id)
	}
	cp := *e
	return &cp, nil
}

func (f *fakeHours) add(e *hours.HourEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.ID] = e
}

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

type fakeAnchorer struct {
	calls atomic.Int32
	err   error
}

func (a *fakeAnchorer) Anchor(ctx context.Context, hash []byte) (string, error) {
	a.calls.Add(1)
	if a.err != nil {
		return "", a.err
	}
	return fmt.Sprintf("0x%x", hash[:8]), nil
}

type fakeArchiver struct {
	docs map[string][]byte
	err  error
}

func (a *fakeArchiver) Archive(ctx context.Context, serial string, doc []byte) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.docs[serial] = doc
	return "certificates/" + serial + ".json", nil
}

type failingSigner struct{ Signer }

func (failingSigner) Sign([]byte) ([]byte, error) { return nil, errors.New("hsm unavailable") }

var issueDay = time.Date(2026, 5, 2, 18, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *Service
	store  *MemoryStore
	hours  *fakeHours
	signer Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	signer, err := NewEd25519Signer(testSeed)
	require.NoError(t, err)
	return newFixtureWithSigner(t, signer)
}

func newFixtureWithSigner(t *testing.T, signer Signer) *fixture {
	t.Helper()
	hl := &fakeHours{entries: make(map[string]*hours.HourEntry)}
	ev := fakeEvents{
		"evt_1": {ID: "evt_1", OrganizationID: "org_1", Title: "Beach Cleanup", CategoryCode: "ENV"},
		"evt_2": {ID: "evt_2", OrganizationID: "org_1", Title: "Food Bank", CategoryCode: "SOC"},
	}
	store := NewMemoryStore()
	svc := NewService(store, NewMemorySequencer(), signer, hl, ev, fakeCompliance(100), nil, Config{SerialPrefix: "UAE"})
	svc.now = func() time.Time { return issueDay }
	return &fixture{svc: svc, store: store, hours: hl, signer: signer}
}

func (f *fixture) approved(id, vol, event string, h float64) *hours.HourEntry {
	e := &hours.HourEntry{
		ID: id, VolunteerID: vol, VolunteerName: "Sam Rivera", EventID: event, OrganizationID: "org_1",
		SubmittedHours: h, ApprovedHours: &h, Status: hours.StatusApproved,
		VerificationMethod: hours.MethodGPS, Flags: []string{},
	}
	f.hours.add(e)
	return e
}

func TestIssue_ApprovedEntry(t *testing.T) {
	f := newFixture(t)
	f.approved("hrs_1", "vol_1", "evt_1", 4)

	cert, err := f.svc.Issue(context.Background(), "hrs_1", "admin_1")
	require.NoError(t, err)

	assert.Equal(t, "UAE-ENV-2026-000001", cert.Serial)
	assert.Equal(t, StatusIssued, cert.Status)
	assert.Equal(t, 4.0, cert.Hours)
	assert.Equal(t, "2026-05-02", cert.IssueDate)
	assert.Equal(t, "Beach Cleanup", cert.EventTitle)
	assert.Equal(t, AlgorithmEd25519, cert.Algorithm)
	assert.NotEmpty(t, cert.Signature)
	assert.Len(t, cert.PayloadHash, 64)
	assert.Greater(t, cert.SecurityScore, 0)
	assert.Empty(t, cert.AnchorTx)

	stored, err := f.store.Get(context.Background(), cert.Serial)
	require.NoError(t, err)
	assert.Equal(t, cert.Signature, stored.Signature)
}

func TestIssue_SerialsIncrementPerCategory(t *testing.T) {
	f := newFixture(t)
	f.approved("hrs_1", "vol_1", "evt_1", 2)
	f.approved("hrs_2", "vol_2", "evt_1", 2)
	f.approved("hrs_3", "vol_1", "evt_2", 2)

	var serials []string
	for _, id := range []string{"hrs_1", "hrs_2", "hrs_3"} {
		c, err := f.svc.Issue(context.Background(), id, "admin_1")
		require.NoError(t, err)
		serials = append(serials, c.Serial)
	}
	assert.Equal(t, []string{"UAE-ENV-2026-000001", "UAE-ENV-2026-000002", "UAE-SOC-2026-000001"}, serials)
}

func TestIssue_AdjustedUsesAdjustedHours(t *testing.T) {
	f := newFixture(t)
	adj := 3.0
	f.hours.add(&hours.HourEntry{
		ID: "hrs_1", VolunteerID: "vol_1", EventID: "evt_1", SubmittedHours: 5,
		AdjustedHours: &adj, Status: hours.StatusAdjusted, VerificationMethod: hours.MethodManual,
	})

	cert, err := f.svc.Issue(context.Background(), "hrs_1", "admin_1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, cert.Hours)
}

func TestIssue_RequiresCreditedEntry(t *testing.T) {
	f := newFixture(t)
	for _, st := range []hours.Status{hours.StatusPending, hours.StatusDisputed, hours.StatusRejected} {
		f.hours.add(&hours.HourEntry{ID: "hrs_" + string(st), VolunteerID: "vol_1", EventID: "evt_1", Status: st})
		_, err := f.svc.Issue(context.Background(), "hrs_"+string(st), "admin_1")
		assert.ErrorIs(t, err, apperr.ErrInvalidTransition, st)
	}

	_, err := f.svc.Issue(context.Background(), "hrs_missing", "admin_1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestIssue_AlreadyIssuedUntilRevoked(t *testing.T) {
	f := newFixture(t)
	f.approved("hrs_1", "vol_1", "evt_1", 4)
	ctx := context.Background()

	first, err := f.svc.Issue(ctx, "hrs_1", "admin_1")
	require.NoError(t, err)

	_, err = f.svc.Issue(ctx, "hrs_1", "admin_1")
	require.ErrorIs(t, err, apperr.ErrAlreadyIssued)
	assert.Contains(t, err.Error(), first.Serial)

	_, err = f.svc.Revoke(ctx, first.Serial, "issued against wrong event", "admin_1")
	require.NoError(t, err)

	second, err := f.svc.Issue(ctx, "hrs_1", "admin_1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Serial, second.Serial)
}

func TestIssue_ConcurrentAtMostOnce(t *testing.T) {
	f := newFixture(t)
	f.approved("hrs_1", "vol_1", "evt_1", 4)

	const workers = 50
	var ok, dup atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Issue(context.Background(), "hrs_1", "admin_1")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, apperr.ErrAlreadyIssued):
				dup.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(workers-1), dup.Load())

	list, err := f.store.ListByVolunteer(context.Background(), "vol_1", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestIssue_ConcurrentAcrossServicesSharedStore(t *testing.T) {
	f := newFixture(t)
	f.approved("hrs_1", "vol_1", "evt_1", 4)
	// Separate services have separate locks, so only the store guards issuance.
	other := NewService(f.store, NewMemorySequencer(), f.signer, f.hours, fakeEvents{
		"evt_1": {ID: "evt_1", Title: "Beach Cleanup", CategoryCode: "ENV2"},
	}, nil, nil, Config{})

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		svc := f.svc
		if i%2 == 1 {
			svc = other
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Issue(context.Background(), "hrs_1", "admin_1"); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
}

func TestIssue_SigningFailurePersistsNothing(t *testing.T) {
	signer, err := NewEd25519Signer(testSeed)
	require.NoError(t, err)
	f := newFixtureWithSigner(t, failingSigner{signer})
	f.approved("hrs_1", "vol_1", "evt_1", 4)

	_, err = f.svc.Issue(context.Background(), "hrs_1", "admin_1")
	require.ErrorIs(t, err, apperr.ErrSigning)

	_, err = f.store.FindActive(context.Background(), "vol_1", "evt_1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	list, _ := f.store.ListByVolunteer(context.Background(), "vol_1", 0)
	assert.Empty(t, list)
}

func TestIssue_AnchorSuccessRaisesScore(t *testing.T) {
	f := newFixture(t)
	f.approved("hrs_1", "vol_1", "evt_1", 4)
	f.approved("hrs_2", "vol_2", "evt_1", 4)

	plain, err := f.svc.Issue(context.Background(), "hrs_1", "admin_1")
	require.NoError(t, err)

	anchorer := &fakeAnchorer{}
	f.svc.WithAnchorer(anchorer)
	anchored, err := f.svc.Issue(context.Background(), "hrs_2", "admin_1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), anchorer.calls.Load())
	assert.Equal(t, StatusIssued, plain.Status)
	assert.Equal(t, StatusIssued, anchored.Status)
	assert.NotEmpty(t, anchored.AnchorTx)
	assert.NotNil(t, anchored.AnchoredAt)
	assert.Greater(t, anchored.SecurityScore, plain.SecurityScore)

	stored, err := f.store.Get(context.Background(), anchored.Serial)
	require.NoError(t, err)
	assert.Equal(t, anchored.AnchorTx, stored.AnchorTx)
	assert.Equal(t, anchored.SecurityScore, stored.SecurityScore)
}

func TestIssue_AnchorFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.approved("hrs_1", "vol_1", "evt_1", 4)
	anchorer := &fakeAnchorer{err: errors.New("rpc down")}
	f.svc.WithAnchorer(anchorer)

	cert, err := f.svc.Issue(context.Background(), "hrs_1", "admin_1")
	require.NoError(t, err)
	assert.Empty(t, cert.AnchorTx)
	assert.Equal(t, StatusPendingVerification, cert.Status)

	pending, err := f.store.ListUnanchored(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	anchorer.err = nil
	n, err := f.svc.AnchorPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.store.Get(context.Background(), cert.Serial)
	require.NoError(t, err)
	assert.True(t, stored.IsAnchored())
	assert.Equal(t, StatusIssued, stored.Status)
	assert.Greater(t, stored.SecurityScore, cert.SecurityScore)

	pending, _ = f.store.ListUnanchored(context.Background(), 10)
	assert.Empty(t, pending)
}

func TestIssue_OpenCircuitSkipsAnchor(t *testing.T) {
	f := newFixture(t)
	f.approved("hrs_1", "vol_1", "evt_1", 4)
	f.approved("hrs_2", "vol_2", "evt_1", 4)
	anchorer := &fakeAnchorer{err: errors.New("rpc down")}
	f.svc.WithAnchorer(anchorer).WithBreaker(circuitbreaker.New(1, time.Hour))

	_, err := f.svc.Issue(context.Background(), "hrs_1", "admin_1")
	require.NoError(t, err)
	_, err = f.svc.Issue(context.Background(), "hrs_2", "admin_1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), anchorer.calls.Load(), "second issuance skips the open circuit")
	pending, err := f.store.ListUnanchored(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestIssue_ArchivesSignedDocument(t *testing.T) {
	f := newFixture(t)
	f.approved("hrs_1", "vol_1", "evt_1", 4)
	archiver := &fakeArchiver{docs: make(map[string][]byte)}
	f.svc.WithArchiver(archiver)

	cert, err := f.svc.Issue(context.Background(), "hrs_1", "admin_1")
	require.NoError(t, err)
	assert.Equal(t, "certificates/"+cert.Serial+".json", cert.ArchiveKey)
	assert.Contains(t, string(archiver.docs[cert.Serial]), cert.Signature)

	archiver.err = errors.New("bucket missing")
	f.approved("hrs_2", "vol_2", "evt_1", 4)
	cert, err = f.svc.Issue(context.Background(), "hrs_2", "admin_1")
	require.NoError(t, err)
	assert.Empty(t, cert.ArchiveKey)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	f.approved("hrs_1", "vol_1", "evt_1", 4)
	ctx := context.Background()
	cert, err := f.svc.Issue(ctx, "hrs_1", "admin_1")
	require.NoError(t, err)

	_, err = f.svc.Revoke(ctx, cert.Serial, "  ", "admin_1")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	revoked, err := f.svc.Revoke(ctx, cert.Serial, "fraudulent attendance", "admin_1")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, revoked.Status)
	assert.Equal(t, "fraudulent attendance", revoked.RevocationReason)
	require.NotNil(t, revoked.RevokedAt)

	again, err := f.svc.Revoke(ctx, cert.Serial, "second attempt", "admin_2")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, again.Status)
	assert.Equal(t, "fraudulent attendance", again.RevocationReason)
	assert.Equal(t, "admin_1", again.RevokedBy)

	_, err = f.svc.Revoke(ctx, "UAE-ENV-2026-999999", "gone", "admin_1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestVerify_ValidRecordsAttempt(t *testing.T) {
	f := newFixture(t)
	f.approved("hrs_1", "vol_1", "evt_1", 4)
	ctx := context.Background()
	cert, err := f.svc.Issue(ctx, "hrs_1", "admin_1")
	require.NoError(t, err)

	res, err := f.svc.Verify(ctx, cert.Serial, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Reason)
	assert.Equal(t, StatusVerified, res.Status)
	assert.Equal(t, 1, res.VerificationAttempts)
	assert.Equal(t, "Beach Cleanup", res.EventTitle)

	p := cert.Payload()
	res, err = f.svc.Verify(ctx, cert.Serial, &p)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.VerificationAttempts)

	stored, _ := f.store.Get(ctx, cert.Serial)
	require.NotNil(t, stored.LastVerified)
	assert.Equal(t, StatusVerified, stored.Status)
}

func TestVerify_TamperedPayload(t *testing.T) {
	f := newFixture(t)
	f.approved("hrs_1", "vol_1", "evt_1", 4)
	ctx := context.Background()
	cert, err := f.svc.Issue(ctx, "hrs_1", "admin_1")
	require.NoError(t, err)

	p := cert.Payload()
	p.Hours = 40
	res, err := f.svc.Verify(ctx, cert.Serial, &p)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonTamper, res.Reason)

	// Stored row edited behind the service's back.
	f.store.mu.Lock()
	f.store.certs[cert.Serial].VolunteerID = "vol_2"
	f.store.mu.Unlock()
	res, err = f.svc.Verify(ctx, cert.Serial, nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonTamper, res.Reason)

	stored, _ := f.store.Get(ctx, cert.Serial)
	assert.Zero(t, stored.VerificationAttempts)
}

func TestVerify_RevokedDominatesValidSignature(t *testing.T) {
	f := newFixture(t)
	f.approved("hrs_1", "vol_1", "evt_1", 4)
	ctx := context.Background()
	cert, err := f.svc.Issue(ctx, "hrs_1", "admin_1")
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, cert.Serial, nil)
	require.NoError(t, err)

	_, err = f.svc.Revoke(ctx, cert.Serial, "duplicate claim", "admin_1")
	require.NoError(t, err)

	res, err := f.svc.Verify(ctx, cert.Serial, nil)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonRevoked, res.Reason)
	assert.Equal(t, StatusRevoked, res.Status)

	stored, _ := f.store.Get(ctx, cert.Serial)
	assert.Equal(t, 1, stored.VerificationAttempts)
}

func TestVerify_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Verify(context.Background(), "UAE-ENV-2026-000404", nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

type slowStore struct {
	*MemoryStore
	release chan struct{}
}

func (s slowStore) Get(ctx context.Context, serial string) (*Certificate, error) {
	<-s.release
	return s.MemoryStore.Get(ctx, serial)
}

func TestVerify_TimeoutFailsSafe(t *testing.T) {
	signer, err := NewEd25519Signer(testSeed)
	require.NoError(t, err)
	store := slowStore{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	defer close(store.release)

	svc := NewService(store, NewMemorySequencer(), signer, &fakeHours{}, fakeEvents{}, nil, nil,
		Config{VerifyTimeout: 20 * time.Millisecond})

	start := time.Now()
	res, err := svc.Verify(context.Background(), "UAE-ENV-2026-000001", nil)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.Less(t, time.Since(start), time.Second)
}

func TestVerify_HMACSigner(t *testing.T) {
	signer, err := NewHMACSigner([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)
	f := newFixtureWithSigner(t, signer)
	f.approved("hrs_1", "vol_1", "evt_1", 2.5)

	cert, err := f.svc.Issue(context.Background(), "hrs_1", "admin_1")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmHMACSHA256, cert.Algorithm)

	res, err := f.svc.Verify(context.Background(), cert.Serial, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestVerifyURL(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "https://verify.voltrust.org/cert/UAE-ENV-2026-000001", f.svc.VerifyURL("UAE-ENV-2026-000001"))
}

func TestEndToEnd_WithHourLifecycle(t *testing.T) {
	hourStore := hours.NewMemoryStore()
	hourSvc := hours.NewService(hourStore, nil)
	in := issueDay.Add(-4 * time.Hour)
	entry, err := hourSvc.Submit(context.Background(), hours.SubmitRequest{
		VolunteerID: "vol_1", EventID: "evt_1", OrganizationID: "org_1",
		CheckInAt: in, CheckOutAt: issueDay, ActualHours: 4, SubmittedHours: 4, Method: hours.MethodQRScan,
	})
	require.NoError(t, err)

	signer, err := NewEd25519Signer(testSeed)
	require.NoError(t, err)
	svc := NewService(NewMemoryStore(), NewMemorySequencer(), signer, hourSvc,
		fakeEvents{"evt_1": {ID: "evt_1", Title: "Tree Planting", CategoryCode: "ENV"}}, fakeCompliance(75), nil, Config{})

	_, err = svc.Issue(context.Background(), entry.ID, "admin_1")
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = hourSvc.Approve(context.Background(), entry.ID, "admin_1")
	require.NoError(t, err)

	cert, err := svc.Issue(context.Background(), entry.ID, "admin_1")
	require.NoError(t, err)
	assert.Equal(t, 4.0, cert.Hours)
	assert.True(t, strings.HasPrefix(cert.Serial, "VT-ENV-"))
}

func TestIssue_CarriesEntryFraudFlags(t *testing.T) {
	f := newFixture(t)
	e := f.approved("hrs_1", "vol_1", "evt_1", 4)
	e.Flags = []string{"outside-geofence", "hours-discrepancy"}

	cert, err := f.svc.Issue(context.Background(), "hrs_1", "admin_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"outside-geofence", "hours-discrepancy"}, cert.FraudFlags)

	stored, err := f.store.Get(context.Background(), cert.Serial)
	require.NoError(t, err)
	assert.Equal(t, cert.FraudFlags, stored.FraudFlags)

	f.approved("hrs_2", "vol_2", "evt_1", 4)
	clean, err := f.svc.Issue(context.Background(), "hrs_2", "admin_1")
	require.NoError(t, err)
	assert.NotNil(t, clean.FraudFlags)
	assert.Empty(t, clean.FraudFlags)
}

func TestIssue_ConcurrentDistinctEntriesGetDistinctSerials(t *testing.T) {
	f := newFixture(t)
	const n = 200
	for i := 0; i < n; i++ {
		event := "evt_1"
		if i%2 == 1 {
			event = "evt_2"
		}
		f.approved(fmt.Sprintf("hrs_%d", i), fmt.Sprintf("vol_%d", i), event, 2)
	}

	serials := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cert, err := f.svc.Issue(context.Background(), fmt.Sprintf("hrs_%d", i), "admin_1")
			if assert.NoError(t, err) {
				serials[i] = cert.Serial
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, serial := range serials {
		require.NotEmpty(t, serial)
		assert.False(t, seen[serial], "duplicate serial %s", serial)
		seen[serial] = true
	}
	assert.Len(t, seen, n)
}

// delayStore delays reads past the verify timeout.
type delayStore struct {
	*MemoryStore
	delay time.Duration
}

func (s delayStore) Get(ctx context.Context, serial string) (*Certificate, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.Get(ctx, serial)
}

func TestVerify_TimeoutLeavesCertificateUnchanged(t *testing.T) {
	f := newFixture(t)
	f.approved("hrs_1", "vol_1", "evt_1", 4)
	ctx := context.Background()
	cert, err := f.svc.Issue(ctx, "hrs_1", "admin_1")
	require.NoError(t, err)

	f.svc.store = delayStore{MemoryStore: f.store, delay: 60 * time.Millisecond}
	f.svc.cfg.VerifyTimeout = 20 * time.Millisecond

	res, err := f.svc.Verify(ctx, cert.Serial, nil)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonTimeout, res.Reason)

	// Give the abandoned read time to finish.
	time.Sleep(200 * time.Millisecond)
	stored, err := f.store.Get(ctx, cert.Serial)
	require.NoError(t, err)
	assert.Equal(t, StatusIssued, stored.Status)
	assert.Zero(t, stored.VerificationAttempts)
	assert.Nil(t, stored.LastVerified)
}

func TestMemoryStore_RecordVerificationHonoursContext(t *testing.T) {
	f := newFixture(t)
	f.approved("hrs_1", "vol_1", "evt_1", 4)
	cert, err := f.svc.Issue(context.Background(), "hrs_1", "admin_1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.store.RecordVerification(ctx, cert.Serial, issueDay)
	assert.ErrorIs(t, err, context.Canceled)

	stored, _ := f.store.Get(context.Background(), cert.Serial)
	assert.Zero(t, stored.VerificationAttempts)
}

type fakeModeration struct {
	decisions []disputes.Decision
}

func (f *fakeModeration) MarkDisputed(ctx context.Context, eventID, actorID, reason string) error {
	return nil
}

func (f *fakeModeration) ApplyResolution(ctx context.Context, eventID string, d disputes.Decision, resolverID, note string) error {
	f.decisions = append(f.decisions, d)
	return nil
}

func TestEventDispute_CertificatesFollowDispute(t *testing.T) {
	f := newFixture(t)
	f.approved("hrs_1", "vol_1", "evt_1", 4)
	f.approved("hrs_2", "vol_2", "evt_1", 3)
	f.approved("hrs_3", "vol_3", "evt_2", 5)
	ctx := context.Background()

	verified, err := f.svc.Issue(ctx, "hrs_1", "admin_1")
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, verified.Serial, nil)
	require.NoError(t, err)
	fresh, err := f.svc.Issue(ctx, "hrs_2", "admin_1")
	require.NoError(t, err)
	other, err := f.svc.Issue(ctx, "hrs_3", "admin_1")
	require.NoError(t, err)

	moderation := &fakeModeration{}
	resolver := disputes.NewResolver(disputes.NewMemoryStore(), nil, f.svc.EventDisputeActions(moderation))

	d, err := resolver.OpenEventDispute(ctx, disputes.OpenRequest{EventID: "evt_1", Reason: "event never happened"},
		disputes.RoleVolunteer, "vol_9")
	require.NoError(t, err)

	status := func(serial string) Status {
		c, err := f.store.Get(ctx, serial)
		require.NoError(t, err)
		return c.Status
	}
	assert.Equal(t, StatusDisputed, status(verified.Serial))
	assert.Equal(t, StatusDisputed, status(fresh.Serial))
	assert.Equal(t, StatusIssued, status(other.Serial))

	// Disputed certificates still verify and keep their status.
	res, err := f.svc.Verify(ctx, fresh.Serial, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, StatusDisputed, res.Status)

	_, err = resolver.Resolve(ctx, d.ID, disputes.ResolveRequest{Decision: disputes.DecisionUphold, Note: "attendance confirmed"}, "admin_1")
	require.NoError(t, err)
	assert.Equal(t, []disputes.Decision{disputes.DecisionUphold}, moderation.decisions)
	assert.Equal(t, StatusVerified, status(verified.Serial))
	assert.Equal(t, StatusVerified, status(fresh.Serial))
}

func TestEventDispute_DismissRestoresAndRejectKeepsDisputed(t *testing.T) {
	f := newFixture(t)
	f.approved("hrs_1", "vol_1", "evt_1", 4)
	ctx := context.Background()
	cert, err := f.svc.Issue(ctx, "hrs_1", "admin_1")
	require.NoError(t, err)

	resolver := disputes.NewResolver(disputes.NewMemoryStore(), nil, f.svc.EventDisputeActions(&fakeModeration{}))
	open := func() *disputes.Dispute {
		d, err := resolver.OpenEventDispute(ctx, disputes.OpenRequest{EventID: "evt_1", Reason: "suspicious"},
			disputes.RoleOrganization, "org_2")
		require.NoError(t, err)
		return d
	}

	d := open()
	_, err = resolver.Dismiss(ctx, d.ID, "no evidence", "admin_1")
	require.NoError(t, err)
	stored, _ := f.store.Get(ctx, cert.Serial)
	assert.Equal(t, StatusIssued, stored.Status)

	d = open()
	_, err = resolver.Resolve(ctx, d.ID, disputes.ResolveRequest{Decision: disputes.DecisionReject, Note: "fabricated"}, "admin_1")
	require.NoError(t, err)
	stored, _ = f.store.Get(ctx, cert.Serial)
	assert.Equal(t, StatusDisputed, stored.Status)

	// Revocation still applies and stays terminal.
	revoked, err := f.svc.Revoke(ctx, cert.Serial, "event fabricated", "admin_1")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, revoked.Status)
	n, err := f.svc.SetEventDisputed(ctx, "evt_1", false)
	require.NoError(t, err)
	assert.Zero(t, n)
	stored, _ = f.store.Get(ctx, cert.Serial)
	assert.Equal(t, StatusRevoked, stored.Status)
}
