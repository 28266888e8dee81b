package certificates

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/circuitbreaker"
	"github.com/mbd888/voltrust/internal/events"
	"github.com/mbd888/voltrust/internal/hours"
	"github.com/mbd888/voltrust/internal/logging"
	"github.com/mbd888/voltrust/internal/metrics"
	"github.com/mbd888/voltrust/internal/risk"
	"github.com/mbd888/voltrust/internal/syncutil"
	"github.com/mbd888/voltrust/internal/traces"
)

// Circuit names for the outbound dependencies.
const (
	depAnchor  = "anchor"
	depArchive = "archive"
)

// HourLookup loads the hour entry a certificate attests.
type HourLookup interface {
	Get(ctx context.Context, id string) (*hours.HourEntry, error)
}

// EventLookup loads the event for its title and category code.
type EventLookup interface {
	Get(ctx context.Context, id string) (*events.Event, error)
}

// ComplianceLookup returns an organization's 0-100 compliance score.
type ComplianceLookup interface {
	ComplianceScore(ctx context.Context, orgID string) (float64, error)
}

// Config holds issuance and verification settings.
type Config struct {
	SerialPrefix  string
	VerifyTimeout time.Duration
	VerifyDomain  string
}

func (c Config) withDefaults() Config {
	if c.SerialPrefix == "" {
		c.SerialPrefix = "VT"
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 3 * time.Second
	}
	if c.VerifyDomain == "" {
		c.VerifyDomain = "voltrust.org"
	}
	return c
}

// Service issues, revokes and verifies certificates.
type Service struct {
	store    Store
	seq      Sequencer
	signer   Signer
	hours    HourLookup
	events   EventLookup
	orgs     ComplianceLookup
	risk     *risk.Engine
	anchorer Anchorer
	archiver Archiver
	breaker  *circuitbreaker.Breaker
	locks    *syncutil.KeyLock
	cfg      Config
	now      func() time.Time
}

// NewService creates a certificate service. orgs and riskEngine may be nil.
func NewService(store Store, seq Sequencer, signer Signer, hl HourLookup, ev EventLookup,
	orgs ComplianceLookup, riskEngine *risk.Engine, cfg Config) *Service {
	if riskEngine == nil {
		riskEngine = risk.NewEngine(nil)
	}
	return &Service{
		store:  store,
		seq:    seq,
		signer: signer,
		hours:  hl,
		events: ev,
		orgs:   orgs,
		risk:   riskEngine,
		locks:  syncutil.NewKeyLock(),
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

// WithAnchorer enables anchoring of payload hashes.
func (s *Service) WithAnchorer(a Anchorer) *Service {
	s.anchorer = a
	return s
}

// WithArchiver enables archiving of signed documents.
func (s *Service) WithArchiver(a Archiver) *Service {
	s.archiver = a
	return s
}

// WithBreaker guards the anchorer and archiver with b. While a circuit is
// open issuance skips that step and leaves the certificate for the retry
// worker.
func (s *Service) WithBreaker(b *circuitbreaker.Breaker) *Service {
	s.breaker = b
	return s
}

// guarded runs fn through the circuit for dep when a breaker is set.
func (s *Service) guarded(dep string, fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	return s.breaker.Do(dep, fn)
}

// Issue creates the certificate for an approved or adjusted hour entry.
func (s *Service) Issue(ctx context.Context, hourEntryID, issuerID string) (*Certificate, error) {
	ctx, span := traces.StartSpan(ctx, "certificates.Issue", traces.HourEntryID(hourEntryID))
	defer span.End()

	entry, err := s.hours.Get(ctx, hourEntryID)
	if err != nil {
		return nil, err
	}
	credited, ok := entry.CreditedHours()
	if !ok {
		metrics.IssuanceRejectedTotal.WithLabelValues("not_credited").Inc()
		return nil, apperr.Transition("hour_entry", entry.ID, string(entry.Status), "issue certificate")
	}
	ev, err := s.events.Get(ctx, entry.EventID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.VolunteerID(entry.VolunteerID), traces.EventID(entry.EventID))

	unlock, err := s.locks.Lock(ctx, syncutil.Key(entry.VolunteerID, entry.EventID))
	if err != nil {
		return nil, err
	}
	cert, canonical, err := s.issueLocked(ctx, entry, ev, credited, issuerID)
	unlock()
	if err != nil {
		traces.Fail(span, err)
		if errors.Is(err, apperr.ErrAlreadyIssued) {
			metrics.IssuanceRejectedTotal.WithLabelValues("already_issued").Inc()
		}
		return nil, err
	}

	metrics.CertificatesIssuedTotal.Inc()
	span.SetAttributes(traces.Serial(cert.Serial))
	logging.L(ctx).Info("certificate issued",
		"serial", cert.Serial, "hour_entry_id", entry.ID, "security_score", cert.SecurityScore)

	if s.anchorer != nil && !s.anchor(ctx, cert, canonical, entry) {
		metrics.PendingAnchors.Inc()
	}
	s.archive(ctx, cert)
	return cert, nil
}

func (s *Service) issueLocked(ctx context.Context, entry *hours.HourEntry, ev *events.Event, credited float64, issuerID string) (*Certificate, []byte, error) {
	existing, err := s.store.FindActive(ctx, entry.VolunteerID, entry.EventID)
	if err == nil {
		return nil, nil, fmt.Errorf("%w: %s", apperr.ErrAlreadyIssued, existing.Serial)
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, nil, err
	}

	now := s.now().UTC()
	seq, err := s.seq.Next(ctx, ev.CategoryCode, now.Year())
	if err != nil {
		return nil, nil, err
	}

	payload := Payload{
		Serial:      FormatSerial(s.cfg.SerialPrefix, ev.CategoryCode, now.Year(), seq),
		VolunteerID: entry.VolunteerID,
		EventID:     entry.EventID,
		Hours:       credited,
		IssueDate:   now.Format(issueDateLayout),
	}
	canonical, err := CanonicalPayload(payload)
	if err != nil {
		return nil, nil, err
	}
	sig, err := s.signer.Sign(canonical)
	if err != nil {
		return nil, nil, apperr.Signing(err)
	}

	assessment := s.risk.AssessCertificate(ctx, payload.Serial, s.securityInputs(ctx, entry, false))
	cert := &Certificate{
		Serial:         payload.Serial,
		HourEntryID:    entry.ID,
		VolunteerID:    entry.VolunteerID,
		VolunteerName:  entry.VolunteerName,
		EventID:        entry.EventID,
		EventTitle:     ev.Title,
		OrganizationID: entry.OrganizationID,
		CategoryCode:   ev.CategoryCode,
		Hours:          credited,
		IssueDate:      payload.IssueDate,
		Status:         s.initialStatus(),
		Algorithm:      s.signer.Algorithm(),
		KeyID:          s.signer.KeyID(),
		Signature:      hex.EncodeToString(sig),
		PayloadHash:    hex.EncodeToString(PayloadHash(canonical)),
		SecurityScore:  assessment.Score,
		SecurityLevel:  string(assessment.Level),
		FraudFlags:     append([]string{}, entry.Flags...),
		IssuedBy:       issuerID,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateIfAbsent(ctx, cert); err != nil {
		return nil, nil, err
	}
	return cert, canonical, nil
}

// initialStatus is pending_verification until the payload hash is anchored,
// when anchoring is enabled.
func (s *Service) initialStatus() Status {
	if s.anchorer != nil {
		return StatusPendingVerification
	}
	return StatusIssued
}

func (s *Service) securityInputs(ctx context.Context, entry *hours.HourEntry, anchored bool) risk.CertificateInputs {
	compliance := 0.0
	if s.orgs != nil && entry.OrganizationID != "" {
		score, err := s.orgs.ComplianceScore(ctx, entry.OrganizationID)
		if err != nil {
			logging.L(ctx).Warn("compliance lookup failed, scoring as 0",
				"organization_id", entry.OrganizationID, "error", err)
		} else {
			compliance = score
		}
	}
	return risk.CertificateInputs{
		EntryRiskScore:     entry.RiskScore,
		FraudFlags:         entry.Flags,
		Method:             string(entry.VerificationMethod),
		OrgComplianceScore: compliance,
		Anchored:           anchored,
	}
}

// anchor writes the payload hash externally. Failures leave the certificate
// unanchored for the retry worker.
func (s *Service) anchor(ctx context.Context, cert *Certificate, canonical []byte, entry *hours.HourEntry) bool {
	var txHash string
	err := s.guarded(depAnchor, func() error {
		var err error
		txHash, err = s.anchorer.Anchor(ctx, PayloadHash(canonical))
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		metrics.AnchorsTotal.WithLabelValues("skipped").Inc()
		return false
	}
	if err != nil {
		metrics.AnchorsTotal.WithLabelValues("failed").Inc()
		logging.L(ctx).Warn("certificate anchoring failed", "serial", cert.Serial, "error", err)
		return false
	}

	a := s.risk.AssessCertificate(ctx, cert.Serial, s.securityInputs(ctx, entry, true))
	at := s.now().UTC()
	if err := s.store.MarkAnchored(ctx, cert.Serial, txHash, at, a.Score, string(a.Level)); err != nil {
		logging.L(ctx).Warn("failed to record anchor", "serial", cert.Serial, "tx", txHash, "error", err)
		return false
	}
	metrics.AnchorsTotal.WithLabelValues("success").Inc()
	cert.AnchorTx = txHash
	cert.AnchoredAt = &at
	cert.SecurityScore = a.Score
	cert.SecurityLevel = string(a.Level)
	if cert.Status == StatusPendingVerification {
		cert.Status = StatusIssued
	}
	return true
}

// AnchorPending retries anchoring for up to limit unanchored certificates.
// It returns how many were anchored.
func (s *Service) AnchorPending(ctx context.Context, limit int) (int, error) {
	if s.anchorer == nil {
		return 0, nil
	}
	pending, err := s.store.ListUnanchored(ctx, limit)
	if err != nil {
		return 0, err
	}

	anchored := 0
	for _, c := range pending {
		if ctx.Err() != nil {
			break
		}
		entry, err := s.hours.Get(ctx, c.HourEntryID)
		if err != nil {
			logging.L(ctx).Warn("anchor retry: hour entry lookup failed", "serial", c.Serial, "error", err)
			continue
		}
		canonical, err := CanonicalPayload(c.Payload())
		if err != nil {
			continue
		}
		if s.anchor(ctx, c, canonical, entry) {
			anchored++
		}
	}
	metrics.PendingAnchors.Set(float64(len(pending) - anchored))
	return anchored, nil
}

func (s *Service) archive(ctx context.Context, cert *Certificate) {
	if s.archiver == nil {
		return
	}
	doc, err := json.Marshal(cert)
	if err != nil {
		return
	}
	var key string
	err = s.guarded(depArchive, func() error {
		var err error
		key, err = s.archiver.Archive(ctx, cert.Serial, doc)
		return err
	})
	if err != nil {
		logging.L(ctx).Warn("certificate archive failed", "serial", cert.Serial, "error", err)
		return
	}
	if err := s.store.SetArchiveKey(ctx, cert.Serial, key); err != nil {
		logging.L(ctx).Warn("failed to record archive key", "serial", cert.Serial, "error", err)
		return
	}
	cert.ArchiveKey = key
}

// Revoke permanently revokes a certificate. Revoking twice returns the
// already revoked certificate.
func (s *Service) Revoke(ctx context.Context, serial, reason, adminID string) (*Certificate, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Invalid("reason", "is required")
	}

	c, err := s.store.Get(ctx, serial)
	if err != nil {
		return nil, err
	}
	if c.IsRevoked() {
		return c, nil
	}

	unlock, err := s.locks.Lock(ctx, syncutil.Key(c.VolunteerID, c.EventID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err = s.store.Get(ctx, serial)
	if err != nil {
		return nil, err
	}
	if c.IsRevoked() {
		return c, nil
	}

	now := s.now().UTC()
	c.Status = StatusRevoked
	c.RevokedAt = &now
	c.RevokedBy = adminID
	c.RevocationReason = reason
	c.UpdatedAt = now
	if err := s.store.Update(ctx, c); err != nil {
		if errors.Is(err, apperr.ErrVersionConflict) {
			if cur, gerr := s.store.Get(ctx, serial); gerr == nil && cur.IsRevoked() {
				return cur, nil
			}
		}
		return nil, err
	}

	metrics.CertificatesRevokedTotal.Inc()
	logging.L(ctx).Info("certificate revoked", "serial", serial, "admin_id", adminID)
	return c, nil
}

// Get returns a certificate by serial.
func (s *Service) Get(ctx context.Context, serial string) (*Certificate, error) {
	return s.store.Get(ctx, serial)
}

// ListByVolunteer returns a volunteer's certificates, newest first.
func (s *Service) ListByVolunteer(ctx context.Context, volunteerID string, limit int) ([]*Certificate, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.store.ListByVolunteer(ctx, volunteerID, limit)
}

// VerifyURL is the public verification link encoded in QR codes.
func (s *Service) VerifyURL(serial string) string {
	return fmt.Sprintf("https://verify.%s/cert/%s", s.cfg.VerifyDomain, serial)
}
