package certificates

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/mbd888/voltrust/internal/logging"
	"github.com/mbd888/voltrust/internal/metrics"
	"github.com/mbd888/voltrust/internal/traces"
)

const resultValid = "valid"

type verifyOutcome struct {
	result *VerifyResult
	// record is set when the signature checks out and the attempt should
	// be counted.
	record bool
	err    error
}

// Verify checks a certificate's signature and status. presented, when set,
// is the payload the caller holds; otherwise the stored payload is checked.
// A missing certificate is an error. Exceeding the verify timeout yields an
// invalid result with reason "timeout" and leaves the certificate unchanged.
func (s *Service) Verify(ctx context.Context, serial string, presented *Payload) (*VerifyResult, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "certificates.Verify", traces.Serial(serial))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
	defer cancel()

	// The background check only reads; the attempt is recorded here, once
	// the check has finished inside the deadline.
	done := make(chan verifyOutcome, 1)
	go func() {
		done <- s.check(ctx, serial, presented)
	}()

	var out verifyOutcome
	select {
	case out = <-done:
		if out.err == nil && out.record {
			out = s.record(ctx, out.result)
		}
		if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out = timedOut(ctx, serial)
		}
	case <-ctx.Done():
		out = timedOut(ctx, serial)
	}
	metrics.VerificationDuration.Observe(time.Since(start).Seconds())

	if out.err != nil {
		metrics.VerificationsTotal.WithLabelValues("error").Inc()
		traces.Fail(span, out.err)
		return nil, out.err
	}
	label := out.result.Reason
	if out.result.Valid {
		label = resultValid
	}
	metrics.VerificationsTotal.WithLabelValues(label).Inc()
	span.SetAttributes(traces.Outcome(label))
	return out.result, nil
}

func timedOut(ctx context.Context, serial string) verifyOutcome {
	logging.L(ctx).Warn("certificate verification timed out", "serial", serial)
	return verifyOutcome{result: &VerifyResult{Serial: serial, Valid: false, Reason: ReasonTimeout}}
}

// check loads the certificate and tests the signature and revocation. It
// never writes.
func (s *Service) check(ctx context.Context, serial string, presented *Payload) verifyOutcome {
	c, err := s.store.Get(ctx, serial)
	if err != nil {
		return verifyOutcome{err: err}
	}

	payload := c.Payload()
	if presented != nil {
		payload = *presented
	}
	res := &VerifyResult{
		Serial:        c.Serial,
		Status:        c.Status,
		SecurityScore: c.SecurityScore,
		IssueDate:     c.IssueDate,
		VolunteerName: c.VolunteerName,
		EventTitle:    c.EventTitle,
	}

	if !s.signatureMatches(payload, c) {
		res.Reason = ReasonTamper
		return verifyOutcome{result: res}
	}
	if c.IsRevoked() {
		res.Reason = ReasonRevoked
		return verifyOutcome{result: res}
	}
	return verifyOutcome{result: res, record: true}
}

// record counts a successful verification unless the deadline has passed.
func (s *Service) record(ctx context.Context, res *VerifyResult) verifyOutcome {
	if err := ctx.Err(); err != nil {
		return verifyOutcome{err: err}
	}
	updated, err := s.store.RecordVerification(ctx, res.Serial, s.now().UTC())
	if err != nil {
		return verifyOutcome{err: err}
	}
	res.Status = updated.Status
	// Revoked between the read and the update.
	if updated.IsRevoked() {
		res.Reason = ReasonRevoked
		return verifyOutcome{result: res}
	}
	res.Valid = true
	res.VerificationAttempts = updated.VerificationAttempts
	return verifyOutcome{result: res}
}

func (s *Service) signatureMatches(p Payload, c *Certificate) bool {
	if p.Serial != c.Serial {
		return false
	}
	canonical, err := CanonicalPayload(p)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(c.Signature)
	if err != nil {
		return false
	}
	return s.signer.Verify(canonical, sig)
}
