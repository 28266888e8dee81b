// Package certificates issues signed volunteer-hour certificates and
// verifies them for third parties.
//
// A certificate is identified by its serial. At most one non-revoked
// certificate exists per (volunteer, event). The signature covers the
// RFC 8785 canonical form of Payload.
package certificates

import (
	"context"
	"time"
)

// Status of a certificate. Revoked is terminal.
//
// A certificate issued while anchoring is enabled starts pending_verification
// and becomes issued once its payload hash is anchored. The first successful
// verification moves issued to verified. While its event is under an open
// dispute a certificate is disputed; it still verifies, but relying parties
// see the status.
type Status string

const (
	StatusPendingVerification Status = "pending_verification"
	StatusIssued              Status = "issued"
	StatusVerified            Status = "verified"
	StatusDisputed            Status = "disputed"
	StatusRevoked             Status = "revoked"
)

// Verification failure reasons.
const (
	ReasonTamper  = "tamper"
	ReasonRevoked = "revoked"
	ReasonTimeout = "timeout"
)

// issueDateLayout is the calendar date format used in payloads.
const issueDateLayout = "2006-01-02"

// Payload is the signed content of a certificate.
type Payload struct {
	Serial      string  `json:"serial"`
	VolunteerID string  `json:"volunteerId"`
	EventID     string  `json:"eventId"`
	Hours       float64 `json:"hours"`
	IssueDate   string  `json:"issueDate"`
}

// Certificate is a signed attestation of credited volunteer hours.
type Certificate struct {
	Serial         string  `json:"serial"`
	HourEntryID    string  `json:"hourEntryId"`
	VolunteerID    string  `json:"volunteerId"`
	VolunteerName  string  `json:"volunteerName,omitempty"`
	EventID        string  `json:"eventId"`
	EventTitle     string  `json:"eventTitle"`
	OrganizationID string  `json:"organizationId,omitempty"`
	CategoryCode   string  `json:"categoryCode"`
	Hours          float64 `json:"hours"`
	IssueDate      string  `json:"issueDate"`
	Status         Status  `json:"status"`

	Algorithm   string `json:"algorithm"`
	KeyID       string `json:"keyId"`
	Signature   string `json:"signature"`
	PayloadHash string `json:"payloadHash"`

	SecurityScore int      `json:"securityScore"`
	SecurityLevel string   `json:"securityLevel"`
	FraudFlags    []string `json:"fraudFlags"`

	AnchorTx   string     `json:"anchorTx,omitempty"`
	AnchoredAt *time.Time `json:"anchoredAt,omitempty"`
	ArchiveKey string     `json:"archiveKey,omitempty"`

	VerificationAttempts int        `json:"verificationAttempts"`
	LastVerified         *time.Time `json:"lastVerified,omitempty"`

	RevokedAt        *time.Time `json:"revokedAt,omitempty"`
	RevokedBy        string     `json:"revokedBy,omitempty"`
	RevocationReason string     `json:"revocationReason,omitempty"`

	IssuedBy  string    `json:"issuedBy,omitempty"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Payload returns the signed content as stored.
func (c *Certificate) Payload() Payload {
	return Payload{
		Serial:      c.Serial,
		VolunteerID: c.VolunteerID,
		EventID:     c.EventID,
		Hours:       c.Hours,
		IssueDate:   c.IssueDate,
	}
}

// IsRevoked returns true once the certificate has been revoked.
func (c *Certificate) IsRevoked() bool {
	return c.Status == StatusRevoked
}

// IsAnchored reports whether the payload hash was written to the chain.
func (c *Certificate) IsAnchored() bool {
	return c.AnchorTx != ""
}

// VerifyResult is the public answer to a verification request.
type VerifyResult struct {
	Serial               string `json:"serial"`
	Valid                bool   `json:"valid"`
	Status               Status `json:"status,omitempty"`
	Reason               string `json:"reason,omitempty"`
	SecurityScore        int    `json:"securityScore,omitempty"`
	IssueDate            string `json:"issueDate,omitempty"`
	VolunteerName        string `json:"volunteerName,omitempty"`
	EventTitle           string `json:"eventTitle,omitempty"`
	VerificationAttempts int    `json:"verificationAttempts,omitempty"`
}

// Store persists certificates.
type Store interface {
	// CreateIfAbsent inserts c unless a non-revoked certificate exists for
	// the same volunteer and event, in which case it returns ErrAlreadyIssued.
	CreateIfAbsent(ctx context.Context, c *Certificate) error
	Get(ctx context.Context, serial string) (*Certificate, error)
	FindActive(ctx context.Context, volunteerID, eventID string) (*Certificate, error)
	// Update writes status and revocation fields if the version matches.
	Update(ctx context.Context, c *Certificate) error
	// RecordVerification counts a successful verification and moves an
	// issued certificate to verified. Revoked certificates are untouched.
	RecordVerification(ctx context.Context, serial string, at time.Time) (*Certificate, error)
	// MarkAnchored records the anchor and moves pending_verification to issued.
	MarkAnchored(ctx context.Context, serial, txHash string, at time.Time, securityScore int, securityLevel string) error
	SetArchiveKey(ctx context.Context, serial, key string) error
	ListByVolunteer(ctx context.Context, volunteerID string, limit int) ([]*Certificate, error)
	ListByEvent(ctx context.Context, eventID string, limit int) ([]*Certificate, error)
	ListUnanchored(ctx context.Context, limit int) ([]*Certificate, error)
}

// Sequencer hands out serial numbers per category and year. Values are
// unique; gaps are allowed.
type Sequencer interface {
	Next(ctx context.Context, category string, year int) (int64, error)
}

// Anchorer writes a payload hash to an external ledger.
type Anchorer interface {
	Anchor(ctx context.Context, payloadHash []byte) (txHash string, err error)
}

// Archiver stores the signed certificate document.
type Archiver interface {
	Archive(ctx context.Context, serial string, document []byte) (key string, err error)
}
