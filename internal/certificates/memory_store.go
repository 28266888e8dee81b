package certificates

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/syncutil"
)

// MemoryStore is an in-memory certificate store for demo/development mode.
type MemoryStore struct {
	certs  map[string]*Certificate
	active map[string]string // volunteer|event -> serial of the non-revoked certificate
	mu     sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory certificate store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		certs:  make(map[string]*Certificate),
		active: make(map[string]string),
	}
}

func (m *MemoryStore) CreateIfAbsent(ctx context.Context, c *Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := syncutil.Key(c.VolunteerID, c.EventID)
	if _, ok := m.active[k]; ok {
		return apperr.ErrAlreadyIssued
	}
	if _, ok := m.certs[c.Serial]; ok {
		return apperr.ErrAlreadyIssued
	}
	m.certs[c.Serial] = clone(c)
	m.active[k] = c.Serial
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, serial string) (*Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.certs[serial]
	if !ok {
		return nil, apperr.NotFound("certificate", serial)
	}
	return clone(c), nil
}

func (m *MemoryStore) FindActive(ctx context.Context, volunteerID, eventID string) (*Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	serial, ok := m.active[syncutil.Key(volunteerID, eventID)]
	if !ok {
		return nil, apperr.NotFound("certificate", volunteerID+"/"+eventID)
	}
	return clone(m.certs[serial]), nil
}

func (m *MemoryStore) Update(ctx context.Context, c *Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.certs[c.Serial]
	if !ok {
		return apperr.NotFound("certificate", c.Serial)
	}
	if stored.Version != c.Version {
		return apperr.ErrVersionConflict
	}

	next := clone(stored)
	next.Status = c.Status
	next.RevokedAt = c.RevokedAt
	next.RevokedBy = c.RevokedBy
	next.RevocationReason = c.RevocationReason
	next.UpdatedAt = c.UpdatedAt
	next.Version++
	m.certs[c.Serial] = next

	if next.IsRevoked() {
		k := syncutil.Key(next.VolunteerID, next.EventID)
		if m.active[k] == next.Serial {
			delete(m.active, k)
		}
	}
	*c = *clone(next)
	return nil
}

func (m *MemoryStore) RecordVerification(ctx context.Context, serial string, at time.Time) (*Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.certs[serial]
	if !ok {
		return nil, apperr.NotFound("certificate", serial)
	}
	if c.IsRevoked() {
		return clone(c), nil
	}
	c.VerificationAttempts++
	t := at
	c.LastVerified = &t
	if c.Status == StatusIssued {
		c.Status = StatusVerified
	}
	return clone(c), nil
}

func (m *MemoryStore) MarkAnchored(ctx context.Context, serial, txHash string, at time.Time, securityScore int, securityLevel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.certs[serial]
	if !ok {
		return apperr.NotFound("certificate", serial)
	}
	t := at
	c.AnchorTx = txHash
	c.AnchoredAt = &t
	c.SecurityScore = securityScore
	c.SecurityLevel = securityLevel
	if c.Status == StatusPendingVerification {
		c.Status = StatusIssued
	}
	return nil
}

func (m *MemoryStore) SetArchiveKey(ctx context.Context, serial, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.certs[serial]
	if !ok {
		return apperr.NotFound("certificate", serial)
	}
	c.ArchiveKey = key
	return nil
}

func (m *MemoryStore) ListByVolunteer(ctx context.Context, volunteerID string, limit int) ([]*Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Certificate
	for _, c := range m.certs {
		if c.VolunteerID == volunteerID {
			result = append(result, clone(c))
		}
	}
	return newestFirst(result, limit), nil
}

func (m *MemoryStore) ListByEvent(ctx context.Context, eventID string, limit int) ([]*Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Certificate
	for _, c := range m.certs {
		if c.EventID == eventID {
			result = append(result, clone(c))
		}
	}
	return newestFirst(result, limit), nil
}

func (m *MemoryStore) ListUnanchored(ctx context.Context, limit int) ([]*Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Certificate
	for _, c := range m.certs {
		if c.AnchorTx == "" && !c.IsRevoked() {
			result = append(result, clone(c))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func newestFirst(result []*Certificate, limit int) []*Certificate {
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func clone(c *Certificate) *Certificate {
	cp := *c
	cp.FraudFlags = append([]string{}, c.FraudFlags...)
	if c.AnchoredAt != nil {
		t := *c.AnchoredAt
		cp.AnchoredAt = &t
	}
	if c.LastVerified != nil {
		t := *c.LastVerified
		cp.LastVerified = &t
	}
	if c.RevokedAt != nil {
		t := *c.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}
