package disputes

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/voltrust/internal/apperr"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	disputes map[string]*Dispute
	mu       sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := clone(d)
	m.disputes[d.ID] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, apperr.NotFound("dispute", id)
	}
	return clone(d), nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.disputes[d.ID]
	if !ok {
		return apperr.NotFound("dispute", d.ID)
	}
	if stored.Version != d.Version {
		return apperr.ErrVersionConflict
	}
	d.Version++
	m.disputes[d.ID] = clone(d)
	return nil
}

func (m *MemoryStore) ListBySubject(ctx context.Context, kind SubjectKind, subjectID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.SubjectKind == kind && d.SubjectID == subjectID {
			result = append(result, clone(d))
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.InvestigationStatus == status {
			result = append(result, clone(d))
		}
	}
	sortNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func clone(d *Dispute) *Dispute {
	cp := *d
	if d.AdjustedHours != nil {
		h := *d.AdjustedHours
		cp.AdjustedHours = &h
	}
	if d.ClosedAt != nil {
		t := *d.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

func sortNewestFirst(list []*Dispute) {
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
}
