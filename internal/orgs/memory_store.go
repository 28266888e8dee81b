package orgs

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/voltrust/internal/apperr"
)

// MemoryStore is an in-memory organization store for demo/development mode.
type MemoryStore struct {
	orgs       map[string]*Organization
	volunteers map[string]map[string]struct{}
	mu         sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory organization store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:       make(map[string]*Organization),
		volunteers: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orgs[o.ID] = clone(o)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orgs[id]
	if !ok {
		return nil, apperr.NotFound("organization", id)
	}
	return clone(o), nil
}

func (m *MemoryStore) Update(ctx context.Context, o *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orgs[o.ID]
	if !ok {
		return apperr.NotFound("organization", o.ID)
	}
	if stored.Version != o.Version {
		return apperr.ErrVersionConflict
	}
	// Stats are owned by RecordHours/IncrementEvents.
	o.Stats = stored.Stats
	o.Version++
	m.orgs[o.ID] = clone(o)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Organization, 0, len(m.orgs))
	for _, o := range m.orgs {
		result = append(result, clone(o))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) RecordHours(ctx context.Context, orgID, volunteerID string, hours float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orgs[orgID]
	if !ok {
		return apperr.NotFound("organization", orgID)
	}
	seen := m.volunteers[orgID]
	if seen == nil {
		seen = make(map[string]struct{})
		m.volunteers[orgID] = seen
	}
	if _, ok := seen[volunteerID]; !ok {
		seen[volunteerID] = struct{}{}
		o.Stats.Volunteers++
	}
	o.Stats.TotalHours += hours
	return nil
}

func (m *MemoryStore) IncrementEvents(ctx context.Context, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orgs[orgID]
	if !ok {
		return apperr.NotFound("organization", orgID)
	}
	o.Stats.EventsHosted++
	return nil
}

func clone(o *Organization) *Organization {
	cp := *o
	if o.ScoreOverride != nil {
		v := *o.ScoreOverride
		cp.ScoreOverride = &v
	}
	if o.Moderation.ModeratedAt != nil {
		t := *o.Moderation.ModeratedAt
		cp.Moderation.ModeratedAt = &t
	}
	return &cp
}
