package events

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/voltrust/internal/apperr"
)

// MemoryStore is an in-memory event store for demo/development mode.
type MemoryStore struct {
	events map[string]*Event
	mu     sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Event)}
}

func (m *MemoryStore) Create(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[e.ID] = clone(e)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.events[id]
	if !ok {
		return nil, apperr.NotFound("event", id)
	}
	return clone(e), nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.events[e.ID]
	if !ok {
		return apperr.NotFound("event", e.ID)
	}
	if stored.Version != e.Version {
		return apperr.ErrVersionConflict
	}
	e.Version++
	m.events[e.ID] = clone(e)
	return nil
}

func (m *MemoryStore) ListByOrganization(ctx context.Context, orgID string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for _, e := range m.events {
		if e.OrganizationID == orgID {
			result = append(result, clone(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartsAt.After(result[j].StartsAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func clone(e *Event) *Event {
	cp := *e
	if e.Moderation.ModeratedAt != nil {
		t := *e.Moderation.ModeratedAt
		cp.Moderation.ModeratedAt = &t
	}
	return &cp
}
