package hours

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/voltrust/internal/apperr"
)

// MemoryStore is an in-memory hour entry store for demo/development mode.
type MemoryStore struct {
	entries map[string]*HourEntry
	mu      sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory hour entry store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*HourEntry)}
}

func (m *MemoryStore) Create(ctx context.Context, e *HourEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[e.ID] = clone(e)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*HourEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, apperr.NotFound("hour entry", id)
	}
	return clone(e), nil
}

func (m *MemoryStore) Update(ctx context.Context, e *HourEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.entries[e.ID]
	if !ok {
		return apperr.NotFound("hour entry", e.ID)
	}
	if stored.Version != e.Version {
		return apperr.ErrVersionConflict
	}
	e.Version++
	m.entries[e.ID] = clone(e)
	return nil
}

func (m *MemoryStore) ListByVolunteer(ctx context.Context, volunteerID string, limit int) ([]*HourEntry, error) {
	return m.list(limit, func(e *HourEntry) bool { return e.VolunteerID == volunteerID }), nil
}

func (m *MemoryStore) ListByEvent(ctx context.Context, eventID string, limit int) ([]*HourEntry, error) {
	return m.list(limit, func(e *HourEntry) bool { return e.EventID == eventID }), nil
}

func (m *MemoryStore) list(limit int, match func(*HourEntry) bool) []*HourEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*HourEntry
	for _, e := range m.entries {
		if match(e) {
			result = append(result, clone(e))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// clone deep-copies pointers and slices so callers never share state with the map.
func clone(e *HourEntry) *HourEntry {
	cp := *e
	cp.CheckInAt = copyTime(e.CheckInAt)
	cp.CheckOutAt = copyTime(e.CheckOutAt)
	cp.ReviewedAt = copyTime(e.ReviewedAt)
	cp.ApprovedHours = copyFloat(e.ApprovedHours)
	cp.AdjustedHours = copyFloat(e.AdjustedHours)
	cp.Flags = append([]string(nil), e.Flags...)
	cp.Evidence.Photos = append([]string(nil), e.Evidence.Photos...)
	cp.Evidence.Documents = append([]string(nil), e.Evidence.Documents...)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
