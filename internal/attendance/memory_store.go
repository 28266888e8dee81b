package attendance

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mbd888/voltrust/internal/apperr"
	"github.com/mbd888/voltrust/internal/syncutil"
)

// MemoryStore is an in-memory attendance store for demo/development mode.
type MemoryStore struct {
	visits  map[string]*Visit
	open    map[string]string // volunteer/event key -> visit ID
	samples []*Sample
	mu      sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory attendance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		visits: make(map[string]*Visit),
		open:   make(map[string]string),
	}
}

func (m *MemoryStore) CreateVisit(ctx context.Context, v *Visit, checkIn *Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := syncutil.Key(v.VolunteerID, v.EventID)
	if _, ok := m.open[key]; ok {
		return fmt.Errorf("volunteer %s at event %s: %w", v.VolunteerID, v.EventID, apperr.ErrDuplicateCheckIn)
	}
	m.visits[v.ID] = cloneVisit(v)
	if v.IsOpen() {
		m.open[key] = v.ID
	}
	m.samples = append(m.samples, cloneSample(checkIn))
	return nil
}

func (m *MemoryStore) GetVisit(ctx context.Context, id string) (*Visit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.visits[id]
	if !ok {
		return nil, apperr.NotFound("visit", id)
	}
	return cloneVisit(v), nil
}

func (m *MemoryStore) OpenVisit(ctx context.Context, volunteerID, eventID string) (*Visit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := syncutil.Key(volunteerID, eventID)
	id, ok := m.open[key]
	if !ok {
		return nil, apperr.NotFound("open visit", key)
	}
	return cloneVisit(m.visits[id]), nil
}

func (m *MemoryStore) UpdateVisit(ctx context.Context, v *Visit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateVisit(v)
}

func (m *MemoryStore) CloseVisit(ctx context.Context, v *Visit, checkOut *Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.updateVisit(v); err != nil {
		return err
	}
	m.samples = append(m.samples, cloneSample(checkOut))
	return nil
}

func (m *MemoryStore) ReopenVisit(ctx context.Context, v *Visit, checkOutSampleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := syncutil.Key(v.VolunteerID, v.EventID)
	if id, ok := m.open[key]; ok && id != v.ID {
		return fmt.Errorf("volunteer %s at event %s: %w", v.VolunteerID, v.EventID, apperr.ErrDuplicateCheckIn)
	}
	if err := m.updateVisit(v); err != nil {
		return err
	}
	kept := m.samples[:0]
	for _, s := range m.samples {
		if s.ID != checkOutSampleID {
			kept = append(kept, s)
		}
	}
	m.samples = kept
	return nil
}

// caller holds m.mu
func (m *MemoryStore) updateVisit(v *Visit) error {
	stored, ok := m.visits[v.ID]
	if !ok {
		return apperr.NotFound("visit", v.ID)
	}
	if stored.Version != v.Version {
		return apperr.ErrVersionConflict
	}
	v.Version++
	m.visits[v.ID] = cloneVisit(v)

	key := syncutil.Key(v.VolunteerID, v.EventID)
	if v.IsOpen() {
		m.open[key] = v.ID
	} else if m.open[key] == v.ID {
		delete(m.open, key)
	}
	return nil
}

func (m *MemoryStore) ListVisitsByEvent(ctx context.Context, eventID string, limit int) ([]*Visit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Visit
	for _, v := range m.visits {
		if v.EventID == eventID {
			result = append(result, cloneVisit(v))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CheckInAt.After(result[j].CheckInAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) LatestSample(ctx context.Context, volunteerID string) (*Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Sample
	for _, s := range m.samples {
		if s.VolunteerID != volunteerID {
			continue
		}
		if latest == nil || !s.RecordedAt.Before(latest.RecordedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, apperr.NotFound("sample", volunteerID)
	}
	return cloneSample(latest), nil
}

func (m *MemoryStore) ListSamples(ctx context.Context, visitID string) ([]*Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Sample
	for _, s := range m.samples {
		if s.VisitID == visitID {
			result = append(result, cloneSample(s))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].RecordedAt.Before(result[j].RecordedAt)
	})
	return result, nil
}

func cloneVisit(v *Visit) *Visit {
	cp := *v
	if v.CheckOutAt != nil {
		t := *v.CheckOutAt
		cp.CheckOutAt = &t
	}
	cp.Flags = append([]string(nil), v.Flags...)
	return &cp
}

func cloneSample(s *Sample) *Sample {
	cp := *s
	cp.Flags = append([]string(nil), s.Flags...)
	return &cp
}
