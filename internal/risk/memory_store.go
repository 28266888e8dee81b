package risk

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment // subjectID → assessments
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]*Assessment),
	}
}

func (s *MemoryStore) Record(ctx context.Context, assessment *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.assessments[assessment.SubjectID] = append(s.assessments[assessment.SubjectID], cloneAssessment(assessment))
	return nil
}

func (s *MemoryStore) ListBySubject(ctx context.Context, subjectID string, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[subjectID]
	if len(all) == 0 {
		return nil, nil
	}

	// Most recent first, up to limit
	start := len(all) - limit
	if start < 0 {
		start = 0
	}

	result := make([]*Assessment, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		result = append(result, cloneAssessment(all[i]))
	}
	return result, nil
}

func cloneAssessment(a *Assessment) *Assessment {
	cp := *a
	cp.Factors = make(map[string]float64, len(a.Factors))
	for k, v := range a.Factors {
		cp.Factors[k] = v
	}
	return &cp
}
