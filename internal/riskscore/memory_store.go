package riskscore

import (
	"context"
	"sync"
)

// Compile-time assertion.
var _ AssessmentStore = (*MemoryStore)(nil)

// MemoryStore is an in-memory AssessmentStore for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[uint64][]*Assessment // tokenID → assessments
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[uint64][]*Assessment),
	}
}

func (s *MemoryStore) Record(_ context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.assessments[a.TokenID] = append(s.assessments[a.TokenID], &cp)
	return nil
}

func (s *MemoryStore) ListByToken(_ context.Context, tokenID uint64, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[tokenID]
	if len(all) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}

	// Most recent first.
	result := make([]*Assessment, 0, limit)
	for i := len(all) - 1; i >= len(all)-limit; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}
