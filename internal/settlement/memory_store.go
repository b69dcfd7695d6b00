package settlement

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps claims in memory. Reads return copies.
type MemoryStore struct {
	mu     sync.RWMutex
	claims map[string]*Claim
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{claims: make(map[string]*Claim)}
}

func (m *MemoryStore) Create(_ context.Context, c *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.claims[c.ID]; exists {
		return ErrInvalidClaim
	}
	m.claims[c.ID] = cloneClaim(c)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, ErrClaimNotFound
	}
	return cloneClaim(c), nil
}

func (m *MemoryStore) Update(_ context.Context, c *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[c.ID]; !ok {
		return ErrClaimNotFound
	}
	m.claims[c.ID] = cloneClaim(c)
	return nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Claim
	for _, c := range m.claims {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.TokenID != nil && c.TokenID != *f.TokenID {
			continue
		}
		if f.After != nil && !f.After.Follows(c.CreatedAt, c.ID) {
			continue
		}
		out = append(out, cloneClaim(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Claim
	for _, c := range m.claims {
		if c.Status == status {
			out = append(out, cloneClaim(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListDueVerdicts(_ context.Context, resolvedBefore time.Time, limit int) ([]*Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Claim
	for _, c := range m.claims {
		if c.Status != StatusResolved || c.VerdictApplied || c.ResolvedAt == nil || c.ResolvedAt.After(resolvedBefore) {
			continue
		}
		out = append(out, cloneClaim(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
