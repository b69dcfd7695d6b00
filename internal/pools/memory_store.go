package pools

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/agentcover/internal/amount"
)

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)

type poolState struct {
	pool         *Pool
	index        []uint64       // token ids, swap-with-last on removal
	pos          map[uint64]int // token id → index position
	participants map[uint64]*Participant
}

type accrualKey struct {
	poolID  uint64
	tokenID uint64
}

// MemoryStore is an in-memory Store implementation for demo/testing.
type MemoryStore struct {
	mu       sync.RWMutex
	seq      uint64
	pools    map[uint64]*poolState
	accruals map[accrualKey]*Accrual
}

// NewMemoryStore creates a new in-memory pool store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:    make(map[uint64]*poolState),
		accruals: make(map[accrualKey]*Accrual),
	}
}

// --- Pools ---

func (m *MemoryStore) CreatePool(_ context.Context, pool *Pool) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	cp := clonePool(pool)
	cp.ID = m.seq
	m.pools[cp.ID] = &poolState{
		pool:         cp,
		pos:          make(map[uint64]int),
		participants: make(map[uint64]*Participant),
	}
	return clonePool(cp), nil
}

func (m *MemoryStore) GetPool(_ context.Context, id uint64) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.pools[id]
	if !ok {
		return nil, ErrPoolNotFound
	}
	return clonePool(st.pool), nil
}

func (m *MemoryStore) ListPools(_ context.Context, limit int) ([]*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Pool, 0, len(m.pools))
	for _, st := range m.pools {
		result = append(result, clonePool(st.pool))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) SetPoolActive(_ context.Context, id uint64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.pools[id]
	if !ok {
		return ErrPoolNotFound
	}
	st.pool.Active = active
	return nil
}

// --- Participants ---

func (m *MemoryStore) GetParticipant(_ context.Context, poolID, tokenID uint64) (*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.pools[poolID]
	if !ok {
		return nil, ErrPoolNotFound
	}
	p, ok := st.participants[tokenID]
	if !ok {
		return nil, ErrNotParticipant
	}
	return cloneParticipant(p), nil
}

func (m *MemoryStore) ListParticipants(_ context.Context, poolID uint64) ([]*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.pools[poolID]
	if !ok {
		return nil, ErrPoolNotFound
	}
	result := make([]*Participant, 0, len(st.index))
	for _, tokenID := range st.index {
		result = append(result, cloneParticipant(st.participants[tokenID]))
	}
	return result, nil
}

func (m *MemoryStore) CountParticipants(_ context.Context, poolID uint64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.pools[poolID]
	if !ok {
		return 0, ErrPoolNotFound
	}
	return len(st.index), nil
}

func (m *MemoryStore) ApplyJoin(_ context.Context, rec *JoinRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := rec.Participant
	st, ok := m.pools[p.PoolID]
	if !ok {
		return ErrPoolNotFound
	}
	if _, dup := st.participants[p.TokenID]; dup {
		return ErrAlreadyParticipant
	}

	st.participants[p.TokenID] = cloneParticipant(p)
	st.pos[p.TokenID] = len(st.index)
	st.index = append(st.index, p.TokenID)

	st.pool.TotalStaked.Add(st.pool.TotalStaked, p.StakeAmount)
	st.pool.TotalCoverage.Add(st.pool.TotalCoverage, p.CoverageAmount)
	st.pool.PremiumsCollected.Add(st.pool.PremiumsCollected, rec.Premium)

	for _, c := range rec.Credits {
		m.creditLocked(c.PoolID, c.TokenID, c.Amount, c.UpdatedAt)
	}
	return nil
}

func (m *MemoryStore) RevertJoin(_ context.Context, rec *JoinRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := rec.Participant
	st, ok := m.pools[p.PoolID]
	if !ok {
		return ErrPoolNotFound
	}
	if _, err := st.remove(p.TokenID); err != nil {
		return err
	}
	st.pool.PremiumsCollected.Sub(st.pool.PremiumsCollected, rec.Premium)

	for _, c := range rec.Credits {
		m.creditLocked(c.PoolID, c.TokenID, new(big.Int).Neg(c.Amount), c.UpdatedAt)
	}
	return nil
}

func (m *MemoryStore) RemoveParticipant(_ context.Context, poolID, tokenID uint64) (*Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.pools[poolID]
	if !ok {
		return nil, ErrPoolNotFound
	}
	p, err := st.remove(tokenID)
	if err != nil {
		return nil, err
	}
	return cloneParticipant(p), nil
}

func (m *MemoryStore) RestoreParticipant(_ context.Context, p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.pools[p.PoolID]
	if !ok {
		return ErrPoolNotFound
	}
	if _, dup := st.participants[p.TokenID]; dup {
		return ErrAlreadyParticipant
	}
	st.participants[p.TokenID] = cloneParticipant(p)
	st.pos[p.TokenID] = len(st.index)
	st.index = append(st.index, p.TokenID)
	st.pool.TotalStaked.Add(st.pool.TotalStaked, p.StakeAmount)
	st.pool.TotalCoverage.Add(st.pool.TotalCoverage, p.CoverageAmount)
	return nil
}

// remove evicts tokenID with swap-with-last-and-pop and decrements totals.
// Caller must hold m.mu.
func (st *poolState) remove(tokenID uint64) (*Participant, error) {
	p, ok := st.participants[tokenID]
	if !ok {
		return nil, ErrNotParticipant
	}
	i := st.pos[tokenID]
	last := len(st.index) - 1
	if i != last {
		moved := st.index[last]
		st.index[i] = moved
		st.pos[moved] = i
	}
	st.index = st.index[:last]
	delete(st.pos, tokenID)
	delete(st.participants, tokenID)

	st.pool.TotalStaked.Sub(st.pool.TotalStaked, p.StakeAmount)
	st.pool.TotalCoverage.Sub(st.pool.TotalCoverage, p.CoverageAmount)
	return p, nil
}

// --- Accruals ---

func (m *MemoryStore) GetAccrual(_ context.Context, poolID, tokenID uint64) (*Accrual, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.pools[poolID]; !ok {
		return nil, ErrPoolNotFound
	}
	a, ok := m.accruals[accrualKey{poolID, tokenID}]
	if !ok {
		return &Accrual{PoolID: poolID, TokenID: tokenID, Amount: amount.Zero()}, nil
	}
	cp := *a
	cp.Amount = amount.Clone(a.Amount)
	return &cp, nil
}

func (m *MemoryStore) TakeAccrual(_ context.Context, poolID, tokenID uint64) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[poolID]; !ok {
		return nil, ErrPoolNotFound
	}
	a, ok := m.accruals[accrualKey{poolID, tokenID}]
	if !ok {
		return amount.Zero(), nil
	}
	taken := amount.Clone(a.Amount)
	a.Amount = amount.Zero()
	a.UpdatedAt = time.Now()
	return taken, nil
}

func (m *MemoryStore) RestoreAccrual(_ context.Context, poolID, tokenID uint64, amt *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[poolID]; !ok {
		return ErrPoolNotFound
	}
	m.creditLocked(poolID, tokenID, amt, time.Now())
	return nil
}

// Caller must hold m.mu.
func (m *MemoryStore) creditLocked(poolID, tokenID uint64, delta *big.Int, at time.Time) {
	key := accrualKey{poolID, tokenID}
	a, ok := m.accruals[key]
	if !ok {
		a = &Accrual{PoolID: poolID, TokenID: tokenID, Amount: amount.Zero()}
		m.accruals[key] = a
	}
	a.Amount.Add(a.Amount, delta)
	a.UpdatedAt = at
}
