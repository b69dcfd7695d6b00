package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/agentcover/internal/amount"
	"github.com/mbd888/agentcover/internal/riskscore"
)

var (
	ErrTokenNotMinted      = errors.New("chain: token not minted")
	ErrInsufficientBalance = errors.New("chain: insufficient balance")
)

// Memory is an in-process stand-in for all four collaborator contracts,
// used in development when no RPC endpoint is configured and in tests.
type Memory struct {
	mu         sync.RWMutex
	owners     map[uint64]common.Address
	reputation map[uint64]riskscore.ReputationSnapshot
	stakes     map[uint64]riskscore.StakeSnapshot
	balances   map[common.Address]*big.Int
	custody    common.Address
}

// NewMemory creates an empty in-memory chain whose Transfer pays out of
// custody.
func NewMemory(custody common.Address) *Memory {
	return &Memory{
		owners:     make(map[uint64]common.Address),
		reputation: make(map[uint64]riskscore.ReputationSnapshot),
		stakes:     make(map[uint64]riskscore.StakeSnapshot),
		balances:   make(map[common.Address]*big.Int),
		custody:    custody,
	}
}

// Custody returns the address Transfer pays out of.
func (m *Memory) Custody() common.Address { return m.custody }

// Mint assigns tokenID to owner.
func (m *Memory) Mint(tokenID uint64, owner common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[tokenID] = owner
}

// SetReputation records a reputation snapshot.
func (m *Memory) SetReputation(tokenID uint64, score uint64, tier uint8, verifiedProofs uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reputation[tokenID] = riskscore.ReputationSnapshot{
		TokenID:        tokenID,
		Score:          score,
		Tier:           tier,
		VerifiedProofs: verifiedProofs,
	}
}

// SetStake records a vault stake.
func (m *Memory) SetStake(tokenID uint64, amt *big.Int, verified bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stakes[tokenID] = riskscore.StakeSnapshot{Amount: amount.Clone(amt), IsVerified: verified}
}

// Fund credits addr with amt.
func (m *Memory) Fund(addr common.Address, amt *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] = new(big.Int).Add(m.balanceLocked(addr), amt)
}

// BalanceOf returns addr's balance.
func (m *Memory) BalanceOf(_ context.Context, addr common.Address) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return amount.Clone(m.balances[addr]), nil
}

// OwnerOf returns the token's owner, or ErrTokenNotMinted.
func (m *Memory) OwnerOf(_ context.Context, tokenID uint64) (common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.owners[tokenID]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %d", ErrTokenNotMinted, tokenID)
	}
	return owner, nil
}

// GetReputation returns the recorded snapshot. Unknown tokens have tier 0.
func (m *Memory) GetReputation(_ context.Context, tokenID uint64) (*riskscore.ReputationSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.reputation[tokenID]
	if !ok {
		return &riskscore.ReputationSnapshot{TokenID: tokenID}, nil
	}
	return &snap, nil
}

// GetStakeInfo returns the recorded stake. Unknown tokens have an
// unverified zero stake.
func (m *Memory) GetStakeInfo(_ context.Context, tokenID uint64) (*riskscore.StakeSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.stakes[tokenID]
	if !ok {
		return &riskscore.StakeSnapshot{Amount: amount.Zero()}, nil
	}
	return &riskscore.StakeSnapshot{Amount: amount.Clone(snap.Amount), IsVerified: snap.IsVerified}, nil
}

// TransferFrom moves amt from one balance to another. Allowances are not
// modelled.
func (m *Memory) TransferFrom(_ context.Context, from, to common.Address, amt *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveLocked(from, to, amt)
}

// Transfer pays amt out of custody.
func (m *Memory) Transfer(_ context.Context, to common.Address, amt *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveLocked(m.custody, to, amt)
}

func (m *Memory) moveLocked(from, to common.Address, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("chain: invalid transfer amount")
	}
	bal := m.balanceLocked(from)
	if bal.Cmp(amt) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), amount.Format(bal), amount.Format(amt))
	}
	m.balances[from] = new(big.Int).Sub(bal, amt)
	m.balances[to] = new(big.Int).Add(m.balanceLocked(to), amt)
	return nil
}

func (m *Memory) balanceLocked(addr common.Address) *big.Int {
	if b, ok := m.balances[addr]; ok {
		return b
	}
	return new(big.Int)
}
