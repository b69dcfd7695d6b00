// Package pools implements the insurance pool ledger: risk-rated pools that
// agents join by staking collateral and paying a one-time premium.
//
// Flow:
//  1. An admin creates a pool with a premium rate and a risk level
//  2. A token owner joins: stake + premium are pulled into custody
//  3. The premium is shared pro-rata among participants already in the pool
//  4. A leaving participant gets the stake back; the premium is never refunded
//  5. Accrued premium shares can be claimed at any time, even after leaving
package pools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/agentcover/internal/amount"
)

// Errors
var (
	ErrPoolNotFound       = errors.New("pool not found")
	ErrPoolNotActive      = errors.New("pool is not active")
	ErrAlreadyParticipant = errors.New("token already participates in this pool")
	ErrNotParticipant     = errors.New("token is not a participant of this pool")
	ErrInvalidPremiumRate = errors.New("premium rate must be between 0 and 10000 bps")
	ErrInvalidRiskLevel   = errors.New("risk level must be between 0 and 100")
	ErrInvalidAmount      = errors.New("stake amount must be positive")
	ErrInvalidName        = errors.New("pool name is required")
	ErrNotAdmin           = errors.New("caller is not a ledger administrator")
	ErrNotTokenOwner      = errors.New("caller does not own this token")
	ErrNothingAccrued     = errors.New("no accrued premium to claim")
	ErrTransferFailed     = errors.New("settlement token transfer failed")
	ErrReentrantCall      = errors.New("reentrant call into pool ledger")
	ErrInvalidID          = errors.New("pool and token ids must not exceed 2^63-1")
)

// ErrTransferUnconfirmed means the transfer was broadcast but its outcome is
// unknown. It may still settle, so the ledger is not rolled back.
var ErrTransferUnconfirmed = errors.New("settlement token transfer sent but not confirmed")

// Bounds on pool parameters. Ids are stored as BIGINT.
const (
	MaxPremiumRateBPS = amount.MaxBPS
	MaxRiskLevel      = 100
	MaxID             = math.MaxInt64
)

// Pool is a named bucket of staked collateral priced at a common premium
// rate and risk level.
type Pool struct {
	ID                uint64
	Name              string
	TotalStaked       *big.Int
	TotalCoverage     *big.Int
	PremiumRateBPS    int
	RiskLevel         int
	Active            bool
	CreatedAt         time.Time
	PremiumsCollected *big.Int
}

// Participant is one token's stake position within one pool.
type Participant struct {
	PoolID         uint64
	TokenID        uint64
	Owner          string
	StakeAmount    *big.Int
	CoverageAmount *big.Int
	PremiumPaid    *big.Int
	JoinedAt       time.Time
}

// Accrual is the premium share credited to a token in a pool. It outlives
// the token's participation.
type Accrual struct {
	PoolID    uint64
	TokenID   uint64
	Amount    *big.Int
	UpdatedAt time.Time
}

// JoinRecord is everything a join writes, applied by the store in one
// transaction.
type JoinRecord struct {
	Participant *Participant
	Premium     *big.Int
	Credits     []Accrual // per existing participant, zero shares omitted
}

// IdentityRegistry resolves agent token ownership (ERC-721 ownerOf).
type IdentityRegistry interface {
	OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error)
}

// SettlementToken moves the stake/premium asset (ERC-20 semantics).
// TransferFrom pulls from an approved owner; Transfer pays out of custody.
// An error wrapping ErrTransferUnconfirmed means the transfer may still
// settle; any other error means no funds moved.
type SettlementToken interface {
	TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
}

// Store persists pools. Each mutating method is all-or-nothing.
type Store interface {
	// CreatePool assigns the next id from the store's own sequence.
	CreatePool(ctx context.Context, pool *Pool) (*Pool, error)
	GetPool(ctx context.Context, id uint64) (*Pool, error)
	ListPools(ctx context.Context, limit int) ([]*Pool, error)
	SetPoolActive(ctx context.Context, id uint64, active bool) error

	GetParticipant(ctx context.Context, poolID, tokenID uint64) (*Participant, error)
	// ListParticipants returns participants in index order.
	ListParticipants(ctx context.Context, poolID uint64) ([]*Participant, error)
	CountParticipants(ctx context.Context, poolID uint64) (int, error)

	// ApplyJoin inserts the participant, bumps pool totals and premiums and
	// credits accruals. RevertJoin undoes exactly that.
	ApplyJoin(ctx context.Context, rec *JoinRecord) error
	RevertJoin(ctx context.Context, rec *JoinRecord) error

	// RemoveParticipant deletes the participant (swap-with-last in the
	// index) and decrements pool totals, returning the removed position.
	RemoveParticipant(ctx context.Context, poolID, tokenID uint64) (*Participant, error)
	RestoreParticipant(ctx context.Context, p *Participant) error

	GetAccrual(ctx context.Context, poolID, tokenID uint64) (*Accrual, error)
	// TakeAccrual zeroes the accrual and returns the previous amount.
	TakeAccrual(ctx context.Context, poolID, tokenID uint64) (*big.Int, error)
	RestoreAccrual(ctx context.Context, poolID, tokenID uint64, amt *big.Int) error
}

// ValidID reports whether id fits the ledger's id range.
func ValidID(id uint64) bool { return id <= MaxID }

func checkIDs(ids ...uint64) error {
	for _, id := range ids {
		if !ValidID(id) {
			return fmt.Errorf("%w: %d", ErrInvalidID, id)
		}
	}
	return nil
}

// PremiumFor returns floor(stake × bps / 10000).
func PremiumFor(stake *big.Int, bps int) *big.Int {
	return amount.MulBPS(stake, bps)
}

// RequiredDeposit returns stake plus its premium: the amount a join debits.
func RequiredDeposit(stake *big.Int, bps int) *big.Int {
	return new(big.Int).Add(stake, PremiumFor(stake, bps))
}

// DistributePremium splits premium across the existing participants in
// proportion to their stake over totalBefore, flooring each share. Shares
// that round to zero are omitted; the remainder stays with the pool.
func DistributePremium(premium, totalBefore *big.Int, existing []*Participant, now time.Time) []Accrual {
	if premium.Sign() <= 0 || totalBefore == nil || totalBefore.Sign() <= 0 {
		return nil
	}
	credits := make([]Accrual, 0, len(existing))
	for _, p := range existing {
		share := amount.ProRata(premium, p.StakeAmount, totalBefore)
		if share.Sign() == 0 {
			continue
		}
		credits = append(credits, Accrual{
			PoolID:    p.PoolID,
			TokenID:   p.TokenID,
			Amount:    share,
			UpdatedAt: now,
		})
	}
	return credits
}

func clonePool(p *Pool) *Pool {
	cp := *p
	cp.TotalStaked = amount.Clone(p.TotalStaked)
	cp.TotalCoverage = amount.Clone(p.TotalCoverage)
	cp.PremiumsCollected = amount.Clone(p.PremiumsCollected)
	return &cp
}

func cloneParticipant(p *Participant) *Participant {
	cp := *p
	cp.StakeAmount = amount.Clone(p.StakeAmount)
	cp.CoverageAmount = amount.Clone(p.CoverageAmount)
	cp.PremiumPaid = amount.Clone(p.PremiumPaid)
	return &cp
}

// JSON views render amounts both as raw 6-decimal units and as decimal
// strings; raw units exceed JavaScript's safe integer range.

type poolJSON struct {
	ID                uint64    `json:"id"`
	Name              string    `json:"name"`
	TotalStaked       string    `json:"totalStaked"`
	TotalStakedRaw    string    `json:"totalStakedRaw"`
	TotalCoverage     string    `json:"totalCoverage"`
	PremiumRateBPS    int       `json:"premiumRateBps"`
	RiskLevel         int       `json:"riskLevel"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"createdAt"`
	PremiumsCollected string    `json:"premiumsCollected"`
}

// MarshalJSON renders amounts as decimal strings.
func (p *Pool) MarshalJSON() ([]byte, error) {
	return json.Marshal(poolJSON{
		ID:                p.ID,
		Name:              p.Name,
		TotalStaked:       amount.Format(p.TotalStaked),
		TotalStakedRaw:    rawString(p.TotalStaked),
		TotalCoverage:     amount.Format(p.TotalCoverage),
		PremiumRateBPS:    p.PremiumRateBPS,
		RiskLevel:         p.RiskLevel,
		Active:            p.Active,
		CreatedAt:         p.CreatedAt,
		PremiumsCollected: amount.Format(p.PremiumsCollected),
	})
}

type participantJSON struct {
	PoolID         uint64    `json:"poolId"`
	TokenID        uint64    `json:"tokenId"`
	Owner          string    `json:"owner"`
	StakeAmount    string    `json:"stakeAmount"`
	StakeAmountRaw string    `json:"stakeAmountRaw"`
	CoverageAmount string    `json:"coverageAmount"`
	PremiumPaid    string    `json:"premiumPaid"`
	JoinedAt       time.Time `json:"joinedAt"`
}

// MarshalJSON renders amounts as decimal strings.
func (p *Participant) MarshalJSON() ([]byte, error) {
	return json.Marshal(participantJSON{
		PoolID:         p.PoolID,
		TokenID:        p.TokenID,
		Owner:          p.Owner,
		StakeAmount:    amount.Format(p.StakeAmount),
		StakeAmountRaw: rawString(p.StakeAmount),
		CoverageAmount: amount.Format(p.CoverageAmount),
		PremiumPaid:    amount.Format(p.PremiumPaid),
		JoinedAt:       p.JoinedAt,
	})
}

// MarshalJSON renders the accrued amount as a decimal string.
func (a *Accrual) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		PoolID    uint64    `json:"poolId"`
		TokenID   uint64    `json:"tokenId"`
		Amount    string    `json:"amount"`
		UpdatedAt time.Time `json:"updatedAt,omitempty"`
	}{a.PoolID, a.TokenID, amount.Format(a.Amount), a.UpdatedAt})
}

func rawString(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}
