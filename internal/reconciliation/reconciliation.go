// Package reconciliation checks the pool ledger against itself and against
// the custody wallet's on-chain balance.
package reconciliation

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/agentcover/internal/amount"
	"github.com/mbd888/agentcover/internal/pools"
)

// maxPools bounds one run.
const maxPools = 10_000

// LedgerReader is the read side of the pool ledger. Snapshot returns a pool
// and its participants as of the same moment.
type LedgerReader interface {
	ListPools(ctx context.Context, limit int) ([]*pools.Pool, error)
	Snapshot(ctx context.Context, poolID uint64) (*pools.Pool, []*pools.Participant, error)
}

// BalanceSource returns a settlement-token balance.
type BalanceSource interface {
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
}

// PoolMismatch is a pool whose running totals disagree with its
// participants.
type PoolMismatch struct {
	PoolID           uint64 `json:"poolId"`
	TotalStaked      string `json:"totalStaked"`
	ParticipantStake string `json:"participantStake"`
	TotalCoverage    string `json:"totalCoverage"`
	ParticipantCover string `json:"participantCoverage"`
}

// SolvencyResult compares the custody balance with what the pools owe.
type SolvencyResult struct {
	Solvent        bool   `json:"solvent"`
	CustodyBalance string `json:"custodyBalance"`
	TotalStaked    string `json:"totalStaked"`
	Shortfall      string `json:"shortfall"`
}

// Report is the outcome of one run.
type Report struct {
	PoolsChecked int             `json:"poolsChecked"`
	Mismatches   []PoolMismatch  `json:"mismatches"`
	Solvency     *SolvencyResult `json:"solvency,omitempty"`
	Duration     time.Duration   `json:"duration"`
	CheckedAt    time.Time       `json:"checkedAt"`
}

// Healthy reports whether the run found nothing wrong.
func (r *Report) Healthy() bool {
	return len(r.Mismatches) == 0 && (r.Solvency == nil || r.Solvency.Solvent)
}

// Service performs reconciliation checks.
type Service struct {
	ledger  LedgerReader
	balance BalanceSource
	custody common.Address
	now     func() time.Time
}

// NewService creates a reconciliation service. With a nil balance source
// the solvency check is skipped.
func NewService(ledger LedgerReader, balance BalanceSource, custody common.Address) *Service {
	return &Service{ledger: ledger, balance: balance, custody: custody, now: time.Now}
}

// Run checks every pool's totals against its participants, then checks the
// custody wallet covers the summed stake. A shortfall is confirmed with a
// second pass before it is reported, since a leave that settles between
// the pool reads and the balance read looks like one.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := s.now()
	report, totalStaked, err := s.checkPools(ctx)
	if err != nil {
		return nil, err
	}

	if s.balance != nil {
		report.Solvency, err = s.solvency(ctx, totalStaked)
		if err != nil {
			return nil, err
		}
		if !report.Solvency.Solvent {
			report, totalStaked, err = s.checkPools(ctx)
			if err != nil {
				return nil, err
			}
			report.Solvency, err = s.solvency(ctx, totalStaked)
			if err != nil {
				return nil, err
			}
		}
	}

	report.CheckedAt = start.UTC()
	report.Duration = s.now().Sub(start)
	return report, nil
}

func (s *Service) checkPools(ctx context.Context) (*Report, *big.Int, error) {
	list, err := s.ledger.ListPools(ctx, maxPools)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list pools: %w", err)
	}

	report := &Report{Mismatches: []PoolMismatch{}}
	totalStaked := new(big.Int)
	for _, listed := range list {
		p, members, err := s.ledger.Snapshot(ctx, listed.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read pool %d: %w", listed.ID, err)
		}
		stake, cover := new(big.Int), new(big.Int)
		for _, m := range members {
			stake.Add(stake, m.StakeAmount)
			cover.Add(cover, m.CoverageAmount)
		}
		if stake.Cmp(orZero(p.TotalStaked)) != 0 || cover.Cmp(orZero(p.TotalCoverage)) != 0 {
			report.Mismatches = append(report.Mismatches, PoolMismatch{
				PoolID:           p.ID,
				TotalStaked:      amount.Format(p.TotalStaked),
				ParticipantStake: amount.Format(stake),
				TotalCoverage:    amount.Format(p.TotalCoverage),
				ParticipantCover: amount.Format(cover),
			})
		}
		totalStaked.Add(totalStaked, orZero(p.TotalStaked))
		report.PoolsChecked++
	}
	return report, totalStaked, nil
}

func (s *Service) solvency(ctx context.Context, totalStaked *big.Int) (*SolvencyResult, error) {
	bal, err := s.balance.BalanceOf(ctx, s.custody)
	if err != nil {
		return nil, fmt.Errorf("failed to read custody balance: %w", err)
	}
	shortfall := new(big.Int).Sub(totalStaked, bal)
	if shortfall.Sign() < 0 {
		shortfall.SetInt64(0)
	}
	return &SolvencyResult{
		Solvent:        shortfall.Sign() == 0,
		CustodyBalance: amount.Format(bal),
		TotalStaked:    amount.Format(totalStaked),
		Shortfall:      amount.Format(shortfall),
	}, nil
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
