package pools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/agentcover/internal/amount"
	"github.com/mbd888/agentcover/internal/events"
	"github.com/mbd888/agentcover/internal/metrics"
	"github.com/mbd888/agentcover/internal/syncutil"
	"github.com/mbd888/agentcover/internal/traces"
)

// Service implements the pool ledger.
//
// Every operation on a pool runs under that pool's lock. Ledger state is
// written before any token transfer; a failed transfer is compensated
// before the lock is released, so no partial join or leave is observable.
// A transfer that was broadcast but not confirmed is never compensated: it
// may still settle, and reconciliation reports it if it does not.
type Service struct {
	store    Store
	identity IdentityRegistry
	token    SettlementToken
	custody  common.Address
	admins   map[common.Address]struct{}
	events   events.Publisher
	locks    *syncutil.ContextShardedMutex
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a pool ledger. custody receives stakes and premiums;
// admins may create pools and toggle their active flag.
func NewService(store Store, identity IdentityRegistry, token SettlementToken, custody common.Address, admins []common.Address, logger *slog.Logger) *Service {
	set := make(map[common.Address]struct{}, len(admins))
	for _, a := range admins {
		set[a] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		identity: identity,
		token:    token,
		custody:  custody,
		admins:   set,
		events:   events.Nop{},
		locks:    syncutil.NewContextShardedMutex(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithEvents sets the event publisher.
func (s *Service) WithEvents(p events.Publisher) *Service {
	if p != nil {
		s.events = p
	}
	return s
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IsAdmin reports whether addr may administer pools.
func (s *Service) IsAdmin(addr common.Address) bool {
	_, ok := s.admins[addr]
	return ok
}

// CreatePool registers a new active pool. Admin only.
func (s *Service) CreatePool(ctx context.Context, caller common.Address, name string, premiumRateBPS, riskLevel int) (*Pool, error) {
	ctx, err := enterLedger(ctx)
	if err != nil {
		return nil, err
	}
	if !s.IsAdmin(caller) {
		return nil, ErrNotAdmin
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	if premiumRateBPS < 0 || premiumRateBPS > MaxPremiumRateBPS {
		return nil, ErrInvalidPremiumRate
	}
	if riskLevel < 0 || riskLevel > MaxRiskLevel {
		return nil, ErrInvalidRiskLevel
	}

	pool, err := s.store.CreatePool(ctx, &Pool{
		Name:              name,
		TotalStaked:       amount.Zero(),
		TotalCoverage:     amount.Zero(),
		PremiumRateBPS:    premiumRateBPS,
		RiskLevel:         riskLevel,
		Active:            true,
		CreatedAt:         s.now().UTC(),
		PremiumsCollected: amount.Zero(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	metrics.PoolsCreatedTotal.Inc()
	s.logger.Info("pool created", "poolId", pool.ID, "name", pool.Name,
		"premiumRateBps", premiumRateBPS, "riskLevel", riskLevel)

	e := events.New(events.PoolCreated, map[string]any{
		"name":           pool.Name,
		"premiumRateBps": premiumRateBPS,
		"riskLevel":      riskLevel,
	})
	e.PoolID = pool.ID
	events.Emit(ctx, s.events, s.logger, e)

	return pool, nil
}

// SetPoolActive flips a pool's active flag. Admin only. Inactive pools
// reject joins; leaves and accrual claims still work.
func (s *Service) SetPoolActive(ctx context.Context, caller common.Address, poolID uint64, active bool) (*Pool, error) {
	ctx, err := enterLedger(ctx)
	if err != nil {
		return nil, err
	}
	if !s.IsAdmin(caller) {
		return nil, ErrNotAdmin
	}
	if err := checkIDs(poolID); err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockID(ctx, poolID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.store.SetPoolActive(ctx, poolID, active); err != nil {
		return nil, err
	}
	pool, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	e := events.New(events.PoolActiveChanged, map[string]any{"active": active})
	e.PoolID = poolID
	events.Emit(ctx, s.events, s.logger, e)

	return pool, nil
}

// JoinPool stakes tokenID into a pool. The caller must own the token and
// have approved custody for stake + premium.
func (s *Service) JoinPool(ctx context.Context, caller common.Address, poolID, tokenID uint64, stake *big.Int) (*Participant, error) {
	ctx, err := enterLedger(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkIDs(poolID, tokenID); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "pools.JoinPool",
		traces.PoolID(poolID), traces.TokenID(tokenID), traces.AgentAddr(caller.Hex()))
	defer span.End()

	unlock, err := s.locks.LockID(ctx, poolID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, premium, err := s.join(ctx, caller, poolID, tokenID, stake)
	if err != nil {
		metrics.PoolJoinsTotal.WithLabelValues(joinResult(err)).Inc()
		traces.Fail(span, err)
		return nil, err
	}

	metrics.PoolJoinsTotal.WithLabelValues("ok").Inc()
	premiumTokens, _ := new(big.Float).Quo(new(big.Float).SetInt(premium), big.NewFloat(1e6)).Float64()
	metrics.PremiumsCollectedTokens.Add(premiumTokens)

	return p, nil
}

func (s *Service) join(ctx context.Context, caller common.Address, poolID, tokenID uint64, stake *big.Int) (*Participant, *big.Int, error) {
	pool, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, nil, err
	}
	if !pool.Active {
		return nil, nil, ErrPoolNotActive
	}
	if _, err := s.store.GetParticipant(ctx, poolID, tokenID); err == nil {
		return nil, nil, ErrAlreadyParticipant
	} else if !errors.Is(err, ErrNotParticipant) {
		return nil, nil, err
	}
	if stake == nil || stake.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if err := s.requireOwner(ctx, caller, tokenID); err != nil {
		return nil, nil, err
	}

	existing, err := s.store.ListParticipants(ctx, poolID)
	if err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	premium := PremiumFor(stake, pool.PremiumRateBPS)
	required := new(big.Int).Add(stake, premium)
	rec := &JoinRecord{
		Participant: &Participant{
			PoolID:         poolID,
			TokenID:        tokenID,
			Owner:          strings.ToLower(caller.Hex()),
			StakeAmount:    amount.Clone(stake),
			CoverageAmount: amount.Clone(stake),
			PremiumPaid:    premium,
			JoinedAt:       now,
		},
		Premium: premium,
		Credits: DistributePremium(premium, pool.TotalStaked, existing, now),
	}

	if err := s.store.ApplyJoin(ctx, rec); err != nil {
		return nil, nil, fmt.Errorf("failed to record join: %w", err)
	}

	if err := s.token.TransferFrom(ctx, caller, s.custody, required); err != nil {
		if errors.Is(err, ErrTransferUnconfirmed) {
			s.logger.Error("CRITICAL: join transfer unconfirmed, participant kept pending reconciliation",
				"poolId", poolID, "tokenId", tokenID, "amount", amount.Format(required), "error", err)
			return nil, nil, fmt.Errorf("pulling %s from %s: %w", amount.Format(required), caller.Hex(), err)
		}
		if rbErr := s.store.RevertJoin(ctx, rec); rbErr != nil {
			s.logger.Error("CRITICAL: join transfer failed and revert failed",
				"poolId", poolID, "tokenId", tokenID, "transferError", err, "revertError", rbErr)
		}
		return nil, nil, fmt.Errorf("%w: pulling %s from %s: %w", ErrTransferFailed, amount.Format(required), caller.Hex(), err)
	}

	s.logger.Info("participant joined", "poolId", poolID, "tokenId", tokenID,
		"stake", amount.Format(stake), "premium", amount.Format(premium), "credits", len(rec.Credits))

	e := events.New(events.ParticipantJoined, map[string]any{
		"owner":   rec.Participant.Owner,
		"stake":   amount.Format(stake),
		"premium": amount.Format(premium),
	})
	e.PoolID, e.TokenID = poolID, tokenID
	events.Emit(ctx, s.events, s.logger, e)

	return cloneParticipant(rec.Participant), premium, nil
}

// LeavePool removes tokenID from a pool and refunds exactly its stake.
// The premium is never refunded.
func (s *Service) LeavePool(ctx context.Context, caller common.Address, poolID, tokenID uint64) (*big.Int, error) {
	ctx, err := enterLedger(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkIDs(poolID, tokenID); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "pools.LeavePool",
		traces.PoolID(poolID), traces.TokenID(tokenID), traces.AgentAddr(caller.Hex()))
	defer span.End()

	unlock, err := s.locks.LockID(ctx, poolID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	refund, err := s.leave(ctx, caller, poolID, tokenID)
	if err != nil {
		metrics.PoolLeavesTotal.WithLabelValues(joinResult(err)).Inc()
		traces.Fail(span, err)
		return nil, err
	}
	metrics.PoolLeavesTotal.WithLabelValues("ok").Inc()
	span.SetAttributes(traces.Amount(amount.Format(refund)))
	return refund, nil
}

func (s *Service) leave(ctx context.Context, caller common.Address, poolID, tokenID uint64) (*big.Int, error) {
	if _, err := s.store.GetPool(ctx, poolID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetParticipant(ctx, poolID, tokenID); err != nil {
		return nil, err
	}
	if err := s.requireOwner(ctx, caller, tokenID); err != nil {
		return nil, err
	}

	removed, err := s.store.RemoveParticipant(ctx, poolID, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to record leave: %w", err)
	}

	refund := amount.Clone(removed.StakeAmount)
	if err := s.token.Transfer(ctx, caller, refund); err != nil {
		if errors.Is(err, ErrTransferUnconfirmed) {
			s.logger.Error("CRITICAL: leave refund unconfirmed, participant stays removed pending reconciliation",
				"poolId", poolID, "tokenId", tokenID, "refund", amount.Format(refund), "error", err)
			return nil, fmt.Errorf("refunding %s to %s: %w", amount.Format(refund), caller.Hex(), err)
		}
		if rbErr := s.store.RestoreParticipant(ctx, removed); rbErr != nil {
			s.logger.Error("CRITICAL: leave refund failed and restore failed",
				"poolId", poolID, "tokenId", tokenID, "transferError", err, "restoreError", rbErr)
		}
		return nil, fmt.Errorf("%w: refunding %s to %s: %w", ErrTransferFailed, amount.Format(refund), caller.Hex(), err)
	}

	s.logger.Info("participant left", "poolId", poolID, "tokenId", tokenID, "refund", amount.Format(refund))

	e := events.New(events.ParticipantLeft, map[string]any{
		"owner":  strings.ToLower(caller.Hex()),
		"refund": amount.Format(refund),
	})
	e.PoolID, e.TokenID = poolID, tokenID
	events.Emit(ctx, s.events, s.logger, e)

	return refund, nil
}

// ClaimAccrual pays tokenID's accrued premium share to the token owner and
// zeroes it. Works whether or not the token is still a participant.
func (s *Service) ClaimAccrual(ctx context.Context, caller common.Address, poolID, tokenID uint64) (*big.Int, error) {
	ctx, err := enterLedger(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkIDs(poolID, tokenID); err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockID(ctx, poolID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.store.GetPool(ctx, poolID); err != nil {
		return nil, err
	}
	if err := s.requireOwner(ctx, caller, tokenID); err != nil {
		return nil, err
	}

	owed, err := s.store.TakeAccrual(ctx, poolID, tokenID)
	if err != nil {
		return nil, err
	}
	if owed.Sign() == 0 {
		return nil, ErrNothingAccrued
	}

	if err := s.token.Transfer(ctx, caller, owed); err != nil {
		if errors.Is(err, ErrTransferUnconfirmed) {
			s.logger.Error("CRITICAL: accrual payout unconfirmed, accrual stays zeroed pending reconciliation",
				"poolId", poolID, "tokenId", tokenID, "amount", amount.Format(owed), "error", err)
			return nil, fmt.Errorf("paying accrual %s to %s: %w", amount.Format(owed), caller.Hex(), err)
		}
		if rbErr := s.store.RestoreAccrual(ctx, poolID, tokenID, owed); rbErr != nil {
			s.logger.Error("CRITICAL: accrual payout failed and restore failed",
				"poolId", poolID, "tokenId", tokenID, "transferError", err, "restoreError", rbErr)
		}
		return nil, fmt.Errorf("%w: paying accrual %s to %s: %w", ErrTransferFailed, amount.Format(owed), caller.Hex(), err)
	}

	e := events.New(events.AccrualClaimed, map[string]any{"amount": amount.Format(owed)})
	e.PoolID, e.TokenID = poolID, tokenID
	events.Emit(ctx, s.events, s.logger, e)

	return owed, nil
}

// --- Reads ---

func (s *Service) GetPool(ctx context.Context, poolID uint64) (*Pool, error) {
	ctx, unlock, err := s.read(ctx, poolID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.store.GetPool(ctx, poolID)
}

func (s *Service) GetParticipant(ctx context.Context, poolID, tokenID uint64) (*Participant, error) {
	if err := checkIDs(tokenID); err != nil {
		return nil, err
	}
	ctx, unlock, err := s.read(ctx, poolID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.store.GetParticipant(ctx, poolID, tokenID)
}

func (s *Service) GetParticipantCount(ctx context.Context, poolID uint64) (int, error) {
	ctx, unlock, err := s.read(ctx, poolID)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return s.store.CountParticipants(ctx, poolID)
}

func (s *Service) ListParticipants(ctx context.Context, poolID uint64) ([]*Participant, error) {
	ctx, unlock, err := s.read(ctx, poolID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.store.ListParticipants(ctx, poolID)
}

func (s *Service) GetAccrual(ctx context.Context, poolID, tokenID uint64) (*Accrual, error) {
	if err := checkIDs(tokenID); err != nil {
		return nil, err
	}
	ctx, unlock, err := s.read(ctx, poolID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.store.GetAccrual(ctx, poolID, tokenID)
}

// ListPools returns pools ordered by id. It spans pools, so it reads
// without taking pool locks; each pool row is itself consistent.
func (s *Service) ListPools(ctx context.Context, limit int) ([]*Pool, error) {
	ctx, err := enterLedger(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.ListPools(ctx, limit)
}

// Snapshot returns a pool together with its participants, read under the
// pool lock so both reflect the same set of completed joins and leaves.
func (s *Service) Snapshot(ctx context.Context, poolID uint64) (*Pool, []*Participant, error) {
	ctx, unlock, err := s.read(ctx, poolID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()
	pool, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, nil, err
	}
	members, err := s.store.ListParticipants(ctx, poolID)
	if err != nil {
		return nil, nil, err
	}
	return pool, members, nil
}

func (s *Service) read(ctx context.Context, poolID uint64) (context.Context, func(), error) {
	ctx, err := enterLedger(ctx)
	if err != nil {
		return ctx, nil, err
	}
	if err := checkIDs(poolID); err != nil {
		return ctx, nil, err
	}
	unlock, err := s.locks.LockID(ctx, poolID)
	if err != nil {
		return ctx, nil, err
	}
	return ctx, unlock, nil
}

// requireOwner checks the identity registry: the owner must be non-zero
// and equal to caller.
func (s *Service) requireOwner(ctx context.Context, caller common.Address, tokenID uint64) error {
	owner, err := s.identity.OwnerOf(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("owner lookup for token %d: %w", tokenID, err)
	}
	if owner == (common.Address{}) || owner != caller {
		return ErrNotTokenOwner
	}
	return nil
}

func joinResult(err error) string {
	switch {
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrTransferUnconfirmed):
		return "unconfirmed"
	case errors.Is(err, ErrReentrantCall):
		return "reentrant"
	default:
		return "rejected"
	}
}
