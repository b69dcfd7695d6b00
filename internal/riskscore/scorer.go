package riskscore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/agentcover/internal/amount"
	"github.com/mbd888/agentcover/internal/idgen"
	"github.com/mbd888/agentcover/internal/metrics"
	"github.com/mbd888/agentcover/internal/traces"
)

// ErrNoReputation is returned when the reputation source has no record.
var ErrNoReputation = errors.New("riskscore: reputation not found")

// Scorer computes risk for a token from collaborator snapshots.
type Scorer struct {
	reputation ReputationSource
	stakes     StakeSource
	store      AssessmentStore
	logger     *slog.Logger
	now        func() time.Time
}

// NewScorer creates a scorer. store may be nil to skip the audit trail.
func NewScorer(reputation ReputationSource, stakes StakeSource, store AssessmentStore, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{
		reputation: reputation,
		stakes:     stakes,
		store:      store,
		logger:     logger,
		now:        time.Now,
	}
}

// CalculateRisk returns the weighted risk for tokenID in [0, 100].
func (s *Scorer) CalculateRisk(ctx context.Context, tokenID uint64) (uint8, error) {
	a, err := s.evaluate(ctx, tokenID)
	if err != nil {
		return 0, err
	}
	return a.Risk, nil
}

// Assess computes risk with its factor breakdown and records it.
// A failed record is logged, never returned.
func (s *Scorer) Assess(ctx context.Context, tokenID uint64) (*Assessment, error) {
	a, err := s.evaluate(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if s.store != nil {
		if err := s.store.Record(ctx, a); err != nil {
			s.logger.Warn("failed to record risk assessment", "tokenId", tokenID, "error", err)
		}
	}
	return a, nil
}

// History lists recorded assessments for tokenID, newest first.
func (s *Scorer) History(ctx context.Context, tokenID uint64, limit int) ([]*Assessment, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListByToken(ctx, tokenID, limit)
}

func (s *Scorer) evaluate(ctx context.Context, tokenID uint64) (*Assessment, error) {
	ctx, span := traces.StartSpan(ctx, "riskscore.Evaluate", traces.TokenID(tokenID))
	defer span.End()

	rep, err := s.reputation.GetReputation(ctx, tokenID)
	if err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("failed to read reputation for token %d: %w", tokenID, err)
	}
	if rep == nil {
		return nil, fmt.Errorf("%w: token %d", ErrNoReputation, tokenID)
	}
	stake, err := s.stakes.GetStakeInfo(ctx, tokenID)
	if err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("failed to read stake for token %d: %w", tokenID, err)
	}
	if stake == nil {
		stake = &StakeSnapshot{Amount: amount.Zero()}
	}

	repRisk := CalculateReputationRisk(rep.Tier, rep.Score)
	stakeRisk := CalculateStakingRisk(stake.Amount, stake.IsVerified)
	risk := CombineRisk(repRisk, stakeRisk, ClaimHistoryRisk)

	metrics.RiskScoreDistribution.Observe(float64(risk))

	return &Assessment{
		ID:                  idgen.WithPrefix("risk_"),
		TokenID:             tokenID,
		Risk:                risk,
		ReputationRisk:      repRisk,
		StakingRisk:         stakeRisk,
		ClaimHistoryRisk:    ClaimHistoryRisk,
		Tier:                rep.Tier,
		ReputationScore:     rep.Score,
		StakeAmount:         amount.Format(stake.Amount),
		StakeVerified:       stake.IsVerified,
		SuggestedPremiumBPS: SuggestPremiumBPS(risk),
		EvaluatedAt:         s.now(),
	}, nil
}
