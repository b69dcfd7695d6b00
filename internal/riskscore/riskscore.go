// Package riskscore prices agent risk for insurance pools.
//
// A token's risk is a 0–100 value (lower is safer) built from three weighted
// factors: reputation tier (40%), verified stake size (30%) and claim history
// (30%). Claim history is a fixed placeholder until a real claim-history
// signal exists. All arithmetic is integer with floor division so results
// match the on-chain pricing exactly.
package riskscore

import (
	"context"
	"math/big"
	"time"

	"github.com/mbd888/agentcover/internal/amount"
)

// Factor weights in percent. They sum to 100.
const (
	WeightReputation   = 40
	WeightStaking      = 30
	WeightClaimHistory = 30
)

// ClaimHistoryRisk is the constant claim-history factor.
const ClaimHistoryRisk uint8 = 50

// MaxRisk is the upper bound of every risk value.
const MaxRisk uint8 = 100

// UnverifiedStakeRisk applies to any stake the vault has not verified.
const UnverifiedStakeRisk uint8 = 80

// Stake thresholds in settlement-token smallest units (6 decimals).
var (
	stakeTierHigh = amount.Units(100_000)
	stakeTierMid  = amount.Units(10_000)
	stakeTierLow  = amount.Units(1_000)
)

// ReputationSnapshot is the reputation collaborator's view of a token.
type ReputationSnapshot struct {
	TokenID        uint64 `json:"tokenId"`
	Score          uint64 `json:"score"`
	Tier           uint8  `json:"tier"`
	VerifiedProofs uint64 `json:"verifiedProofs"`
}

// StakeSnapshot is the custody vault's view of a token's stake.
type StakeSnapshot struct {
	Amount     *big.Int `json:"amount"`
	IsVerified bool     `json:"isVerified"`
}

// ReputationSource reads reputation snapshots.
type ReputationSource interface {
	GetReputation(ctx context.Context, tokenID uint64) (*ReputationSnapshot, error)
}

// StakeSource reads stake snapshots from the custody vault.
type StakeSource interface {
	GetStakeInfo(ctx context.Context, tokenID uint64) (*StakeSnapshot, error)
}

// Assessment is one recorded risk calculation with its factor breakdown.
type Assessment struct {
	ID                  string    `json:"id"`
	TokenID             uint64    `json:"tokenId"`
	Risk                uint8     `json:"risk"`
	ReputationRisk      uint8     `json:"reputationRisk"`
	StakingRisk         uint8     `json:"stakingRisk"`
	ClaimHistoryRisk    uint8     `json:"claimHistoryRisk"`
	Tier                uint8     `json:"tier"`
	ReputationScore     uint64    `json:"reputationScore"`
	StakeAmount         string    `json:"stakeAmount"`
	StakeVerified       bool      `json:"stakeVerified"`
	SuggestedPremiumBPS int       `json:"suggestedPremiumBps"`
	EvaluatedAt         time.Time `json:"evaluatedAt"`
}

// AssessmentStore persists assessments for audit.
type AssessmentStore interface {
	Record(ctx context.Context, a *Assessment) error
	ListByToken(ctx context.Context, tokenID uint64, limit int) ([]*Assessment, error)
}

// CalculateReputationRisk maps a reputation tier to risk. Lower tier means
// higher risk. The score is accepted for interface stability but unused.
func CalculateReputationRisk(tier uint8, score uint64) uint8 {
	_ = score
	switch {
	case tier >= 5:
		return 10
	case tier >= 4:
		return 20
	case tier >= 3:
		return 35
	case tier >= 2:
		return 50
	case tier >= 1:
		return 70
	default:
		return 90
	}
}

// CalculateStakingRisk maps a stake to risk. Unverified stakes are fixed at
// 80 regardless of size.
func CalculateStakingRisk(stake *big.Int, isVerified bool) uint8 {
	if !isVerified {
		return UnverifiedStakeRisk
	}
	if stake == nil {
		stake = new(big.Int)
	}
	switch {
	case stake.Cmp(stakeTierHigh) >= 0:
		return 10
	case stake.Cmp(stakeTierMid) >= 0:
		return 20
	case stake.Cmp(stakeTierLow) >= 0:
		return 50
	default:
		return 70
	}
}

// CombineRisk applies the factor weights, floors the division by 100 and
// clamps to MaxRisk.
func CombineRisk(reputationRisk, stakingRisk, claimHistoryRisk uint8) uint8 {
	sum := uint32(reputationRisk)*WeightReputation +
		uint32(stakingRisk)*WeightStaking +
		uint32(claimHistoryRisk)*WeightClaimHistory
	risk := sum / 100
	if risk > uint32(MaxRisk) {
		risk = uint32(MaxRisk)
	}
	return uint8(risk)
}

// SuggestPremiumBPS quotes a premium rate for a risk value: 10 bps per risk
// point, capped at 100%. Quotes are advisory; pools carry their own rate.
func SuggestPremiumBPS(risk uint8) int {
	bps := int(risk) * 10
	if bps > amount.MaxBPS {
		bps = amount.MaxBPS
	}
	return bps
}
