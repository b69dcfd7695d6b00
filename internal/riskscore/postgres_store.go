package riskscore

import (
	"context"
	"database/sql"
	"fmt"
)

// Compile-time assertion.
var _ AssessmentStore = (*PostgresStore)(nil)

// PostgresStore persists risk assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (
			id, token_id, risk, reputation_risk, staking_risk, claim_history_risk,
			tier, reputation_score, stake_amount, stake_verified, suggested_premium_bps, evaluated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		a.ID, int64(a.TokenID), int(a.Risk), int(a.ReputationRisk), int(a.StakingRisk), int(a.ClaimHistoryRisk),
		int(a.Tier), int64(a.ReputationScore), a.StakeAmount, a.StakeVerified, a.SuggestedPremiumBPS, a.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByToken(ctx context.Context, tokenID uint64, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, token_id, risk, reputation_risk, staking_risk, claim_history_risk,
		       tier, reputation_score, stake_amount, stake_verified, suggested_premium_bps, evaluated_at
		FROM risk_assessments
		WHERE token_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, int64(tokenID), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var (
			a                                        Assessment
			tok, score                               int64
			risk, repRisk, stakeRisk, histRisk, tier int
		)
		if err := rows.Scan(&a.ID, &tok, &risk, &repRisk, &stakeRisk, &histRisk,
			&tier, &score, &a.StakeAmount, &a.StakeVerified, &a.SuggestedPremiumBPS, &a.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk assessment: %w", err)
		}
		a.TokenID = uint64(tok)
		a.Risk = uint8(risk)
		a.ReputationRisk = uint8(repRisk)
		a.StakingRisk = uint8(stakeRisk)
		a.ClaimHistoryRisk = uint8(histRisk)
		a.Tier = uint8(tier)
		a.ReputationScore = uint64(score)
		result = append(result, &a)
	}
	return result, rows.Err()
}
