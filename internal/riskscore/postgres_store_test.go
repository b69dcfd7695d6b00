package riskscore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Record(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	a := &Assessment{
		ID: "risk_1", TokenID: 9, Risk: 35, ReputationRisk: 35, StakingRisk: 20, ClaimHistoryRisk: 50,
		Tier: 3, ReputationScore: 410, StakeAmount: "10000.000000", StakeVerified: true,
		SuggestedPremiumBPS: 350, EvaluatedAt: now,
	}

	mock.ExpectExec("INSERT INTO risk_assessments").
		WithArgs("risk_1", int64(9), 35, 35, 20, 50, 3, int64(410), "10000.000000", true, 350, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, NewPostgresStore(db).Record(context.Background(), a))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListByToken(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "token_id", "risk", "reputation_risk", "staking_risk", "claim_history_risk",
		"tier", "reputation_score", "stake_amount", "stake_verified", "suggested_premium_bps", "evaluated_at",
	}).AddRow("risk_2", int64(9), 22, 10, 10, 50, 5, int64(900), "100000.000000", true, 220, now)

	mock.ExpectQuery("SELECT (.+) FROM risk_assessments").
		WithArgs(int64(9), 5).
		WillReturnRows(rows)

	list, err := NewPostgresStore(db).ListByToken(context.Background(), 9, 5)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint8(22), list[0].Risk)
	assert.Equal(t, uint8(5), list[0].Tier)
	assert.Equal(t, uint64(900), list[0].ReputationScore)
	require.NoError(t, mock.ExpectationsWereMet())
}
