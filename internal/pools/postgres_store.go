package pools

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/agentcover/internal/amount"
)

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// PostgresStore persists pools in PostgreSQL. Amounts are NUMERIC(78,0)
// columns in smallest units. Every mutation locks the pool row first, so
// several server instances can share one database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL pool store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const poolColumns = `id, name, total_staked, total_coverage, premium_rate_bps, risk_level, active, created_at, premiums_collected`

const participantColumns = `pool_id, token_id, owner, stake_amount, coverage_amount, premium_paid, joined_at`

// --- Pools ---

func (s *PostgresStore) CreatePool(ctx context.Context, pool *Pool) (*Pool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO insurance_pools (name, total_staked, total_coverage, premium_rate_bps, risk_level, active, created_at, premiums_collected)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		pool.Name, rawString(pool.TotalStaked), rawString(pool.TotalCoverage),
		pool.PremiumRateBPS, pool.RiskLevel, pool.Active, pool.CreatedAt, rawString(pool.PremiumsCollected),
	).Scan(&id)
	if err != nil {
		return nil, err
	}
	cp := clonePool(pool)
	cp.ID = uint64(id)
	return cp, nil
}

func (s *PostgresStore) GetPool(ctx context.Context, id uint64) (*Pool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM insurance_pools WHERE id = $1`, int64(id))
	p, err := scanPool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPoolNotFound
	}
	return p, err
}

func (s *PostgresStore) ListPools(ctx context.Context, limit int) ([]*Pool, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+poolColumns+` FROM insurance_pools ORDER BY id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SetPoolActive(ctx context.Context, id uint64, active bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE insurance_pools SET active = $2 WHERE id = $1`, int64(id), active)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrPoolNotFound
	}
	return nil
}

// --- Participants ---

func (s *PostgresStore) GetParticipant(ctx context.Context, poolID, tokenID uint64) (*Participant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+participantColumns+` FROM pool_participants
		WHERE pool_id = $1 AND token_id = $2`, int64(poolID), int64(tokenID))
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, perr := s.GetPool(ctx, poolID); perr != nil {
			return nil, perr
		}
		return nil, ErrNotParticipant
	}
	return p, err
}

func (s *PostgresStore) ListParticipants(ctx context.Context, poolID uint64) ([]*Participant, error) {
	if _, err := s.GetPool(ctx, poolID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+participantColumns+` FROM pool_participants
		WHERE pool_id = $1 ORDER BY position ASC`, int64(poolID))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountParticipants(ctx context.Context, poolID uint64) (int, error) {
	if _, err := s.GetPool(ctx, poolID); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pool_participants WHERE pool_id = $1`, int64(poolID)).Scan(&n)
	return n, err
}

func (s *PostgresStore) ApplyJoin(ctx context.Context, rec *JoinRecord) error {
	p := rec.Participant
	return s.withPoolTx(ctx, p.PoolID, func(tx *sql.Tx) error {
		if err := insertParticipant(ctx, tx, p); err != nil {
			return err
		}
		if err := adjustTotals(ctx, tx, p.PoolID, p.StakeAmount, p.CoverageAmount, rec.Premium); err != nil {
			return err
		}
		for _, c := range rec.Credits {
			if err := creditAccrual(ctx, tx, c.PoolID, c.TokenID, c.Amount, c.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) RevertJoin(ctx context.Context, rec *JoinRecord) error {
	p := rec.Participant
	return s.withPoolTx(ctx, p.PoolID, func(tx *sql.Tx) error {
		removed, err := deleteParticipant(ctx, tx, p.PoolID, p.TokenID)
		if err != nil {
			return err
		}
		if err := adjustTotals(ctx, tx, p.PoolID, neg(removed.StakeAmount), neg(removed.CoverageAmount), neg(rec.Premium)); err != nil {
			return err
		}
		for _, c := range rec.Credits {
			if err := creditAccrual(ctx, tx, c.PoolID, c.TokenID, neg(c.Amount), c.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) RemoveParticipant(ctx context.Context, poolID, tokenID uint64) (*Participant, error) {
	var removed *Participant
	err := s.withPoolTx(ctx, poolID, func(tx *sql.Tx) error {
		var err error
		removed, err = deleteParticipant(ctx, tx, poolID, tokenID)
		if err != nil {
			return err
		}
		return adjustTotals(ctx, tx, poolID, neg(removed.StakeAmount), neg(removed.CoverageAmount), nil)
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *PostgresStore) RestoreParticipant(ctx context.Context, p *Participant) error {
	return s.withPoolTx(ctx, p.PoolID, func(tx *sql.Tx) error {
		if err := insertParticipant(ctx, tx, p); err != nil {
			return err
		}
		return adjustTotals(ctx, tx, p.PoolID, p.StakeAmount, p.CoverageAmount, nil)
	})
}

// --- Accruals ---

func (s *PostgresStore) GetAccrual(ctx context.Context, poolID, tokenID uint64) (*Accrual, error) {
	if _, err := s.GetPool(ctx, poolID); err != nil {
		return nil, err
	}
	a := &Accrual{PoolID: poolID, TokenID: tokenID}
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT amount, updated_at FROM pool_accruals
		WHERE pool_id = $1 AND token_id = $2`, int64(poolID), int64(tokenID),
	).Scan(&raw, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		a.Amount = amount.Zero()
		return a, nil
	}
	if err != nil {
		return nil, err
	}
	if a.Amount, err = parseNumeric(raw); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) TakeAccrual(ctx context.Context, poolID, tokenID uint64) (*big.Int, error) {
	taken := amount.Zero()
	err := s.withPoolTx(ctx, poolID, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `
			SELECT amount FROM pool_accruals
			WHERE pool_id = $1 AND token_id = $2 FOR UPDATE`, int64(poolID), int64(tokenID),
		).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if taken, err = parseNumeric(raw); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE pool_accruals SET amount = 0, updated_at = $3
			WHERE pool_id = $1 AND token_id = $2`, int64(poolID), int64(tokenID), time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return taken, nil
}

func (s *PostgresStore) RestoreAccrual(ctx context.Context, poolID, tokenID uint64, amt *big.Int) error {
	return s.withPoolTx(ctx, poolID, func(tx *sql.Tx) error {
		return creditAccrual(ctx, tx, poolID, tokenID, amt, time.Now().UTC())
	})
}

// --- helpers ---

// withPoolTx runs fn in a transaction holding the pool row lock.
func (s *PostgresStore) withPoolTx(ctx context.Context, poolID uint64, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM insurance_pools WHERE id = $1 FOR UPDATE`, int64(poolID)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrPoolNotFound
	}
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func insertParticipant(ctx context.Context, tx *sql.Tx, p *Participant) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pool_participants (pool_id, token_id, owner, stake_amount, coverage_amount, premium_paid, joined_at, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, (SELECT COUNT(*) FROM pool_participants WHERE pool_id = $1))`,
		int64(p.PoolID), int64(p.TokenID), p.Owner,
		rawString(p.StakeAmount), rawString(p.CoverageAmount), rawString(p.PremiumPaid), p.JoinedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrAlreadyParticipant
	}
	return err
}

// deleteParticipant removes the row and moves the last-positioned
// participant into the freed slot.
func deleteParticipant(ctx context.Context, tx *sql.Tx, poolID, tokenID uint64) (*Participant, error) {
	var position int
	row := tx.QueryRowContext(ctx, `
		DELETE FROM pool_participants WHERE pool_id = $1 AND token_id = $2
		RETURNING `+participantColumns+`, position`, int64(poolID), int64(tokenID))
	p, err := scanParticipant(row, &position)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotParticipant
	}
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE pool_participants SET position = $2
		WHERE pool_id = $1 AND position = (SELECT MAX(position) FROM pool_participants WHERE pool_id = $1)
		  AND position > $2`, int64(poolID), position)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// adjustTotals adds the deltas to the pool's running totals. A nil premium
// leaves premiums_collected untouched.
func adjustTotals(ctx context.Context, tx *sql.Tx, poolID uint64, staked, coverage, premium *big.Int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE insurance_pools
		SET total_staked = total_staked + $2,
		    total_coverage = total_coverage + $3,
		    premiums_collected = premiums_collected + $4
		WHERE id = $1`,
		int64(poolID), rawString(staked), rawString(coverage), rawString(premium))
	return err
}

func creditAccrual(ctx context.Context, tx *sql.Tx, poolID, tokenID uint64, delta *big.Int, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pool_accruals (pool_id, token_id, amount, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (pool_id, token_id)
		DO UPDATE SET amount = pool_accruals.amount + EXCLUDED.amount, updated_at = EXCLUDED.updated_at`,
		int64(poolID), int64(tokenID), rawString(delta), at)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPool(row scanner) (*Pool, error) {
	var (
		p                         Pool
		id                        int64
		staked, coverage, premium string
	)
	if err := row.Scan(&id, &p.Name, &staked, &coverage, &p.PremiumRateBPS, &p.RiskLevel,
		&p.Active, &p.CreatedAt, &premium); err != nil {
		return nil, err
	}
	p.ID = uint64(id)
	var err error
	if p.TotalStaked, err = parseNumeric(staked); err != nil {
		return nil, err
	}
	if p.TotalCoverage, err = parseNumeric(coverage); err != nil {
		return nil, err
	}
	if p.PremiumsCollected, err = parseNumeric(premium); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanParticipant(row scanner, extra ...any) (*Participant, error) {
	var (
		p                       Participant
		poolID, tokenID         int64
		stake, coverage, premium string
	)
	dest := append([]any{&poolID, &tokenID, &p.Owner, &stake, &coverage, &premium, &p.JoinedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	p.PoolID, p.TokenID = uint64(poolID), uint64(tokenID)
	var err error
	if p.StakeAmount, err = parseNumeric(stake); err != nil {
		return nil, err
	}
	if p.CoverageAmount, err = parseNumeric(coverage); err != nil {
		return nil, err
	}
	if p.PremiumPaid, err = parseNumeric(premium); err != nil {
		return nil, err
	}
	return &p, nil
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric amount %q", s)
	}
	return v, nil
}

func neg(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Neg(x)
}
