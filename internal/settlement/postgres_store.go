package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists claims in the settlement_claims table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL claim store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const claimColumns = `id, provider, request_id, token_id, merchant, amount, reason, evidence_uri, evidence_hash,
	filed_by, status, upheld, challenger, dispute_id, resolution_data, poll_rounds, poll_errors, last_error,
	verdict_applied, created_at, updated_at, submitted_at, resolved_at`

func (s *PostgresStore) Create(ctx context.Context, c *Claim) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_claims (`+claimColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		c.ID, c.Provider, c.RequestID, int64(c.TokenID), c.Merchant, numeric(c.Amount), c.Reason, c.EvidenceURI, c.EvidenceHash,
		c.FiledBy, string(c.Status), nullBool(c.Upheld), c.Challenger, c.DisputeID, jsonb(c.ResolutionData),
		c.PollRounds, c.PollErrors, c.LastError, c.VerdictApplied, c.CreatedAt, c.UpdatedAt, c.SubmittedAt, c.ResolvedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidClaim, c.ID)
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Claim, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM settlement_claims WHERE id = $1`, id)
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClaimNotFound
	}
	return c, err
}

func (s *PostgresStore) Update(ctx context.Context, c *Claim) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE settlement_claims SET
			request_id = $2, evidence_uri = $3, evidence_hash = $4, status = $5, upheld = $6,
			challenger = $7, dispute_id = $8, resolution_data = $9, poll_rounds = $10, poll_errors = $11,
			last_error = $12, verdict_applied = $13, updated_at = $14, submitted_at = $15, resolved_at = $16
		WHERE id = $1`,
		c.ID, c.RequestID, c.EvidenceURI, c.EvidenceHash, string(c.Status), nullBool(c.Upheld),
		c.Challenger, c.DisputeID, jsonb(c.ResolutionData), c.PollRounds, c.PollErrors,
		c.LastError, c.VerdictApplied, c.UpdatedAt, c.SubmittedAt, c.ResolvedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrClaimNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Claim, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.TokenID != nil {
		args = append(args, int64(*f.TokenID))
		where = append(where, fmt.Sprintf("token_id = $%d", len(args)))
	}
	if f.After != nil {
		args = append(args, f.After.CreatedAt, f.After.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, limit)

	query := `SELECT ` + claimColumns + ` FROM settlement_claims`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	return s.query(ctx, query, args...)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Claim, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `
		SELECT `+claimColumns+` FROM settlement_claims
		WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, string(status), limit)
}

func (s *PostgresStore) ListDueVerdicts(ctx context.Context, resolvedBefore time.Time, limit int) ([]*Claim, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `
		SELECT `+claimColumns+` FROM settlement_claims
		WHERE status = 'resolved' AND NOT verdict_applied AND resolved_at <= $1
		ORDER BY updated_at ASC LIMIT $2`, resolvedBefore, limit)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Claim, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClaim(row scanner) (*Claim, error) {
	var (
		c         Claim
		tokenID   int64
		amt       string
		status    string
		upheld    sql.NullBool
		data      []byte
		submitted sql.NullTime
		resolved  sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.Provider, &c.RequestID, &tokenID, &c.Merchant, &amt, &c.Reason,
		&c.EvidenceURI, &c.EvidenceHash, &c.FiledBy, &status, &upheld, &c.Challenger, &c.DisputeID, &data,
		&c.PollRounds, &c.PollErrors, &c.LastError, &c.VerdictApplied, &c.CreatedAt, &c.UpdatedAt,
		&submitted, &resolved); err != nil {
		return nil, err
	}

	c.TokenID = uint64(tokenID)
	c.Status = Status(status)
	v, ok := new(big.Int).SetString(amt, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric amount %q", amt)
	}
	c.Amount = v
	if upheld.Valid {
		b := upheld.Bool
		c.Upheld = &b
	}
	if len(data) > 0 {
		c.ResolutionData = json.RawMessage(data)
	}
	if submitted.Valid {
		t := submitted.Time
		c.SubmittedAt = &t
	}
	if resolved.Valid {
		t := resolved.Time
		c.ResolvedAt = &t
	}
	return &c, nil
}

func numeric(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func jsonb(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
