// Package settlement drives filed insurance claims through arbitration.
//
// Flow:
//  1. A claim is filed: evidence is archived, the claim is recorded as
//     pending and submitted to the configured oracle
//  2. The worker polls submitted claims until the oracle resolves them or
//     the poll budget runs out (timed_out, retryable later)
//  3. A resolved verdict is handed to the custody vault, after the dispute
//     window when one is configured
//  4. Either side may dispute a claim that is still open or resolved but
//     not yet applied; the claim goes back to polling
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/mbd888/agentcover/internal/amount"
	"github.com/mbd888/agentcover/internal/pagination"
)

var (
	ErrClaimNotFound = errors.New("claim not found")
	ErrInvalidClaim  = errors.New("invalid claim")
	ErrInvalidState  = errors.New("claim is not in a state that allows this operation")
)

// Status is a claim's position in the workflow.
type Status string

const (
	StatusPending   Status = "pending"   // recorded, not yet accepted by the oracle
	StatusSubmitted Status = "submitted" // accepted, awaiting a verdict
	StatusResolved  Status = "resolved"
	StatusTimedOut  Status = "timed_out"
	StatusFailed    Status = "failed"
)

// Claim is the local tracking record for one claim.
type Claim struct {
	ID             string
	Provider       string
	RequestID      string
	TokenID        uint64
	Merchant       string
	Amount         *big.Int
	Reason         string
	EvidenceURI    string
	EvidenceHash   string // keccak256 of the archived evidence
	FiledBy        string
	Status         Status
	Upheld         *bool
	Challenger     string
	DisputeID      string
	ResolutionData json.RawMessage
	PollRounds     int
	PollErrors     int
	LastError      string
	VerdictApplied bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SubmittedAt    *time.Time
	ResolvedAt     *time.Time
}

type claimView struct {
	ID             string          `json:"id"`
	Provider       string          `json:"provider"`
	RequestID      string          `json:"requestId,omitempty"`
	TokenID        uint64          `json:"tokenId"`
	Merchant       string          `json:"merchant"`
	Amount         string          `json:"amount"`
	AmountRaw      string          `json:"amountRaw"`
	Reason         string          `json:"reason,omitempty"`
	EvidenceURI    string          `json:"evidenceUri,omitempty"`
	EvidenceHash   string          `json:"evidenceHash,omitempty"`
	FiledBy        string          `json:"filedBy,omitempty"`
	Status         Status          `json:"status"`
	Upheld         *bool           `json:"upheld,omitempty"`
	Challenger     string          `json:"challenger,omitempty"`
	DisputeID      string          `json:"disputeId,omitempty"`
	ResolutionData json.RawMessage `json:"resolutionData,omitempty"`
	PollRounds     int             `json:"pollRounds"`
	LastError      string          `json:"lastError,omitempty"`
	VerdictApplied bool            `json:"verdictApplied"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	SubmittedAt    *time.Time      `json:"submittedAt,omitempty"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
}

// MarshalJSON renders amounts as decimal strings.
func (c *Claim) MarshalJSON() ([]byte, error) {
	raw := "0"
	if c.Amount != nil {
		raw = c.Amount.String()
	}
	return json.Marshal(claimView{
		ID:             c.ID,
		Provider:       c.Provider,
		RequestID:      c.RequestID,
		TokenID:        c.TokenID,
		Merchant:       c.Merchant,
		Amount:         amount.Format(c.Amount),
		AmountRaw:      raw,
		Reason:         c.Reason,
		EvidenceURI:    c.EvidenceURI,
		EvidenceHash:   c.EvidenceHash,
		FiledBy:        c.FiledBy,
		Status:         c.Status,
		Upheld:         c.Upheld,
		Challenger:     c.Challenger,
		DisputeID:      c.DisputeID,
		ResolutionData: c.ResolutionData,
		PollRounds:     c.PollRounds,
		LastError:      c.LastError,
		VerdictApplied: c.VerdictApplied,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		SubmittedAt:    c.SubmittedAt,
		ResolvedAt:     c.ResolvedAt,
	})
}

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	Status  Status
	TokenID *uint64
	Limit   int
	// After restricts results to claims strictly older than the cursor.
	After *pagination.Cursor
}

func claimKey(c *Claim) pagination.Cursor {
	return pagination.Cursor{CreatedAt: c.CreatedAt, ID: c.ID}
}

// Store persists claims.
type Store interface {
	Create(ctx context.Context, c *Claim) error
	Get(ctx context.Context, id string) (*Claim, error)
	Update(ctx context.Context, c *Claim) error
	// List returns claims newest first.
	List(ctx context.Context, f ListFilter) ([]*Claim, error)
	// ListByStatus returns claims oldest-updated first, for the worker.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Claim, error)
	// ListDueVerdicts returns resolved claims not yet handed to the vault
	// whose resolution is at or before resolvedBefore, oldest-updated first.
	ListDueVerdicts(ctx context.Context, resolvedBefore time.Time, limit int) ([]*Claim, error)
}

// Vault receives final verdicts. It owns payout and slashing.
type Vault interface {
	ApplyVerdict(ctx context.Context, claimID string, upheld bool) error
}

// Archiver stores claim evidence and returns a durable URI for it.
type Archiver interface {
	Archive(ctx context.Context, claimID string, evidence []byte) (string, error)
}

// LogVault records verdicts in the log only. It stands in for the vault
// until payout is wired on chain.
type LogVault struct {
	logger *slog.Logger
}

// NewLogVault creates a log-only vault.
func NewLogVault(logger *slog.Logger) *LogVault {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogVault{logger: logger}
}

func (v *LogVault) ApplyVerdict(ctx context.Context, claimID string, upheld bool) error {
	v.logger.InfoContext(ctx, "claim verdict", "claimId", claimID, "upheld", upheld)
	return nil
}

func cloneClaim(c *Claim) *Claim {
	cp := *c
	cp.Amount = amount.Clone(c.Amount)
	if c.Upheld != nil {
		v := *c.Upheld
		cp.Upheld = &v
	}
	if c.ResolutionData != nil {
		cp.ResolutionData = append(json.RawMessage(nil), c.ResolutionData...)
	}
	if c.SubmittedAt != nil {
		t := *c.SubmittedAt
		cp.SubmittedAt = &t
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
