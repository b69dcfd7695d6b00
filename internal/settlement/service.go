package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/agentcover/internal/amount"
	"github.com/mbd888/agentcover/internal/arbitration"
	"github.com/mbd888/agentcover/internal/events"
	"github.com/mbd888/agentcover/internal/idgen"
	"github.com/mbd888/agentcover/internal/metrics"
	"github.com/mbd888/agentcover/internal/pagination"
	"github.com/mbd888/agentcover/internal/syncutil"
	"github.com/mbd888/agentcover/internal/traces"
)

// DefaultMaxPollErrors is how many consecutive failed polls mark a claim
// failed.
const DefaultMaxPollErrors = 5

// SubmitRequest is a new claim against an agent's stake.
type SubmitRequest struct {
	TokenID  uint64
	Merchant string
	Amount   *big.Int
	Reason   string
	Evidence json.RawMessage
	FiledBy  string
}

// Service runs the claim workflow against one arbitration provider.
type Service struct {
	store         Store
	resolver      arbitration.Resolver
	vault         Vault
	archive       Archiver
	events        events.Publisher
	locks         *syncutil.ContextShardedMutex
	logger        *slog.Logger
	now           func() time.Time
	poll          arbitration.PollOptions
	disputeWindow time.Duration
	maxPollErrors int
}

// NewService creates a settlement service.
func NewService(store Store, resolver arbitration.Resolver, vault Vault, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if vault == nil {
		vault = NewLogVault(logger)
	}
	return &Service{
		store:         store,
		resolver:      resolver,
		vault:         vault,
		events:        events.Nop{},
		locks:         syncutil.NewContextShardedMutex(),
		logger:        logger,
		now:           time.Now,
		maxPollErrors: DefaultMaxPollErrors,
	}
}

// WithArchive stores evidence before submission.
func (s *Service) WithArchive(a Archiver) *Service {
	s.archive = a
	return s
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

// WithPollOptions sets the per-round poll budget. Zero fields use the
// provider's defaults.
func (s *Service) WithPollOptions(o arbitration.PollOptions) *Service {
	s.poll = o
	return s
}

// WithDisputeWindow delays verdict hand-off so a resolved claim can still
// be disputed for d.
func (s *Service) WithDisputeWindow(d time.Duration) *Service {
	s.disputeWindow = d
	return s
}

// Provider returns the arbitration provider name.
func (s *Service) Provider() string { return s.resolver.Provider() }

// SubmitClaim records the claim and submits it to the oracle. If the oracle
// rejects or cannot be reached the claim is kept as failed and returned
// together with the provider error.
func (s *Service) SubmitClaim(ctx context.Context, req SubmitRequest) (*Claim, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidClaim)
	}
	if req.TokenID > math.MaxInt64 {
		return nil, fmt.Errorf("%w: tokenId must not exceed 2^63-1", ErrInvalidClaim)
	}
	if !common.IsHexAddress(req.Merchant) {
		return nil, fmt.Errorf("%w: merchant must be a hex address", ErrInvalidClaim)
	}
	if len(req.Evidence) > 0 && !json.Valid(req.Evidence) {
		return nil, fmt.Errorf("%w: evidence must be valid JSON", ErrInvalidClaim)
	}

	now := s.now().UTC()
	claim := &Claim{
		ID:        idgen.WithPrefix("clm_"),
		Provider:  s.resolver.Provider(),
		TokenID:   req.TokenID,
		Merchant:  common.HexToAddress(req.Merchant).Hex(),
		Amount:    amount.Clone(req.Amount),
		Reason:    req.Reason,
		FiledBy:   req.FiledBy,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ctx, span := traces.StartSpan(ctx, "settlement.SubmitClaim",
		traces.ClaimID(claim.ID), traces.TokenID(claim.TokenID), traces.Provider(claim.Provider))
	defer span.End()

	evidence, err := s.archiveEvidence(ctx, claim, req.Evidence)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, claim); err != nil {
		return nil, fmt.Errorf("failed to record claim: %w", err)
	}

	unlock, err := s.locks.LockContext(ctx, claim.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.submit(ctx, claim, evidence)
}

// Retry moves a failed or timed-out claim back into the workflow. A claim
// the oracle never accepted is resubmitted, which is not idempotent
// upstream; the claim id is sent as the idempotency key.
func (s *Service) Retry(ctx context.Context, id string) (*Claim, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	claim, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case claim.Status == StatusFailed && claim.RequestID == "":
		return s.submit(ctx, claim, evidenceRef(claim, nil))
	case claim.Status == StatusFailed, claim.Status == StatusTimedOut:
		claim.Status = StatusSubmitted
		claim.PollErrors = 0
		claim.LastError = ""
		claim.UpdatedAt = s.now().UTC()
		if err := s.store.Update(ctx, claim); err != nil {
			return nil, err
		}
		s.logger.Info("claim requeued for polling", "claimId", id, "requestId", claim.RequestID)
		return claim, nil
	default:
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidState, claim.Status)
	}
}

// Dispute challenges (uma) or appeals (kleros) a claim that is still open,
// or resolved but not yet handed to the vault. The claim returns to
// polling.
func (s *Service) Dispute(ctx context.Context, id, disputant string, evidence json.RawMessage) (*Claim, error) {
	if disputant == "" {
		return nil, fmt.Errorf("%w: disputant is required", ErrInvalidClaim)
	}
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	claim, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if claim.RequestID == "" || claim.VerdictApplied ||
		(claim.Status != StatusSubmitted && claim.Status != StatusTimedOut && claim.Status != StatusResolved) {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidState, claim.Status)
	}

	var payload any
	if len(evidence) > 0 {
		payload = evidence
	}
	disputeID, err := s.resolver.Dispute(ctx, claim.RequestID, disputant, payload)
	if err != nil {
		return nil, err
	}

	claim.DisputeID = disputeID
	claim.Challenger = disputant
	claim.Status = StatusSubmitted
	claim.Upheld = nil
	claim.ResolvedAt = nil
	claim.PollErrors = 0
	claim.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, claim); err != nil {
		s.logger.Error("CRITICAL: dispute accepted by oracle but not recorded",
			"claimId", id, "disputeId", disputeID, "error", err)
		return nil, err
	}

	s.logger.Info("claim disputed", "claimId", id, "disputeId", disputeID, "disputant", disputant)
	s.emit(ctx, events.ClaimDisputed, claim, map[string]any{"disputeId": disputeID, "disputant": disputant})
	return claim, nil
}

// Get returns a claim.
func (s *Service) Get(ctx context.Context, id string) (*Claim, error) {
	return s.store.Get(ctx, id)
}

// List returns claims matching f, newest first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Claim, error) {
	return s.store.List(ctx, f)
}

// ListPage returns one page of claims and the cursor for the next page,
// empty when the listing is exhausted.
func (s *Service) ListPage(ctx context.Context, f ListFilter) ([]*Claim, string, error) {
	limit := f.Limit
	if limit > 0 {
		f.Limit = limit + 1
	}
	claims, err := s.store.List(ctx, f)
	if err != nil {
		return nil, "", err
	}
	page, next := pagination.Page(claims, limit, claimKey)
	return page, next, nil
}

// Poll runs one poll round for a submitted claim and records the outcome.
// The claim lock is not held while waiting on the oracle; a dispute that
// lands meanwhile wins over the stale verdict.
func (s *Service) Poll(ctx context.Context, id string) (*Claim, error) {
	claim, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if claim.Status != StatusSubmitted {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidState, claim.Status)
	}

	res, pollErr := s.resolver.PollForResolution(ctx, claim.RequestID, s.poll)
	if pollErr != nil && ctx.Err() != nil {
		return nil, pollErr
	}

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusSubmitted || current.DisputeID != claim.DisputeID {
		return current, nil
	}

	now := s.now().UTC()
	current.PollRounds++
	current.UpdatedAt = now

	var evt events.Type
	data := map[string]any{"requestId": current.RequestID}
	switch {
	case pollErr == nil:
		upheld := res.Result
		current.Status = StatusResolved
		current.Upheld = &upheld
		current.ResolvedAt = &now
		current.ResolutionData = res.ResolutionData
		current.PollErrors = 0
		current.LastError = ""
		if res.Challenger != "" {
			current.Challenger = res.Challenger
		}
		evt = events.ClaimResolved
		data["upheld"] = upheld
		if current.SubmittedAt != nil {
			metrics.ClaimResolutionDuration.WithLabelValues(current.Provider).Observe(now.Sub(*current.SubmittedAt).Seconds())
		}
	case errors.Is(pollErr, arbitration.ErrPollTimeout):
		current.Status = StatusTimedOut
		current.LastError = pollErr.Error()
		evt = events.ClaimTimedOut
	default:
		current.PollErrors++
		current.LastError = pollErr.Error()
		if current.PollErrors >= s.maxPollErrors {
			current.Status = StatusFailed
			evt = events.ClaimFailed
			data["error"] = pollErr.Error()
		}
	}

	if err := s.store.Update(ctx, current); err != nil {
		return nil, fmt.Errorf("failed to record poll outcome: %w", err)
	}
	if evt != "" {
		s.logger.Info("claim poll finished", "claimId", id, "status", current.Status, "requestId", current.RequestID)
		s.emit(ctx, evt, current, data)
	} else {
		s.logger.Warn("claim poll failed", "claimId", id, "attempt", current.PollErrors, "error", pollErr)
	}

	if current.Status == StatusResolved && s.disputeWindow <= 0 {
		s.applyVerdict(ctx, current)
	}
	return current, nil
}

// ApplyDueVerdicts hands resolved claims whose dispute window has closed to
// the vault. It returns how many were applied.
func (s *Service) ApplyDueVerdicts(ctx context.Context, limit int) (int, error) {
	due, err := s.store.ListDueVerdicts(ctx, s.now().Add(-s.disputeWindow), limit)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, c := range due {
		if err := s.withLock(ctx, c.ID, func(ctx context.Context) error {
			current, err := s.store.Get(ctx, c.ID)
			if err != nil {
				return err
			}
			if current.Status != StatusResolved || current.VerdictApplied {
				return nil
			}
			if s.applyVerdict(ctx, current) {
				applied++
			}
			return nil
		}); err != nil {
			return applied, err
		}
	}
	return applied, nil
}

// applyVerdict must run under the claim lock.
func (s *Service) applyVerdict(ctx context.Context, c *Claim) bool {
	if c.Upheld == nil {
		return false
	}
	if err := s.vault.ApplyVerdict(ctx, c.ID, *c.Upheld); err != nil {
		s.logger.Error("failed to hand verdict to vault", "claimId", c.ID, "error", err)
		c.LastError = err.Error()
		c.UpdatedAt = s.now().UTC()
		if uerr := s.store.Update(ctx, c); uerr != nil {
			s.logger.Error("failed to record vault failure", "claimId", c.ID, "error", uerr)
		}
		return false
	}
	c.VerdictApplied = true
	c.LastError = ""
	c.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, c); err != nil {
		s.logger.Error("CRITICAL: verdict applied but not recorded; vault may receive it twice",
			"claimId", c.ID, "upheld", *c.Upheld, "error", err)
		return false
	}
	return true
}

func (s *Service) submit(ctx context.Context, claim *Claim, evidence any) (*Claim, error) {
	requestID, err := s.resolver.SubmitClaim(ctx, arbitration.ClaimRequest{
		ClaimID:  claim.ID,
		TokenID:  claim.TokenID,
		Merchant: claim.Merchant,
		Amount:   claim.Amount.String(),
		Reason:   claim.Reason,
		Evidence: evidence,
	})

	now := s.now().UTC()
	claim.UpdatedAt = now
	if err != nil {
		claim.Status = StatusFailed
		claim.LastError = err.Error()
		if uerr := s.store.Update(ctx, claim); uerr != nil {
			s.logger.Error("failed to record submission failure", "claimId", claim.ID, "error", uerr)
		}
		s.logger.Warn("claim submission failed", "claimId", claim.ID, "provider", claim.Provider, "error", err)
		s.emit(ctx, events.ClaimFailed, claim, map[string]any{"error": err.Error()})
		return claim, err
	}

	claim.RequestID = requestID
	claim.Status = StatusSubmitted
	claim.SubmittedAt = &now
	claim.LastError = ""
	if err := s.store.Update(ctx, claim); err != nil {
		s.logger.Error("CRITICAL: claim accepted by oracle but not recorded",
			"claimId", claim.ID, "requestId", requestID, "error", err)
		return nil, err
	}

	s.logger.Info("claim submitted", "claimId", claim.ID, "requestId", requestID,
		"tokenId", claim.TokenID, "amount", amount.Format(claim.Amount))
	s.emit(ctx, events.ClaimSubmitted, claim, map[string]any{
		"requestId": requestID,
		"merchant":  claim.Merchant,
		"amount":    amount.Format(claim.Amount),
	})
	return claim, nil
}

// archiveEvidence stores raw evidence and returns what the oracle receives:
// a URI plus content hash when archived, the raw JSON otherwise.
func (s *Service) archiveEvidence(ctx context.Context, claim *Claim, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if s.archive == nil {
		return raw, nil
	}
	uri, err := s.archive.Archive(ctx, claim.ID, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to archive evidence: %w", err)
	}
	claim.EvidenceURI = uri
	claim.EvidenceHash = crypto.Keccak256Hash(raw).Hex()
	return evidenceRef(claim, raw), nil
}

// evidenceRef prefers the archived copy. Inline evidence is not kept, so a
// resubmitted claim without an archive goes out without evidence.
func evidenceRef(claim *Claim, raw json.RawMessage) any {
	if claim.EvidenceURI == "" {
		if len(raw) == 0 {
			return nil
		}
		return raw
	}
	return map[string]string{"uri": claim.EvidenceURI, "hash": claim.EvidenceHash}
}

func (s *Service) withLock(ctx context.Context, id string, fn func(context.Context) error) error {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

func (s *Service) emit(ctx context.Context, t events.Type, c *Claim, data map[string]any) {
	e := events.New(t, data)
	e.ClaimID = c.ID
	e.TokenID = c.TokenID
	events.Emit(ctx, s.events, s.logger, e)
}
