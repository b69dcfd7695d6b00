// Package arbitration submits insurance claims to an external arbitration
// oracle and follows them to a verdict.
//
// Two providers are supported behind one Resolver interface: "uma", an
// optimistic oracle with a short challenge window, and "kleros", a
// court-style oracle with a longer appeal period. They speak the same
// request/poll protocol with different paths and field names; the adapters
// normalize both into a ResolutionResult.
//
// Submission is not idempotent. Retried POSTs may create duplicate requests
// upstream; every submission carries an Idempotency-Key header with the claim
// id, but deduplication by the provider is not assumed.
package arbitration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/agentcover/internal/circuitbreaker"
)

// Provider names.
const (
	ProviderUMA    = "uma"
	ProviderKleros = "kleros"
)

var (
	// ErrPollTimeout matches every PollTimeoutError.
	ErrPollTimeout = errors.New("arbitration: resolution poll timed out")

	// ErrCircuitOpen is returned while a provider's breaker is open.
	ErrCircuitOpen = circuitbreaker.ErrOpen

	ErrUnknownProvider   = errors.New("arbitration: unknown provider")
	ErrUnknownNetwork    = errors.New("arbitration: unknown network")
	ErrInvalidClaim      = errors.New("arbitration: invalid claim request")
	ErrMalformedResponse = errors.New("arbitration: malformed provider response")
)

// ClaimRequest is a claim filed against an agent's stake.
type ClaimRequest struct {
	ClaimID  string `json:"claimId"`
	TokenID  uint64 `json:"tokenId"`
	Merchant string `json:"merchant"`
	Amount   string `json:"amount"`
	Reason   string `json:"reason"`
	Evidence any    `json:"evidence,omitempty"`
}

// Validate checks the fields every provider requires.
func (r ClaimRequest) Validate() error {
	switch {
	case r.ClaimID == "":
		return fmt.Errorf("%w: claimId is required", ErrInvalidClaim)
	case r.Merchant == "":
		return fmt.Errorf("%w: merchant is required", ErrInvalidClaim)
	case r.Amount == "":
		return fmt.Errorf("%w: amount is required", ErrInvalidClaim)
	}
	return nil
}

// ResolutionResult is a provider-neutral claim status. Result is only
// meaningful once Resolved is true.
type ResolutionResult struct {
	RequestID      string          `json:"requestId"`
	Resolved       bool            `json:"resolved"`
	Result         bool            `json:"result"`
	Timestamp      time.Time       `json:"timestamp"`
	Challenger     string          `json:"challenger,omitempty"`
	ResolutionData json.RawMessage `json:"resolutionData,omitempty"`
}

// PollOptions bounds PollForResolution. Zero fields take the provider's
// defaults.
type PollOptions struct {
	MaxAttempts int
	Delay       time.Duration
}

func (o PollOptions) withDefaults(d PollOptions) PollOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.Delay <= 0 {
		o.Delay = d.Delay
	}
	return o
}

// Resolver is the contract shared by every arbitration provider.
type Resolver interface {
	Provider() string
	SubmitClaim(ctx context.Context, claim ClaimRequest) (string, error)
	GetClaimStatus(ctx context.Context, requestID string) (*ResolutionResult, error)
	PollForResolution(ctx context.Context, requestID string, opts PollOptions) (*ResolutionResult, error)
	Dispute(ctx context.Context, requestID, disputant string, evidence any) (string, error)
}

// ProviderError identifies which provider and which call failed and keeps
// the underlying cause.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("arbitration: %s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// PollTimeoutError reports a poll that ran out of attempts. The request
// may still resolve; polling again later is safe.
type PollTimeoutError struct {
	Provider  string
	RequestID string
	Attempts  int
	Waited    time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("arbitration: %s request %s unresolved after %d polls (%s)", e.Provider, e.RequestID, e.Attempts, e.Waited)
}

// Is makes errors.Is(err, ErrPollTimeout) match.
func (e *PollTimeoutError) Is(target error) bool { return target == ErrPollTimeout }

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// New builds the adapter for provider ("uma" or "kleros").
func New(provider string, cfg Config) (Resolver, error) {
	switch provider {
	case ProviderUMA:
		u, err := NewUMA(cfg)
		if err != nil {
			return nil, err
		}
		return u, nil
	case ProviderKleros:
		k, err := NewKleros(cfg)
		if err != nil {
			return nil, err
		}
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}
