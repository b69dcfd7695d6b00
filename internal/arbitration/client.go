package arbitration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/agentcover/internal/circuitbreaker"
	"github.com/mbd888/agentcover/internal/config"
	"github.com/mbd888/agentcover/internal/metrics"
	"github.com/mbd888/agentcover/internal/retry"
	"github.com/mbd888/agentcover/internal/traces"
)

// DefaultHTTPTimeout bounds a single oracle request.
const DefaultHTTPTimeout = 15 * time.Second

const maxErrorBody = 4 << 10

// Config configures a provider adapter.
type Config struct {
	BaseURL string
	APIKey  string

	// ChainID is sent with every submission. When zero it is derived from
	// Network.
	ChainID int64
	Network string

	HTTPClient *http.Client

	// Retry applies to submit and status calls. The zero value means
	// 3 attempts, 1s, exponential.
	Retry retry.Policy

	// Sleep is used between polls, and between retries when Retry.Sleep
	// is unset.
	Sleep retry.SleepFunc

	// Breaker is shared across adapters; keys are provider names.
	Breaker *circuitbreaker.Breaker

	Logger *slog.Logger
	Now    func() time.Time
}

// dialect holds what differs between providers.
type dialect struct {
	name          string
	collection    string // "claims" or "disputes"
	disputeAction string // "challenge" or "appeal"
	disputeField  string // response field carrying the dispute id
	poll          PollOptions
	normalize     func(requestID string, s *statusResponse) *ResolutionResult
}

// Client implements Resolver for one dialect.
type Client struct {
	d       dialect
	baseURL string
	apiKey  string
	chainID int64
	http    *http.Client
	policy  retry.Policy
	sleep   retry.SleepFunc
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	now     func() time.Time
}

var _ Resolver = (*Client)(nil)

func newClient(d dialect, cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("arbitration: %s base URL required", d.name)
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("arbitration: invalid %s base URL: %w", d.name, err)
	}

	chainID := cfg.ChainID
	if chainID == 0 {
		id, ok := config.ChainIDForNetwork(cfg.Network)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, cfg.Network)
		}
		chainID = id
	}

	c := &Client{
		d:       d,
		baseURL: base,
		apiKey:  cfg.APIKey,
		chainID: chainID,
		http:    cfg.HTTPClient,
		policy:  cfg.Retry,
		sleep:   cfg.Sleep,
		breaker: cfg.Breaker,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if c.sleep == nil {
		c.sleep = retry.Sleep
	}
	if c.policy.Sleep == nil {
		c.policy.Sleep = c.sleep
	}
	if c.policy.ShouldRetry == nil {
		patterns := c.policy.RetryableErrors
		if patterns == nil {
			patterns = retry.DefaultRetryableErrors
		}
		c.policy.ShouldRetry = func(err error) bool {
			return errors.Is(err, ErrCircuitOpen) || retry.IsRetryable(err, patterns)
		}
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultOpenDuration)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Provider returns the provider name.
func (c *Client) Provider() string { return c.d.name }

// ChainID returns the chain id sent with submissions.
func (c *Client) ChainID() int64 { return c.chainID }

// DefaultPollOptions returns the provider's poll budget.
func (c *Client) DefaultPollOptions() PollOptions { return c.d.poll }

type submitBody struct {
	ChainID   int64  `json:"chainId"`
	ClaimID   string `json:"claimId"`
	TokenID   string `json:"tokenId"`
	Merchant  string `json:"merchant"`
	Amount    string `json:"amount"`
	Reason    string `json:"reason"`
	Evidence  any    `json:"evidence"`
	Timestamp int64  `json:"timestamp"`
}

type submitResponse struct {
	RequestID string `json:"requestId"`
}

type statusResponse struct {
	Resolved       bool            `json:"resolved"`
	Result         *bool           `json:"result"`
	Ruling         *int64          `json:"ruling"`
	Timestamp      int64           `json:"timestamp"`
	Challenger     string          `json:"challenger"`
	ResolutionData json.RawMessage `json:"resolutionData"`
}

type disputeBody struct {
	Challenger string `json:"challenger"`
	Evidence   any    `json:"evidence"`
	Timestamp  int64  `json:"timestamp"`
}

// SubmitClaim files the claim and returns the provider's request id.
// Transient failures are retried per the configured policy.
func (c *Client) SubmitClaim(ctx context.Context, claim ClaimRequest) (string, error) {
	if err := claim.Validate(); err != nil {
		return "", err
	}
	ctx, span := traces.StartSpan(ctx, "arbitration.SubmitClaim",
		traces.Provider(c.d.name), traces.ClaimID(claim.ClaimID), traces.TokenID(claim.TokenID))
	defer span.End()

	body := submitBody{
		ChainID:   c.chainID,
		ClaimID:   claim.ClaimID,
		TokenID:   strconv.FormatUint(claim.TokenID, 10),
		Merchant:  claim.Merchant,
		Amount:    claim.Amount,
		Reason:    claim.Reason,
		Evidence:  claim.Evidence,
		Timestamp: c.now().Unix(),
	}

	const op = "submitClaim"
	resp, err := retry.Do(ctx, c.policyFor(op), func(ctx context.Context) (*submitResponse, error) {
		var out submitResponse
		err := c.roundTrip(ctx, op, http.MethodPost, "/"+c.d.collection, body, &out, claim.ClaimID)
		return &out, err
	})
	if err != nil {
		traces.Fail(span, err)
		return "", &ProviderError{Provider: c.d.name, Op: op, Err: err}
	}
	if resp.RequestID == "" {
		return "", &ProviderError{Provider: c.d.name, Op: op, Err: fmt.Errorf("%w: empty requestId", ErrMalformedResponse)}
	}

	c.logger.Info("claim submitted to oracle",
		"provider", c.d.name, "claimId", claim.ClaimID, "requestId", resp.RequestID)
	return resp.RequestID, nil
}

// GetClaimStatus fetches and normalizes the current status of requestID.
func (c *Client) GetClaimStatus(ctx context.Context, requestID string) (*ResolutionResult, error) {
	if requestID == "" {
		return nil, fmt.Errorf("%w: requestId is required", ErrInvalidClaim)
	}
	ctx, span := traces.StartSpan(ctx, "arbitration.GetClaimStatus",
		traces.Provider(c.d.name), traces.RequestID(requestID))
	defer span.End()

	const op = "getClaimStatus"
	status, err := retry.Do(ctx, c.policyFor(op), func(ctx context.Context) (*statusResponse, error) {
		var out statusResponse
		err := c.roundTrip(ctx, op, http.MethodGet, c.itemPath(requestID), nil, &out, "")
		return &out, err
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, &ProviderError{Provider: c.d.name, Op: op, Err: err}
	}
	return c.d.normalize(requestID, status), nil
}

// PollForResolution checks the status up to opts.MaxAttempts times, waiting
// opts.Delay after every unresolved check. It returns the first resolved
// result or a *PollTimeoutError. Cancellation of ctx is honored between
// checks and during waits.
func (c *Client) PollForResolution(ctx context.Context, requestID string, opts PollOptions) (*ResolutionResult, error) {
	opts = opts.withDefaults(c.d.poll)
	ctx, span := traces.StartSpan(ctx, "arbitration.PollForResolution",
		traces.Provider(c.d.name), traces.RequestID(requestID))
	defer span.End()

	var waited time.Duration
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			metrics.ClaimPollsTotal.WithLabelValues(c.d.name, "cancelled").Inc()
			return nil, err
		}

		res, err := c.GetClaimStatus(ctx, requestID)
		if err != nil {
			metrics.ClaimPollsTotal.WithLabelValues(c.d.name, "error").Inc()
			return nil, err
		}
		if res.Resolved {
			metrics.ClaimPollsTotal.WithLabelValues(c.d.name, "resolved").Inc()
			return res, nil
		}

		if err := c.sleep(ctx, opts.Delay); err != nil {
			metrics.ClaimPollsTotal.WithLabelValues(c.d.name, "cancelled").Inc()
			return nil, err
		}
		waited += opts.Delay
	}

	metrics.ClaimPollsTotal.WithLabelValues(c.d.name, "timeout").Inc()
	return nil, &PollTimeoutError{
		Provider:  c.d.name,
		RequestID: requestID,
		Attempts:  opts.MaxAttempts,
		Waited:    waited,
	}
}

// Dispute raises a challenge (uma) or appeal (kleros) against requestID and
// returns the provider's dispute id. It is sent once, without retry.
func (c *Client) Dispute(ctx context.Context, requestID, disputant string, evidence any) (string, error) {
	if requestID == "" || disputant == "" {
		return "", fmt.Errorf("%w: requestId and disputant are required", ErrInvalidClaim)
	}
	ctx, span := traces.StartSpan(ctx, "arbitration.Dispute",
		traces.Provider(c.d.name), traces.RequestID(requestID))
	defer span.End()

	op := c.d.disputeAction
	body := disputeBody{Challenger: disputant, Evidence: evidence, Timestamp: c.now().Unix()}

	var out map[string]json.RawMessage
	if err := c.roundTrip(ctx, op, http.MethodPost, c.itemPath(requestID)+"/"+c.d.disputeAction, body, &out, ""); err != nil {
		traces.Fail(span, err)
		return "", &ProviderError{Provider: c.d.name, Op: op, Err: err}
	}

	var id string
	if raw, ok := out[c.d.disputeField]; ok {
		_ = json.Unmarshal(raw, &id)
	}
	if id == "" {
		return "", &ProviderError{Provider: c.d.name, Op: op, Err: fmt.Errorf("%w: empty %s", ErrMalformedResponse, c.d.disputeField)}
	}

	c.logger.Info("claim disputed", "provider", c.d.name, "requestId", requestID, c.d.disputeField, id)
	return id, nil
}

func (c *Client) itemPath(requestID string) string {
	return "/" + c.d.collection + "/" + url.PathEscape(requestID)
}

func (c *Client) policyFor(op string) retry.Policy {
	p := c.policy
	provider := c.d.name
	p.OnRetry = func(attempt int, wait time.Duration, err error) {
		metrics.OracleRetriesTotal.WithLabelValues(provider, op).Inc()
		c.logger.Warn("oracle call failed, retrying",
			"provider", provider, "op", op, "attempt", attempt, "wait", wait, "error", err)
	}
	return p
}

// roundTrip sends one request through the provider's circuit breaker.
func (c *Client) roundTrip(ctx context.Context, op, method, path string, in, out any, idempotencyKey string) error {
	start := time.Now()
	err := c.breaker.Do(ctx, c.d.name, countsAsFailure, func(ctx context.Context) error {
		return c.send(ctx, method, path, in, out, idempotencyKey)
	})

	result := "ok"
	switch {
	case errors.Is(err, ErrCircuitOpen):
		result = "circuit_open"
	case err != nil:
		result = "error"
	}
	metrics.OracleRequestsTotal.WithLabelValues(c.d.name, op, result).Inc()
	metrics.OracleRequestDuration.WithLabelValues(c.d.name, op).Observe(time.Since(start).Seconds())
	return err
}

func (c *Client) send(ctx context.Context, method, path string, in, out any, idempotencyKey string) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to encode request: %w", err))
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// countsAsFailure decides what trips the breaker: transport failures and
// 5xx responses. Client errors and cancellations do not.
func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrMalformedResponse) {
		return false
	}
	var pe *retry.PermanentError
	if errors.As(err, &pe) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 500
	}
	return true
}

func unixTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}
