package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the settings for reaching the agentcover API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // Bearer token issued for the agent; optional for read-only tools
}

// CoverClient is a thin HTTP client for the agentcover API.
type CoverClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewCoverClient creates a client for the agentcover API.
func NewCoverClient(cfg Config) *CoverClient {
	return &CoverClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *CoverClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListPools returns every insurance pool.
func (c *CoverClient) ListPools(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/pools", nil, nil)
}

// GetPool returns one pool with its participant count.
func (c *CoverClient) GetPool(ctx context.Context, poolID uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/pools/"+strconv.FormatUint(poolID, 10), nil, nil)
}

// JoinPool stakes into a pool on behalf of the token's owner.
func (c *CoverClient) JoinPool(ctx context.Context, poolID, tokenID uint64, stake string) (json.RawMessage, error) {
	body := map[string]any{"tokenId": tokenID, "stake": stake}
	return c.doRequest(ctx, http.MethodPost, "/v1/pools/"+strconv.FormatUint(poolID, 10)+"/join", nil, body)
}

// GetRisk returns a fresh risk assessment for an agent token.
func (c *CoverClient) GetRisk(ctx context.Context, tokenID uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/agents/"+strconv.FormatUint(tokenID, 10)+"/risk", nil, nil)
}

// GetClaim returns one claim.
func (c *CoverClient) GetClaim(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/claims/"+url.PathEscape(id), nil, nil)
}

// ListClaims lists claims, optionally filtered by status and token. cursor
// is the nextCursor of a previous page.
func (c *CoverClient) ListClaims(ctx context.Context, status string, tokenID *uint64, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if tokenID != nil {
		q.Set("tokenId", strconv.FormatUint(*tokenID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/claims", q, nil)
}

// FileClaim submits a claim against a merchant.
func (c *CoverClient) FileClaim(ctx context.Context, tokenID uint64, merchant, amount, reason string, evidence map[string]any) (json.RawMessage, error) {
	body := map[string]any{
		"tokenId":  tokenID,
		"merchant": merchant,
		"amount":   amount,
		"reason":   reason,
	}
	if evidence != nil {
		body["evidence"] = evidence
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/claims", nil, body)
}

// DisputeClaim challenges a claim's outcome.
func (c *CoverClient) DisputeClaim(ctx context.Context, id string, evidence map[string]any) (json.RawMessage, error) {
	var body any
	if evidence != nil {
		body = map[string]any{"evidence": evidence}
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/claims/"+url.PathEscape(id)+"/dispute", nil, body)
}
