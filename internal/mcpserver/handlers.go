package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *CoverClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *CoverClient) *Handlers {
	return &Handlers{client: client}
}

// HandleListPools lists insurance pools.
func (h *Handlers) HandleListPools(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListPools(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list pools: %v", err)), nil
	}
	text, err := formatPoolList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse pools: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetPool returns one pool.
func (h *Handlers) HandleGetPool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	poolID, ok := idArg(req, "pool_id")
	if !ok {
		return mcp.NewToolResultError("pool_id is required"), nil
	}
	raw, err := h.client.GetPool(ctx, poolID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get pool: %v", err)), nil
	}
	text, err := formatPool(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse pool: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetRiskScore scores an agent.
func (h *Handlers) HandleGetRiskScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tokenID, ok := idArg(req, "token_id")
	if !ok {
		return mcp.NewToolResultError("token_id is required"), nil
	}
	raw, err := h.client.GetRisk(ctx, tokenID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to score agent: %v", err)), nil
	}
	text, err := formatRisk(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse assessment: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListClaims lists claims.
func (h *Handlers) HandleListClaims(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var tokenID *uint64
	if id, ok := idArg(req, "token_id"); ok {
		tokenID = &id
	}
	raw, err := h.client.ListClaims(ctx, req.GetString("status", ""), tokenID, req.GetInt("limit", 20), req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list claims: %v", err)), nil
	}
	text, err := formatClaimList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse claims: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetClaim returns one claim.
func (h *Handlers) HandleGetClaim(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("claim_id", "")
	if id == "" {
		return mcp.NewToolResultError("claim_id is required"), nil
	}
	raw, err := h.client.GetClaim(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get claim: %v", err)), nil
	}
	text, err := formatClaim(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse claim: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleJoinPool stakes an agent into a pool.
func (h *Handlers) HandleJoinPool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	poolID, ok := idArg(req, "pool_id")
	if !ok {
		return mcp.NewToolResultError("pool_id is required"), nil
	}
	tokenID, ok := idArg(req, "token_id")
	if !ok {
		return mcp.NewToolResultError("token_id is required"), nil
	}
	stake := req.GetString("stake", "")
	if stake == "" {
		return mcp.NewToolResultError("stake is required"), nil
	}

	raw, err := h.client.JoinPool(ctx, poolID, tokenID, stake)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Join failed: %v", err)), nil
	}

	var resp struct {
		Participant map[string]any `json:"participant"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Participant == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Joined pool %d with agent %d\n"+
			"Stake: %s\n"+
			"Coverage: %s\n"+
			"Premium paid: %s",
		poolID, tokenID,
		getString(resp.Participant, "stakeAmount"),
		getString(resp.Participant, "coverageAmount"),
		getString(resp.Participant, "premiumPaid"))), nil
}

// HandleFileClaim files a claim.
func (h *Handlers) HandleFileClaim(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tokenID, ok := idArg(req, "token_id")
	if !ok {
		return mcp.NewToolResultError("token_id is required"), nil
	}
	merchant := req.GetString("merchant", "")
	if merchant == "" {
		return mcp.NewToolResultError("merchant is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}

	raw, err := h.client.FileClaim(ctx, tokenID, merchant, amount, req.GetString("reason", ""), objectArg(req, "evidence"))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Claim failed: %v", err)), nil
	}
	text, err := formatClaim(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse claim: %v", err)), nil
	}
	return mcp.NewToolResultText("Claim filed.\n\n" + text), nil
}

// HandleDisputeClaim disputes a claim.
func (h *Handlers) HandleDisputeClaim(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("claim_id", "")
	if id == "" {
		return mcp.NewToolResultError("claim_id is required"), nil
	}
	raw, err := h.client.DisputeClaim(ctx, id, objectArg(req, "evidence"))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}
	text, err := formatClaim(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse claim: %v", err)), nil
	}
	return mcp.NewToolResultText("Claim disputed.\n\n" + text), nil
}

// --- Argument helpers ---

// idArg reads a non-negative integer argument. JSON numbers arrive as float64.
func idArg(req mcp.CallToolRequest, key string) (uint64, bool) {
	n := req.GetInt(key, -1)
	if n < 0 {
		return 0, false
	}
	return uint64(n), true
}

func objectArg(req mcp.CallToolRequest, key string) map[string]any {
	if m, ok := req.GetArguments()[key].(map[string]any); ok {
		return m
	}
	return nil
}

// --- Formatting helpers ---

func formatPoolList(raw json.RawMessage) (string, error) {
	var resp struct {
		Pools []map[string]any `json:"pools"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Pools) == 0 {
		return "No insurance pools found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d pool(s):\n\n", len(resp.Pools))
	for i, p := range resp.Pools {
		writePool(&sb, p, fmt.Sprintf("%d. ", i+1))
		if i < len(resp.Pools)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatPool(raw json.RawMessage) (string, error) {
	var resp struct {
		Pool             map[string]any `json:"pool"`
		ParticipantCount *float64       `json:"participantCount"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Pool == nil {
		return "", fmt.Errorf("no pool in response")
	}

	var sb strings.Builder
	writePool(&sb, resp.Pool, "")
	if resp.ParticipantCount != nil {
		fmt.Fprintf(&sb, "   Participants: %.0f\n", *resp.ParticipantCount)
	}
	return sb.String(), nil
}

func writePool(sb *strings.Builder, p map[string]any, prefix string) {
	status := "open"
	if active, ok := p["active"].(bool); ok && !active {
		status = "closed"
	}
	fmt.Fprintf(sb, "%sPool %s: %s (%s)\n", prefix, getString(p, "id"), getString(p, "name"), status)
	fmt.Fprintf(sb, "   Premium: %s bps | Risk level: %s\n", getString(p, "premiumRateBps"), getString(p, "riskLevel"))
	fmt.Fprintf(sb, "   Staked: %s | Coverage: %s\n", getString(p, "totalStaked"), getString(p, "totalCoverage"))
}

func formatRisk(raw json.RawMessage) (string, error) {
	var resp struct {
		Assessment map[string]any `json:"assessment"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	a := resp.Assessment
	if a == nil {
		return "", fmt.Errorf("no assessment in response")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk assessment for agent %s:\n", getString(a, "tokenId"))
	fmt.Fprintf(&sb, "  Risk: %s/100 | Reputation tier: %s\n", getString(a, "risk"), getString(a, "tier"))
	fmt.Fprintf(&sb, "  Reputation: %s | Staking: %s | Claims: %s\n",
		getString(a, "reputationRisk"), getString(a, "stakingRisk"), getString(a, "claimHistoryRisk"))
	fmt.Fprintf(&sb, "  Suggested premium: %s bps\n", getString(a, "suggestedPremiumBps"))
	return sb.String(), nil
}

func formatClaimList(raw json.RawMessage) (string, error) {
	var resp struct {
		Claims     []map[string]any `json:"claims"`
		NextCursor string           `json:"nextCursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Claims) == 0 {
		return "No claims found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d claim(s):\n\n", len(resp.Claims))
	for i, c := range resp.Claims {
		fmt.Fprintf(&sb, "%d. %s [%s] agent %s, %s against %s\n", i+1,
			getString(c, "id"), getString(c, "status"), getString(c, "tokenId"),
			getString(c, "amount"), getString(c, "merchant"))
	}
	if resp.NextCursor != "" {
		fmt.Fprintf(&sb, "\nMore claims available: call list_claims with cursor %q\n", resp.NextCursor)
	}
	return sb.String(), nil
}

func formatClaim(raw json.RawMessage) (string, error) {
	var resp struct {
		Claim map[string]any `json:"claim"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	c := resp.Claim
	if c == nil {
		return "", fmt.Errorf("no claim in response")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Claim %s\n", getString(c, "id"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(c, "status"))
	fmt.Fprintf(&sb, "  Agent: %s | Merchant: %s\n", getString(c, "tokenId"), getString(c, "merchant"))
	fmt.Fprintf(&sb, "  Amount: %s\n", getString(c, "amount"))
	if v := getString(c, "provider"); v != "" {
		fmt.Fprintf(&sb, "  Oracle: %s", v)
		if req := getString(c, "requestId"); req != "" {
			fmt.Fprintf(&sb, " (request %s)", req)
		}
		sb.WriteString("\n")
	}
	if upheld, ok := c["upheld"].(bool); ok {
		verdict := "rejected"
		if upheld {
			verdict = "upheld"
		}
		fmt.Fprintf(&sb, "  Verdict: %s\n", verdict)
	}
	if v := getString(c, "disputeId"); v != "" {
		fmt.Fprintf(&sb, "  Dispute: %s\n", v)
	}
	if v := getString(c, "lastError"); v != "" {
		fmt.Fprintf(&sb, "  Last error: %s\n", v)
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a value from a map as a string, trying several keys.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
