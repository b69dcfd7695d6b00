package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	h := NewHandlers(NewCoverClient(Config{APIURL: ts.URL, Token: "tok_test"}))
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"pools":[]}`))
	}))
	defer ts.Close()

	_, err := NewCoverClient(Config{APIURL: ts.URL, Token: "secret"}).ListPools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestClient_NoTokenNoHeader(t *testing.T) {
	var hasAuth bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasAuth = r.Header["Authorization"]
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewCoverClient(Config{APIURL: ts.URL}).GetRisk(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, hasAuth)
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "invalid_state",
			"message": "claim is not in a state that allows this operation",
		})
	}))
	defer ts.Close()

	_, err := NewCoverClient(Config{APIURL: ts.URL}).DisputeClaim(context.Background(), "clm_1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "not in a state")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	_, err := NewCoverClient(Config{APIURL: ts.URL}).ListPools(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	_, err := NewCoverClient(Config{APIURL: "http://127.0.0.1:1"}).ListPools(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewCoverClient(Config{APIURL: ts.URL}).ListPools(ctx)
	require.Error(t, err)
}

func TestClient_ListClaims_QueryParams(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/claims", r.URL.Path)
		assert.Equal(t, "submitted", r.URL.Query().Get("status"))
		assert.Equal(t, "42", r.URL.Query().Get("tokenId"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "abc", r.URL.Query().Get("cursor"))
		_, _ = w.Write([]byte(`{"claims":[]}`))
	}))
	defer ts.Close()

	tokenID := uint64(42)
	_, err := NewCoverClient(Config{APIURL: ts.URL}).ListClaims(context.Background(), "submitted", &tokenID, 5, "abc")
	require.NoError(t, err)
}

func TestClient_ListClaims_NoParams(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"claims":[]}`))
	}))
	defer ts.Close()

	_, err := NewCoverClient(Config{APIURL: ts.URL}).ListClaims(context.Background(), "", nil, 0, "")
	require.NoError(t, err)
}

func TestClient_FileClaim_RequestBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, float64(7), body["tokenId"])
		assert.Equal(t, "0xMERCHANT", body["merchant"])
		assert.Equal(t, "12.5", body["amount"])
		assert.Equal(t, map[string]any{"log": "timeout"}, body["evidence"])
		writeJSON(w, http.StatusCreated, map[string]any{"claim": map[string]any{"id": "clm_1"}})
	}))
	defer ts.Close()

	_, err := NewCoverClient(Config{APIURL: ts.URL, Token: "t"}).
		FileClaim(context.Background(), 7, "0xMERCHANT", "12.5", "", map[string]any{"log": "timeout"})
	require.NoError(t, err)
}

func TestClient_DisputeClaim_EmptyBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/claims/clm_9/dispute", r.URL.Path)
		assert.Empty(t, r.Header.Get("Content-Type"))
		raw, _ := io.ReadAll(r.Body)
		assert.Empty(t, raw)
		_, _ = w.Write([]byte(`{"claim":{}}`))
	}))
	defer ts.Close()

	_, err := NewCoverClient(Config{APIURL: ts.URL, Token: "t"}).DisputeClaim(context.Background(), "clm_9", nil)
	require.NoError(t, err)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleListPools(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/pools", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"pools": []map[string]any{
				{"id": 1, "name": "Core", "premiumRateBps": 150, "riskLevel": 20, "active": true,
					"totalStaked": "1000.000000", "totalCoverage": "800.000000"},
				{"id": 2, "name": "Legacy", "premiumRateBps": 300, "riskLevel": 60, "active": false,
					"totalStaked": "0.000000", "totalCoverage": "0.000000"},
			},
			"count": 2,
		})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListPools(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 pool(s)")
	assert.Contains(t, text, "Pool 1: Core (open)")
	assert.Contains(t, text, "Pool 2: Legacy (closed)")
	assert.Contains(t, text, "Premium: 150 bps")
	assert.Contains(t, text, "Staked: 1000.000000")
}

func TestHandleListPools_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/pools", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"pools": []any{}, "count": 0})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListPools(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No insurance pools found.", resultText(t, result))
}

func TestHandleGetPool(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/pools/3", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"pool":             map[string]any{"id": 3, "name": "Core", "active": true},
			"participantCount": 12,
		})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetPool(context.Background(), makeRequest(map[string]any{"pool_id": float64(3)}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	text := resultText(t, result)
	assert.Contains(t, text, "Pool 3: Core")
	assert.Contains(t, text, "Participants: 12")
}

func TestHandleGetPool_MissingID(t *testing.T) {
	h := NewHandlers(NewCoverClient(Config{APIURL: "http://127.0.0.1:1"}))
	result, err := h.HandleGetPool(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "pool_id is required")
}

func TestHandleGetRiskScore(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agents/42/risk", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"assessment": map[string]any{
			"tokenId": 42, "risk": 27, "tier": 3,
			"reputationRisk": 20, "stakingRisk": 30, "claimHistoryRisk": 0,
			"suggestedPremiumBps": 127,
		}})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetRiskScore(context.Background(), makeRequest(map[string]any{"token_id": float64(42)}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "agent 42")
	assert.Contains(t, text, "Risk: 27/100 | Reputation tier: 3")
	assert.Contains(t, text, "Suggested premium: 127 bps")
}

func TestHandleGetRiskScore_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agents/9/risk", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "no reputation recorded for agent"})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetRiskScore(context.Background(), makeRequest(map[string]any{"token_id": float64(9)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "no reputation recorded")
}

func TestHandleListClaims(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/claims", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "resolved", r.URL.Query().Get("status"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{"claims": []map[string]any{
			{"id": "clm_a", "status": "resolved", "tokenId": 7, "amount": "25.000000", "merchant": "0xM"},
		}})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListClaims(context.Background(), makeRequest(map[string]any{"status": "resolved"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "1. clm_a [resolved] agent 7, 25.000000 against 0xM")
	assert.NotContains(t, text, "More claims available")
}

func TestHandleListClaims_NextPage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/claims", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cur1", r.URL.Query().Get("cursor"))
		writeJSON(w, http.StatusOK, map[string]any{
			"claims": []map[string]any{
				{"id": "clm_b", "status": "submitted", "tokenId": 9, "amount": "1.000000", "merchant": "0xN"},
			},
			"hasMore":    true,
			"nextCursor": "cur2",
		})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListClaims(context.Background(), makeRequest(map[string]any{"cursor": "cur1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), `call list_claims with cursor "cur2"`)
}

func TestHandleGetClaim(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/claims/clm_x", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"claim": map[string]any{
			"id": "clm_x", "status": "resolved", "tokenId": 7, "merchant": "0xM", "amount": "5.000000",
			"provider": "uma", "requestId": "req-1", "upheld": true, "disputeId": "ch-req-1",
		}})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetClaim(context.Background(), makeRequest(map[string]any{"claim_id": "clm_x"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Status: resolved")
	assert.Contains(t, text, "Oracle: uma (request req-1)")
	assert.Contains(t, text, "Verdict: upheld")
	assert.Contains(t, text, "Dispute: ch-req-1")
}

func TestHandleJoinPool(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/pools/1/join", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok_test", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "100", body["stake"])
		writeJSON(w, http.StatusCreated, map[string]any{"participant": map[string]any{
			"stakeAmount": "100.000000", "coverageAmount": "80.000000", "premiumPaid": "1.000000",
		}})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleJoinPool(context.Background(), makeRequest(map[string]any{
		"pool_id": float64(1), "token_id": float64(7), "stake": "100",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	text := resultText(t, result)
	assert.Contains(t, text, "Joined pool 1 with agent 7")
	assert.Contains(t, text, "Premium paid: 1.000000")
}

func TestHandleFileClaim_Validation(t *testing.T) {
	h := NewHandlers(NewCoverClient(Config{APIURL: "http://127.0.0.1:1"}))

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing token", map[string]any{"merchant": "0xM", "amount": "1"}, "token_id is required"},
		{"missing merchant", map[string]any{"token_id": float64(1), "amount": "1"}, "merchant is required"},
		{"missing amount", map[string]any{"token_id": float64(1), "merchant": "0xM"}, "amount is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleFileClaim(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleFileClaim(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/claims", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "no response", body["reason"])
		writeJSON(w, http.StatusCreated, map[string]any{"claim": map[string]any{
			"id": "clm_new", "status": "submitted", "provider": "kleros", "requestId": "42",
		}})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleFileClaim(context.Background(), makeRequest(map[string]any{
		"token_id": float64(7), "merchant": "0xM", "amount": "3", "reason": "no response",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	text := resultText(t, result)
	assert.Contains(t, text, "Claim filed.")
	assert.Contains(t, text, "Claim clm_new")
	assert.Contains(t, text, "Oracle: kleros (request 42)")
}

func TestHandleDisputeClaim(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/claims/clm_d/dispute", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"note": "delivered"}, body["evidence"])
		writeJSON(w, http.StatusOK, map[string]any{"claim": map[string]any{
			"id": "clm_d", "status": "submitted", "disputeId": "ch-1",
		}})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleDisputeClaim(context.Background(), makeRequest(map[string]any{
		"claim_id": "clm_d", "evidence": map[string]any{"note": "delivered"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	assert.Contains(t, resultText(t, result), "Dispute: ch-1")
}

// ============================================================
// Server wiring
// ============================================================

func TestNewMCPServer(t *testing.T) {
	require.NotNil(t, NewMCPServer(Config{APIURL: "http://localhost:8080"}, "test"))
	require.NotNil(t, NewMCPServer(Config{APIURL: "http://localhost:8080", Token: "t"}, "test"))
}

// Failures are reported in the result, never as a Go error.
func TestHandlers_NeverReturnGoError(t *testing.T) {
	h := NewHandlers(NewCoverClient(Config{APIURL: "http://127.0.0.1:1"}))

	tests := []struct {
		name string
		fn   func() (*mcp.CallToolResult, error)
	}{
		{"ListPools", func() (*mcp.CallToolResult, error) {
			return h.HandleListPools(context.Background(), makeRequest(nil))
		}},
		{"GetPool", func() (*mcp.CallToolResult, error) {
			return h.HandleGetPool(context.Background(), makeRequest(map[string]any{"pool_id": float64(1)}))
		}},
		{"GetRiskScore", func() (*mcp.CallToolResult, error) {
			return h.HandleGetRiskScore(context.Background(), makeRequest(map[string]any{"token_id": float64(1)}))
		}},
		{"ListClaims", func() (*mcp.CallToolResult, error) {
			return h.HandleListClaims(context.Background(), makeRequest(nil))
		}},
		{"GetClaim", func() (*mcp.CallToolResult, error) {
			return h.HandleGetClaim(context.Background(), makeRequest(map[string]any{"claim_id": "c"}))
		}},
		{"JoinPool", func() (*mcp.CallToolResult, error) {
			return h.HandleJoinPool(context.Background(), makeRequest(map[string]any{
				"pool_id": float64(1), "token_id": float64(1), "stake": "1"}))
		}},
		{"FileClaim", func() (*mcp.CallToolResult, error) {
			return h.HandleFileClaim(context.Background(), makeRequest(map[string]any{
				"token_id": float64(1), "merchant": "0xM", "amount": "1"}))
		}},
		{"DisputeClaim", func() (*mcp.CallToolResult, error) {
			return h.HandleDisputeClaim(context.Background(), makeRequest(map[string]any{"claim_id": "c"}))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.fn()
			assert.NoError(t, err)
			require.NotNil(t, result)
			assert.True(t, result.IsError)
		})
	}
}
