package settlement

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentcover/internal/amount"
	"github.com/mbd888/agentcover/internal/arbitration"
	"github.com/mbd888/agentcover/internal/pagination"
)

// Handler provides HTTP endpoints for claims.
type Handler struct {
	service *Service
}

// NewHandler creates a new claims handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) claim routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/claims", h.ListClaims)
	r.GET("/claims/:id", h.GetClaim)
}

// RegisterProtectedRoutes sets up protected (auth-required) claim routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/claims", h.SubmitClaim)
	r.POST("/claims/:id/dispute", h.Dispute)
	r.POST("/claims/:id/retry", h.Retry)
}

// SubmitClaimRequest is the body of POST /v1/claims. Amount is a decimal
// token amount; AmountRaw, if set, is in smallest units.
type SubmitClaimRequest struct {
	TokenID   *uint64         `json:"tokenId" binding:"required"`
	Merchant  string          `json:"merchant" binding:"required"`
	Amount    string          `json:"amount"`
	AmountRaw string          `json:"amountRaw"`
	Reason    string          `json:"reason"`
	Evidence  json.RawMessage `json:"evidence"`
}

// DisputeRequest is the body of POST /v1/claims/:id/dispute.
type DisputeRequest struct {
	Evidence json.RawMessage `json:"evidence"`
}

// SubmitClaim handles POST /v1/claims
func (h *Handler) SubmitClaim(c *gin.Context) {
	caller := c.GetString("authAgentAddr")
	var req SubmitClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tokenId and merchant are required"})
		return
	}

	amt, ok := parseAmount(req.Amount, req.AmountRaw)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be a positive decimal"})
		return
	}

	claim, err := h.service.SubmitClaim(c.Request.Context(), SubmitRequest{
		TokenID:  *req.TokenID,
		Merchant: req.Merchant,
		Amount:   amt,
		Reason:   req.Reason,
		Evidence: req.Evidence,
		FiledBy:  caller,
	})
	if err != nil {
		if claim != nil {
			// Recorded but not accepted upstream; the caller can retry it.
			status, code := errorStatus(err)
			c.JSON(status, gin.H{"error": code, "message": err.Error(), "claim": claim})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"claim": claim})
}

// GetClaim handles GET /v1/claims/:id
func (h *Handler) GetClaim(c *gin.Context) {
	claim, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claim": claim})
}

// ListClaims handles GET /v1/claims?status=&tokenId=&limit=&cursor=
func (h *Handler) ListClaims(c *gin.Context) {
	f := ListFilter{Status: Status(c.Query("status")), Limit: parseLimit(c, 50, 500)}
	after, err := pagination.Parse(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "cursor is not valid"})
		return
	}
	f.After = after
	if t := c.Query("tokenId"); t != "" {
		id, err := strconv.ParseUint(t, 10, 63)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_token_id", "message": "tokenId must be an unsigned integer below 2^63"})
			return
		}
		f.TokenID = &id
	}

	claims, next, err := h.service.ListPage(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"claims": claims, "count": len(claims), "hasMore": next != ""}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Dispute handles POST /v1/claims/:id/dispute. The authenticated agent is
// the disputant.
func (h *Handler) Dispute(c *gin.Context) {
	caller := c.GetString("authAgentAddr")
	if caller == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Authenticated agent address required"})
		return
	}
	var req DisputeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}

	claim, err := h.service.Dispute(c.Request.Context(), c.Param("id"), caller, req.Evidence)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claim": claim})
}

// Retry handles POST /v1/claims/:id/retry
func (h *Handler) Retry(c *gin.Context) {
	claim, err := h.service.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		if claim != nil {
			status, code := errorStatus(err)
			c.JSON(status, gin.H{"error": code, "message": err.Error(), "claim": claim})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claim": claim})
}

func writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func errorStatus(err error) (int, string) {
	var pe *arbitration.ProviderError
	switch {
	case errors.Is(err, ErrClaimNotFound):
		return http.StatusNotFound, "claim_not_found"
	case errors.Is(err, ErrInvalidClaim), errors.Is(err, arbitration.ErrInvalidClaim):
		return http.StatusBadRequest, "invalid_claim"
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, arbitration.ErrPollTimeout):
		return http.StatusGatewayTimeout, "poll_timeout"
	case errors.Is(err, arbitration.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "provider_unavailable"
	case errors.As(err, &pe):
		return http.StatusBadGateway, "provider_error"
	}
	return http.StatusInternalServerError, "internal_error"
}

func parseAmount(decimal, raw string) (*big.Int, bool) {
	var (
		v  *big.Int
		ok bool
	)
	if raw != "" {
		v, ok = amount.ParseRaw(raw)
	} else {
		v, ok = amount.Parse(decimal)
	}
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

func parseLimit(c *gin.Context, def, max int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}
