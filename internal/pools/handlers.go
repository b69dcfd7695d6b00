package pools

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentcover/internal/amount"
)

// Handler provides HTTP endpoints for the pool ledger.
type Handler struct {
	service *Service
}

// NewHandler creates a new pools handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) pool routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/pools", h.ListPools)
	r.GET("/pools/:id", h.GetPool)
	r.GET("/pools/:id/participants", h.ListParticipants)
	r.GET("/pools/:id/participants/:tokenId", h.GetParticipant)
	r.GET("/pools/:id/accruals/:tokenId", h.GetAccrual)
}

// RegisterProtectedRoutes sets up protected (auth-required) pool routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/pools", h.CreatePool)
	r.POST("/pools/:id/join", h.JoinPool)
	r.POST("/pools/:id/leave", h.LeavePool)
	r.POST("/pools/:id/accruals/:tokenId/claim", h.ClaimAccrual)
	r.POST("/pools/:id/active", h.SetActive)
}

// CreatePoolRequest is the body of POST /v1/pools.
type CreatePoolRequest struct {
	Name           string `json:"name" binding:"required"`
	PremiumRateBPS int    `json:"premiumRateBps"`
	RiskLevel      int    `json:"riskLevel"`
}

// JoinPoolRequest is the body of POST /v1/pools/:id/join. Stake is a
// decimal token amount ("10000.50"); StakeRaw, if set, is in smallest units.
type JoinPoolRequest struct {
	TokenID  *uint64 `json:"tokenId" binding:"required"`
	Stake    string  `json:"stake"`
	StakeRaw string  `json:"stakeRaw"`
}

// LeavePoolRequest is the body of POST /v1/pools/:id/leave.
type LeavePoolRequest struct {
	TokenID *uint64 `json:"tokenId" binding:"required"`
}

// SetActiveRequest is the body of POST /v1/pools/:id/active.
type SetActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// CreatePool handles POST /v1/pools
func (h *Handler) CreatePool(c *gin.Context) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}
	var req CreatePoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	pool, err := h.service.CreatePool(c.Request.Context(), caller, req.Name, req.PremiumRateBPS, req.RiskLevel)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pool": pool})
}

// GetPool handles GET /v1/pools/:id
func (h *Handler) GetPool(c *gin.Context) {
	poolID, ok := parseUintParam(c, "id", "invalid_pool_id")
	if !ok {
		return
	}
	pool, err := h.service.GetPool(c.Request.Context(), poolID)
	if err != nil {
		writeError(c, err)
		return
	}
	count, err := h.service.GetParticipantCount(c.Request.Context(), poolID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pool": pool, "participantCount": count})
}

// ListPools handles GET /v1/pools
func (h *Handler) ListPools(c *gin.Context) {
	limit := parseLimit(c, 50, 500)
	pools, err := h.service.ListPools(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pools": pools, "count": len(pools)})
}

// ListParticipants handles GET /v1/pools/:id/participants
func (h *Handler) ListParticipants(c *gin.Context) {
	poolID, ok := parseUintParam(c, "id", "invalid_pool_id")
	if !ok {
		return
	}
	participants, err := h.service.ListParticipants(c.Request.Context(), poolID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": participants, "count": len(participants)})
}

// GetParticipant handles GET /v1/pools/:id/participants/:tokenId
func (h *Handler) GetParticipant(c *gin.Context) {
	poolID, ok := parseUintParam(c, "id", "invalid_pool_id")
	if !ok {
		return
	}
	tokenID, ok := parseUintParam(c, "tokenId", "invalid_token_id")
	if !ok {
		return
	}
	p, err := h.service.GetParticipant(c.Request.Context(), poolID, tokenID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participant": p})
}

// GetAccrual handles GET /v1/pools/:id/accruals/:tokenId
func (h *Handler) GetAccrual(c *gin.Context) {
	poolID, ok := parseUintParam(c, "id", "invalid_pool_id")
	if !ok {
		return
	}
	tokenID, ok := parseUintParam(c, "tokenId", "invalid_token_id")
	if !ok {
		return
	}
	a, err := h.service.GetAccrual(c.Request.Context(), poolID, tokenID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accrual": a})
}

// JoinPool handles POST /v1/pools/:id/join
func (h *Handler) JoinPool(c *gin.Context) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}
	poolID, ok := parseUintParam(c, "id", "invalid_pool_id")
	if !ok {
		return
	}
	var req JoinPoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	var stake *big.Int
	var parsed bool
	if req.StakeRaw != "" {
		stake, parsed = amount.ParseRaw(req.StakeRaw)
	} else {
		stake, parsed = amount.Parse(req.Stake)
	}
	if !parsed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "stake must be a non-negative decimal amount"})
		return
	}

	p, err := h.service.JoinPool(c.Request.Context(), caller, poolID, *req.TokenID, stake)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"participant": p,
		"debited":     amount.Format(new(big.Int).Add(p.StakeAmount, p.PremiumPaid)),
	})
}

// LeavePool handles POST /v1/pools/:id/leave
func (h *Handler) LeavePool(c *gin.Context) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}
	poolID, ok := parseUintParam(c, "id", "invalid_pool_id")
	if !ok {
		return
	}
	var req LeavePoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	refund, err := h.service.LeavePool(c.Request.Context(), caller, poolID, *req.TokenID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": amount.Format(refund), "refundRaw": refund.String()})
}

// ClaimAccrual handles POST /v1/pools/:id/accruals/:tokenId/claim
func (h *Handler) ClaimAccrual(c *gin.Context) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}
	poolID, ok := parseUintParam(c, "id", "invalid_pool_id")
	if !ok {
		return
	}
	tokenID, ok := parseUintParam(c, "tokenId", "invalid_token_id")
	if !ok {
		return
	}

	paid, err := h.service.ClaimAccrual(c.Request.Context(), caller, poolID, tokenID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paid": amount.Format(paid)})
}

// SetActive handles POST /v1/pools/:id/active
func (h *Handler) SetActive(c *gin.Context) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}
	poolID, ok := parseUintParam(c, "id", "invalid_pool_id")
	if !ok {
		return
	}
	var req SetActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "active is required"})
		return
	}

	pool, err := h.service.SetPoolActive(c.Request.Context(), caller, poolID, *req.Active)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pool": pool})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrPoolNotFound):
		status, code = http.StatusNotFound, "pool_not_found"
	case errors.Is(err, ErrNotParticipant):
		status, code = http.StatusNotFound, "not_participant"
	case errors.Is(err, ErrAlreadyParticipant):
		status, code = http.StatusConflict, "already_participant"
	case errors.Is(err, ErrPoolNotActive):
		status, code = http.StatusConflict, "pool_not_active"
	case errors.Is(err, ErrNothingAccrued):
		status, code = http.StatusConflict, "nothing_accrued"
	case errors.Is(err, ErrInvalidPremiumRate):
		status, code = http.StatusBadRequest, "invalid_premium_rate"
	case errors.Is(err, ErrInvalidRiskLevel):
		status, code = http.StatusBadRequest, "invalid_risk_level"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInvalidName):
		status, code = http.StatusBadRequest, "invalid_name"
	case errors.Is(err, ErrNotAdmin):
		status, code = http.StatusForbidden, "not_admin"
	case errors.Is(err, ErrNotTokenOwner):
		status, code = http.StatusForbidden, "not_token_owner"
	case errors.Is(err, ErrTransferFailed):
		status, code = http.StatusPaymentRequired, "transfer_failed"
	case errors.Is(err, ErrTransferUnconfirmed):
		status, code = http.StatusAccepted, "transfer_unconfirmed"
	case errors.Is(err, ErrInvalidID):
		status, code = http.StatusBadRequest, "invalid_id"
	case errors.Is(err, ErrReentrantCall):
		status, code = http.StatusConflict, "reentrant_call"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func callerAddress(c *gin.Context) (common.Address, bool) {
	addr := c.GetString("authAgentAddr")
	if !common.IsHexAddress(addr) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Authenticated agent address required"})
		return common.Address{}, false
	}
	return common.HexToAddress(addr), true
}

func parseUintParam(c *gin.Context, name, code string) (uint64, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 63)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": name + " must be an unsigned integer below 2^63"})
		return 0, false
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
