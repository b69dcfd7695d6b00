package riskscore

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for risk quotes.
type Handler struct {
	scorer *Scorer
}

// NewHandler creates a new risk handler.
func NewHandler(scorer *Scorer) *Handler {
	return &Handler{scorer: scorer}
}

// RegisterRoutes sets up the read-only risk routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents/:tokenId/risk", h.GetRisk)
	r.GET("/agents/:tokenId/risk/history", h.ListHistory)
}

// GetRisk handles GET /v1/agents/:tokenId/risk
func (h *Handler) GetRisk(c *gin.Context) {
	tokenID, err := strconv.ParseUint(c.Param("tokenId"), 10, 63)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_token_id", "message": "tokenId must be an unsigned integer below 2^63"})
		return
	}

	a, err := h.scorer.Assess(c.Request.Context(), tokenID)
	if err != nil {
		if errors.Is(err, ErrNoReputation) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "collaborator_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"assessment": a})
}

// ListHistory handles GET /v1/agents/:tokenId/risk/history
func (h *Handler) ListHistory(c *gin.Context) {
	tokenID, err := strconv.ParseUint(c.Param("tokenId"), 10, 63)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_token_id", "message": "tokenId must be an unsigned integer below 2^63"})
		return
	}
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 500 {
		limit = l
	}

	list, err := h.scorer.History(c.Request.Context(), tokenID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessments": list, "count": len(list)})
}
