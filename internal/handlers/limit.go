package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"stemsplit-backend/internal/models"
)

type LimitHandler struct {
	limiter Limiter
}

func NewLimitHandler(limiter Limiter) *LimitHandler {
	return &LimitHandler{limiter: limiter}
}

// CheckLimit godoc
// @Summary     Remaining daily allotment for a tool
// @Description Registered users are identified by the bearer token or user_id, anonymous users by fingerprint.
// @Tags        audio
// @Accept      json
// @Produce     json
// @Param       request body models.CheckLimitRequest true "Identity and tool"
// @Success     200 {object} models.LimitResponse
// @Failure     400 {object} models.ErrorResponse
// @Router      /api/v1/audio/check-limit [post]
func (h *LimitHandler) CheckLimit(c *gin.Context) {
	var req models.CheckLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}
	if !validTool(req.ToolCode) {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid tool_code", Message: req.ToolCode})
		return
	}

	id, err := requestIdentity(c, req.UserID, req.Fingerprint)
	if err != nil {
		respondError(c, err)
		return
	}

	decision, err := h.limiter.CheckN(c.Request.Context(), id, req.ToolCode, 1)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.LimitResponse{
		Allowed:   decision.Allowed,
		Remaining: decision.Remaining,
		Limit:     decision.Limit,
		Message:   decision.Message,
	})
}
