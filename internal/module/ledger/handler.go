package ledger

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/klarpost/server/internal/shared/errors"
	"github.com/klarpost/server/internal/shared/response"
)

// Handler handles HTTP requests for credits.
type Handler struct {
	service *Service
}

// NewHandler creates a new credits handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers the credit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	credits := r.Group("/credits")
	{
		credits.GET("/balance", h.Balance)
		credits.GET("/history", h.History)
		credits.POST("/apply", h.Apply)
	}
}

// ApplyRequest is the payload for crediting a wallet.
type ApplyRequest struct {
	Amount       int64  `json:"amount" binding:"required"`
	Reason       string `json:"reason" binding:"required"`
	TargetUserID string `json:"target_user_id"`
}

// Apply credits a wallet. Crediting another user, or using the
// admin_adjustment reason, requires the administrator role.
func (h *Handler) Apply(c *gin.Context) {
	actorID := getUserID(c)
	if actorID == uuid.Nil {
		response.Error(c, apperrors.Unauthorized(""))
		return
	}

	var req ApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.ValidationError(err.Error()))
		return
	}

	targetID := actorID
	if req.TargetUserID != "" {
		parsed, err := uuid.Parse(req.TargetUserID)
		if err != nil {
			response.Error(c, apperrors.ValidationError("target_user_id must be a UUID"))
			return
		}
		targetID = parsed
	}

	entry, err := h.service.ApplyCredits(c.Request.Context(), actorID, targetID, req.Amount, req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, entry)
}

// Balance returns the caller's wallet.
func (h *Handler) Balance(c *gin.Context) {
	userID := getUserID(c)
	if userID == uuid.Nil {
		response.Error(c, apperrors.Unauthorized(""))
		return
	}

	wallet, err := h.service.Balance(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, wallet)
}

// History returns the caller's ledger entries, oldest first.
func (h *Handler) History(c *gin.Context) {
	userID := getUserID(c)
	if userID == uuid.Nil {
		response.Error(c, apperrors.Unauthorized(""))
		return
	}

	entries, err := h.service.History(c.Request.Context(), userID, 0)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// --- Helpers ---

func getUserID(c *gin.Context) uuid.UUID {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		return uuid.Nil
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return userID
}
