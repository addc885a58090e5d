package override

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/klarpost/server/internal/module/plan"
	apperrors "github.com/klarpost/server/internal/shared/errors"
	"github.com/klarpost/server/internal/shared/response"
)

// Handler handles HTTP requests for plan overrides.
type Handler struct {
	service *Service
}

// NewHandler creates a new override handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers the override admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	overrides := r.Group("/overrides")
	{
		overrides.POST("", h.Apply)
		overrides.DELETE("/:user_id", h.Remove)
		overrides.GET("/:user_id/audit", h.Audit)
	}
}

// ApplyRequest is the payload for assigning an override.
type ApplyRequest struct {
	TargetUserID string     `json:"target_user_id" binding:"required"`
	PlanCode     string     `json:"plan_code" binding:"required"`
	IsActive     *bool      `json:"is_active"`
	ExpiresAt    *time.Time `json:"expires_at"`
	Reason       string     `json:"reason" binding:"required"`
}

// Apply assigns or updates a plan override for a user.
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
	targetID, err := uuid.Parse(req.TargetUserID)
	if err != nil {
		response.Error(c, apperrors.ValidationError("target_user_id must be a UUID"))
		return
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	ov, err := h.service.Apply(c.Request.Context(), actorID, ApplyInput{
		TargetUserID: targetID,
		PlanCode:     plan.Key(req.PlanCode),
		IsActive:     isActive,
		ExpiresAt:    req.ExpiresAt,
		Reason:       req.Reason,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, ov)
}

// Remove deactivates a user's override.
func (h *Handler) Remove(c *gin.Context) {
	actorID := getUserID(c)
	if actorID == uuid.Nil {
		response.Error(c, apperrors.Unauthorized(""))
		return
	}

	targetID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		response.Error(c, apperrors.ValidationError("user_id must be a UUID"))
		return
	}

	reason := c.Query("reason")
	if err := h.service.Remove(c.Request.Context(), actorID, targetID, reason); err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"removed": true})
}

// Audit returns the override audit trail for a user.
func (h *Handler) Audit(c *gin.Context) {
	actorID := getUserID(c)
	if actorID == uuid.Nil {
		response.Error(c, apperrors.Unauthorized(""))
		return
	}

	targetID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		response.Error(c, apperrors.ValidationError("user_id must be a UUID"))
		return
	}

	entries, err := h.service.Audit(c.Request.Context(), actorID, targetID, 0)
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
