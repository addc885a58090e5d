package billingsync

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/klarpost/server/internal/shared/errors"
	"github.com/klarpost/server/internal/shared/response"
)

// Handler exposes the sync operation over HTTP.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the billing endpoints on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/billing/sync", h.Sync)
}

// Sync refreshes the caller's subscription mirror from the billing provider.
func (h *Handler) Sync(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}

	sub, err := h.service.Sync(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func getUserID(c *gin.Context) (uuid.UUID, bool) {
	raw, exists := c.Get("user_id")
	if !exists {
		response.Error(c, apperrors.Unauthorized("authentication required"))
		return uuid.Nil, false
	}
	id, ok := raw.(uuid.UUID)
	if !ok {
		response.Error(c, apperrors.Unauthorized("invalid authentication context"))
		return uuid.Nil, false
	}
	return id, true
}
