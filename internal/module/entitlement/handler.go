package entitlement

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/klarpost/server/internal/shared/errors"
	"github.com/klarpost/server/internal/shared/response"
)

// Handler exposes the entitlement snapshot over HTTP.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the entitlement endpoint on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/entitlements", h.Get)
}

func (h *Handler) Get(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}

	snapshot, err := h.service.GetEntitlements(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
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
