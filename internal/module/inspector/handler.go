package inspector

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/klarpost/server/internal/shared/errors"
	"github.com/klarpost/server/internal/shared/response"
)

// Handler exposes the inspector and self-test over HTTP.
type Handler struct {
	service  *Service
	selftest *SelfTest
}

func NewHandler(service *Service, selftest *SelfTest) *Handler {
	return &Handler{service: service, selftest: selftest}
}

// RegisterRoutes mounts the inspection endpoint on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/inspect", h.Inspect)
}

// RegisterAdminRoutes mounts the self-test on an admin-gated group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/selftest", h.SelfTest)
}

// Inspect reconciles the caller's accounting state, or another user's when
// ?target_user_id= is given (admin only, enforced by the service).
func (h *Handler) Inspect(c *gin.Context) {
	actorID, ok := getUserID(c)
	if !ok {
		return
	}

	targetID := actorID
	if raw := c.Query("target_user_id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			response.Error(c, apperrors.ValidationError("invalid target_user_id"))
			return
		}
		targetID = parsed
	}

	report, err := h.service.Inspect(c.Request.Context(), actorID, targetID)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) SelfTest(c *gin.Context) {
	actorID, ok := getUserID(c)
	if !ok {
		return
	}

	report, err := h.selftest.Run(c.Request.Context(), actorID)
	if err != nil {
		response.Error(c, err)
		return
	}

	status := http.StatusOK
	if !report.Passed {
		status = http.StatusInternalServerError
	}
	c.JSON(status, report)
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
