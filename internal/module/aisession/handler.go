package aisession

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/klarpost/server/internal/shared/errors"
	"github.com/klarpost/server/internal/shared/response"
)

// Handler exposes the session lifecycle over HTTP.
type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes mounts the session endpoints on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/ai/sessions", h.Start)
	r.POST("/ai/sessions/:id/messages", h.Extend)
	r.DELETE("/ai/sessions/:id", h.Close)
}

type StartRequest struct {
	CaseID string `json:"case_id" binding:"required,uuid"`
}

func (h *Handler) Start(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}

	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.ValidationError("case_id is required and must be a UUID"))
		return
	}
	caseID, err := uuid.Parse(req.CaseID)
	if err != nil {
		response.Error(c, apperrors.ValidationError("invalid case_id"))
		return
	}

	session, err := h.manager.Start(c.Request.Context(), userID, caseID)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handler) Extend(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperrors.ValidationError("invalid session id"))
		return
	}

	session, err := h.manager.Extend(c.Request.Context(), userID, sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) Close(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperrors.ValidationError("invalid session id"))
		return
	}

	if err := h.manager.Close(c.Request.Context(), userID, sessionID); err != nil {
		response.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
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
