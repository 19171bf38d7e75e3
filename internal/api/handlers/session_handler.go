package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yoockh/livescribe/internal/models"
	"github.com/yoockh/livescribe/internal/services"
	"github.com/yoockh/livescribe/internal/stream"
)

type SessionHandler struct {
	svc      services.SessionService
	registry *stream.Registry
}

func NewSessionHandler(svc services.SessionService, registry *stream.Registry) *SessionHandler {
	return &SessionHandler{svc: svc, registry: registry}
}

type SessionResponse struct {
	Stored *models.Session `json:"stored"`
	Live   *stream.Info    `json:"live,omitempty"`
}

// Get returns the stored metadata of a session plus its live view while it
// is still in the registry.
func (h *SessionHandler) Get(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	sessionID := c.Param("session_id")
	sess, err := h.svc.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}

	if !authorizeOwner(c, "SessionHandler.Get", sess.UserID, userID) {
		return
	}

	resp := SessionResponse{Stored: sess}
	if s, ok := h.registry.Get(sessionID); ok {
		info := s.Info()
		resp.Live = &info
	}
	c.JSON(http.StatusOK, resp)
}

// List returns the caller's recent sessions.
func (h *SessionHandler) List(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	rows, err := h.svc.ListByUser(c.Request.Context(), userID, queryLimit(c, 20, 100))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": rows})
}
