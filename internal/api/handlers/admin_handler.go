package handlers

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/yoockh/livescribe/internal/services"
	"github.com/yoockh/livescribe/internal/stream"
	"github.com/yoockh/livescribe/internal/utils"
)

type AdminHandler struct {
	registry *stream.Registry
	journal  services.JournalService
}

// NewAdminHandler builds the handler. journal may be nil when batches are not
// journaled.
func NewAdminHandler(registry *stream.Registry, journal services.JournalService) *AdminHandler {
	return &AdminHandler{registry: registry, journal: journal}
}

// Sessions returns the live registry view.
func (h *AdminHandler) Sessions(c *gin.Context) {
	live := h.registry.Snapshot()
	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.Before(live[j].CreatedAt) })

	c.JSON(http.StatusOK, gin.H{
		"capacity":    h.registry.Capacity(),
		"live":        live,
		"queueLength": h.registry.QueueLength(),
	})
}

// Batches returns the journaled transcription passes of a session.
func (h *AdminHandler) Batches(c *gin.Context) {
	if h.journal == nil {
		writeError(c, utils.E(utils.CodeUnavailable, "AdminHandler.Batches", "batch journal is disabled", nil))
		return
	}
	rows, err := h.journal.ListBySession(c.Request.Context(), c.Param("session_id"), 0)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": rows})
}
