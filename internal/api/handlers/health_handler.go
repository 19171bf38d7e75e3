package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yoockh/livescribe/internal/stream"
)

// EngineProbe reports the health of the transcription engine.
type EngineProbe interface {
	Health(ctx context.Context) (map[string]any, error)
}

type HealthHandler struct {
	registry *stream.Registry
	engine   EngineProbe
}

// NewHealthHandler builds the handler. engine may be nil when the engine has
// no health endpoint.
func NewHealthHandler(registry *stream.Registry, engine EngineProbe) *HealthHandler {
	return &HealthHandler{registry: registry, engine: engine}
}

func (h *HealthHandler) Health(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"sessions": gin.H{
			"live":     h.registry.LiveCount(),
			"queued":   h.registry.QueueLength(),
			"capacity": h.registry.Capacity(),
		},
	}
	status := http.StatusOK

	if h.engine != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		info, err := h.engine.Health(ctx)
		if err != nil {
			body["status"] = "degraded"
			body["engine"] = gin.H{"status": "unreachable", "error": err.Error()}
			status = http.StatusServiceUnavailable
		} else {
			body["engine"] = info
		}
	}
	c.JSON(status, body)
}
