package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/yoockh/livescribe/internal/api/handlers"
	"github.com/yoockh/livescribe/internal/api/middleware"
	"github.com/yoockh/livescribe/internal/metrics"
)

type Deps struct {
	Session *handlers.SessionHandler
	Review  *handlers.ReviewHandler
	Admin   *handlers.AdminHandler
	Health  *handlers.HealthHandler
	WS      *handlers.WSHandler

	JWT      middleware.JWTConfig
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	r.Use(middleware.RequestLogger(d.Logger), middleware.Metrics(d.Metrics))

	// Health-ish
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/health", d.Health.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))

	// Protected routes (JWT)
	auth := r.Group("/")
	auth.Use(middleware.JWTAuth(d.JWT))

	auth.GET("/sessions", d.Session.List)
	auth.GET("/session/:session_id", d.Session.Get)
	auth.GET("/reviews/:session_id", d.Review.ListBySession)

	// WebSocket
	auth.GET("/ws/stream", d.WS.Stream)

	admin := auth.Group("/admin")
	admin.Use(middleware.RequireAdmin())
	admin.GET("/sessions", d.Admin.Sessions)
	admin.GET("/sessions/:session_id/batches", d.Admin.Batches)
	admin.GET("/sessions/:session_id/watch", d.WS.Watch)
	admin.GET("/reviews/pending", d.Review.Pending)
}
