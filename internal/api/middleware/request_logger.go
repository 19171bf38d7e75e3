package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// quietPaths are probed constantly; successful hits are not logged.
var quietPaths = map[string]struct{}{
	"/metrics": {},
	"/ping":    {},
	"/health":  {},
}

func RequestLogger(l *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		reqID := c.GetHeader("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header("X-Request-Id", reqID)
		c.Set("request_id", reqID)

		upgrade := c.IsWebsocket()

		c.Next()

		status := c.Writer.Status()
		if _, quiet := quietPaths[c.FullPath()]; quiet && status < 400 {
			return
		}

		fields := logrus.Fields{
			"request_id": reqID,
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     status,
			"ip":         c.ClientIP(),
			"user_id":    c.GetString("user_id"),
		}
		// a websocket request returns when the stream closes
		if upgrade {
			fields["websocket"] = true
			fields["duration_s"] = time.Since(start).Seconds()
		} else {
			fields["latency_ms"] = time.Since(start).Milliseconds()
		}
		if sid := c.Param("session_id"); sid != "" {
			fields["session_id"] = sid
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}

		entry := l.WithFields(fields)
		switch {
		case status >= 500:
			entry.Error("request")
		case status >= 400:
			entry.Warn("request")
		default:
			entry.Info("request")
		}
	}
}
