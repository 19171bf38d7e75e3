package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/yoockh/livescribe/internal/services"
	"github.com/yoockh/livescribe/internal/storage"
)

const audioURLTTL = 15 * time.Minute

type ReviewHandler struct {
	reviews  services.ReviewService
	sessions services.SessionService
	signer   storage.Signer
	logger   *logrus.Logger
}

// NewReviewHandler builds the handler. signer may be nil when recordings are
// not archived.
func NewReviewHandler(reviews services.ReviewService, sessions services.SessionService, signer storage.Signer, logger *logrus.Logger) *ReviewHandler {
	return &ReviewHandler{reviews: reviews, sessions: sessions, signer: signer, logger: logger}
}

func (h *ReviewHandler) ListBySession(c *gin.Context) {
	const op = "ReviewHandler.ListBySession"

	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	sessionID := c.Param("session_id")
	sess, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !authorizeOwner(c, op, sess.UserID, userID) {
		return
	}

	rows, err := h.reviews.ListBySession(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}

	if h.signer != nil {
		for i := range rows {
			if rows[i].AudioURL == "" {
				continue
			}
			url, err := h.signer.SignedGetURL(c.Request.Context(), rows[i].AudioURL, audioURLTTL)
			if err != nil {
				h.logger.WithError(err).WithField("session_id", sessionID).Warn("failed to sign audio url")
				rows[i].AudioURL = ""
				continue
			}
			rows[i].AudioURL = url
		}
	}

	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "items": rows})
}

// Pending lists records awaiting review (admin).
func (h *ReviewHandler) Pending(c *gin.Context) {
	rows, err := h.reviews.ListPending(c.Request.Context(), queryLimit(c, 100, 500))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows})
}
