package services

import (
	"context"
	"errors"

	"github.com/yoockh/livescribe/internal/models"
	"github.com/yoockh/livescribe/internal/repositories"
	"github.com/yoockh/livescribe/internal/utils"
)

// SessionService records session metadata. Create and End are called by the
// registry on admission and close.
type SessionService interface {
	Create(ctx context.Context, rec *models.Session) error
	End(ctx context.Context, rec *models.Session) error
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error)
}

type sessionService struct {
	sessions repositories.SessionRepository
}

func NewSessionService(sessions repositories.SessionRepository) SessionService {
	return &sessionService{sessions: sessions}
}

func (s *sessionService) Create(ctx context.Context, rec *models.Session) error {
	const op = "SessionService.Create"

	if rec == nil || rec.SessionID == "" || rec.UserID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id and user_id are required", nil)
	}
	if err := s.sessions.Create(ctx, rec); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to create session", err)
	}
	return nil
}

func (s *sessionService) End(ctx context.Context, rec *models.Session) error {
	const op = "SessionService.End"

	if rec == nil || rec.SessionID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	if !models.IsTerminal(rec.Status) {
		return utils.E(utils.CodeInvalidArgument, op, "status must be terminal", nil)
	}
	if rec.DurationSeconds < 0 {
		rec.DurationSeconds = 0
	}
	if err := s.sessions.End(ctx, rec); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to end session", err)
	}
	return nil
}

func (s *sessionService) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	const op = "SessionService.Get"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}

	out, err := s.sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to get session", err)
	}
	return out, nil
}

func (s *sessionService) ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error) {
	const op = "SessionService.ListByUser"

	if userID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "user_id is required", nil)
	}
	out, err := s.sessions.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list sessions", err)
	}
	return out, nil
}
