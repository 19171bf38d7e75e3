package repositories

import (
	"context"

	"github.com/yoockh/livescribe/internal/models"
)

// SessionRepository stores session metadata. Mongo is the default backend;
// redis and sqlite implement the same contract.
type SessionRepository interface {
	Create(ctx context.Context, s *models.Session) error
	// End records the terminal state. It upserts so a session whose Create
	// failed still leaves a record.
	End(ctx context.Context, s *models.Session) error
	GetBySessionID(ctx context.Context, sessionID string) (*models.Session, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error)
}
