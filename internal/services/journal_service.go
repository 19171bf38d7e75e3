package services

import (
	"context"
	"time"

	"github.com/yoockh/livescribe/internal/models"
	mongorepo "github.com/yoockh/livescribe/internal/repositories/mongo"
	"github.com/yoockh/livescribe/internal/utils"
)

// JournalService keeps a short-lived record of every transcription pass.
type JournalService interface {
	RecordBatch(ctx context.Context, rec *models.BatchRecord) error
	ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.BatchRecord, error)
}

type journalService struct {
	batches mongorepo.JournalRepository
	ttl     time.Duration
}

func NewJournalService(batches mongorepo.JournalRepository, ttl time.Duration) JournalService {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &journalService{batches: batches, ttl: ttl}
}

func (s *journalService) RecordBatch(ctx context.Context, rec *models.BatchRecord) error {
	const op = "JournalService.RecordBatch"

	if rec == nil || rec.SessionID == "" || rec.Chunks <= 0 {
		return utils.E(utils.CodeInvalidArgument, op, "session_id and a non-empty batch are required", nil)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.Timestamp.Add(s.ttl)
	}
	if err := s.batches.Insert(ctx, rec); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to journal batch", err)
	}
	return nil
}

func (s *journalService) ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.BatchRecord, error) {
	const op = "JournalService.ListBySession"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	out, err := s.batches.ListBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list batches", err)
	}
	return out, nil
}
