package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/yoockh/livescribe/internal/cache"
	"github.com/yoockh/livescribe/internal/models"
	pgrepo "github.com/yoockh/livescribe/internal/repositories/postgres"
	"github.com/yoockh/livescribe/internal/utils"
)

// ReviewService stores the records reviewers confirm after a session.
type ReviewService interface {
	Create(ctx context.Context, item *models.ReviewItem) error
	ListBySession(ctx context.Context, sessionID string) ([]models.ReviewItem, error)
	ListPending(ctx context.Context, limit int) ([]models.ReviewItem, error)
}

type reviewService struct {
	reviews pgrepo.ReviewRepo
	cache   cache.Cache
	ttl     time.Duration
}

// NewReviewService builds the service. c may be nil to disable caching.
func NewReviewService(reviews pgrepo.ReviewRepo, c cache.Cache, ttl time.Duration) ReviewService {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &reviewService{reviews: reviews, cache: c, ttl: ttl}
}

func reviewCacheKey(sessionID string) string { return cache.Key("reviews", "session", sessionID) }

func (s *reviewService) Create(ctx context.Context, item *models.ReviewItem) error {
	const op = "ReviewService.Create"

	if item == nil || item.SessionID == "" || item.UserID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id and user_id are required", nil)
	}
	if item.Transcript == "" {
		return utils.E(utils.CodeInvalidArgument, op, "transcript is required", nil)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = models.ReviewPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	if err := s.reviews.Upsert(ctx, item); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to store review item", err)
	}
	if s.cache != nil {
		_ = s.cache.Del(ctx, reviewCacheKey(item.SessionID))
	}
	return nil
}

func (s *reviewService) ListBySession(ctx context.Context, sessionID string) ([]models.ReviewItem, error) {
	const op = "ReviewService.ListBySession"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}

	key := reviewCacheKey(sessionID)
	if s.cache != nil {
		var cached []models.ReviewItem
		if hit, err := s.cache.GetJSON(ctx, key, &cached); err == nil && hit {
			return cached, nil
		}
	}

	rows, err := s.reviews.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list review items", err)
	}
	if s.cache != nil && len(rows) > 0 {
		_ = s.cache.SetJSON(ctx, key, rows, s.ttl)
	}
	return rows, nil
}

func (s *reviewService) ListPending(ctx context.Context, limit int) ([]models.ReviewItem, error) {
	const op = "ReviewService.ListPending"

	rows, err := s.reviews.ListByStatus(ctx, models.ReviewPending, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list pending review items", err)
	}
	return rows, nil
}
