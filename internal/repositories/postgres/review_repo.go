package postgres

import (
	"context"
	"errors"

	"github.com/yoockh/livescribe/internal/models"
	"github.com/yoockh/livescribe/internal/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ReviewRepo interface {
	// Upsert inserts the item or replaces the row with the same id, so a
	// redelivered queue message does not create a second record.
	Upsert(ctx context.Context, item *models.ReviewItem) error
	ListBySession(ctx context.Context, sessionID string) ([]models.ReviewItem, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]models.ReviewItem, error)
	GetByID(ctx context.Context, id string) (*models.ReviewItem, error)
}

type reviewRepo struct {
	db *gorm.DB
}

func NewReviewRepo(db *gorm.DB) ReviewRepo {
	return &reviewRepo{db: db}
}

func (r *reviewRepo) Upsert(ctx context.Context, item *models.ReviewItem) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(item).Error
}

func (r *reviewRepo) ListBySession(ctx context.Context, sessionID string) ([]models.ReviewItem, error) {
	var rows []models.ReviewItem
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Find(&rows).Error
	return rows, err
}

func (r *reviewRepo) ListByStatus(ctx context.Context, status string, limit int) ([]models.ReviewItem, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.ReviewItem
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *reviewRepo) GetByID(ctx context.Context, id string) (*models.ReviewItem, error) {
	var row models.ReviewItem
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &row, err
}
