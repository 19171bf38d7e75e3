package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/yoockh/livescribe/internal/models"
	"github.com/yoockh/livescribe/internal/repositories"
	"github.com/yoockh/livescribe/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type sessionRepo struct {
	col *mongo.Collection
}

func NewSessionRepo(db *mongo.Database) repositories.SessionRepository {
	return &sessionRepo{col: db.Collection("sessions")}
}

func (r *sessionRepo) Create(ctx context.Context, s *models.Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := r.col.InsertOne(ctx, s)
	return err
}

func (r *sessionRepo) End(ctx context.Context, s *models.Session) error {
	_, err := r.col.UpdateOne(ctx,
		bson.M{"session_id": s.SessionID},
		bson.M{
			"$set": bson.M{
				"connection_id":       s.ConnectionID,
				"patient_id":          s.PatientID,
				"context_type":        s.ContextType,
				"language":            s.Language,
				"status":              s.Status,
				"transcript":          s.Transcript,
				"chunks_received":     s.ChunksReceived,
				"chunks_out_of_order": s.ChunksOutOfOrder,
				"ended_at":            s.EndedAt,
				"duration_seconds":    s.DurationSeconds,
			},
			"$setOnInsert": bson.M{
				"user_id":    s.UserID,
				"created_at": s.CreatedAt.UTC(),
			},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *sessionRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.Session, error) {
	var s models.Session
	err := r.col.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.ErrNotFound
	}
	return &s, err
}

func (r *sessionRepo) ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 50
	}

	cur, err := r.col.Find(ctx,
		bson.M{"user_id": userID},
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}}).
			SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.Session
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
