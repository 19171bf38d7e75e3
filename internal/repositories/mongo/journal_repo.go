package mongo

import (
	"context"
	"time"

	"github.com/yoockh/livescribe/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// JournalRepository keeps one document per transcription pass. Documents
// expire through the TTL index on expires_at.
type JournalRepository interface {
	Insert(ctx context.Context, rec *models.BatchRecord) error
	ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.BatchRecord, error)
}

type journalRepo struct {
	col *mongo.Collection
}

func NewJournalRepo(db *mongo.Database) JournalRepository {
	return &journalRepo{col: db.Collection("transcript_batches")}
}

// Insert upserts on (session_id, first_seq, final) so a retried pass
// replaces the earlier outcome.
func (r *journalRepo) Insert(ctx context.Context, rec *models.BatchRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := r.col.ReplaceOne(ctx,
		bson.M{"session_id": rec.SessionID, "first_seq": rec.FirstSeq, "final": rec.Final},
		rec,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (r *journalRepo) ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.BatchRecord, error) {
	if limit <= 0 {
		limit = 200
	}

	cur, err := r.col.Find(ctx,
		bson.M{"session_id": sessionID},
		options.Find().
			SetSort(bson.D{{Key: "first_seq", Value: 1}, {Key: "timestamp", Value: 1}}).
			SetLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.BatchRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
