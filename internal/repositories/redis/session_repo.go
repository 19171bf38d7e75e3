package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yoockh/livescribe/internal/models"
	"github.com/yoockh/livescribe/internal/repositories"
	"github.com/yoockh/livescribe/internal/utils"
)

const (
	sessionKeyPrefix = "session:meta:"
	userKeyPrefix    = "user:sessions:"

	defaultTTL = 30 * 24 * time.Hour
)

// SessionRepo keeps session metadata as JSON values with a per-user sorted
// set (scored by creation time) for listing.
type SessionRepo struct {
	client *redis.Client
	ttl    time.Duration
}

type Option func(*SessionRepo)

// WithTTL sets how long session records are kept.
func WithTTL(ttl time.Duration) Option {
	return func(r *SessionRepo) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func NewSessionRepo(client *redis.Client, opts ...Option) repositories.SessionRepository {
	r := &SessionRepo{client: client, ttl: defaultTTL}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *SessionRepo) key(id string) string { return sessionKeyPrefix + id }

func (r *SessionRepo) userKey(userID string) string { return userKeyPrefix + userID }

func (r *SessionRepo) Create(ctx context.Context, s *models.Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return r.put(ctx, s)
}

func (r *SessionRepo) End(ctx context.Context, s *models.Session) error {
	return r.put(ctx, s)
}

func (r *SessionRepo) put(ctx context.Context, s *models.Session) error {
	val, err := json.Marshal(s)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(s.SessionID), val, r.ttl)
	pipe.ZAdd(ctx, r.userKey(s.UserID), redis.Z{
		Score:  float64(s.CreatedAt.UnixMilli()),
		Member: s.SessionID,
	})
	pipe.Expire(ctx, r.userKey(s.UserID), r.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *SessionRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.Session, error) {
	val, err := r.client.Get(ctx, r.key(sessionID)).Result()
	if err == redis.Nil {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var s models.Session
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SessionRepo) ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 50
	}

	ids, err := r.client.ZRevRange(ctx, r.userKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]models.Session, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// expired between ZREVRANGE and MGET
			continue
		}
		var s models.Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
