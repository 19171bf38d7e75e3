package workers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/yoockh/livescribe/internal/models"
	"github.com/yoockh/livescribe/internal/services"
	"github.com/yoockh/livescribe/internal/utils"
)

const (
	defaultStream = "review:stream"
	defaultGroup  = "review-workers"
	maxAttempts   = 3
)

// ReviewQueue hands review records to the worker pool through a redis
// stream. Without a redis client it writes through the service directly.
type ReviewQueue struct {
	Redis   *redis.Client
	Reviews services.ReviewService
	Stream  string
}

func (q *ReviewQueue) stream() string {
	if q.Stream == "" {
		return defaultStream
	}
	return q.Stream
}

// Submit implements the pipeline's review sink.
func (q *ReviewQueue) Submit(ctx context.Context, item *models.ReviewItem) error {
	if q.Redis == nil {
		return q.Reviews.Create(ctx, item)
	}
	return q.enqueue(ctx, item, 1)
}

func (q *ReviewQueue) enqueue(ctx context.Context, item *models.ReviewItem, attempt int) error {
	const op = "ReviewQueue.Submit"

	values, err := encodeReviewMessage(item, attempt)
	if err != nil {
		return utils.E(utils.CodeInternal, op, "failed to encode review item", err)
	}
	if err := q.Redis.XAdd(ctx, &redis.XAddArgs{Stream: q.stream(), Values: values}).Err(); err != nil {
		return utils.E(utils.CodeUnavailable, op, "failed to enqueue review item", err)
	}
	return nil
}

func encodeReviewMessage(item *models.ReviewItem, attempt int) (map[string]any, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id": item.SessionID,
		"attempt":    strconv.Itoa(attempt),
		"payload":    string(payload),
		"ts_unix":    strconv.FormatInt(time.Now().UTC().Unix(), 10),
	}, nil
}

func decodeReviewMessage(values map[string]any) (*models.ReviewItem, int, error) {
	getStr := func(k string) string {
		v, ok := values[k]
		if !ok || v == nil {
			return ""
		}
		s, _ := v.(string)
		return s
	}

	raw := getStr("payload")
	if raw == "" {
		return nil, 0, errors.New("missing payload")
	}
	var item models.ReviewItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, 0, err
	}
	if item.SessionID == "" {
		return nil, 0, errors.New("payload without session_id")
	}
	attempt, err := strconv.Atoi(getStr("attempt"))
	if err != nil || attempt < 1 {
		attempt = 1
	}
	return &item, attempt, nil
}

// ReviewWorkerPool drains the review stream into the review store.
type ReviewWorkerPool struct {
	Queue      *ReviewQueue
	NumWorkers int

	Logger *logrus.Logger

	Group          string
	ConsumerPrefix string
}

func (p *ReviewWorkerPool) Start(ctx context.Context) error {
	if p.Queue == nil || p.Queue.Redis == nil || p.Queue.Reviews == nil {
		return errors.New("ReviewWorkerPool missing dependency: Queue with Redis and Reviews must be set")
	}
	if p.Group == "" {
		p.Group = defaultGroup
	}
	if p.ConsumerPrefix == "" {
		p.ConsumerPrefix = "c"
	}
	if p.NumWorkers <= 0 {
		p.NumWorkers = 2
	}
	if p.Logger == nil {
		p.Logger = logrus.New()
	}

	_ = p.Queue.Redis.XGroupCreateMkStream(ctx, p.Queue.stream(), p.Group, "0").Err() // ignore BUSYGROUP

	for i := 0; i < p.NumWorkers; i++ {
		consumer := p.ConsumerPrefix + "-" + strconv.Itoa(i+1)
		go p.runConsumer(ctx, consumer)
	}
	return nil
}

func (p *ReviewWorkerPool) runConsumer(ctx context.Context, consumer string) {
	rdb := p.Queue.Redis
	stream := p.Queue.stream()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    p.Group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()

		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, st := range res {
			for _, msg := range st.Messages {
				p.handleMsg(ctx, msg)
				_ = rdb.XAck(ctx, stream, p.Group, msg.ID).Err()
			}
		}
	}
}

func (p *ReviewWorkerPool) handleMsg(ctx context.Context, msg redis.XMessage) {
	log := p.Logger.WithField("redis_id", msg.ID)

	item, attempt, err := decodeReviewMessage(msg.Values)
	if err != nil {
		log.WithError(err).Warn("dropping undecodable review message")
		return
	}
	log = log.WithFields(logrus.Fields{"session_id": item.SessionID, "attempt": attempt})

	if err := p.Queue.Reviews.Create(ctx, item); err != nil {
		if attempt >= maxAttempts || utils.IsCode(err, utils.CodeInvalidArgument) {
			log.WithError(err).Error("giving up on review item")
			return
		}
		log.WithError(err).Warn("review store failed, requeueing")
		if qerr := p.Queue.enqueue(ctx, item, attempt+1); qerr != nil {
			log.WithError(qerr).Error("failed to requeue review item")
		}
		return
	}
	log.Info("review item stored")
}
