package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/yoockh/livescribe/internal/stream"
)

const publishTimeout = 2 * time.Second

// Channel is the pub/sub channel carrying a session's outbound events.
func Channel(sessionID string) string {
	return "session:" + sessionID + ":events"
}

// Mirror republishes client events on redis so other nodes and observers
// can follow a session.
type Mirror struct {
	rdb    *redis.Client
	logger *logrus.Logger
}

func NewMirror(rdb *redis.Client, logger *logrus.Logger) *Mirror {
	return &Mirror{rdb: rdb, logger: logger}
}

// Wrap returns an emitter that delivers to next and then publishes the event.
// Publish failures are logged and never affect delivery.
func (m *Mirror) Wrap(next stream.Emitter) stream.Emitter {
	return stream.EmitterFunc(func(e stream.Event) error {
		err := next.Emit(e)
		if e.SessionID != "" {
			m.publish(e)
		}
		return err
	})
}

func (m *Mirror) publish(e stream.Event) {
	b, err := json.Marshal(e)
	if err != nil {
		m.logger.WithError(err).Warn("failed to encode mirrored event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := m.rdb.Publish(ctx, Channel(e.SessionID), b).Err(); err != nil {
		m.logger.WithError(err).WithField("session_id", e.SessionID).Warn("failed to mirror event")
	}
}

// Follow forwards the raw JSON events of one session to fn until ctx is done
// or fn returns an error.
func (m *Mirror) Follow(ctx context.Context, sessionID string, fn func([]byte) error) error {
	sub := m.rdb.Subscribe(ctx, Channel(sessionID))
	defer sub.Close()

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		if err := fn([]byte(msg.Payload)); err != nil {
			return err
		}
	}
}
