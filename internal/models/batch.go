package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BatchRecord journals one transcription pass of a session.
type BatchRecord struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	SessionID string             `bson:"session_id" json:"session_id"`
	FirstSeq  int64              `bson:"first_seq" json:"first_seq"`
	LastSeq   int64              `bson:"last_seq" json:"last_seq"`
	Chunks    int                `bson:"chunks" json:"chunks"`
	Final     bool               `bson:"final" json:"final"`

	Text       string  `bson:"text,omitempty" json:"text,omitempty"`
	Confidence float64 `bson:"confidence" json:"confidence"`
	Uncertain  bool    `bson:"uncertain" json:"uncertain"`
	Status     string  `bson:"status" json:"status"` // done|failed
	Error      string  `bson:"error,omitempty" json:"error,omitempty"`

	ProcessingTimeMS int64     `bson:"processing_time_ms" json:"processing_time_ms"`
	Timestamp        time.Time `bson:"timestamp" json:"timestamp"`

	ExpiresAt time.Time `bson:"expires_at" json:"expires_at"` // for TTL index
}
