package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Session statuses as recorded in the session store.
const (
	SessionActive     = "ACTIVE"
	SessionPaused     = "PAUSED"
	SessionIdle       = "IDLE"
	SessionCompleting = "COMPLETING"
	SessionCompleted  = "COMPLETED"
	SessionError      = "ERROR"
	SessionCancelled  = "CANCELLED"
	SessionTimeout    = "TIMEOUT"
)

// Session is the durable metadata of one recording.
type Session struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	SessionID    string             `bson:"session_id" json:"session_id"` // uuid v4
	ConnectionID string             `bson:"connection_id" json:"connection_id"`
	UserID       string             `bson:"user_id" json:"user_id"`

	PatientID   string `bson:"patient_id,omitempty" json:"patient_id,omitempty"`
	ContextType string `bson:"context_type,omitempty" json:"context_type,omitempty"`
	Language    string `bson:"language" json:"language"`
	Status      string `bson:"status" json:"status"`

	Transcript       string `bson:"transcript,omitempty" json:"transcript,omitempty"`
	ChunksReceived   int    `bson:"chunks_received" json:"chunks_received"`
	ChunksOutOfOrder int    `bson:"chunks_out_of_order" json:"chunks_out_of_order"`

	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
	EndedAt   *time.Time `bson:"ended_at,omitempty" json:"ended_at,omitempty"`

	DurationSeconds int64 `bson:"duration_seconds" json:"duration_seconds"`
}

// IsTerminal reports whether status ends a session.
func IsTerminal(status string) bool {
	switch status {
	case SessionCompleted, SessionError, SessionCancelled, SessionTimeout:
		return true
	}
	return false
}
