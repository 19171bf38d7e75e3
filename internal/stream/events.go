package stream

import (
	"time"

	"github.com/yoockh/livescribe/internal/models"
	"github.com/yoockh/livescribe/internal/utils"
)

// EventType names an outbound event.
type EventType string

const (
	EventStarted                EventType = "started"
	EventQueued                 EventType = "queued"
	EventReady                  EventType = "ready"
	EventPaused                 EventType = "paused"
	EventResumed                EventType = "resumed"
	EventContextUpdated         EventType = "contextUpdated"
	EventPartialTranscript      EventType = "partialTranscript"
	EventFinalTranscript        EventType = "finalTranscript"
	EventCategorizationStarted  EventType = "categorizationStarted"
	EventCategorizationComplete EventType = "categorizationComplete"
	EventCategorizationError    EventType = "categorizationError"
	EventCancelled              EventType = "cancelled"
	EventTimeout                EventType = "timeout"
	EventError                  EventType = "error"
)

// Event is one message sent to a client.
type Event struct {
	Type            EventType            `json:"type"`
	SessionID       string               `json:"sessionId,omitempty"`
	Position        int                  `json:"position,omitempty"`
	EstimatedWaitMs int64                `json:"estimatedWaitMs,omitempty"`
	Resumed         bool                 `json:"resumed,omitempty"`
	Text            string               `json:"text,omitempty"`
	Confidence      *float64             `json:"confidence,omitempty"`
	IsUncertain     bool                 `json:"isUncertain,omitempty"`
	Segments        []Segment            `json:"segments,omitempty"`
	Sequences       []int64              `json:"sequences,omitempty"`
	Gaps            *GapReport           `json:"gaps,omitempty"`
	Categories      []models.Category    `json:"categories,omitempty"`
	ExtractedData   models.ExtractedData `json:"extractedData,omitempty"`
	Code            utils.Code           `json:"code,omitempty"`
	Message         string               `json:"message,omitempty"`
	Timestamp       time.Time            `json:"timestamp"`
}

// Emitter delivers events to one client. Implementations must be safe for
// concurrent use.
type Emitter interface {
	Emit(Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event) error

func (f EmitterFunc) Emit(e Event) error { return f(e) }

func partialEvent(res *BatchResult) Event {
	conf := res.Confidence
	return Event{
		Type:        EventPartialTranscript,
		SessionID:   res.SessionID,
		Text:        res.Text,
		Confidence:  &conf,
		IsUncertain: res.Uncertain,
		Segments:    res.Segments,
		Sequences:   res.Sequences,
	}
}

func errorEvent(typ EventType, sessionID string, err error) Event {
	return Event{
		Type:      typ,
		SessionID: sessionID,
		Code:      utils.CodeOf(err),
		Message:   utils.SafeMessage(err),
	}
}
