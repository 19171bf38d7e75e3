package stt

import "context"

// Segment is a timed piece of a transcription.
type Segment struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Result is the outcome of transcribing one audio container.
type Result struct {
	Text       string
	Confidence float64
	Language   string
	Duration   float64
	Segments   []Segment
}

// Provider turns a WAV container into text.
type Provider interface {
	Transcribe(ctx context.Context, audio []byte, language string) (*Result, error)
	Close() error
}
