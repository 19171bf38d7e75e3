package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

const (
	ReviewPending              = "pending_review"
	ReviewClassificationFailed = "classification_failed"
)

// ReviewItem is the record a reviewer confirms after a session completes.
type ReviewItem struct {
	ID          string         `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	SessionID   string         `gorm:"column:session_id;type:uuid;index" json:"session_id"`
	UserID      string         `gorm:"column:user_id;type:text;index" json:"user_id"`
	PatientID   string         `gorm:"column:patient_id;type:text;index" json:"patient_id,omitempty"`
	ContextType string         `gorm:"column:context_type;type:text" json:"context_type,omitempty"`
	Language    string         `gorm:"column:language;type:text" json:"language"`
	Transcript  string         `gorm:"column:transcript;type:text" json:"transcript"`
	Categories  pq.StringArray `gorm:"column:categories;type:text[]" json:"categories"`
	Extracted   datatypes.JSON `gorm:"column:extracted_data;type:jsonb" json:"extracted_data,omitempty"`
	Confidence  float64        `gorm:"column:confidence" json:"confidence"`
	Status      string         `gorm:"column:status;type:text;index" json:"status"`
	Error       string         `gorm:"column:error;type:text" json:"error,omitempty"`
	AudioURL    string         `gorm:"column:audio_url;type:text" json:"audio_url,omitempty"`
	CreatedAt   time.Time      `gorm:"column:created_at;type:timestamptz;index" json:"created_at"`
}

func (ReviewItem) TableName() string { return "review_items" }
