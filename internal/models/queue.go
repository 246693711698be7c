// internal/models/queue.go
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// QueueItem is one scheduled email. Rows are created by enqueue and only
// move forward through the status machine.
type QueueItem struct {
	BaseModel
	UserID            uuid.UUID      `json:"user_id" gorm:"type:uuid;not null;index"`
	Recipient         string         `json:"recipient" gorm:"size:255;not null"`
	EmailType         EmailType      `json:"email_type" gorm:"type:varchar(30);not null"`
	Payload           datatypes.JSON `json:"payload"`
	Status            QueueStatus    `json:"status" gorm:"type:varchar(20);not null;default:'pending';index:idx_notification_queue_status_schedule,priority:1"`
	ScheduledFor      time.Time      `json:"scheduled_for" gorm:"not null;index:idx_notification_queue_status_schedule,priority:2"`
	Timezone          string         `json:"timezone" gorm:"size:64;not null;default:'UTC'"`
	Attempts          int            `json:"attempts" gorm:"not null;default:0"`
	MaxAttempts       int            `json:"max_attempts" gorm:"not null;default:3"`
	IdempotencyKey    string         `json:"idempotency_key" gorm:"size:255;not null;uniqueIndex"`
	ProviderMessageID string         `json:"provider_message_id,omitempty" gorm:"size:255"`
	Priority          int            `json:"priority" gorm:"not null;default:0"`
	LastError         string         `json:"last_error,omitempty" gorm:"type:text"`
	SentAt            *time.Time     `json:"sent_at"`
}

func (QueueItem) TableName() string {
	return "notification_queue"
}

// SendLog is written once per successful send and never updated.
type SendLog struct {
	BaseModel
	QueueItemID       uuid.UUID `json:"queue_item_id" gorm:"type:uuid;not null;index"`
	UserID            uuid.UUID `json:"user_id" gorm:"type:uuid;not null;index"`
	Recipient         string    `json:"recipient" gorm:"size:255;not null"`
	EmailType         EmailType `json:"email_type" gorm:"type:varchar(30);not null"`
	Subject           string    `json:"subject" gorm:"size:512"`
	ProviderMessageID string    `json:"provider_message_id" gorm:"size:255;index"`
	UpdateCount       int       `json:"update_count"`
	SentAt            time.Time `json:"sent_at" gorm:"not null;index"`
}

// BounceRecord is append-only.
type BounceRecord struct {
	BaseModel
	UserID     *uuid.UUID `json:"user_id" gorm:"type:uuid;index"`
	Email      string     `json:"email" gorm:"size:255;not null;index"`
	BounceType BounceType `json:"bounce_type" gorm:"type:varchar(10);not null"`
	Reason     string     `json:"reason" gorm:"type:text"`
	OccurredAt time.Time  `json:"occurred_at" gorm:"not null;index"`
}
