// internal/models/common.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Base model with common fields. IDs are assigned in BeforeCreate so the
// schema works on both postgres and sqlite.
type BaseModel struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// JSONB is a free-form JSON object column.
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
	if len(bytes) == 0 {
		*j = nil
		return nil
	}

	return json.Unmarshal(bytes, j)
}

func (JSONB) GormDataType() string {
	return "json"
}

func (JSONB) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "postgres":
		return "JSONB"
	default:
		return "JSON"
	}
}

// Enums
type UpdateType string

const (
	UpdateTypeMajor UpdateType = "major"
	UpdateTypeMinor UpdateType = "minor"
	UpdateTypePatch UpdateType = "patch"
)

type VersionSource string

const (
	VersionSourceIngestion VersionSource = "ingestion"
	VersionSourceOperator  VersionSource = "operator"
)

type DigestFrequency string

const (
	DigestFrequencyDaily  DigestFrequency = "daily"
	DigestFrequencyWeekly DigestFrequency = "weekly"
)

type EmailType string

const (
	EmailTypeDailyDigest  EmailType = "daily_digest"
	EmailTypeWeeklyDigest EmailType = "weekly_digest"
	EmailTypeTestDigest   EmailType = "test_digest"
)

type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusSent       QueueStatus = "sent"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCancelled  QueueStatus = "cancelled"
)

// QueueStatuses lists every queue status in lifecycle order.
var QueueStatuses = []QueueStatus{
	QueueStatusPending,
	QueueStatusProcessing,
	QueueStatusSent,
	QueueStatusFailed,
	QueueStatusCancelled,
}

// IsTerminal reports whether no further transition is expected.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusSent || s == QueueStatusFailed || s == QueueStatusCancelled
}

type BounceType string

const (
	BounceTypeHard BounceType = "hard"
	BounceTypeSoft BounceType = "soft"
)

type UserRole string

const (
	UserRoleSubscriber UserRole = "subscriber"
	UserRoleAdmin      UserRole = "admin"
)
