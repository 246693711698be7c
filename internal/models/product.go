// internal/models/product.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type Product struct {
	BaseModel
	Name              string     `json:"name" gorm:"size:255;not null;index"`
	Manufacturer      string     `json:"manufacturer" gorm:"size:255"`
	Category          string     `json:"category" gorm:"size:100;index"`
	Website           string     `json:"website" gorm:"size:512"`
	VersionSourceURL  string     `json:"version_source_url" gorm:"size:512"`
	VersionSourceType string     `json:"version_source_type" gorm:"size:50"`
	SourceConfig      JSONB      `json:"source_config"`
	CurrentVersion    string     `json:"current_version" gorm:"size:100"`
	CurrentVersionID  *uuid.UUID `json:"current_version_id" gorm:"type:uuid"`
	CurrentVersionAt  *time.Time `json:"current_version_at"`

	// Relationships
	Versions      []VersionRecord `json:"versions,omitempty" gorm:"foreignKey:ProductID"`
	Subscriptions []Subscription  `json:"subscriptions,omitempty" gorm:"foreignKey:ProductID"`
}

type VersionRecord struct {
	BaseModel
	ProductID         uuid.UUID     `json:"product_id" gorm:"type:uuid;not null;uniqueIndex:idx_version_records_product_version"`
	Version           string        `json:"version" gorm:"size:100;not null;uniqueIndex:idx_version_records_product_version"`
	PreviousVersion   string        `json:"previous_version" gorm:"size:100"`
	ReleaseDate       *time.Time    `json:"release_date"`
	DetectedAt        *time.Time    `json:"detected_at"`
	Notes             string        `json:"notes" gorm:"type:text"`
	StructuredNotes   JSONB         `json:"structured_notes"`
	UpdateType        UpdateType    `json:"update_type" gorm:"type:varchar(10)"`
	Source            VersionSource `json:"source" gorm:"type:varchar(20);not null;default:'ingestion'"`
	Verified          bool          `json:"verified" gorm:"not null;index"`
	IsCurrentOverride bool          `json:"is_current_override" gorm:"not null"`
	VerifiedBy        string        `json:"verified_by,omitempty" gorm:"size:255"`
	VerifiedAt        *time.Time    `json:"verified_at"`

	// Relationships
	Product *Product `json:"product,omitempty" gorm:"foreignKey:ProductID"`
}

type Subscription struct {
	BaseModel
	UserID              uuid.UUID  `json:"user_id" gorm:"type:uuid;not null;uniqueIndex:idx_subscriptions_user_product"`
	ProductID           uuid.UUID  `json:"product_id" gorm:"type:uuid;not null;uniqueIndex:idx_subscriptions_user_product;index"`
	LastNotifiedVersion *string    `json:"last_notified_version" gorm:"size:100"`
	LastNotifiedAt      *time.Time `json:"last_notified_at"`

	// Relationships
	User    *User    `json:"user,omitempty" gorm:"foreignKey:UserID"`
	Product *Product `json:"product,omitempty" gorm:"foreignKey:ProductID"`
}

type Sponsor struct {
	BaseModel
	Name     string     `json:"name" gorm:"size:255;not null"`
	Tagline  string     `json:"tagline" gorm:"size:512"`
	URL      string     `json:"url" gorm:"size:512"`
	LogoURL  string     `json:"logo_url" gorm:"size:512"`
	IsActive bool       `json:"is_active" gorm:"not null;index"`
	StartsAt *time.Time `json:"starts_at"`
	EndsAt   *time.Time `json:"ends_at"`
}
