// internal/models/digest.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// DigestPayload is the serialized body of a digest queue item. The
// dispatcher renders it and uses Updates to advance subscriptions.
type DigestPayload struct {
	UserID          uuid.UUID         `json:"user_id"`
	UserName        string            `json:"user_name"`
	Email           string            `json:"email"`
	GeneratedAt     time.Time         `json:"generated_at"`
	LookbackDays    int               `json:"lookback_days"`
	Updates         []DigestUpdate    `json:"updates"`
	TotalUpdates    int               `json:"total_updates"`
	Truncated       bool              `json:"truncated"`
	ViewAllURL      string            `json:"view_all_url,omitempty"`
	NewProducts     []NewProductEntry `json:"new_products,omitempty"`
	Sponsor         *SponsorEntry     `json:"sponsor,omitempty"`
	AllQuietMessage string            `json:"all_quiet_message,omitempty"`
	HasUpdates      bool              `json:"has_updates"`
	ManageURL       string            `json:"manage_url,omitempty"`
	UnsubscribeURL  string            `json:"unsubscribe_url,omitempty"`
}

type DigestUpdate struct {
	SubscriptionID  uuid.UUID  `json:"subscription_id"`
	ProductID       uuid.UUID  `json:"product_id"`
	VersionID       uuid.UUID  `json:"version_id"`
	ProductName     string     `json:"product_name"`
	Manufacturer    string     `json:"manufacturer"`
	Category        string     `json:"category"`
	ProductURL      string     `json:"product_url,omitempty"`
	OldVersion      string     `json:"old_version"`
	NewVersion      string     `json:"new_version"`
	UpdateType      UpdateType `json:"update_type"`
	ReleaseDate     *time.Time `json:"release_date,omitempty"`
	EffectiveDate   time.Time  `json:"effective_date"`
	Notes           string     `json:"notes,omitempty"`
	StructuredNotes JSONB      `json:"structured_notes,omitempty"`
}

type NewProductEntry struct {
	ProductID    uuid.UUID `json:"product_id"`
	Name         string    `json:"name"`
	Manufacturer string    `json:"manufacturer"`
	Category     string    `json:"category"`
	URL          string    `json:"url,omitempty"`
	AddedAt      time.Time `json:"added_at"`
}

type SponsorEntry struct {
	Name    string `json:"name"`
	Tagline string `json:"tagline,omitempty"`
	URL     string `json:"url,omitempty"`
	LogoURL string `json:"logo_url,omitempty"`
}
