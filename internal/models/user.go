// internal/models/user.go
package models

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

type User struct {
	BaseModel
	Email           string          `json:"email" gorm:"uniqueIndex;size:255;not null"`
	Name            string          `json:"name" gorm:"size:255"`
	PasswordHash    string          `json:"-" gorm:"size:255"`
	Role            UserRole        `json:"role" gorm:"type:varchar(20);not null;default:'subscriber'"`
	Timezone        string          `json:"timezone" gorm:"size:64;not null;default:'UTC'"`
	DigestEnabled   bool            `json:"digest_enabled" gorm:"not null"`
	DigestFrequency DigestFrequency `json:"digest_frequency" gorm:"type:varchar(20);not null;default:'daily'"`
	LastLoginAt     *time.Time      `json:"last_login_at"`

	// Relationships
	Subscriptions []Subscription `json:"subscriptions,omitempty" gorm:"foreignKey:UserID"`
}

func (u *User) SetPassword(password string) error {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hashedPassword)
	return nil
}

func (u *User) CheckPassword(password string) error {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password))
}

// Location returns the subscriber's timezone, falling back to UTC when the
// stored name does not load.
func (u *User) Location() *time.Location {
	if u.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
