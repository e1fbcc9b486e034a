package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is a moderator (teacher) account. Students never get one; they are
// identified by their session token alone.
type User struct {
	ID           string         `json:"id" gorm:"type:uuid;primaryKey"`
	Email        string         `json:"email" gorm:"not null;uniqueIndex"`
	Name         string         `json:"name" gorm:"not null"`
	PasswordHash string         `json:"-" gorm:"not null"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `json:"-" gorm:"index"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
