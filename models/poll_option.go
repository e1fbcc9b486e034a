package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PollOption struct {
	ID          string    `json:"id" gorm:"type:uuid;primaryKey"`
	PollID      string    `json:"poll_id" gorm:"type:uuid;not null;uniqueIndex:idx_poll_options_poll_index"`
	Text        string    `json:"text" gorm:"not null"`
	OptionIndex int       `json:"option_index" gorm:"not null;uniqueIndex:idx_poll_options_poll_index"`
	IsCorrect   bool      `json:"is_correct" gorm:"not null;default:false"`
	CreatedAt   time.Time `json:"created_at"`

	// Relationships
	Poll Poll `json:"poll,omitempty"`
}

func (o *PollOption) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	return nil
}
