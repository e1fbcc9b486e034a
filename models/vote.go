package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Vote rows are insert-only. The composite unique index on (poll_id,
// student_id) is the authoritative one-vote-per-student guard; everything
// the submission protocol does client-side is a latency optimization.
type Vote struct {
	ID        string    `json:"id" gorm:"type:uuid;primaryKey"`
	PollID    string    `json:"poll_id" gorm:"type:uuid;not null;uniqueIndex:idx_votes_poll_student"`
	OptionID  string    `json:"option_id" gorm:"type:uuid;not null;index"`
	StudentID string    `json:"student_id" gorm:"type:uuid;not null;uniqueIndex:idx_votes_poll_student"`
	CreatedAt time.Time `json:"created_at"`
}

func (v *Vote) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	return nil
}
