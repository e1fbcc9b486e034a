package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Poll struct {
	ID              string     `json:"id" gorm:"type:uuid;primaryKey"`
	Question        string     `json:"question" gorm:"not null"`
	DurationSeconds int        `json:"duration_seconds" gorm:"not null;default:60"`
	StartedAt       *time.Time `json:"started_at"`
	IsActive        bool       `json:"is_active" gorm:"not null;default:false;index"`
	EndedAt         *time.Time `json:"ended_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	// Relationships
	Options []PollOption `json:"options,omitempty" gorm:"foreignKey:PollID"`
	Votes   []Vote       `json:"votes,omitempty" gorm:"foreignKey:PollID"`
}

func (p *Poll) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}
