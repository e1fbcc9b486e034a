package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ChatMessage struct {
	ID         string    `json:"id" gorm:"type:uuid;primaryKey"`
	SenderName string    `json:"sender_name" gorm:"not null"`
	Message    string    `json:"message" gorm:"not null"`
	IsTeacher  bool      `json:"is_teacher" gorm:"not null;default:false"`
	StudentID  *string   `json:"student_id" gorm:"type:uuid"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
}

func (m *ChatMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
