package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"livepoll/models"
)

const chatHistoryLimit = 100

type SendMessageRequest struct {
	SenderName string  `json:"sender_name" binding:"required"`
	Message    string  `json:"message" binding:"required"`
	IsTeacher  bool    `json:"is_teacher"`
	StudentID  *string `json:"student_id"`
}

// ChatService appends to and reads the append-only message stream. Messages
// are never mutated or deleted; ordering is creation order.
type ChatService struct {
	db     *gorm.DB
	feed   Feed
	logger *zap.Logger
}

func NewChatService(db *gorm.DB, feed Feed, logger *zap.Logger) *ChatService {
	return &ChatService{db: db, feed: feed, logger: logger}
}

// Send appends a message. A kicked student's messages are refused; eviction
// disables every write path.
func (s *ChatService) Send(ctx context.Context, req *SendMessageRequest) (*models.ChatMessage, error) {
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, errors.New("message is required")
	}

	if !req.IsTeacher && req.StudentID != nil {
		var student models.Student
		if err := s.db.WithContext(ctx).First(&student, "id = ?", *req.StudentID).Error; err != nil {
			return nil, fmt.Errorf("send message: %w", err)
		}
		if student.IsKicked {
			return nil, ErrKicked
		}
	}

	msg := models.ChatMessage{
		SenderName: req.SenderName,
		Message:    text,
		IsTeacher:  req.IsTeacher,
		StudentID:  req.StudentID,
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	if err := s.feed.Publish(ctx, TableChatMessages, EventInsert, msg); err != nil {
		s.logger.Warn("chat event publish failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
	return &msg, nil
}

// List returns up to the first 100 messages in creation order.
func (s *ChatService) List(ctx context.Context) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	if err := s.db.WithContext(ctx).Order("created_at ASC").
		Limit(chatHistoryLimit).Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return messages, nil
}
