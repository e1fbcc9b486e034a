package handlers

import (
	"errors"
	"net/http"

	"livepoll/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type ChatHandler struct {
	chatService *services.ChatService
	sessions    *services.SessionManager
}

func NewChatHandler(chatService *services.ChatService, sessions *services.SessionManager) *ChatHandler {
	return &ChatHandler{chatService: chatService, sessions: sessions}
}

func (h *ChatHandler) List(c *gin.Context) {
	messages, err := h.chatService.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// Send appends a chat message. The sender is resolved server-side, never
// trusted from the body: an authenticated moderator sends as the teacher,
// everyone else must present a session token resolving to a non-kicked
// student, whose stored name and id are used.
func (h *ChatHandler) Send(c *gin.Context) {
	var req services.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if c.GetString("user_id") != "" {
		req.IsTeacher = true
		req.StudentID = nil
	} else {
		sessionID := c.GetHeader("X-Session-ID")
		if sessionID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "X-Session-ID header required"})
			return
		}

		student, err := h.sessions.Lookup(c.Request.Context(), sessionID)
		if err != nil {
			switch {
			case errors.Is(err, services.ErrKicked):
				c.JSON(http.StatusForbidden, gin.H{"error": "You have been removed by the teacher"})
			case errors.Is(err, gorm.ErrRecordNotFound):
				c.JSON(http.StatusUnauthorized, gin.H{"error": "join the session before chatting"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve session"})
			}
			return
		}

		req.IsTeacher = false
		req.StudentID = &student.ID
		req.SenderName = student.Name
	}

	msg, err := h.chatService.Send(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, services.ErrKicked) {
			c.JSON(http.StatusForbidden, gin.H{"error": "You have been removed by the teacher"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, msg)
}
