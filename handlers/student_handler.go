package handlers

import (
	"errors"
	"net/http"

	"livepoll/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type JoinRequest struct {
	Name string `json:"name" binding:"required"`
}

type StudentHandler struct {
	sessions *services.SessionManager
	roster   *services.Roster
}

func NewStudentHandler(sessions *services.SessionManager, roster *services.Roster) *StudentHandler {
	return &StudentHandler{sessions: sessions, roster: roster}
}

// Join binds a student identity to the client's session token. A missing
// token gets a fresh one; the client stores it and sends it on every
// subsequent request, so reloads resolve to the same student row.
func (h *StudentHandler) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID := c.GetHeader("X-Session-ID")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	student, err := h.sessions.Join(c.Request.Context(), sessionID, req.Name)
	if err != nil {
		if errors.Is(err, services.ErrKicked) {
			c.JSON(http.StatusForbidden, gin.H{"error": "You have been removed by the teacher"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to join session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"student": student, "session_id": sessionID})
}

// List is the roster of students still in the session.
func (h *StudentHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"students": h.roster.Students()})
}

// Kick marks a student as removed. Moderator only.
func (h *StudentHandler) Kick(c *gin.Context) {
	studentID := c.Param("id")
	if studentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "student id required"})
		return
	}

	if err := h.roster.Kick(c.Request.Context(), studentID); err != nil {
		if errors.Is(err, services.ErrStudentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove student"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "student removed"})
}
