package handlers

import (
	"errors"
	"net/http"

	"livepoll/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type SubmitVoteRequest struct {
	PollID   string `json:"poll_id" binding:"required"`
	OptionID string `json:"option_id" binding:"required"`
}

type VoteHandler struct {
	sessions *services.SessionManager
	hub      *services.Hub
	stores   func() *services.PollStore // fallback store factory for clients without a live connection
}

func NewVoteHandler(sessions *services.SessionManager, hub *services.Hub, stores func() *services.PollStore) *VoteHandler {
	return &VoteHandler{sessions: sessions, hub: hub, stores: stores}
}

// Submit records a vote over HTTP. When the caller also holds a websocket,
// the submission goes through that connection's poll store so its optimistic
// state stays coherent; otherwise a one-shot store is used — the database
// constraint arbitrates either way.
func (h *VoteHandler) Submit(c *gin.Context) {
	sessionID := c.GetHeader("X-Session-ID")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Session-ID header required"})
		return
	}

	var req SubmitVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	student, err := h.sessions.Lookup(c.Request.Context(), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrKicked):
			c.JSON(http.StatusForbidden, gin.H{"error": "You have been removed by the teacher"})
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "join the session before voting"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve session"})
		}
		return
	}

	store := h.storeFor(c, sessionID)
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to sync with server"})
		return
	}

	result, err := store.SubmitVote(c.Request.Context(), req.PollID, req.OptionID, student.ID)
	switch result {
	case services.VoteOk:
		c.JSON(http.StatusCreated, gin.H{"result": result.String()})
	case services.VoteAlreadyCast:
		c.JSON(http.StatusConflict, gin.H{"result": result.String(), "error": "You have already submitted your answer"})
	default:
		if errors.Is(err, services.ErrNoActivePoll) || errors.Is(err, services.ErrUnknownOption) {
			c.JSON(http.StatusBadRequest, gin.H{"result": result.String(), "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"result": result.String(), "error": "failed to submit vote"})
	}
}

func (h *VoteHandler) storeFor(c *gin.Context, sessionID string) *services.PollStore {
	if client := h.hub.ClientFor(sessionID); client != nil {
		return client.Store()
	}
	store := h.stores()
	if err := store.FetchActivePoll(c.Request.Context()); err != nil {
		return nil
	}
	return store
}
