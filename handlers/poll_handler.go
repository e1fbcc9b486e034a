package handlers

import (
	"net/http"

	"livepoll/services"

	"github.com/gin-gonic/gin"
)

type PollHandler struct {
	pollService *services.PollService
}

func NewPollHandler(pollService *services.PollService) *PollHandler {
	return &PollHandler{pollService: pollService}
}

// Create asks a new question. Any currently active poll is displaced
// atomically, so there is never more than one active poll.
func (h *PollHandler) Create(c *gin.Context) {
	var req services.CreatePollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	poll, err := h.pollService.Create(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, poll)
}

func (h *PollHandler) End(c *gin.Context) {
	pollID := c.Param("id")
	if pollID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "poll id required"})
		return
	}

	if err := h.pollService.End(c.Request.Context(), pollID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "poll ended"})
}

// Active serves the current poll snapshot for clients that poll over HTTP
// instead of holding a websocket.
func (h *PollHandler) Active(c *gin.Context) {
	snap, counts, remaining, err := h.pollService.ActiveSnapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to sync with server"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"poll":              snap.Poll,
		"options":           snap.Options,
		"votes":             snap.Votes,
		"total_votes":       snap.TotalVotes,
		"vote_counts":       counts,
		"remaining_seconds": remaining,
	})
}

func (h *PollHandler) History(c *gin.Context) {
	polls, err := h.pollService.History(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch poll history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"polls": polls})
}
