package routes

import (
	"net/http"

	"livepoll/handlers"
	"livepoll/middleware"
	"livepoll/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

func SetupRoutes(
	router *gin.Engine,
	authHandler *handlers.AuthHandler,
	pollHandler *handlers.PollHandler,
	studentHandler *handlers.StudentHandler,
	voteHandler *handlers.VoteHandler,
	chatHandler *handlers.ChatHandler,
	hub *services.Hub,
	jwtSecret string,
	logger *zap.Logger,
) {
	// API routes
	api := router.Group("/api")
	{
		// Auth routes (public)
		auth := api.Group("/auth")
		{
			auth.POST("/register", authHandler.Register)
			auth.POST("/login", authHandler.Login)
		}

		// Moderator routes
		protected := api.Group("/")
		protected.Use(middleware.AuthMiddleware(jwtSecret))
		{
			protected.GET("/auth/profile", authHandler.GetProfile)
			protected.POST("/polls", pollHandler.Create)
			protected.POST("/polls/:id/end", pollHandler.End)
			protected.GET("/polls/history", pollHandler.History)
			protected.POST("/students/:id/kick", studentHandler.Kick)
		}

		// Student routes (session-token identified, no account)
		api.GET("/polls/active", pollHandler.Active)
		api.POST("/students/join", studentHandler.Join)
		api.GET("/students", studentHandler.List)
		api.POST("/votes", voteHandler.Submit)
		api.GET("/chat", chatHandler.List)
		// Chat is shared: a valid bearer token marks the sender as the
		// teacher, anyone else must resolve through their session token.
		api.POST("/chat", middleware.OptionalAuth(jwtSecret), chatHandler.Send)
	}

	// WebSocket endpoint; the session token in the path binds the
	// connection to its student identity across reconnects.
	router.GET("/ws/:sessionID", func(c *gin.Context) {
		sessionID := c.Param("sessionID")
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session id required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
			return
		}

		if _, err := hub.RegisterClient(conn, sessionID); err != nil {
			logger.Warn("client registration failed", zap.String("session_id", sessionID), zap.Error(err))
			conn.Close()
			return
		}
	})

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
