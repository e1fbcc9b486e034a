package main

import (
	"context"
	"log"

	"livepoll/config"
	"livepoll/handlers"
	"livepoll/middleware"
	"livepoll/models"
	"livepoll/routes"
	"livepoll/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("Failed to create logger:", err)
	}
	defer logger.Sync()

	// Initialize database
	db, err := config.InitDB(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	// Auto-migrate database models
	err = db.AutoMigrate(
		&models.User{},
		&models.Poll{},
		&models.PollOption{},
		&models.Vote{},
		&models.Student{},
		&models.ChatMessage{},
	)
	if err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}

	// Initialize Redis and the change feed on top of it
	redisClient := config.InitRedis(cfg)
	feed := services.NewRedisFeed(redisClient, logger)

	// Initialize services
	authService := services.NewAuthService(db, cfg.JWTSecret)
	pollService := services.NewPollService(db, feed, logger)
	chatService := services.NewChatService(db, feed, logger)
	sessions := services.NewSessionManager(db, feed, logger)

	roster := services.NewRoster(db, feed, logger)
	if err := roster.Start(context.Background()); err != nil {
		logger.Fatal("Failed to start roster", zap.Error(err))
	}

	// Initialize WebSocket hub
	hub := services.NewHub(db, feed, sessions, logger)
	if err := hub.Start(); err != nil {
		logger.Fatal("Failed to start hub", zap.Error(err))
	}
	go hub.Run()

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(authService)
	pollHandler := handlers.NewPollHandler(pollService)
	studentHandler := handlers.NewStudentHandler(sessions, roster)
	voteHandler := handlers.NewVoteHandler(sessions, hub, func() *services.PollStore {
		return services.NewPollStore(db, feed, logger)
	})
	chatHandler := handlers.NewChatHandler(chatService, sessions)

	// Setup Gin router
	router := gin.Default()

	// Add CORS middleware
	router.Use(middleware.CORS())

	// Setup routes
	routes.SetupRoutes(router, authHandler, pollHandler, studentHandler, voteHandler, chatHandler, hub, cfg.JWTSecret, logger)

	// Start server
	logger.Info("Server starting", zap.String("port", cfg.Port))
	if err := router.Run(":" + cfg.Port); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}
}
