package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/gymbro/internal/api"
	"github.com/lalith-99/gymbro/internal/config"
	"github.com/lalith-99/gymbro/internal/docstore"
	pgdocstore "github.com/lalith-99/gymbro/internal/docstore/postgres"
	"github.com/lalith-99/gymbro/internal/middleware"
	"github.com/lalith-99/gymbro/internal/observ"
	"github.com/lalith-99/gymbro/internal/realtime"
	"github.com/lalith-99/gymbro/internal/retry"
	"github.com/lalith-99/gymbro/internal/room"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// Startup has no request deadline; Background() is the right root here.
	var db docstore.Store
	switch cfg.Docstore {
	case "postgres":
		db, err = pgdocstore.New(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("connect to document store: %w", err)
		}
	case "memory":
		logger.Warn("using in-memory document store; data will not survive a restart")
		db = docstore.NewMemory()
	default:
		return fmt.Errorf("unknown DOCSTORE %q", cfg.Docstore)
	}
	defer db.Close()

	// Presence is optional: without Redis the room core works, clients
	// just don't see who currently has a live stream open.
	var presence *realtime.Presence
	if cfg.RedisURL != "" {
		presence, err = realtime.NewPresence(context.Background(), cfg.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer presence.Close()
	}

	store := room.NewStore(db, logger)
	rts := realtime.NewSync(db, logger)
	policy := retry.NewPolicy(logger)

	roomHandler := api.NewRoomHandler(store, rts, policy, logger)
	streamHandler := api.NewStreamHandler(store, rts, policy, presence, logger)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := gin.New()
	srv.Use(gin.Logger(), gin.Recovery())

	logger.Info("starting gymbro server",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.String("docstore", cfg.Docstore),
	)

	// Public: load balancers health-check this without credentials.
	srv.GET("/v1/health", func(c *gin.Context) {
		if err := db.Health(c.Request.Context()); err != nil {
			c.JSON(503, gin.H{"status": "degraded"})
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := srv.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg.JWTSecret))

	v1.POST("/rooms", roomHandler.Create)
	v1.GET("/rooms/open", roomHandler.ListOpen)
	v1.GET("/rooms/:id", roomHandler.Get)
	v1.POST("/rooms/:id/join", roomHandler.Join)
	v1.POST("/rooms/:id/leave", roomHandler.Leave)
	v1.PUT("/rooms/:id/ready", roomHandler.SetReady)
	v1.POST("/rooms/:id/start", roomHandler.Start)
	v1.POST("/rooms/:id/end", roomHandler.End)
	v1.POST("/rooms/:id/kick", roomHandler.Kick)
	v1.POST("/rooms/:id/transfer-host", roomHandler.TransferHost)
	v1.GET("/rooms/:id/members", roomHandler.Members)
	v1.GET("/rooms/:id/leaderboard", roomHandler.Leaderboard)
	v1.POST("/rooms/:id/metrics", roomHandler.PushMetrics)
	v1.POST("/rooms/:id/invites", roomHandler.Invite)
	v1.GET("/invites", roomHandler.MyInvites)
	v1.POST("/invites/:id/accept", roomHandler.AcceptInvite)
	v1.POST("/invites/:id/decline", roomHandler.DeclineInvite)
	v1.GET("/rooms/:id/stream", streamHandler.Stream)

	return srv.Run(":" + cfg.Port)
}
