// Package main runs the live-stream relay HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pulse-social/backend/config"
	"github.com/pulse-social/backend/internal/auth"
	"github.com/pulse-social/backend/internal/middleware"
	"github.com/pulse-social/backend/internal/realtime"
	"github.com/pulse-social/backend/internal/sessionlog"
	"github.com/pulse-social/backend/internal/streams"
	"github.com/pulse-social/backend/internal/uploads"
	"github.com/pulse-social/backend/internal/worker"
	"github.com/pulse-social/backend/pkg/database"
	"github.com/pulse-social/backend/pkg/queue"
	"github.com/pulse-social/backend/pkg/redis"
	"github.com/pulse-social/backend/pkg/response"
	"github.com/pulse-social/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			UploadsBucket:        cfg.AWS.UploadsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEUrls))
	for _, u := range cfg.WebRTC.ICEUrls {
		if u != "" {
			iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
		}
	}

	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	registry := realtime.NewRegistry(logger, redisPubSub, redisPubSub, realtime.Options{
		ChatHistorySize: cfg.Relay.ChatHistorySize,
		MaxChatLength:   cfg.Relay.MaxChatLength,
		RoomGrace:       time.Duration(cfg.Relay.RoomGraceSeconds) * time.Second,
		ICEServers:      iceServers,
	})
	relay := realtime.NewRelay(registry, logger)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Live stream records
	streamRepo := streams.NewRepository(pool)
	sessionRepo := streams.NewSessionRepository(pool)
	streamHandler := streams.NewHandler(streamRepo, logger)

	// Viewer session logs
	sessionLogRepo := sessionlog.NewRepository(pool)
	sessionLogHandler := sessionlog.NewHandler(sessionLogRepo)

	// Uploads (avatars, stream thumbnails)
	uploadHandler := uploads.NewHandler(s3Client, authRepo, logger)

	// Finalize queue + worker
	jobQueue := queue.NewQueue(rdb.Client, logger)
	finalizer := worker.NewStreamFinalizer(streamRepo, sessionRepo, sessionLogRepo, jobQueue, logger)

	// Peak viewer tracking
	registry.SetViewerCountHandler(func(streamID string, count int) {
		id, err := uuid.Parse(streamID)
		if err != nil {
			return
		}
		session, err := sessionRepo.GetOrCreateActive(ctx, id)
		if err != nil {
			logger.Warn("load stream session", zap.String("stream_id", streamID), zap.Error(err))
			return
		}
		if session == nil {
			return
		}
		if err := sessionRepo.UpdatePeakViewers(ctx, session.ID, count); err != nil {
			logger.Warn("update peak viewers", zap.String("stream_id", streamID), zap.Error(err))
		}
	})

	// Presence: host join marks the stream live and opens a session; every
	// join/leave is logged for watch-time aggregates.
	registry.SetPresenceHandlers(
		func(streamID, userID, role string) {
			ctx := context.Background()
			sid, err := uuid.Parse(streamID)
			if err != nil {
				return
			}
			if role == realtime.RoleHost {
				if err := streamRepo.MarkLive(ctx, sid); err != nil {
					logger.Warn("mark stream live", zap.String("stream_id", streamID), zap.Error(err))
				}
				if _, err := sessionRepo.GetOrCreateActive(ctx, sid); err != nil {
					logger.Warn("open stream session", zap.String("stream_id", streamID), zap.Error(err))
				}
			}
			if uid, err := uuid.Parse(userID); err == nil {
				if err := sessionLogRepo.LogJoin(ctx, sid, uid); err != nil {
					logger.Warn("log viewer join", zap.String("stream_id", streamID), zap.Error(err))
				}
			}
		},
		func(streamID, userID, role string, joinedAt time.Time) {
			ctx := context.Background()
			sid, err := uuid.Parse(streamID)
			if err != nil {
				return
			}
			if uid, err := uuid.Parse(userID); err == nil {
				if err := sessionLogRepo.LogLeave(ctx, sid, uid); err != nil {
					logger.Warn("log viewer leave", zap.String("stream_id", streamID), zap.Error(err))
				}
			}
		},
	)

	// Room teardown enqueues the finalize job; the worker closes the stream
	// record and session asynchronously.
	registry.SetStreamEndedHandler(func(streamID string) {
		err := jobQueue.EnqueueStreamFinalize(context.Background(), queue.StreamFinalizePayload{
			StreamID: streamID,
			EndedAt:  time.Now(),
		})
		if err != nil {
			logger.Error("enqueue stream finalize", zap.String("stream_id", streamID), zap.Error(err))
		}
	})

	jwtValidate := func(token string) (userID, username, avatarURL string, err error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", "", "", err
		}
		return claims.UserID.String(), claims.Username, claims.AvatarURL, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Protected API (JWT required)
	api := router.Group("/api")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/live-streams", streamHandler.List)
		api.POST("/live-streams", streamHandler.Create)
		api.GET("/live-streams/:id", streamHandler.GetByID)
		api.GET("/live-streams/:id/viewer-count", streamHandler.ViewerCount(registry))
		api.GET("/live-streams/:id/viewers", sessionLogHandler.GetViewers)

		api.POST("/uploads/avatar", uploadHandler.Avatar)
		api.POST("/uploads/avatar-url", uploadHandler.AvatarURL)
		api.POST("/uploads/thumbnail-url", uploadHandler.ThumbnailURL)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(registry, relay, logger, jwtValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	registry.StartJanitor(workerCtx)
	go finalizer.Run(workerCtx)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
