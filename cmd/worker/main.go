// Package main runs the background job worker (stream finalize).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pulse-social/backend/config"
	"github.com/pulse-social/backend/internal/sessionlog"
	"github.com/pulse-social/backend/internal/streams"
	"github.com/pulse-social/backend/internal/worker"
	"github.com/pulse-social/backend/pkg/database"
	"github.com/pulse-social/backend/pkg/queue"
	"github.com/pulse-social/backend/pkg/redis"
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

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	streamRepo := streams.NewRepository(pool)
	sessionRepo := streams.NewSessionRepository(pool)
	sessionLogRepo := sessionlog.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	finalizer := worker.NewStreamFinalizer(streamRepo, sessionRepo, sessionLogRepo, jobQueue, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go finalizer.Run(workerCtx)
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
