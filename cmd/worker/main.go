// Package main runs the background worker: party TTL expiry sweep and
// teardown jobs purging volatile broadcast state.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ridelink/backend/config"
	"github.com/ridelink/backend/internal/party"
	"github.com/ridelink/backend/internal/realtime"
	"github.com/ridelink/backend/internal/worker"
	"github.com/ridelink/backend/pkg/database"
	"github.com/ridelink/backend/pkg/queue"
	"github.com/ridelink/backend/pkg/redis"
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

	pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, pubsub, nil)
	presence := realtime.NewPresence(rdb.Client, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	partyRepo := party.NewRepository(pool)
	partySvc := party.NewService(partyRepo, party.Config{
		MaxMembers:   cfg.Party.MaxMembers,
		TTL:          cfg.Party.TTL,
		CodeAttempts: cfg.Party.CodeAttempts,
	}, logger)

	sweeper := worker.NewSweeper(partySvc, hub, jobQueue, cfg.Party.SweepInterval, logger)
	teardown := worker.NewTeardownProcessor(presence, jobQueue, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sweeper.Run(workerCtx)
	go teardown.Run(workerCtx)
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
