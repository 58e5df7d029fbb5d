package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-signup-mfa/internal/application/reservation"
	"github.com/go-signup-mfa/internal/config"
	"github.com/go-signup-mfa/internal/infrastructure/awsconf"
	"github.com/go-signup-mfa/internal/infrastructure/dynamo"
	"github.com/go-signup-mfa/internal/infrastructure/logger"
	"github.com/go-signup-mfa/internal/infrastructure/queue"
	"github.com/go-signup-mfa/internal/worker"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	zl, err := logger.New(cfg.AppEnv, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	zl.Info("starting worker")

	awsCfg, err := awsconf.Load(context.Background(), cfg, cfg.AWSRegion)
	if err != nil {
		zl.Fatal("aws config", zap.Error(err))
	}
	dynamoClient := dynamo.NewClient(awsCfg, awsconf.Endpoint(cfg))
	users := dynamo.NewUserRepo(dynamoClient, cfg.DynamoTables.Users)

	reservationSvc := reservation.NewService(reservation.ServiceDeps{
		Store:      dynamo.NewReservationRepo(dynamoClient, cfg.DynamoTables.EmailReservations),
		Users:      users,
		DefaultTTL: cfg.Signup.ReservationTTL,
		Logger:     zl,
	})

	handler := worker.NewHandler(worker.HandlerDeps{
		Users:        users,
		Reservations: reservationSvc,
		TrialDays:    cfg.TrialDays,
		Logger:       zl,
	})
	mux := asynq.NewServeMux()
	handler.RegisterHandlers(mux)

	srv := queue.NewServer(cfg, cfg.WorkerConcurrency)
	scheduler, err := queue.NewScheduler(cfg, cfg.OTP.RolloverTZ)
	if err != nil {
		zl.Fatal("scheduler", zap.Error(err))
	}

	if err := srv.Start(mux); err != nil {
		zl.Fatal("worker start", zap.Error(err))
	}
	if err := scheduler.Start(); err != nil {
		zl.Fatal("scheduler start", zap.Error(err))
	}
	zl.Info("worker started, waiting for tasks", zap.Int("concurrency", cfg.WorkerConcurrency))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zl.Info("shutting down worker")
	scheduler.Shutdown()
	srv.Shutdown()
	zl.Info("worker stopped")
}
