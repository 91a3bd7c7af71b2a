package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/libraryloans-backend/internal/jobs"
	"github.com/angelmondragon/libraryloans-backend/internal/ledger"
	"github.com/angelmondragon/libraryloans-backend/internal/notifications"
	"github.com/angelmondragon/libraryloans-backend/pkg/config"
	"github.com/angelmondragon/libraryloans-backend/pkg/db"
	"github.com/angelmondragon/libraryloans-backend/pkg/idempotency"
	"github.com/angelmondragon/libraryloans-backend/pkg/instance"
	"github.com/angelmondragon/libraryloans-backend/pkg/jobqueue"
	"github.com/angelmondragon/libraryloans-backend/pkg/logger"
	"github.com/angelmondragon/libraryloans-backend/pkg/mailer"
	"github.com/angelmondragon/libraryloans-backend/pkg/metrics"
	"github.com/angelmondragon/libraryloans-backend/pkg/migrate"
	"github.com/angelmondragon/libraryloans-backend/pkg/redis"
)

const mailTimeout = 10 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	ledgerService, err := ledger.NewService(ledger.ServiceParams{
		DB:     dbClient,
		Repo:   ledger.NewRepository(dbClient.DB()),
		Rules:  cfg.Borrow,
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger service", err)
		os.Exit(1)
	}

	sender, err := mailer.New(cfg.Email, &http.Client{Timeout: mailTimeout})
	if err != nil {
		logg.Error(context.Background(), "failed to create mailer", err)
		os.Exit(1)
	}

	notificationService, err := notifications.NewService(notifications.ServiceParams{
		DB:     dbClient,
		Repo:   notifications.NewRepository(dbClient.DB()),
		Mailer: sender,
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create notification service", err)
		os.Exit(1)
	}

	markers, err := idempotency.NewManager(redisClient, cfg.Worker.IdempotencyTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create idempotency manager", err)
		os.Exit(1)
	}

	processor, err := jobs.NewProcessor(jobs.ProcessorParams{
		Ledger:   ledgerService,
		Notifier: notificationService,
		Markers:  markers,
		Rules:    cfg.Borrow,
		Logger:   logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create job processor", err)
		os.Exit(1)
	}

	queue, err := jobqueue.New(dbClient, nil)
	if err != nil {
		logg.Error(context.Background(), "failed to create job queue", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	runner, err := jobs.NewRunner(jobs.RunnerParams{
		Queue:   queue,
		Handler: processor,
		Config:  cfg.Worker,
		Metrics: metrics.NewJobMetrics(registry),
		Logger:  logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create job runner", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Config:   cfg,
		Logger:   logg,
		DB:       dbClient,
		Redis:    redisClient,
		Runner:   runner,
		Gatherer: registry,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID("worker-0"),
		"concurrency": cfg.Worker.Concurrency,
	})
	logg.Info(ctx, "starting worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "worker shutting down gracefully")
}
