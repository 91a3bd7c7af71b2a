package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/libraryloans-backend/api/routes"
	"github.com/angelmondragon/libraryloans-backend/internal/borrows"
	"github.com/angelmondragon/libraryloans-backend/internal/ledger"
	"github.com/angelmondragon/libraryloans-backend/internal/notifications"
	"github.com/angelmondragon/libraryloans-backend/internal/schedulers/reminders"
	"github.com/angelmondragon/libraryloans-backend/pkg/config"
	"github.com/angelmondragon/libraryloans-backend/pkg/db"
	"github.com/angelmondragon/libraryloans-backend/pkg/instance"
	"github.com/angelmondragon/libraryloans-backend/pkg/jobqueue"
	"github.com/angelmondragon/libraryloans-backend/pkg/logger"
	"github.com/angelmondragon/libraryloans-backend/pkg/mailer"
	"github.com/angelmondragon/libraryloans-backend/pkg/migrate"
	"github.com/angelmondragon/libraryloans-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	queue, err := jobqueue.New(dbClient, nil)
	if err != nil {
		logg.Error(context.Background(), "failed to create job queue", err)
		os.Exit(1)
	}

	scheduler, err := reminders.NewService(reminders.ServiceParams{
		Queue:    queue,
		Rules:    cfg.Borrow,
		Attempts: cfg.Worker.RetryAttempts,
		Backoff:  cfg.Worker.BackoffBase,
		Logger:   logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reminder scheduler", err)
		os.Exit(1)
	}

	sender, err := mailer.New(cfg.Email, &http.Client{Timeout: 10 * time.Second})
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

	borrowService, err := borrows.NewService(borrows.ServiceParams{
		Ledger:    ledgerService,
		Scheduler: scheduler,
		Notifier:  notificationService,
		Logger:    logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create borrow service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	id := instance.GetID("local")
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": id,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:              addr,
		Handler:           routes.NewRouter(cfg, logg, dbClient, redisClient, borrowService, notificationService),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
