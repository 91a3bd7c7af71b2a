package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/libraryloans-backend/internal/cron"
	"github.com/angelmondragon/libraryloans-backend/internal/ledger"
	"github.com/angelmondragon/libraryloans-backend/internal/notifications"
	"github.com/angelmondragon/libraryloans-backend/pkg/config"
	"github.com/angelmondragon/libraryloans-backend/pkg/db"
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
	once := flag.Bool("once", false, "run a single cycle and exit")
	jobName := flag.String("job", "", "run one named job and exit")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
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

	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(lockName(cfg.App.Env)), cfg.Cron.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	registry, err := buildRegistry(cfg, logg, dbClient)
	if err != nil {
		logg.Error(context.Background(), "failed to register cron jobs", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metricsCollector,
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID("cron-0"),
	})

	switch {
	case *jobName != "":
		if err := service.RunJob(ctx, *jobName); err != nil {
			logg.Error(logg.WithField(ctx, "job", *jobName), "cron job failed", err)
			os.Exit(1)
		}
		return
	case *once:
		if err := service.RunOnce(ctx); err != nil {
			logg.Error(ctx, "cron cycle failed", err)
			os.Exit(1)
		}
		return
	}

	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

// lockName scopes the cron lock per environment.
func lockName(env string) string {
	if env == "" {
		env = "local"
	}
	return "cron-worker:" + env
}

func buildRegistry(cfg *config.Config, logg *logger.Logger, dbClient *db.Client) (*cron.Registry, error) {
	ledgerService, err := ledger.NewService(ledger.ServiceParams{
		DB:     dbClient,
		Repo:   ledger.NewRepository(dbClient.DB()),
		Rules:  cfg.Borrow,
		Logger: logg,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger service: %w", err)
	}
	sender, err := mailer.New(cfg.Email, &http.Client{Timeout: mailTimeout})
	if err != nil {
		return nil, fmt.Errorf("mailer: %w", err)
	}
	notificationService, err := notifications.NewService(notifications.ServiceParams{
		DB:     dbClient,
		Repo:   notifications.NewRepository(dbClient.DB()),
		Mailer: sender,
		Logger: logg,
	})
	if err != nil {
		return nil, fmt.Errorf("notification service: %w", err)
	}
	queue, err := jobqueue.New(dbClient, nil)
	if err != nil {
		return nil, fmt.Errorf("job queue: %w", err)
	}

	reaper, err := cron.NewReservationReaperJob(cron.ReservationReaperJobParams{
		Logger:   logg,
		Ledger:   ledgerService,
		Notifier: notificationService,
		Jobs:     queue,
		Grace:    cfg.Cron.ReservationGrace,
	})
	if err != nil {
		return nil, err
	}
	stalled, err := cron.NewStalledJobsJob(cron.StalledJobsJobParams{
		Logger:  logg,
		Queue:   queue,
		Metrics: metrics.NewJobMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		return nil, err
	}
	retention, err := cron.NewJobRetentionJob(cron.JobRetentionJobParams{
		Logger:    logg,
		Queue:     queue,
		Retention: cfg.Cron.FinishedJobRetention,
	})
	if err != nil {
		return nil, err
	}
	cleanup, err := cron.NewNotificationCleanupJob(cron.NotificationCleanupJobParams{
		Logger:    logg,
		Purger:    notificationService,
		Retention: cfg.Cron.NotificationRetention,
	})
	if err != nil {
		return nil, err
	}
	return cron.NewRegistry(reaper, stalled, retention, cleanup), nil
}
