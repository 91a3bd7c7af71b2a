package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Borrow       BorrowConfig
	Worker       WorkerConfig
	Cron         CronConfig
	Email        EmailConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.Borrow.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"LIBRARY_APP_ENV" required:"true"`
	Port         string `envconfig:"LIBRARY_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"LIBRARY_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"LIBRARY_LOG_WARN_STACK" default:"false"`

	CORSOrigins []string `envconfig:"LIBRARY_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"LIBRARY_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"LIBRARY_DB_DSN"`
	Driver string `envconfig:"LIBRARY_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"LIBRARY_DB_HOST"`
	LegacyPort     int    `envconfig:"LIBRARY_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"LIBRARY_DB_USER"`
	LegacyPassword string `envconfig:"LIBRARY_DB_PASSWORD"`
	LegacyName     string `envconfig:"LIBRARY_DB_NAME"`
	LegacySSLMode  string `envconfig:"LIBRARY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"LIBRARY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"LIBRARY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"LIBRARY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"LIBRARY_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"LIBRARY_REDIS_URL"`
	Address      string        `envconfig:"LIBRARY_REDIS_ADDR"`
	Password     string        `envconfig:"LIBRARY_REDIS_PASSWORD"`
	DB           int           `envconfig:"LIBRARY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"LIBRARY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"LIBRARY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"LIBRARY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"LIBRARY_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"LIBRARY_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"LIBRARY_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"LIBRARY_JWT_ISSUER" default:"library"`
	ExpirationMinutes int    `envconfig:"LIBRARY_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"LIBRARY_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"LIBRARY_AUTO_MIGRATE" default:"false"`
}

// BorrowConfig holds the lending rules. Values are fixed for the life of the process.
type BorrowConfig struct {
	MaxBooksPerUser         int `envconfig:"LIBRARY_MAX_BOOKS_PER_USER" default:"5"`
	ReservationPeriodHours  int `envconfig:"LIBRARY_BOOK_RESERVATION_PERIOD_HOURS" default:"24"`
	HoldDurationDays        int `envconfig:"LIBRARY_HOLD_BOOK_DURATION_DAYS" default:"14"`
	PickupReminderLeadHours int `envconfig:"LIBRARY_PICK_REMIND_TIME" default:"2"`
	DueReminderLeadHours    int `envconfig:"LIBRARY_DUE_REMIND_TIME" default:"24"`
}

// ReservationPeriod is how long a reserved copy is held for pickup.
func (b BorrowConfig) ReservationPeriod() time.Duration {
	return time.Duration(b.ReservationPeriodHours) * time.Hour
}

// HoldDuration is the loan length counted from pickup.
func (b BorrowConfig) HoldDuration() time.Duration {
	return time.Duration(b.HoldDurationDays) * 24 * time.Hour
}

func (b BorrowConfig) PickupReminderLead() time.Duration {
	return time.Duration(b.PickupReminderLeadHours) * time.Hour
}

func (b BorrowConfig) DueReminderLead() time.Duration {
	return time.Duration(b.DueReminderLeadHours) * time.Hour
}

func (b BorrowConfig) validate() error {
	if b.MaxBooksPerUser <= 0 {
		return fmt.Errorf("%s must be positive", EnvMaxBooksPerUser)
	}
	if b.ReservationPeriodHours <= 0 {
		return fmt.Errorf("%s must be positive", EnvReservationPeriodHours)
	}
	if b.HoldDurationDays <= 0 {
		return fmt.Errorf("%s must be positive", EnvHoldDurationDays)
	}
	if b.PickupReminderLeadHours < 0 || b.DueReminderLeadHours < 0 {
		return fmt.Errorf("reminder lead times must not be negative")
	}
	return nil
}

type WorkerConfig struct {
	Concurrency       int           `envconfig:"LIBRARY_WORKER_CONCURRENCY" default:"4"`
	BatchSize         int           `envconfig:"LIBRARY_WORKER_BATCH_SIZE" default:"20"`
	PollInterval      time.Duration `envconfig:"LIBRARY_WORKER_POLL_INTERVAL" default:"1s"`
	VisibilityTimeout time.Duration `envconfig:"LIBRARY_WORKER_VISIBILITY_TIMEOUT" default:"5m"`
	RetryAttempts     int           `envconfig:"LIBRARY_WORKER_RETRY_ATTEMPTS" default:"3"`
	BackoffBase       time.Duration `envconfig:"LIBRARY_WORKER_BACKOFF_BASE" default:"5s"`
	MetricsAddr       string        `envconfig:"LIBRARY_WORKER_METRICS_ADDR" default:":9090"`
	IdempotencyTTL    time.Duration `envconfig:"LIBRARY_WORKER_IDEMPOTENCY_TTL" default:"720h"`
}

type CronConfig struct {
	Interval              time.Duration `envconfig:"LIBRARY_CRON_INTERVAL" default:"5m"`
	NotificationRetention int           `envconfig:"LIBRARY_CRON_NOTIFICATION_RETENTION_DAYS" default:"30"`
	FinishedJobRetention  int           `envconfig:"LIBRARY_CRON_JOB_RETENTION_DAYS" default:"7"`
	LockTTL               time.Duration `envconfig:"LIBRARY_CRON_LOCK_TTL" default:"10m"`
	// ReservationGrace delays the reaper so queued pickup-expiry jobs run first.
	ReservationGrace      time.Duration `envconfig:"LIBRARY_CRON_RESERVATION_GRACE" default:"15m"`
}

type EmailConfig struct {
	Provider     string `envconfig:"LIBRARY_EMAIL_PROVIDER" default:"smtp"`
	ResendAPIKey string `envconfig:"LIBRARY_RESEND_API_KEY"`
	ResendURL    string `envconfig:"LIBRARY_RESEND_URL" default:"https://api.resend.com/emails"`
	SenderEmail  string `envconfig:"LIBRARY_RESEND_SENDER_EMAIL"`
	SMTPHost     string `envconfig:"LIBRARY_SMTP_HOST" default:"smtp.gmail.com"`
	SMTPPort     int    `envconfig:"LIBRARY_SMTP_PORT" default:"587"`
	SMTPUser     string `envconfig:"LIBRARY_SMTP_USER"`
	SMTPPass     string `envconfig:"LIBRARY_SMTP_PASS"`
}

// ProviderName returns the normalized provider (resend/smtp/noop).
func (e EmailConfig) ProviderName() string {
	provider := strings.TrimSpace(strings.ToLower(e.Provider))
	if provider == "" {
		return EmailProviderSMTP
	}
	return provider
}

func (db *DBConfig) ensureDSN(sqlite bool) error {
	if db.DSN != "" {
		return nil
	}
	if sqlite {
		db.DSN = "file:library.db?_foreign_keys=on"
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
