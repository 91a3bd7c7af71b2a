package config

// EnvPrefix is the envconfig prefix. Fields carry full names, which envconfig falls back to.
const EnvPrefix = "LIBRARY"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EmailProviderResend = "resend"
	EmailProviderSMTP   = "smtp"
	EmailProviderNoop   = "noop"
)

const (
	EnvAppEnv    = "LIBRARY_APP_ENV"
	EnvPort      = "LIBRARY_APP_PORT"
	EnvDBDSN     = "LIBRARY_DB_DSN"
	EnvDBHost    = "LIBRARY_DB_HOST"
	EnvDBUser    = "LIBRARY_DB_USER"
	EnvDBName    = "LIBRARY_DB_NAME"
	EnvRedisURL  = "LIBRARY_REDIS_URL"
	EnvJWTSecret = "LIBRARY_JWT_SECRET"
	EnvUseSQLite = "LIBRARY_USE_SQLITE"

	EnvMaxBooksPerUser         = "LIBRARY_MAX_BOOKS_PER_USER"
	EnvReservationPeriodHours  = "LIBRARY_BOOK_RESERVATION_PERIOD_HOURS"
	EnvHoldDurationDays        = "LIBRARY_HOLD_BOOK_DURATION_DAYS"
	EnvPickupReminderLeadHours = "LIBRARY_PICK_REMIND_TIME"
	EnvDueReminderLeadHours    = "LIBRARY_DUE_REMIND_TIME"

	EnvWorkerConcurrency   = "LIBRARY_WORKER_CONCURRENCY"
	EnvWorkerRetryAttempts = "LIBRARY_WORKER_RETRY_ATTEMPTS"
	EnvWorkerBackoffBase   = "LIBRARY_WORKER_BACKOFF_BASE"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
