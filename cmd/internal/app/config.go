package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string

	LogLevel  string
	LogFormat string // "json" (default) or "pretty"
	LogColor  bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	// Empty DatabaseURL selects the in-memory stores.
	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	DBAutoMigrate bool

	// StoreTimeout bounds every chat.Service call that has no deadline of its own.
	StoreTimeout time.Duration

	// RedisURL enables the Redis last-seen tracker and the asynq summary repair queue.
	RedisURL          string
	RedisPrefix       string
	JobsQueue         string
	JobsConcurrency   int
	JobsQueueWeights  string
	JobsWorkerEnabled bool

	// NATSURL enables JetStream domain events.
	NATSURL           string
	NATSStream        string
	NATSSubjectPrefix string

	MetricsEnabled bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("HUDDLE_HTTP_ADDR", "0.0.0.0:8080"),

		LogLevel:  EnvString("HUDDLE_LOG_LEVEL", "info"),
		LogFormat: EnvString("HUDDLE_LOG_FORMAT", "json"),
		LogColor:  EnvBool("HUDDLE_LOG_COLOR", false),

		ReadHeaderTimeout: EnvDuration("HUDDLE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("HUDDLE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("HUDDLE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("HUDDLE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("HUDDLE_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("HUDDLE_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL:   EnvString("HUDDLE_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("HUDDLE_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("HUDDLE_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("HUDDLE_DB_SCHEMA", "huddle"),
		DBAutoMigrate: EnvBool("HUDDLE_DB_AUTO_MIGRATE", true),

		StoreTimeout: EnvDuration("HUDDLE_STORE_TIMEOUT", 5*time.Second),

		RedisURL:          EnvString("HUDDLE_REDIS_URL", ""),
		RedisPrefix:       EnvString("HUDDLE_REDIS_PREFIX", "huddle:presence:"),
		JobsQueue:         EnvString("HUDDLE_JOBS_QUEUE", "chat"),
		JobsConcurrency:   EnvInt("HUDDLE_JOBS_CONCURRENCY", 4),
		JobsQueueWeights:  EnvString("HUDDLE_JOBS_QUEUES", "chat=1"),
		JobsWorkerEnabled: EnvBool("HUDDLE_JOBS_WORKER", true),

		NATSURL:           EnvString("HUDDLE_NATS_URL", ""),
		NATSStream:        EnvString("HUDDLE_NATS_STREAM", "HUDDLE_CHAT"),
		NATSSubjectPrefix: EnvString("HUDDLE_NATS_SUBJECT_PREFIX", "huddle.chat"),

		MetricsEnabled: EnvBool("HUDDLE_METRICS_ENABLED", true),

		CORSAllowedOrigins:   EnvCSV("HUDDLE_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("HUDDLE_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("HUDDLE_CORS_MAX_AGE", 600),

		ReadinessRequireDB: EnvBool("HUDDLE_READINESS_REQUIRE_DB", false),
	}
}
