// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// HTTP server, logging, storage, the task runner, quota and rate guards,
// payment webhooks, scheduled sweeps, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "studyloop-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
	Environment string  // DEPLOYMENT_ENV (e.g. "production")
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string // DB_DRIVER: sqlite|postgres
	Path   string // DB_PATH (sqlite)
	DSN    string // DATABASE_URL (postgres)
}

// RedisConfig points at the shared Redis used for rate-limit windows,
// realtime run snapshots, and sweep locks. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string // REDIS_ADDR
	Password string // REDIS_PASSWORD
	DB       int    // REDIS_DB
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Addr) != "" }

// TemporalConfig points at the external task runner. An empty Address
// leaves the runner unconfigured and every dispatch fails closed.
type TemporalConfig struct {
	Address     string        // TEMPORAL_ADDRESS
	Namespace   string        // TEMPORAL_NAMESPACE
	TaskQueue   string        // TEMPORAL_TASK_QUEUE
	DialTimeout time.Duration // TEMPORAL_DIAL_TIMEOUT
	DialMaxWait time.Duration // TEMPORAL_DIAL_MAX_WAIT
	Concurrency int           // WORKER_CONCURRENCY
}

// Enabled reports whether a Temporal address is configured.
func (t TemporalConfig) Enabled() bool { return strings.TrimSpace(t.Address) != "" }

// GenerationConfig bounds dispatched work and run access tokens.
type GenerationConfig struct {
	MaxTaskDuration time.Duration // GENERATION_MAX_DURATION, per content type
	JobMaxAge       time.Duration // PROCESSING_JOB_MAX_AGE
	RunTokenSecret  string        // RUN_TOKEN_SECRET
	RunTokenTTL     time.Duration // RUN_TOKEN_TTL
}

// LimitsConfig configures the sliding-window guards per action.
type LimitsConfig struct {
	UploadLimit    int           // UPLOAD_RATE_LIMIT
	UploadWindow   time.Duration // UPLOAD_RATE_WINDOW
	GenerateLimit  int           // GENERATE_RATE_LIMIT
	GenerateWindow time.Duration // GENERATE_RATE_WINDOW
}

// WebhookConfig configures payment webhook verification and retries.
type WebhookConfig struct {
	Secret         string        // PAYMENT_WEBHOOK_SECRET
	IdempotencyTTL time.Duration // WEBHOOK_IDEMPOTENCY_TTL
	MaxRetries     int           // WEBHOOK_MAX_RETRIES
}

// SweepConfig configures the scheduled sweeps.
type SweepConfig struct {
	CronSecret  string // CRON_SECRET
	Concurrency int    // SWEEP_CONCURRENCY
	LockDir     string // SWEEP_LOCK_DIR (file locks when Redis is off)
	RetryBatch  int    // SWEEP_RETRY_BATCH
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s; streams are exempt
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	MaxBodyBytes      int64         // request body cap
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage and collaborators
	Database DatabaseConfig
	Redis    RedisConfig
	Temporal TemporalConfig

	// Edge rate limiting (token bucket per user/IP)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL        time.Duration // how long a given Idempotency-Key is valid
	IdempotencyMaxRetries int           // retry budget of upload attempts

	// Domain
	Generation GenerationConfig
	Limits     LimitsConfig
	Webhooks   WebhookConfig
	Sweep      SweepConfig
	PlansFile  string // PLANS_FILE; empty uses the embedded catalog

	// Observability
	OTEL OTELConfig
}

// Load reads configuration from environment variables, applies defaults,
// normalizes values, and validates the result. The returned Config is
// populated even when validation fails.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      int64(getint("MAX_BODY_BYTES", 8<<20)),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		Database: DatabaseConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "studyloop.db"),
			DSN:    getenv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", ""),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
		},
		Temporal: TemporalConfig{
			Address:     getenv("TEMPORAL_ADDRESS", ""),
			Namespace:   getenv("TEMPORAL_NAMESPACE", "default"),
			TaskQueue:   getenv("TEMPORAL_TASK_QUEUE", "studyloop"),
			DialTimeout: getdur("TEMPORAL_DIAL_TIMEOUT", 5*time.Second),
			DialMaxWait: getdur("TEMPORAL_DIAL_MAX_WAIT", 60*time.Second),
			Concurrency: getint("WORKER_CONCURRENCY", 4),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL:        getdur("IDEMPOTENCY_TTL", 24*time.Hour),
		IdempotencyMaxRetries: getint("IDEMPOTENCY_MAX_RETRIES", 3),

		Generation: GenerationConfig{
			MaxTaskDuration: getdur("GENERATION_MAX_DURATION", 300*time.Second),
			JobMaxAge:       getdur("PROCESSING_JOB_MAX_AGE", 24*time.Hour),
			RunTokenSecret:  getenv("RUN_TOKEN_SECRET", "dev-only-run-token-secret-change-me"),
			RunTokenTTL:     getdur("RUN_TOKEN_TTL", 2*time.Hour),
		},
		Limits: LimitsConfig{
			UploadLimit:    getint("UPLOAD_RATE_LIMIT", 10),
			UploadWindow:   getdur("UPLOAD_RATE_WINDOW", time.Hour),
			GenerateLimit:  getint("GENERATE_RATE_LIMIT", 20),
			GenerateWindow: getdur("GENERATE_RATE_WINDOW", time.Hour),
		},
		Webhooks: WebhookConfig{
			Secret:         getenv("PAYMENT_WEBHOOK_SECRET", ""),
			IdempotencyTTL: getdur("WEBHOOK_IDEMPOTENCY_TTL", 72*time.Hour),
			MaxRetries:     getint("WEBHOOK_MAX_RETRIES", 3),
		},
		Sweep: SweepConfig{
			CronSecret:  getenv("CRON_SECRET", ""),
			Concurrency: getint("SWEEP_CONCURRENCY", 8),
			LockDir:     getenv("SWEEP_LOCK_DIR", os.TempDir()),
			RetryBatch:  getint("SWEEP_RETRY_BATCH", 50),
		},
		PlansFile: getenv("PLANS_FILE", ""),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "studyloop-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
			Environment: getenv("DEPLOYMENT_ENV", "development"),
		},
	}

	cfg.normalize()
	return cfg, cfg.validate()
}

func (c *Config) normalize() {
	if c.LogLevel == "warning" {
		c.LogLevel = "warn"
	}
	switch c.GinMode {
	case "debug", "release", "test":
	default:
		c.GinMode = "release"
	}
	switch c.Database.Driver {
	case "postgresql", "pg":
		c.Database.Driver = "postgres"
	case "sqlite3":
		c.Database.Driver = "sqlite"
	}
}

// validate joins one error per invalid setting.
func (c Config) validate() error {
	var errs []error
	check := func(bad bool, msg string) {
		if bad {
			errs = append(errs, errors.New(msg))
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		errs = append(errs, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic"))
	}
	check(strings.TrimSpace(c.Port) == "", "PORT must not be empty")
	check(c.ReadTimeout <= 0 || c.ReadHeaderTimeout <= 0 || c.WriteTimeout <= 0 || c.IdleTimeout <= 0,
		"timeouts must be positive durations")
	check(c.MaxHeaderBytes <= 0, "MAX_HEADER_BYTES must be > 0")
	check(c.MaxBodyBytes <= 0, "MAX_BODY_BYTES must be > 0")

	switch c.Database.Driver {
	case "sqlite":
		check(strings.TrimSpace(c.Database.Path) == "", "DB_PATH must not be empty")
	case "postgres":
		check(strings.TrimSpace(c.Database.DSN) == "", "DATABASE_URL is required when DB_DRIVER=postgres")
	default:
		errs = append(errs, errors.New("DB_DRIVER must be one of: sqlite, postgres"))
	}
	check(c.Temporal.Enabled() && strings.TrimSpace(c.Temporal.TaskQueue) == "", "TEMPORAL_TASK_QUEUE must not be empty")
	check(c.Temporal.Concurrency < 1, "WORKER_CONCURRENCY must be >= 1")

	check(c.RateRPS < 0, "RATE_RPS must be >= 0")
	check(c.RateBurst < 1, "RATE_BURST must be >= 1")
	check(c.Security.HSTSMaxAge < 0, "HSTS_MAX_AGE must be >= 0")
	check(c.IdempotencyTTL <= 0, "IDEMPOTENCY_TTL must be > 0")
	check(c.IdempotencyMaxRetries < 0, "IDEMPOTENCY_MAX_RETRIES must be >= 0")

	g := c.Generation
	check(g.MaxTaskDuration <= 0, "GENERATION_MAX_DURATION must be > 0")
	check(g.JobMaxAge <= 0, "PROCESSING_JOB_MAX_AGE must be > 0")
	check(len(g.RunTokenSecret) < 16, "RUN_TOKEN_SECRET must be at least 16 bytes")
	check(g.RunTokenTTL <= 0, "RUN_TOKEN_TTL must be > 0")

	l := c.Limits
	check(l.UploadLimit < 1 || l.GenerateLimit < 1, "UPLOAD_RATE_LIMIT and GENERATE_RATE_LIMIT must be >= 1")
	check(l.UploadWindow <= 0 || l.GenerateWindow <= 0, "rate windows must be positive durations")

	check(c.Webhooks.IdempotencyTTL <= 0, "WEBHOOK_IDEMPOTENCY_TTL must be > 0")
	check(c.Webhooks.MaxRetries < 0, "WEBHOOK_MAX_RETRIES must be >= 0")
	check(c.Sweep.Concurrency < 1, "SWEEP_CONCURRENCY must be >= 1")
	check(c.Sweep.RetryBatch < 1, "SWEEP_RETRY_BATCH must be >= 1")
	check(c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1, "OTEL_TRACES_SAMPLER_ARG must be in [0,1]")

	return errors.Join(errs...)
}

// Unset, empty, and unparsable variables all fall back to the default.

func getenv(k, def string) string {
	return lookup(k, def, func(v string) (string, error) { return v, nil })
}

func getint(k string, def int) int { return lookup(k, def, strconv.Atoi) }

func getdur(k string, def time.Duration) time.Duration { return lookup(k, def, time.ParseDuration) }

func getfloat(k string, def float64) float64 {
	return lookup(k, def, func(v string) (float64, error) { return strconv.ParseFloat(v, 64) })
}

func getbool(k string, def bool) bool {
	return lookup(k, def, func(v string) (bool, error) {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true, nil
		case "0", "false", "no", "n", "off":
			return false, nil
		}
		return def, errors.New("not a boolean")
	})
}

func lookup[T any](k string, def T, parse func(string) (T, error)) T {
	v, ok := os.LookupEnv(k)
	if !ok || v == "" {
		return def
	}
	out, err := parse(v)
	if err != nil {
		return def
	}
	return out
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
