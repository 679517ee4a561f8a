package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/carebridge/gatekeeper/pkg/validator"
)

// Environment constants
const (
	EnvProduction = "production"
)

// Backend and sink names.
const (
	BlacklistMemory = "memory"
	BlacklistRedis  = "redis"

	AuditSinkLog      = "log"
	AuditSinkPostgres = "postgres"
)

// Fallback rate limit applied when RATE_LIMIT_DEFAULT is malformed.
const (
	DefaultRateLimit  = 60
	DefaultRatePeriod = 60 * time.Second
)

// Config holds all application configuration.
type Config struct {
	App        AppConfig
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Log        LogConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Admission  AdmissionConfig
	Threat     ThreatConfig
	Escalation EscalationConfig
	Audit      AuditConfig
	Upstream   UpstreamConfig
	Tracing    TracingConfig

	// Warnings collects soft configuration errors that fell back to a safe default.
	Warnings []string `validate:"-"`
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Name  string `validate:"required"`
	Env   string `validate:"required"`
	Debug bool
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            int           `validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	RequestTimeout  time.Duration // Per-request handler timeout
	ShutdownTimeout time.Duration `validate:"gt=0"`
	MaxBodySize     int64         `validate:"gt=0"`
	// MaxConnections caps concurrently accepted connections; 0 disables the cap.
	MaxConnections int `validate:"gte=0"`
	// DecompressRequests inflates gzip/zstd bodies before admission.
	DecompressRequests bool
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string
	Port            int `validate:"min=1,max=65535"`
	User            string
	Password        string
	Name            string
	SSLMode         string `validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// MigrationsDir overrides the migrations embedded in the binary.
	MigrationsDir string
	AutoMigrate   bool
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host          string
	Port          int `validate:"min=1,max=65535"`
	Password      string
	DB            int `validate:"gte=0"`
	PoolSize      int `validate:"gt=0"`
	MinIdleConns  int
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	TLSEnabled    bool
	TLSSkipVerify bool
	MaxRetries    int `validate:"gte=0"`
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration
	// KeyPrefix namespaces every gatekeeper key.
	KeyPrefix string `validate:"required"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `validate:"log_level"`
	Format string `validate:"omitempty,oneof=json text JSON TEXT"`

	// Sampling configuration for high-traffic production environments
	SamplingEnabled   bool    // Enable log sampling (default: false for dev, true for prod)
	SamplingThreshold int     `validate:"gte=0"`       // First N identical logs per second (default: 100)
	SamplingRate      float64 `validate:"gte=0,lte=1"` // Sample rate after threshold, 0.0-1.0 (default: 0.1 = 10%)
	ErrorSamplingRate float64 `validate:"gte=0,lte=1"` // Sample rate for errors, 0.0-1.0 (default: 1.0 = 100%)

	// Async writes log records from a background goroutine.
	Async           bool
	AsyncBufferSize int `validate:"gte=0"`

	// HTTP logging configuration
	SkipHealthLogs     bool // Skip logging health check endpoints (default: true in prod)
	SlowRequestSeconds int  `validate:"gte=0"` // Log requests slower than this as warnings (default: 5)
}

// AuthConfig holds request attribution settings. Authentication itself
// happens downstream; gatekeeper only reads a verified subject for auditing.
type AuthConfig struct {
	// JWTSecret enables HS256 verification of Bearer tokens when set.
	JWTSecret string
	JWTIssuer string
	// JWTLeeway tolerates clock skew between the token issuer and the gateway.
	JWTLeeway time.Duration `validate:"gte=0"`
}

// RateLimitConfig holds sliding-window rate limiting configuration.
type RateLimitConfig struct {
	Limit         int           `validate:"gt=0"`
	Period        time.Duration `validate:"gt=0"`
	SweepInterval time.Duration `validate:"gt=0"`
	// ExemptPaths bypass counting.
	ExemptPaths []string `validate:"dive,http_path"`
	// SnapshotSchedule is a cron spec for persisting windows to Redis; empty disables it.
	SnapshotSchedule string
}

// AdmissionConfig holds allow-list, blacklist and request identity settings.
type AdmissionConfig struct {
	HealthPath        string   `validate:"required,http_path"`
	AllowList         []string // CIDR ranges or addresses; invalid entries are skipped by the filter
	AllowListEnabled  bool
	TrustProxyHeaders bool
	APIKeyHeader      string   `validate:"required,header_name"`
	AuthPaths         []string `validate:"dive,http_path"`

	BlacklistBackend       string        `validate:"oneof=memory redis"`
	BlacklistTimeout       time.Duration `validate:"gt=0"`
	BlacklistSweepSchedule string        `validate:"required,cron_spec"`
}

// ThreatConfig holds threat scoring configuration.
type ThreatConfig struct {
	Enabled     bool
	Sensitivity string `validate:"oneof=low medium high"`
	// RulesFile is an optional YAML catalogue of extra patterns.
	RulesFile string
}

// EscalationConfig holds the escalation policy parameters.
type EscalationConfig struct {
	HighBlockCount      int           `validate:"gt=0"`
	MediumThrottleCount int           `validate:"gt=0"`
	BlockTTL            time.Duration `validate:"gt=0"`
	CooldownLimit       int           `validate:"gt=0"`
	CooldownDuration    time.Duration `validate:"gt=0"`
}

// AuditConfig holds audit logger configuration.
type AuditConfig struct {
	Sink          string        `validate:"oneof=log postgres"`
	QueueSize     int           `validate:"gt=0"`
	BatchSize     int           `validate:"gt=0"`
	FlushInterval time.Duration `validate:"gt=0"`
	WriteTimeout  time.Duration `validate:"gt=0"`
	Archive       ArchiveConfig
}

// ArchiveConfig configures the S3 audit archive. Empty Bucket disables it.
type ArchiveConfig struct {
	Bucket   string
	Prefix   string
	Region   string `validate:"required_with=Bucket"`
	Endpoint string `validate:"omitempty,url"`
	// AuthType selects credentials: "default" chain, static "keys" or "sts_role".
	AuthType   string `validate:"oneof=default keys sts_role"`
	AccessKey  string `validate:"required_if=AuthType keys"`
	SecretKey  string `validate:"required_if=AuthType keys"`
	RoleARN    string `validate:"required_if=AuthType sts_role"`
	ExternalID string
	// FlushSchedule is a cron spec for uploading buffered events.
	FlushSchedule string `validate:"required_with=Bucket,cron_spec"`
	// MaxBuffered bounds events held between uploads.
	MaxBuffered int `validate:"gt=0"`
}

// Enabled reports whether archiving is configured.
func (c ArchiveConfig) Enabled() bool {
	return c.Bucket != ""
}

// UpstreamConfig configures the reverse-proxy target.
type UpstreamConfig struct {
	URL     string        `validate:"omitempty,http_url"`
	Timeout time.Duration `validate:"gt=0"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	// Endpoint is the OTLP/HTTP collector endpoint; empty disables export.
	Endpoint    string
	Insecure    bool
	SampleRatio float64 `validate:"gte=0,lte=1"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	limit, period, err := ParseRateLimitSpec(getEnv("RATE_LIMIT_DEFAULT", "60,60"))
	if err != nil {
		warn("RATE_LIMIT_DEFAULT: %v; using %d,%d", err, DefaultRateLimit, int(DefaultRatePeriod.Seconds()))
		limit, period = DefaultRateLimit, DefaultRatePeriod
	}

	sensitivity := strings.ToLower(getEnv("THREAT_DETECTION_SENSITIVITY", "medium"))
	switch sensitivity {
	case "low", "medium", "high":
	default:
		warn("THREAT_DETECTION_SENSITIVITY %q is not low, medium or high; using medium", sensitivity)
		sensitivity = "medium"
	}

	cfg := &Config{
		App: AppConfig{
			Name:  getEnv("APP_NAME", "gatekeeper"),
			Env:   getEnv("APP_ENV", "development"),
			Debug: getEnvBool("APP_DEBUG", false),
		},
		Server: ServerConfig{
			Host:               getEnv("SERVER_HOST", "0.0.0.0"),
			Port:               getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:        getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:       getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			RequestTimeout:     getEnvDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
			ShutdownTimeout:    getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxBodySize:        getEnvInt64("SERVER_MAX_BODY_SIZE", 1<<20), // 1MB default
			MaxConnections:     getEnvInt("SERVER_MAX_CONNECTIONS", 0),
			DecompressRequests: getEnvBool("SERVER_DECOMPRESS_REQUESTS", true),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "gatekeeper"),
			Password:        getEnv("DB_PASSWORD", ""),
			Name:            getEnv("DB_NAME", "gatekeeper"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   getEnv("DB_MIGRATIONS_DIR", ""),
			AutoMigrate:     getEnvBool("DB_AUTO_MIGRATE", false),
		},
		Redis: RedisConfig{
			Host:          getEnv("REDIS_HOST", "localhost"),
			Port:          getEnvInt("REDIS_PORT", 6379),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			PoolSize:      getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns:  getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:   getEnvDuration("REDIS_DIAL_TIMEOUT", 2*time.Second),
			ReadTimeout:   getEnvDuration("REDIS_READ_TIMEOUT", time.Second),
			WriteTimeout:  getEnvDuration("REDIS_WRITE_TIMEOUT", time.Second),
			TLSEnabled:    getEnvBool("REDIS_TLS_ENABLED", false),
			TLSSkipVerify: getEnvBool("REDIS_TLS_SKIP_VERIFY", false),
			MaxRetries:    getEnvInt("REDIS_MAX_RETRIES", 2),
			MinRetryDelay: getEnvDuration("REDIS_MIN_RETRY_DELAY", 50*time.Millisecond),
			MaxRetryDelay: getEnvDuration("REDIS_MAX_RETRY_DELAY", time.Second),
			KeyPrefix:     getEnv("REDIS_KEY_PREFIX", "gatekeeper"),
		},
		Log: LogConfig{
			Level:              getEnv("LOG_LEVEL", "info"),
			Format:             getEnv("LOG_FORMAT", "json"),
			SamplingEnabled:    getEnvBool("LOG_SAMPLING_ENABLED", false),   // Enable via env for production
			SamplingThreshold:  getEnvInt("LOG_SAMPLING_THRESHOLD", 100),    // First 100 identical logs/sec
			SamplingRate:       getEnvFloat("LOG_SAMPLING_RATE", 0.1),       // Then 10%
			ErrorSamplingRate:  getEnvFloat("LOG_ERROR_SAMPLING_RATE", 1.0), // Always log errors
			Async:              getEnvBool("LOG_ASYNC", false),
			AsyncBufferSize:    getEnvInt("LOG_ASYNC_BUFFER_SIZE", 4096),
			SkipHealthLogs:     getEnvBool("LOG_SKIP_HEALTH", true),      // Skip health endpoints
			SlowRequestSeconds: getEnvInt("LOG_SLOW_REQUEST_SECONDS", 5), // Warn on slow requests
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
			JWTIssuer: getEnv("AUTH_JWT_ISSUER", ""),
			JWTLeeway: getEnvDuration("AUTH_JWT_LEEWAY", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			Limit:            limit,
			Period:           period,
			SweepInterval:    getEnvDuration("RATE_LIMIT_SWEEP_INTERVAL", time.Minute),
			ExemptPaths:      getEnvSlice("RATE_LIMIT_EXEMPT_PATHS", []string{"/metrics"}),
			SnapshotSchedule: getEnv("RATE_LIMIT_SNAPSHOT_SCHEDULE", "@every 30s"),
		},
		Admission: AdmissionConfig{
			HealthPath:             getEnv("HEALTH_PATH", "/health"),
			AllowList:              getEnvSlice("IP_WHITELIST", nil),
			AllowListEnabled:       getEnvBool("ENABLE_IP_WHITELIST", true),
			TrustProxyHeaders:      getEnvBool("TRUST_PROXY_HEADERS", false),
			APIKeyHeader:           getEnv("API_KEY_HEADER", "X-API-Key"),
			AuthPaths:              getEnvSlice("AUTH_PATHS", []string{"/api/v1/auth/login", "/api/v1/auth/token"}),
			BlacklistBackend:       strings.ToLower(getEnv("BLACKLIST_BACKEND", BlacklistMemory)),
			BlacklistTimeout:       getEnvDuration("BLACKLIST_TIMEOUT", 50*time.Millisecond),
			BlacklistSweepSchedule: getEnv("BLACKLIST_SWEEP_SCHEDULE", "@every 1m"),
		},
		Threat: ThreatConfig{
			Enabled:     getEnvBool("ENABLE_THREAT_DETECTION", true),
			Sensitivity: sensitivity,
			RulesFile:   getEnv("THREAT_RULES_FILE", ""),
		},
		Escalation: EscalationConfig{
			HighBlockCount:      positiveInt("ESCALATION_HIGH_BLOCK_COUNT", 2, warn),
			MediumThrottleCount: positiveInt("ESCALATION_MEDIUM_THROTTLE_COUNT", 3, warn),
			BlockTTL:            positiveDuration("ESCALATION_BLOCK_TTL", time.Hour, warn),
			CooldownLimit:       positiveInt("ESCALATION_COOLDOWN_LIMIT", 10, warn),
			CooldownDuration:    positiveDuration("ESCALATION_COOLDOWN_DURATION", 5*time.Minute, warn),
		},
		Audit: AuditConfig{
			Sink:          strings.ToLower(getEnv("AUDIT_SINK", AuditSinkLog)),
			QueueSize:     getEnvInt("AUDIT_QUEUE_SIZE", 4096),
			BatchSize:     getEnvInt("AUDIT_BATCH_SIZE", 100),
			FlushInterval: getEnvDuration("AUDIT_FLUSH_INTERVAL", time.Second),
			WriteTimeout:  getEnvDuration("AUDIT_WRITE_TIMEOUT", 5*time.Second),
			Archive: ArchiveConfig{
				Bucket:        getEnv("AUDIT_ARCHIVE_BUCKET", ""),
				Prefix:        getEnv("AUDIT_ARCHIVE_PREFIX", "audit"),
				Region:        getEnv("AUDIT_ARCHIVE_REGION", getEnv("AWS_REGION", "")),
				Endpoint:      getEnv("AUDIT_ARCHIVE_ENDPOINT", ""),
				AuthType:      getEnv("AUDIT_ARCHIVE_AUTH_TYPE", "default"),
				AccessKey:     getEnv("AUDIT_ARCHIVE_ACCESS_KEY_ID", ""),
				SecretKey:     getEnv("AUDIT_ARCHIVE_SECRET_ACCESS_KEY", ""),
				RoleARN:       getEnv("AUDIT_ARCHIVE_ROLE_ARN", ""),
				ExternalID:    getEnv("AUDIT_ARCHIVE_EXTERNAL_ID", ""),
				FlushSchedule: getEnv("AUDIT_ARCHIVE_FLUSH_SCHEDULE", "@every 5m"),
				MaxBuffered:   getEnvInt("AUDIT_ARCHIVE_MAX_BUFFERED", 50000),
			},
		},
		Upstream: UpstreamConfig{
			URL:     getEnv("UPSTREAM_URL", ""),
			Timeout: getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second),
		},
		Tracing: TracingConfig{
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Insecure:    getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
			SampleRatio: getEnvFloat("OTEL_TRACES_SAMPLER_RATIO", 1.0),
		},
	}
	cfg.Warnings = warnings

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseRateLimitSpec parses "<limit>,<period_seconds>".
func ParseRateLimitSpec(s string) (int, time.Duration, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected <limit>,<period_seconds>, got %q", s)
	}
	limit, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || limit <= 0 {
		return 0, 0, fmt.Errorf("limit must be a positive integer, got %q", parts[0])
	}
	secs, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || secs <= 0 {
		return 0, 0, fmt.Errorf("period must be a positive number of seconds, got %q", parts[1])
	}
	return limit, time.Duration(secs) * time.Second, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Validate(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.App.Env == EnvProduction {
		return c.validateProduction()
	}
	return nil
}

// validateProduction validates settings that must hold in production.
func (c *Config) validateProduction() error {
	if c.App.Debug {
		return fmt.Errorf("debug mode must be disabled in production")
	}
	if !strings.EqualFold(c.Log.Format, "json") {
		return fmt.Errorf("LOG_FORMAT must be json in production")
	}
	if strings.EqualFold(c.Log.Level, "debug") {
		return fmt.Errorf("log level should not be 'debug' in production")
	}
	if c.Admission.BlacklistBackend == BlacklistRedis {
		if err := c.validateProductionRedis(); err != nil {
			return err
		}
	}
	if c.Audit.Sink == AuditSinkPostgres && c.Database.SSLMode == "disable" {
		return fmt.Errorf("database SSL must be enabled in production (use 'require' or 'verify-full')")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("AUTH_JWT_SECRET must be at least 32 characters in production")
	}
	return nil
}

// validateProductionRedis validates Redis configuration for production.
func (c *Config) validateProductionRedis() error {
	if c.Redis.Password == "" {
		return fmt.Errorf("redis password must be set in production")
	}
	if !c.Redis.TLSEnabled {
		return fmt.Errorf("redis TLS must be enabled in production")
	}
	if c.Redis.TLSSkipVerify {
		return fmt.Errorf("redis TLS skip verify must be false in production")
	}
	return nil
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Addr returns the Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the HTTP server address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDevelopment returns true if the application is in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction returns true if the application is in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Env == EnvProduction
}

// UsesRedis reports whether a Redis connection is needed. Window snapshots
// ride on the same connection and are skipped without it.
func (c *Config) UsesRedis() bool {
	return c.Admission.BlacklistBackend == BlacklistRedis
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, v := range splitAndTrim(value, ",") {
			if v != "" {
				result = append(result, v)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// positiveInt reads a security knob; malformed or non-positive values warn and fall back.
func positiveInt(key string, defaultValue int, warn func(string, ...any)) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		warn("%s=%q is not a positive integer; using %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

// positiveDuration reads a security knob; malformed or non-positive values warn and fall back.
func positiveDuration(key string, defaultValue time.Duration, warn func(string, ...any)) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		warn("%s=%q is not a positive duration; using %s", key, value, defaultValue)
		return defaultValue
	}
	return d
}

func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
