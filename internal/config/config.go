package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	pkgconfig "github.com/orguetta/finely/pkg/config"
)

// Session store drivers.
const (
	StoreFile     = "file"
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config holds all configuration for the dashboard BFF.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPPort    int    `env:"BFF_HTTP_PORT" envDefault:"8080"`

	// Finance API
	APIBaseURL  string        `env:"PFT_BASE_URL" envDefault:"http://localhost:8000"`
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"5s"`

	// Session
	TokenExpirySkew time.Duration `env:"TOKEN_EXPIRY_SKEW" envDefault:"60s"`
	RefreshTimeout  time.Duration `env:"REFRESH_TIMEOUT" envDefault:"10s"`
	LoginPath       string        `env:"LOGIN_PATH" envDefault:"/login"`
	SessionStore    string        `env:"SESSION_STORE" envDefault:"file"`
	SessionFile     string        `env:"SESSION_FILE" envDefault:".finely/session.json"`
	SessionName     string        `env:"SESSION_NAME" envDefault:"default"`
	SessionTTL      time.Duration `env:"SESSION_TTL" envDefault:"168h"`

	// Redis
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// PostgreSQL
	PostgresHost     string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     int           `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string        `env:"POSTGRES_USER" envDefault:"finely"`
	PostgresPassword string        `env:"POSTGRES_PASSWORD" envDefault:"finely"`
	PostgresDB       string        `env:"POSTGRES_DB" envDefault:"finely"`
	PostgresSSLMode  string        `env:"POSTGRES_SSLMODE" envDefault:"disable"`
	PostgresMaxConns int32         `env:"POSTGRES_MAX_CONNS" envDefault:"4"`
	SlowQuery        time.Duration `env:"DB_SLOW_QUERY_THRESHOLD" envDefault:"200ms"`

	// Kafka session events; empty disables publishing.
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID" envDefault:"dashboard-bff"`

	// Tracing
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000" envSeparator:","`
	CORSMaxAge         int      `env:"CORS_MAX_AGE" envDefault:"600"`

	// Login rate limiting
	AuthRateLimitRPS   int `env:"AUTH_RATE_LIMIT_RPS" envDefault:"5"`
	AuthRateLimitBurst int `env:"AUTH_RATE_LIMIT_BURST" envDefault:"10"`

	// Circuit breaker around the finance API
	CBMaxRequests  uint32        `env:"CB_MAX_REQUESTS" envDefault:"1"`
	CBInterval     time.Duration `env:"CB_INTERVAL" envDefault:"60s"`
	CBTimeout      time.Duration `env:"CB_TIMEOUT" envDefault:"30s"`
	CBFailureRatio float64       `env:"CB_FAILURE_RATIO" envDefault:"0.5"`
	CBMinRequests  uint32        `env:"CB_MIN_REQUESTS" envDefault:"5"`

	// Operational endpoints
	MetricsEnabled      bool     `env:"METRICS_ENABLED" envDefault:"true"`
	MetricsAllowedCIDRs []string `env:"METRICS_ALLOWED_CIDRS" envDefault:"127.0.0.0/8,::1/128" envSeparator:","`
	PprofEnabled        bool     `env:"PPROF_ENABLED" envDefault:"false"`
	PprofAllowedCIDRs   []string `env:"PPROF_ALLOWED_CIDRS" envDefault:"127.0.0.0/8,::1/128" envSeparator:","`
}

// Load reads configuration from a .env file (if present) and the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.LoadWithDotenv(cfg); err != nil {
		return nil, fmt.Errorf("load bff config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SharedStore reports whether the session store can be shared by several
// BFF processes.
func (c *Config) SharedStore() bool {
	return c.SessionStore == StoreRedis || c.SessionStore == StorePostgres
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	var errs []error

	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("PFT_BASE_URL must be an absolute http(s) URL, got %q", c.APIBaseURL))
	}

	drivers := []string{StoreFile, StoreMemory, StoreRedis, StorePostgres}
	if !slices.Contains(drivers, c.SessionStore) {
		errs = append(errs, fmt.Errorf("SESSION_STORE must be one of %v, got %q", drivers, c.SessionStore))
	}
	if c.SessionStore == StoreFile && c.SessionFile == "" {
		errs = append(errs, errors.New("SESSION_FILE is required for the file store"))
	}

	for name, d := range map[string]time.Duration{
		"HTTP_TIMEOUT":    c.HTTPTimeout,
		"REFRESH_TIMEOUT": c.RefreshTimeout,
		"SESSION_TTL":     c.SessionTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.TokenExpirySkew < 0 {
		errs = append(errs, errors.New("TOKEN_EXPIRY_SKEW must not be negative"))
	}
	if c.AuthRateLimitRPS <= 0 || c.AuthRateLimitBurst <= 0 {
		errs = append(errs, errors.New("AUTH_RATE_LIMIT_RPS and AUTH_RATE_LIMIT_BURST must be positive"))
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("BFF_HTTP_PORT out of range: %d", c.HTTPPort))
	}

	return errors.Join(errs...)
}
