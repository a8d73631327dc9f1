package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `env:",prefix=SERVER_"`

	// Database configuration
	Database DatabaseConfig `env:",prefix=DB_"`

	// Application configuration
	App AppConfig `env:",prefix=APP_"`

	// Scheduler configuration
	Scheduler SchedulerConfig `env:",prefix=SCHEDULER_"`

	// Payment collection configuration
	Payment PaymentConfig `env:",prefix=PAYMENT_"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         string `env:"PORT,default=8080"`
	Host         string `env:"HOST,default=0.0.0.0"`
	ReadTimeout  int    `env:"READ_TIMEOUT,default=30"`  // seconds
	WriteTimeout int    `env:"WRITE_TIMEOUT,default=30"` // seconds
}

// DatabaseConfig holds database configuration. Driver selects between
// PostgreSQL (production) and an embedded SQLite file (local runs).
type DatabaseConfig struct {
	Driver     string `env:"DRIVER,default=postgres"`
	Host       string `env:"HOST,default=localhost"`
	Port       string `env:"PORT,default=5432"`
	User       string `env:"USER,default=postgres"`
	Password   string `env:"PASSWORD,default=postgres"`
	Name       string `env:"NAME,default=groupbuy"`
	SSLMode    string `env:"SSL_MODE,default=disable"`
	MaxConns   int    `env:"MAX_CONNS,default=25"`
	MinConns   int    `env:"MIN_CONNS,default=5"`
	SQLitePath string `env:"SQLITE_PATH,default=groupbuy.db"`
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	Environment string `env:"ENVIRONMENT,default=development"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	Debug       bool   `env:"DEBUG,default=false"`
}

// SchedulerConfig controls the periodic lifecycle drivers.
type SchedulerConfig struct {
	Enabled                   bool          `env:"ENABLED,default=true"`
	GracePeriodLeadTimeHours  int           `env:"GRACE_PERIOD_LEAD_TIME_HOURS,default=48"`
	GraceTriggerInterval      time.Duration `env:"GRACE_TRIGGER_INTERVAL,default=5m"`
	EvaluationInterval        time.Duration `env:"EVALUATION_INTERVAL,default=5m"`
	PaymentRetryInterval      time.Duration `env:"PAYMENT_RETRY_INTERVAL,default=1h"`
	PaymentCollectionInterval time.Duration `env:"PAYMENT_COLLECTION_INTERVAL,default=1m"`
}

// PaymentConfig holds payment gateway and retry configuration
type PaymentConfig struct {
	MaxRetries     int           `env:"MAX_RETRIES,default=3"`
	GatewayURL     string        `env:"GATEWAY_URL"` // empty selects the simulated gateway
	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT,default=10s"`
	GatewayRPS     int           `env:"GATEWAY_RPS,default=20"`
	AttemptLease   time.Duration `env:"ATTEMPT_LEASE,default=2m"`
}

// Load loads configuration from environment variables
func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engines cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Payment.MaxRetries < 1 {
		return fmt.Errorf("payment max retries must be at least 1, got %d", c.Payment.MaxRetries)
	}
	if c.Scheduler.GracePeriodLeadTimeHours <= 0 {
		return fmt.Errorf("grace period lead time must be positive, got %dh", c.Scheduler.GracePeriodLeadTimeHours)
	}
	if c.Payment.GatewayRPS <= 0 {
		return fmt.Errorf("payment gateway rps must be positive, got %d", c.Payment.GatewayRPS)
	}
	for name, d := range map[string]time.Duration{
		"grace trigger interval":      c.Scheduler.GraceTriggerInterval,
		"evaluation interval":         c.Scheduler.EvaluationInterval,
		"payment retry interval":      c.Scheduler.PaymentRetryInterval,
		"payment collection interval": c.Scheduler.PaymentCollectionInterval,
		"payment gateway timeout":     c.Payment.GatewayTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	// A lease shorter than a charge would let a second worker claim the intent mid-flight.
	if c.Payment.AttemptLease <= c.Payment.GatewayTimeout {
		return fmt.Errorf("payment attempt lease %s must exceed the gateway timeout %s", c.Payment.AttemptLease, c.Payment.GatewayTimeout)
	}
	return nil
}

// GetDatabaseURL returns the PostgreSQL connection URL
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// GracePeriodLeadTime returns the lead time as a duration
func (c *SchedulerConfig) GracePeriodLeadTime() time.Duration {
	return time.Duration(c.GracePeriodLeadTimeHours) * time.Hour
}

// IsDevelopment returns true if running in development environment
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *AppConfig) IsProduction() bool {
	return c.Environment == "production"
}
