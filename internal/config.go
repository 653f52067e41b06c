package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Env           string              `mapstructure:"env" validate:"omitempty,oneof=development staging production test"`
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Security      SecurityConfig      `mapstructure:"security"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Payment       PaymentConfig       `mapstructure:"payment"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Notification  NotificationConfig  `mapstructure:"notification"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	BaseURL           string        `mapstructure:"base_url" validate:"omitempty,url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"required,min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"required,min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Source          string        `mapstructure:"source" validate:"required"`
}

type SecurityConfig struct {
	JWTSecret            string        `mapstructure:"jwt_secret" validate:"required,min=32"`
	JWTRefreshSecret     string        `mapstructure:"jwt_refresh_secret" validate:"required,min=32"`
	AccessTokenDuration  time.Duration `mapstructure:"access_token_duration" validate:"required"`
	RefreshTokenDuration time.Duration `mapstructure:"refresh_token_duration" validate:"required"`
	BCryptCost           int           `mapstructure:"bcrypt_cost" validate:"required,min=10,max=15"`
}

type PaymentConfig struct {
	Currency string       `mapstructure:"currency" validate:"required,len=3"`
	Stripe   StripeConfig `mapstructure:"stripe"`
	PayPal   PayPalConfig `mapstructure:"paypal"`
	Retry    RetryConfig  `mapstructure:"retry"`
}

type StripeConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Environment    string `mapstructure:"environment" validate:"omitempty,oneof=test live"`
	SecretKey      string `mapstructure:"secret_key" validate:"required_if=Enabled true"`
	PublishableKey string `mapstructure:"publishable_key" validate:"required_if=Enabled true"`
	WebhookSecret  string `mapstructure:"webhook_secret" validate:"required_if=Enabled true"`
}

type PayPalConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Environment  string `mapstructure:"environment" validate:"omitempty,oneof=sandbox live"`
	ClientID     string `mapstructure:"client_id" validate:"required_if=Enabled true"`
	ClientSecret string `mapstructure:"client_secret" validate:"required_if=Enabled true"`
	WebhookID    string `mapstructure:"webhook_id" validate:"required_if=Enabled true"`
	ReturnURL    string `mapstructure:"return_url" validate:"omitempty,url"`
	CancelURL    string `mapstructure:"cancel_url" validate:"omitempty,url"`
}

type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts" validate:"min=0,max=10"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
	BatchSize     int           `mapstructure:"batch_size" validate:"min=0"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
}

type RedisConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db" validate:"min=0"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type NotificationConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	SendGridAPIKey string `mapstructure:"sendgrid_api_key" validate:"required_if=Enabled true"`
	FromEmail      string `mapstructure:"from_email" validate:"omitempty,email"`
	FromName       string `mapstructure:"from_name"`
	Workers        int    `mapstructure:"workers" validate:"min=0"`
	QueueSize      int    `mapstructure:"queue_size" validate:"min=0"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json text"`
}

// ApplyDefaults fills the zero values the rest of the service relies on.
func (c *Config) ApplyDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.Payment.Currency == "" {
		c.Payment.Currency = "USD"
	}
	if c.Payment.Retry.MaxAttempts == 0 {
		c.Payment.Retry.MaxAttempts = 3
	}
	if c.Payment.Retry.BaseDelay == 0 {
		c.Payment.Retry.BaseDelay = 30 * time.Minute
	}
	if c.Payment.Retry.SweepSchedule == "" {
		c.Payment.Retry.SweepSchedule = "0 */5 * * * *"
	}
	if c.Payment.Retry.BatchSize == 0 {
		c.Payment.Retry.BatchSize = 50
	}
	if c.Payment.Retry.LockTTL == 0 {
		c.Payment.Retry.LockTTL = 4 * time.Minute
	}
	if c.Payment.Stripe.Environment == "" {
		c.Payment.Stripe.Environment = "test"
	}
	if c.Payment.PayPal.Environment == "" {
		c.Payment.PayPal.Environment = "sandbox"
	}
	if c.Redis.IdempotencyTTL == 0 {
		c.Redis.IdempotencyTTL = 72 * time.Hour
	}
	if c.Notification.Workers == 0 {
		c.Notification.Workers = 4
	}
	if c.Notification.QueueSize == 0 {
		c.Notification.QueueSize = 100
	}
	if c.Security.AccessTokenDuration == 0 {
		c.Security.AccessTokenDuration = 15 * time.Minute
	}
	if c.Security.RefreshTokenDuration == 0 {
		c.Security.RefreshTokenDuration = 7 * 24 * time.Hour
	}
	if c.Security.BCryptCost == 0 {
		c.Security.BCryptCost = 12
	}
}

// LoadConfigFromEnv builds the configuration from plain environment variables,
// used by container deployments where no config file is mounted.
func LoadConfigFromEnv() *Config {
	// .env is optional; a missing file is not an error in production.
	_ = godotenv.Load()

	cfg := &Config{
		Env: getEnv("APP_ENV", "production"),
		Server: ServerConfig{
			Port:              getEnvAsInt("HTTP_PORT", 8080),
			BaseURL:           getEnv("BASE_URL", ""),
			AllowedOrigins:    getEnv("ALLOWED_ORIGINS", ""),
			ReadHeaderTimeout: getEnvAsDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:      getEnvAsDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:       getEnvAsDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			Source:          getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		},
		Security: SecurityConfig{
			JWTSecret:            getEnv("JWT_SECRET", ""),
			JWTRefreshSecret:     getEnv("JWT_REFRESH_SECRET", ""),
			AccessTokenDuration:  getEnvAsDuration("ACCESS_TOKEN_DURATION", 15*time.Minute),
			RefreshTokenDuration: getEnvAsDuration("REFRESH_TOKEN_DURATION", 7*24*time.Hour),
			BCryptCost:           getEnvAsInt("BCRYPT_COST", 12),
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: getEnvAsBool("METRICS_ENABLED", true),
				Path:    getEnv("METRICS_PATH", "/metrics"),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
		Payment: PaymentConfig{
			Currency: getEnv("PAYMENT_CURRENCY", "USD"),
			Stripe: StripeConfig{
				Enabled:        getEnvAsBool("STRIPE_ENABLED", false),
				Environment:    getEnv("STRIPE_ENVIRONMENT", "test"),
				SecretKey:      getEnv("STRIPE_SECRET_KEY", ""),
				PublishableKey: getEnv("STRIPE_PUBLISHABLE_KEY", ""),
				WebhookSecret:  getEnv("STRIPE_WEBHOOK_SECRET", ""),
			},
			PayPal: PayPalConfig{
				Enabled:      getEnvAsBool("PAYPAL_ENABLED", false),
				Environment:  getEnv("PAYPAL_ENVIRONMENT", "sandbox"),
				ClientID:     getEnv("PAYPAL_CLIENT_ID", ""),
				ClientSecret: getEnv("PAYPAL_CLIENT_SECRET", ""),
				WebhookID:    getEnv("PAYPAL_WEBHOOK_ID", ""),
				ReturnURL:    getEnv("PAYPAL_RETURN_URL", ""),
				CancelURL:    getEnv("PAYPAL_CANCEL_URL", ""),
			},
			Retry: RetryConfig{
				MaxAttempts:   getEnvAsInt("PAYMENT_RETRY_MAX_ATTEMPTS", 3),
				BaseDelay:     getEnvAsDuration("PAYMENT_RETRY_BASE_DELAY", 30*time.Minute),
				SweepSchedule: getEnv("PAYMENT_RETRY_SWEEP_SCHEDULE", "0 */5 * * * *"),
				BatchSize:     getEnvAsInt("PAYMENT_RETRY_BATCH_SIZE", 50),
				LockTTL:       getEnvAsDuration("PAYMENT_RETRY_LOCK_TTL", 4*time.Minute),
			},
		},
		Redis: RedisConfig{
			Enabled:        getEnvAsBool("REDIS_ENABLED", false),
			Addr:           getEnv("REDIS_ADDR", ""),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getEnvAsInt("REDIS_DB", 0),
			IdempotencyTTL: getEnvAsDuration("REDIS_IDEMPOTENCY_TTL", 72*time.Hour),
		},
		Notification: NotificationConfig{
			Enabled:        getEnvAsBool("NOTIFICATION_ENABLED", false),
			SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),
			FromEmail:      getEnv("NOTIFICATION_FROM_EMAIL", ""),
			FromName:       getEnv("NOTIFICATION_FROM_NAME", "GemachHub"),
			Workers:        getEnvAsInt("NOTIFICATION_WORKERS", 4),
			QueueSize:      getEnvAsInt("NOTIFICATION_QUEUE_SIZE", 100),
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

var configValidator = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	var errs []string

	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Payment.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("payment config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *PaymentConfig) Validate() error {
	if c.Stripe.Enabled {
		key := c.Stripe.SecretKey
		switch c.Stripe.Environment {
		case "live":
			if !strings.HasPrefix(key, "sk_live") && !strings.HasPrefix(key, "rk_live") {
				return errors.New("stripe live environment requires a live secret key")
			}
		default:
			if !strings.HasPrefix(key, "sk_test") && !strings.HasPrefix(key, "rk_test") {
				return errors.New("stripe test environment requires a test secret key")
			}
		}
	}
	if c.Retry.BaseDelay < 0 {
		return errors.New("retry base_delay must not be negative")
	}
	return nil
}
