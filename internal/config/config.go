// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	Server      ServerConfig
	RateLimit   RateLimitConfig
	Database    DatabaseConfig
	JWT         JWTConfig
	Admin       AdminConfig
	Cron        CronConfig
	AWS         AWSConfig
	Email       EmailConfig
	Digest      DigestConfig
	Scheduler   SchedulerConfig
	Log         LogConfig
	Frontend    FrontendConfig
	CORS        CORSConfig
}

type FrontendConfig struct {
	BaseURL string
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  int
	WriteTimeout int
	IdleTimeout  int
}

// RateLimitConfig bounds per-client request rates on the HTTP surface.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	LoginPerMinute    int
	LoginBurst        int
	VisitorTTL        time.Duration
}

type DatabaseConfig struct {
	Driver       string // postgres or sqlite
	Host         string
	Port         string
	User         string
	Password     string
	Database     string
	SSLMode      string
	SQLitePath   string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  int
	LogLevel     string
	QueryTimeout time.Duration
}

type JWTConfig struct {
	SecretKey      string
	AccessTokenTTL int // in hours
}

// AdminConfig seeds the first operator account.
type AdminConfig struct {
	Email    string
	Password string
}

// CronConfig guards the trigger endpoints used by schedulers and webhooks.
type CronConfig struct {
	SecretHash string // bcrypt hash of the shared trigger secret
}

type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ArchiveBucket   string
	ArchivePrefix   string
}

type EmailConfig struct {
	Provider       string // smtp, sendgrid or log
	SMTPHost       string
	SMTPPort       string
	SMTPUsername   string
	SMTPPassword   string
	SendGridAPIKey string
	FromEmail      string
	FromName       string
	SendTimeout    time.Duration
	RetryAttempts  int
	RetryDelay     time.Duration
	RetryMaxDelay  time.Duration
	RetryMaxJitter time.Duration
}

type DigestConfig struct {
	TargetHour         int
	BatchSize          int
	Concurrency        int
	RatePerSecond      float64
	MaxAttempts        int
	MaxEntries         int
	MaxNewProducts     int
	DailyLookbackDays  int
	WeeklyLookbackDays int
	WeeklyDay          time.Weekday
	EnqueueLead        time.Duration
	BounceThreshold    int
	BounceWindowDays   int
	PurgeAfterDays     int
	ProductName        string
}

type SchedulerConfig struct {
	Enabled       bool
	DailySpec     string
	WeeklySpec    string
	DispatchSpec  string
	PurgeSpec     string
	ListenChannel string
}

type LogConfig struct {
	Level  string
	Format string // json or text
}

type CORSConfig struct {
	AllowedOrigins []string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	config := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "localhost"),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 15),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 60),
			IdleTimeout:  getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 10),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
			LoginPerMinute:    getEnvAsInt("RATE_LIMIT_LOGIN_PER_MINUTE", 5),
			LoginBurst:        getEnvAsInt("RATE_LIMIT_LOGIN_BURST", 5),
			VisitorTTL:        getEnvAsDuration("RATE_LIMIT_VISITOR_TTL", 3*time.Minute),
		},
		Database: DatabaseConfig{
			Driver:       getEnv("DB_DRIVER", "postgres"),
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "version_digest"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			SQLitePath:   getEnv("DB_SQLITE_PATH", "version_digest.db"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  getEnvAsInt("DB_MAX_LIFETIME", 300),
			LogLevel:     getEnv("DB_LOG_LEVEL", "silent"),
			QueryTimeout: getEnvAsDuration("DB_QUERY_TIMEOUT", 10*time.Second),
		},
		JWT: JWTConfig{
			SecretKey:      getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			AccessTokenTTL: getEnvAsInt("JWT_ACCESS_TTL", 24),
		},
		Admin: AdminConfig{
			Email:    getEnv("ADMIN_EMAIL", ""),
			Password: getEnv("ADMIN_PASSWORD", ""),
		},
		Cron: CronConfig{
			SecretHash: getEnv("CRON_SECRET_HASH", ""),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:   getEnv("AWS_ARCHIVE_BUCKET", ""),
			ArchivePrefix:   getEnv("AWS_ARCHIVE_PREFIX", "notification-queue"),
		},
		Email: EmailConfig{
			Provider:       getEnv("EMAIL_PROVIDER", "log"),
			SMTPHost:       getEnv("SMTP_HOST", "smtp.gmail.com"),
			SMTPPort:       getEnv("SMTP_PORT", "587"),
			SMTPUsername:   getEnv("SMTP_USERNAME", ""),
			SMTPPassword:   getEnv("SMTP_PASSWORD", ""),
			SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),
			FromEmail:      getEnv("FROM_EMAIL", "digest@versiondigest.dev"),
			FromName:       getEnv("FROM_NAME", "Version Digest"),
			SendTimeout:    getEnvAsDuration("MAIL_SEND_TIMEOUT", 30*time.Second),
			RetryAttempts:  getEnvAsInt("MAIL_RETRY_ATTEMPTS", 3),
			RetryDelay:     getEnvAsDuration("MAIL_RETRY_DELAY", time.Second),
			RetryMaxDelay:  getEnvAsDuration("MAIL_RETRY_MAX_DELAY", 10*time.Second),
			RetryMaxJitter: getEnvAsDuration("MAIL_RETRY_MAX_JITTER", 500*time.Millisecond),
		},
		Digest: DigestConfig{
			TargetHour:         getEnvAsInt("DIGEST_TARGET_HOUR", 8),
			BatchSize:          getEnvAsInt("DIGEST_BATCH_SIZE", 100),
			Concurrency:        getEnvAsInt("DIGEST_CONCURRENCY", 2),
			RatePerSecond:      getEnvAsFloat("DIGEST_RATE_PER_SECOND", 2),
			MaxAttempts:        getEnvAsInt("DIGEST_MAX_ATTEMPTS", 3),
			MaxEntries:         getEnvAsInt("DIGEST_MAX_ENTRIES", 20),
			MaxNewProducts:     getEnvAsInt("DIGEST_MAX_NEW_PRODUCTS", 10),
			DailyLookbackDays:  getEnvAsInt("DIGEST_DAILY_LOOKBACK_DAYS", 1),
			WeeklyLookbackDays: getEnvAsInt("DIGEST_WEEKLY_LOOKBACK_DAYS", 7),
			WeeklyDay:          time.Weekday(getEnvAsInt("DIGEST_WEEKLY_DAY", int(time.Monday))),
			EnqueueLead:        getEnvAsDuration("DIGEST_ENQUEUE_LEAD", time.Hour),
			BounceThreshold:    getEnvAsInt("BOUNCE_THRESHOLD", 3),
			BounceWindowDays:   getEnvAsInt("BOUNCE_WINDOW_DAYS", 30),
			PurgeAfterDays:     getEnvAsInt("QUEUE_PURGE_AFTER_DAYS", 90),
			ProductName:        getEnv("DIGEST_PRODUCT_NAME", "Version Digest"),
		},
		Scheduler: SchedulerConfig{
			Enabled:       getEnvAsBool("SCHEDULER_ENABLED", false),
			DailySpec:     getEnv("SCHEDULER_DAILY_SPEC", "15 * * * *"),
			WeeklySpec:    getEnv("SCHEDULER_WEEKLY_SPEC", "20 * * * *"),
			DispatchSpec:  getEnv("SCHEDULER_DISPATCH_SPEC", "*/5 * * * *"),
			PurgeSpec:     getEnv("SCHEDULER_PURGE_SPEC", "0 3 * * *"),
			ListenChannel: getEnv("SCHEDULER_LISTEN_CHANNEL", "notification_queue"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Frontend: FrontendConfig{
			BaseURL: getEnv("FRONTEND_BASE_URL", "http://localhost:3000"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
	}

	return config, config.Validate()
}

func (c *Config) Validate() error {
	if c.JWT.SecretKey == "your-secret-key-change-in-production" && c.Environment == "production" {
		return fmt.Errorf("JWT secret key must be changed in production")
	}

	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Database.Driver == "postgres" && c.Database.Password == "" && c.Environment == "production" {
		return fmt.Errorf("database password is required in production")
	}

	switch c.Email.Provider {
	case "smtp", "log":
	case "sendgrid":
		if c.Email.SendGridAPIKey == "" {
			return fmt.Errorf("SENDGRID_API_KEY is required for the sendgrid provider")
		}
	default:
		return fmt.Errorf("unsupported email provider %q", c.Email.Provider)
	}

	if c.Email.Provider == "log" && c.Environment == "production" {
		return fmt.Errorf("log email provider cannot be used in production")
	}

	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1 || c.RateLimit.LoginPerMinute < 1 || c.RateLimit.LoginBurst < 1 {
		return fmt.Errorf("rate limits must be positive")
	}

	if c.Digest.TargetHour < 0 || c.Digest.TargetHour > 23 {
		return fmt.Errorf("DIGEST_TARGET_HOUR must be between 0 and 23")
	}

	if c.Digest.Concurrency < 1 || c.Digest.BatchSize < 1 || c.Digest.MaxAttempts < 1 {
		return fmt.Errorf("digest concurrency, batch size and max attempts must be positive")
	}

	if c.Cron.SecretHash == "" && c.Environment == "production" {
		return fmt.Errorf("CRON_SECRET_HASH is required in production")
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
