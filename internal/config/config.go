/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/robfig/cron/v3: Validates the ledger audit schedule.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	defaultServerPort            = "8080"
	defaultEventsExchange        = "transfa.events"
	defaultTransferEventQueue    = "escrow_service.transfer_updates"
	defaultRateLimitPrefix       = "escrow:write_quota"
	defaultWriteRateLimit        = 30
	defaultCurrency              = "NGN"
	defaultDatabaseMaxConns      = 50
	defaultOutboxPollIntervalMS  = 1200
	defaultOutboxBatchSize       = 50
	defaultLedgerAuditSchedule   = "*/15 * * * *"
	defaultMinimumWithdrawalKobo = 10000
)

// Config holds all the configuration variables for the escrow-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                    string `mapstructure:"SERVER_PORT"`
	DatabaseURL                   string `mapstructure:"DATABASE_URL"`
	DatabaseMaxConns              int32  `mapstructure:"DATABASE_MAX_CONNS"`
	AutoMigrate                   bool   `mapstructure:"AUTO_MIGRATE"`
	RedisURL                      string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix          string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	EscrowWriteRateLimitPerMinute int    `mapstructure:"ESCROW_WRITE_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                   string `mapstructure:"RABBITMQ_URL"`
	EventsExchange                string `mapstructure:"EVENTS_EXCHANGE"`
	TransferEventQueue            string `mapstructure:"TRANSFER_EVENT_QUEUE"`
	ClerkJWKSURL                  string `mapstructure:"CLERK_JWKS_URL"`
	ClerkAudience                 string `mapstructure:"CLERK_AUDIENCE"`
	ClerkIssuer                   string `mapstructure:"CLERK_ISSUER"`
	InternalAPIKey                string `mapstructure:"INTERNAL_API_KEY"`
	PayrailBaseURL                string `mapstructure:"PAYRAIL_BASE_URL"`
	PayrailSecretKey              string `mapstructure:"PAYRAIL_SECRET_KEY"`
	DefaultCurrency               string `mapstructure:"DEFAULT_CURRENCY"`
	MinimumWithdrawalKobo         int64  `mapstructure:"MINIMUM_WITHDRAWAL_KOBO"`
	OutboxPollIntervalMS          int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
	OutboxBatchSize               int    `mapstructure:"OUTBOX_BATCH_SIZE"`
	LedgerAuditSchedule           string `mapstructure:"LEDGER_AUDIT_SCHEDULE"`
	LogLevel                      string `mapstructure:"LOG_LEVEL"`
	LogFormat                     string `mapstructure:"LOG_FORMAT"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("DATABASE_MAX_CONNS", defaultDatabaseMaxConns)
	viper.SetDefault("AUTO_MIGRATE", false)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("ESCROW_WRITE_RATE_LIMIT_PER_MINUTE", defaultWriteRateLimit)
	viper.SetDefault("EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("TRANSFER_EVENT_QUEUE", defaultTransferEventQueue)
	viper.SetDefault("DEFAULT_CURRENCY", defaultCurrency)
	viper.SetDefault("MINIMUM_WITHDRAWAL_KOBO", defaultMinimumWithdrawalKobo)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", defaultOutboxPollIntervalMS)
	viper.SetDefault("OUTBOX_BATCH_SIZE", defaultOutboxBatchSize)
	viper.SetDefault("LEDGER_AUDIT_SCHEDULE", defaultLedgerAuditSchedule)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DATABASE_MAX_CONNS")
	_ = viper.BindEnv("AUTO_MIGRATE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "ESCROW_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("ESCROW_WRITE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("TRANSFER_EVENT_QUEUE")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("CLERK_AUDIENCE")
	_ = viper.BindEnv("CLERK_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "ESCROW_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("PAYRAIL_BASE_URL")
	_ = viper.BindEnv("PAYRAIL_SECRET_KEY")
	_ = viper.BindEnv("DEFAULT_CURRENCY")
	_ = viper.BindEnv("MINIMUM_WITHDRAWAL_KOBO")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")
	_ = viper.BindEnv("OUTBOX_BATCH_SIZE")
	_ = viper.BindEnv("LEDGER_AUDIT_SCHEDULE")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("ESCROW_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	config.EventsExchange = strings.TrimSpace(config.EventsExchange)
	if config.EventsExchange == "" {
		config.EventsExchange = defaultEventsExchange
	}
	config.DefaultCurrency = strings.ToUpper(strings.TrimSpace(config.DefaultCurrency))
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = defaultCurrency
	}

	if config.DatabaseMaxConns <= 0 {
		log.Printf("level=warn component=config msg=\"invalid DATABASE_MAX_CONNS; using default\" value=%d", config.DatabaseMaxConns)
		config.DatabaseMaxConns = defaultDatabaseMaxConns
	}
	if config.EscrowWriteRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative escrow write rate limit; disabling\" value=%d", config.EscrowWriteRateLimitPerMinute)
		config.EscrowWriteRateLimitPerMinute = 0
	}
	if config.MinimumWithdrawalKobo <= 0 {
		config.MinimumWithdrawalKobo = defaultMinimumWithdrawalKobo
	}
	if config.OutboxPollIntervalMS <= 0 {
		config.OutboxPollIntervalMS = defaultOutboxPollIntervalMS
	}
	if config.OutboxBatchSize <= 0 {
		config.OutboxBatchSize = defaultOutboxBatchSize
	}

	config.LedgerAuditSchedule = strings.TrimSpace(config.LedgerAuditSchedule)
	if _, parseErr := cron.ParseStandard(config.LedgerAuditSchedule); parseErr != nil {
		log.Printf("level=warn component=config msg=\"invalid LEDGER_AUDIT_SCHEDULE; using default\" value=%q err=%v", config.LedgerAuditSchedule, parseErr)
		config.LedgerAuditSchedule = defaultLedgerAuditSchedule
	}

	return
}
