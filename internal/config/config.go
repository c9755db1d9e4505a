/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables and an optional
 * .env file, providing a centralized way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: Exact parsing of percentage fees.
 */

package config

import (
	"os"
	"strings"
	"time"

	"github.com/finora/transfer-service/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all the configuration variables for the transfer-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                   string `mapstructure:"SERVER_PORT"`
	DatabaseURL                  string `mapstructure:"DATABASE_URL"`
	RunMigrations                bool   `mapstructure:"RUN_MIGRATIONS"`
	RedisURL                     string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix         string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	VerifyRateLimitPerMinute     int    `mapstructure:"VERIFY_RATE_LIMIT_PER_MINUTE"`
	OtpRequestRateLimitPerMinute int    `mapstructure:"OTP_REQUEST_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                  string `mapstructure:"RABBITMQ_URL"`
	EventsExchange               string `mapstructure:"EVENTS_EXCHANGE"`
	ClearingEventQueue           string `mapstructure:"CLEARING_EVENT_QUEUE"`
	JWTSecret                    string `mapstructure:"JWT_SECRET"`
	JWTIssuer                    string `mapstructure:"JWT_ISSUER"`
	CORSAllowedOrigins           string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	OtpEnabled                   bool   `mapstructure:"OTP_ENABLED"`
	OtpTTLMinutes                int    `mapstructure:"OTP_TTL_MINUTES"`
	OtpDeliveryTimeoutSeconds    int    `mapstructure:"OTP_DELIVERY_TIMEOUT_SECONDS"`
	OtpCleanupSchedule           string `mapstructure:"OTP_CLEANUP_SCHEDULE"`
	OtpRetentionHours            int    `mapstructure:"OTP_RETENTION_HOURS"`
	BankTimezone                 string `mapstructure:"BANK_TIMEZONE"`

	// Derived after unmarshalling.
	FeeSchedules map[domain.TransferType]domain.FeeSchedule `mapstructure:"-"`
	Location     *time.Location                             `mapstructure:"-"`
}

// OtpTTL is the lifetime of an issued OTP challenge.
func (c Config) OtpTTL() time.Duration {
	return time.Duration(c.OtpTTLMinutes) * time.Minute
}

// OtpDeliveryTimeout bounds a single asynchronous OTP delivery attempt.
func (c Config) OtpDeliveryTimeout() time.Duration {
	return time.Duration(c.OtpDeliveryTimeoutSeconds) * time.Second
}

// OtpRetention is how long consumed or expired challenges are kept before cleanup.
func (c Config) OtpRetention() time.Duration {
	return time.Duration(c.OtpRetentionHours) * time.Hour
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string, logger *zap.Logger) (config Config, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "config"))

	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "finora:rate_limit")
	viper.SetDefault("VERIFY_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("OTP_REQUEST_RATE_LIMIT_PER_MINUTE", 3)
	viper.SetDefault("EVENTS_EXCHANGE", "finora.events")
	viper.SetDefault("CLEARING_EVENT_QUEUE", "transfer_service.clearing_results")
	viper.SetDefault("JWT_ISSUER", "")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("OTP_ENABLED", true)
	viper.SetDefault("OTP_TTL_MINUTES", 10)
	viper.SetDefault("OTP_DELIVERY_TIMEOUT_SECONDS", 10)
	viper.SetDefault("OTP_CLEANUP_SCHEDULE", "@every 1h")
	viper.SetDefault("OTP_RETENTION_HOURS", 24)
	viper.SetDefault("BANK_TIMEZONE", "UTC")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "PORT", "DATABASE_URL", "RUN_MIGRATIONS", "REDIS_RATE_LIMIT_PREFIX",
		"VERIFY_RATE_LIMIT_PER_MINUTE", "OTP_REQUEST_RATE_LIMIT_PER_MINUTE", "RABBITMQ_URL",
		"EVENTS_EXCHANGE", "CLEARING_EVENT_QUEUE", "JWT_SECRET", "JWT_ISSUER", "CORS_ALLOWED_ORIGINS",
		"OTP_ENABLED", "OTP_TTL_MINUTES", "OTP_DELIVERY_TIMEOUT_SECONDS", "OTP_CLEANUP_SCHEDULE",
		"OTP_RETENTION_HOURS", "BANK_TIMEZONE",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "TRANSFER_REDIS_URL")
	for _, t := range domain.TransferTypes {
		prefix := feeKeyPrefix(t)
		_ = viper.BindEnv(prefix + "_FLAT_FEE")
		_ = viper.BindEnv(prefix + "_FEE_PERCENT")
		_ = viper.BindEnv(prefix + "_PER_TRANSACTION_LIMIT")
		_ = viper.BindEnv(prefix + "_DAILY_LIMIT")
	}

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logger.Warn("failed to read config file; using environment values", zap.Error(err))
		}
		err = nil
	}

	// Unmarshal the configuration into the Config struct.
	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "finora:rate_limit"
	}

	if config.VerifyRateLimitPerMinute <= 0 {
		config.VerifyRateLimitPerMinute = 10
	}
	if config.OtpRequestRateLimitPerMinute <= 0 {
		config.OtpRequestRateLimitPerMinute = 3
	}
	if config.OtpTTLMinutes <= 0 {
		logger.Warn("non-positive otp ttl configured; using default", zap.Int("otp_ttl_minutes", config.OtpTTLMinutes))
		config.OtpTTLMinutes = 10
	}
	if config.OtpDeliveryTimeoutSeconds <= 0 {
		config.OtpDeliveryTimeoutSeconds = 10
	}
	if config.OtpRetentionHours <= 0 {
		config.OtpRetentionHours = 24
	}

	config.Location, err = time.LoadLocation(strings.TrimSpace(config.BankTimezone))
	if err != nil {
		logger.Warn("invalid BANK_TIMEZONE; falling back to UTC", zap.String("value", config.BankTimezone), zap.Error(err))
		config.Location = time.UTC
		err = nil
	}

	config.FeeSchedules = make(map[domain.TransferType]domain.FeeSchedule, len(domain.TransferTypes))
	for _, t := range domain.TransferTypes {
		config.FeeSchedules[t] = loadFeeSchedule(t, logger)
	}

	return
}

func feeKeyPrefix(t domain.TransferType) string {
	return strings.ToUpper(string(t))
}

func loadFeeSchedule(t domain.TransferType, logger *zap.Logger) domain.FeeSchedule {
	prefix := feeKeyPrefix(t)
	schedule := domain.FeeSchedule{
		FlatFee:             viper.GetInt64(prefix + "_FLAT_FEE"),
		PerTransactionLimit: viper.GetInt64(prefix + "_PER_TRANSACTION_LIMIT"),
		DailyLimit:          viper.GetInt64(prefix + "_DAILY_LIMIT"),
	}

	if raw := strings.TrimSpace(viper.GetString(prefix + "_FEE_PERCENT")); raw != "" {
		percent, parseErr := decimal.NewFromString(raw)
		if parseErr != nil {
			logger.Warn("invalid fee percent", zap.String("key", prefix+"_FEE_PERCENT"), zap.String("value", raw), zap.Error(parseErr))
		} else {
			schedule.PercentFee = percent
		}
	}

	if schedule.FlatFee < 0 {
		logger.Warn("negative flat fee configured; coercing to zero", zap.String("transfer_type", string(t)), zap.Int64("flat_fee", schedule.FlatFee))
		schedule.FlatFee = 0
	}
	if schedule.PercentFee.IsNegative() {
		logger.Warn("negative fee percent configured; coercing to zero", zap.String("transfer_type", string(t)), zap.String("fee_percent", schedule.PercentFee.String()))
		schedule.PercentFee = decimal.Zero
	}
	if schedule.PercentFee.GreaterThan(decimal.NewFromInt(100)) {
		logger.Warn("fee percent too high; capping at 100", zap.String("transfer_type", string(t)), zap.String("fee_percent", schedule.PercentFee.String()))
		schedule.PercentFee = decimal.NewFromInt(100)
	}
	if schedule.PerTransactionLimit < 0 {
		logger.Warn("negative per-transaction limit configured; treating as unlimited", zap.String("transfer_type", string(t)))
		schedule.PerTransactionLimit = 0
	}
	if schedule.DailyLimit < 0 {
		logger.Warn("negative daily limit configured; treating as unlimited", zap.String("transfer_type", string(t)))
		schedule.DailyLimit = 0
	}
	return schedule
}
