/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the coupon-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                   string `mapstructure:"SERVER_PORT"`
	DatabaseURL                  string `mapstructure:"DATABASE_URL"`
	RedisURL                     string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix         string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                  string `mapstructure:"RABBITMQ_URL"`
	LifecycleEventQueue          string `mapstructure:"LIFECYCLE_EVENT_QUEUE"`
	WalletServiceURL             string `mapstructure:"WALLET_SERVICE_URL"`
	WalletServiceInternalAPIKey  string `mapstructure:"WALLET_SERVICE_INTERNAL_API_KEY"`
	AuthJWKSURL                  string `mapstructure:"AUTH_JWKS_URL"`
	InternalAPIKey               string `mapstructure:"INTERNAL_API_KEY"`
	RedeemRateLimitPerMinute     int    `mapstructure:"REDEEM_RATE_LIMIT_PER_MINUTE"`
	RedeemIdempotencyTTLMin      int    `mapstructure:"REDEEM_IDEMPOTENCY_TTL_MINUTES"`
	RedeemIdempotencyStaleSec    int    `mapstructure:"REDEEM_IDEMPOTENCY_STALE_SECONDS"`
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
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LIFECYCLE_EVENT_QUEUE", "coupon_service.lifecycle_updates")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "ecoco:rate_limit")
	viper.SetDefault("REDEEM_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("REDEEM_IDEMPOTENCY_TTL_MINUTES", 1440)
	viper.SetDefault("REDEEM_IDEMPOTENCY_STALE_SECONDS", 120)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "COUPON_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("LIFECYCLE_EVENT_QUEUE")
	_ = viper.BindEnv("WALLET_SERVICE_URL")
	_ = viper.BindEnv("WALLET_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "COUPON_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("REDEEM_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("REDEEM_IDEMPOTENCY_TTL_MINUTES")
	_ = viper.BindEnv("REDEEM_IDEMPOTENCY_STALE_SECONDS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("COUPON_SERVICE_INTERNAL_API_KEY"))
	}
	config.WalletServiceInternalAPIKey = strings.TrimSpace(config.WalletServiceInternalAPIKey)
	if config.WalletServiceInternalAPIKey == "" {
		config.WalletServiceInternalAPIKey = config.InternalAPIKey
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "ecoco:rate_limit"
	}

	if config.RedeemRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative redeem rate limit configured; coercing to zero\" limit=%d", config.RedeemRateLimitPerMinute)
		config.RedeemRateLimitPerMinute = 0
	}
	if config.RedeemIdempotencyTTLMin <= 0 {
		config.RedeemIdempotencyTTLMin = 1440
	}
	if config.RedeemIdempotencyStaleSec <= 0 {
		config.RedeemIdempotencyStaleSec = 120
	}

	return
}
