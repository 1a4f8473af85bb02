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
	"math"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the ledger-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                  string  `mapstructure:"SERVER_PORT"`
	DatabaseURL                 string  `mapstructure:"DATABASE_URL"`
	RedisURL                    string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix        string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                 string  `mapstructure:"RABBITMQ_URL"`
	JWTSecret                   string  `mapstructure:"JWT_SECRET"`
	InternalAPIKey              string  `mapstructure:"INTERNAL_API_KEY"`
	PaymentAPIBaseURL           string  `mapstructure:"PAYMENT_API_BASE_URL"`
	PaymentAPIKey               string  `mapstructure:"PAYMENT_API_KEY"`
	PaymentIPNSecret            string  `mapstructure:"PAYMENT_IPN_SECRET"`
	ProviderAPIURL              string  `mapstructure:"PROVIDER_API_URL"`
	ProviderAPIUser             string  `mapstructure:"PROVIDER_API_USER"`
	ProviderAPIKey              string  `mapstructure:"PROVIDER_API_KEY"`
	ShortTermPriceCents         int64   `mapstructure:"SHORT_TERM_PRICE_THRESHOLD_CENTS"`
	ShortTermPriceThreshold     float64 `mapstructure:"SHORT_TERM_PRICE_THRESHOLD"`
	LongTermRentalDurationDays  int     `mapstructure:"LONG_TERM_RENTAL_DURATION_DAYS"`
	PurchaseRateLimitPerMinute  int     `mapstructure:"PURCHASE_RATE_LIMIT_PER_MINUTE"`
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
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "ledger:rate_limit")
	viper.SetDefault("SHORT_TERM_PRICE_THRESHOLD", 5.0)
	viper.SetDefault("LONG_TERM_RENTAL_DURATION_DAYS", 30)
	viper.SetDefault("PURCHASE_RATE_LIMIT_PER_MINUTE", 30)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LEDGER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("PAYMENT_API_BASE_URL")
	_ = viper.BindEnv("PAYMENT_API_KEY")
	_ = viper.BindEnv("PAYMENT_IPN_SECRET")
	_ = viper.BindEnv("PROVIDER_API_URL")
	_ = viper.BindEnv("PROVIDER_API_USER")
	_ = viper.BindEnv("PROVIDER_API_KEY")
	_ = viper.BindEnv("SHORT_TERM_PRICE_THRESHOLD_CENTS")
	_ = viper.BindEnv("SHORT_TERM_PRICE_THRESHOLD")
	_ = viper.BindEnv("LONG_TERM_RENTAL_DURATION_DAYS")
	_ = viper.BindEnv("PURCHASE_RATE_LIMIT_PER_MINUTE")

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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("LEDGER_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "ledger:rate_limit"
	}

	// The threshold can be given in whole currency units (SHORT_TERM_PRICE_THRESHOLD)
	// or directly in cents. The cents form wins when both are set.
	if config.ShortTermPriceCents <= 0 && config.ShortTermPriceThreshold > 0 {
		config.ShortTermPriceCents = int64(math.Round(config.ShortTermPriceThreshold * 100))
	}
	if config.ShortTermPriceCents <= 0 {
		config.ShortTermPriceCents = 500
	}

	if config.LongTermRentalDurationDays <= 0 {
		config.LongTermRentalDurationDays = 30
	}
	if config.PurchaseRateLimitPerMinute <= 0 {
		config.PurchaseRateLimitPerMinute = 30
	}

	return
}
