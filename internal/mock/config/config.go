/**
 * @description
 * This package handles the configuration management for the mock-server. It uses the
 * Viper library to read configuration from environment variables and an optional .env
 * file.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/robfig/cron/v3: Schedule validation.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const defaultExpirySchedule = "@every 1m"

// Config holds all the configuration variables for the mock-server.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	ConsentActionQueue       string `mapstructure:"CONSENT_ACTION_QUEUE"`
	TANTTLMinutes            int    `mapstructure:"TAN_TTL_MINUTES"`
	TANMaxAttempts           int    `mapstructure:"TAN_MAX_ATTEMPTS"`
	TANValidateRateLimit     int    `mapstructure:"TAN_VALIDATE_RATE_LIMIT"`
	TANValidateWindowSeconds int    `mapstructure:"TAN_VALIDATE_RATE_LIMIT_WINDOW_SECONDS"`
	ExposeGeneratedTAN       bool   `mapstructure:"EXPOSE_GENERATED_TAN"`
	SeedDemoData             bool   `mapstructure:"SEED_DEMO_DATA"`
	ConsentExpirySchedule    string `mapstructure:"CONSENT_EXPIRY_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables and from a .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "mock_server:rate_limit")
	viper.SetDefault("CONSENT_ACTION_QUEUE", "mock_server.consent_actions")
	viper.SetDefault("TAN_TTL_MINUTES", 5)
	viper.SetDefault("TAN_MAX_ATTEMPTS", 3)
	viper.SetDefault("TAN_VALIDATE_RATE_LIMIT", 10)
	viper.SetDefault("TAN_VALIDATE_RATE_LIMIT_WINDOW_SECONDS", 60)
	viper.SetDefault("EXPOSE_GENERATED_TAN", false)
	viper.SetDefault("SEED_DEMO_DATA", false)
	viper.SetDefault("CONSENT_EXPIRY_SCHEDULE", defaultExpirySchedule)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "MOCK_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("CONSENT_ACTION_QUEUE")
	_ = viper.BindEnv("TAN_TTL_MINUTES")
	_ = viper.BindEnv("TAN_MAX_ATTEMPTS")
	_ = viper.BindEnv("TAN_VALIDATE_RATE_LIMIT", "TAN_VALIDATE_RATE_LIMIT", "TAN_VALIDATE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("TAN_VALIDATE_RATE_LIMIT_WINDOW_SECONDS")
	_ = viper.BindEnv("EXPOSE_GENERATED_TAN")
	_ = viper.BindEnv("SEED_DEMO_DATA")
	_ = viper.BindEnv("CONSENT_EXPIRY_SCHEDULE")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "mock_server:rate_limit"
	}
	if config.TANTTLMinutes <= 0 {
		log.Printf("level=warn component=config msg=\"invalid TAN_TTL_MINUTES; using default\" value=%d", config.TANTTLMinutes)
		config.TANTTLMinutes = 5
	}
	if config.TANMaxAttempts <= 0 {
		log.Printf("level=warn component=config msg=\"invalid TAN_MAX_ATTEMPTS; using default\" value=%d", config.TANMaxAttempts)
		config.TANMaxAttempts = 3
	}
	if config.TANValidateWindowSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"invalid TAN_VALIDATE_RATE_LIMIT_WINDOW_SECONDS; using default\" value=%d", config.TANValidateWindowSeconds)
		config.TANValidateWindowSeconds = 60
	}

	config.ConsentExpirySchedule = strings.TrimSpace(config.ConsentExpirySchedule)
	if _, parseErr := cron.ParseStandard(config.ConsentExpirySchedule); parseErr != nil {
		log.Printf("level=warn component=config msg=\"invalid CONSENT_EXPIRY_SCHEDULE; using default\" value=%q err=%v", config.ConsentExpirySchedule, parseErr)
		config.ConsentExpirySchedule = defaultExpirySchedule
	}
	return
}
