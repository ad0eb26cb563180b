/**
 * @description
 * This package handles the configuration management for the flow-service. It uses the
 * Viper library to read configuration from environment variables and an optional .env
 * file.
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

// Config holds all the configuration variables for the flow-service.
type Config struct {
	ServerPort         string `mapstructure:"SERVER_PORT"`
	ASPSPAPIBaseURL    string `mapstructure:"ASPSP_API_BASE_URL"`
	CMSAPIBaseURL      string `mapstructure:"CMS_API_BASE_URL"`
	TANAPIBaseURL      string `mapstructure:"TAN_API_BASE_URL"`
	TPPQWACCertificate string `mapstructure:"TPP_QWAC_CERTIFICATE"`
	RedisURL           string `mapstructure:"REDIS_URL"`
	SessionPrefix      string `mapstructure:"SESSION_PREFIX"`
	SessionTTLMinutes  int    `mapstructure:"SESSION_TTL_MINUTES"`
	TANMaxAttempts     int    `mapstructure:"TAN_MAX_ATTEMPTS"`
	PISTANRequired     bool   `mapstructure:"PIS_TAN_REQUIRED"`
	RabbitMQURL        string `mapstructure:"RABBITMQ_URL"`
	KeycloakJWKSURL    string `mapstructure:"KEYCLOAK_JWKS_URL"`
	KeycloakAudience   string `mapstructure:"KEYCLOAK_AUDIENCE"`
	KeycloakIssuer     string `mapstructure:"KEYCLOAK_ISSUER"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

// LoadConfig reads configuration from environment variables and from a .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("ASPSP_API_BASE_URL", "http://localhost:8090")
	viper.SetDefault("SESSION_PREFIX", "consent_flow:session")
	viper.SetDefault("SESSION_TTL_MINUTES", 30)
	viper.SetDefault("TAN_MAX_ATTEMPTS", 3)
	viper.SetDefault("PIS_TAN_REQUIRED", true)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:4200")

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("ASPSP_API_BASE_URL", "ASPSP_API_BASE_URL", "ASPSP_URL")
	_ = viper.BindEnv("CMS_API_BASE_URL")
	_ = viper.BindEnv("TAN_API_BASE_URL")
	_ = viper.BindEnv("TPP_QWAC_CERTIFICATE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "FLOW_REDIS_URL")
	_ = viper.BindEnv("SESSION_PREFIX")
	_ = viper.BindEnv("SESSION_TTL_MINUTES")
	_ = viper.BindEnv("TAN_MAX_ATTEMPTS")
	_ = viper.BindEnv("PIS_TAN_REQUIRED")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("KEYCLOAK_JWKS_URL")
	_ = viper.BindEnv("KEYCLOAK_AUDIENCE")
	_ = viper.BindEnv("KEYCLOAK_ISSUER")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

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
	config.ASPSPAPIBaseURL = strings.TrimSpace(config.ASPSPAPIBaseURL)
	config.CMSAPIBaseURL = strings.TrimSpace(config.CMSAPIBaseURL)
	config.TANAPIBaseURL = strings.TrimSpace(config.TANAPIBaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.KeycloakJWKSURL = strings.TrimSpace(config.KeycloakJWKSURL)
	config.KeycloakAudience = strings.TrimSpace(config.KeycloakAudience)
	config.KeycloakIssuer = strings.TrimSpace(config.KeycloakIssuer)
	config.SessionPrefix = strings.TrimSpace(config.SessionPrefix)
	if config.SessionPrefix == "" {
		config.SessionPrefix = "consent_flow:session"
	}
	if config.SessionTTLMinutes <= 0 {
		log.Printf("level=warn component=config msg=\"invalid SESSION_TTL_MINUTES; using default\" value=%d", config.SessionTTLMinutes)
		config.SessionTTLMinutes = 30
	}
	if config.TANMaxAttempts <= 0 {
		log.Printf("level=warn component=config msg=\"invalid TAN_MAX_ATTEMPTS; using default\" value=%d", config.TANMaxAttempts)
		config.TANMaxAttempts = 3
	}
	return
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
