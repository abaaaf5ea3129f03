// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// Config holds configuration for both the engagement client (engagectl) and the
// reference gateway, loaded from file or environment variables.
type Config struct {
	Env          string `mapstructure:"APP_ENV"`
	LogLevel     string `mapstructure:"LOG_LEVEL"`
	FeatureFlags string `mapstructure:"FEATURE_FLAGS"`

	// Client
	WSURL             string        `mapstructure:"ENGAGE_WS_URL"`
	APIURL            string        `mapstructure:"ENGAGE_API_URL"`
	Token             string        `mapstructure:"ENGAGE_TOKEN"`
	StatusTimeout     time.Duration `mapstructure:"STATUS_CHECK_TIMEOUT"`
	LikeTimeout       time.Duration `mapstructure:"LIKE_ACK_TIMEOUT"`
	CommentTimeout    time.Duration `mapstructure:"COMMENT_SUBMIT_TIMEOUT"`
	RESTTimeout       time.Duration `mapstructure:"REST_CALL_TIMEOUT"`
	SweepInterval     time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SweepMaxAge       time.Duration `mapstructure:"SWEEP_MAX_AGE"`
	CheckAttempts     int           `mapstructure:"CHECK_ATTEMPTS"`
	CheckInterval     time.Duration `mapstructure:"CHECK_INTERVAL"`
	ReconnectMin      time.Duration `mapstructure:"RECONNECT_MIN"`
	ReconnectMax      time.Duration `mapstructure:"RECONNECT_MAX"`
	SnapshotCacheTTL  time.Duration `mapstructure:"SNAPSHOT_CACHE_TTL"`
	SnapshotRedisAddr string        `mapstructure:"SNAPSHOT_REDIS_ADDR"`

	// Gateway
	Port           string `mapstructure:"PORT"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	SeedRecipients int    `mapstructure:"SEED_RECIPIENTS"`
	// Requests per minute per IP across the gateway; 0 disables.
	RateLimitPerMinute int `mapstructure:"RATE_LIMIT_PER_MINUTE"`
	// REST like/unlike calls per minute per user, counted in Redis; 0 disables.
	LikeLimitPerMinute int `mapstructure:"LIKE_LIMIT_PER_MINUTE"`

	// Tracing
	TracingEnabled  bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSampler  float64 `mapstructure:"TRACING_SAMPLER_RATIO"`
}

// LoadConfig loads configuration from config.yml (plus config.<env>.yml for
// non-development profiles) found in paths, overridden by the environment.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	if len(paths) == 0 {
		paths = []string{".", "..", "../.."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.AutomaticEnv()

	setDefaults(v)

	// The base file is optional.
	_ = v.ReadInConfig()

	env := strings.ToLower(strings.TrimSpace(v.GetString("APP_ENV")))
	if env != "" && env != "development" {
		v.SetConfigName("config." + env)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("FEATURE_FLAGS", "")

	v.SetDefault("ENGAGE_WS_URL", "ws://localhost:8375/ws")
	v.SetDefault("ENGAGE_API_URL", "http://localhost:8375/api")
	v.SetDefault("ENGAGE_TOKEN", "")
	v.SetDefault("STATUS_CHECK_TIMEOUT", "700ms")
	v.SetDefault("LIKE_ACK_TIMEOUT", "1500ms")
	v.SetDefault("COMMENT_SUBMIT_TIMEOUT", "5s")
	v.SetDefault("REST_CALL_TIMEOUT", "3s")
	v.SetDefault("SWEEP_INTERVAL", "1s")
	v.SetDefault("SWEEP_MAX_AGE", "4s")
	v.SetDefault("CHECK_ATTEMPTS", 5)
	v.SetDefault("CHECK_INTERVAL", "400ms")
	v.SetDefault("RECONNECT_MIN", "250ms")
	v.SetDefault("RECONNECT_MAX", "10s")
	v.SetDefault("SNAPSHOT_CACHE_TTL", "24h")
	v.SetDefault("SNAPSHOT_REDIS_ADDR", "")

	v.SetDefault("PORT", "8375")
	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("DATABASE_URL", "file:engagesync.db?cache=shared")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000")
	v.SetDefault("SEED_RECIPIENTS", 12)
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 300)
	v.SetDefault("LIKE_LIMIT_PER_MINUTE", 60)

	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACING_EXPORTER", "stdout")
	v.SetDefault("OTLP_ENDPOINT", "localhost:4318")
	v.SetDefault("TRACING_SAMPLER_RATIO", 1.0)
}

// IsProduction reports whether the production profile is active.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.StatusTimeout <= 0 || c.LikeTimeout <= 0 || c.CommentTimeout <= 0 || c.RESTTimeout <= 0 {
		return errors.New("STATUS_CHECK_TIMEOUT, LIKE_ACK_TIMEOUT, COMMENT_SUBMIT_TIMEOUT and REST_CALL_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 || c.SweepMaxAge <= 0 {
		return errors.New("SWEEP_INTERVAL and SWEEP_MAX_AGE must be positive")
	}
	// The sweep measures each phase separately, so it has to outlast the
	// longest single bound.
	if bound := max(c.StatusTimeout, c.LikeTimeout, c.RESTTimeout); c.SweepMaxAge < bound {
		return fmt.Errorf("SWEEP_MAX_AGE (%s) must not be shorter than STATUS_CHECK_TIMEOUT, LIKE_ACK_TIMEOUT or REST_CALL_TIMEOUT (%s)", c.SweepMaxAge, bound)
	}
	if c.CheckAttempts < 1 {
		return errors.New("CHECK_ATTEMPTS must be at least 1")
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return errors.New("RECONNECT_MIN must be positive and not above RECONNECT_MAX")
	}
	if c.RateLimitPerMinute < 0 || c.LikeLimitPerMinute < 0 {
		return errors.New("RATE_LIMIT_PER_MINUTE and LIKE_LIMIT_PER_MINUTE must not be negative")
	}

	if c.IsProduction() {
		if c.JWTSecret == defaultJWTSecret {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if strings.HasPrefix(c.WSURL, "ws://") {
			log.Println("WARNING: ENGAGE_WS_URL is not using TLS in production.")
		}
		if c.AllowedOrigins == "*" {
			log.Println("WARNING: ALLOWED_ORIGINS is set to '*' in production. This is insecure.")
		}
	} else if len(c.JWTSecret) < 32 {
		log.Println("WARNING: JWT_SECRET is shorter than 32 characters. Consider using a stronger secret for production.")
	}

	return nil
}
