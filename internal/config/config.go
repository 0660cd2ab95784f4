package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Database    DatabaseConfig    `json:"database"`
	Event       EventConfig       `json:"event"`
	Allocator   AllocatorConfig   `json:"allocator"`
	Reservation ReservationConfig `json:"reservation"`
	Security    SecurityConfig    `json:"security"`
	RateLimit   RateLimitConfig   `json:"rate_limit"`
	Cache       CacheConfig       `json:"cache"`
	Tracing     TracingConfig     `json:"tracing"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port string `json:"port"`
	Host string `json:"host"`
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// EventConfig describes the contest window. Dates are YYYY-MM-DD inclusive.
type EventConfig struct {
	ID        int    `json:"id"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	// Seed drives the randomized availability subsets during provisioning so
	// a regeneration for the same event reproduces the same calendar.
	Seed int64 `json:"seed"`
}

// AllocatorConfig holds the selection tuning knobs. These are policy
// configuration, not constants baked into the algorithm.
type AllocatorConfig struct {
	// TargetRareShare is the desired fraction of rare+ultra-rare wins per day.
	TargetRareShare float64 `json:"target_rare_share"`
	// BoostProbability is the biased-coin chance of forcing a rare-pool pick.
	BoostProbability float64 `json:"boost_probability"`
	// Tier multipliers applied to display weights in the fallback draw.
	UltraRareMultiplier float64 `json:"ultra_rare_multiplier"`
	RareMultiplier      float64 `json:"rare_multiplier"`
	CommonMultiplier    float64 `json:"common_multiplier"`
}

// ReservationConfig holds reservation/idempotency configuration.
type ReservationConfig struct {
	TTLSeconds int `json:"ttl_seconds"`
	// SigningSecret keys the HMAC over reservation payloads.
	SigningSecret string `json:"signing_secret"`
	// GCIntervalSeconds is how often expired reservations are swept.
	GCIntervalSeconds int `json:"gc_interval_seconds"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	// Max request body size in bytes (default: 1MB)
	MaxRequestBodySize int64 `json:"max_request_body_size"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins string `json:"allowed_origins"`
	// AdminToken authorizes the /admin routes.
	AdminToken string `json:"admin_token"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `json:"enabled"`
	Rate    int  `json:"rate"`
	Window  int  `json:"window"` // in seconds
}

// CacheConfig holds the wheel-display cache configuration.
type CacheConfig struct {
	Enabled    bool   `json:"enabled"`
	RedisAddr  string `json:"redis_addr"` // empty means in-memory
	RedisDB    int    `json:"redis_db"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	Environment string `json:"environment"`
}

// LoadConfig loads configuration from environment variables and/or config file.
// Environment variables take precedence over config file values.
func LoadConfig(configFile string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", ""),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./prize_wheel.db"),
		},
		Event: EventConfig{
			ID:        getEnvInt("EVENT_ID", 1),
			StartDate: getEnv("EVENT_START_DATE", "2025-10-01"),
			EndDate:   getEnv("EVENT_END_DATE", "2025-11-30"),
			Seed:      getEnvInt64("EVENT_SEED", 1),
		},
		Allocator: AllocatorConfig{
			TargetRareShare:     getEnvFloat("ALLOCATOR_TARGET_RARE_SHARE", 0.30),
			BoostProbability:    getEnvFloat("ALLOCATOR_BOOST_PROBABILITY", 0.50),
			UltraRareMultiplier: getEnvFloat("ALLOCATOR_ULTRA_RARE_MULTIPLIER", 8),
			RareMultiplier:      getEnvFloat("ALLOCATOR_RARE_MULTIPLIER", 5),
			CommonMultiplier:    getEnvFloat("ALLOCATOR_COMMON_MULTIPLIER", 1),
		},
		Reservation: ReservationConfig{
			TTLSeconds:        getEnvInt("RESERVATION_TTL_SECONDS", 300),
			SigningSecret:     getEnv("RESERVATION_SIGNING_SECRET", ""),
			GCIntervalSeconds: getEnvInt("RESERVATION_GC_INTERVAL_SECONDS", 600),
		},
		Security: SecurityConfig{
			MaxRequestBodySize: getEnvInt64("MAX_REQUEST_BODY_SIZE", 1<<20),
			AllowedOrigins:     getEnv("ALLOWED_ORIGINS", "*"),
			AdminToken:         getEnv("ADMIN_TOKEN", ""),
		},
		RateLimit: RateLimitConfig{
			Enabled: getEnvBool("RATE_LIMIT_ENABLED", true),
			Rate:    getEnvInt("RATE_LIMIT_RATE", 100),
			Window:  getEnvInt("RATE_LIMIT_WINDOW", 60),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			RedisAddr:  getEnv("CACHE_REDIS_ADDR", ""),
			RedisDB:    getEnvInt("CACHE_REDIS_DB", 0),
			TTLSeconds: getEnvInt("CACHE_TTL_SECONDS", 5),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
			Environment: getEnv("TRACING_ENVIRONMENT", "development"),
		},
	}

	// Load from config file if provided
	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with environment variables (they take precedence)
	overrideFromEnv(cfg)

	return cfg, nil
}

// loadFromFile loads configuration from a JSON file.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, cfg)
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if start := os.Getenv("EVENT_START_DATE"); start != "" {
		cfg.Event.StartDate = start
	}
	if end := os.Getenv("EVENT_END_DATE"); end != "" {
		cfg.Event.EndDate = end
	}
	if seed := os.Getenv("EVENT_SEED"); seed != "" {
		if s, err := strconv.ParseInt(seed, 10, 64); err == nil {
			cfg.Event.Seed = s
		}
	}
	if secret := os.Getenv("RESERVATION_SIGNING_SECRET"); secret != "" {
		cfg.Reservation.SigningSecret = secret
	}
	if ttl := os.Getenv("RESERVATION_TTL_SECONDS"); ttl != "" {
		if t, err := strconv.Atoi(ttl); err == nil {
			cfg.Reservation.TTLSeconds = t
		}
	}
	if token := os.Getenv("ADMIN_TOKEN"); token != "" {
		cfg.Security.AdminToken = token
	}
	if maxBodySize := os.Getenv("MAX_REQUEST_BODY_SIZE"); maxBodySize != "" {
		if size, err := strconv.ParseInt(maxBodySize, 10, 64); err == nil {
			cfg.Security.MaxRequestBodySize = size
		}
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Security.AllowedOrigins = origins
	}
	if enabled := os.Getenv("RATE_LIMIT_ENABLED"); enabled != "" {
		cfg.RateLimit.Enabled = enabled == "true" || enabled == "1"
	}
	if rate := os.Getenv("RATE_LIMIT_RATE"); rate != "" {
		if r, err := strconv.Atoi(rate); err == nil {
			cfg.RateLimit.Rate = r
		}
	}
	if window := os.Getenv("RATE_LIMIT_WINDOW"); window != "" {
		if w, err := strconv.Atoi(window); err == nil {
			cfg.RateLimit.Window = w
		}
	}
	if addr := os.Getenv("CACHE_REDIS_ADDR"); addr != "" {
		cfg.Cache.RedisAddr = addr
	}
	if enabled := os.Getenv("TRACING_ENABLED"); enabled != "" {
		cfg.Tracing.Enabled = enabled == "true" || enabled == "1"
	}
	if endpoint := os.Getenv("TRACING_ENDPOINT"); endpoint != "" {
		cfg.Tracing.Endpoint = endpoint
	}
}

// getEnv gets an environment variable or returns the default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvInt64 gets an int64 environment variable or returns the default value.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvFloat gets a float environment variable or returns the default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Event.StartDate == "" || c.Event.EndDate == "" {
		return fmt.Errorf("event start and end dates are required")
	}
	if c.Event.StartDate > c.Event.EndDate {
		return fmt.Errorf("event start date must not be after end date")
	}
	if c.Allocator.TargetRareShare < 0 || c.Allocator.TargetRareShare > 1 {
		return fmt.Errorf("target rare share must be in [0,1]")
	}
	if c.Allocator.BoostProbability < 0 || c.Allocator.BoostProbability > 1 {
		return fmt.Errorf("boost probability must be in [0,1]")
	}
	if c.Reservation.TTLSeconds <= 0 {
		return fmt.Errorf("reservation TTL must be positive")
	}
	if c.Reservation.SigningSecret == "" {
		return fmt.Errorf("reservation signing secret is required")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	return nil
}
