package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds validated environment configuration shared by every node
// binary (simd, signald, collabd, gateway).
type Config struct {
	// Required variables
	SubstrateURL string // Redis address ("host:port") backing the state substrate
	Port         string

	// Node identity
	NodeID string

	// Coordination plane tunables
	HeartbeatInterval time.Duration
	LeaseTTL          time.Duration
	FrameBackpressure int
	ExecWallClock     time.Duration

	// Optional variables with defaults
	GoEnv             string
	LogLevel          string
	SubstratePassword string

	// Auth (validated by the gateway at startup, pass-through elsewhere)
	AuthDomain      string
	AuthAudience    string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Rate limits (ulule formatted, e.g. "100-M")
	RateLimitAPI string
	RateLimitWS  string

	// Gateway upstream targets
	SimdURL    string
	SignaldURL string
	CollabdURL string

	// Tracing
	OtelCollectorAddr string
}

// ValidateEnv validates all required environment variables and returns a
// Config object. Returns an error if any required variable is missing or
// invalid; callers exit with code 1 in that case.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: SUBSTRATE_URL (format: host:port)
	cfg.SubstrateURL = os.Getenv("SUBSTRATE_URL")
	if cfg.SubstrateURL == "" {
		errs = append(errs, "SUBSTRATE_URL is required")
	} else if !isValidHostPort(cfg.SubstrateURL) {
		errs = append(errs, fmt.Sprintf("SUBSTRATE_URL must be in format 'host:port' (got '%s')", cfg.SubstrateURL))
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Optional: NODE_ID (defaults to a random identity per process)
	cfg.NodeID = os.Getenv("NODE_ID")
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
		slog.Info("NODE_ID not set, generated one", "node_id", cfg.NodeID)
	}

	var err error
	if cfg.HeartbeatInterval, err = durationMSEnv("HEARTBEAT_INTERVAL_MS", 5000); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.LeaseTTL, err = durationMSEnv("LEASE_TTL_MS", 15000); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.ExecWallClock, err = durationMSEnv("EXEC_WALL_CLOCK_MS", 60000); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.FrameBackpressure, err = intEnv("FRAME_BACKPRESSURE", 4); err != nil {
		errs = append(errs, err.Error())
	} else if cfg.FrameBackpressure < 1 {
		errs = append(errs, fmt.Sprintf("FRAME_BACKPRESSURE must be >= 1 (got %d)", cfg.FrameBackpressure))
	}

	cfg.SubstratePassword = os.Getenv("SUBSTRATE_PASSWORD")

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.AuthDomain = os.Getenv("AUTH_DOMAIN")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Rate limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitAPI = getEnvOrDefault("RATE_LIMIT_API", "1000-M")
	cfg.RateLimitWS = getEnvOrDefault("RATE_LIMIT_WS", "60-M")

	// Gateway upstreams (only the gateway binary reads these)
	cfg.SimdURL = getEnvOrDefault("SIMD_URL", "http://localhost:8081")
	cfg.SignaldURL = getEnvOrDefault("SIGNALD_URL", "http://localhost:8082")
	cfg.CollabdURL = getEnvOrDefault("COLLABD_URL", "http://localhost:8083")

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

func durationMSEnv(key string, def int) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return time.Duration(def) * time.Millisecond, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer of milliseconds (got '%s')", key, raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func intEnv(key string, def int) (int, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer (got '%s')", key, raw)
	}
	return n, nil
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated")
	slog.Info("Configuration",
		"substrate_url", cfg.SubstrateURL,
		"port", cfg.Port,
		"node_id", cfg.NodeID,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"lease_ttl", cfg.LeaseTTL,
		"frame_backpressure", cfg.FrameBackpressure,
		"exec_wall_clock", cfg.ExecWallClock,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"rate_limit_api", cfg.RateLimitAPI,
		"rate_limit_ws", cfg.RateLimitWS,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
