package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for the session and
// routing core, covering §6.4's recognized options plus the ambient stack.
type Config struct {
	// Required variables
	JWTSecret      string
	ListenAddr     string // framed-stream listener (C6)
	RPCListenAddr  string // HTTP RPC listener (C8)

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Auth
	JWKSURL         string
	AuthIssuer      string
	AuthAudience    string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// C1 framing / C6 session limits
	MaxFrameSize          int
	OutboundQueueCapacity int
	HeartbeatInterval     time.Duration
	IdleTimeout           time.Duration
	ShutdownDrain         time.Duration

	// C5 registry
	MembershipReap   time.Duration
	MaxRoomCapacity  int

	// C4 store adapter
	StorePoolSize         int
	StoreOpTimeout        time.Duration
	StoreRetryAttempts    int
	StoreRetryBase        time.Duration
	StoreRetryCap         time.Duration

	// Rate limits (C3)
	RateLimitRPCGlobal      string
	RateLimitRPCPublic      string
	RateLimitRPCRooms       string
	RateLimitRPCMessages    string
	RateLimitStreamIP       string
	RateLimitStreamIdentity string
	RateLimitWhitelist      []string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: JWT_SECRET (minimum 32 characters). It is validated and logged
	// in redacted form only; tokens are signed with the issuer's own keys.
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Required: LISTEN_ADDR (format: host:port), the framed-stream listener.
	cfg.ListenAddr = os.Getenv("LISTEN_ADDR")
	if cfg.ListenAddr == "" {
		errs = append(errs, "LISTEN_ADDR is required")
	} else if !isValidHostPort(cfg.ListenAddr) {
		errs = append(errs, fmt.Sprintf("LISTEN_ADDR must be in format 'host:port' (got '%s')", cfg.ListenAddr))
	}

	// Required: RPC_LISTEN_ADDR (format: host:port)
	cfg.RPCListenAddr = os.Getenv("RPC_LISTEN_ADDR")
	if cfg.RPCListenAddr == "" {
		errs = append(errs, "RPC_LISTEN_ADDR is required")
	} else if !isValidHostPort(cfg.RPCListenAddr) {
		errs = append(errs, fmt.Sprintf("RPC_LISTEN_ADDR must be in format 'host:port' (got '%s')", cfg.RPCListenAddr))
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.JWKSURL = os.Getenv("JWKS_URL")
	cfg.AuthIssuer = getEnvOrDefault("AUTH_ISSUER", "police-thief-core")
	cfg.AuthAudience = getEnvOrDefault("AUTH_AUDIENCE", "police-thief-clients")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.MaxFrameSize = getEnvOrDefaultInt("MAX_FRAME_SIZE", 1<<20) // 1 MiB
	cfg.OutboundQueueCapacity = getEnvOrDefaultInt("OUTBOUND_QUEUE_CAPACITY", 256)
	cfg.HeartbeatInterval = getEnvOrDefaultDuration("HEARTBEAT_INTERVAL", 15*time.Second)
	cfg.IdleTimeout = getEnvOrDefaultDuration("IDLE_TIMEOUT", 45*time.Second)
	cfg.ShutdownDrain = getEnvOrDefaultDuration("SHUTDOWN_DRAIN", 5*time.Second)

	cfg.MembershipReap = getEnvOrDefaultDuration("MEMBERSHIP_REAP", 30*time.Second)
	cfg.MaxRoomCapacity = getEnvOrDefaultInt("MAX_ROOM_CAPACITY", 20)

	cfg.StorePoolSize = getEnvOrDefaultInt("STORE_POOL_SIZE", 32)
	cfg.StoreOpTimeout = getEnvOrDefaultDuration("STORE_OP_TIMEOUT", 2*time.Second)
	cfg.StoreRetryAttempts = getEnvOrDefaultInt("STORE_RETRY_ATTEMPTS", 3)
	cfg.StoreRetryBase = getEnvOrDefaultDuration("STORE_RETRY_BASE", 50*time.Millisecond)
	cfg.StoreRetryCap = getEnvOrDefaultDuration("STORE_RETRY_CAP", 1*time.Second)

	cfg.RateLimitRPCGlobal = getEnvOrDefault("RATE_LIMIT_RPC_GLOBAL", "1000-M")
	cfg.RateLimitRPCPublic = getEnvOrDefault("RATE_LIMIT_RPC_PUBLIC", "100-M")
	cfg.RateLimitRPCRooms = getEnvOrDefault("RATE_LIMIT_RPC_ROOMS", "100-M")
	cfg.RateLimitRPCMessages = getEnvOrDefault("RATE_LIMIT_RPC_MESSAGES", "500-M")
	cfg.RateLimitStreamIP = getEnvOrDefault("RATE_LIMIT_STREAM_IP", "100-M")
	cfg.RateLimitStreamIdentity = getEnvOrDefault("RATE_LIMIT_STREAM_IDENTITY", "600-M")
	if wl := os.Getenv("RATE_LIMIT_WHITELIST"); wl != "" {
		for _, ip := range strings.Split(wl, ",") {
			if trimmed := strings.TrimSpace(ip); trimmed != "" {
				cfg.RateLimitWhitelist = append(cfg.RateLimitWhitelist, trimmed)
			}
		}
	}

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

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated")
	slog.Info("configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"listen_addr", cfg.ListenAddr,
		"rpc_listen_addr", cfg.RPCListenAddr,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"max_frame_size", cfg.MaxFrameSize,
		"max_room_capacity", cfg.MaxRoomCapacity,
		"rate_limit_rpc_global", cfg.RateLimitRPCGlobal,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvOrDefaultDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
