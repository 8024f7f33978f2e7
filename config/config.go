package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config aggregates application configuration values.
type Config struct {
	HTTP     HTTPConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Log      LogConfig
	Auth     AuthConfig
	Core     Core
}

// HTTPConfig governs HTTP server behaviour.
type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	IPRatePerSecond int
	IPRateBurst     int
}

// DatabaseConfig describes the Postgres connection.
type DatabaseConfig struct {
	URL             string
	MaxConns        int32
	MaxConnIdleTime time.Duration
	QueryTimeout    time.Duration
}

// RedisConfig is optional; an empty Addr disables Redis-backed components.
type RedisConfig struct {
	Addr               string
	Password           string
	DB                 int
	NotificationStream string
}

// LogConfig controls zap settings.
type LogConfig struct {
	Level       string
	Format      string // json|console
	ServiceName string
}

// AuthConfig holds session token settings.
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// Core holds the toggles consumed by the credential, disclosure, match and
// rate-limit components. It is passed to each component at construction.
type Core struct {
	RequireLOI               bool
	RequireBrokerageContract bool
	// StrictAdminLOI makes admins go through the same LOI step as everyone else.
	StrictAdminLOI bool
	// SkipCodeVerification accepts any access code. Never enable in production.
	SkipCodeVerification bool
	MatchThreshold       int
	CodeTTLDays          int
	RegistrationTTLDays  int
	PasswordResetTTL     time.Duration
	APIRateLimit         int
	ImportWindow         time.Duration
	// RateLimitBackend selects the window store: "postgres" or "redis".
	RateLimitBackend string
}

const (
	defaultAddr             = ":8080"
	defaultReadTimeout      = 10 * time.Second
	defaultWriteTimeout     = 15 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultMaxBodyBytes     = 10 << 20
	defaultIPRatePerSecond  = 20
	defaultIPRateBurst      = 40
	defaultQueryTimeout     = 5 * time.Second
	defaultTokenTTL         = 24 * time.Hour
	defaultMatchThreshold   = 50
	defaultCodeTTLDays      = 7
	defaultRegistrationDays = 14
	defaultPasswordResetTTL = time.Hour
	defaultAPIRateLimit     = 100
	defaultImportWindow     = time.Hour
)

// DefaultCore returns the toggles used when nothing is configured.
func DefaultCore() Core {
	return Core{
		RequireLOI:          true,
		MatchThreshold:      defaultMatchThreshold,
		CodeTTLDays:         defaultCodeTTLDays,
		RegistrationTTLDays: defaultRegistrationDays,
		PasswordResetTTL:    defaultPasswordResetTTL,
		APIRateLimit:        defaultAPIRateLimit,
		ImportWindow:        defaultImportWindow,
		RateLimitBackend:    "postgres",
	}
}

// CodeTTL is the lifetime of entity access, LOI and contract codes.
func (c Core) CodeTTL() time.Duration {
	return time.Duration(c.CodeTTLDays) * 24 * time.Hour
}

// RegistrationTTL is the lifetime of registration approval codes.
func (c Core) RegistrationTTL() time.Duration {
	return time.Duration(c.RegistrationTTLDays) * 24 * time.Hour
}

// Load reads configuration from environment variables, applying defaults.
// A set but malformed value fails the load instead of falling back.
func Load() (Config, error) {
	env := &envReader{}

	core := DefaultCore()
	core.RequireLOI = env.boolean("REQUIRE_LOI", core.RequireLOI)
	core.RequireBrokerageContract = env.boolean("REQUIRE_BROKERAGE_CONTRACT", false)
	core.StrictAdminLOI = env.boolean("STRICT_ADMIN_LOI", false)
	core.SkipCodeVerification = env.boolean("SKIP_CODE_VERIFICATION", false)
	core.MatchThreshold = env.integer("MATCH_THRESHOLD", core.MatchThreshold)
	core.CodeTTLDays = env.integer("CODE_TTL_DAYS", core.CodeTTLDays)
	core.RegistrationTTLDays = env.integer("REGISTRATION_TTL_DAYS", core.RegistrationTTLDays)
	core.APIRateLimit = env.integer("API_RATE_LIMIT", core.APIRateLimit)
	core.RateLimitBackend = valueOrDefault("RATE_LIMIT_BACKEND", core.RateLimitBackend)
	core.PasswordResetTTL = env.duration("PASSWORD_RESET_TTL", core.PasswordResetTTL)
	core.ImportWindow = env.duration("IMPORT_WINDOW", core.ImportWindow)

	cfg := Config{
		HTTP: HTTPConfig{
			Addr:            valueOrDefault("HTTP_ADDR", defaultAddr),
			ReadTimeout:     env.duration("HTTP_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    env.duration("HTTP_WRITE_TIMEOUT", defaultWriteTimeout),
			ShutdownTimeout: env.duration("HTTP_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
			MaxBodyBytes:    defaultMaxBodyBytes,
			IPRatePerSecond: env.integer("HTTP_IP_RATE_PER_SECOND", defaultIPRatePerSecond),
			IPRateBurst:     env.integer("HTTP_IP_RATE_BURST", defaultIPRateBurst),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxConns:        int32(env.integer("DATABASE_MAX_CONNS", 0)),
			MaxConnIdleTime: env.duration("DATABASE_MAX_CONN_IDLE_TIME", 0),
			QueryTimeout:    env.duration("DATABASE_QUERY_TIMEOUT", defaultQueryTimeout),
		},
		Redis: RedisConfig{
			Addr:               os.Getenv("REDIS_ADDR"),
			Password:           os.Getenv("REDIS_PASSWORD"),
			DB:                 env.integer("REDIS_DB", 0),
			NotificationStream: valueOrDefault("NOTIFICATION_STREAM", "offmarket:notifications"),
		},
		Log: LogConfig{
			Level:       valueOrDefault("LOG_LEVEL", "info"),
			Format:      valueOrDefault("LOG_FORMAT", "json"),
			ServiceName: valueOrDefault("SERVICE_NAME", "offmarket-api"),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
			TokenTTL:  env.duration("JWT_TTL", defaultTokenTTL),
		},
		Core: core,
	}
	if env.err != nil {
		return Config{}, env.err
	}

	if err := cfg.Core.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects toggle combinations the core cannot honour.
func (c Core) Validate() error {
	if c.MatchThreshold < 0 || c.MatchThreshold > 100 {
		return fmt.Errorf("config: match threshold %d out of range 0..100", c.MatchThreshold)
	}
	if c.RequireBrokerageContract && !c.RequireLOI {
		return fmt.Errorf("config: brokerage contract requires loi signing")
	}
	if c.CodeTTLDays <= 0 {
		return fmt.Errorf("config: code ttl days must be positive")
	}
	if c.RegistrationTTLDays <= 0 {
		return fmt.Errorf("config: registration ttl days must be positive")
	}
	if c.PasswordResetTTL <= 0 {
		return fmt.Errorf("config: password reset ttl must be positive")
	}
	if c.APIRateLimit <= 0 {
		return fmt.Errorf("config: api rate limit must be positive")
	}
	if c.ImportWindow <= 0 {
		return fmt.Errorf("config: import window must be positive")
	}
	switch c.RateLimitBackend {
	case "postgres", "redis":
	default:
		return fmt.Errorf("config: unknown rate limit backend %q", c.RateLimitBackend)
	}
	return nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envReader parses typed environment values and keeps the first error.
type envReader struct {
	err error
}

func (r *envReader) lookup(key string) (string, bool) {
	if r.err != nil {
		return "", false
	}
	v := os.Getenv(key)
	return v, v != ""
}

func (r *envReader) fail(key, v string, err error) {
	r.err = fmt.Errorf("invalid %s %q: %w", key, v, err)
}

func (r *envReader) boolean(key string, fallback bool) bool {
	v, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	val, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return fallback
	}
	return val
}

func (r *envReader) integer(key string, fallback int) int {
	v, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	val, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return fallback
	}
	return val
}

func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	val, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return fallback
	}
	return val
}
