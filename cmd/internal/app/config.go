package app

import "time"

// Config contains all server runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string

	LogLevel  string
	LogFormat string
	LogColor  bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL   string
	DBSchema      string
	DBMaxConns    int32
	DBMinConns    int32
	DBAutoMigrate bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Hello token verification. Verification is enabled when any key is set.
	TokenIssuer          string
	TokenPasetoPublicHex string
	TokenJWTSecret       string
	TokenClockSkew       time.Duration
	// RequireToken refuses to start without a usable verification key.
	RequireToken bool

	// MetricsEnabled exposes /metrics.
	MetricsEnabled bool

	// AdminToken enables POST /admin/channels/reset when set.
	AdminToken string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("HUDDLE_HTTP_ADDR", "0.0.0.0:8080"),

		LogLevel:  EnvString("HUDDLE_LOG_LEVEL", "info"),
		LogFormat: EnvString("HUDDLE_LOG_FORMAT", "json"),
		LogColor:  EnvBool("HUDDLE_LOG_COLOR", false),

		ReadHeaderTimeout: EnvDuration("HUDDLE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("HUDDLE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("HUDDLE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("HUDDLE_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("HUDDLE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("HUDDLE_DATABASE_URL", ""),
		DBSchema:      EnvString("HUDDLE_DB_SCHEMA", "huddle"),
		DBMaxConns:    EnvInt32("HUDDLE_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("HUDDLE_DB_MIN_CONNS", 0),
		DBAutoMigrate: EnvBool("HUDDLE_DB_AUTO_MIGRATE", true),

		ReadinessRequireDB: EnvBool("HUDDLE_READINESS_REQUIRE_DB", false),

		TokenIssuer:          EnvString("HUDDLE_TOKEN_ISSUER", ""),
		TokenPasetoPublicHex: EnvString("HUDDLE_TOKEN_PASETO_PUBLIC_KEY_HEX", ""),
		TokenJWTSecret:       EnvString("HUDDLE_TOKEN_JWT_SECRET", ""),
		TokenClockSkew:       EnvDuration("HUDDLE_TOKEN_CLOCK_SKEW", 30*time.Second),
		RequireToken:         EnvBool("HUDDLE_REQUIRE_TOKEN", false),

		MetricsEnabled: EnvBool("HUDDLE_METRICS_ENABLED", true),

		AdminToken: EnvString("HUDDLE_ADMIN_TOKEN", ""),
	}
}

// TokenVerificationEnabled reports whether any hello token key is configured.
func (c Config) TokenVerificationEnabled() bool {
	return c.TokenPasetoPublicHex != "" || c.TokenJWTSecret != ""
}
