package app

import (
	"strings"
	"time"
)

// Store backend identifiers accepted by HUDDLE_STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Store selection. Empty means auto: postgres when HUDDLE_DATABASE_URL
	// is set, mongo when HUDDLE_MONGO_URL is set, in-memory otherwise.
	StoreBackend string

	DatabaseURL string
	PGSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	MongoURL      string
	MongoDatabase string

	// If true:
	// - /readyz returns 503 unless a durable store is configured and reachable.
	ReadinessRequireStore bool

	// Coordination knobs. Zero values fall back to the chat package defaults.
	MeetingAutocreate   bool
	PresenceDedupWindow time.Duration
	SystemDedupWindow   time.Duration
	TypingIdleTimeout   time.Duration

	// Security policy:
	// If false, HUDDLE_IDENTITY_HMAC_KEY MUST be set (>= 32 bytes); if true,
	// unsigned dev tokens are accepted.
	IdentityInsecure bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("HUDDLE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("HUDDLE_LOG_LEVEL", "info"),
		LogFormat: EnvString("HUDDLE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("HUDDLE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("HUDDLE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("HUDDLE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("HUDDLE_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("HUDDLE_HTTP_MAX_HEADER_BYTES", 1<<20),

		StoreBackend: strings.ToLower(EnvString("HUDDLE_STORE_BACKEND", "")),

		DatabaseURL: EnvString("HUDDLE_DATABASE_URL", ""),
		PGSchema:    EnvString("HUDDLE_PG_SCHEMA", ""),
		DBMaxConns:  EnvInt32("HUDDLE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("HUDDLE_DB_MIN_CONNS", 0),

		MongoURL:      EnvString("HUDDLE_MONGO_URL", ""),
		MongoDatabase: EnvString("HUDDLE_MONGO_DB", "huddle"),

		ReadinessRequireStore: EnvBool("HUDDLE_READINESS_REQUIRE_STORE", false),

		MeetingAutocreate:   EnvBool("HUDDLE_MEETING_AUTOCREATE", true),
		PresenceDedupWindow: EnvDuration("HUDDLE_PRESENCE_DEDUP_WINDOW", 0),
		SystemDedupWindow:   EnvDuration("HUDDLE_SYSTEM_DEDUP_WINDOW", 0),
		TypingIdleTimeout:   EnvDuration("HUDDLE_TYPING_IDLE_TIMEOUT", 0),

		IdentityInsecure: EnvBool("HUDDLE_IDENTITY_INSECURE", false),

		CORSAllowedOrigins:   EnvCSV("HUDDLE_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("HUDDLE_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("HUDDLE_CORS_MAX_AGE", 600),
	}
}

// Backend resolves the effective store backend after auto-detection.
func (c Config) Backend() string {
	if c.StoreBackend != "" {
		return c.StoreBackend
	}
	if c.DatabaseURL != "" {
		return BackendPostgres
	}
	if c.MongoURL != "" {
		return BackendMongo
	}
	return BackendMemory
}
