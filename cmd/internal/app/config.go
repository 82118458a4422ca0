package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// LocalPartyID identifies the local participant of every conversation;
	// it is the second half of each conversation key.
	LocalPartyID string

	// Shared HS256 secret and issuer for live-channel credentials.
	AuthSecret string
	AuthIssuer string

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("CHATSYNC_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("CHATSYNC_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("CHATSYNC_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CHATSYNC_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CHATSYNC_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CHATSYNC_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("CHATSYNC_HTTP_MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:   EnvInt("CHATSYNC_HTTP_MAX_BODY_BYTES", 1<<20),

		DatabaseURL: EnvString("CHATSYNC_DATABASE_URL", ""),
		DBSchema:    EnvString("CHATSYNC_DB_SCHEMA", "chatsync"),
		DBMaxConns:  EnvInt32("CHATSYNC_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("CHATSYNC_DB_MIN_CONNS", 0),

		LocalPartyID: EnvString("CHATSYNC_LOCAL_PARTY_ID", "0000000000"),

		AuthSecret: EnvString("CHATSYNC_AUTH_SECRET", ""),
		AuthIssuer: EnvString("CHATSYNC_AUTH_ISSUER", "chatsync"),

		ReadinessRequireDB: EnvBool("CHATSYNC_READINESS_REQUIRE_DB", false),
	}
}
