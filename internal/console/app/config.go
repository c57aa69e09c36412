package app

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AuthBaseURL string // Required: base URL of the auth service (token/revoke/userinfo)
	ClientID    string // OAuth2 client id the console logs in as (default: console)

	PresenceURL      string // Websocket STOMP endpoint, e.g. ws://localhost:15674/ws
	PresenceTCPAddr  string // Raw STOMP address, used instead of PresenceURL when set
	PresenceHost     string // STOMP host header / vhost (default: /)
	PresenceLogin    string // Optional: broker login
	PresencePasscode string // Optional: broker passcode

	Username   string // Login username; prompted for when empty
	Password   string // Login password; prompted for when empty
	TOTPSecret string // Optional: base32 TOTP secret for unattended MFA

	PersistSession bool   // Keep the session across restarts (default: true)
	DatabaseFile   string // SQLite file for the persisted session (default: ./console.db)

	TokenSkew         time.Duration // Treat tokens as expired this long before exp (default: 30s)
	RefreshTimeout    time.Duration // Bound on one refresh call (default: 15s)
	TransientBudget   int           // Failed refreshes in a row before giving up (default: 3)
	KeepAliveInterval time.Duration // Background refresh check, 0 disables (default: 1m)
	APIRateLimit      float64       // Requests per second to the API, 0 is unlimited

	HeartBeat       time.Duration // STOMP heart-beat both ways (default: 4s)
	ReconnectDelay  time.Duration // Fixed delay between reconnects (default: 5s)
	AnnounceTimeout time.Duration // How long a login announcement waits for the connection (default: 30s)

	SentryDSN           string        // Optional: report forced logouts to Sentry
	Env                 string        // Environment (dev, staging, prod) (default: dev)
	LogLevel            string        // Log level (debug, info, warn, error) (default: info)
	LogFormat           string        // Log format (json, text) (default: text)
	MetricsPort         int           // Port for /metrics, 0 disables (default: 9090)
	ShutdownGracePeriod time.Duration // Graceful shutdown timeout (default: 10s)
}

// LoadConfig reads the environment, after loading .env if there is one.
func LoadConfig() Config {
	_ = godotenv.Load()

	return Config{
		AuthBaseURL: getEnvOrDefault("AUTH_BASE_URL", "http://localhost:8080"),
		ClientID:    getEnvOrDefault("AUTH_CLIENT_ID", "console"),

		PresenceURL:      getEnvOrDefault("PRESENCE_URL", "ws://localhost:15674/ws"),
		PresenceTCPAddr:  os.Getenv("PRESENCE_TCP_ADDR"),
		PresenceHost:     getEnvOrDefault("PRESENCE_HOST", "/"),
		PresenceLogin:    os.Getenv("PRESENCE_LOGIN"),
		PresencePasscode: os.Getenv("PRESENCE_PASSCODE"),

		Username:   os.Getenv("CONSOLE_USERNAME"),
		Password:   os.Getenv("CONSOLE_PASSWORD"),
		TOTPSecret: os.Getenv("CONSOLE_TOTP_SECRET"),

		PersistSession: getEnvBoolOrDefault("CONSOLE_PERSIST_SESSION", true),
		DatabaseFile:   getEnvOrDefault("CONSOLE_DATABASE_FILE", "console.db"),

		TokenSkew:         getEnvDurationOrDefault("TOKEN_SKEW", 30*time.Second),
		RefreshTimeout:    getEnvDurationOrDefault("REFRESH_TIMEOUT", 15*time.Second),
		TransientBudget:   getEnvIntOrDefault("REFRESH_TRANSIENT_BUDGET", 3),
		KeepAliveInterval: getEnvDurationOrDefault("KEEPALIVE_INTERVAL", time.Minute),
		APIRateLimit:      getEnvFloatOrDefault("API_RATE_LIMIT", 0),

		HeartBeat:       getEnvDurationOrDefault("PRESENCE_HEARTBEAT", 4*time.Second),
		ReconnectDelay:  getEnvDurationOrDefault("PRESENCE_RECONNECT_DELAY", 5*time.Second),
		AnnounceTimeout: getEnvDurationOrDefault("ANNOUNCE_TIMEOUT", 30*time.Second),

		SentryDSN:           os.Getenv("SENTRY_DSN"),
		Env:                 getEnvOrDefault("ENV", "dev"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:           getEnvOrDefault("LOG_FORMAT", "text"),
		MetricsPort:         getEnvIntOrDefault("METRICS_PORT", 9090),
		ShutdownGracePeriod: getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}

	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Plain integers are seconds, everything here is short-lived
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}
