package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port string

	// Transport selection: "file", "socket", or "dual" while migrating.
	TransportMode string

	// Signed file-drop channel
	FileDropDir      string
	FilePollInterval time.Duration
	FileMaxSize      int64
	FileSigningKey   string

	// Persistent socket channel
	SocketCommandURL     string
	SocketTelemetryURL   string
	SocketResultURL      string
	SocketReconnectDelay time.Duration

	// Execution
	ResultTimeout         time.Duration
	TickInterval          time.Duration
	EmergencyStop         bool
	SingleTradePerUser    bool
	AccountMaxAge         time.Duration
	ReconcileInterval     time.Duration
	WeekendTradingAllowed bool

	// Instruments
	InstrumentsPath string

	// Database
	DBPath string

	// Auth
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the process still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                  getEnv("PORT", "8080"),
		TransportMode:         strings.ToLower(getEnv("TRANSPORT_MODE", "file")),
		FileDropDir:           getEnv("FILE_DROP_DIR", "./data/bridge"),
		FilePollInterval:      getEnvMillis("FILE_POLL_INTERVAL_MS", 500),
		FileMaxSize:           int64(getEnvInt("FILE_MAX_SIZE_BYTES", 65536)),
		FileSigningKey:        getEnv("FILE_SIGNING_KEY", ""),
		SocketCommandURL:      getEnv("SOCKET_COMMAND_URL", "ws://localhost:8765/commands"),
		SocketTelemetryURL:    getEnv("SOCKET_TELEMETRY_URL", "ws://localhost:8765/telemetry"),
		SocketResultURL:       getEnv("SOCKET_RESULT_URL", "ws://localhost:8765/results"),
		SocketReconnectDelay:  getEnvMillis("SOCKET_RECONNECT_MS", 3000),
		ResultTimeout:         getEnvMillis("RESULT_TIMEOUT_MS", 30000),
		TickInterval:          getEnvMillis("TICK_INTERVAL_MS", 2000),
		EmergencyStop:         getEnv("EMERGENCY_STOP", "false") == "true",
		SingleTradePerUser:    getEnv("SINGLE_TRADE_PER_USER", "false") == "true",
		AccountMaxAge:         getEnvMillis("ACCOUNT_MAX_AGE_MS", 120000),
		ReconcileInterval:     getEnvMillis("RECONCILE_INTERVAL_MS", 300000),
		WeekendTradingAllowed: getEnv("ALLOW_WEEKEND_TRADING", "false") == "true",
		InstrumentsPath:       getEnv("INSTRUMENTS_PATH", "./config/instruments.yaml"),
		DBPath:                getEnv("DB_PATH", "./data/execution.db"),
		JWTSecret:             getEnv("JWT_SECRET", "dev-secret"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvMillis(key string, defMillis int) time.Duration {
	return time.Duration(getEnvInt(key, defMillis)) * time.Millisecond
}
