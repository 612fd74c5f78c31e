package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Realtime drivers
const (
	DriverWebSocket = "websocket"
	DriverRedis     = "redis"
)

// Config holds session settings. It is read once at startup and never
// mutated afterwards.
type Config struct {
	Addr string

	APIURL    string
	SocketURL string

	RealtimeDriver string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisChannel   string

	PageSize       int
	PageOrder      string
	PollInterval   time.Duration
	WatchdogDelay  time.Duration
	RequestTimeout time.Duration

	Locale             string
	OptimisticUpdates  bool
	RejectStaleUpdates bool
	PendingTTL         time.Duration

	JWTSecret      string
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Load reads the configuration from the process environment.
func Load() Config {
	return Config{
		Addr: getEnv("JOBDECK_ADDR", "127.0.0.1:8090"),

		APIURL:    strings.TrimRight(getEnv("API_URL", "http://localhost:3000"), "/"),
		SocketURL: getEnv("SOCKET_URL", "ws://localhost:3000/ws"),

		RealtimeDriver: strings.ToLower(getEnv("REALTIME_DRIVER", DriverWebSocket)),
		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		RedisChannel:   getEnv("REDIS_CHANNEL", "jobs"),

		PageSize:       getEnvInt("PAGE_SIZE", 20),
		PageOrder:      getEnv("PAGE_ORDER", "desc"),
		PollInterval:   getEnvMillis("POLL_INTERVAL_MS", 5000),
		WatchdogDelay:  getEnvMillis("WATCHDOG_MS", 800),
		RequestTimeout: getEnvMillis("REQUEST_TIMEOUT_MS", 10000),

		Locale:             getEnv("LOCALE", "th"),
		OptimisticUpdates:  getEnvBool("OPTIMISTIC_UPDATES", false),
		RejectStaleUpdates: getEnvBool("REJECT_STALE_UPDATES", false),
		PendingTTL:         getEnvMillis("PENDING_TTL_MS", 30000),

		JWTSecret:      getEnv("JWT_SECRET", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS"),
		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 10),
	}
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

// getEnvList splits a comma separated value, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvMillis(key string, fallbackMS int) time.Duration {
	ms := getEnvInt(key, fallbackMS)
	if ms <= 0 {
		ms = fallbackMS
	}
	return time.Duration(ms) * time.Millisecond
}
