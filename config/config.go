package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	Environment    string
	LogLevel       string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Call           CallConfig
	// ServerURL is where the call client finds the relay backend.
	ServerURL string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// CallConfig tunes call sessions and their peer connections.
type CallConfig struct {
	ICEServers      []string
	QualityInterval time.Duration
	RingTimeout     time.Duration
	RequestTimeout  time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory, when present, seeds variables that are not already set.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AllowedOrigins: getList("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"),
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		Call: CallConfig{
			ICEServers:      getList("ICE_SERVERS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"),
			QualityInterval: getDuration("CALL_QUALITY_INTERVAL", 3*time.Second),
			RingTimeout:     getDuration("CALL_RING_TIMEOUT", 0),
			RequestTimeout:  getDuration("CALL_REQUEST_TIMEOUT", 10*time.Second),
		},
		ServerURL: getEnv("SERVER_URL", "http://localhost:8080"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getList splits a comma-separated variable, dropping empty entries.
func getList(key, defaultValue string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, defaultValue), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return n
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return d
}
