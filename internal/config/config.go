package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Log struct {
		Level     string
		Format    string
		Component string
		Source    bool
	}

	API struct {
		BaseURL string
		Token   string
		Timeout time.Duration
	}

	Socket struct {
		URL          string
		AckTimeout   time.Duration
		ReconnectMin time.Duration
		ReconnectMax time.Duration
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	Store struct {
		Path string
	}
}

func New() *Config {
	// Optional .env overlay; real env always wins.
	_ = godotenv.Load()

	cfg := &Config{}

	// Logger
	cfg.Log.Level = getEnvDefault("LOG_LEVEL", "info")
	cfg.Log.Format = getEnvDefault("LOG_FORMAT", "text")
	cfg.Log.Component = getEnvDefault("LOG_COMPONENT", "chat_client")
	cfg.Log.Source = isTruthy(os.Getenv("LOG_SOURCE"))

	// REST API
	cfg.API.BaseURL = getEnvDefault("API_BASE_URL", "http://localhost:5001")
	cfg.API.Token = os.Getenv("AUTH_TOKEN")
	cfg.API.Timeout = getEnvDuration("API_TIMEOUT", 15*time.Second)

	// Realtime channel
	cfg.Socket.URL = getEnvDefault("SOCKET_URL", "ws://localhost:5001/socket")
	cfg.Socket.AckTimeout = getEnvDuration("SOCKET_ACK_TIMEOUT", 10*time.Second)
	cfg.Socket.ReconnectMin = getEnvDuration("SOCKET_RECONNECT_MIN", time.Second)
	cfg.Socket.ReconnectMax = getEnvDuration("SOCKET_RECONNECT_MAX", 30*time.Second)

	// Redis (snapshot cache, optional)
	cfg.Redis.Addr = getEnvDefault("REDIS_ADDR", "")
	cfg.Redis.Password = getEnvDefault("REDIS_PASSWORD", "")
	if dbStr := getEnvDefault("REDIS_DB", "0"); dbStr != "" {
		if dbInt, err := strconv.Atoi(dbStr); err == nil {
			cfg.Redis.DB = dbInt
		}
	}

	// Local conversation archive
	cfg.Store.Path = getEnvDefault("STORE_PATH", "chatcore.db")

	return cfg
}

func getEnvDefault(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getEnvDuration(k string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}
