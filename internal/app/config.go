package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr          string
	LogLevel          string
	LogFormat         string
	UserAgent         string
	CharacterEndpoint string

	FetchTimeout       time.Duration
	FetchMaxAttempts   int
	FetchMaxConcurrent int
	FetchRatePerSecond float64
	FetchRateBurst     int
	DebounceDelay      time.Duration

	SessionIdleTimeout time.Duration
	SessionMax         int

	RedisURL      string
	RedisCacheTTL time.Duration

	HTTPRateLimitRPS   float64
	HTTPRateLimitBurst int
	ImageProxyHosts    []string
	OTLPEndpoint       string
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8090"),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getEnv("LOG_FORMAT", "text")),
		UserAgent:         getEnv("SEARCH_USER_AGENT", "character-search/1.0"),
		CharacterEndpoint: getEnv("CHARACTER_API_ENDPOINT", "https://rickandmortyapi.com/api/character"),

		FetchTimeout:       time.Duration(getEnvInt("FETCH_TIMEOUT_SECONDS", 10)) * time.Second,
		FetchMaxAttempts:   getEnvInt("FETCH_MAX_ATTEMPTS", 1),
		FetchMaxConcurrent: getEnvInt("FETCH_MAX_CONCURRENT", 8),
		FetchRatePerSecond: getEnvFloat("FETCH_RATE_PER_SECOND", 5),
		FetchRateBurst:     getEnvInt("FETCH_RATE_BURST", 10),
		DebounceDelay:      time.Duration(getEnvInt("SEARCH_DEBOUNCE_MS", 300)) * time.Millisecond,

		SessionIdleTimeout: time.Duration(getEnvInt("SESSION_IDLE_TIMEOUT_MINUTES", 30)) * time.Minute,
		SessionMax:         getEnvInt("SESSION_MAX", 1000),

		RedisURL:      getEnv("REDIS_URL", ""),
		RedisCacheTTL: time.Duration(getEnvInt("CACHE_REDIS_TTL_HOURS", 0)) * time.Hour,

		HTTPRateLimitRPS:   getEnvFloat("HTTP_RATE_LIMIT_RPS", 50),
		HTTPRateLimitBurst: getEnvInt("HTTP_RATE_LIMIT_BURST", 100),
		ImageProxyHosts:    getEnvList("IMAGE_PROXY_ALLOWED_HOSTS", "rickandmortyapi.com"),
		OTLPEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	return out
}
