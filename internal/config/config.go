package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the avatar console.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string
	AllowAnyOrigin   bool

	APIBaseURL    string
	PublicBaseURL string
	LiveWSURL     string
	APIToken      string
	HTTPTimeout   time.Duration

	PollInterval          time.Duration
	PollRetryStep         time.Duration
	PollMaxRetries        int
	ValidateMaxRetries    int
	ValidateBackoffBase   time.Duration
	ValidateBackoffCap    time.Duration
	CacheDefaultTTL       time.Duration
	LiveHeartbeatInterval time.Duration
	LiveReconnectAttempts int

	DatabaseURL string
	RedisURL    string
}

// Load reads an optional .env file, then environment variables, and applies
// defaults. Values already present in the environment win over the file.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, path := range envFiles {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "avatarconsole"),
		LogLevel:              envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:             envOrDefault("APP_LOG_FORMAT", "json"),
		APIBaseURL:            strings.TrimRight(stringsTrimSpace("AVATAR_API_BASE_URL"), "/"),
		PublicBaseURL:         strings.TrimRight(stringsTrimSpace("AVATAR_PUBLIC_BASE_URL"), "/"),
		LiveWSURL:             stringsTrimSpace("AVATAR_LIVE_WS_URL"),
		APIToken:              stringsTrimSpace("AVATAR_API_TOKEN"),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		RedisURL:              stringsTrimSpace("REDIS_URL"),
		ShutdownTimeout:       15 * time.Second,
		HTTPTimeout:           30 * time.Second,
		PollInterval:          2 * time.Second,
		PollRetryStep:         time.Second,
		PollMaxRetries:        5,
		ValidateMaxRetries:    3,
		ValidateBackoffBase:   time.Second,
		ValidateBackoffCap:    10 * time.Second,
		CacheDefaultTTL:       5 * time.Minute,
		LiveHeartbeatInterval: 25 * time.Second,
		LiveReconnectAttempts: 5,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_HTTP_TIMEOUT", &cfg.HTTPTimeout},
		{"LIVE_POLL_INTERVAL", &cfg.PollInterval},
		{"LIVE_POLL_RETRY_STEP", &cfg.PollRetryStep},
		{"LIVE_VALIDATE_BACKOFF_BASE", &cfg.ValidateBackoffBase},
		{"LIVE_VALIDATE_BACKOFF_CAP", &cfg.ValidateBackoffCap},
		{"LIVE_HEARTBEAT_INTERVAL", &cfg.LiveHeartbeatInterval},
		{"CACHE_DEFAULT_TTL", &cfg.CacheDefaultTTL},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.PollMaxRetries, err = intFromEnv("LIVE_POLL_MAX_RETRIES", cfg.PollMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.ValidateMaxRetries, err = intFromEnv("LIVE_VALIDATE_MAX_RETRIES", cfg.ValidateMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.LiveReconnectAttempts, err = intFromEnv("LIVE_RECONNECT_ATTEMPTS", cfg.LiveReconnectAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.LiveWSURL == "" && cfg.APIBaseURL != "" {
		cfg.LiveWSURL, err = deriveLiveWSURL(cfg.APIBaseURL)
		if err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.PollInterval < 10*time.Millisecond {
		return fmt.Errorf("LIVE_POLL_INTERVAL must be at least 10ms")
	}
	if c.PollRetryStep < 0 {
		return fmt.Errorf("LIVE_POLL_RETRY_STEP must be >= 0")
	}
	if c.PollMaxRetries < 1 {
		return fmt.Errorf("LIVE_POLL_MAX_RETRIES must be positive")
	}
	if c.ValidateMaxRetries < 1 {
		return fmt.Errorf("LIVE_VALIDATE_MAX_RETRIES must be positive")
	}
	if c.ValidateBackoffBase <= 0 {
		return fmt.Errorf("LIVE_VALIDATE_BACKOFF_BASE must be positive")
	}
	if c.ValidateBackoffCap < c.ValidateBackoffBase {
		return fmt.Errorf("LIVE_VALIDATE_BACKOFF_CAP must be >= LIVE_VALIDATE_BACKOFF_BASE")
	}
	if c.CacheDefaultTTL <= 0 {
		return fmt.Errorf("CACHE_DEFAULT_TTL must be positive")
	}
	if c.LiveReconnectAttempts < 0 {
		return fmt.Errorf("LIVE_RECONNECT_ATTEMPTS must be >= 0")
	}
	if c.APIBaseURL != "" {
		u, err := url.Parse(c.APIBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("AVATAR_API_BASE_URL must be an absolute http(s) url")
		}
	}
	return nil
}

// RequireAPI reports an error when the backend base URL is missing. Commands
// that only touch local state (login, logout) skip this check.
func (c Config) RequireAPI() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("AVATAR_API_BASE_URL is required")
	}
	return nil
}

// LoginURL is where an operator is sent after the backend rejects the token.
func (c Config) LoginURL() string {
	base := c.PublicBaseURL
	if base == "" {
		base = c.APIBaseURL
	}
	return base + "/login"
}

func deriveLiveWSURL(apiBase string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", fmt.Errorf("AVATAR_API_BASE_URL parse error: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/live/ws"
	return u.String(), nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
