package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"git.skobk.in/skobkin/telegram-event-bot/retry"
	"git.skobk.in/skobkin/telegram-event-bot/storage"
)

// Config holds the runtime settings, read from the environment
type Config struct {
	BotToken       string
	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string

	WebBaseURL      string
	WebListenAddr   string
	CalendarHistory time.Duration

	TimerInterval  time.Duration
	SoonWindow     time.Duration
	EventRetention time.Duration
	LinkTTL        time.Duration

	DBTimeout     time.Duration
	SendTimeout   time.Duration
	UpdateTimeout time.Duration

	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	InboundRateLimit int
	DisplayTimezone  *time.Location
}

// Load reads the configuration from environment variables
func Load() (Config, error) {
	cfg := Config{
		BotToken:             envOr("TELEGRAM_BOT_TOKEN", ""),
		DatabaseURL:          envOr("DATABASE_URL", "data.sqlite"),
		RedisURL:             envOr("REDIS_URL", ""),
		WebBaseURL:           strings.TrimRight(envOr("WEB_BASE_URL", "http://localhost:8080"), "/"),
		WebListenAddr:        envOr("WEB_LISTEN_ADDR", ":8080"),
		CalendarHistory:      durationOr("CALENDAR_HISTORY", 30*24*time.Hour),
		TimerInterval:        durationOr("TIMER_INTERVAL", 30*time.Second),
		SoonWindow:           durationOr("SOON_WINDOW", 30*time.Minute),
		EventRetention:       durationOr("EVENT_RETENTION", 30*24*time.Hour),
		LinkTTL:              durationOr("LINK_TTL", 24*time.Hour),
		DBTimeout:            durationOr("DB_TIMEOUT", 5*time.Second),
		SendTimeout:          durationOr("SEND_TIMEOUT", 10*time.Second),
		UpdateTimeout:        durationOr("UPDATE_TIMEOUT", time.Minute),
		RetryMaxAttempts:     intOr("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialInterval: durationOr("RETRY_INITIAL_INTERVAL", 500*time.Millisecond),
		RetryMaxInterval:     durationOr("RETRY_MAX_INTERVAL", 10*time.Second),
		InboundRateLimit:     intOr("INBOUND_RATE_LIMIT_PER_MIN", 20),
	}

	driver, err := resolveDriver(envOr("DATABASE_DRIVER", ""), cfg.DatabaseURL)
	if err != nil {
		return Config{}, err
	}
	cfg.DatabaseDriver = driver

	tz := envOr("DISPLAY_TIMEZONE", "UTC")
	cfg.DisplayTimezone, err = time.LoadLocation(tz)
	if err != nil {
		return Config{}, fmt.Errorf("DISPLAY_TIMEZONE %q: %w", tz, err)
	}

	if cfg.BotToken == "" {
		return Config{}, fmt.Errorf("missing required env vars: TELEGRAM_BOT_TOKEN")
	}

	invalid := make([]string, 0, 4)
	for _, d := range []struct {
		key   string
		value time.Duration
	}{
		{"TIMER_INTERVAL", cfg.TimerInterval},
		{"SOON_WINDOW", cfg.SoonWindow},
		{"LINK_TTL", cfg.LinkTTL},
		{"DB_TIMEOUT", cfg.DBTimeout},
		{"SEND_TIMEOUT", cfg.SendTimeout},
		{"UPDATE_TIMEOUT", cfg.UpdateTimeout},
	} {
		if d.value <= 0 {
			invalid = append(invalid, d.key)
		}
	}
	// Zero retention disables pruning
	if cfg.EventRetention < 0 {
		invalid = append(invalid, "EVENT_RETENTION")
	}
	if cfg.RetryMaxAttempts < 1 {
		invalid = append(invalid, "RETRY_MAX_ATTEMPTS")
	}
	if cfg.InboundRateLimit < 0 {
		invalid = append(invalid, "INBOUND_RATE_LIMIT_PER_MIN")
	}
	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("values must be positive: %s", strings.Join(invalid, ", "))
	}

	return cfg, nil
}

// Retry is the shared backoff policy for the database and Telegram
func (c Config) Retry() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.RetryMaxAttempts,
		InitialInterval: c.RetryInitialInterval,
		MaxInterval:     c.RetryMaxInterval,
	}
}

// resolveDriver normalizes DATABASE_DRIVER and infers it from the URL when unset
func resolveDriver(driver, url string) (string, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return storage.DriverSQLite, nil
	case "postgres", "postgresql", "pq":
		return storage.DriverPostgres, nil
	case "":
	default:
		return "", fmt.Errorf("unknown DATABASE_DRIVER %q", driver)
	}

	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") || strings.Contains(url, "host=") {
		return storage.DriverPostgres, nil
	}

	return storage.DriverSQLite, nil
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func durationOr(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return duration
}

func intOr(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
