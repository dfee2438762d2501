package config

import (
	"strings"
	"testing"
	"time"

	"git.skobk.in/skobkin/telegram-event-bot/storage"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_DRIVER", "")
	t.Setenv("WEB_BASE_URL", "https://events.example/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseDriver != storage.DriverSQLite || cfg.DatabaseURL != "data.sqlite" {
		t.Fatalf("unexpected database settings: %s %s", cfg.DatabaseDriver, cfg.DatabaseURL)
	}
	if cfg.WebBaseURL != "https://events.example" {
		t.Fatalf("expected trailing slash to be trimmed, got %q", cfg.WebBaseURL)
	}
	if cfg.SoonWindow != 30*time.Minute || cfg.DisplayTimezone != time.UTC {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if p := cfg.Retry(); p.MaxAttempts != 3 {
		t.Fatalf("unexpected retry policy: %+v", p)
	}
}

func TestLoadRequiresToken(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "TELEGRAM_BOT_TOKEN") {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("TIMER_INTERVAL", "-1s")
	t.Setenv("RETRY_MAX_ATTEMPTS", "0")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "TIMER_INTERVAL") || !strings.Contains(err.Error(), "RETRY_MAX_ATTEMPTS") {
		t.Fatalf("expected invalid values error, got %v", err)
	}
}

func TestLoadTimezone(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("DISPLAY_TIMEZONE", "Nowhere/City")

	if _, err := Load(); err == nil {
		t.Fatalf("expected unknown timezone to fail")
	}
}

func TestResolveDriver(t *testing.T) {
	cases := []struct {
		driver, url, want string
		fails             bool
	}{
		{"", "data.sqlite", storage.DriverSQLite, false},
		{"", "postgres://u:p@db/events", storage.DriverPostgres, false},
		{"", "host=db user=u dbname=events", storage.DriverPostgres, false},
		{"PostgreSQL", "whatever", storage.DriverPostgres, false},
		{"sqlite3", "postgres://ignored", storage.DriverSQLite, false},
		{"mysql", "", "", true},
	}

	for _, c := range cases {
		got, err := resolveDriver(c.driver, c.url)
		if c.fails {
			if err == nil {
				t.Fatalf("%q: expected an error", c.driver)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Fatalf("resolveDriver(%q, %q) = %q, %v; want %q", c.driver, c.url, got, err, c.want)
		}
	}
}
