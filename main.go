package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mymmrac/telego"

	"git.skobk.in/skobkin/telegram-event-bot/bot"
	"git.skobk.in/skobkin/telegram-event-bot/config"
	"git.skobk.in/skobkin/telegram-event-bot/db"
	"git.skobk.in/skobkin/telegram-event-bot/events"
	"git.skobk.in/skobkin/telegram-event-bot/ratelimit"
	"git.skobk.in/skobkin/telegram-event-bot/storage"
	"git.skobk.in/skobkin/telegram-event-bot/timer"
	"git.skobk.in/skobkin/telegram-event-bot/users"
	"git.skobk.in/skobkin/telegram-event-bot/web"
)

func main() {
	// Parse command-line flags
	verbose := flag.Bool("v", false, "Enable verbose logging (LevelInfo)")
	veryVerbose := flag.Bool("vv", false, "Enable very verbose logging (LevelDebug)")
	flag.Parse()

	setLogLevel(*verbose, *veryVerbose)

	slog.Debug("main: Command-line flags parsed", "verbose", *verbose, "very_verbose", *veryVerbose)

	if err := godotenv.Load(); err != nil {
		slog.Warn("main: Failed to load .env file", "error", err)
	} else {
		slog.Debug("main: Environment variables loaded from .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("main: Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Debug("main: Initializing storage", "driver", cfg.DatabaseDriver)
	store, err := storage.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		slog.Error("main: Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("main: Failed to close storage", "error", err)
		}
	}()

	api, err := telego.NewBot(cfg.BotToken, telego.WithDefaultLogger(false, true))
	if err != nil {
		slog.Error("main: Failed to initialize Telegram client", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	spawn := func(name string, run func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
			slog.Debug("main: Component stopped", "component", name)
		}()
	}

	broker := db.NewBroker(store, cfg.DBTimeout, cfg.Retry())
	spawn("db", broker.Run)

	cache := users.New(broker, cfg.UpdateTimeout)
	spawn("users", cache.Run)
	if err := cache.Warm(ctx); err != nil {
		slog.Warn("main: Membership cache starts cold", "error", err)
	}

	eventActor := events.New(broker, cache, events.Config{
		BaseURL:  cfg.WebBaseURL,
		LinkTTL:  cfg.LinkTTL,
		Timezone: cfg.DisplayTimezone,
		Timeout:  cfg.UpdateTimeout,
	})
	spawn("events", eventActor.Run)

	telegram := bot.New(api, cache, eventActor, broker, newLimiter(ctx, cfg), bot.Config{
		UpdateTimeout: cfg.UpdateTimeout,
		SendTimeout:   cfg.SendTimeout,
		Retry:         cfg.Retry(),
	})
	spawn("telegram", telegram.Actor)
	eventActor.SetAnnouncer(telegram)

	scheduler := timer.New(broker, telegram, timer.Config{
		Interval:   cfg.TimerInterval,
		SoonWindow: cfg.SoonWindow,
		Retention:  cfg.EventRetention,
	})
	spawn("timer", scheduler.Run)

	server := web.New(eventActor, broker, web.Config{
		ListenAddr:      cfg.WebListenAddr,
		Timezone:        cfg.DisplayTimezone,
		CalendarHistory: cfg.CalendarHistory,
	})
	spawn("web", func(ctx context.Context) {
		if err := server.Run(ctx); err != nil {
			slog.Error("main: Web server failed", "error", err)
			stop()
		}
	})

	slog.Info("main: Starting bot...")
	if err := telegram.Run(ctx); err != nil {
		slog.Error("main: Failed to run bot", "error", err)
		stop()
	}

	wg.Wait()
	slog.Info("main: Stopped")
}

// newLimiter prefers a shared Redis limiter and falls back to an in-process one
func newLimiter(ctx context.Context, cfg config.Config) ratelimit.Limiter {
	if cfg.InboundRateLimit == 0 {
		return ratelimit.Noop{}
	}
	if cfg.RedisURL == "" {
		return ratelimit.NewMemory(cfg.InboundRateLimit, time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	client, err := ratelimit.Connect(pingCtx, cfg.RedisURL)
	if err != nil {
		slog.Warn("main: Redis unavailable, using in-memory rate limiter", "error", err)
		return ratelimit.NewMemory(cfg.InboundRateLimit, time.Minute)
	}

	slog.Info("main: Using Redis rate limiter")
	return ratelimit.NewRedis(client, cfg.InboundRateLimit, time.Minute, "telegram-event-bot:inbound")
}

// setLogLevel configures the logging level based on the provided flags
func setLogLevel(verbose, veryVerbose bool) {
	logLevel := slog.LevelWarn // Default level
	if veryVerbose {
		logLevel = slog.LevelDebug
	} else if verbose {
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Debug("main: Log level set to", "level", logLevel.String())
}
