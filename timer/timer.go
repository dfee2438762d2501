package timer

import (
	"context"
	"log/slog"
	"time"

	"git.skobk.in/skobkin/telegram-event-bot/storage"
)

// Store is the part of the database broker the timer scans
type Store interface {
	DueEvents(ctx context.Context, now time.Time, soonWindow time.Duration) ([]storage.Event, error)
	ClaimNotification(ctx context.Context, eventID uint, threshold storage.Threshold) (bool, error)
	ReleaseNotification(ctx context.Context, eventID uint, threshold storage.Threshold) error
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// Notifier delivers a lifecycle notification and reports whether it reached anyone
type Notifier interface {
	NotifyLifecycle(ctx context.Context, event storage.Event, threshold storage.Threshold) error
}

type Config struct {
	Interval   time.Duration
	SoonWindow time.Duration
	// Retention keeps ended events around for a while, zero disables pruning
	Retention time.Duration
}

// Timer fires every crossed lifecycle threshold exactly once, in order.
// The fired state lives in the database so a restart neither repeats nor skips notifications.
type Timer struct {
	store    Store
	notifier Notifier
	cfg      Config
	now      func() time.Time
}

func New(store Store, notifier Notifier, cfg Config) *Timer {
	return &Timer{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run scans immediately and then on every tick until ctx is cancelled
func (t *Timer) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	slog.Info("timer: Started", "interval", t.cfg.Interval, "soon_window", t.cfg.SoonWindow)

	t.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("timer: Stopped")
			return
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

// Tick performs a single scan and returns the number of notifications sent
func (t *Timer) Tick(ctx context.Context) int {
	now := t.now()

	events, err := t.store.DueEvents(ctx, now, t.cfg.SoonWindow)
	if err != nil {
		slog.Error("timer: Failed to get due events", "error", err)
		return 0
	}

	sent := 0
	for i := range events {
		sent += t.fire(ctx, events[i], now)
	}

	if t.cfg.Retention > 0 {
		pruned, err := t.store.PruneEvents(ctx, now.Add(-t.cfg.Retention))
		if err != nil {
			slog.Error("timer: Failed to prune events", "error", err)
		} else if pruned > 0 {
			slog.Info("timer: Pruned ended events", "count", pruned)
		}
	}

	return sent
}

// fire walks the thresholds of one event chronologically and stops at the first
// one that is not due yet or could not be delivered.
func (t *Timer) fire(ctx context.Context, event storage.Event, now time.Time) int {
	sent := 0

	for _, threshold := range storage.Thresholds {
		if event.Notified(threshold) {
			continue
		}
		if !event.Due(threshold, now, t.cfg.SoonWindow) {
			break
		}

		claimed, err := t.store.ClaimNotification(ctx, event.ID, threshold)
		if err != nil {
			slog.Error("timer: Failed to claim notification", "error", err, "event_id", event.ID, "threshold", threshold.String())
			break
		}
		if !claimed {
			continue
		}

		if err := t.notifier.NotifyLifecycle(ctx, event, threshold); err != nil {
			slog.Warn("timer: Notification failed, will retry", "error", err, "event_id", event.ID, "threshold", threshold.String())

			if err := t.store.ReleaseNotification(ctx, event.ID, threshold); err != nil {
				slog.Error("timer: Failed to release notification", "error", err, "event_id", event.ID, "threshold", threshold.String())
			}
			break
		}

		slog.Info("timer: Notification sent", "event_id", event.ID, "threshold", threshold.String())
		sent++
	}

	return sent
}
