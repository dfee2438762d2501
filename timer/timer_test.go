package timer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"git.skobk.in/skobkin/telegram-event-bot/storage"
)

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []string
	fails int
}

func (f *fakeNotifier) NotifyLifecycle(ctx context.Context, event storage.Event, threshold storage.Threshold) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fails > 0 {
		f.fails--
		return errors.New("telegram is down")
	}
	f.sent = append(f.sent, fmt.Sprintf("%s:%s", event.Title, threshold))
	return nil
}

func (f *fakeNotifier) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

var start = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

// newStore creates one event from 10:00 to 14:00 under channel 100.
func newStore(t *testing.T) *storage.Storage {
	t.Helper()
	ctx := context.Background()

	s, err := storage.Open(storage.DriverSQLite, filepath.Join(t.TempDir(), "timer.sqlite"))
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	system, err := s.CreateChatSystem(ctx, 100, "Events")
	if err != nil {
		t.Fatalf("CreateChatSystem: %v", err)
	}
	if err := s.LinkChat(ctx, 100, 42); err != nil {
		t.Fatalf("LinkChat: %v", err)
	}
	if err := s.RecordPresence(ctx, 42, 7, "alice"); err != nil {
		t.Fatalf("RecordPresence: %v", err)
	}
	created := start.Add(-24 * time.Hour)
	if _, err := s.CreateNewEventLink(ctx, 7, system.ID, "secret", created.Add(time.Hour)); err != nil {
		t.Fatalf("CreateNewEventLink: %v", err)
	}
	_, err = s.RedeemNewEventLink(ctx, "secret", storage.EventDraft{
		Title:   "Picnic",
		StartAt: start,
		EndAt:   start.Add(4 * time.Hour),
	}, created)
	if err != nil {
		t.Fatalf("RedeemNewEventLink: %v", err)
	}

	return s
}

func newTimer(store Store, notifier Notifier, clock *time.Time) *Timer {
	tm := New(store, notifier, Config{Interval: time.Minute, SoonWindow: 30 * time.Minute})
	tm.now = func() time.Time { return *clock }
	return tm
}

func TestNotificationsFireOnceInOrder(t *testing.T) {
	store := newStore(t)
	notifier := &fakeNotifier{}
	clock := start.Add(-2 * time.Hour)
	tm := newTimer(store, notifier, &clock)
	ctx := context.Background()

	steps := []time.Duration{
		-2 * time.Hour,
		-20 * time.Minute,
		-10 * time.Minute,
		0,
		time.Hour,
		4 * time.Hour,
		5 * time.Hour,
	}
	for _, step := range steps {
		clock = start.Add(step)
		tm.Tick(ctx)
		tm.Tick(ctx)
	}

	want := []string{"Picnic:soon", "Picnic:start", "Picnic:end"}
	got := notifier.log()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestDelayedTickFiresAllThresholdsInOrder(t *testing.T) {
	store := newStore(t)
	notifier := &fakeNotifier{}
	clock := start.Add(6 * time.Hour)
	tm := newTimer(store, notifier, &clock)
	ctx := context.Background()

	if sent := tm.Tick(ctx); sent != 3 {
		t.Fatalf("expected 3 notifications, got %d", sent)
	}
	if sent := tm.Tick(ctx); sent != 0 {
		t.Fatalf("expected nothing on the next tick, got %d", sent)
	}

	want := []string{"Picnic:soon", "Picnic:start", "Picnic:end"}
	if got := notifier.log(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestFailedNotificationIsRetried(t *testing.T) {
	store := newStore(t)
	notifier := &fakeNotifier{fails: 1}
	clock := start.Add(time.Minute)
	tm := newTimer(store, notifier, &clock)
	ctx := context.Background()

	if sent := tm.Tick(ctx); sent != 0 {
		t.Fatalf("expected the failed soon notification to block the rest, got %d", sent)
	}
	if sent := tm.Tick(ctx); sent != 2 {
		t.Fatalf("expected soon and start on retry, got %d", sent)
	}

	want := []string{"Picnic:soon", "Picnic:start"}
	if got := notifier.log(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestRestartDoesNotRepeatNotifications(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	clock := start.Add(time.Minute)
	first := &fakeNotifier{}
	newTimer(store, first, &clock).Tick(ctx)

	second := &fakeNotifier{}
	newTimer(store, second, &clock).Tick(ctx)

	if len(first.log()) != 2 || len(second.log()) != 0 {
		t.Fatalf("expected notifications only before the restart, got %v and %v", first.log(), second.log())
	}
}

func TestPruneAfterRetention(t *testing.T) {
	store := newStore(t)
	notifier := &fakeNotifier{}
	clock := start.Add(30 * time.Hour)
	tm := New(store, notifier, Config{Interval: time.Minute, SoonWindow: 30 * time.Minute, Retention: 24 * time.Hour})
	tm.now = func() time.Time { return clock }
	ctx := context.Background()

	tm.Tick(ctx)

	system, err := store.SystemByChannel(ctx, 100)
	if err != nil {
		t.Fatalf("SystemByChannel: %v", err)
	}
	events, err := store.EventsForSystem(ctx, system.ID, time.Time{})
	if err != nil {
		t.Fatalf("EventsForSystem: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected the ended event to be pruned, got %d", len(events))
	}
}

func TestTitleEditDoesNotRepeatNotifications(t *testing.T) {
	store := newStore(t)
	notifier := &fakeNotifier{}
	clock := start.Add(-20 * time.Minute)
	tm := newTimer(store, notifier, &clock)
	ctx := context.Background()

	tm.Tick(ctx)

	system, err := store.SystemByChannel(ctx, 100)
	if err != nil {
		t.Fatalf("SystemByChannel: %v", err)
	}
	list, err := store.EventsForSystem(ctx, system.ID, time.Time{})
	if err != nil || len(list) != 1 {
		t.Fatalf("EventsForSystem: %v, %v", list, err)
	}
	event := list[0]

	if _, err := store.CreateEditEventLink(ctx, 7, event.ID, "edit", clock.Add(time.Hour)); err != nil {
		t.Fatalf("CreateEditEventLink: %v", err)
	}
	_, err = store.RedeemEditEventLink(ctx, "edit", storage.EventDraft{
		Title:   "Picnic!",
		StartAt: event.StartAt,
		EndAt:   event.EndAt,
	}, clock)
	if err != nil {
		t.Fatalf("RedeemEditEventLink: %v", err)
	}

	for _, step := range []time.Duration{-15 * time.Minute, 5 * time.Hour} {
		clock = start.Add(step)
		tm.Tick(ctx)
	}

	want := []string{"Picnic:soon", "Picnic!:start", "Picnic!:end"}
	if got := notifier.log(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestMovedStartNotifiesAgain(t *testing.T) {
	store := newStore(t)
	notifier := &fakeNotifier{}
	clock := start.Add(-20 * time.Minute)
	tm := newTimer(store, notifier, &clock)
	ctx := context.Background()

	tm.Tick(ctx)

	system, err := store.SystemByChannel(ctx, 100)
	if err != nil {
		t.Fatalf("SystemByChannel: %v", err)
	}
	list, err := store.EventsForSystem(ctx, system.ID, time.Time{})
	if err != nil || len(list) != 1 {
		t.Fatalf("EventsForSystem: %v, %v", list, err)
	}

	if _, err := store.CreateEditEventLink(ctx, 7, list[0].ID, "edit", clock.Add(time.Hour)); err != nil {
		t.Fatalf("CreateEditEventLink: %v", err)
	}
	_, err = store.RedeemEditEventLink(ctx, "edit", storage.EventDraft{
		Title:   "Picnic",
		StartAt: start.Add(2 * time.Hour),
		EndAt:   start.Add(4 * time.Hour),
	}, clock)
	if err != nil {
		t.Fatalf("RedeemEditEventLink: %v", err)
	}

	clock = start.Add(time.Hour + 45*time.Minute)
	tm.Tick(ctx)

	want := []string{"Picnic:soon", "Picnic:soon"}
	if got := notifier.log(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
