package bot

import (
	"context"
	"fmt"
	"log/slog"

	tu "github.com/mymmrac/telego/telegoutil"

	"git.skobk.in/skobkin/telegram-event-bot/actor"
	"git.skobk.in/skobkin/telegram-event-bot/events"
	"git.skobk.in/skobkin/telegram-event-bot/storage"
)

// NotifyLifecycle tells the channel and every linked chat that an event crossed a threshold.
// It fails with ErrNotDelivered only when no target received the message.
func (b *Bot) NotifyLifecycle(ctx context.Context, event storage.Event, threshold storage.Threshold) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.UpdateTimeout)
	defer cancel()

	return actor.Do(ctx, b.mailbox, func(ctx context.Context) error {
		return b.notifyLifecycle(ctx, event, threshold)
	})
}

func (b *Bot) notifyLifecycle(ctx context.Context, event storage.Event, threshold storage.Threshold) error {
	system, err := b.store.SystemByID(ctx, event.SystemID)
	if err != nil {
		return fmt.Errorf("cannot find channel of event %d: %w", event.ID, err)
	}

	chats, err := b.store.LinkedChats(ctx, system.ID)
	if err != nil {
		slog.Warn("bot: Cannot list linked chats, notifying channel only", "error", err, "system_id", system.ID)
	}

	text := lifecycleText(event, threshold)
	delivered := 0
	for _, chatID := range append([]int64{system.ChannelID}, chats...) {
		if err := b.send(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
			slog.Error("bot: Cannot deliver notification", "error", err,
				"chat_id", chatID, "event_id", event.ID, "threshold", threshold.String())
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return ErrNotDelivered
	}

	slog.Info("bot: Notification delivered", "event_id", event.ID, "threshold", threshold.String(), "targets", delivered)

	if threshold == storage.ThresholdEnd {
		b.sendSystemEvents(ctx, system.ChannelID, system)
	}

	return nil
}

func lifecycleText(event storage.Event, threshold storage.Threshold) string {
	switch threshold {
	case storage.ThresholdSoon:
		return fmt.Sprintf("Don't forget! %s is starting soon!", event.Title)
	case storage.ThresholdStart:
		return fmt.Sprintf("%s has started!", event.Title)
	default:
		return fmt.Sprintf("%s has ended!", event.Title)
	}
}

// Announce posts an event change to its channel without waiting for delivery
func (b *Bot) Announce(change events.Change, event storage.Event, channelID int64) {
	err := b.mailbox.Tell(func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.UpdateTimeout)
		defer cancel()

		b.sendMessage(ctx, channelID, announcementText(change, event))
	})
	if err != nil {
		slog.Warn("bot: Announcement dropped", "error", err, "event_id", event.ID, "channel_id", channelID)
	}
}

func announcementText(change events.Change, event storage.Event) string {
	switch change {
	case events.Created:
		return "New Event!\n" + formatEvent(event)
	case events.Updated:
		return "Event Updated!\n" + formatEvent(event)
	default:
		return fmt.Sprintf(msgEventDeletedTemplate, event.Title)
	}
}
