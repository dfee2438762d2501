package bot

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/mymmrac/telego"

	"git.skobk.in/skobkin/telegram-event-bot/storage"
	"git.skobk.in/skobkin/telegram-event-bot/users"
)

// handleGroupMessage tracks who is present in a group chat and serves the group commands.
// Telegram offers no member list, so every message is a membership observation.
func (b *Bot) handleGroupMessage(ctx context.Context, msg *telego.Message) {
	chatID := msg.Chat.ID

	if msg.From != nil && !msg.From.IsBot {
		b.observeUser(ctx, chatID, *msg.From)
	}
	for _, u := range msg.NewChatMembers {
		if !u.IsBot {
			b.observeUser(ctx, chatID, u)
		}
	}
	if msg.LeftChatMember != nil {
		b.forgetUser(ctx, chatID, msg.LeftChatMember.ID)
	}

	cmd, ok := parseCommand(msg.Text)
	if !ok || !b.addressedToUs(cmd) {
		return
	}

	slog.Info("bot: Group command", "command", cmd.name, "chat_id", chatID)

	switch cmd.name {
	case "id":
		b.sendMessage(ctx, chatID, strconv.FormatInt(chatID, 10))
	case "events":
		b.listChatEvents(ctx, chatID)
	case "new", "edit", "delete":
		b.sendMessage(ctx, chatID, msgPrivateOnly)
	default:
		b.sendMessage(ctx, chatID, msgHelp)
	}
}

// observeUser persists a relation the cache has not seen yet. The cache entry is dropped again
// when the write fails so the next message retries it.
func (b *Bot) observeUser(ctx context.Context, chatID int64, user telego.User) {
	presence, err := b.users.Observe(ctx, chatID, user.ID)
	if err != nil {
		slog.Warn("bot: Cannot observe user", "error", err, "chat_id", chatID, "user_id", user.ID)
		return
	}
	if presence == users.KnownRelation {
		return
	}

	if err := b.store.RecordPresence(ctx, chatID, user.ID, user.Username); err != nil {
		slog.Error("bot: Cannot record presence", "error", err, "chat_id", chatID, "user_id", user.ID)
		if _, err := b.users.Forget(ctx, chatID, user.ID); err != nil {
			slog.Warn("bot: Cannot roll back membership cache", "error", err, "chat_id", chatID, "user_id", user.ID)
		}
		return
	}

	slog.Debug("bot: Presence recorded", "chat_id", chatID, "user_id", user.ID, "presence", presence.String())
}

func (b *Bot) forgetUser(ctx context.Context, chatID, userID int64) {
	if _, err := b.users.Forget(ctx, chatID, userID); err != nil {
		slog.Warn("bot: Cannot forget user", "error", err, "chat_id", chatID, "user_id", userID)
	}

	err := b.store.ForgetPresence(ctx, chatID, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		slog.Error("bot: Cannot remove presence", "error", err, "chat_id", chatID, "user_id", userID)
		return
	}

	slog.Info("bot: User left chat", "chat_id", chatID, "user_id", userID)
}

func (b *Bot) listChatEvents(ctx context.Context, chatID int64) {
	system, err := b.store.SystemByChat(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		b.sendMessage(ctx, chatID, msgNotLinked)
		return
	}
	if err != nil {
		slog.Error("bot: Cannot find chat system", "error", err, "chat_id", chatID)
		b.sendMessage(ctx, chatID, msgTryAgain)
		return
	}

	b.sendSystemEvents(ctx, chatID, system)
}

// listSystemEvents answers /events posted in a channel
func (b *Bot) listSystemEvents(ctx context.Context, chatID, channelID int64) {
	system, ok := b.channelSystem(ctx, channelID)
	if !ok {
		return
	}

	b.sendSystemEvents(ctx, chatID, system)
}

func (b *Bot) sendSystemEvents(ctx context.Context, chatID int64, system *storage.ChatSystem) {
	list, err := b.store.EventsForSystem(ctx, system.ID, b.now())
	if err != nil {
		slog.Error("bot: Cannot list events", "error", err, "system_id", system.ID)
		b.sendMessage(ctx, chatID, msgTryAgain)
		return
	}

	b.sendMessage(ctx, chatID, formatEventList(list))
}
