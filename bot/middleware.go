package bot

import (
	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegohandler"
	"log/slog"
	"strconv"
)

func (b *Bot) loggingMiddleware(bot *telego.Bot, update telego.Update, next telegohandler.Handler) {
	switch {
	case update.Message != nil:
		slog.Debug("bot: Message received",
			"update_id", update.UpdateID, "chat_id", update.Message.Chat.ID, "chat_type", update.Message.Chat.Type)
	case update.ChannelPost != nil:
		slog.Debug("bot: Channel post received", "update_id", update.UpdateID, "chat_id", update.ChannelPost.Chat.ID)
	case update.CallbackQuery != nil:
		slog.Debug("bot: Callback query received", "update_id", update.UpdateID, "user_id", update.CallbackQuery.From.ID)
	}

	next(bot, update)
}

// rateLimitMiddleware throttles commands and button presses per user.
// Plain group messages always pass so presence keeps being observed.
func (b *Bot) rateLimitMiddleware(bot *telego.Bot, update telego.Update, next telegohandler.Handler) {
	var (
		userID int64
		chatID int64
	)

	switch {
	case update.CallbackQuery != nil:
		userID = update.CallbackQuery.From.ID
		chatID = userID
	case update.Message != nil && update.Message.From != nil:
		if _, ok := parseCommand(update.Message.Text); !ok {
			next(bot, update)
			return
		}
		userID = update.Message.From.ID
		chatID = update.Message.Chat.ID
	default:
		next(bot, update)
		return
	}

	if !b.limiter.Allow(update.Context(), strconv.FormatInt(userID, 10)) {
		slog.Info("bot: Rate limit hit", "user_id", userID)

		if update.CallbackQuery != nil {
			_ = b.api.AnswerCallbackQuery(&telego.AnswerCallbackQueryParams{
				CallbackQueryID: update.CallbackQuery.ID,
				Text:            msgRateLimited,
			})
			return
		}
		b.sendMessage(update.Context(), chatID, msgRateLimited)
		return
	}

	next(bot, update)
}
