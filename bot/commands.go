package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"git.skobk.in/skobkin/telegram-event-bot/events"
	"git.skobk.in/skobkin/telegram-event-bot/storage"
)

const (
	callbackNew    = "new"
	callbackEdit   = "edit"
	callbackDelete = "delete"
)

// handleChannelPost serves the commands that manage a chat system. Posting in a channel requires admin rights there.
func (b *Bot) handleChannelPost(ctx context.Context, post *telego.Message) {
	cmd, ok := parseCommand(post.Text)
	if !ok || !b.addressedToUs(cmd) {
		return
	}

	channelID := post.Chat.ID
	slog.Info("bot: Channel command", "command", cmd.name, "channel_id", channelID)

	switch cmd.name {
	case "init":
		b.initChannel(ctx, channelID, post.Chat.Title)
	case "link":
		b.linkChats(ctx, channelID, cmd.args)
	case "unlink":
		b.unlinkChats(ctx, channelID, cmd.args)
	case "deinit":
		b.deinitChannel(ctx, channelID)
	case "id":
		b.sendMessage(ctx, channelID, strconv.FormatInt(channelID, 10))
	case "events":
		b.listSystemEvents(ctx, channelID, channelID)
	default:
		b.sendMessage(ctx, channelID, msgHelp)
	}
}

func (b *Bot) initChannel(ctx context.Context, channelID int64, title string) {
	_, err := b.store.CreateChatSystem(ctx, channelID, title)
	switch {
	case errors.Is(err, storage.ErrAlreadyExists):
		b.sendMessage(ctx, channelID, msgAlreadyInitialized)
		return
	case err != nil:
		slog.Error("bot: Cannot create chat system", "error", err, "channel_id", channelID)
		b.sendMessage(ctx, channelID, msgTryAgain)
		return
	}

	if err := b.users.Refresh(ctx, channelID); err != nil {
		slog.Warn("bot: Cannot refresh membership cache", "error", err, "channel_id", channelID)
	}

	slog.Info("bot: Channel initialized", "channel_id", channelID, "title", title)
	b.sendMessage(ctx, channelID, msgInitialized)
}

func (b *Bot) deinitChannel(ctx context.Context, channelID int64) {
	system, err := b.store.SystemByChannel(ctx, channelID)
	if errors.Is(err, storage.ErrNotFound) {
		b.sendMessage(ctx, channelID, msgNotInitialized)
		return
	}
	if err != nil {
		slog.Error("bot: Cannot find chat system", "error", err, "channel_id", channelID)
		b.sendMessage(ctx, channelID, msgTryAgain)
		return
	}

	chats, err := b.store.LinkedChats(ctx, system.ID)
	if err != nil {
		slog.Error("bot: Cannot list linked chats", "error", err, "channel_id", channelID)
		b.sendMessage(ctx, channelID, msgTryAgain)
		return
	}

	if err := b.store.DeleteChatSystem(ctx, channelID); err != nil {
		slog.Error("bot: Cannot delete chat system", "error", err, "channel_id", channelID)
		b.sendMessage(ctx, channelID, msgTryAgain)
		return
	}

	// Chats and their memberships are deleted with the system, so the cache must forget them too.
	for _, chatID := range chats {
		if err := b.users.ForgetChat(ctx, chatID); err != nil {
			slog.Warn("bot: Cannot forget chat", "error", err, "chat_id", chatID)
		}
	}
	if err := b.users.Refresh(ctx, channelID); err != nil {
		slog.Warn("bot: Cannot refresh membership cache", "error", err, "channel_id", channelID)
	}

	slog.Info("bot: Channel removed", "channel_id", channelID)
	b.sendMessage(ctx, channelID, msgDeinitialized)
}

// linkChats attaches group chats to the channel. A chat qualifies only when it shares an administrator with the channel.
func (b *Bot) linkChats(ctx context.Context, channelID int64, args []string) {
	system, ok := b.channelSystem(ctx, channelID)
	if !ok {
		return
	}
	if len(args) == 0 {
		b.sendMessage(ctx, channelID, msgLinkUsage)
		return
	}

	channelAdmins, err := b.administrators(ctx, channelID)
	if err != nil {
		slog.Error("bot: Cannot read channel administrators", "error", err, "channel_id", channelID)
		b.sendMessage(ctx, channelID, msgTryAgain)
		return
	}

	var linked, problems []string
	for _, arg := range args {
		chatID, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			problems = append(problems, fmt.Sprintf("'%s' is not a chat id", arg))
			continue
		}

		chatAdmins, err := b.administrators(ctx, chatID)
		if err != nil {
			slog.Warn("bot: Cannot read chat administrators", "error", err, "chat_id", chatID)
			problems = append(problems, fmt.Sprintf("Cannot read administrators of %d, is the bot a member there?", chatID))
			continue
		}
		if !sharesAdmin(channelAdmins, chatAdmins) {
			problems = append(problems, fmt.Sprintf("Chat %d has no administrator in common with this channel", chatID))
			continue
		}

		if err := b.store.LinkChat(ctx, channelID, chatID); err != nil {
			slog.Error("bot: Cannot link chat", "error", err, "channel_id", channelID, "chat_id", chatID)
			problems = append(problems, fmt.Sprintf("Cannot link %d right now", chatID))
			continue
		}
		if err := b.users.Invalidate(ctx, chatID); err != nil {
			slog.Warn("bot: Cannot update membership cache", "error", err, "chat_id", chatID)
		}

		linked = append(linked, arg)
	}

	var sb strings.Builder
	if len(linked) > 0 {
		fmt.Fprintf(&sb, "Linked %s to: %s", systemLabel(*system), strings.Join(linked, ", "))
	}
	for _, p := range problems {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p)
	}

	b.sendMessage(ctx, channelID, sb.String())
}

func (b *Bot) unlinkChats(ctx context.Context, channelID int64, args []string) {
	if _, ok := b.channelSystem(ctx, channelID); !ok {
		return
	}
	if len(args) == 0 {
		b.sendMessage(ctx, channelID, msgUnlinkUsage)
		return
	}

	var unlinked, problems []string
	for _, arg := range args {
		chatID, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			problems = append(problems, fmt.Sprintf("'%s' is not a chat id", arg))
			continue
		}

		err = b.store.UnlinkChat(ctx, channelID, chatID)
		if errors.Is(err, storage.ErrNotFound) {
			problems = append(problems, fmt.Sprintf("Chat %d is not linked to this channel", chatID))
			continue
		}
		if err != nil {
			slog.Error("bot: Cannot unlink chat", "error", err, "channel_id", channelID, "chat_id", chatID)
			problems = append(problems, fmt.Sprintf("Cannot unlink %d right now", chatID))
			continue
		}
		if err := b.users.Invalidate(ctx, chatID); err != nil {
			slog.Warn("bot: Cannot update membership cache", "error", err, "chat_id", chatID)
		}

		unlinked = append(unlinked, arg)
	}

	var sb strings.Builder
	if len(unlinked) > 0 {
		fmt.Fprintf(&sb, "Unlinked: %s", strings.Join(unlinked, ", "))
	}
	for _, p := range problems {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p)
	}

	b.sendMessage(ctx, channelID, sb.String())
}

// channelSystem loads the chat system of a channel and answers in the channel when there is none
func (b *Bot) channelSystem(ctx context.Context, channelID int64) (*storage.ChatSystem, bool) {
	system, err := b.store.SystemByChannel(ctx, channelID)
	if errors.Is(err, storage.ErrNotFound) {
		b.sendMessage(ctx, channelID, msgNotInitialized)
		return nil, false
	}
	if err != nil {
		slog.Error("bot: Cannot find chat system", "error", err, "channel_id", channelID)
		b.sendMessage(ctx, channelID, msgTryAgain)
		return nil, false
	}

	return system, true
}

// administrators returns the human administrators of a chat
func (b *Bot) administrators(ctx context.Context, chatID int64) (map[int64]struct{}, error) {
	var members []telego.ChatMember
	err := b.cfg.Retry.Do(ctx, "get chat administrators", func(ctx context.Context) error {
		return b.withTimeout(ctx, func() error {
			var err error
			members, err = b.api.GetChatAdministrators(&telego.GetChatAdministratorsParams{ChatID: tu.ID(chatID)})
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	admins := make(map[int64]struct{}, len(members))
	for _, m := range members {
		user := m.MemberUser()
		if user.IsBot {
			continue
		}
		admins[user.ID] = struct{}{}
	}

	return admins, nil
}

func sharesAdmin(a, b map[int64]struct{}) bool {
	for id := range a {
		if _, ok := b[id]; ok {
			return true
		}
	}
	return false
}

// handlePrivateMessage serves the event workflows. They run in private chats so links are never posted publicly.
func (b *Bot) handlePrivateMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}
	userID := msg.From.ID
	chatID := msg.Chat.ID

	cmd, ok := parseCommand(msg.Text)
	if !ok {
		b.sendMessage(ctx, chatID, msgHelp)
		return
	}

	slog.Info("bot: Private command", "command", cmd.name, "user_id", userID)

	switch cmd.name {
	case "new":
		b.offerChannels(ctx, chatID, userID)
	case "edit":
		b.offerEvents(ctx, chatID, userID, callbackEdit, msgChooseEditEvent)
	case "delete":
		b.offerEvents(ctx, chatID, userID, callbackDelete, msgChooseDeleteEvent)
	case "events":
		b.listMemberEvents(ctx, chatID, userID)
	case "id":
		b.sendMessage(ctx, chatID, strconv.FormatInt(chatID, 10))
	default:
		b.sendMessage(ctx, chatID, msgHelp)
	}
}

func (b *Bot) offerChannels(ctx context.Context, chatID, userID int64) {
	systems, err := b.events.EligibleSystems(ctx, userID)
	if err != nil {
		slog.Error("bot: Cannot list eligible channels", "error", err, "user_id", userID)
		b.sendMessage(ctx, chatID, userMessage(err))
		return
	}
	if len(systems) == 0 {
		text := msgNoEligibleChannels
		if chats, err := b.users.ChatsForUser(ctx, userID); err == nil && len(chats) > 0 {
			text = msgNoLinkedChats
		}
		b.sendMessage(ctx, chatID, text)
		return
	}

	choices := make([]choice, 0, len(systems))
	for _, s := range systems {
		choices = append(choices, choice{label: systemLabel(s), data: fmt.Sprintf("%s:%d", callbackNew, s.ChannelID)})
	}

	if err := b.send(ctx, tu.Message(tu.ID(chatID), msgChooseChannel).WithReplyMarkup(createInlineKeyboard(choices))); err != nil {
		slog.Error("bot: Cannot send channel choice", "error", err, "user_id", userID)
	}
}

func (b *Bot) offerEvents(ctx context.Context, chatID, userID int64, action, prompt string) {
	list, err := b.events.EditableEvents(ctx, userID)
	if err != nil {
		slog.Error("bot: Cannot list editable events", "error", err, "user_id", userID)
		b.sendMessage(ctx, chatID, userMessage(err))
		return
	}
	if len(list) == 0 {
		b.sendMessage(ctx, chatID, msgNoEvents)
		return
	}

	choices := make([]choice, 0, len(list))
	for _, e := range list {
		choices = append(choices, choice{label: eventLabel(e), data: fmt.Sprintf("%s:%d", action, e.ID)})
	}

	if err := b.send(ctx, tu.Message(tu.ID(chatID), prompt).WithReplyMarkup(createInlineKeyboard(choices))); err != nil {
		slog.Error("bot: Cannot send event choice", "error", err, "user_id", userID)
	}
}

func (b *Bot) listMemberEvents(ctx context.Context, chatID, userID int64) {
	list, err := b.events.EditableEvents(ctx, userID)
	if err != nil {
		slog.Error("bot: Cannot list events", "error", err, "user_id", userID)
		b.sendMessage(ctx, chatID, userMessage(err))
		return
	}

	b.sendMessage(ctx, chatID, formatEventList(list))
}

// handleCallback serves inline keyboard choices. The query is always answered so the client stops its spinner.
func (b *Bot) handleCallback(ctx context.Context, query *telego.CallbackQuery) {
	defer b.answerCallback(ctx, query.ID)

	userID := query.From.ID
	action, value, _ := strings.Cut(query.Data, ":")

	slog.Info("bot: Callback", "action", action, "user_id", userID)

	switch action {
	case callbackNew:
		channelID, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			b.sendMessage(ctx, userID, msgUnknownChoice)
			return
		}

		url, err := b.events.IssueNewEventLink(ctx, userID, channelID)
		if err != nil {
			slog.Warn("bot: Cannot issue creation link", "error", err, "user_id", userID, "channel_id", channelID)
			b.sendMessage(ctx, userID, userMessage(err))
			return
		}
		b.sendMessage(ctx, userID, fmt.Sprintf(msgCreateLinkTemplate, url))

	case callbackEdit, callbackDelete:
		eventID, err := strconv.ParseUint(value, 10, 0)
		if err != nil {
			b.sendMessage(ctx, userID, msgUnknownChoice)
			return
		}

		if action == callbackEdit {
			url, err := b.events.IssueEditEventLink(ctx, userID, uint(eventID))
			if err != nil {
				slog.Warn("bot: Cannot issue edit link", "error", err, "user_id", userID, "event_id", eventID)
				b.sendMessage(ctx, userID, userMessage(err))
				return
			}
			b.sendMessage(ctx, userID, fmt.Sprintf(msgUpdateLinkTemplate, url))
			return
		}

		deleted, err := b.events.DeleteEvent(ctx, userID, uint(eventID))
		if err != nil {
			slog.Warn("bot: Cannot delete event", "error", err, "user_id", userID, "event_id", eventID)
			b.sendMessage(ctx, userID, userMessage(err))
			return
		}
		b.sendMessage(ctx, userID, fmt.Sprintf(msgEventDeletedTemplate, deleted.Title))

	default:
		b.sendMessage(ctx, userID, msgUnknownChoice)
	}
}

func (b *Bot) answerCallback(ctx context.Context, queryID string) {
	err := b.withTimeout(ctx, func() error {
		return b.api.AnswerCallbackQuery(tu.CallbackQuery(queryID))
	})
	if err != nil {
		slog.Warn("bot: Cannot answer callback query", "error", err)
	}
}

// userMessage picks the reply for a failed event operation
func userMessage(err error) string {
	switch {
	case errors.Is(err, events.ErrUnauthorized):
		return msgUnauthorized
	case errors.Is(err, events.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return msgEventGone
	default:
		return msgTryAgain
	}
}
