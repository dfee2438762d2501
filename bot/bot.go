package bot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"

	"git.skobk.in/skobkin/telegram-event-bot/actor"
	"git.skobk.in/skobkin/telegram-event-bot/ratelimit"
	"git.skobk.in/skobkin/telegram-event-bot/retry"
	"git.skobk.in/skobkin/telegram-event-bot/storage"
	"git.skobk.in/skobkin/telegram-event-bot/users"
)

var (
	ErrGetMe          = errors.New("cannot retrieve api user")
	ErrUpdatesChannel = errors.New("cannot get updates channel")
	ErrHandlerInit    = errors.New("cannot initialize handler")
	ErrNotDelivered   = errors.New("message was not delivered to any chat")
)

// API is the part of the Telegram Bot API the bot calls
type API interface {
	SendMessage(params *telego.SendMessageParams) (*telego.Message, error)
	AnswerCallbackQuery(params *telego.AnswerCallbackQueryParams) error
	GetChatAdministrators(params *telego.GetChatAdministratorsParams) ([]telego.ChatMember, error)
}

// Users is the membership cache
type Users interface {
	Observe(ctx context.Context, chatID, userID int64) (users.Presence, error)
	Forget(ctx context.Context, chatID, userID int64) (bool, error)
	ChatsForUser(ctx context.Context, userID int64) ([]int64, error)
	Invalidate(ctx context.Context, chatID int64) error
	ForgetChat(ctx context.Context, chatID int64) error
	Refresh(ctx context.Context, channelID int64) error
}

// Events owns the event workflows started from chat
type Events interface {
	EligibleSystems(ctx context.Context, userID int64) ([]storage.ChatSystem, error)
	IssueNewEventLink(ctx context.Context, userID, channelID int64) (string, error)
	EditableEvents(ctx context.Context, userID int64) ([]storage.Event, error)
	IssueEditEventLink(ctx context.Context, userID int64, eventID uint) (string, error)
	DeleteEvent(ctx context.Context, userID int64, eventID uint) (*storage.Event, error)
}

// Store is the part of the database broker the bot uses directly
type Store interface {
	CreateChatSystem(ctx context.Context, channelID int64, title string) (*storage.ChatSystem, error)
	DeleteChatSystem(ctx context.Context, channelID int64) error
	SystemByChannel(ctx context.Context, channelID int64) (*storage.ChatSystem, error)
	SystemByID(ctx context.Context, id uint) (*storage.ChatSystem, error)
	SystemByChat(ctx context.Context, chatID int64) (*storage.ChatSystem, error)
	LinkChat(ctx context.Context, channelID, chatID int64) error
	UnlinkChat(ctx context.Context, channelID, chatID int64) error
	LinkedChats(ctx context.Context, systemID uint) ([]int64, error)
	RecordPresence(ctx context.Context, chatID, userID int64, username string) error
	ForgetPresence(ctx context.Context, chatID, userID int64) error
	EventsForSystem(ctx context.Context, systemID uint, since time.Time) ([]storage.Event, error)
}

type Config struct {
	// UpdateTimeout bounds the handling of one inbound update
	UpdateTimeout time.Duration
	// SendTimeout bounds a single outbound API call
	SendTimeout time.Duration
	Retry       retry.Policy
}

// Bot routes Telegram updates and renders outbound messages.
// Updates, notifications and announcements are processed one at a time through its mailbox.
type Bot struct {
	tg       *telego.Bot
	api      API
	username string
	mailbox  *actor.Mailbox
	users    Users
	events   Events
	store    Store
	limiter  ratelimit.Limiter
	cfg      Config
	now      func() time.Time
}

func New(tg *telego.Bot, users Users, events Events, store Store, limiter ratelimit.Limiter, cfg Config) *Bot {
	b := newBot(tg, users, events, store, limiter, cfg)
	b.tg = tg

	return b
}

func newBot(api API, users Users, events Events, store Store, limiter ratelimit.Limiter, cfg Config) *Bot {
	if limiter == nil {
		limiter = ratelimit.Noop{}
	}
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = time.Minute
	}
	cfg.Retry.Retryable = isRetryableSendError

	return &Bot{
		api:     api,
		mailbox: actor.NewMailbox("telegram", 0),
		users:   users,
		events:  events,
		store:   store,
		limiter: limiter,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Actor runs the bot mailbox. It must be running before Run or any notification.
func (b *Bot) Actor(ctx context.Context) {
	b.mailbox.Run(ctx)
}

// Run receives updates by long polling until ctx is cancelled
func (b *Bot) Run(ctx context.Context) error {
	botUser, err := b.tg.GetMe()
	if err != nil {
		slog.Error("bot: Cannot retrieve api user", "error", err)

		return ErrGetMe
	}

	b.username = botUser.Username

	slog.Info("bot: Running api as",
		"id", botUser.ID,
		"username", botUser.Username,
		"name", botUser.FirstName,
	)

	updates, err := b.tg.UpdatesViaLongPolling(&telego.GetUpdatesParams{
		AllowedUpdates: []string{"message", "channel_post", "callback_query"},
	})
	if err != nil {
		slog.Error("bot: Cannot get update channel", "error", err)

		return ErrUpdatesChannel
	}

	bh, err := th.NewBotHandler(b.tg, updates)
	if err != nil {
		slog.Error("bot: Cannot initialize bot handler", "error", err)
		b.tg.StopLongPolling()

		return ErrHandlerInit
	}

	bh.Use(b.loggingMiddleware)
	bh.Use(b.rateLimitMiddleware)
	bh.Handle(b.updateHandler, th.Any())

	go bh.Start()

	<-ctx.Done()

	slog.Info("bot: Stopping long polling")
	bh.Stop()
	b.tg.StopLongPolling()

	return nil
}

func (b *Bot) updateHandler(_ *telego.Bot, update telego.Update) {
	if err := b.HandleUpdate(update.Context(), update); err != nil {
		slog.Error("bot: Failed to handle update", "error", err, "update_id", update.UpdateID)
	}
}

// HandleUpdate queues an update on the bot mailbox and waits until it is handled
func (b *Bot) HandleUpdate(ctx context.Context, update telego.Update) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.UpdateTimeout)
	defer cancel()

	return actor.Do(ctx, b.mailbox, func(ctx context.Context) error {
		b.dispatch(ctx, update)
		return nil
	})
}

func (b *Bot) dispatch(ctx context.Context, update telego.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.ChannelPost != nil:
		b.handleChannelPost(ctx, update.ChannelPost)
	case update.Message != nil:
		msg := update.Message
		if msg.Chat.Type == telego.ChatTypePrivate {
			b.handlePrivateMessage(ctx, msg)
		} else {
			b.handleGroupMessage(ctx, msg)
		}
	}
}
