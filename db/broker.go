package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"git.skobk.in/skobkin/telegram-event-bot/actor"
	"git.skobk.in/skobkin/telegram-event-bot/retry"
	"git.skobk.in/skobkin/telegram-event-bot/storage"
)

// Broker serializes every database operation through a single mailbox.
// Callers retry transient failures from their own goroutine, one mailbox message per attempt.
type Broker struct {
	mailbox *actor.Mailbox
	store   *storage.Storage
	policy  retry.Policy
	now     func() time.Time
}

func NewBroker(store *storage.Storage, timeout time.Duration, policy retry.Policy) *Broker {
	policy.Retryable = IsTransient

	return &Broker{
		mailbox: actor.NewMailbox("db", timeout),
		store:   store,
		policy:  policy,
		now:     time.Now,
	}
}

// IsTransient reports whether a broker failure is worth retrying
func IsTransient(err error) bool {
	return storage.IsTransient(err) || errors.Is(err, actor.ErrTimeout)
}

func (b *Broker) Run(ctx context.Context) {
	b.mailbox.Run(ctx)
}

func call[T any](ctx context.Context, b *Broker, name string, fn func(ctx context.Context, s *storage.Storage) (T, error)) (T, error) {
	return callWith(ctx, b, b.policy, name, fn)
}

// redeem runs a link redemption. A timed out redemption may still have committed,
// so it is reported as unavailable instead of being retried into ErrLinkUsed.
func redeem[T any](ctx context.Context, b *Broker, name string, fn func(ctx context.Context, s *storage.Storage) (T, error)) (T, error) {
	policy := b.policy
	policy.Retryable = storage.IsTransient

	result, err := callWith(ctx, b, policy, name, fn)
	if errors.Is(err, actor.ErrTimeout) {
		slog.Warn("db: Redemption outcome unknown", "operation", name, "error", err)
		return result, fmt.Errorf("%s: %w: %w", name, storage.ErrUnavailable, err)
	}

	return result, err
}

func callWith[T any](ctx context.Context, b *Broker, policy retry.Policy, name string, fn func(ctx context.Context, s *storage.Storage) (T, error)) (T, error) {
	var result T

	err := policy.Do(ctx, "db: "+name, func(ctx context.Context) error {
		v, err := actor.Ask(ctx, b.mailbox, func(ctx context.Context) (T, error) {
			return fn(ctx, b.store)
		})
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		slog.Debug("db: Operation failed", "operation", name, "error", err)
		return result, err
	}

	return result, nil
}

func exec(ctx context.Context, b *Broker, name string, fn func(ctx context.Context, s *storage.Storage) error) error {
	_, err := call(ctx, b, name, func(ctx context.Context, s *storage.Storage) (struct{}, error) {
		return struct{}{}, fn(ctx, s)
	})

	return err
}

func (b *Broker) Ping(ctx context.Context) error {
	return exec(ctx, b, "ping", func(ctx context.Context, s *storage.Storage) error {
		return s.Ping(ctx)
	})
}

func (b *Broker) CreateChatSystem(ctx context.Context, channelID int64, title string) (*storage.ChatSystem, error) {
	return call(ctx, b, "create chat system", func(ctx context.Context, s *storage.Storage) (*storage.ChatSystem, error) {
		return s.CreateChatSystem(ctx, channelID, title)
	})
}

func (b *Broker) DeleteChatSystem(ctx context.Context, channelID int64) error {
	return exec(ctx, b, "delete chat system", func(ctx context.Context, s *storage.Storage) error {
		return s.DeleteChatSystem(ctx, channelID)
	})
}

func (b *Broker) SystemByChannel(ctx context.Context, channelID int64) (*storage.ChatSystem, error) {
	return call(ctx, b, "system by channel", func(ctx context.Context, s *storage.Storage) (*storage.ChatSystem, error) {
		return s.SystemByChannel(ctx, channelID)
	})
}

func (b *Broker) SystemByID(ctx context.Context, id uint) (*storage.ChatSystem, error) {
	return call(ctx, b, "system by id", func(ctx context.Context, s *storage.Storage) (*storage.ChatSystem, error) {
		return s.SystemByID(ctx, id)
	})
}

func (b *Broker) SystemByChat(ctx context.Context, chatID int64) (*storage.ChatSystem, error) {
	return call(ctx, b, "system by chat", func(ctx context.Context, s *storage.Storage) (*storage.ChatSystem, error) {
		return s.SystemByChat(ctx, chatID)
	})
}

func (b *Broker) SystemsForUser(ctx context.Context, userID int64) ([]storage.ChatSystem, error) {
	return call(ctx, b, "systems for user", func(ctx context.Context, s *storage.Storage) ([]storage.ChatSystem, error) {
		return s.SystemsForUser(ctx, userID)
	})
}

func (b *Broker) IsMember(ctx context.Context, userID int64, systemID uint) (bool, error) {
	return call(ctx, b, "is member", func(ctx context.Context, s *storage.Storage) (bool, error) {
		return s.IsMember(ctx, userID, systemID)
	})
}

func (b *Broker) LinkChat(ctx context.Context, channelID, chatID int64) error {
	return exec(ctx, b, "link chat", func(ctx context.Context, s *storage.Storage) error {
		return s.LinkChat(ctx, channelID, chatID)
	})
}

func (b *Broker) UnlinkChat(ctx context.Context, channelID, chatID int64) error {
	return exec(ctx, b, "unlink chat", func(ctx context.Context, s *storage.Storage) error {
		return s.UnlinkChat(ctx, channelID, chatID)
	})
}

func (b *Broker) LinkedChats(ctx context.Context, systemID uint) ([]int64, error) {
	return call(ctx, b, "linked chats", func(ctx context.Context, s *storage.Storage) ([]int64, error) {
		return s.LinkedChats(ctx, systemID)
	})
}

func (b *Broker) ChatLinks(ctx context.Context) ([]storage.ChatLink, error) {
	return call(ctx, b, "chat links", func(ctx context.Context, s *storage.Storage) ([]storage.ChatLink, error) {
		return s.ChatLinks(ctx)
	})
}

func (b *Broker) RecordPresence(ctx context.Context, chatID, userID int64, username string) error {
	return exec(ctx, b, "record presence", func(ctx context.Context, s *storage.Storage) error {
		return s.RecordPresence(ctx, chatID, userID, username)
	})
}

func (b *Broker) ForgetPresence(ctx context.Context, chatID, userID int64) error {
	return exec(ctx, b, "forget presence", func(ctx context.Context, s *storage.Storage) error {
		return s.ForgetPresence(ctx, chatID, userID)
	})
}

func (b *Broker) Memberships(ctx context.Context) ([]storage.Membership, error) {
	return call(ctx, b, "memberships", func(ctx context.Context, s *storage.Storage) ([]storage.Membership, error) {
		return s.Memberships(ctx)
	})
}

func (b *Broker) CreateNewEventLink(ctx context.Context, userID int64, systemID uint, secret string, expiresAt time.Time) (*storage.NewEventLink, error) {
	return call(ctx, b, "create new event link", func(ctx context.Context, s *storage.Storage) (*storage.NewEventLink, error) {
		return s.CreateNewEventLink(ctx, userID, systemID, secret, expiresAt)
	})
}

func (b *Broker) CreateEditEventLink(ctx context.Context, userID int64, eventID uint, secret string, expiresAt time.Time) (*storage.EditEventLink, error) {
	return call(ctx, b, "create edit event link", func(ctx context.Context, s *storage.Storage) (*storage.EditEventLink, error) {
		return s.CreateEditEventLink(ctx, userID, eventID, secret, expiresAt)
	})
}

func (b *Broker) LookupNewEventLink(ctx context.Context, secret string) (*storage.NewEventLink, error) {
	return call(ctx, b, "lookup new event link", func(ctx context.Context, s *storage.Storage) (*storage.NewEventLink, error) {
		return s.LookupNewEventLink(ctx, secret)
	})
}

func (b *Broker) LookupEditEventLink(ctx context.Context, secret string) (*storage.EditEventLink, error) {
	return call(ctx, b, "lookup edit event link", func(ctx context.Context, s *storage.Storage) (*storage.EditEventLink, error) {
		return s.LookupEditEventLink(ctx, secret)
	})
}

func (b *Broker) RedeemNewEventLink(ctx context.Context, secret string, draft storage.EventDraft) (*storage.Event, error) {
	return redeem(ctx, b, "redeem new event link", func(ctx context.Context, s *storage.Storage) (*storage.Event, error) {
		return s.RedeemNewEventLink(ctx, secret, draft, b.now())
	})
}

func (b *Broker) RedeemEditEventLink(ctx context.Context, secret string, draft storage.EventDraft) (*storage.Event, error) {
	return redeem(ctx, b, "redeem edit event link", func(ctx context.Context, s *storage.Storage) (*storage.Event, error) {
		return s.RedeemEditEventLink(ctx, secret, draft, b.now())
	})
}

func (b *Broker) RedeemDeleteEventLink(ctx context.Context, secret string) (*storage.Event, error) {
	return redeem(ctx, b, "redeem delete event link", func(ctx context.Context, s *storage.Storage) (*storage.Event, error) {
		return s.RedeemDeleteEventLink(ctx, secret, b.now())
	})
}

func (b *Broker) LookupEvent(ctx context.Context, id uint) (*storage.Event, error) {
	return call(ctx, b, "lookup event", func(ctx context.Context, s *storage.Storage) (*storage.Event, error) {
		return s.LookupEvent(ctx, id)
	})
}

func (b *Broker) DeleteEvent(ctx context.Context, id uint) (*storage.Event, error) {
	return call(ctx, b, "delete event", func(ctx context.Context, s *storage.Storage) (*storage.Event, error) {
		return s.DeleteEvent(ctx, id)
	})
}

func (b *Broker) EventsForSystem(ctx context.Context, systemID uint, since time.Time) ([]storage.Event, error) {
	return call(ctx, b, "events for system", func(ctx context.Context, s *storage.Storage) ([]storage.Event, error) {
		return s.EventsForSystem(ctx, systemID, since)
	})
}

func (b *Broker) EventsForMember(ctx context.Context, userID int64, since time.Time) ([]storage.Event, error) {
	return call(ctx, b, "events for member", func(ctx context.Context, s *storage.Storage) ([]storage.Event, error) {
		return s.EventsForMember(ctx, userID, since)
	})
}

func (b *Broker) DueEvents(ctx context.Context, now time.Time, soonWindow time.Duration) ([]storage.Event, error) {
	return call(ctx, b, "due events", func(ctx context.Context, s *storage.Storage) ([]storage.Event, error) {
		return s.DueEvents(ctx, now, soonWindow)
	})
}

func (b *Broker) ClaimNotification(ctx context.Context, eventID uint, threshold storage.Threshold) (bool, error) {
	return call(ctx, b, "claim notification", func(ctx context.Context, s *storage.Storage) (bool, error) {
		return s.ClaimNotification(ctx, eventID, threshold)
	})
}

func (b *Broker) ReleaseNotification(ctx context.Context, eventID uint, threshold storage.Threshold) error {
	return exec(ctx, b, "release notification", func(ctx context.Context, s *storage.Storage) error {
		return s.ReleaseNotification(ctx, eventID, threshold)
	})
}

func (b *Broker) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	return call(ctx, b, "prune events", func(ctx context.Context, s *storage.Storage) (int64, error) {
		return s.PruneEvents(ctx, before)
	})
}
