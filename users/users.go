package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"git.skobk.in/skobkin/telegram-event-bot/actor"
	"git.skobk.in/skobkin/telegram-event-bot/storage"
)

// Presence describes what an observation added to the cache
type Presence int

const (
	KnownRelation Presence = iota
	NewRelation
	NewUser
)

func (p Presence) String() string {
	switch p {
	case NewUser:
		return "new user"
	case NewRelation:
		return "new relation"
	default:
		return "known relation"
	}
}

// Store is the part of the database broker the cache reconciles against
type Store interface {
	ChatLinks(ctx context.Context) ([]storage.ChatLink, error)
	Memberships(ctx context.Context) ([]storage.Membership, error)
	SystemByChat(ctx context.Context, chatID int64) (*storage.ChatSystem, error)
	SystemByChannel(ctx context.Context, channelID int64) (*storage.ChatSystem, error)
	LinkedChats(ctx context.Context, systemID uint) ([]int64, error)
}

type set map[int64]struct{}

func (s set) sorted() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Actor owns the membership cache: which users were seen in which chats and
// which chats are linked to which channels. The database stays authoritative.
type Actor struct {
	mailbox *actor.Mailbox
	store   Store

	users    map[int64]set
	chats    map[int64]int64
	channels map[int64]set
}

func New(store Store, timeout time.Duration) *Actor {
	return &Actor{
		mailbox:  actor.NewMailbox("users", timeout),
		store:    store,
		users:    make(map[int64]set),
		chats:    make(map[int64]int64),
		channels: make(map[int64]set),
	}
}

func (a *Actor) Run(ctx context.Context) {
	a.mailbox.Run(ctx)
}

// Warm fills the cache from persisted links and memberships
func (a *Actor) Warm(ctx context.Context) error {
	return actor.Do(ctx, a.mailbox, func(ctx context.Context) error {
		links, err := a.store.ChatLinks(ctx)
		if err != nil {
			return fmt.Errorf("failed to load chat links: %w", err)
		}
		memberships, err := a.store.Memberships(ctx)
		if err != nil {
			return fmt.Errorf("failed to load memberships: %w", err)
		}

		for _, l := range links {
			a.link(l.ChatID, l.ChannelID)
		}
		for _, m := range memberships {
			a.observe(m.ChatID, m.UserID)
		}

		slog.Info("users: Cache warmed", "links", len(links), "memberships", len(memberships))

		return nil
	})
}

// Observe records that a user is present in a chat
func (a *Actor) Observe(ctx context.Context, chatID, userID int64) (Presence, error) {
	return actor.Ask(ctx, a.mailbox, func(ctx context.Context) (Presence, error) {
		return a.observe(chatID, userID), nil
	})
}

func (a *Actor) observe(chatID, userID int64) Presence {
	chats, ok := a.users[userID]
	if !ok {
		a.users[userID] = set{chatID: {}}
		return NewUser
	}
	if _, ok := chats[chatID]; ok {
		return KnownRelation
	}
	chats[chatID] = struct{}{}
	return NewRelation
}

// Forget removes a user from a chat and reports whether the user has no chats left
func (a *Actor) Forget(ctx context.Context, chatID, userID int64) (bool, error) {
	return actor.Ask(ctx, a.mailbox, func(ctx context.Context) (bool, error) {
		chats, ok := a.users[userID]
		if !ok {
			return true, nil
		}
		delete(chats, chatID)
		if len(chats) == 0 {
			delete(a.users, userID)
			return true, nil
		}
		return false, nil
	})
}

// ForgetChat drops a chat that no longer exists in the database, together with every presence in it
func (a *Actor) ForgetChat(ctx context.Context, chatID int64) error {
	return actor.Do(ctx, a.mailbox, func(ctx context.Context) error {
		a.unlink(chatID)
		for userID, chats := range a.users {
			delete(chats, chatID)
			if len(chats) == 0 {
				delete(a.users, userID)
			}
		}
		return nil
	})
}

// IsAuthorized reports whether the user was seen in a chat linked to the channel
func (a *Actor) IsAuthorized(ctx context.Context, userID, channelID int64) (bool, error) {
	return actor.Ask(ctx, a.mailbox, func(ctx context.Context) (bool, error) {
		for chatID := range a.users[userID] {
			if a.chats[chatID] == channelID {
				if _, ok := a.channels[channelID][chatID]; ok {
					return true, nil
				}
			}
		}
		return false, nil
	})
}

// ChatsForUser lists the chats the user was seen in
func (a *Actor) ChatsForUser(ctx context.Context, userID int64) ([]int64, error) {
	return actor.Ask(ctx, a.mailbox, func(ctx context.Context) ([]int64, error) {
		return a.users[userID].sorted(), nil
	})
}

// ChannelsForUser lists the channels linked to any chat the user was seen in
func (a *Actor) ChannelsForUser(ctx context.Context, userID int64) ([]int64, error) {
	return actor.Ask(ctx, a.mailbox, func(ctx context.Context) ([]int64, error) {
		channels := set{}
		for chatID := range a.users[userID] {
			if channelID, ok := a.chats[chatID]; ok {
				channels[channelID] = struct{}{}
			}
		}
		return channels.sorted(), nil
	})
}

// Invalidate reloads the channel a chat is linked to
func (a *Actor) Invalidate(ctx context.Context, chatID int64) error {
	return actor.Do(ctx, a.mailbox, func(ctx context.Context) error {
		system, err := a.store.SystemByChat(ctx, chatID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			a.unlink(chatID)
			slog.Debug("users: Chat is no longer linked", "chat_id", chatID)
			return nil
		case err != nil:
			// Unknown state must not keep granting access.
			a.unlink(chatID)
			return fmt.Errorf("failed to reload chat %d: %w", chatID, err)
		}

		a.link(chatID, system.ChannelID)
		return nil
	})
}

// Refresh reloads the whole set of chats linked to a channel
func (a *Actor) Refresh(ctx context.Context, channelID int64) error {
	return actor.Do(ctx, a.mailbox, func(ctx context.Context) error {
		system, err := a.store.SystemByChannel(ctx, channelID)
		if errors.Is(err, storage.ErrNotFound) {
			a.dropChannel(channelID)
			return nil
		}
		if err != nil {
			a.dropChannel(channelID)
			return fmt.Errorf("failed to reload channel %d: %w", channelID, err)
		}

		chats, err := a.store.LinkedChats(ctx, system.ID)
		if err != nil {
			a.dropChannel(channelID)
			return fmt.Errorf("failed to reload chats of channel %d: %w", channelID, err)
		}

		a.dropChannel(channelID)
		for _, chatID := range chats {
			a.link(chatID, channelID)
		}

		slog.Debug("users: Channel refreshed", "channel_id", channelID, "chats", len(chats))

		return nil
	})
}

func (a *Actor) link(chatID, channelID int64) {
	a.unlink(chatID)
	a.chats[chatID] = channelID
	if a.channels[channelID] == nil {
		a.channels[channelID] = set{}
	}
	a.channels[channelID][chatID] = struct{}{}
}

func (a *Actor) unlink(chatID int64) {
	channelID, ok := a.chats[chatID]
	if !ok {
		return
	}
	delete(a.chats, chatID)
	delete(a.channels[channelID], chatID)
	if len(a.channels[channelID]) == 0 {
		delete(a.channels, channelID)
	}
}

func (a *Actor) dropChannel(channelID int64) {
	for chatID := range a.channels[channelID] {
		delete(a.chats, chatID)
	}
	delete(a.channels, channelID)
}
