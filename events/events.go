package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"git.skobk.in/skobkin/telegram-event-bot/actor"
	"git.skobk.in/skobkin/telegram-event-bot/storage"
)

const secretAttempts = 3

var (
	ErrUnauthorized = errors.New("not authorized for this channel")
	ErrLinkExpired  = errors.New("link expired")
	ErrNotFound     = errors.New("not found")
	ErrUnavailable  = errors.New("temporarily unavailable")
	ErrInvariant    = errors.New("internal inconsistency")
)

// Change is the kind of event modification announced to a channel
type Change int

const (
	Created Change = iota
	Updated
	Deleted
)

// Store is the part of the database broker the actor works with
type Store interface {
	SystemByChannel(ctx context.Context, channelID int64) (*storage.ChatSystem, error)
	SystemByID(ctx context.Context, id uint) (*storage.ChatSystem, error)
	SystemsForUser(ctx context.Context, userID int64) ([]storage.ChatSystem, error)
	IsMember(ctx context.Context, userID int64, systemID uint) (bool, error)
	CreateNewEventLink(ctx context.Context, userID int64, systemID uint, secret string, expiresAt time.Time) (*storage.NewEventLink, error)
	CreateEditEventLink(ctx context.Context, userID int64, eventID uint, secret string, expiresAt time.Time) (*storage.EditEventLink, error)
	LookupNewEventLink(ctx context.Context, secret string) (*storage.NewEventLink, error)
	LookupEditEventLink(ctx context.Context, secret string) (*storage.EditEventLink, error)
	RedeemNewEventLink(ctx context.Context, secret string, draft storage.EventDraft) (*storage.Event, error)
	RedeemEditEventLink(ctx context.Context, secret string, draft storage.EventDraft) (*storage.Event, error)
	RedeemDeleteEventLink(ctx context.Context, secret string) (*storage.Event, error)
	LookupEvent(ctx context.Context, id uint) (*storage.Event, error)
	DeleteEvent(ctx context.Context, id uint) (*storage.Event, error)
	EventsForMember(ctx context.Context, userID int64, since time.Time) ([]storage.Event, error)
}

// Cache answers membership questions from observed chat traffic
type Cache interface {
	ChannelsForUser(ctx context.Context, userID int64) ([]int64, error)
}

// Announcer publishes event changes. Implementations must not block.
type Announcer interface {
	Announce(change Change, event storage.Event, channelID int64)
}

type Config struct {
	BaseURL  string
	LinkTTL  time.Duration
	Timezone *time.Location
	Timeout  time.Duration
}

// LinkInfo describes an unused link for rendering its form
type LinkInfo struct {
	System    storage.ChatSystem
	Event     *storage.Event
	ExpiresAt time.Time
}

// Actor owns the one-time link workflows and event changes
type Actor struct {
	mailbox   *actor.Mailbox
	store     Store
	cache     Cache
	announcer Announcer
	cfg       Config
	now       func() time.Time
}

func New(store Store, cache Cache, cfg Config) *Actor {
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Actor{
		mailbox: actor.NewMailbox("events", cfg.Timeout),
		store:   store,
		cache:   cache,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetAnnouncer wires the channel announcer once the Telegram side exists
func (a *Actor) SetAnnouncer(announcer Announcer) {
	a.announcer = announcer
}

func (a *Actor) Run(ctx context.Context) {
	a.mailbox.Run(ctx)
}

// EligibleSystems lists the channels a user may create events for
func (a *Actor) EligibleSystems(ctx context.Context, userID int64) ([]storage.ChatSystem, error) {
	return actor.Ask(ctx, a.mailbox, func(ctx context.Context) ([]storage.ChatSystem, error) {
		channels, err := a.cache.ChannelsForUser(ctx, userID)
		if err != nil {
			return nil, translate(err)
		}

		var systems []storage.ChatSystem
		for _, channelID := range channels {
			system, err := a.store.SystemByChannel(ctx, channelID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, translate(err)
			}
			systems = append(systems, *system)
		}
		if len(systems) > 0 {
			return systems, nil
		}

		// The cache may be cold after a restart or a relink.
		systems, err = a.store.SystemsForUser(ctx, userID)
		if err != nil {
			return nil, translate(err)
		}

		return systems, nil
	})
}

// IssueNewEventLink returns a one-time creation URL for the channel
func (a *Actor) IssueNewEventLink(ctx context.Context, userID, channelID int64) (string, error) {
	return actor.Ask(ctx, a.mailbox, func(ctx context.Context) (string, error) {
		system, err := a.store.SystemByChannel(ctx, channelID)
		if err != nil {
			return "", translate(err)
		}
		if err := a.authorize(ctx, userID, system.ID); err != nil {
			return "", err
		}

		token, err := a.issue(func(secret string) error {
			_, err := a.store.CreateNewEventLink(ctx, userID, system.ID, secret, a.now().Add(a.cfg.LinkTTL))
			return err
		})
		if err != nil {
			return "", err
		}

		slog.Info("events: New event link issued", "user_id", userID, "channel_id", channelID)

		return a.cfg.BaseURL + "/events/new/" + token, nil
	})
}

// EditableEvents lists upcoming events the user may edit or delete
func (a *Actor) EditableEvents(ctx context.Context, userID int64) ([]storage.Event, error) {
	return actor.Ask(ctx, a.mailbox, func(ctx context.Context) ([]storage.Event, error) {
		events, err := a.store.EventsForMember(ctx, userID, a.now())
		if err != nil {
			return nil, translate(err)
		}
		return events, nil
	})
}

// IssueEditEventLink returns a one-time edit URL for the event
func (a *Actor) IssueEditEventLink(ctx context.Context, userID int64, eventID uint) (string, error) {
	return actor.Ask(ctx, a.mailbox, func(ctx context.Context) (string, error) {
		event, err := a.store.LookupEvent(ctx, eventID)
		if err != nil {
			return "", translate(err)
		}
		if err := a.authorize(ctx, userID, event.SystemID); err != nil {
			return "", err
		}

		token, err := a.issue(func(secret string) error {
			_, err := a.store.CreateEditEventLink(ctx, userID, event.ID, secret, a.now().Add(a.cfg.LinkTTL))
			return err
		})
		if err != nil {
			return "", err
		}

		slog.Info("events: Edit event link issued", "user_id", userID, "event_id", eventID)

		return a.cfg.BaseURL + "/events/edit/" + token, nil
	})
}

// DeleteEvent removes an event after checking membership in the database
func (a *Actor) DeleteEvent(ctx context.Context, userID int64, eventID uint) (*storage.Event, error) {
	return actor.Ask(ctx, a.mailbox, func(ctx context.Context) (*storage.Event, error) {
		event, err := a.store.LookupEvent(ctx, eventID)
		if err != nil {
			return nil, translate(err)
		}
		if err := a.authorize(ctx, userID, event.SystemID); err != nil {
			return nil, err
		}

		deleted, err := a.store.DeleteEvent(ctx, eventID)
		if err != nil {
			return nil, translate(err)
		}

		slog.Info("events: Event deleted", "user_id", userID, "event_id", eventID)
		a.announce(ctx, Deleted, deleted)

		return deleted, nil
	})
}

// InspectNewLink describes an unused creation link
func (a *Actor) InspectNewLink(ctx context.Context, token string) (*LinkInfo, error) {
	return actor.Ask(ctx, a.mailbox, func(ctx context.Context) (*LinkInfo, error) {
		link, err := a.store.LookupNewEventLink(ctx, hashToken(token))
		if err != nil {
			return nil, translate(err)
		}
		if link.Used || !link.ExpiresAt.After(a.now()) {
			return nil, ErrLinkExpired
		}

		system, err := a.store.SystemByID(ctx, link.SystemID)
		if err != nil {
			return nil, translate(err)
		}

		return &LinkInfo{System: *system, ExpiresAt: link.ExpiresAt}, nil
	})
}

// InspectEditLink describes an unused edit link together with its event
func (a *Actor) InspectEditLink(ctx context.Context, token string) (*LinkInfo, error) {
	return actor.Ask(ctx, a.mailbox, func(ctx context.Context) (*LinkInfo, error) {
		link, err := a.store.LookupEditEventLink(ctx, hashToken(token))
		if err != nil {
			return nil, translate(err)
		}
		if link.Used || !link.ExpiresAt.After(a.now()) {
			return nil, ErrLinkExpired
		}

		system, err := a.store.SystemByID(ctx, link.SystemID)
		if err != nil {
			return nil, translate(err)
		}
		event, err := a.store.LookupEvent(ctx, link.EventID)
		if err != nil {
			return nil, translate(err)
		}

		return &LinkInfo{System: *system, Event: event, ExpiresAt: link.ExpiresAt}, nil
	})
}

// SubmitNewEvent validates the payload, redeems the creation link and writes the event
func (a *Actor) SubmitNewEvent(ctx context.Context, token string, payload Payload) (*storage.Event, error) {
	return actor.Ask(ctx, a.mailbox, func(ctx context.Context) (*storage.Event, error) {
		draft, err := payload.Validate(a.cfg.Timezone)
		if err != nil {
			return nil, err
		}

		event, err := a.store.RedeemNewEventLink(ctx, hashToken(token), draft)
		if err != nil {
			return nil, translate(err)
		}

		slog.Info("events: Event created", "event_id", event.ID, "system_id", event.SystemID)
		a.announce(ctx, Created, event)

		return event, nil
	})
}

// SubmitEditEvent validates the payload, redeems the edit link and updates the event
func (a *Actor) SubmitEditEvent(ctx context.Context, token string, payload Payload) (*storage.Event, error) {
	return actor.Ask(ctx, a.mailbox, func(ctx context.Context) (*storage.Event, error) {
		draft, err := payload.Validate(a.cfg.Timezone)
		if err != nil {
			return nil, err
		}

		event, err := a.store.RedeemEditEventLink(ctx, hashToken(token), draft)
		if err != nil {
			return nil, translate(err)
		}

		slog.Info("events: Event updated", "event_id", event.ID, "system_id", event.SystemID)
		a.announce(ctx, Updated, event)

		return event, nil
	})
}

// SubmitDeleteEvent redeems the edit link to delete its event
func (a *Actor) SubmitDeleteEvent(ctx context.Context, token string) (*storage.Event, error) {
	return actor.Ask(ctx, a.mailbox, func(ctx context.Context) (*storage.Event, error) {
		event, err := a.store.RedeemDeleteEventLink(ctx, hashToken(token))
		if err != nil {
			return nil, translate(err)
		}

		slog.Info("events: Event deleted through link", "event_id", event.ID, "system_id", event.SystemID)
		a.announce(ctx, Deleted, event)

		return event, nil
	})
}

func (a *Actor) authorize(ctx context.Context, userID int64, systemID uint) error {
	member, err := a.store.IsMember(ctx, userID, systemID)
	if err != nil {
		return translate(err)
	}
	if !member {
		slog.Info("events: Unauthorized request", "user_id", userID, "system_id", systemID)
		return ErrUnauthorized
	}
	return nil
}

// issue generates a token and stores its hash, regenerating on the unlikely collision
func (a *Actor) issue(store func(secret string) error) (string, error) {
	for i := 0; i < secretAttempts; i++ {
		token, err := generateToken()
		if err != nil {
			return "", fmt.Errorf("failed to generate token: %w", err)
		}

		err = store(hashToken(token))
		if errors.Is(err, storage.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return "", translate(err)
		}

		return token, nil
	}

	return "", fmt.Errorf("%w: secret collisions", ErrInvariant)
}

func (a *Actor) announce(ctx context.Context, change Change, event *storage.Event) {
	if a.announcer == nil {
		return
	}

	system, err := a.store.SystemByID(ctx, event.SystemID)
	if err != nil {
		if change == Deleted && errors.Is(err, storage.ErrNotFound) {
			return
		}
		slog.Error("events: Cannot find channel to announce to", "error", err, "event_id", event.ID)
		return
	}

	a.announcer.Announce(change, *event, system.ChannelID)
}

// translate maps storage failures onto the errors callers present to users
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrLinkNotFound), errors.Is(err, storage.ErrLinkUsed), errors.Is(err, storage.ErrLinkExpired):
		return fmt.Errorf("%w: %w", ErrLinkExpired, err)
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, storage.ErrInvariant):
		slog.Error("events: Invariant violated", "error", err)
		return fmt.Errorf("%w: %w", ErrInvariant, err)
	case errors.Is(err, storage.ErrUnavailable), errors.Is(err, actor.ErrTimeout):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return err
}
