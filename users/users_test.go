package users

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"git.skobk.in/skobkin/telegram-event-bot/storage"
)

// fakeStore keeps chat to channel links in memory
type fakeStore struct {
	links       map[int64]int64
	memberships []storage.Membership
	fail        error
}

func newFakeStore() *fakeStore {
	return &fakeStore{links: make(map[int64]int64)}
}

func (f *fakeStore) ChatLinks(ctx context.Context) ([]storage.ChatLink, error) {
	var out []storage.ChatLink
	for chat, channel := range f.links {
		out = append(out, storage.ChatLink{ChatID: chat, ChannelID: channel})
	}
	return out, f.fail
}

func (f *fakeStore) Memberships(ctx context.Context) ([]storage.Membership, error) {
	return f.memberships, f.fail
}

func (f *fakeStore) SystemByChat(ctx context.Context, chatID int64) (*storage.ChatSystem, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	channel, ok := f.links[chatID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.ChatSystem{ID: uint(channel), ChannelID: channel}, nil
}

func (f *fakeStore) SystemByChannel(ctx context.Context, channelID int64) (*storage.ChatSystem, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	for _, channel := range f.links {
		if channel == channelID {
			return &storage.ChatSystem{ID: uint(channel), ChannelID: channel}, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) LinkedChats(ctx context.Context, systemID uint) ([]int64, error) {
	var out []int64
	for chat, channel := range f.links {
		if channel == int64(systemID) {
			out = append(out, chat)
		}
	}
	return out, f.fail
}

func startActor(t *testing.T, store Store) *Actor {
	t.Helper()

	a := New(store, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	t.Cleanup(cancel)

	return a
}

func TestObserveIsIdempotent(t *testing.T) {
	a := startActor(t, newFakeStore())
	ctx := context.Background()

	first, err := a.Observe(ctx, 42, 7)
	if err != nil || first != NewUser {
		t.Fatalf("expected NewUser, got %v, %v", first, err)
	}
	for i := 0; i < 5; i++ {
		p, err := a.Observe(ctx, 42, 7)
		if err != nil || p != KnownRelation {
			t.Fatalf("expected KnownRelation, got %v, %v", p, err)
		}
	}

	chats, err := a.ChatsForUser(ctx, 7)
	if err != nil {
		t.Fatalf("ChatsForUser: %v", err)
	}
	if !slices.Equal(chats, []int64{42}) {
		t.Fatalf("expected [42], got %v", chats)
	}

	p, err := a.Observe(ctx, 43, 7)
	if err != nil || p != NewRelation {
		t.Fatalf("expected NewRelation, got %v, %v", p, err)
	}
}

func TestAuthorizationFollowsLinks(t *testing.T) {
	store := newFakeStore()
	store.links[42] = 100
	a := startActor(t, store)
	ctx := context.Background()

	if _, err := a.Observe(ctx, 42, 7); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	ok, err := a.IsAuthorized(ctx, 7, 100)
	if err != nil || ok {
		t.Fatalf("expected no authorization before refresh, got %v, %v", ok, err)
	}

	if err := a.Refresh(ctx, 100); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	ok, err = a.IsAuthorized(ctx, 7, 100)
	if err != nil || !ok {
		t.Fatalf("expected authorization after refresh, got %v, %v", ok, err)
	}

	channels, err := a.ChannelsForUser(ctx, 7)
	if err != nil || !slices.Equal(channels, []int64{100}) {
		t.Fatalf("expected [100], got %v, %v", channels, err)
	}

	// Unlink in the database, then invalidate the chat.
	delete(store.links, 42)
	if err := a.Invalidate(ctx, 42); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	ok, err = a.IsAuthorized(ctx, 7, 100)
	if err != nil || ok {
		t.Fatalf("expected authorization to be revoked, got %v, %v", ok, err)
	}
}

func TestInvalidateFailureRevokes(t *testing.T) {
	store := newFakeStore()
	store.links[42] = 100
	a := startActor(t, store)
	ctx := context.Background()

	if err := a.Warm(ctx); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if _, err := a.Observe(ctx, 42, 7); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	store.fail = storage.ErrUnavailable
	if err := a.Invalidate(ctx, 42); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	ok, err := a.IsAuthorized(ctx, 7, 100)
	if err != nil || ok {
		t.Fatalf("expected no stale authorization, got %v, %v", ok, err)
	}
}

func TestWarmLoadsMemberships(t *testing.T) {
	store := newFakeStore()
	store.links[42] = 100
	store.memberships = []storage.Membership{{UserID: 7, ChatID: 42}, {UserID: 8, ChatID: 43}}
	a := startActor(t, store)
	ctx := context.Background()

	if err := a.Warm(ctx); err != nil {
		t.Fatalf("Warm: %v", err)
	}

	ok, err := a.IsAuthorized(ctx, 7, 100)
	if err != nil || !ok {
		t.Fatalf("expected user 7 to be authorized, got %v, %v", ok, err)
	}
	ok, err = a.IsAuthorized(ctx, 8, 100)
	if err != nil || ok {
		t.Fatalf("expected user 8 not to be authorized, got %v, %v", ok, err)
	}

	p, err := a.Observe(ctx, 42, 7)
	if err != nil || p != KnownRelation {
		t.Fatalf("expected warmed relation to be known, got %v, %v", p, err)
	}
}

func TestForget(t *testing.T) {
	a := startActor(t, newFakeStore())
	ctx := context.Background()

	_, _ = a.Observe(ctx, 42, 7)
	_, _ = a.Observe(ctx, 43, 7)

	gone, err := a.Forget(ctx, 42, 7)
	if err != nil || gone {
		t.Fatalf("expected user to remain in chat 43, got %v, %v", gone, err)
	}
	gone, err = a.Forget(ctx, 43, 7)
	if err != nil || !gone {
		t.Fatalf("expected user to have no chats left, got %v, %v", gone, err)
	}

	p, err := a.Observe(ctx, 42, 7)
	if err != nil || p != NewUser {
		t.Fatalf("expected forgotten user to be new again, got %v, %v", p, err)
	}
}

func TestStrangerHasNoChannels(t *testing.T) {
	store := newFakeStore()
	store.links[42] = 100
	a := startActor(t, store)
	ctx := context.Background()

	if err := a.Warm(ctx); err != nil {
		t.Fatalf("Warm: %v", err)
	}

	channels, err := a.ChannelsForUser(ctx, 99)
	if err != nil {
		t.Fatalf("ChannelsForUser: %v", err)
	}
	if len(channels) != 0 {
		t.Fatalf("expected no channels, got %v", channels)
	}
}

func TestForgetChatDropsPresence(t *testing.T) {
	store := newFakeStore()
	store.links[42] = 100
	a := startActor(t, store)
	ctx := context.Background()

	if err := a.Warm(ctx); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	_, _ = a.Observe(ctx, 42, 7)
	_, _ = a.Observe(ctx, 43, 8)
	_, _ = a.Observe(ctx, 42, 8)

	if err := a.ForgetChat(ctx, 42); err != nil {
		t.Fatalf("ForgetChat: %v", err)
	}

	if ok, _ := a.IsAuthorized(ctx, 7, 100); ok {
		t.Fatalf("expected no authorization through a forgotten chat")
	}
	if p, _ := a.Observe(ctx, 42, 7); p != NewUser {
		t.Fatalf("expected user 7 to be new again, got %v", p)
	}
	if p, _ := a.Observe(ctx, 42, 8); p != NewRelation {
		t.Fatalf("expected user 8 to get a new relation, got %v", p)
	}
}
