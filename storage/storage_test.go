package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	return s
}

// seedSystem creates channel 100 with chat 42 linked and user 7 seen in it.
func seedSystem(t *testing.T, s *Storage) *ChatSystem {
	t.Helper()
	ctx := context.Background()

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

	return system
}

func picnic() EventDraft {
	return EventDraft{
		Title:       "Picnic",
		Description: "Bring snacks",
		StartAt:     time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		EndAt:       time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC),
		Timezone:    "UTC",
	}
}

func TestCreateChatSystemIsUnique(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if _, err := s.CreateChatSystem(ctx, 100, "Events"); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	_, err := s.CreateChatSystem(ctx, 100, "Events")
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestSystemLookups(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	system := seedSystem(t, s)

	byChat, err := s.SystemByChat(ctx, 42)
	if err != nil {
		t.Fatalf("SystemByChat: %v", err)
	}
	if byChat.ID != system.ID {
		t.Fatalf("expected system %d, got %d", system.ID, byChat.ID)
	}

	if _, err := s.SystemByChat(ctx, 43); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unlinked chat, got %v", err)
	}

	systems, err := s.SystemsForUser(ctx, 7)
	if err != nil {
		t.Fatalf("SystemsForUser: %v", err)
	}
	if len(systems) != 1 || systems[0].ChannelID != 100 {
		t.Fatalf("unexpected systems for user: %+v", systems)
	}

	member, err := s.IsMember(ctx, 7, system.ID)
	if err != nil || !member {
		t.Fatalf("expected user 7 to be a member, got %v, %v", member, err)
	}
	member, err = s.IsMember(ctx, 8, system.ID)
	if err != nil || member {
		t.Fatalf("expected user 8 not to be a member, got %v, %v", member, err)
	}
}

func TestRecordPresenceIsIdempotent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	seedSystem(t, s)

	for i := 0; i < 3; i++ {
		if err := s.RecordPresence(ctx, 42, 7, "alice"); err != nil {
			t.Fatalf("RecordPresence: %v", err)
		}
	}

	memberships, err := s.Memberships(ctx)
	if err != nil {
		t.Fatalf("Memberships: %v", err)
	}
	if len(memberships) != 1 || memberships[0] != (Membership{UserID: 7, ChatID: 42}) {
		t.Fatalf("unexpected memberships: %+v", memberships)
	}
}

func TestUnlinkRevokesMembership(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	system := seedSystem(t, s)

	if err := s.UnlinkChat(ctx, 100, 42); err != nil {
		t.Fatalf("UnlinkChat: %v", err)
	}
	if err := s.UnlinkChat(ctx, 100, 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second unlink, got %v", err)
	}

	member, err := s.IsMember(ctx, 7, system.ID)
	if err != nil || member {
		t.Fatalf("expected no membership after unlink, got %v, %v", member, err)
	}

	links, err := s.ChatLinks(ctx)
	if err != nil {
		t.Fatalf("ChatLinks: %v", err)
	}
	if len(links) != 0 {
		t.Fatalf("expected no links, got %+v", links)
	}
}

func TestForgetPresence(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	system := seedSystem(t, s)

	if err := s.ForgetPresence(ctx, 42, 7); err != nil {
		t.Fatalf("ForgetPresence: %v", err)
	}
	member, err := s.IsMember(ctx, 7, system.ID)
	if err != nil || member {
		t.Fatalf("expected no membership, got %v, %v", member, err)
	}
	if err := s.ForgetPresence(ctx, 42, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
}

func TestRedeemNewEventLinkRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	system := seedSystem(t, s)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.CreateNewEventLink(ctx, 7, system.ID, "abc123", now.Add(time.Hour)); err != nil {
		t.Fatalf("CreateNewEventLink: %v", err)
	}

	draft := picnic()
	event, err := s.RedeemNewEventLink(ctx, "abc123", draft, now)
	if err != nil {
		t.Fatalf("RedeemNewEventLink: %v", err)
	}

	stored, err := s.LookupEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("LookupEvent: %v", err)
	}
	if stored.Title != draft.Title || stored.Description != draft.Description {
		t.Fatalf("unexpected text fields: %+v", stored)
	}
	if !stored.StartAt.Equal(draft.StartAt) || !stored.EndAt.Equal(draft.EndAt) {
		t.Fatalf("unexpected times: %v - %v", stored.StartAt, stored.EndAt)
	}
	if stored.SystemID != system.ID {
		t.Fatalf("expected system %d, got %d", system.ID, stored.SystemID)
	}
	if len(stored.Hosts) != 1 || stored.Hosts[0].TelegramID != 7 {
		t.Fatalf("expected user 7 as host, got %+v", stored.Hosts)
	}

	_, err = s.RedeemNewEventLink(ctx, "abc123", draft, now)
	if !errors.Is(err, ErrLinkUsed) {
		t.Fatalf("expected ErrLinkUsed on second redemption, got %v", err)
	}

	events, err := s.EventsForSystem(ctx, system.ID, now)
	if err != nil {
		t.Fatalf("EventsForSystem: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}
}

func TestRedeemRejectsUnknownAndExpiredLinks(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	system := seedSystem(t, s)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.RedeemNewEventLink(ctx, "missing", picnic(), now); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("expected ErrLinkNotFound, got %v", err)
	}

	if _, err := s.CreateNewEventLink(ctx, 7, system.ID, "old", now.Add(-time.Minute)); err != nil {
		t.Fatalf("CreateNewEventLink: %v", err)
	}
	if _, err := s.RedeemNewEventLink(ctx, "old", picnic(), now); !errors.Is(err, ErrLinkExpired) {
		t.Fatalf("expected ErrLinkExpired, got %v", err)
	}
}

func TestCreateLinkRejectsDuplicateSecret(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	system := seedSystem(t, s)
	expires := time.Now().Add(time.Hour)

	if _, err := s.CreateNewEventLink(ctx, 7, system.ID, "same", expires); err != nil {
		t.Fatalf("CreateNewEventLink: %v", err)
	}
	_, err := s.CreateNewEventLink(ctx, 7, system.ID, "same", expires)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestRedeemEditEventLinkResetsFutureFlags(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	system := seedSystem(t, s)
	now := time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC)

	if _, err := s.CreateNewEventLink(ctx, 7, system.ID, "new", now.Add(time.Hour)); err != nil {
		t.Fatalf("CreateNewEventLink: %v", err)
	}
	event, err := s.RedeemNewEventLink(ctx, "new", picnic(), now)
	if err != nil {
		t.Fatalf("RedeemNewEventLink: %v", err)
	}
	for _, th := range []Threshold{ThresholdSoon, ThresholdStart} {
		if ok, err := s.ClaimNotification(ctx, event.ID, th); err != nil || !ok {
			t.Fatalf("ClaimNotification(%s): %v, %v", th, ok, err)
		}
	}

	if _, err := s.CreateEditEventLink(ctx, 7, event.ID, "edit", now.Add(time.Hour)); err != nil {
		t.Fatalf("CreateEditEventLink: %v", err)
	}
	draft := picnic()
	draft.Title = "Picnic (moved)"
	draft.StartAt = now.Add(2 * time.Hour)
	draft.EndAt = now.Add(4 * time.Hour)

	updated, err := s.RedeemEditEventLink(ctx, "edit", draft, now)
	if err != nil {
		t.Fatalf("RedeemEditEventLink: %v", err)
	}
	if updated.Title != "Picnic (moved)" {
		t.Fatalf("title not updated: %q", updated.Title)
	}

	stored, err := s.LookupEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("LookupEvent: %v", err)
	}
	if stored.SoonNotified || stored.StartNotified || stored.EndNotified {
		t.Fatalf("expected flags to be reset, got %+v", stored)
	}
	if _, err := s.RedeemEditEventLink(ctx, "edit", draft, now); !errors.Is(err, ErrLinkUsed) {
		t.Fatalf("expected ErrLinkUsed, got %v", err)
	}
}

func TestRedeemDeleteEventLink(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	system := seedSystem(t, s)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.CreateNewEventLink(ctx, 7, system.ID, "new", now.Add(time.Hour)); err != nil {
		t.Fatalf("CreateNewEventLink: %v", err)
	}
	event, err := s.RedeemNewEventLink(ctx, "new", picnic(), now)
	if err != nil {
		t.Fatalf("RedeemNewEventLink: %v", err)
	}
	if _, err := s.CreateEditEventLink(ctx, 7, event.ID, "del", now.Add(time.Hour)); err != nil {
		t.Fatalf("CreateEditEventLink: %v", err)
	}

	deleted, err := s.RedeemDeleteEventLink(ctx, "del", now)
	if err != nil {
		t.Fatalf("RedeemDeleteEventLink: %v", err)
	}
	if deleted.Title != "Picnic" {
		t.Fatalf("unexpected deleted event: %+v", deleted)
	}
	if _, err := s.LookupEvent(ctx, event.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected event to be gone, got %v", err)
	}
	// The link was removed together with its event.
	if _, err := s.RedeemDeleteEventLink(ctx, "del", now); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("expected ErrLinkNotFound, got %v", err)
	}
}

func TestCreateEditLinkRequiresEvent(t *testing.T) {
	s := newTestStorage(t)
	seedSystem(t, s)

	_, err := s.CreateEditEventLink(context.Background(), 7, 999, "edit", time.Now().Add(time.Hour))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteChatSystemCascades(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	system := seedSystem(t, s)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.CreateNewEventLink(ctx, 7, system.ID, "new", now.Add(time.Hour)); err != nil {
		t.Fatalf("CreateNewEventLink: %v", err)
	}
	event, err := s.RedeemNewEventLink(ctx, "new", picnic(), now)
	if err != nil {
		t.Fatalf("RedeemNewEventLink: %v", err)
	}
	if _, err := s.CreateEditEventLink(ctx, 7, event.ID, "edit", now.Add(time.Hour)); err != nil {
		t.Fatalf("CreateEditEventLink: %v", err)
	}

	if err := s.DeleteChatSystem(ctx, 100); err != nil {
		t.Fatalf("DeleteChatSystem: %v", err)
	}

	if _, err := s.LookupEvent(ctx, event.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected event to cascade, got %v", err)
	}
	if _, err := s.LookupEditEventLink(ctx, "edit"); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("expected edit link to cascade, got %v", err)
	}
	if _, err := s.LookupNewEventLink(ctx, "new"); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("expected new link to cascade, got %v", err)
	}
	if _, err := s.SystemByChat(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected chat to cascade, got %v", err)
	}
	if err := s.DeleteChatSystem(ctx, 100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestDueEventsAndClaims(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	system := seedSystem(t, s)
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.CreateNewEventLink(ctx, 7, system.ID, "new", created.Add(time.Hour)); err != nil {
		t.Fatalf("CreateNewEventLink: %v", err)
	}
	event, err := s.RedeemNewEventLink(ctx, "new", picnic(), created)
	if err != nil {
		t.Fatalf("RedeemNewEventLink: %v", err)
	}

	window := 30 * time.Minute
	due, err := s.DueEvents(ctx, created, window)
	if err != nil {
		t.Fatalf("DueEvents: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected nothing due a month early, got %d", len(due))
	}

	soon := time.Date(2024, 6, 1, 9, 45, 0, 0, time.UTC)
	due, err = s.DueEvents(ctx, soon, window)
	if err != nil {
		t.Fatalf("DueEvents: %v", err)
	}
	if len(due) != 1 || due[0].ID != event.ID {
		t.Fatalf("expected the event to be due, got %+v", due)
	}

	ok, err := s.ClaimNotification(ctx, event.ID, ThresholdSoon)
	if err != nil || !ok {
		t.Fatalf("first claim should win: %v, %v", ok, err)
	}
	ok, err = s.ClaimNotification(ctx, event.ID, ThresholdSoon)
	if err != nil || ok {
		t.Fatalf("second claim should lose: %v, %v", ok, err)
	}

	due, err = s.DueEvents(ctx, soon, window)
	if err != nil {
		t.Fatalf("DueEvents: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected nothing due after claim, got %d", len(due))
	}

	if err := s.ReleaseNotification(ctx, event.ID, ThresholdSoon); err != nil {
		t.Fatalf("ReleaseNotification: %v", err)
	}
	ok, err = s.ClaimNotification(ctx, event.ID, ThresholdSoon)
	if err != nil || !ok {
		t.Fatalf("claim after release should win: %v, %v", ok, err)
	}
}

func TestPruneEvents(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	system := seedSystem(t, s)
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.CreateNewEventLink(ctx, 7, system.ID, "new", created.Add(time.Hour)); err != nil {
		t.Fatalf("CreateNewEventLink: %v", err)
	}
	event, err := s.RedeemNewEventLink(ctx, "new", picnic(), created)
	if err != nil {
		t.Fatalf("RedeemNewEventLink: %v", err)
	}

	pruned, err := s.PruneEvents(ctx, picnic().EndAt)
	if err != nil || pruned != 0 {
		t.Fatalf("expected nothing pruned at end time, got %d, %v", pruned, err)
	}

	pruned, err = s.PruneEvents(ctx, picnic().EndAt.Add(time.Hour))
	if err != nil || pruned != 1 {
		t.Fatalf("expected one pruned event, got %d, %v", pruned, err)
	}
	if _, err := s.LookupEvent(ctx, event.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected event to be pruned, got %v", err)
	}
	if _, err := s.LookupNewEventLink(ctx, "new"); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("expected expired link to be pruned, got %v", err)
	}
}

func TestEventsForMember(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	system := seedSystem(t, s)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.CreateNewEventLink(ctx, 7, system.ID, "new", now.Add(time.Hour)); err != nil {
		t.Fatalf("CreateNewEventLink: %v", err)
	}
	if _, err := s.RedeemNewEventLink(ctx, "new", picnic(), now); err != nil {
		t.Fatalf("RedeemNewEventLink: %v", err)
	}

	events, err := s.EventsForMember(ctx, 7, now)
	if err != nil {
		t.Fatalf("EventsForMember: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}

	events, err = s.EventsForMember(ctx, 8, now)
	if err != nil {
		t.Fatalf("EventsForMember: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events for a stranger, got %d", len(events))
	}
}
