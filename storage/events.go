package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// CreateNewEventLink stores a creation link for a ChatSystem on behalf of a user
func (s *Storage) CreateNewEventLink(ctx context.Context, userID int64, systemID uint, secret string, expiresAt time.Time) (*NewEventLink, error) {
	var link NewEventLink
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		if err := tx.Where("telegram_id = ?", userID).First(&user).Error; err != nil {
			return err
		}

		link = NewEventLink{
			Secret:    secret,
			UserID:    user.ID,
			SystemID:  systemID,
			ExpiresAt: expiresAt.UTC(),
		}

		return tx.Create(&link).Error
	})
	if err != nil {
		slog.Error("storage: Failed to create new event link", "error", err, "user_id", userID, "system_id", systemID)
		return nil, fmt.Errorf("failed to create new event link: %w", classify(err))
	}

	return &link, nil
}

// CreateEditEventLink stores an edit link for an existing event on behalf of a user
func (s *Storage) CreateEditEventLink(ctx context.Context, userID int64, eventID uint, secret string, expiresAt time.Time) (*EditEventLink, error) {
	var link EditEventLink
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		if err := tx.Where("telegram_id = ?", userID).First(&user).Error; err != nil {
			return err
		}

		var event Event
		if err := tx.First(&event, eventID).Error; err != nil {
			return err
		}

		link = EditEventLink{
			Secret:    secret,
			UserID:    user.ID,
			SystemID:  event.SystemID,
			EventID:   event.ID,
			ExpiresAt: expiresAt.UTC(),
		}

		return tx.Create(&link).Error
	})
	if err != nil {
		slog.Error("storage: Failed to create edit event link", "error", err, "user_id", userID, "event_id", eventID)
		return nil, fmt.Errorf("failed to create edit event link: %w", classify(err))
	}

	return &link, nil
}

// LookupNewEventLink reads a creation link without changing it
func (s *Storage) LookupNewEventLink(ctx context.Context, secret string) (*NewEventLink, error) {
	var link NewEventLink
	if err := s.db.WithContext(ctx).Where("secret = ?", secret).First(&link).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, fmt.Errorf("failed to get new event link: %w", classify(err))
	}

	return &link, nil
}

// LookupEditEventLink reads an edit link without changing it
func (s *Storage) LookupEditEventLink(ctx context.Context, secret string) (*EditEventLink, error) {
	var link EditEventLink
	if err := s.db.WithContext(ctx).Where("secret = ?", secret).First(&link).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, fmt.Errorf("failed to get edit event link: %w", classify(err))
	}

	return &link, nil
}

// redeemLink flips used from false to true with a single conditional update.
// Only the caller that changed the row gets the link back.
func redeemLink[L NewEventLink | EditEventLink](tx *gorm.DB, secret string, now time.Time) (*L, error) {
	result := tx.Model(new(L)).
		Where("secret = ? AND used = ? AND expires_at > ?", secret, false, now.UTC()).
		Update("used", true)
	if result.Error != nil {
		return nil, result.Error
	}

	var link L
	if err := tx.Where("secret = ?", secret).First(&link).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, err
	}

	if result.RowsAffected != 1 {
		if linkUsed(&link) {
			return nil, ErrLinkUsed
		}
		return nil, ErrLinkExpired
	}

	return &link, nil
}

func linkUsed(link any) bool {
	switch l := link.(type) {
	case *NewEventLink:
		return l.Used
	case *EditEventLink:
		return l.Used
	}
	return false
}

// RedeemNewEventLink consumes a creation link and writes the event in the same transaction.
// The issuing user becomes the event host.
func (s *Storage) RedeemNewEventLink(ctx context.Context, secret string, draft EventDraft, now time.Time) (*Event, error) {
	if draft.EndAt.Before(draft.StartAt) {
		return nil, fmt.Errorf("event ends before it starts: %w", ErrInvariant)
	}

	var event Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		link, err := redeemLink[NewEventLink](tx, secret, now)
		if err != nil {
			return err
		}

		var host User
		if err := tx.First(&host, link.UserID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("link host %d is gone: %w", link.UserID, ErrInvariant)
			}
			return err
		}

		event = Event{SystemID: link.SystemID}
		applyDraft(&event, draft)
		if err := tx.Omit("Hosts").Create(&event).Error; err != nil {
			return err
		}

		return tx.Model(&event).Association("Hosts").Append(&host)
	})
	if err != nil {
		logRedeemFailure("new", err)
		return nil, fmt.Errorf("failed to redeem new event link: %w", classify(err))
	}

	return &event, nil
}

// RedeemEditEventLink consumes an edit link and updates its event in the same transaction.
// Notification flags are reset only for thresholds whose time changed and is not due yet.
func (s *Storage) RedeemEditEventLink(ctx context.Context, secret string, draft EventDraft, now time.Time) (*Event, error) {
	if draft.EndAt.Before(draft.StartAt) {
		return nil, fmt.Errorf("event ends before it starts: %w", ErrInvariant)
	}

	var event Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		link, err := redeemLink[EditEventLink](tx, secret, now)
		if err != nil {
			return err
		}

		if err := tx.First(&event, link.EventID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("event %d of edit link is gone: %w", link.EventID, ErrInvariant)
			}
			return err
		}

		startMoved := !event.StartAt.Equal(draft.StartAt.UTC().Truncate(time.Second))
		endMoved := !event.EndAt.Equal(draft.EndAt.UTC().Truncate(time.Second))

		applyDraft(&event, draft)
		if startMoved && event.StartAt.After(now) {
			event.SoonNotified = false
			event.StartNotified = false
		}
		if endMoved && event.EndAt.After(now) {
			event.EndNotified = false
		}

		return tx.Model(&event).
			Select("Title", "Description", "StartAt", "EndAt", "Timezone", "SoonNotified", "StartNotified", "EndNotified").
			Updates(&event).Error
	})
	if err != nil {
		logRedeemFailure("edit", err)
		return nil, fmt.Errorf("failed to redeem edit event link: %w", classify(err))
	}

	return &event, nil
}

// RedeemDeleteEventLink consumes an edit link and deletes its event
func (s *Storage) RedeemDeleteEventLink(ctx context.Context, secret string, now time.Time) (*Event, error) {
	var event Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		link, err := redeemLink[EditEventLink](tx, secret, now)
		if err != nil {
			return err
		}

		if err := tx.Preload("Hosts").First(&event, link.EventID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("event %d of edit link is gone: %w", link.EventID, ErrInvariant)
			}
			return err
		}

		return deleteEvent(tx, &event)
	})
	if err != nil {
		logRedeemFailure("delete", err)
		return nil, fmt.Errorf("failed to redeem delete event link: %w", classify(err))
	}

	return &event, nil
}

func logRedeemFailure(kind string, err error) {
	if errors.Is(err, ErrLinkNotFound) || errors.Is(err, ErrLinkUsed) || errors.Is(err, ErrLinkExpired) {
		slog.Info("storage: Link rejected", "kind", kind, "reason", err)
		return
	}
	slog.Error("storage: Failed to redeem link", "kind", kind, "error", err)
}

func applyDraft(event *Event, draft EventDraft) {
	event.Title = draft.Title
	event.Description = draft.Description
	event.StartAt = draft.StartAt.UTC().Truncate(time.Second)
	event.EndAt = draft.EndAt.UTC().Truncate(time.Second)
	event.Timezone = draft.Timezone
	if event.Timezone == "" {
		event.Timezone = "UTC"
	}
}

func deleteEvent(tx *gorm.DB, event *Event) error {
	result := tx.Select("Hosts").Delete(event)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// LookupEvent reads an event with its hosts
func (s *Storage) LookupEvent(ctx context.Context, id uint) (*Event, error) {
	var event Event
	if err := s.db.WithContext(ctx).Preload("Hosts").First(&event, id).Error; err != nil {
		return nil, fmt.Errorf("failed to get event: %w", classify(err))
	}

	return &event, nil
}

// DeleteEvent removes an event
func (s *Storage) DeleteEvent(ctx context.Context, id uint) (*Event, error) {
	var event Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("Hosts").First(&event, id).Error; err != nil {
			return err
		}
		return deleteEvent(tx, &event)
	})
	if err != nil {
		slog.Error("storage: Failed to delete event", "error", err, "event_id", id)
		return nil, fmt.Errorf("failed to delete event: %w", classify(err))
	}

	return &event, nil
}

// EventsForSystem lists events of a ChatSystem that have not ended before since
func (s *Storage) EventsForSystem(ctx context.Context, systemID uint, since time.Time) ([]Event, error) {
	var events []Event
	err := s.db.WithContext(ctx).Preload("Hosts").
		Where("system_id = ? AND end_at >= ?", systemID, since.UTC()).
		Order("start_at, id").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get events for system: %w", classify(err))
	}

	return events, nil
}

// EventsForMember lists events of every ChatSystem the user is a member of, that have not ended before since
func (s *Storage) EventsForMember(ctx context.Context, userID int64, since time.Time) ([]Event, error) {
	member := s.db.Table("chats").
		Select("chats.system_id").
		Joins("JOIN user_chats ON user_chats.chat_id = chats.id").
		Joins("JOIN users ON users.id = user_chats.user_id").
		Where("users.telegram_id = ? AND chats.system_id IS NOT NULL", userID)

	var events []Event
	err := s.db.WithContext(ctx).Preload("Hosts").
		Where("system_id IN (?) AND end_at >= ?", member, since.UTC()).
		Order("start_at, id").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get events for member: %w", classify(err))
	}

	return events, nil
}

// DueEvents lists events with at least one crossed threshold that has not fired yet
func (s *Storage) DueEvents(ctx context.Context, now time.Time, soonWindow time.Duration) ([]Event, error) {
	now = now.UTC()

	var events []Event
	err := s.db.WithContext(ctx).Preload("Hosts").
		Where("(soon_notified = ? AND start_at <= ?) OR (start_notified = ? AND start_at <= ?) OR (end_notified = ? AND end_at <= ?)",
			false, now.Add(soonWindow), false, now, false, now).
		Order("start_at, id").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get due events: %w", classify(err))
	}

	return events, nil
}

// ClaimNotification marks a threshold as fired. It returns false if another caller already did.
func (s *Storage) ClaimNotification(ctx context.Context, eventID uint, threshold Threshold) (bool, error) {
	result := s.db.WithContext(ctx).Model(&Event{}).
		Where("id = ? AND "+threshold.column()+" = ?", eventID, false).
		Update(threshold.column(), true)
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim %s notification: %w", threshold, classify(result.Error))
	}

	return result.RowsAffected == 1, nil
}

// ReleaseNotification undoes a claim so the threshold fires again on the next scan
func (s *Storage) ReleaseNotification(ctx context.Context, eventID uint, threshold Threshold) error {
	err := s.db.WithContext(ctx).Model(&Event{}).
		Where("id = ?", eventID).
		Update(threshold.column(), false).Error
	if err != nil {
		return fmt.Errorf("failed to release %s notification: %w", threshold, classify(err))
	}

	return nil
}

// PruneEvents deletes events that ended before the cutoff together with expired links
func (s *Storage) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	before = before.UTC()

	var pruned int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var events []Event
		if err := tx.Where("end_at < ?", before).Find(&events).Error; err != nil {
			return err
		}
		for i := range events {
			if err := deleteEvent(tx, &events[i]); err != nil {
				return err
			}
		}
		pruned = int64(len(events))

		if err := tx.Where("expires_at < ?", before).Delete(&NewEventLink{}).Error; err != nil {
			return err
		}
		return tx.Where("expires_at < ?", before).Delete(&EditEventLink{}).Error
	})
	if err != nil {
		slog.Error("storage: Failed to prune events", "error", err, "before", before)
		return 0, fmt.Errorf("failed to prune events: %w", classify(err))
	}

	return pruned, nil
}
