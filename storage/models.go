package storage

import (
	"time"
)

// User is a Telegram account observed in at least one tracked chat
type User struct {
	ID         uint  `gorm:"primaryKey"`
	TelegramID int64 `gorm:"uniqueIndex;not null"`
	Username   string
	Chats      []Chat `gorm:"many2many:user_chats;constraint:OnDelete:CASCADE"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Chat is a Telegram group chat, optionally linked to one ChatSystem
type Chat struct {
	ID         uint  `gorm:"primaryKey"`
	TelegramID int64 `gorm:"uniqueIndex;not null"`
	SystemID   *uint `gorm:"index"`
	CreatedAt  time.Time
}

// ChatSystem pairs an announcement channel with the chats allowed to create events for it
type ChatSystem struct {
	ID             uint  `gorm:"primaryKey"`
	ChannelID      int64 `gorm:"uniqueIndex;not null"`
	Title          string
	Chats          []Chat          `gorm:"foreignKey:SystemID;constraint:OnDelete:CASCADE"`
	Events         []Event         `gorm:"foreignKey:SystemID;constraint:OnDelete:CASCADE"`
	NewEventLinks  []NewEventLink  `gorm:"foreignKey:SystemID;constraint:OnDelete:CASCADE"`
	EditEventLinks []EditEventLink `gorm:"foreignKey:SystemID;constraint:OnDelete:CASCADE"`
	CreatedAt      time.Time
}

// Event is a scheduled happening. Times are stored in UTC, Timezone is used for display.
type Event struct {
	ID            uint   `gorm:"primaryKey"`
	SystemID      uint   `gorm:"index;not null"`
	Title         string `gorm:"not null"`
	Description   string
	StartAt       time.Time       `gorm:"index;not null"`
	EndAt         time.Time       `gorm:"index;not null"`
	Timezone      string          `gorm:"not null;default:UTC"`
	SoonNotified  bool            `gorm:"not null;default:false"`
	StartNotified bool            `gorm:"not null;default:false"`
	EndNotified   bool            `gorm:"not null;default:false"`
	Hosts         []User          `gorm:"many2many:event_hosts;constraint:OnDelete:CASCADE"`
	EditLinks     []EditEventLink `gorm:"foreignKey:EventID;constraint:OnDelete:CASCADE"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Location returns the event's display timezone, falling back to UTC
func (e *Event) Location() *time.Location {
	if e.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NewEventLink authorizes a single creation of an event in a ChatSystem.
// Secret holds a hash of the token handed to the user, never the token itself.
type NewEventLink struct {
	ID        uint   `gorm:"primaryKey"`
	Secret    string `gorm:"uniqueIndex;not null"`
	UserID    uint   `gorm:"index;not null"`
	SystemID  uint   `gorm:"index;not null"`
	Used      bool   `gorm:"not null;default:false"`
	ExpiresAt time.Time
	CreatedAt time.Time
}

// EditEventLink authorizes a single edit or deletion of an existing event
type EditEventLink struct {
	ID        uint   `gorm:"primaryKey"`
	Secret    string `gorm:"uniqueIndex;not null"`
	UserID    uint   `gorm:"index;not null"`
	SystemID  uint   `gorm:"index;not null"`
	EventID   uint   `gorm:"index;not null"`
	Used      bool   `gorm:"not null;default:false"`
	ExpiresAt time.Time
	CreatedAt time.Time
}

// EventDraft carries the user-editable fields of an event
type EventDraft struct {
	Title       string
	Description string
	StartAt     time.Time
	EndAt       time.Time
	Timezone    string
}

// ChatLink is one persisted chat to channel relation
type ChatLink struct {
	ChatID    int64
	ChannelID int64
}

// Membership is one observed user presence in a chat
type Membership struct {
	UserID int64
	ChatID int64
}

// Threshold is one of the lifecycle notifications of an event
type Threshold int

const (
	ThresholdSoon Threshold = iota
	ThresholdStart
	ThresholdEnd
)

// Thresholds lists every threshold in chronological order
var Thresholds = []Threshold{ThresholdSoon, ThresholdStart, ThresholdEnd}

func (t Threshold) String() string {
	switch t {
	case ThresholdSoon:
		return "soon"
	case ThresholdStart:
		return "start"
	case ThresholdEnd:
		return "end"
	default:
		return "unknown"
	}
}

func (t Threshold) column() string {
	switch t {
	case ThresholdSoon:
		return "soon_notified"
	case ThresholdStart:
		return "start_notified"
	default:
		return "end_notified"
	}
}

// Notified reports whether the event already fired the threshold
func (e *Event) Notified(t Threshold) bool {
	switch t {
	case ThresholdSoon:
		return e.SoonNotified
	case ThresholdStart:
		return e.StartNotified
	default:
		return e.EndNotified
	}
}

// Due reports whether the threshold has been crossed at now
func (e *Event) Due(t Threshold, now time.Time, soonWindow time.Duration) bool {
	switch t {
	case ThresholdSoon:
		return !e.StartAt.After(now.Add(soonWindow))
	case ThresholdStart:
		return !e.StartAt.After(now)
	default:
		return !e.EndAt.After(now)
	}
}
