package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrLinkNotFound  = errors.New("link not found")
	ErrLinkUsed      = errors.New("link already used")
	ErrLinkExpired   = errors.New("link expired")
	ErrUnavailable   = errors.New("database unavailable")
	ErrInvariant     = errors.New("invariant violated")
	ErrUnknownDriver = errors.New("unknown database driver")
)

type Storage struct {
	db *gorm.DB
}

// Open connects to the database and migrates the schema
func Open(driverName, dsn string) (*Storage, error) {
	var dialector gorm.Dialector
	switch driverName {
	case DriverSQLite, "":
		dialector = sqlite.Open(sqliteDSN(dsn))
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driverName)
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		slog.Error("storage: Failed to connect to database", "error", err, "driver", driverName)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driverName != DriverPostgres {
		// SQLite allows a single writer, queue everything on one connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access connection pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}

	return s, nil
}

func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "data.sqlite"
	}
	if strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "_fk") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_foreign_keys=on"
	}
	return dsn + "?_foreign_keys=on"
}

func (s *Storage) migrate() error {
	err := s.db.AutoMigrate(&ChatSystem{}, &User{}, &Chat{}, &Event{}, &NewEventLink{}, &EditEventLink{})
	if err != nil {
		slog.Error("storage: Failed to migrate database", "error", err)
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	return nil
}

// Close releases the connection pool
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database answers
func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return classify(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// classify maps driver errors onto the storage error taxonomy
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrLinkNotFound),
		errors.Is(err, ErrLinkUsed), errors.Is(err, ErrLinkExpired), errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrInvariant):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return fmt.Errorf("%w: %w", ErrInvariant, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.Is(err, driver.ErrBadConn):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"), strings.Contains(msg, "duplicate key"):
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"), strings.Contains(msg, "violates foreign key"):
		return fmt.Errorf("%w: %w", ErrInvariant, err)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "sql: database is closed"), strings.Contains(msg, "broken pipe"):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return err
}

// IsTransient reports whether an operation may succeed when retried
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// CreateChatSystem registers a channel
func (s *Storage) CreateChatSystem(ctx context.Context, channelID int64, title string) (*ChatSystem, error) {
	system := ChatSystem{ChannelID: channelID, Title: title}

	if err := s.db.WithContext(ctx).Create(&system).Error; err != nil {
		slog.Error("storage: Failed to create chat system", "error", err, "channel_id", channelID)
		return nil, fmt.Errorf("failed to create chat system: %w", classify(err))
	}

	return &system, nil
}

// DeleteChatSystem removes a channel with every chat, event and link attached to it
func (s *Storage) DeleteChatSystem(ctx context.Context, channelID int64) error {
	result := s.db.WithContext(ctx).Where("channel_id = ?", channelID).Delete(&ChatSystem{})
	if result.Error != nil {
		slog.Error("storage: Failed to delete chat system", "error", result.Error, "channel_id", channelID)
		return fmt.Errorf("failed to delete chat system: %w", classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("chat system %d: %w", channelID, ErrNotFound)
	}

	return nil
}

// SystemByChannel finds a ChatSystem by its channel id
func (s *Storage) SystemByChannel(ctx context.Context, channelID int64) (*ChatSystem, error) {
	var system ChatSystem
	if err := s.db.WithContext(ctx).Where("channel_id = ?", channelID).First(&system).Error; err != nil {
		return nil, fmt.Errorf("failed to get chat system by channel: %w", classify(err))
	}

	return &system, nil
}

// SystemByID finds a ChatSystem by its primary key
func (s *Storage) SystemByID(ctx context.Context, id uint) (*ChatSystem, error) {
	var system ChatSystem
	if err := s.db.WithContext(ctx).First(&system, id).Error; err != nil {
		return nil, fmt.Errorf("failed to get chat system: %w", classify(err))
	}

	return &system, nil
}

// SystemByChat finds the ChatSystem a group chat is linked to
func (s *Storage) SystemByChat(ctx context.Context, chatID int64) (*ChatSystem, error) {
	var system ChatSystem
	err := s.db.WithContext(ctx).
		Joins("JOIN chats ON chats.system_id = chat_systems.id").
		Where("chats.telegram_id = ?", chatID).
		First(&system).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get chat system by chat: %w", classify(err))
	}

	return &system, nil
}

// SystemsForUser lists the ChatSystems linked to any chat the user was seen in
func (s *Storage) SystemsForUser(ctx context.Context, userID int64) ([]ChatSystem, error) {
	var systems []ChatSystem
	err := s.db.WithContext(ctx).
		Distinct("chat_systems.*").
		Joins("JOIN chats ON chats.system_id = chat_systems.id").
		Joins("JOIN user_chats ON user_chats.chat_id = chats.id").
		Joins("JOIN users ON users.id = user_chats.user_id").
		Where("users.telegram_id = ?", userID).
		Order("chat_systems.id").
		Find(&systems).Error
	if err != nil {
		slog.Error("storage: Failed to get systems for user", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to get systems for user: %w", classify(err))
	}

	return systems, nil
}

// IsMember reports whether the user was seen in a chat currently linked to the ChatSystem
func (s *Storage) IsMember(ctx context.Context, userID int64, systemID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Table("user_chats").
		Joins("JOIN users ON users.id = user_chats.user_id").
		Joins("JOIN chats ON chats.id = user_chats.chat_id").
		Where("users.telegram_id = ? AND chats.system_id = ?", userID, systemID).
		Count(&count).Error
	if err != nil {
		slog.Error("storage: Failed to check membership", "error", err, "user_id", userID, "system_id", systemID)
		return false, fmt.Errorf("failed to check membership: %w", classify(err))
	}

	return count > 0, nil
}

// LinkChat attaches a group chat to a channel, moving it away from any previous channel
func (s *Storage) LinkChat(ctx context.Context, channelID, chatID int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var system ChatSystem
		if err := tx.Where("channel_id = ?", channelID).First(&system).Error; err != nil {
			return err
		}

		chat, err := ensureChat(tx, chatID)
		if err != nil {
			return err
		}

		return tx.Model(chat).Update("system_id", system.ID).Error
	})
	if err != nil {
		slog.Error("storage: Failed to link chat", "error", err, "channel_id", channelID, "chat_id", chatID)
		return fmt.Errorf("failed to link chat: %w", classify(err))
	}

	return nil
}

// UnlinkChat detaches a group chat from a channel
func (s *Storage) UnlinkChat(ctx context.Context, channelID, chatID int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var system ChatSystem
		if err := tx.Where("channel_id = ?", channelID).First(&system).Error; err != nil {
			return err
		}

		result := tx.Model(&Chat{}).
			Where("telegram_id = ? AND system_id = ?", chatID, system.ID).
			Update("system_id", nil)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}

		return nil
	})
	if err != nil {
		slog.Error("storage: Failed to unlink chat", "error", err, "channel_id", channelID, "chat_id", chatID)
		return fmt.Errorf("failed to unlink chat: %w", classify(err))
	}

	return nil
}

// LinkedChats lists the Telegram ids of chats linked to a ChatSystem
func (s *Storage) LinkedChats(ctx context.Context, systemID uint) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&Chat{}).
		Where("system_id = ?", systemID).
		Order("telegram_id").
		Pluck("telegram_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get linked chats: %w", classify(err))
	}

	return ids, nil
}

// ChatLinks lists every persisted chat to channel relation
func (s *Storage) ChatLinks(ctx context.Context) ([]ChatLink, error) {
	var links []ChatLink
	err := s.db.WithContext(ctx).Model(&Chat{}).
		Select("chats.telegram_id AS chat_id, chat_systems.channel_id AS channel_id").
		Joins("JOIN chat_systems ON chat_systems.id = chats.system_id").
		Scan(&links).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get chat links: %w", classify(err))
	}

	return links, nil
}

// RecordPresence persists that a user was seen in a chat
func (s *Storage) RecordPresence(ctx context.Context, chatID, userID int64, username string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := ensureUser(tx, userID, username)
		if err != nil {
			return err
		}

		chat, err := ensureChat(tx, chatID)
		if err != nil {
			return err
		}

		return tx.Model(user).Association("Chats").Append(chat)
	})
	if err != nil {
		slog.Error("storage: Failed to record presence", "error", err, "chat_id", chatID, "user_id", userID)
		return fmt.Errorf("failed to record presence: %w", classify(err))
	}

	return nil
}

// ForgetPresence removes a user from a chat, the user row itself is kept
func (s *Storage) ForgetPresence(ctx context.Context, chatID, userID int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		if err := tx.Where("telegram_id = ?", userID).First(&user).Error; err != nil {
			return err
		}

		var chat Chat
		if err := tx.Where("telegram_id = ?", chatID).First(&chat).Error; err != nil {
			return err
		}

		return tx.Model(&user).Association("Chats").Delete(&chat)
	})
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			slog.Error("storage: Failed to forget presence", "error", err, "chat_id", chatID, "user_id", userID)
		}
		return fmt.Errorf("failed to forget presence: %w", classify(err))
	}

	return nil
}

// Memberships lists every persisted user presence
func (s *Storage) Memberships(ctx context.Context) ([]Membership, error) {
	var memberships []Membership
	err := s.db.WithContext(ctx).Table("user_chats").
		Select("users.telegram_id AS user_id, chats.telegram_id AS chat_id").
		Joins("JOIN users ON users.id = user_chats.user_id").
		Joins("JOIN chats ON chats.id = user_chats.chat_id").
		Scan(&memberships).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get memberships: %w", classify(err))
	}

	return memberships, nil
}

func ensureUser(tx *gorm.DB, telegramID int64, username string) (*User, error) {
	user := User{TelegramID: telegramID, Username: username}
	onConflict := clause.OnConflict{Columns: []clause.Column{{Name: "telegram_id"}}, DoNothing: true}
	if username != "" {
		onConflict = clause.OnConflict{
			Columns:   []clause.Column{{Name: "telegram_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "updated_at"}),
		}
	}
	if err := tx.Clauses(onConflict).Create(&user).Error; err != nil {
		return nil, err
	}

	// The insert may have been a no-op, read the row back for its primary key.
	var stored User
	if err := tx.Where("telegram_id = ?", telegramID).First(&stored).Error; err != nil {
		return nil, err
	}

	return &stored, nil
}

func ensureChat(tx *gorm.DB, telegramID int64) (*Chat, error) {
	chat := Chat{TelegramID: telegramID}
	err := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "telegram_id"}}, DoNothing: true}).
		Create(&chat).Error
	if err != nil {
		return nil, err
	}

	var stored Chat
	if err := tx.Where("telegram_id = ?", telegramID).First(&stored).Error; err != nil {
		return nil, err
	}

	return &stored, nil
}
