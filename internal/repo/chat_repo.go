// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Chat model
// and UserChat membership rows.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They follow the "thin repository"
// approach: no business logic, only persistence and query composition.
//
// Error semantics:
//   - When a chat is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound).
//   - On other DB errors the raw gorm error is propagated.
//
// Idempotent inserts (EnsureChat, EnsureMembership) use ON CONFLICT DO NOTHING
// so that two relay goroutines racing on the same key converge on one row.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/meowtalk-relay/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// GetChat fetches a chat by id. Missing chats yield ErrNotFound.
func GetChat(ctx context.Context, db *gorm.DB, chatID string) (*domain.Chat, error) {
	var c domain.Chat
	if err := db.WithContext(ctx).Where("chat_id = ?", chatID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ChatExists reports whether a chat row exists.
func ChatExists(ctx context.Context, db *gorm.DB, chatID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Chat{}).Where("chat_id = ?", chatID).Count(&n).Error
	return n > 0, err
}

// EnsureChat creates the chat with the given name unless it already exists.
// It returns the stored row and whether this call created it.
func EnsureChat(ctx context.Context, db *gorm.DB, chatID, name string) (*domain.Chat, bool, error) {
	now := time.Now().UTC()
	c := &domain.Chat{ChatID: chatID, Name: name, CreatedAt: now, UpdatedAt: now}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "chat_id"}}, DoNothing: true}).
		Create(c)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return c, true, nil
	}
	existing, err := GetChat(ctx, db, chatID)
	return existing, false, err
}

// ListChats returns every chat ordered by creation time.
func ListChats(ctx context.Context, db *gorm.DB) ([]domain.Chat, error) {
	var out []domain.Chat
	err := db.WithContext(ctx).Order("created_at ASC, chat_id ASC").Find(&out).Error
	return out, err
}

// ChatsForUser returns the chats userID belongs to, in membership order.
func ChatsForUser(ctx context.Context, db *gorm.DB, userID string) ([]domain.Chat, error) {
	var out []domain.Chat
	err := db.WithContext(ctx).
		Model(&domain.Chat{}).
		Select("chats.*").
		Joins("JOIN user_chats uc ON uc.chat_id = chats.chat_id").
		Where("uc.user_id = ?", userID).
		Order("uc.joined_at ASC, uc.id ASC").
		Find(&out).Error
	return out, err
}

// EnsureMembership inserts a (user, chat) membership unless present and
// reports whether a row was created.
func EnsureMembership(ctx context.Context, db *gorm.DB, userID, chatID string) (bool, error) {
	uc := &domain.UserChat{UserID: userID, ChatID: chatID, JoinedAt: time.Now().UTC()}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "chat_id"}},
			DoNothing: true,
		}).
		Create(uc)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MemberIDs returns the user ids that belong to chatID, in membership order.
func MemberIDs(ctx context.Context, db *gorm.DB, chatID string) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Model(&domain.UserChat{}).
		Where("chat_id = ?", chatID).
		Order("joined_at ASC, id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}
