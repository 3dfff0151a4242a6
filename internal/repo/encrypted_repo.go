// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// EncryptedMessage model: one stored copy of a message per recipient.
//
// The repository follows a "thin" approach: it persists copies exactly as
// handed in. Encryption and the choice of ContentEncoding belong to the
// services package.
//
// Error semantics:
//   - A second copy for the same (message_id, user_id) pair violates the
//     unique index on Create; use UpsertCopy when replacing is intended.
//   - On other DB errors the raw gorm error is propagated.
//
// Usage:
//
//	// In the service layer, inside a transaction
//	err := repo.UpsertCopy(ctx, tx, &domain.EncryptedMessage{
//	    MessageID: msg.ID, UserID: uid, Encoding: domain.EncodingEncrypted,
//	    EncryptedContent: ct, IV: iv,
//	})
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/meowtalk-relay/internal/domain"
)

// CreateCopy inserts one recipient copy.
func CreateCopy(ctx context.Context, db *gorm.DB, em *domain.EncryptedMessage) error {
	if em.EncryptedAt.IsZero() {
		em.EncryptedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Omit(clause.Associations).Create(em).Error
}

// UpsertCopy inserts a recipient copy or replaces the existing one for the
// same (message, user) pair.
func UpsertCopy(ctx context.Context, db *gorm.DB, em *domain.EncryptedMessage) error {
	if em.EncryptedAt.IsZero() {
		em.EncryptedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"encoding", "encrypted_content", "iv", "encrypted_at"}),
		}).
		Create(em).Error
}

// CopiesForUserInChat returns userID's copies of chatID's messages keyed by
// message id.
func CopiesForUserInChat(ctx context.Context, db *gorm.DB, userID, chatID string) (map[string]domain.EncryptedMessage, error) {
	var rows []domain.EncryptedMessage
	err := db.WithContext(ctx).
		Where("user_id = ? AND message_id IN (?)", userID,
			db.WithContext(ctx).Model(&domain.Message{}).Select("id").Where("chat_id = ?", chatID)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.EncryptedMessage, len(rows))
	for _, r := range rows {
		out[r.MessageID] = r
	}
	return out, nil
}

// DeleteCopiesForMessage removes every copy of a message.
func DeleteCopiesForMessage(ctx context.Context, db *gorm.DB, messageID string) (int64, error) {
	res := db.WithContext(ctx).Where("message_id = ?", messageID).Delete(&domain.EncryptedMessage{})
	return res.RowsAffected, res.Error
}

// DeleteCopiesForClearedChat removes the copies of every non-System message
// in chatID.
func DeleteCopiesForClearedChat(ctx context.Context, db *gorm.DB, chatID string) (int64, error) {
	res := db.WithContext(ctx).
		Where("message_id IN (?)", nonSystemIDs(ctx, db, chatID)).
		Delete(&domain.EncryptedMessage{})
	return res.RowsAffected, res.Error
}

// MissingCopy identifies a (message, member) pair that has no stored copy.
type MissingCopy struct {
	MessageID string
	UserID    string
	Content   string
	Type      domain.MessageType
	MediaType string
}

// FindMissingCopies lists non-System messages lacking a copy for a member of
// their chat.
func FindMissingCopies(ctx context.Context, db *gorm.DB) ([]MissingCopy, error) {
	var out []MissingCopy
	err := db.WithContext(ctx).
		Table("messages m").
		Select("m.id AS message_id, uc.user_id AS user_id, m.content AS content, m.type AS type, m.media_type AS media_type").
		Joins("JOIN user_chats uc ON uc.chat_id = m.chat_id").
		Joins("LEFT JOIN encrypted_messages em ON em.message_id = m.id AND em.user_id = uc.user_id").
		Where("em.id IS NULL AND m.type <> ?", domain.TypeSystem).
		Order("m.sent_at ASC, m.id ASC, uc.user_id ASC").
		Scan(&out).Error
	return out, err
}

// CopyOwnerIDs returns the users holding a copy of messageID.
func CopyOwnerIDs(ctx context.Context, db *gorm.DB, messageID string) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Model(&domain.EncryptedMessage{}).
		Where("message_id = ?", messageID).
		Order("id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}
