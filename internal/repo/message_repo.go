// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message model.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/meowtalk-relay/internal/domain"
)

// CreateMessage inserts m, assigning a UUID when the id is blank and
// normalizing the timestamp to UTC.
func CreateMessage(ctx context.Context, db *gorm.DB, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	m.Timestamp = m.Timestamp.UTC()
	if m.Type == "" {
		m.Type = domain.TypeText
	}
	return db.WithContext(ctx).Omit(clause.Associations).Create(m).Error
}

// GetMessage fetches a message by id or returns ErrNotFound.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns a chat's messages ordered deterministically
// (Timestamp ASC, ID ASC).
func ListMessages(ctx context.Context, db *gorm.DB, chatID string) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("sent_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// FindMessagesNear returns non-System messages from sender in chatID whose
// timestamp lies strictly within window of at. Join and chat markers are
// never edit targets.
func FindMessagesNear(ctx context.Context, db *gorm.DB, sender, chatID string, at time.Time, window time.Duration) ([]domain.Message, error) {
	var cands []domain.Message
	if err := db.WithContext(ctx).
		Where("sender = ? AND chat_id = ? AND type <> ?", sender, chatID, domain.TypeSystem).
		Order("sent_at ASC, id ASC").
		Find(&cands).Error; err != nil {
		return nil, err
	}
	// The window is applied here so the comparison does not depend on how
	// the driver serializes timestamps.
	out := cands[:0]
	for _, m := range cands {
		d := m.Timestamp.Sub(at)
		if d < 0 {
			d = -d
		}
		if d < window {
			out = append(out, m)
		}
	}
	return out, nil
}

// MarkMessageEdited replaces the content of message id and stamps the edit.
func MarkMessageEdited(ctx context.Context, db *gorm.DB, id, content, originalContent string, editedAt time.Time) error {
	res := db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"content":          content,
			"original_content": originalContent,
			"is_edited":        true,
			"edited_timestamp": editedAt.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage hard-deletes a message and reports whether a row was removed.
func DeleteMessage(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Message{})
	return res.RowsAffected > 0, res.Error
}

// nonSystemIDs is a subquery selecting the ids of a chat's non-System messages.
func nonSystemIDs(ctx context.Context, db *gorm.DB, chatID string) *gorm.DB {
	return db.WithContext(ctx).Model(&domain.Message{}).
		Select("id").
		Where("chat_id = ? AND type <> ?", chatID, domain.TypeSystem)
}

// DeleteNonSystemMessages removes every non-System message of a chat and
// returns the number of rows deleted.
func DeleteNonSystemMessages(ctx context.Context, db *gorm.DB, chatID string) (int64, error) {
	res := db.WithContext(ctx).
		Where("chat_id = ? AND type <> ?", chatID, domain.TypeSystem).
		Delete(&domain.Message{})
	return res.RowsAffected, res.Error
}
