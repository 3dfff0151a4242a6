// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the User model.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/meowtalk-relay/internal/domain"
)

// GetUserByUsername fetches a user by username or returns ErrNotFound.
func GetUserByUsername(ctx context.Context, db *gorm.DB, username string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser fetches a user by id or returns ErrNotFound.
func GetUser(ctx context.Context, db *gorm.DB, userID string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("user_id = ?", userID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUserIfAbsent inserts a user with a fresh UUID unless the username is
// taken, then returns the stored row. Concurrent callers converge on one row.
func CreateUserIfAbsent(ctx context.Context, db *gorm.DB, username, status string) (*domain.User, bool, error) {
	now := time.Now().UTC()
	u := &domain.User{
		UserID:    uuid.NewString(),
		Username:  username,
		IsOnline:  true,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "username"}}, DoNothing: true}).
		Create(u)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return u, true, nil
	}
	existing, err := GetUserByUsername(ctx, db, username)
	return existing, false, err
}

// ListUsers returns every user ordered by creation time.
func ListUsers(ctx context.Context, db *gorm.DB) ([]domain.User, error) {
	var out []domain.User
	err := db.WithContext(ctx).Order("created_at ASC, user_id ASC").Find(&out).Error
	return out, err
}

// ExistingUserIDs returns the subset of ids that belong to stored users,
// preserving the input order and dropping duplicates.
func ExistingUserIDs(ctx context.Context, db *gorm.DB, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []string
	if err := db.WithContext(ctx).Model(&domain.User{}).
		Where("user_id IN ?", ids).
		Pluck("user_id", &found).Error; err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(found))
	for _, id := range found {
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(found))
	for _, id := range ids {
		if _, ok := set[id]; ok {
			out = append(out, id)
			delete(set, id)
		}
	}
	return out, nil
}

// SetUserPresence updates the online flag and status text.
func SetUserPresence(ctx context.Context, db *gorm.DB, userID string, online bool, status string) error {
	res := db.WithContext(ctx).Model(&domain.User{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"is_online": online, "status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
