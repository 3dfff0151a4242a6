// Package services – UserService
//
// UserService registers chat participants by username and tracks their
// presence. Users are never deleted.
package services

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/meowtalk-relay/internal/domain"
	"github.com/tbourn/meowtalk-relay/internal/repo"
)

// Presence status values stored on User.Status.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// UserService provides user registration and presence updates.
type UserService struct {
	DB *gorm.DB
}

// EnsureUser returns the user named username, creating it (online, with a
// fresh id) when unseen. An existing offline user is marked online.
func (s *UserService) EnsureUser(ctx context.Context, username string) (*domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrEmptyUsername
	}
	u, created, err := repo.CreateUserIfAbsent(ctx, s.DB, username, StatusOnline)
	if err != nil {
		return nil, err
	}
	if !created && !u.IsOnline {
		if err := repo.SetUserPresence(ctx, s.DB, u.UserID, true, StatusOnline); err != nil {
			return nil, err
		}
		u.IsOnline = true
		u.Status = StatusOnline
	}
	return u, nil
}

// SetOnline updates a user's presence.
func (s *UserService) SetOnline(ctx context.Context, userID string, online bool) error {
	status := StatusOffline
	if online {
		status = StatusOnline
	}
	err := repo.SetUserPresence(ctx, s.DB, userID, online, status)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrUserNotFound
	}
	return err
}

// Get fetches a user by id or returns ErrUserNotFound.
func (s *UserService) Get(ctx context.Context, userID string) (*domain.User, error) {
	u, err := repo.GetUser(ctx, s.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// List returns every stored user.
func (s *UserService) List(ctx context.Context) ([]domain.User, error) {
	return repo.ListUsers(ctx, s.DB)
}
