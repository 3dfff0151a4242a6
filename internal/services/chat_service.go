// Package services – ChatService
//
// This file implements ChatService, which manages chats and chat membership.
// Chats are created lazily and never renamed once stored; membership is
// idempotent. Names are normalized (trimmed, whitespace collapsed, clipped)
// before they are stored.
//
// Service-level errors (ErrChatNotFound, ErrUserNotFound, ErrEmptyChatID)
// are returned for predictable cases so callers can map them consistently.
package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/tbourn/meowtalk-relay/internal/domain"
	"github.com/tbourn/meowtalk-relay/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ChatService provides chat and membership operations.
type ChatService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB

	// DefaultName is used when a chat is ensured without a name.
	DefaultName string
	// NameMaxLen caps stored names by rune length.
	NameMaxLen int
}

// NewChatService constructs a ChatService with sane defaults for naming.
func NewChatService(db *gorm.DB) *ChatService {
	return &ChatService{
		DB:          db,
		DefaultName: DefaultChatName,
		NameMaxLen:  120,
	}
}

func (s *ChatService) tracer() trace.Tracer {
	return otel.Tracer("services/ChatService")
}

// EnsureChat returns the chat stored under chatID, creating it with name when
// absent. The reported bool is true when this call created the row.
func (s *ChatService) EnsureChat(ctx context.Context, chatID, name string) (*domain.Chat, bool, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, false, ErrEmptyChatID
	}
	name = normalizeName(name)
	if name == "" {
		name = s.DefaultName
	}
	if name == "" {
		name = DefaultChatName
	}
	return repo.EnsureChat(ctx, s.DB, chatID, s.clip(name))
}

// AddMember makes userID a member of chatID. Repeated calls are no-ops.
func (s *ChatService) AddMember(ctx context.Context, userID, chatID string) error {
	ctx, span := s.tracer().Start(ctx, "AddMember",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ok, err := repo.ChatExists(ctx, tx, chatID); err != nil {
			return err
		} else if !ok {
			return ErrChatNotFound
		}
		if _, err := repo.GetUser(ctx, tx, userID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		_, err := repo.EnsureMembership(ctx, tx, userID, chatID)
		return err
	})
}

// JoinAllUsers makes every stored user a member of chatID and returns the
// number of memberships created.
func (s *ChatService) JoinAllUsers(ctx context.Context, chatID string) (int, error) {
	ctx, span := s.tracer().Start(ctx, "JoinAllUsers",
		trace.WithAttributes(attribute.String("chat.id", chatID)),
	)
	defer span.End()

	var created int
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		users, err := repo.ListUsers(ctx, tx)
		if err != nil {
			return err
		}
		for _, u := range users {
			ok, err := repo.EnsureMembership(ctx, tx, u.UserID, chatID)
			if err != nil {
				return err
			}
			if ok {
				created++
			}
		}
		return nil
	})
	return created, err
}

// EnsureAllMemberships joins every user to every chat. It repairs databases
// written before membership was tracked and returns the rows created.
func (s *ChatService) EnsureAllMemberships(ctx context.Context) (int, error) {
	ctx, span := s.tracer().Start(ctx, "EnsureAllMemberships")
	defer span.End()

	var created int
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		users, err := repo.ListUsers(ctx, tx)
		if err != nil {
			return err
		}
		chats, err := repo.ListChats(ctx, tx)
		if err != nil {
			return err
		}
		for _, c := range chats {
			for _, u := range users {
				ok, err := repo.EnsureMembership(ctx, tx, u.UserID, c.ChatID)
				if err != nil {
					return err
				}
				if ok {
					created++
				}
			}
		}
		return nil
	})
	span.SetAttributes(attribute.Int("memberships.created", created))
	return created, err
}

// ChatsForUser lists the chats userID belongs to in membership order.
func (s *ChatService) ChatsForUser(ctx context.Context, userID string) ([]domain.Chat, error) {
	return repo.ChatsForUser(ctx, s.DB, userID)
}

// Get fetches a chat or returns ErrChatNotFound.
func (s *ChatService) Get(ctx context.Context, chatID string) (*domain.Chat, error) {
	c, err := repo.GetChat(ctx, s.DB, chatID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrChatNotFound
	}
	return c, err
}

// clip truncates a chat name to the configured maximum rune length.
func (s *ChatService) clip(name string) string {
	if s.NameMaxLen > 0 && utf8.RuneCountInString(name) > s.NameMaxLen {
		return string([]rune(name)[:s.NameMaxLen])
	}
	return name
}

// normalizeName trims whitespace and collapses multiple spaces to one.
func normalizeName(s string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
}

// whitespaceRE collapses consecutive whitespace to a single space.
var whitespaceRE = regexp.MustCompile(`\s+`)
