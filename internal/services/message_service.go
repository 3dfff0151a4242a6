// Package services – MessageService
//
// This file implements MessageService, the component that owns the lifecycle
// of relayed messages. It keeps the Message row and its per-recipient copies
// consistent: every multi-row mutation runs in one transaction, recipient
// copies are encrypted with the KeyStore (or stored as plaintext references
// for stickers), and history reads decrypt the reader's own copy.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include chat/user/message identifiers where applicable.

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/meowtalk-relay/internal/domain"
	"github.com/tbourn/meowtalk-relay/internal/keystore"
	"github.com/tbourn/meowtalk-relay/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultChatName names chats created implicitly by a message.
	DefaultChatName = "Новый чат"

	// DefaultEditWindow bounds the sender/chat/timestamp fallback used by
	// UpdateMessage when the id is unknown.
	DefaultEditWindow = time.Minute
)

// MessageService persists messages and their per-recipient copies.
type MessageService struct {
	DB   *gorm.DB
	Keys *keystore.KeyStore

	// DefaultChatName names chats created by SaveMessage.
	DefaultChatName string
	// EditWindow is the fallback match window for UpdateMessage.
	EditWindow time.Duration
}

// NewMessageService constructs a MessageService with default naming and
// edit window.
func NewMessageService(db *gorm.DB, keys *keystore.KeyStore) *MessageService {
	return &MessageService{
		DB:              db,
		Keys:            keys,
		DefaultChatName: DefaultChatName,
		EditWindow:      DefaultEditWindow,
	}
}

func (s *MessageService) tracer() trace.Tracer {
	return otel.Tracer("services/MessageService")
}

// SaveMessage stores msg and one copy per valid participant in a single
// transaction. The chat is created when missing, unknown participant ids are
// dropped, and membership rows are ensured for the rest. A participant whose
// copy cannot be encrypted is skipped; any storage error rolls everything
// back and is returned.
func (s *MessageService) SaveMessage(ctx context.Context, msg *domain.Message, participantIDs []string) error {
	ctx, span := s.tracer().Start(ctx, "SaveMessage",
		trace.WithAttributes(
			attribute.String("chat.id", msg.ChatID),
			attribute.String("message.type", string(msg.Type)),
			attribute.Int("participants", len(participantIDs)),
		),
	)
	defer span.End()

	if msg.ChatID == "" {
		return ErrEmptyChatID
	}

	var copies int
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, _, err := repo.EnsureChat(ctx, tx, msg.ChatID, s.chatName()); err != nil {
			return fmt.Errorf("ensure chat: %w", err)
		}
		ids, err := repo.ExistingUserIDs(ctx, tx, participantIDs)
		if err != nil {
			return fmt.Errorf("filter participants: %w", err)
		}
		for _, id := range ids {
			if _, err := repo.EnsureMembership(ctx, tx, id, msg.ChatID); err != nil {
				return fmt.Errorf("ensure membership: %w", err)
			}
		}
		if err := repo.CreateMessage(ctx, tx, msg); err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		if msg.Type == domain.TypeSystem {
			return nil
		}
		for _, id := range ids {
			ok, err := s.storeCopy(ctx, tx, msg, id, repo.CreateCopy)
			if err != nil {
				return fmt.Errorf("store copy: %w", err)
			}
			if ok {
				copies++
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return err
	}
	span.SetAttributes(attribute.String("message.id", msg.ID), attribute.Int("copies", copies))
	return nil
}

// GetUserMessages returns chatID's history as seen by userID, oldest first.
// The reader's own copy replaces the stored content when present; a copy
// that fails to decrypt yields DecryptFailedPlaceholder. System messages are
// returned as stored.
func (s *MessageService) GetUserMessages(ctx context.Context, userID, chatID string) ([]domain.Message, error) {
	ctx, span := s.tracer().Start(ctx, "GetUserMessages",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	msgs, err := repo.ListMessages(ctx, s.DB, chatID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return []domain.Message{}, nil
	}
	copies, err := repo.CopiesForUserInChat(ctx, s.DB, userID, chatID)
	if err != nil {
		return nil, err
	}
	var username string
	if u, err := repo.GetUser(ctx, s.DB, userID); err == nil {
		username = u.Username
	}

	for i := range msgs {
		m := &msgs[i]
		m.IsMyMessage = m.Sender == userID || (username != "" && m.Sender == username)
		if m.Type == domain.TypeSystem {
			continue
		}
		em, ok := copies[m.ID]
		if !ok {
			continue
		}
		m.Content = s.openCopy(userID, &em)
	}
	span.SetAttributes(attribute.Int("messages", len(msgs)))
	return msgs, nil
}

// HistoryPage returns one page of GetUserMessages for chatID together with
// the total number of messages. It returns ErrChatNotFound for unknown chats.
func (s *MessageService) HistoryPage(ctx context.Context, userID, chatID string, page, pageSize int) ([]domain.Message, int64, error) {
	ctx, span := s.tracer().Start(ctx, "HistoryPage",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	ok, err := repo.ChatExists(ctx, s.DB, chatID)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, ErrChatNotFound
	}

	all, err := s.GetUserMessages(ctx, userID, chatID)
	if err != nil {
		return nil, 0, err
	}
	total := int64(len(all))
	start := (page - 1) * pageSize
	if start >= len(all) {
		return []domain.Message{}, total, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

// ClearChatHistory removes every non-System message of chatID along with
// their copies. It reports false when the transaction failed.
func (s *MessageService) ClearChatHistory(ctx context.Context, chatID string) bool {
	ctx, span := s.tracer().Start(ctx, "ClearChatHistory",
		trace.WithAttributes(attribute.String("chat.id", chatID)),
	)
	defer span.End()

	var removed int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := repo.DeleteCopiesForClearedChat(ctx, tx, chatID); err != nil {
			return err
		}
		n, err := repo.DeleteNonSystemMessages(ctx, tx, chatID)
		removed = n
		return err
	})
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("chat_id", chatID).Msg("clear chat history failed")
		return false
	}
	span.SetAttributes(attribute.Int64("messages.removed", removed))
	return true
}

// UpdateMessage applies an edit to a stored message.
//
// The target is looked up by msg.ID first; when no row has that id it falls
// back to a non-System message from the same sender in the same chat whose
// timestamp is within EditWindow of msg.Timestamp. No match reports false with a nil
// error, more than one fallback candidate yields ErrAmbiguousMessage.
//
// On a match the content is replaced, the edit is stamped, the first
// pre-edit content is kept as OriginalContent, and every recipient copy is
// re-encrypted. Recipients are the valid participantIDs plus every member
// of the chat and every user that already holds a copy. msg.ID and
// msg.ChatID are set to the stored values.
func (s *MessageService) UpdateMessage(ctx context.Context, msg *domain.Message, participantIDs []string) (bool, error) {
	ctx, span := s.tracer().Start(ctx, "UpdateMessage",
		trace.WithAttributes(
			attribute.String("message.id", msg.ID),
			attribute.String("chat.id", msg.ChatID),
		),
	)
	defer span.End()

	var updated bool
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		target, err := s.locate(ctx, tx, msg)
		if err != nil || target == nil {
			return err
		}

		original := target.OriginalContent
		if !target.IsEdited || original == "" {
			original = target.Content
		}
		editedAt := time.Now().UTC()
		if msg.EditedTimestamp != nil && !msg.EditedTimestamp.IsZero() {
			editedAt = msg.EditedTimestamp.UTC()
		}
		if err := repo.MarkMessageEdited(ctx, tx, target.ID, msg.Content, original, editedAt); err != nil {
			return err
		}

		target.Content = msg.Content
		target.OriginalContent = original
		target.IsEdited = true
		target.EditedTimestamp = &editedAt

		if target.Type != domain.TypeSystem {
			recipients, err := s.editRecipients(ctx, tx, target, participantIDs)
			if err != nil {
				return err
			}
			for _, id := range recipients {
				if _, err := s.storeCopy(ctx, tx, target, id, repo.UpsertCopy); err != nil {
					return fmt.Errorf("store copy: %w", err)
				}
			}
		}

		msg.ID = target.ID
		msg.ChatID = target.ChatID
		msg.IsEdited = true
		msg.EditedTimestamp = target.EditedTimestamp
		msg.OriginalContent = original
		updated = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, ErrAmbiguousMessage) {
			log.Error().Err(err).Str("message_id", msg.ID).Msg("update message failed")
		}
		return false, err
	}
	span.SetAttributes(attribute.Bool("updated", updated))
	return updated, nil
}

// DeleteMessage removes a message and all its copies. It reports false when
// no message has that id or the transaction failed.
func (s *MessageService) DeleteMessage(ctx context.Context, messageID string) bool {
	ctx, span := s.tracer().Start(ctx, "DeleteMessage",
		trace.WithAttributes(attribute.String("message.id", messageID)),
	)
	defer span.End()

	var removed bool
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := repo.DeleteCopiesForMessage(ctx, tx, messageID); err != nil {
			return err
		}
		ok, err := repo.DeleteMessage(ctx, tx, messageID)
		removed = ok
		return err
	})
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("message_id", messageID).Msg("delete message failed")
		return false
	}
	return removed
}

// MigrateExistingMessages creates the missing copy for every (non-System
// message, chat member) pair and returns how many copies were written.
func (s *MessageService) MigrateExistingMessages(ctx context.Context) (int, error) {
	ctx, span := s.tracer().Start(ctx, "MigrateExistingMessages")
	defer span.End()

	var written int
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		missing, err := repo.FindMissingCopies(ctx, tx)
		if err != nil {
			return err
		}
		for _, mc := range missing {
			m := &domain.Message{ID: mc.MessageID, Content: mc.Content, Type: mc.Type, MediaType: mc.MediaType}
			ok, err := s.storeCopy(ctx, tx, m, mc.UserID, repo.CreateCopy)
			if err != nil {
				return err
			}
			if ok {
				written++
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("copies.written", written))
	return written, nil
}

// locate resolves the edit target inside tx, or returns nil when none.
func (s *MessageService) locate(ctx context.Context, tx *gorm.DB, msg *domain.Message) (*domain.Message, error) {
	if msg.ID != "" {
		m, err := repo.GetMessage(ctx, tx, msg.ID)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	if msg.Sender == "" || msg.ChatID == "" || msg.Timestamp.IsZero() {
		return nil, nil
	}
	window := s.EditWindow
	if window <= 0 {
		window = DefaultEditWindow
	}
	cands, err := repo.FindMessagesNear(ctx, tx, msg.Sender, msg.ChatID, msg.Timestamp, window)
	if err != nil {
		return nil, err
	}
	switch len(cands) {
	case 0:
		return nil, nil
	case 1:
		return &cands[0], nil
	default:
		return nil, fmt.Errorf("%w: %d candidates", ErrAmbiguousMessage, len(cands))
	}
}

// editRecipients merges the valid participants with the chat members and
// the current copy holders.
func (s *MessageService) editRecipients(ctx context.Context, tx *gorm.DB, target *domain.Message, participantIDs []string) ([]string, error) {
	holders, err := repo.CopyOwnerIDs(ctx, tx, target.ID)
	if err != nil {
		return nil, err
	}
	members, err := repo.MemberIDs(ctx, tx, target.ChatID)
	if err != nil {
		return nil, err
	}
	ids := append(append(append([]string{}, participantIDs...), members...), holders...)
	return repo.ExistingUserIDs(ctx, tx, ids)
}

type copyWriter func(ctx context.Context, db *gorm.DB, em *domain.EncryptedMessage) error

// storeCopy writes userID's copy of m with write. Sticker-like messages are
// stored verbatim as plaintext references. It reports false, with a nil
// error, when the copy was skipped because of a key or cipher failure.
func (s *MessageService) storeCopy(ctx context.Context, tx *gorm.DB, m *domain.Message, userID string, write copyWriter) (bool, error) {
	em := &domain.EncryptedMessage{MessageID: m.ID, UserID: userID}
	if m.IsStickerLike() {
		em.Encoding = domain.EncodingPlaintextRef
		em.EncryptedContent = []byte(m.Content)
	} else {
		ct, iv, err := s.encryptFor(userID, m.Content)
		if err != nil {
			log.Warn().Err(err).Str("message_id", m.ID).Str("user_id", userID).Msg("skipping recipient copy")
			return false, nil
		}
		em.Encoding = domain.EncodingEncrypted
		em.EncryptedContent = ct
		em.IV = iv
	}
	if err := write(ctx, tx, em); err != nil {
		return false, err
	}
	return true, nil
}

func (s *MessageService) encryptFor(userID, plaintext string) ([]byte, []byte, error) {
	if s.Keys == nil {
		return nil, nil, keystore.ErrKeyNotFound
	}
	if err := s.Keys.EnsureUserKey(userID); err != nil {
		return nil, nil, err
	}
	return s.Keys.EncryptMessage(plaintext, userID)
}

// openCopy returns the reader-visible content of a stored copy.
func (s *MessageService) openCopy(userID string, em *domain.EncryptedMessage) string {
	if em.Encoding == domain.EncodingPlaintextRef {
		return string(em.EncryptedContent)
	}
	if s.Keys == nil {
		return DecryptFailedPlaceholder
	}
	if err := s.Keys.EnsureUserKey(userID); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("no key for reader")
		return DecryptFailedPlaceholder
	}
	pt, err := s.Keys.DecryptMessage(em.EncryptedContent, em.IV, userID)
	if err != nil {
		log.Warn().Err(err).Str("message_id", em.MessageID).Str("user_id", userID).Msg("decrypt failed")
		return DecryptFailedPlaceholder
	}
	return pt
}

func (s *MessageService) chatName() string {
	if s.DefaultChatName != "" {
		return s.DefaultChatName
	}
	return DefaultChatName
}
