package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/meowtalk-relay/internal/domain"
	"github.com/tbourn/meowtalk-relay/internal/events"
	"github.com/tbourn/meowtalk-relay/internal/services"
)

const (
	// DefaultChatID is used for frames that carry no chat id.
	DefaultChatID = "general"
	// DefaultGeneralChatName names the default chat.
	DefaultGeneralChatName = "Общий чат"

	publishTimeout = 2 * time.Second
)

// Dispatcher applies the relay protocol to inbound frames: it persists what
// needs persisting, replays history on join and chat creation, and
// broadcasts every frame to all open connections.
type Dispatcher struct {
	Messages *services.MessageService
	Chats    *services.ChatService
	Users    *services.UserService
	Registry *Registry
	Known    *KnownUsers
	Events   events.Publisher

	// DefaultChatID replaces an empty frame chat id.
	DefaultChatID string
	// GeneralChatName names the default chat when it is first created.
	GeneralChatName string
}

// NewDispatcher wires a dispatcher with the default chat settings.
func NewDispatcher(msgs *services.MessageService, chats *services.ChatService, users *services.UserService, pub events.Publisher) *Dispatcher {
	return &Dispatcher{
		Messages:        msgs,
		Chats:           chats,
		Users:           users,
		Registry:        NewRegistry(),
		Known:           NewKnownUsers(),
		Events:          pub,
		DefaultChatID:   DefaultChatID,
		GeneralChatName: DefaultGeneralChatName,
	}
}

// LoadKnownUsers seeds the known-user set from the database.
func (d *Dispatcher) LoadKnownUsers(ctx context.Context) error {
	users, err := d.Users.List(ctx)
	if err != nil {
		return err
	}
	d.Known.Reset(users)
	return nil
}

// Handle processes one inbound frame from c. raw is the frame as received
// and is broadcast unchanged unless handling had to fill in or normalize
// fields.
// Persistence failures are logged; the frame is still broadcast.
func (d *Dispatcher) Handle(ctx context.Context, c *Conn, f *Frame, raw []byte) {
	mutated := Normalize(f)
	kind := Classify(f)
	framesTotal.WithLabelValues(kind.String()).Inc()

	_, username := c.Identity()
	lg := c.log.With().Str("kind", kind.String()).Str("chat_id", f.ChatID).Str("username", username).Logger()

	if strings.TrimSpace(f.ChatID) == "" && kind != KindChatCreate {
		f.ChatID = d.defaultChatID()
		mutated = true
	}

	var err error
	switch kind {
	case KindJoin:
		err = d.join(ctx, c, f)
	case KindChatCreate:
		mutated, err = d.createChat(ctx, c, f, mutated)
	case KindEditSync:
		err = d.edit(ctx, f, DirectiveTarget(f.Content, EditSyncPrefix), f.OriginalContent)
	case KindEdit:
		err = d.edit(ctx, f, f.ID, f.Content)
	case KindDeleteSync:
		d.remove(ctx, f.ChatID, DirectiveTarget(f.Content, DeleteSyncPrefix))
	case KindDelete:
		d.remove(ctx, f.ChatID, f.ID)
	case KindClearHistory:
		d.clear(ctx, f.ChatID)
	case KindText, KindSticker:
		var assigned bool
		assigned, err = d.save(ctx, f)
		mutated = mutated || assigned
	case KindSystem:
		err = d.system(ctx, f)
	}
	if err != nil {
		lg.Error().Err(err).Msg("frame handling failed")
	}

	out := raw
	if mutated {
		if b, encErr := f.Encode(); encErr == nil {
			out = b
		} else {
			lg.Error().Err(encErr).Msg("re-encode frame")
		}
	}
	n := d.Registry.Broadcast(out)
	lg.Debug().Int("delivered", n).Msg("frame broadcast")
}

// Disconnected marks the user bound to c offline.
func (d *Dispatcher) Disconnected(ctx context.Context, c *Conn) {
	userID, username := c.Identity()
	if userID != "" {
		if err := d.Users.SetOnline(ctx, userID, false); err != nil && !errors.Is(err, services.ErrUserNotFound) {
			c.log.Warn().Err(err).Msg("mark offline")
		}
	}
	d.publish(ctx, events.ConnectionClosed, events.UserPayload{UserID: userID, Username: username, ConnID: c.id})
}

func (d *Dispatcher) join(ctx context.Context, c *Conn, f *Frame) error {
	u, err := d.Users.EnsureUser(ctx, f.Sender)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	c.bind(u.UserID, u.Username)
	d.Known.Add(u.Username, u.UserID)

	if _, _, err := d.Chats.EnsureChat(ctx, d.defaultChatID(), d.GeneralChatName); err != nil {
		return fmt.Errorf("ensure default chat: %w", err)
	}
	if _, _, err := d.Chats.EnsureChat(ctx, f.ChatID, ""); err != nil {
		return fmt.Errorf("ensure chat: %w", err)
	}
	if err := d.Chats.AddMember(ctx, u.UserID, f.ChatID); err != nil {
		return fmt.Errorf("add member: %w", err)
	}

	d.replay(ctx, c, u.UserID)

	marker := f.Message()
	if marker.Sender == "" {
		marker.Sender = u.Username
	}
	if err := d.Messages.SaveMessage(ctx, marker, nil); err != nil {
		return fmt.Errorf("save join marker: %w", err)
	}
	d.publish(ctx, events.UserJoined, events.UserPayload{UserID: u.UserID, Username: u.Username, ConnID: c.id})
	return nil
}

// createChat handles "<user> создал чат <id>". It reports whether the
// frame was changed.
func (d *Dispatcher) createChat(ctx context.Context, c *Conn, f *Frame, mutated bool) (bool, error) {
	chatID := CreatedChatID(f.Content)
	if chatID == "" {
		chatID = strings.TrimSpace(f.ChatID)
	}
	if chatID == "" {
		f.ChatID = d.defaultChatID()
		return true, fmt.Errorf("chat create without id: %w", services.ErrEmptyChatID)
	}
	if strings.TrimSpace(f.ChatID) == "" {
		f.ChatID = chatID
		mutated = true
	}

	u, err := d.Users.EnsureUser(ctx, f.Sender)
	if err != nil {
		return mutated, fmt.Errorf("ensure user: %w", err)
	}
	d.Known.Add(u.Username, u.UserID)

	chat, created, err := d.Chats.EnsureChat(ctx, chatID, "Чат "+chatID)
	if err != nil {
		return mutated, fmt.Errorf("ensure chat: %w", err)
	}
	if err := d.Chats.AddMember(ctx, u.UserID, chatID); err != nil {
		return mutated, fmt.Errorf("add member: %w", err)
	}

	d.replay(ctx, c, u.UserID)

	if err := d.Messages.SaveMessage(ctx, f.Message(), nil); err != nil {
		return mutated, fmt.Errorf("save chat marker: %w", err)
	}
	d.publish(ctx, events.ChatCreated, events.ChatPayload{ChatID: chat.ChatID, Name: chat.Name, Creator: u.Username, Applied: created})
	return mutated, nil
}

// save persists a text or sticker frame. It reports whether an id or
// timestamp was assigned.
func (d *Dispatcher) save(ctx context.Context, f *Frame) (bool, error) {
	if _, created, err := d.Chats.EnsureChat(ctx, f.ChatID, d.chatNameFor(f.ChatID)); err != nil {
		return false, fmt.Errorf("ensure chat: %w", err)
	} else if created {
		if _, err := d.Chats.JoinAllUsers(ctx, f.ChatID); err != nil {
			return false, fmt.Errorf("join all users: %w", err)
		}
	}

	if users, err := d.Users.List(ctx); err == nil {
		d.Known.Sync(users)
	} else {
		log.Warn().Err(err).Msg("known users sync failed")
	}

	hadID, hadTime := f.ID != "", !f.Timestamp.IsZero()
	m := f.Message()
	if err := d.Messages.SaveMessage(ctx, m, d.Known.IDs()); err != nil {
		return false, err
	}
	f.ID = m.ID
	f.Timestamp = Time{m.Timestamp}
	d.publish(ctx, events.MessageSaved, events.MessagePayload{
		MessageID: m.ID, ChatID: m.ChatID, Sender: m.Sender, Type: string(m.Type), Applied: true,
	})
	return !hadID || !hadTime, nil
}

// edit applies an edit of id to content. An empty content leaves the
// stored message untouched.
func (d *Dispatcher) edit(ctx context.Context, f *Frame, id, content string) error {
	if id == "" || content == "" {
		return nil
	}
	m := &domain.Message{
		ID:        id,
		Sender:    f.Sender,
		ChatID:    f.ChatID,
		Content:   content,
		Timestamp: f.Timestamp.Time,
	}
	if f.EditedTimestamp != nil && !f.EditedTimestamp.IsZero() {
		t := f.EditedTimestamp.Time
		m.EditedTimestamp = &t
	}
	ok, err := d.Messages.UpdateMessage(ctx, m, d.Known.IDs())
	if err != nil {
		return err
	}
	if !ok {
		log.Info().Str("message_id", id).Msg("edit target not found")
	}
	d.publish(ctx, events.MessageEdited, events.MessagePayload{MessageID: id, ChatID: m.ChatID, Sender: f.Sender, Applied: ok})
	return nil
}

func (d *Dispatcher) remove(ctx context.Context, chatID, id string) {
	if id == "" {
		return
	}
	ok := d.Messages.DeleteMessage(ctx, id)
	if !ok {
		log.Info().Str("message_id", id).Msg("delete target not found")
	}
	d.publish(ctx, events.MessageDeleted, events.MessagePayload{MessageID: id, ChatID: chatID, Applied: ok})
}

func (d *Dispatcher) clear(ctx context.Context, chatID string) {
	ok := d.Messages.ClearChatHistory(ctx, chatID)
	d.publish(ctx, events.ChatCleared, events.ChatPayload{ChatID: chatID, Applied: ok})
}

func (d *Dispatcher) system(ctx context.Context, f *Frame) error {
	u, err := d.Users.EnsureUser(ctx, f.Sender)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	d.Known.Add(u.Username, u.UserID)
	return d.Messages.SaveMessage(ctx, f.Message(), nil)
}

// replay sends every member chat's history, in membership order, to c.
func (d *Dispatcher) replay(ctx context.Context, c *Conn, userID string) {
	chats, err := d.Chats.ChatsForUser(ctx, userID)
	if err != nil {
		c.log.Error().Err(err).Msg("list chats for replay")
		return
	}
	sent := 0
	for _, chat := range chats {
		msgs, err := d.Messages.GetUserMessages(ctx, userID, chat.ChatID)
		if err != nil {
			c.log.Error().Err(err).Str("chat_id", chat.ChatID).Msg("load history")
			continue
		}
		for i := range msgs {
			b, err := FrameFromMessage(&msgs[i]).Encode()
			if err != nil {
				continue
			}
			if err := c.Send(ctx, b); err != nil {
				c.log.Warn().Err(err).Msg("replay interrupted")
				return
			}
			sent++
		}
	}
	c.log.Debug().Int("chats", len(chats)).Int("messages", sent).Msg("history replayed")
}

func (d *Dispatcher) publish(ctx context.Context, key string, payload any) {
	if d.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := d.Events.Publish(ctx, key, events.NewEnvelope(key, payload)); err != nil {
		publishErrors.Inc()
		log.Warn().Err(err).Str("routing_key", key).Msg("event publish failed")
	}
}

func (d *Dispatcher) defaultChatID() string {
	if d.DefaultChatID != "" {
		return d.DefaultChatID
	}
	return DefaultChatID
}

func (d *Dispatcher) chatNameFor(chatID string) string {
	if chatID == d.defaultChatID() {
		return d.GeneralChatName
	}
	return ""
}
