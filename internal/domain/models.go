// Package domain defines the persistence models for users, chats, messages,
// chat membership, and per-recipient encrypted message copies. These types
// are mapped with GORM and form the core data layer of the relay server.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageType classifies a message. It is stored as a short string and
// encoded on the wire by name.
type MessageType string

const (
	TypeText    MessageType = "Text"
	TypeSticker MessageType = "Sticker"
	TypeSystem  MessageType = "System"
	TypeEdit    MessageType = "Edit"
	TypeDelete  MessageType = "Delete"
)

// messageTypeOrder is the ordinal encoding used by clients that serialize
// the enum as a number.
var messageTypeOrder = []MessageType{TypeText, TypeSticker, TypeSystem, TypeEdit, TypeDelete}

// ParseMessageType resolves a type name case-insensitively. An empty name is Text.
func ParseMessageType(s string) (MessageType, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TypeText, nil
	}
	for _, t := range messageTypeOrder {
		if strings.EqualFold(s, string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown message type %q", s)
}

// MarshalJSON encodes the type by name.
func (t MessageType) MarshalJSON() ([]byte, error) {
	if t == "" {
		t = TypeText
	}
	return json.Marshal(string(t))
}

// UnmarshalJSON accepts either the type name or its ordinal.
func (t *MessageType) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := ParseMessageType(s)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}
	if string(b) == "null" {
		*t = TypeText
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("message type: %w", err)
	}
	if n < 0 || n >= len(messageTypeOrder) {
		return fmt.Errorf("message type ordinal %d out of range", n)
	}
	*t = messageTypeOrder[n]
	return nil
}

// ContentEncoding tags how a per-recipient copy is stored.
type ContentEncoding string

const (
	// EncodingEncrypted rows hold AES-GCM ciphertext and a nonce in IV.
	EncodingEncrypted ContentEncoding = "encrypted"
	// EncodingPlaintextRef rows hold an asset reference verbatim (stickers).
	EncodingPlaintextRef ContentEncoding = "plaintext_ref"
)

// User is a chat participant. Users are created on their first System frame
// and never removed.
type User struct {
	UserID    string    `json:"userId"   gorm:"column:user_id;type:varchar(64);primaryKey"`
	Username  string    `json:"username" gorm:"type:varchar(255);not null;uniqueIndex:ux_users_username"`
	IsOnline  bool      `json:"isOnline" gorm:"not null;default:false"`
	Status    string    `json:"status"   gorm:"type:varchar(64)"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`

	// Copies and Memberships are removed with the user.
	Copies      []EncryptedMessage `json:"-" gorm:"foreignKey:UserID;references:UserID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Memberships []UserChat         `json:"-" gorm:"foreignKey:UserID;references:UserID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Chat is a conversation. Chats are created lazily the first time a message
// references an unknown chat id.
type Chat struct {
	ChatID    string    `json:"chatId" gorm:"column:chat_id;type:varchar(128);primaryKey"`
	Name      string    `json:"name"   gorm:"type:varchar(255);not null"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`

	// Messages and Members are cascade-deleted with the chat.
	Messages []Message  `json:"-" gorm:"foreignKey:ChatID;references:ChatID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Members  []UserChat `json:"-" gorm:"foreignKey:ChatID;references:ChatID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Chat.
func (Chat) TableName() string { return "chats" }

// Message is one chat message. Edits mutate it in place; a history clear
// hard-deletes everything except System rows.
//
// IsMyMessage is a per-reader projection and is never persisted.
type Message struct {
	ID              string      `json:"id"                        gorm:"type:varchar(64);primaryKey"`
	Sender          string      `json:"sender"                    gorm:"type:varchar(255);not null;index:idx_msgs_sender_chat,priority:1"`
	Content         string      `json:"content"                   gorm:"type:text;not null"`
	ChatID          string      `json:"chatId"                    gorm:"column:chat_id;type:varchar(128);not null;index:idx_chat_msgs,priority:1;index:idx_msgs_sender_chat,priority:2"`
	Timestamp       time.Time   `json:"timestamp"                 gorm:"column:sent_at;not null;index:idx_chat_msgs,priority:2"`
	Type            MessageType `json:"type"                      gorm:"type:varchar(16);not null;default:'Text'"`
	IsEdited        bool        `json:"isEdited"                  gorm:"not null;default:false"`
	EditedTimestamp *time.Time  `json:"editedTimestamp,omitempty"`
	OriginalContent string      `json:"originalContent,omitempty" gorm:"type:text"`
	MediaType       string      `json:"mediaType,omitempty"       gorm:"type:varchar(64)"`
	IsMyMessage     bool        `json:"isMyMessage"               gorm:"-"`

	// Copies live only as long as the message.
	Copies []EncryptedMessage `json:"-" gorm:"foreignKey:MessageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// EncryptedMessage is one recipient's copy of a message. It lives only as
// long as its parent message.
type EncryptedMessage struct {
	ID               uint            `json:"id"               gorm:"primaryKey;autoIncrement"`
	MessageID        string          `json:"messageId"        gorm:"type:varchar(64);not null;index;uniqueIndex:ux_encrypted_message_user"`
	UserID           string          `json:"userId"           gorm:"column:user_id;type:varchar(64);not null;index;uniqueIndex:ux_encrypted_message_user"`
	Encoding         ContentEncoding `json:"encoding"         gorm:"type:varchar(16);not null;default:'encrypted'"`
	EncryptedContent []byte          `json:"encryptedContent" gorm:"not null"`
	IV               []byte          `json:"iv"`
	EncryptedAt      time.Time       `json:"encryptedAt"`
}

// TableName returns the database table name for EncryptedMessage.
func (EncryptedMessage) TableName() string { return "encrypted_messages" }

// UserChat is a membership row. The (user, chat) pair is unique.
type UserChat struct {
	ID       uint      `json:"id"       gorm:"primaryKey;autoIncrement"`
	UserID   string    `json:"userId"   gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:ux_user_chat"`
	ChatID   string    `json:"chatId"   gorm:"column:chat_id;type:varchar(128);not null;uniqueIndex:ux_user_chat;index"`
	JoinedAt time.Time `json:"joinedAt" gorm:"not null"`
}

// TableName returns the database table name for UserChat.
func (UserChat) TableName() string { return "user_chats" }

// IsStickerLike reports whether a message carries an asset reference rather
// than text. Some clients send stickers as Text with a media type or a
// "[STICKER]" content prefix.
func (m *Message) IsStickerLike() bool {
	if m.Type == TypeSticker {
		return true
	}
	if m.Type != TypeText {
		return false
	}
	switch strings.ToLower(m.MediaType) {
	case "sticker", "image":
		return true
	}
	return strings.HasPrefix(m.Content, "[STICKER]")
}
