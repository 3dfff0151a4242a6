package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tbourn/meowtalk-relay/internal/domain"
)

// Frame is one application message exchanged over a relay connection.
// Keys are camelCase on output; decoding is case-insensitive, so PascalCase
// clients are understood as well.
type Frame struct {
	ID              string             `json:"id"`
	Sender          string             `json:"sender"`
	Content         string             `json:"content"`
	Timestamp       Time               `json:"timestamp"`
	ChatID          string             `json:"chatId"`
	Type            domain.MessageType `json:"type"`
	MediaType       string             `json:"mediaType,omitempty"`
	IsEdited        bool               `json:"isEdited"`
	EditedTimestamp *Time              `json:"editedTimestamp,omitempty"`
	OriginalContent string             `json:"originalContent,omitempty"`
	IsMyMessage     bool               `json:"isMyMessage,omitempty"`
}

// DecodeFrame parses a text frame. Empty or non-object payloads are errors.
func DecodeFrame(data []byte) (*Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, ErrMalformedFrame
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		f.Type = domain.TypeText
	}
	return &f, nil
}

// Encode marshals f for the wire.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Message converts f into a storable message.
func (f *Frame) Message() *domain.Message {
	m := &domain.Message{
		ID:              f.ID,
		Sender:          f.Sender,
		Content:         f.Content,
		ChatID:          f.ChatID,
		Timestamp:       f.Timestamp.Time,
		Type:            f.Type,
		IsEdited:        f.IsEdited,
		OriginalContent: f.OriginalContent,
		MediaType:       f.MediaType,
	}
	if f.EditedTimestamp != nil && !f.EditedTimestamp.IsZero() {
		t := f.EditedTimestamp.Time
		m.EditedTimestamp = &t
	}
	return m
}

// FrameFromMessage builds the wire form of a stored message.
func FrameFromMessage(m *domain.Message) *Frame {
	f := &Frame{
		ID:              m.ID,
		Sender:          m.Sender,
		Content:         m.Content,
		Timestamp:       Time{m.Timestamp},
		ChatID:          m.ChatID,
		Type:            m.Type,
		MediaType:       m.MediaType,
		IsEdited:        m.IsEdited,
		OriginalContent: m.OriginalContent,
		IsMyMessage:     m.IsMyMessage,
	}
	if m.EditedTimestamp != nil {
		f.EditedTimestamp = &Time{*m.EditedTimestamp}
	}
	return f
}

// Time is a timestamp that also accepts ISO-8601 values without a zone,
// as emitted by clients serializing local times.
type Time struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.9999999",
	"2006-01-02 15:04:05",
}

// ParseTime parses s with the accepted layouts. Zone-less values are UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// UnmarshalJSON accepts null, an empty string, or any layout ParseTime knows.
func (t *Time) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if strings.TrimSpace(s) == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// MarshalJSON writes RFC 3339 with nanoseconds.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}
