package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tbourn/meowtalk-relay/internal/domain"
)

func TestDecodeFrame_PascalCaseAndDefaults(t *testing.T) {
	raw := []byte(`{"Id":"m1","Sender":"alice","Content":"hi","ChatId":"c1","Timestamp":"2024-05-01T10:20:30.1234567"}`)
	f, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, "m1", f.ID)
	assert.Equal(t, "alice", f.Sender)
	assert.Equal(t, "c1", f.ChatID)
	assert.Equal(t, domain.TypeText, f.Type)
	assert.Equal(t, 2024, f.Timestamp.Year())
	assert.Equal(t, 123456700, f.Timestamp.Nanosecond())
}

func TestDecodeFrame_OrdinalType(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"sender":"a","content":"x","type":2}`))
	require.NoError(t, err)
	assert.Equal(t, domain.TypeSystem, f.Type)
}

func TestDecodeFrame_Malformed(t *testing.T) {
	for _, raw := range []string{"", "   ", "not json", `["a"]`, `{"sender":`} {
		_, err := DecodeFrame([]byte(raw))
		assert.True(t, errors.Is(err, ErrMalformedFrame), "input %q", raw)
	}
}

func TestTime_Lenient(t *testing.T) {
	for _, s := range []string{`null`, `""`} {
		var tm Time
		require.NoError(t, tm.UnmarshalJSON([]byte(s)))
		assert.True(t, tm.IsZero())
	}

	var tm Time
	require.NoError(t, tm.UnmarshalJSON([]byte(`"2024-05-01T10:20:30+03:00"`)))
	assert.Equal(t, 7, tm.UTC().Hour())

	assert.Error(t, tm.UnmarshalJSON([]byte(`"yesterday"`)))

	_, err := ParseTime("2024-05-01T10:20:30")
	assert.NoError(t, err)
}

func TestFrame_MessageRoundTrip(t *testing.T) {
	edited := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m := &domain.Message{
		ID: "m1", Sender: "alice", Content: "new", ChatID: "c1",
		Timestamp: time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC),
		Type:      domain.TypeText, IsEdited: true, EditedTimestamp: &edited,
		OriginalContent: "old", IsMyMessage: true,
	}
	f := FrameFromMessage(m)
	assert.True(t, f.IsMyMessage)

	back := f.Message()
	assert.Equal(t, m.Content, back.Content)
	assert.Equal(t, m.OriginalContent, back.OriginalContent)
	require.NotNil(t, back.EditedTimestamp)
	assert.True(t, edited.Equal(*back.EditedTimestamp))
}

func TestFrame_EncodeDecodeProperty(t *testing.T) {
	types := []domain.MessageType{domain.TypeText, domain.TypeSticker, domain.TypeSystem, domain.TypeEdit, domain.TypeDelete}
	rapid.Check(t, func(t *rapid.T) {
		in := Frame{
			ID:        rapid.StringMatching(`[a-z0-9-]{0,36}`).Draw(t, "id"),
			Sender:    rapid.String().Draw(t, "sender"),
			Content:   rapid.String().Draw(t, "content"),
			ChatID:    rapid.StringMatching(`[a-z_0-9]{1,20}`).Draw(t, "chat"),
			Type:      rapid.SampledFrom(types).Draw(t, "type"),
			IsEdited:  rapid.Bool().Draw(t, "edited"),
			Timestamp: Time{time.Unix(rapid.Int64Range(0, 4e9).Draw(t, "ts"), 0).UTC()},
		}
		b, err := in.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		out, err := DecodeFrame(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.ID != in.ID || out.Sender != in.Sender || out.Content != in.Content ||
			out.ChatID != in.ChatID || out.Type != in.Type || out.IsEdited != in.IsEdited ||
			!out.Timestamp.Equal(in.Timestamp.Time) {
			t.Fatalf("round trip mismatch: %+v != %+v", out, in)
		}
	})
}
