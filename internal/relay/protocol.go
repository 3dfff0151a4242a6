package relay

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/meowtalk-relay/internal/domain"
)

// Directive prefixes and markers carried in System frame content.
const (
	EditSyncPrefix   = "sync_edit_message:"
	DeleteSyncPrefix = "sync_delete_message:"
	ClearHistory     = "clear_chat_history"
	ClearHistorySync = "sync_clear_chat_history"
	ChatCreateMarker = "создал чат"
	joinMarkerRU     = "присоединился"
	joinMarkerEN     = "joined"
)

// Kind is the classification of an inbound frame.
type Kind int

const (
	KindText Kind = iota
	KindSticker
	KindJoin
	KindChatCreate
	KindEditSync
	KindDeleteSync
	KindClearHistory
	KindEdit
	KindDelete
	KindSystem
)

var kindNames = [...]string{
	KindText:         "text",
	KindSticker:      "sticker",
	KindJoin:         "join",
	KindChatCreate:   "chat_create",
	KindEditSync:     "edit_sync",
	KindDeleteSync:   "delete_sync",
	KindClearHistory: "clear_history",
	KindEdit:         "edit",
	KindDelete:       "delete",
	KindSystem:       "system",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Normalize rewrites the sender and chat id of f to NFC, so composed and
// decomposed spellings of a name resolve to the same user and chat. It
// reports whether anything changed.
func Normalize(f *Frame) bool {
	changed := false
	for _, s := range []*string{&f.Sender, &f.ChatID} {
		if n := norm.NFC.String(*s); n != *s {
			*s = n
			changed = true
		}
	}
	return changed
}

// fold case-folds s for marker matching. Casers keep state, so one is built
// per call.
func fold(s string) string {
	return cases.Fold().String(s)
}

// Classify decides how a frame is handled from its type and content.
// Clear directives are recognized on any frame type; the other directives
// and markers only on System frames. Directives match exactly, markers
// regardless of case.
func Classify(f *Frame) Kind {
	content := norm.NFC.String(strings.TrimSpace(f.Content))

	if content == ClearHistory || content == ClearHistorySync {
		return KindClearHistory
	}

	switch f.Type {
	case domain.TypeSystem:
		folded := fold(content)
		switch {
		case strings.HasPrefix(content, EditSyncPrefix):
			return KindEditSync
		case strings.HasPrefix(content, DeleteSyncPrefix):
			return KindDeleteSync
		case strings.Contains(folded, ChatCreateMarker):
			return KindChatCreate
		case strings.Contains(folded, joinMarkerRU) || strings.Contains(folded, joinMarkerEN):
			return KindJoin
		default:
			return KindSystem
		}
	case domain.TypeEdit:
		return KindEdit
	case domain.TypeDelete:
		return KindDelete
	case domain.TypeSticker:
		return KindSticker
	default:
		m := domain.Message{Type: f.Type, Content: f.Content, MediaType: f.MediaType}
		if m.IsStickerLike() {
			return KindSticker
		}
		return KindText
	}
}

// DirectiveTarget returns the message id following prefix in content.
func DirectiveTarget(content, prefix string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(content, prefix))
}

// CreatedChatID extracts the chat id from "<user> создал чат <chatId>". The
// marker matches regardless of case; the id keeps its case and is returned
// in NFC.
func CreatedChatID(content string) string {
	fields := strings.Fields(norm.NFC.String(content))
	marker := strings.Fields(ChatCreateMarker)
	for i := 0; i+len(marker) < len(fields); i++ {
		if fold(fields[i]) == marker[0] && fold(fields[i+1]) == marker[1] {
			return fields[i+len(marker)]
		}
	}
	return ""
}
