package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	// Enforce FKs so cascades actually execute.
	db.Exec("PRAGMA foreign_keys=ON;")
	return db
}

func TestTableNames(t *testing.T) {
	cases := map[string]string{
		(User{}).TableName():             "users",
		(Chat{}).TableName():             "chats",
		(Message{}).TableName():          "messages",
		(EncryptedMessage{}).TableName(): "encrypted_messages",
		(UserChat{}).TableName():         "user_chats",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("TableName() = %q; want %q", got, want)
		}
	}
}

func TestMessageType_JSON(t *testing.T) {
	var m struct {
		Type MessageType `json:"type"`
	}
	for in, want := range map[string]MessageType{
		`{"type":"Sticker"}`: TypeSticker,
		`{"type":"system"}`:  TypeSystem,
		`{"type":3}`:         TypeEdit,
		`{"type":4}`:         TypeDelete,
		`{"type":null}`:      TypeText,
		`{"type":""}`:        TypeText,
	} {
		m.Type = ""
		if err := json.Unmarshal([]byte(in), &m); err != nil {
			t.Fatalf("unmarshal %s: %v", in, err)
		}
		if m.Type != want {
			t.Fatalf("unmarshal %s = %q; want %q", in, m.Type, want)
		}
	}

	for _, bad := range []string{`{"type":7}`, `{"type":-1}`, `{"type":"Voice"}`, `{"type":true}`} {
		if err := json.Unmarshal([]byte(bad), &m); err == nil {
			t.Fatalf("expected error for %s", bad)
		}
	}

	b, err := json.Marshal(Message{Type: TypeDelete})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	_ = json.Unmarshal(b, &raw)
	if raw["type"] != "Delete" {
		t.Fatalf("type encoded as %v; want \"Delete\"", raw["type"])
	}
	if _, ok := raw["chatId"]; !ok {
		t.Fatalf("expected camelCase chatId key in %s", b)
	}

	empty, _ := json.Marshal(MessageType(""))
	if string(empty) != `"Text"` {
		t.Fatalf("zero type encoded as %s", empty)
	}
}

func TestIsStickerLike(t *testing.T) {
	cases := []struct {
		name string
		m    Message
		want bool
	}{
		{"sticker type", Message{Type: TypeSticker, Content: "cat.png"}, true},
		{"text with sticker media", Message{Type: TypeText, MediaType: "Sticker"}, true},
		{"text with image media", Message{Type: TypeText, MediaType: "image"}, true},
		{"text with marker", Message{Type: TypeText, Content: "[STICKER]cat"}, true},
		{"plain text", Message{Type: TypeText, Content: "hello"}, false},
		{"system with marker", Message{Type: TypeSystem, Content: "[STICKER]x"}, false},
	}
	for _, tc := range cases {
		if got := tc.m.IsStickerLike(); got != tc.want {
			t.Fatalf("%s: IsStickerLike() = %v; want %v", tc.name, got, tc.want)
		}
	}
}

func TestMigrations_Indexes_AndCascades(t *testing.T) {
	db := newDomainDB(t)

	if err := db.AutoMigrate(&User{}, &Chat{}, &Message{}, &EncryptedMessage{}, &UserChat{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()

	for _, tbl := range []any{&User{}, &Chat{}, &Message{}, &EncryptedMessage{}, &UserChat{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}
	if !m.HasIndex(&Message{}, "idx_chat_msgs") {
		t.Fatalf("expected index idx_chat_msgs on messages")
	}
	if !m.HasIndex(&EncryptedMessage{}, "ux_encrypted_message_user") {
		t.Fatalf("expected unique index ux_encrypted_message_user")
	}
	if !m.HasIndex(&UserChat{}, "ux_user_chat") {
		t.Fatalf("expected unique index ux_user_chat")
	}

	now := time.Now().UTC()
	if err := db.Create(&User{UserID: "u1", Username: "alice", Status: "online"}).Error; err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if err := db.Create(&Chat{ChatID: "c1", Name: "General"}).Error; err != nil {
		t.Fatalf("insert chat: %v", err)
	}
	msg := &Message{ID: "m1", Sender: "alice", Content: "hello", ChatID: "c1", Timestamp: now, Type: TypeText}
	if err := db.Create(msg).Error; err != nil {
		t.Fatalf("insert message: %v", err)
	}
	em := &EncryptedMessage{MessageID: "m1", UserID: "u1", Encoding: EncodingEncrypted, EncryptedContent: []byte{1}, EncryptedAt: now}
	if err := db.Create(em).Error; err != nil {
		t.Fatalf("insert copy: %v", err)
	}

	// CASCADE: deleting a message deletes its copies.
	if err := db.Delete(&Message{}, "id = ?", "m1").Error; err != nil {
		t.Fatalf("delete message: %v", err)
	}
	var cnt int64
	db.Model(&EncryptedMessage{}).Where("message_id = ?", "m1").Count(&cnt)
	if cnt != 0 {
		t.Fatalf("expected copies to cascade-delete, got %d", cnt)
	}

	// CASCADE: deleting a chat deletes its memberships.
	if err := db.Create(&UserChat{UserID: "u1", ChatID: "c1", JoinedAt: now}).Error; err != nil {
		t.Fatalf("insert membership: %v", err)
	}
	if err := db.Delete(&Chat{}, "chat_id = ?", "c1").Error; err != nil {
		t.Fatalf("delete chat: %v", err)
	}
	db.Model(&UserChat{}).Where("chat_id = ?", "c1").Count(&cnt)
	if cnt != 0 {
		t.Fatalf("expected memberships to cascade-delete, got %d", cnt)
	}
}

// tableDDL returns the CREATE TABLE statement with identifier quotes removed.
func tableDDL(t *testing.T, db *gorm.DB, table string) string {
	t.Helper()
	var ddl string
	if err := db.Raw("SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&ddl).Error; err != nil {
		t.Fatalf("read ddl for %s: %v", table, err)
	}
	return strings.NewReplacer("`", "", `"`, "").Replace(ddl)
}

func TestMigrations_ForeignKeysLiveOnChildTables(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&User{}, &Chat{}, &Message{}, &EncryptedMessage{}, &UserChat{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	for _, parent := range []string{"users", "chats"} {
		if ddl := tableDDL(t, db, parent); strings.Contains(ddl, "REFERENCES") {
			t.Fatalf("%s must not reference other tables:\n%s", parent, ddl)
		}
	}

	want := map[string][]string{
		"messages":           {"FOREIGN KEY (chat_id) REFERENCES chats(chat_id)"},
		"user_chats":         {"FOREIGN KEY (user_id) REFERENCES users(user_id)", "FOREIGN KEY (chat_id) REFERENCES chats(chat_id)"},
		"encrypted_messages": {"FOREIGN KEY (user_id) REFERENCES users(user_id)", "FOREIGN KEY (message_id) REFERENCES messages(id)"},
	}
	for table, fks := range want {
		ddl := tableDDL(t, db, table)
		for _, fk := range fks {
			if !strings.Contains(ddl, fk) {
				t.Fatalf("%s missing %q:\n%s", table, fk, ddl)
			}
		}
		if strings.Count(ddl, "ON DELETE CASCADE") != len(fks) {
			t.Fatalf("%s: every foreign key must cascade on delete:\n%s", table, ddl)
		}
	}
}

func TestMigrations_RejectOrphans(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&User{}, &Chat{}, &Message{}, &EncryptedMessage{}, &UserChat{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	now := time.Now().UTC()

	if err := db.Create(&UserChat{UserID: "ghost", ChatID: "nowhere", JoinedAt: now}).Error; err == nil {
		t.Fatalf("membership without user and chat must fail")
	}
	if err := db.Create(&Message{ID: "m1", Sender: "a", Content: "x", ChatID: "nowhere", Timestamp: now, Type: TypeText}).Error; err == nil {
		t.Fatalf("message without chat must fail")
	}

	// Removing a user drops their copies and memberships.
	if err := db.Create(&User{UserID: "u1", Username: "alice"}).Error; err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if err := db.Create(&Chat{ChatID: "c1", Name: "General"}).Error; err != nil {
		t.Fatalf("insert chat: %v", err)
	}
	if err := db.Create(&Message{ID: "m1", Sender: "alice", Content: "x", ChatID: "c1", Timestamp: now, Type: TypeText}).Error; err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if err := db.Create(&EncryptedMessage{MessageID: "m1", UserID: "u1", EncryptedContent: []byte{1}, EncryptedAt: now}).Error; err != nil {
		t.Fatalf("insert copy: %v", err)
	}
	if err := db.Create(&UserChat{UserID: "u1", ChatID: "c1", JoinedAt: now}).Error; err != nil {
		t.Fatalf("insert membership: %v", err)
	}
	if err := db.Delete(&User{}, "user_id = ?", "u1").Error; err != nil {
		t.Fatalf("delete user: %v", err)
	}
	var copies, members int64
	db.Model(&EncryptedMessage{}).Count(&copies)
	db.Model(&UserChat{}).Count(&members)
	if copies != 0 || members != 0 {
		t.Fatalf("expected cascade from users, got copies=%d members=%d", copies, members)
	}
}
