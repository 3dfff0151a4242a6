package repo

import (
	"context"
	"errors"
	"sync"
	"testing"

	"gorm.io/gorm"

	"github.com/tbourn/meowtalk-relay/internal/domain"
)

func seedUser(t *testing.T, db *gorm.DB, username string) *domain.User {
	t.Helper()
	u, _, err := CreateUserIfAbsent(context.Background(), db, username, "online")
	if err != nil {
		t.Fatalf("seed user %s: %v", username, err)
	}
	return u
}

func TestEnsureChat_CreatesOnceAndKeepsName(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	c, created, err := EnsureChat(ctx, db, "general", "General")
	if err != nil || !created || c.Name != "General" {
		t.Fatalf("first EnsureChat = %+v created=%v err=%v", c, created, err)
	}
	again, created, err := EnsureChat(ctx, db, "general", "Other name")
	if err != nil || created {
		t.Fatalf("second EnsureChat created=%v err=%v", created, err)
	}
	if again.Name != "General" {
		t.Fatalf("existing chat name must be preserved, got %q", again.Name)
	}
	ok, err := ChatExists(ctx, db, "general")
	if err != nil || !ok {
		t.Fatalf("ChatExists = %v, %v", ok, err)
	}
	if ok, _ := ChatExists(ctx, db, "nope"); ok {
		t.Fatalf("unexpected chat")
	}
}

func TestGetChat_NotFound(t *testing.T) {
	db := newRepoDB(t)
	if _, err := GetChat(context.Background(), db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnsureChat_ErrorWithoutTable(t *testing.T) {
	db := newRepoDB(t)
	if err := db.Migrator().DropTable(&domain.UserChat{}, &domain.EncryptedMessage{}, &domain.Message{}, &domain.Chat{}); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, _, err := EnsureChat(context.Background(), db, "c", "n"); err == nil {
		t.Fatalf("expected error without chats table")
	}
}

func TestEnsureMembership_Idempotent(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	u := seedUser(t, db, "alice")
	if _, _, err := EnsureChat(ctx, db, "c1", "n"); err != nil {
		t.Fatalf("chat: %v", err)
	}

	created, err := EnsureMembership(ctx, db, u.UserID, "c1")
	if err != nil || !created {
		t.Fatalf("first membership created=%v err=%v", created, err)
	}
	created, err = EnsureMembership(ctx, db, u.UserID, "c1")
	if err != nil || created {
		t.Fatalf("second membership created=%v err=%v", created, err)
	}
	n, err := countMemberships(ctx, db, u.UserID, "c1")
	if err != nil || n != 1 {
		t.Fatalf("expected exactly one membership row, got %d (%v)", n, err)
	}
}

func TestEnsureMembership_ConcurrentCallersConverge(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	u := seedUser(t, db, "alice")
	if _, _, err := EnsureChat(ctx, db, "c1", "n"); err != nil {
		t.Fatalf("chat: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := EnsureMembership(ctx, db, u.UserID, "c1"); err != nil {
				t.Errorf("EnsureMembership: %v", err)
			}
		}()
	}
	wg.Wait()
	if n, _ := countMemberships(ctx, db, u.UserID, "c1"); n != 1 {
		t.Fatalf("expected 1 membership row, got %d", n)
	}
}

func TestChatsForUser_MembershipOrder(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	u := seedUser(t, db, "alice")
	other := seedUser(t, db, "bob")

	for _, id := range []string{"zeta", "alpha", "mid"} {
		if _, _, err := EnsureChat(ctx, db, id, id); err != nil {
			t.Fatalf("chat %s: %v", id, err)
		}
		if _, err := EnsureMembership(ctx, db, u.UserID, id); err != nil {
			t.Fatalf("membership %s: %v", id, err)
		}
	}
	if _, _, err := EnsureChat(ctx, db, "bob-only", "b"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if _, err := EnsureMembership(ctx, db, other.UserID, "bob-only"); err != nil {
		t.Fatalf("membership: %v", err)
	}

	chats, err := ChatsForUser(ctx, db, u.UserID)
	if err != nil {
		t.Fatalf("ChatsForUser: %v", err)
	}
	if len(chats) != 3 || chats[0].ChatID != "zeta" || chats[1].ChatID != "alpha" || chats[2].ChatID != "mid" {
		t.Fatalf("unexpected chats/order: %+v", chats)
	}

	ids, err := MemberIDs(ctx, db, "bob-only")
	if err != nil || len(ids) != 1 || ids[0] != other.UserID {
		t.Fatalf("MemberIDs = %v, %v", ids, err)
	}

	all, err := ListChats(ctx, db)
	if err != nil || len(all) != 4 {
		t.Fatalf("ListChats = %d, %v", len(all), err)
	}
}
