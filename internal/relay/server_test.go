package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/meowtalk-relay/internal/domain"
	"github.com/tbourn/meowtalk-relay/internal/events"
	"github.com/tbourn/meowtalk-relay/internal/keystore"
	"github.com/tbourn/meowtalk-relay/internal/mocks"
	"github.com/tbourn/meowtalk-relay/internal/repo"
	"github.com/tbourn/meowtalk-relay/internal/services"
)

type harness struct {
	db  *gorm.DB
	srv *Server
	ts  *httptest.Server
	pub *mocks.PublisherMock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:relay_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	db.Exec("PRAGMA foreign_keys=ON;")
	require.NoError(t, repo.AutoMigrate(db))

	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	d := NewDispatcher(
		services.NewMessageService(db, keystore.New()),
		services.NewChatService(db),
		&services.UserService{DB: db},
		pub,
	)
	srv := NewServer(d, Options{WriteTimeout: 5 * time.Second, ReadLimit: 1 << 20, SendBuffer: 512})
	ts := httptest.NewServer(http.HandlerFunc(srv.ServeWS))

	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
		_ = sqlDB.Close()
	})
	return &harness{db: db, srv: srv, ts: ts, pub: pub}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	before := h.srv.Connections()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.Eventually(t, func() bool { return h.srv.Connections() > before }, 2*time.Second, 10*time.Millisecond)
	return ws
}

func send(t *testing.T, ws *websocket.Conn, f Frame) {
	t.Helper()
	b, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, b))
}

// readUntil reads frames until match accepts one or the deadline passes.
func readUntil(t *testing.T, ws *websocket.Conn, match func(*Frame) bool) *Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "no matching frame received")
		f, err := DecodeFrame(data)
		require.NoError(t, err)
		if match(f) {
			return f
		}
	}
}

func joinAs(t *testing.T, ws *websocket.Conn, name string) {
	t.Helper()
	send(t, ws, Frame{Sender: name, Content: name + " присоединился к чату", Type: domain.TypeSystem})
	readUntil(t, ws, func(f *Frame) bool {
		return f.Sender == name && f.Type == domain.TypeSystem && strings.Contains(f.Content, "присоединился")
	})
}

func usersOf(m map[string]string) []domain.User {
	out := make([]domain.User, 0, len(m))
	for name, id := range m {
		out = append(out, domain.User{Username: name, UserID: id})
	}
	return out
}

func TestRelay_PrivateChatJourney(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, bob := h.dial(t), h.dial(t)

	joinAs(t, alice, "alice")
	joinAs(t, bob, "bob")

	send(t, alice, Frame{
		Sender:  "alice",
		Content: "alice создал чат private_alice_bob",
		ChatID:  "private_alice_bob",
		Type:    domain.TypeSystem,
	})
	readUntil(t, bob, func(f *Frame) bool { return strings.Contains(f.Content, "создал чат") })

	chat, err := repo.GetChat(ctx, h.db, "private_alice_bob")
	require.NoError(t, err)
	assert.Equal(t, "Чат private_alice_bob", chat.Name)

	send(t, alice, Frame{Sender: "alice", Content: "hi", ChatID: "private_alice_bob", Type: domain.TypeText})

	var got [2]*Frame
	for i, ws := range []*websocket.Conn{alice, bob} {
		got[i] = readUntil(t, ws, func(f *Frame) bool { return f.Content == "hi" })
		assert.NotEmpty(t, got[i].ID)
		assert.Equal(t, "private_alice_bob", got[i].ChatID)
	}
	assert.Equal(t, got[0].ID, got[1].ID)

	var n int64
	require.NoError(t, h.db.WithContext(ctx).Model(&domain.EncryptedMessage{}).Where("message_id = ?", got[0].ID).Count(&n).Error)
	assert.EqualValues(t, 2, n, "one copy per known user")

	h.pub.AssertCalled(t, "Publish", mock.Anything, events.MessageSaved, mock.Anything)
	h.pub.AssertCalled(t, "Publish", mock.Anything, events.ChatCreated, mock.Anything)
}

func TestRelay_JoinReplaysHistory(t *testing.T) {
	h := newHarness(t)
	alice := h.dial(t)
	joinAs(t, alice, "alice")
	send(t, alice, Frame{Sender: "alice", Content: "before bob", Type: domain.TypeText})
	readUntil(t, alice, func(f *Frame) bool { return f.Content == "before bob" })

	bob := h.dial(t)
	send(t, bob, Frame{Sender: "bob", Content: "bob joined", Type: domain.TypeSystem})
	f := readUntil(t, bob, func(f *Frame) bool { return f.Content == "before bob" })
	assert.Equal(t, DefaultChatID, f.ChatID)
	assert.False(t, f.IsMyMessage)
}

func TestRelay_EditSyncUpdatesStoredMessage(t *testing.T) {
	h := newHarness(t)
	alice := h.dial(t)
	joinAs(t, alice, "alice")

	send(t, alice, Frame{Sender: "alice", Content: "draft", ChatID: "c1", Type: domain.TypeText})
	saved := readUntil(t, alice, func(f *Frame) bool { return f.Content == "draft" })

	send(t, alice, Frame{
		Sender:          "alice",
		Content:         EditSyncPrefix + saved.ID,
		OriginalContent: "final",
		ChatID:          "c1",
		Type:            domain.TypeSystem,
	})
	readUntil(t, alice, func(f *Frame) bool { return strings.HasPrefix(f.Content, EditSyncPrefix) })

	m, err := repo.GetMessage(context.Background(), h.db, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "final", m.Content)
	assert.Equal(t, "draft", m.OriginalContent)
	assert.True(t, m.IsEdited)
}

func TestRelay_DeleteUnknownStillBroadcasts(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.dial(t), h.dial(t)
	joinAs(t, alice, "alice")

	send(t, alice, Frame{Sender: "alice", Content: DeleteSyncPrefix + "nope", ChatID: "c1", Type: domain.TypeSystem})
	f := readUntil(t, bob, func(f *Frame) bool { return strings.HasPrefix(f.Content, DeleteSyncPrefix) })
	assert.Equal(t, "c1", f.ChatID)
	h.pub.AssertCalled(t, "Publish", mock.Anything, events.MessageDeleted, mock.Anything)
}

func TestRelay_MalformedFrameIsSkipped(t *testing.T) {
	h := newHarness(t)
	alice := h.dial(t)
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	joinAs(t, alice, "alice")
	assert.Equal(t, 1, h.srv.Connections())
}

func TestRelay_ConcurrentTextFrames(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.dial(t), h.dial(t)
	joinAs(t, alice, "alice")
	joinAs(t, bob, "bob")

	const perClient = 10
	var wg sync.WaitGroup
	for _, c := range []struct {
		ws   *websocket.Conn
		name string
	}{{alice, "alice"}, {bob, "bob"}} {
		wg.Add(1)
		go func(ws *websocket.Conn, name string) {
			defer wg.Done()
			for i := 0; i < perClient; i++ {
				b, _ := json.Marshal(Frame{Sender: name, Content: fmt.Sprintf("%s-%d", name, i), ChatID: "room", Type: domain.TypeText})
				_ = ws.WriteMessage(websocket.TextMessage, b)
			}
		}(c.ws, c.name)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		var n int64
		err := h.db.Model(&domain.Message{}).Where("chat_id = ?", "room").Count(&n).Error
		return err == nil && n == 2*perClient
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRelay_DecomposedSenderResolvesToOneUser(t *testing.T) {
	h := newHarness(t)
	first, second := h.dial(t), h.dial(t)

	decomposed := norm.NFD.String("Андрей")
	require.NotEqual(t, "Андрей", decomposed)
	send(t, first, Frame{Sender: decomposed, Content: decomposed + " присоединился к чату", Type: domain.TypeSystem})
	got := readUntil(t, first, func(f *Frame) bool { return f.Type == domain.TypeSystem })
	assert.Equal(t, "Андрей", got.Sender, "broadcast carries the composed name")

	joinAs(t, second, "Андрей")

	var n int64
	require.NoError(t, h.db.Model(&domain.User{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestRelay_DisconnectMarksOffline(t *testing.T) {
	h := newHarness(t)
	alice := h.dial(t)
	joinAs(t, alice, "alice")

	require.NoError(t, alice.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	require.Eventually(t, func() bool {
		u, err := repo.GetUserByUsername(context.Background(), h.db, "alice")
		return err == nil && !u.IsOnline
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, h.srv.Connections())
}
