package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/meowtalk-relay/internal/domain"
	"github.com/tbourn/meowtalk-relay/internal/http/middleware"
)

// ChatLister lists the chats a user belongs to.
type ChatLister interface {
	ChatsForUser(ctx context.Context, userID string) ([]domain.Chat, error)
}

// HistoryReader returns one page of a chat's history as seen by a reader.
type HistoryReader interface {
	HistoryPage(ctx context.Context, userID, chatID string, page, pageSize int) ([]domain.Message, int64, error)
}

// Handlers groups the REST endpoints.
type Handlers struct {
	chats   ChatLister
	history HistoryReader
	// conns reports open relay connections for /health; nil reports 0.
	conns func() int
}

// New binds handlers to their services.
func New(chats ChatLister, history HistoryReader, conns func() int) *Handlers {
	return &Handlers{chats: chats, history: history, conns: conns}
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status      string `json:"status" example:"ok"`
	Connections int    `json:"connections" example:"3"`
}

// ListChatsResponse wraps a user's chats in membership order.
type ListChatsResponse struct {
	Chats []domain.Chat `json:"chats"`
}

// Health godoc
// @ID          health
// @Summary     Liveness probe
// @Tags        System
// @Produce     json
// @Success     200  {object}  handlers.HealthResponse
// @Router      /health [get]
func (h *Handlers) Health(c *gin.Context) {
	n := 0
	if h.conns != nil {
		n = h.conns()
	}
	ok(c, http.StatusOK, HealthResponse{Status: "ok", Connections: n})
}

// ListUserChats godoc
// @ID          listUserChats
// @Summary     List a user's chats
// @Description Returns the chats the user belongs to, oldest membership first.
// @Tags        Chats
// @Produce     json
// @Param       id   path  string  true  "User ID"
// @Success     200  {object}  handlers.ListChatsResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /users/{id}/chats [get]
func (h *Handlers) ListUserChats(c *gin.Context) {
	uid := strings.TrimSpace(c.Param("id"))
	if uid == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id required")
		return
	}
	chats, err := h.chats.ChatsForUser(c.Request.Context(), uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list chats")
		return
	}
	if chats == nil {
		chats = []domain.Chat{}
	}
	ok(c, http.StatusOK, ListChatsResponse{Chats: chats})
}

// readerID returns the X-User-ID header value.
func readerID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(middleware.UserIDHeader))
}
