package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/meowtalk-relay/internal/domain"
	"github.com/tbourn/meowtalk-relay/internal/services"
	"github.com/tbourn/meowtalk-relay/internal/utils"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Pagination describes the page returned alongside a list.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListMessagesResponse is one page of a reader's history, oldest first.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// ListMessages godoc
// @ID          listMessages
// @Summary     Read chat history
// @Description Returns a page of the chat's history decrypted for the reader
// @Description named by X-User-ID. Copies that cannot be decrypted carry a placeholder.
// @Tags        Messages
// @Produce     json
// @Param       X-User-ID  header  string  true   "Reader user ID"
// @Param       id         path    string  true   "Chat ID"  example(general)
// @Param       page       query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query   int     false  "Items per page"  minimum(1) maximum(200) default(50)
// @Success     200  {object}  handlers.ListMessagesResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     401  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /chats/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	uid := readerID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID header required")
		return
	}
	chatID := strings.TrimSpace(c.Param("id"))
	if chatID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chat id required")
		return
	}
	p := utils.ParsePage(c.Query("page"), c.Query("page_size"), defaultPageSize, maxPageSize)

	msgs, total, err := h.history.HistoryPage(c.Request.Context(), uid, chatID, p.Number, p.Size)
	switch {
	case errors.Is(err, services.ErrChatNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "chat not found")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not load history")
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}

	pages := utils.TotalPages(total, p.Size)
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages: msgs,
		Pagination: Pagination{
			Page:       p.Number,
			PageSize:   p.Size,
			Total:      total,
			TotalPages: pages,
			HasNext:    p.Number < pages,
		},
	})
}
