package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/tbourn/meowtalk-relay/internal/domain"
)

// ChatListerMock implements handlers.ChatLister.
type ChatListerMock struct {
	mock.Mock
}

func (m *ChatListerMock) ChatsForUser(ctx context.Context, userID string) ([]domain.Chat, error) {
	args := m.Called(ctx, userID)
	chats, _ := args.Get(0).([]domain.Chat)
	return chats, args.Error(1)
}

// HistoryReaderMock implements handlers.HistoryReader.
type HistoryReaderMock struct {
	mock.Mock
}

func (m *HistoryReaderMock) HistoryPage(ctx context.Context, userID, chatID string, page, pageSize int) ([]domain.Message, int64, error) {
	args := m.Called(ctx, userID, chatID, page, pageSize)
	msgs, _ := args.Get(0).([]domain.Message)
	total, _ := args.Get(1).(int64)
	return msgs, total, args.Error(2)
}
