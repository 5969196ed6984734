package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kostpay/chat-gateway/internal/dispatcher"
	"github.com/kostpay/chat-gateway/internal/model"
	"github.com/kostpay/chat-gateway/internal/repository"
	"github.com/kostpay/chat-gateway/internal/session"
)

type MockNotificationRepo struct {
	mock.Mock
}

func (m *MockNotificationRepo) Create(ctx context.Context, n *model.Notification) (*model.Notification, error) {
	args := m.Called(ctx, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Notification), args.Error(1)
}

func (m *MockNotificationRepo) Get(ctx context.Context, id string) (*model.Notification, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Notification), args.Error(1)
}

func (m *MockNotificationRepo) MarkSent(ctx context.Context, id string, externalID string, at time.Time) (bool, error) {
	args := m.Called(ctx, id, externalID, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockNotificationRepo) MarkFailed(ctx context.Context, id string, errorMessage string, at time.Time) (bool, error) {
	args := m.Called(ctx, id, errorMessage, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockNotificationRepo) AdvanceStatus(ctx context.Context, id string, next model.NotificationStatus, at time.Time) (bool, error) {
	args := m.Called(ctx, id, next, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockNotificationRepo) List(ctx context.Context, f model.NotificationFilter) ([]*model.Notification, int64, error) {
	args := m.Called(ctx, f)
	return args.Get(0).([]*model.Notification), args.Get(1).(int64), args.Error(2)
}

func (m *MockNotificationRepo) ListWithReceipts(ctx context.Context, f model.NotificationFilter) ([]*model.NotificationWithReceipts, int64, error) {
	args := m.Called(ctx, f)
	return args.Get(0).([]*model.NotificationWithReceipts), args.Get(1).(int64), args.Error(2)
}

type MockReceiptRepo struct {
	mock.Mock
}

func (m *MockReceiptRepo) Append(ctx context.Context, rr *model.ReadReceipt) (*model.ReadReceipt, error) {
	args := m.Called(ctx, rr)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ReadReceipt), args.Error(1)
}

func (m *MockReceiptRepo) ListByNotification(ctx context.Context, notificationID string) ([]*model.ReadReceipt, error) {
	args := m.Called(ctx, notificationID)
	return args.Get(0).([]*model.ReadReceipt), args.Error(1)
}

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, sessionID string, msg dispatcher.Message) (string, error) {
	args := m.Called(ctx, sessionID, msg)
	return args.String(0), args.Error(1)
}

func newTestService() (*Service, *MockNotificationRepo, *MockReceiptRepo, *MockSender) {
	notifications := new(MockNotificationRepo)
	receipts := new(MockReceiptRepo)
	sender := new(MockSender)
	return NewService(notifications, receipts, sender), notifications, receipts, sender
}

func TestService_CreateValidates(t *testing.T) {
	s, notifications, _, _ := newTestService()

	_, err := s.Create(context.Background(), model.NotificationCreateRequest{
		Channel:   "carrier-pigeon",
		Recipient: "0812",
		Body:      "hi",
	})
	assert.Error(t, err)

	_, err = s.Create(context.Background(), model.NotificationCreateRequest{
		Channel: model.ChannelChat,
		Body:    "hi",
	})
	assert.Error(t, err)

	notifications.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestService_CreateOpensPendingRow(t *testing.T) {
	s, notifications, _, _ := newTestService()

	notifications.On("Create", mock.Anything, mock.MatchedBy(func(n *model.Notification) bool {
		return n.ID != "" &&
			n.Status == model.NotificationStatusPending &&
			n.Channel == model.ChannelChat &&
			n.Recipient == "081234567890"
	})).Return(&model.Notification{ID: "n1", Status: model.NotificationStatusPending}, nil)

	n, err := s.Create(context.Background(), model.NotificationCreateRequest{
		SessionID: "s1",
		Channel:   model.ChannelChat,
		Recipient: " 081234567890 ",
		Body:      "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusPending, n.Status)
	notifications.AssertExpectations(t)
}

func TestService_SendChatSuccess(t *testing.T) {
	s, notifications, _, sender := newTestService()

	notifications.On("Create", mock.Anything, mock.Anything).
		Return(&model.Notification{ID: "n1", Status: model.NotificationStatusPending}, nil)
	sender.On("Send", mock.Anything, "s1", mock.MatchedBy(func(msg dispatcher.Message) bool {
		return msg.Recipient == "081234567890" && msg.Body == "hello"
	})).Return("abc123", nil)
	notifications.On("MarkSent", mock.Anything, "n1", "abc123", mock.Anything).Return(true, nil)

	n, err := s.SendChat(context.Background(), "s1", "081234567890", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusSent, n.Status)
	require.NotNil(t, n.ExternalMessageID)
	assert.Equal(t, "abc123", *n.ExternalMessageID)
	notifications.AssertExpectations(t)
}

func TestService_SendChatFailureMarksFailed(t *testing.T) {
	s, notifications, _, sender := newTestService()

	notifications.On("Create", mock.Anything, mock.Anything).
		Return(&model.Notification{ID: "n1", Status: model.NotificationStatusPending}, nil)
	sender.On("Send", mock.Anything, "s1", mock.Anything).Return("", session.ErrNotConnected)
	notifications.On("MarkFailed", mock.Anything, "n1", session.ErrNotConnected.Error(), mock.Anything).
		Return(true, nil)

	n, err := s.SendChat(context.Background(), "s1", "081234567890", "hello", nil)
	assert.ErrorIs(t, err, session.ErrNotConnected)
	assert.Equal(t, model.NotificationStatusFailed, n.Status)
	notifications.AssertExpectations(t)
}

func TestService_MarkReadUnknownNotification(t *testing.T) {
	s, notifications, receipts, _ := newTestService()

	notifications.On("Get", mock.Anything, "missing").Return(nil, repository.ErrNotFound)

	err := s.MarkRead(context.Background(), "missing", model.ReceiptContext{})
	assert.ErrorIs(t, err, ErrNotFound)
	receipts.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestService_MarkReadAppendsReceiptEvenWhenStale(t *testing.T) {
	s, notifications, receipts, _ := newTestService()

	ua := "Mozilla/5.0"
	notifications.On("Get", mock.Anything, "n1").
		Return(&model.Notification{ID: "n1", Status: model.NotificationStatusRead}, nil)
	// already read; the CAS is a no-op
	notifications.On("AdvanceStatus", mock.Anything, "n1", model.NotificationStatusRead, mock.Anything).
		Return(false, nil)
	receipts.On("Append", mock.Anything, mock.MatchedBy(func(rr *model.ReadReceipt) bool {
		return rr.NotificationID == "n1" &&
			rr.Source == model.ReceiptSourceHTTPPixel &&
			rr.UserAgent != nil && *rr.UserAgent == ua
	})).Return(&model.ReadReceipt{ID: 2}, nil)

	err := s.MarkRead(context.Background(), "n1", model.ReceiptContext{UserAgent: &ua})
	require.NoError(t, err)
	receipts.AssertExpectations(t)
}

func TestService_MarkReadTwiceAccumulatesReceipts(t *testing.T) {
	s, notifications, receipts, _ := newTestService()

	notifications.On("Get", mock.Anything, "n1").
		Return(&model.Notification{ID: "n1", Status: model.NotificationStatusSent}, nil)
	notifications.On("AdvanceStatus", mock.Anything, "n1", model.NotificationStatusRead, mock.Anything).
		Return(true, nil).Once()
	notifications.On("AdvanceStatus", mock.Anything, "n1", model.NotificationStatusRead, mock.Anything).
		Return(false, nil).Once()
	receipts.On("Append", mock.Anything, mock.Anything).Return(&model.ReadReceipt{}, nil).Twice()

	require.NoError(t, s.MarkRead(context.Background(), "n1", model.ReceiptContext{}))
	require.NoError(t, s.MarkRead(context.Background(), "n1", model.ReceiptContext{}))
	receipts.AssertNumberOfCalls(t, "Append", 2)
}
