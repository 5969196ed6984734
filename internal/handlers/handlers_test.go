package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kostpay/chat-gateway/internal/dispatcher"
	"github.com/kostpay/chat-gateway/internal/model"
	"github.com/kostpay/chat-gateway/internal/payments"
	"github.com/kostpay/chat-gateway/internal/session"
	xhttp "github.com/kostpay/chat-gateway/pkg/http"
)

type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) Connect(ctx context.Context, sessionID string) (model.SessionSnapshot, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(model.SessionSnapshot), args.Error(1)
}

func (m *MockSessionService) Disconnect(ctx context.Context, sessionID string) model.SessionSnapshot {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(model.SessionSnapshot)
}

func (m *MockSessionService) Reset(ctx context.Context, sessionID string) (model.SessionSnapshot, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(model.SessionSnapshot), args.Error(1)
}

func (m *MockSessionService) Status(sessionID string) model.SessionSnapshot {
	args := m.Called(sessionID)
	return args.Get(0).(model.SessionSnapshot)
}

type MockNotificationService struct {
	mock.Mock
}

func (m *MockNotificationService) SendChat(ctx context.Context, sessionID string, recipient string, body string, attachment *dispatcher.Attachment) (*model.Notification, error) {
	args := m.Called(ctx, sessionID, recipient, body, attachment)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Notification), args.Error(1)
}

func (m *MockNotificationService) Get(ctx context.Context, id string) (*model.Notification, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Notification), args.Error(1)
}

func (m *MockNotificationService) List(ctx context.Context, f model.NotificationFilter) ([]*model.Notification, int64, error) {
	args := m.Called(ctx, f)
	return args.Get(0).([]*model.Notification), args.Get(1).(int64), args.Error(2)
}

func (m *MockNotificationService) ListWithReceipts(ctx context.Context, f model.NotificationFilter) ([]*model.NotificationWithReceipts, int64, error) {
	args := m.Called(ctx, f)
	return args.Get(0).([]*model.NotificationWithReceipts), args.Get(1).(int64), args.Error(2)
}

type MockReadTracker struct {
	mock.Mock
}

func (m *MockReadTracker) MarkRead(ctx context.Context, notificationID string, rc model.ReceiptContext) error {
	args := m.Called(ctx, notificationID, rc)
	return args.Error(0)
}

type MockWebhookService struct {
	mock.Mock
}

func (m *MockWebhookService) Apply(ctx context.Context, n payments.WebhookNotification) (*model.PaymentOrder, bool, error) {
	args := m.Called(ctx, n)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*model.PaymentOrder), args.Bool(1), args.Error(2)
}

func newRequestCtx(body []byte, userValues map[string]any) *xhttp.RequestCtx {
	ctx := &xhttp.RequestCtx{}
	if body != nil {
		ctx.Request.SetBody(body)
	}
	for k, v := range userValues {
		ctx.SetUserValue(k, v)
	}
	return ctx
}

func TestSessionHandler_Connect(t *testing.T) {
	svc := new(MockSessionService)
	h := NewSessionHandler(svc)

	qr := "qr-data"
	svc.On("Connect", mock.Anything, "s1").Return(model.SessionSnapshot{
		SessionID: "s1",
		Status:    model.SessionStatusQRRequired,
		QRPayload: &qr,
	}, nil)

	ctx := newRequestCtx(nil, map[string]any{"id": "s1"})
	h.Connect(ctx)

	assert.Equal(t, 200, ctx.Response.StatusCode())

	var snap model.SessionSnapshot
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &snap))
	assert.Equal(t, model.SessionStatusQRRequired, snap.Status)
	require.NotNil(t, snap.QRPayload)
	assert.Equal(t, "qr-data", *snap.QRPayload)
}

func TestSessionHandler_ConnectRequiresID(t *testing.T) {
	h := NewSessionHandler(new(MockSessionService))

	ctx := newRequestCtx(nil, nil)
	h.Connect(ctx)
	assert.Equal(t, 400, ctx.Response.StatusCode())
}

func TestNotificationHandler_SendChat(t *testing.T) {
	svc := new(MockNotificationService)
	h := NewNotificationHandler(svc)

	extID := "abc123"
	svc.On("SendChat", mock.Anything, "s1", "081234567890", "hello", (*dispatcher.Attachment)(nil)).
		Return(&model.Notification{ID: "n1", Status: model.NotificationStatusSent, ExternalMessageID: &extID}, nil)

	body, _ := json.Marshal(sendChatRequest{SessionID: "s1", Recipient: "081234567890", Body: "hello"})
	ctx := newRequestCtx(body, nil)
	h.SendChat(ctx)

	assert.Equal(t, 201, ctx.Response.StatusCode())

	var n model.Notification
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &n))
	assert.Equal(t, model.NotificationStatusSent, n.Status)
}

func TestNotificationHandler_SendChatNotConnected(t *testing.T) {
	svc := new(MockNotificationService)
	h := NewNotificationHandler(svc)

	svc.On("SendChat", mock.Anything, "s1", "081234567890", "hello", (*dispatcher.Attachment)(nil)).
		Return(&model.Notification{ID: "n1", Status: model.NotificationStatusFailed}, session.ErrNotConnected)

	body, _ := json.Marshal(sendChatRequest{SessionID: "s1", Recipient: "081234567890", Body: "hello"})
	ctx := newRequestCtx(body, nil)
	h.SendChat(ctx)

	assert.Equal(t, 409, ctx.Response.StatusCode())
}

func TestNotificationHandler_SendChatInvalidRecipient(t *testing.T) {
	svc := new(MockNotificationService)
	h := NewNotificationHandler(svc)

	svc.On("SendChat", mock.Anything, "s1", "???", "hello", (*dispatcher.Attachment)(nil)).
		Return(nil, dispatcher.ErrRecipientInvalid)

	body, _ := json.Marshal(sendChatRequest{SessionID: "s1", Recipient: "???", Body: "hello"})
	ctx := newRequestCtx(body, nil)
	h.SendChat(ctx)

	assert.Equal(t, 400, ctx.Response.StatusCode())
}

func TestPixelHandler_AlwaysServesImage(t *testing.T) {
	svc := new(MockReadTracker)
	h := NewPixelHandler(svc)

	svc.On("MarkRead", mock.Anything, "n1", mock.Anything).Return(assert.AnError)

	ctx := newRequestCtx(nil, map[string]any{"id": "n1"})
	h.TrackOpen(ctx)

	assert.Equal(t, 200, ctx.Response.StatusCode())
	assert.Equal(t, "image/gif", string(ctx.Response.Header.ContentType()))
	assert.Equal(t, pixelGIF, ctx.Response.Body())
	svc.AssertExpectations(t)
}

func TestPaymentHandler_BadSignature(t *testing.T) {
	svc := new(MockWebhookService)
	h := NewPaymentHandler(svc)

	svc.On("Apply", mock.Anything, mock.Anything).Return(nil, false, payments.ErrSignatureMismatch)

	body, _ := json.Marshal(payments.WebhookNotification{OrderID: "order-1"})
	ctx := newRequestCtx(body, nil)
	h.Webhook(ctx)

	assert.Equal(t, 403, ctx.Response.StatusCode())
}

func TestPaymentHandler_AppliedWebhook(t *testing.T) {
	svc := new(MockWebhookService)
	h := NewPaymentHandler(svc)

	svc.On("Apply", mock.Anything, mock.MatchedBy(func(n payments.WebhookNotification) bool {
		return n.OrderID == "order-1" && n.TransactionStatus == "settlement"
	})).Return(&model.PaymentOrder{OrderID: "order-1", Status: model.PaymentStatusSettled}, true, nil)

	body, _ := json.Marshal(payments.WebhookNotification{OrderID: "order-1", TransactionStatus: "settlement"})
	ctx := newRequestCtx(body, nil)
	h.Webhook(ctx)

	assert.Equal(t, 200, ctx.Response.StatusCode())

	var resp struct {
		Applied bool                `json:"applied"`
		Order   *model.PaymentOrder `json:"order"`
	}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.True(t, resp.Applied)
	assert.Equal(t, model.PaymentStatusSettled, resp.Order.Status)
}
