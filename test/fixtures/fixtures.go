package fixtures

import (
	"time"

	"github.com/kostpay/chat-gateway/internal/model"
)

var (
	TestSessionConnected = model.Session{
		SessionID: "session-connected",
		Status:    model.SessionStatusConnected,
	}

	TestSessionDisconnected = model.Session{
		SessionID: "session-disconnected",
		Status:    model.SessionStatusDisconnected,
	}
)

func NewPendingNotification(id, sessionID string) *model.Notification {
	return &model.Notification{
		ID:        id,
		SessionID: sessionID,
		Channel:   model.ChannelChat,
		Recipient: "628123456789",
		Body:      "fixture notification",
		Status:    model.NotificationStatusPending,
		CreatedAt: time.Now(),
	}
}

func NewSentNotification(id, sessionID, externalID string) *model.Notification {
	now := time.Now()
	n := NewPendingNotification(id, sessionID)
	n.Status = model.NotificationStatusSent
	n.ExternalMessageID = &externalID
	n.SentAt = &now
	return n
}

func NewDeliveryEvent(eventID, sessionID, externalID string, stage model.DeliveryStage) model.DeliveryEvent {
	return model.DeliveryEvent{
		EventID:           eventID,
		SessionID:         sessionID,
		ExternalMessageID: externalID,
		Stage:             stage,
		Timestamp:         time.Now(),
	}
}

func NewPendingPaymentOrder(orderID, grossAmount string) *model.PaymentOrder {
	return &model.PaymentOrder{
		OrderID:     orderID,
		Status:      model.PaymentStatusPending,
		GrossAmount: grossAmount,
	}
}
