package repository

import (
	"time"

	"github.com/kostpay/chat-gateway/internal/model"
)

type NotificationEntity struct {
	ID                string     `db:"id"                  gorm:"primaryKey;column:id"`
	SessionID         string     `db:"session_id"          gorm:"column:session_id;not null;index"`
	Channel           string     `db:"channel"             gorm:"column:channel;not null;index"`
	Recipient         string     `db:"recipient"           gorm:"column:recipient;not null"`
	Body              string     `db:"body"                gorm:"column:body;not null"`
	Status            string     `db:"status"              gorm:"column:status;not null;index"`
	ExternalMessageID *string    `db:"external_message_id" gorm:"column:external_message_id;index"`
	SentAt            *time.Time `db:"sent_at"             gorm:"column:sent_at"`
	DeliveredAt       *time.Time `db:"delivered_at"        gorm:"column:delivered_at"`
	ReadAt            *time.Time `db:"read_at"             gorm:"column:read_at"`
	FailedAt          *time.Time `db:"failed_at"           gorm:"column:failed_at"`
	ErrorMessage      *string    `db:"error_message"       gorm:"column:error_message"`
	RetryCount        int        `db:"retry_count"         gorm:"column:retry_count;not null;default:0"`
	CreatedAt         time.Time  `db:"created_at"          gorm:"column:created_at;autoCreateTime"`

	ReadReceipts []*ReadReceiptEntity `gorm:"foreignKey:NotificationID"`
}

func (NotificationEntity) TableName() string {
	return "notifications"
}

func toNotificationEntity(m *model.Notification) *NotificationEntity {
	if m == nil {
		return nil
	}
	return &NotificationEntity{
		ID:                m.ID,
		SessionID:         m.SessionID,
		Channel:           string(m.Channel),
		Recipient:         m.Recipient,
		Body:              m.Body,
		Status:            string(m.Status),
		ExternalMessageID: m.ExternalMessageID,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		ReadAt:            m.ReadAt,
		FailedAt:          m.FailedAt,
		ErrorMessage:      m.ErrorMessage,
		RetryCount:        m.RetryCount,
		CreatedAt:         m.CreatedAt,
	}
}

func toNotificationModel(e *NotificationEntity) *model.Notification {
	if e == nil {
		return nil
	}
	return &model.Notification{
		ID:                e.ID,
		SessionID:         e.SessionID,
		Channel:           model.NotificationChannel(e.Channel),
		Recipient:         e.Recipient,
		Body:              e.Body,
		Status:            model.NotificationStatus(e.Status),
		ExternalMessageID: e.ExternalMessageID,
		SentAt:            e.SentAt,
		DeliveredAt:       e.DeliveredAt,
		ReadAt:            e.ReadAt,
		FailedAt:          e.FailedAt,
		ErrorMessage:      e.ErrorMessage,
		RetryCount:        e.RetryCount,
		CreatedAt:         e.CreatedAt,
	}
}

func toNotificationModels(entities []*NotificationEntity) []*model.Notification {
	if entities == nil {
		return nil
	}
	models := make([]*model.Notification, len(entities))
	for i, e := range entities {
		models[i] = toNotificationModel(e)
	}
	return models
}
