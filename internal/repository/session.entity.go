package repository

import (
	"time"

	"github.com/kostpay/chat-gateway/internal/model"
)

type SessionEntity struct {
	SessionID       string     `db:"session_id"        gorm:"primaryKey;column:session_id"`
	Status          string     `db:"status"            gorm:"column:status;not null"`
	PhoneNumber     *string    `db:"phone_number"      gorm:"column:phone_number"`
	QRPayload       *string    `db:"qr_payload"        gorm:"column:qr_payload"`
	QRExpiresAt     *time.Time `db:"qr_expires_at"     gorm:"column:qr_expires_at"`
	LastConnectedAt *time.Time `db:"last_connected_at" gorm:"column:last_connected_at"`
	UpdatedAt       time.Time  `db:"updated_at"        gorm:"column:updated_at;autoUpdateTime"`
}

func (SessionEntity) TableName() string {
	return "sessions"
}

func toSessionEntity(m *model.Session) *SessionEntity {
	if m == nil {
		return nil
	}
	return &SessionEntity{
		SessionID:       m.SessionID,
		Status:          string(m.Status),
		PhoneNumber:     m.PhoneNumber,
		QRPayload:       m.QRPayload,
		QRExpiresAt:     m.QRExpiresAt,
		LastConnectedAt: m.LastConnectedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func toSessionModel(e *SessionEntity) *model.Session {
	if e == nil {
		return nil
	}
	return &model.Session{
		SessionID:       e.SessionID,
		Status:          model.SessionStatus(e.Status),
		PhoneNumber:     e.PhoneNumber,
		QRPayload:       e.QRPayload,
		QRExpiresAt:     e.QRExpiresAt,
		LastConnectedAt: e.LastConnectedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

func toSessionModels(entities []*SessionEntity) []*model.Session {
	if entities == nil {
		return nil
	}
	models := make([]*model.Session, len(entities))
	for i, e := range entities {
		models[i] = toSessionModel(e)
	}
	return models
}
