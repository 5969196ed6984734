package repository

import (
	"time"

	"github.com/kostpay/chat-gateway/internal/model"
)

type ReadReceiptEntity struct {
	ID             int64     `db:"id"              gorm:"primaryKey;autoIncrement;column:id"`
	NotificationID string    `db:"notification_id" gorm:"column:notification_id;not null;index"`
	Source         string    `db:"source"          gorm:"column:source;not null"`
	ReadAt         time.Time `db:"read_at"         gorm:"column:read_at;not null"`
	IPAddress      *string   `db:"ip_address"      gorm:"column:ip_address"`
	UserAgent      *string   `db:"user_agent"      gorm:"column:user_agent"`
	Location       *string   `db:"location"        gorm:"column:location"`
}

func (ReadReceiptEntity) TableName() string {
	return "notification_read_receipts"
}

func toReadReceiptEntity(m *model.ReadReceipt) *ReadReceiptEntity {
	if m == nil {
		return nil
	}
	return &ReadReceiptEntity{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		Source:         m.Source,
		ReadAt:         m.ReadAt,
		IPAddress:      m.IPAddress,
		UserAgent:      m.UserAgent,
		Location:       m.Location,
	}
}

func toReadReceiptModel(e *ReadReceiptEntity) *model.ReadReceipt {
	if e == nil {
		return nil
	}
	return &model.ReadReceipt{
		ID:             e.ID,
		NotificationID: e.NotificationID,
		Source:         e.Source,
		ReadAt:         e.ReadAt,
		IPAddress:      e.IPAddress,
		UserAgent:      e.UserAgent,
		Location:       e.Location,
	}
}

func toReadReceiptModels(entities []*ReadReceiptEntity) []*model.ReadReceipt {
	if entities == nil {
		return nil
	}
	models := make([]*model.ReadReceipt, len(entities))
	for i, e := range entities {
		models[i] = toReadReceiptModel(e)
	}
	return models
}
