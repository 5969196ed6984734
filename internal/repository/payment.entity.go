package repository

import (
	"time"

	"github.com/kostpay/chat-gateway/internal/model"
)

type PaymentOrderEntity struct {
	OrderID        string    `db:"order_id"        gorm:"primaryKey;column:order_id"`
	Status         string    `db:"status"          gorm:"column:status;not null;index"`
	GrossAmount    string    `db:"gross_amount"    gorm:"column:gross_amount;not null"`
	ProviderStatus string    `db:"provider_status" gorm:"column:provider_status;not null"`
	UpdatedAt      time.Time `db:"updated_at"      gorm:"column:updated_at;autoUpdateTime"`
}

func (PaymentOrderEntity) TableName() string {
	return "payment_orders"
}

func toPaymentOrderEntity(m *model.PaymentOrder) *PaymentOrderEntity {
	if m == nil {
		return nil
	}
	return &PaymentOrderEntity{
		OrderID:        m.OrderID,
		Status:         string(m.Status),
		GrossAmount:    m.GrossAmount,
		ProviderStatus: m.ProviderStatus,
		UpdatedAt:      m.UpdatedAt,
	}
}

func toPaymentOrderModel(e *PaymentOrderEntity) *model.PaymentOrder {
	if e == nil {
		return nil
	}
	return &model.PaymentOrder{
		OrderID:        e.OrderID,
		Status:         model.PaymentStatus(e.Status),
		GrossAmount:    e.GrossAmount,
		ProviderStatus: e.ProviderStatus,
		UpdatedAt:      e.UpdatedAt,
	}
}
