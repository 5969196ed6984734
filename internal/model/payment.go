package model

import "time"

// PaymentStatus is the ledger's own taxonomy for payment orders. Provider
// status vocabulary is mapped onto it at the webhook boundary.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusSettled PaymentStatus = "settled"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// PaymentOrder tracks the reconciliation state of one provider order.
type PaymentOrder struct {
	OrderID        string        `json:"order_id"`
	Status         PaymentStatus `json:"status"`
	GrossAmount    string        `json:"gross_amount"`
	ProviderStatus string        `json:"provider_status"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
