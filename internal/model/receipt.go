package model

import "time"

// Receipt sources. The same notification can collect receipts from both:
// the chat network acks a read on the recipient's device, and the tracking
// pixel fires when an email render fetches it.
const (
	ReceiptSourceNetworkAck = "network-mobile-ack"
	ReceiptSourceHTTPPixel  = "http-pixel"
)

// ReadReceipt is one observed read event against a notification.
// Append-only; a notification may accumulate many (multiple devices, opens).
type ReadReceipt struct {
	ID             int64     `json:"id"`
	NotificationID string    `json:"notification_id"`
	Source         string    `json:"source"`
	ReadAt         time.Time `json:"read_at"`
	IPAddress      *string   `json:"ip_address,omitempty"`
	UserAgent      *string   `json:"user_agent,omitempty"`
	Location       *string   `json:"location,omitempty"`
}

// ReceiptContext carries the request-side details of a read signal.
type ReceiptContext struct {
	IPAddress *string
	UserAgent *string
	Location  *string
}
