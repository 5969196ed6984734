package model

import "time"

// SessionStatus is the lifecycle state of a chat-network session.
type SessionStatus string

const (
	SessionStatusDisconnected SessionStatus = "disconnected"
	SessionStatusConnecting   SessionStatus = "connecting"
	SessionStatusQRRequired   SessionStatus = "qr_required"
	SessionStatusConnected    SessionStatus = "connected"
)

// Session is the persisted snapshot of one logical messaging account.
// PhoneNumber is set only while connected; QRPayload only while qr_required
// and only until QRExpiresAt.
type Session struct {
	SessionID       string        `json:"session_id"  db:"session_id"   gorm:"primaryKey;column:session_id"`
	Status          SessionStatus `json:"status"      db:"status"       gorm:"column:status;not null"`
	PhoneNumber     *string       `json:"phone_number,omitempty" db:"phone_number" gorm:"column:phone_number"`
	QRPayload       *string       `json:"qr_payload,omitempty"   db:"qr_payload"   gorm:"column:qr_payload"`
	QRExpiresAt     *time.Time    `json:"qr_expires_at,omitempty" db:"qr_expires_at" gorm:"column:qr_expires_at"`
	LastConnectedAt *time.Time    `json:"last_connected_at,omitempty" db:"last_connected_at" gorm:"column:last_connected_at"`
	UpdatedAt       time.Time     `json:"updated_at"  db:"updated_at"   gorm:"column:updated_at;autoUpdateTime"`
}

func (Session) TableName() string { return "sessions" }

// SessionSnapshot is the point-in-time view returned to callers and the
// operator UI. An expired QR payload is never exposed here.
type SessionSnapshot struct {
	SessionID       string        `json:"session_id"`
	IsConnected     bool          `json:"is_connected"`
	Status          SessionStatus `json:"status"`
	PhoneNumber     *string       `json:"phone_number,omitempty"`
	QRPayload       *string       `json:"qr_payload,omitempty"`
	LastConnectedAt *time.Time    `json:"last_connected_at,omitempty"`
}
