package model

import "time"

// DeliveryStage is the canonical ordinal stage carried by chat-network
// receipt events. Transport-native stage vocabulary is translated to this
// enum at the adapter boundary; nothing above the adapter sees raw stages.
type DeliveryStage string

const (
	StageSent      DeliveryStage = "sent"
	StageDelivered DeliveryStage = "delivered"
	StageRead      DeliveryStage = "read"
)

// Status maps a delivery stage onto the notification lifecycle.
func (s DeliveryStage) Status() (NotificationStatus, bool) {
	switch s {
	case StageSent:
		return NotificationStatusSent, true
	case StageDelivered:
		return NotificationStatusDelivered, true
	case StageRead:
		return NotificationStatusRead, true
	}
	return "", false
}

// DeliveryEvent is one receipt event from the session event stream,
// published onto the delivery-events queue and consumed by the tracker.
// EventID is stable across redeliveries and is what the tracker dedups on.
type DeliveryEvent struct {
	EventID           string        `json:"event_id"`
	SessionID         string        `json:"session_id"`
	ExternalMessageID string        `json:"external_message_id"`
	Stage             DeliveryStage `json:"stage"`
	Timestamp         time.Time     `json:"timestamp"`
}
