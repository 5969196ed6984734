package transport

import (
	"time"

	"github.com/kostpay/chat-gateway/internal/model"
)

// Event is one typed occurrence on a session's event stream. The adapter
// translates bridge-native vocabulary into these types at this boundary;
// nothing above it sees raw stage strings or close codes.
type Event interface {
	isEvent()
}

// QREvent carries a freshly generated pairing payload. The payload is only
// valid for a short window on the network side.
type QREvent struct {
	Payload string
}

// ConnectedEvent signals the underlying connection opened, with the phone
// number the network identifies this session as.
type ConnectedEvent struct {
	PhoneNumber string
}

// DisconnectedEvent signals the underlying connection closed.
type DisconnectedEvent struct {
	Reason CloseReason
}

// ReceiptEvent is one delivery-stage update for a previously sent message.
type ReceiptEvent struct {
	EventID           string
	ExternalMessageID string
	Stage             model.DeliveryStage
	Timestamp         time.Time
}

func (QREvent) isEvent()           {}
func (ConnectedEvent) isEvent()    {}
func (DisconnectedEvent) isEvent() {}
func (ReceiptEvent) isEvent()      {}

// CloseReason classifies why a connection closed. Fatal closes invalidated
// the session on the network side and must never be silently retried.
type CloseReason string

const (
	CloseLoggedOut       CloseReason = "logged_out"
	CloseBadSession      CloseReason = "bad_session"
	CloseSessionConflict CloseReason = "session_conflict"
	CloseNetworkError    CloseReason = "network_error"
	CloseServerRestart   CloseReason = "server_restart"
)

func (r CloseReason) Fatal() bool {
	switch r {
	case CloseLoggedOut, CloseBadSession, CloseSessionConflict:
		return true
	}
	return false
}

// classifyCloseCode maps bridge close codes onto close reasons. Codes we
// have never seen are treated as transient so a flaky bridge cannot wipe a
// session that is still valid on the network.
func classifyCloseCode(code string) CloseReason {
	switch code {
	case "logged_out", "401":
		return CloseLoggedOut
	case "bad_session", "corrupt_credentials":
		return CloseBadSession
	case "conflict", "replaced":
		return CloseSessionConflict
	case "restart", "server_restart":
		return CloseServerRestart
	default:
		return CloseNetworkError
	}
}

// translateStage maps bridge receipt acks onto the canonical delivery
// stages. Unknown acks are dropped by the caller.
func translateStage(ack string) (model.DeliveryStage, bool) {
	switch ack {
	case "SERVER_ACK":
		return model.StageSent, true
	case "DELIVERY_ACK":
		return model.StageDelivered, true
	case "READ", "PLAYED":
		return model.StageRead, true
	}
	return "", false
}
