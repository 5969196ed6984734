package model

import (
	"errors"
	"time"
)

// NotificationStatus is the lifecycle state of one outbound message attempt.
type NotificationStatus string

const (
	NotificationStatusPending   NotificationStatus = "pending"
	NotificationStatusSent      NotificationStatus = "sent"
	NotificationStatusDelivered NotificationStatus = "delivered"
	NotificationStatusFailed    NotificationStatus = "failed"
	NotificationStatusRead      NotificationStatus = "read"
)

// statusRank orders the monotonic lifecycle
// pending -> sent -> {delivered -> read | failed}.
// read may follow sent directly; the network does not guarantee a
// delivered event before a read event.
var statusRank = map[NotificationStatus]int{
	NotificationStatusPending:   0,
	NotificationStatusSent:      1,
	NotificationStatusDelivered: 2,
	NotificationStatusRead:      3,
	NotificationStatusFailed:    3,
}

// Advances reports whether moving from to next is a forward transition.
// Terminal states (read, failed) never advance to anything.
func (s NotificationStatus) Advances(next NotificationStatus) bool {
	if s == NotificationStatusFailed || s == NotificationStatusRead {
		return false
	}
	if next == NotificationStatusFailed {
		return s != NotificationStatusDelivered && statusRank[s] < statusRank[next]
	}
	return statusRank[next] > statusRank[s]
}

// AllowedPriorStatuses returns the set of statuses a row may hold for the
// transition to next to be applied. Used for compare-and-set updates.
func AllowedPriorStatuses(next NotificationStatus) []NotificationStatus {
	var prior []NotificationStatus
	for _, s := range []NotificationStatus{
		NotificationStatusPending,
		NotificationStatusSent,
		NotificationStatusDelivered,
		NotificationStatusFailed,
		NotificationStatusRead,
	} {
		if s.Advances(next) {
			prior = append(prior, s)
		}
	}
	return prior
}

type NotificationChannel string

const (
	ChannelEmail NotificationChannel = "email"
	ChannelChat  NotificationChannel = "chat"
)

// Notification is one logical outbound message and its delivery lifecycle.
// One row per send attempt, never mutated back from failed.
type Notification struct {
	ID                string              `json:"id"`
	SessionID         string              `json:"session_id"`
	Channel           NotificationChannel `json:"channel"`
	Recipient         string              `json:"recipient"`
	Body              string              `json:"body"`
	Status            NotificationStatus  `json:"status"`
	ExternalMessageID *string             `json:"external_message_id,omitempty"`
	SentAt            *time.Time          `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time          `json:"delivered_at,omitempty"`
	ReadAt            *time.Time          `json:"read_at,omitempty"`
	FailedAt          *time.Time          `json:"failed_at,omitempty"`
	ErrorMessage      *string             `json:"error_message,omitempty"`
	RetryCount        int                 `json:"retry_count"`
	CreatedAt         time.Time           `json:"created_at"`
}

// NotificationCreateRequest is the input for opening a ledger row before a
// send attempt.
type NotificationCreateRequest struct {
	SessionID string
	Channel   NotificationChannel
	Recipient string
	Body      string
}

func (p NotificationCreateRequest) Validate() error {
	if p.Channel != ChannelEmail && p.Channel != ChannelChat {
		return errors.New("channel must be email or chat")
	}
	if p.Recipient == "" {
		return errors.New("recipient is required")
	}
	if p.Body == "" {
		return errors.New("body is required")
	}
	return nil
}

// NotificationFilter controls List queries.
type NotificationFilter struct {
	SessionID *string
	Channel   *NotificationChannel
	Statuses  []NotificationStatus
	Recipient *string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
	Desc      bool
}

// NotificationWithReceipts is the aggregate view for the operator UI.
type NotificationWithReceipts struct {
	Notification
	ReadReceipts []*ReadReceipt `json:"read_receipts"`
}
