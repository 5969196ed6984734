package tracker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/kostpay/chat-gateway/internal/model"
	"github.com/kostpay/chat-gateway/internal/queue"
	"github.com/kostpay/chat-gateway/pkg/logger"
	"github.com/kostpay/chat-gateway/pkg/prom"
)

const (
	outcomeApplied        = "applied"
	outcomeStale          = "stale"
	outcomeUnknownMessage = "unknown_message"
	outcomeError          = "error"
)

// NotificationStore is the slice of the ledger the tracker writes to.
type NotificationStore interface {
	FindByExternalID(ctx context.Context, externalID string, channel model.NotificationChannel) ([]*model.Notification, error)
	AdvanceStatus(ctx context.Context, id string, next model.NotificationStatus, at time.Time) (bool, error)
}

// ReceiptStore records read receipts from network acks.
type ReceiptStore interface {
	Append(ctx context.Context, rr *model.ReadReceipt) (*model.ReadReceipt, error)
}

// DeliveryEventProcessor consumes receipt events off the delivery stream
// and reconciles them onto the notification ledger. Duplicates and
// out-of-order events are absorbed by the dedup marker and the status CAS;
// events for messages this system never sent are dropped with a log line.
type DeliveryEventProcessor struct {
	notifications NotificationStore
	receipts      ReceiptStore
	dedup         *EventDeduper
	writeRetries  int
	writeBackoff  time.Duration
}

func NewDeliveryEventProcessor(notifications NotificationStore, receipts ReceiptStore, dedup *EventDeduper, writeRetries int, writeBackoff time.Duration) *DeliveryEventProcessor {
	if writeRetries <= 0 {
		writeRetries = 3
	}
	if writeBackoff <= 0 {
		writeBackoff = 100 * time.Millisecond
	}
	return &DeliveryEventProcessor{
		notifications: notifications,
		receipts:      receipts,
		dedup:         dedup,
		writeRetries:  writeRetries,
		writeBackoff:  writeBackoff,
	}
}

func (p *DeliveryEventProcessor) GetType() string {
	return "delivery-event"
}

func (p *DeliveryEventProcessor) Process(ctx context.Context, queueMessage *queue.Message) error {
	var event model.DeliveryEvent
	if err := json.Unmarshal(queueMessage.Data, &event); err != nil {
		// malformed payloads never succeed on retry
		logger.Error("failed to unmarshal delivery event, dropping", "stream_id", queueMessage.ID, "error", err)
		prom.IncDeliveryEvent("unknown", outcomeError)
		return nil
	}

	next, ok := event.Stage.Status()
	if !ok {
		logger.Warn("delivery event carries unknown stage, dropping", "event_id", event.EventID, "stage", string(event.Stage))
		prom.IncDeliveryEvent(string(event.Stage), outcomeError)
		return nil
	}

	if !p.dedup.Claim(ctx, event.EventID) {
		logger.Debug("delivery event already processed, skipping", "event_id", event.EventID)
		return nil
	}

	if err := p.apply(ctx, event, next); err != nil {
		// release the marker so the stream redelivery can retry
		p.dedup.Release(ctx, event.EventID)
		prom.IncDeliveryEvent(string(event.Stage), outcomeError)
		return err
	}
	return nil
}

func (p *DeliveryEventProcessor) apply(ctx context.Context, event model.DeliveryEvent, next model.NotificationStatus) error {
	var matches []*model.Notification
	err := p.withRetry(ctx, func(ctx context.Context) error {
		var lookupErr error
		matches, lookupErr = p.notifications.FindByExternalID(ctx, event.ExternalMessageID, model.ChannelChat)
		return retry.RetryableError(lookupErr)
	})
	if err != nil {
		return err
	}

	if len(matches) == 0 {
		// receipts arrive for group messages and peers' messages too; only
		// our own sends have a ledger row
		logger.Debug("delivery event for unknown message, dropping",
			"event_id", event.EventID,
			"external_message_id", event.ExternalMessageID,
			"stage", string(event.Stage))
		prom.IncDeliveryEvent(string(event.Stage), outcomeUnknownMessage)
		return nil
	}

	at := event.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	for _, n := range matches {
		var advanced bool
		err := p.withRetry(ctx, func(ctx context.Context) error {
			var writeErr error
			advanced, writeErr = p.notifications.AdvanceStatus(ctx, n.ID, next, at)
			return retry.RetryableError(writeErr)
		})
		if err != nil {
			return err
		}

		outcome := outcomeApplied
		if !advanced {
			outcome = outcomeStale
		}
		prom.IncDeliveryEvent(string(event.Stage), outcome)
		prom.AddDeliveryLag(string(event.Stage), time.Since(at).Seconds())

		if advanced {
			logger.Info("notification status advanced",
				"notification_id", n.ID,
				"status", string(next),
				"event_id", event.EventID)
		}

		// read acks also land on the receipt trail, one row per device,
		// whether or not the status still moved
		if event.Stage == model.StageRead {
			rr := &model.ReadReceipt{
				NotificationID: n.ID,
				Source:         model.ReceiptSourceNetworkAck,
				ReadAt:         at,
			}
			err := p.withRetry(ctx, func(ctx context.Context) error {
				_, appendErr := p.receipts.Append(ctx, rr)
				return retry.RetryableError(appendErr)
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *DeliveryEventProcessor) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(p.writeRetries), retry.NewConstant(p.writeBackoff))
	return retry.Do(ctx, backoff, fn)
}
