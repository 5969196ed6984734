package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kostpay/chat-gateway/internal/dispatcher"
	"github.com/kostpay/chat-gateway/internal/model"
	"github.com/kostpay/chat-gateway/internal/repository"
	"github.com/kostpay/chat-gateway/pkg/logger"
)

var (
	ErrNotFound = errors.New("notification not found")
)

type NotificationRepository interface {
	Create(ctx context.Context, n *model.Notification) (*model.Notification, error)
	Get(ctx context.Context, id string) (*model.Notification, error)
	MarkSent(ctx context.Context, id string, externalID string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, errorMessage string, at time.Time) (bool, error)
	AdvanceStatus(ctx context.Context, id string, next model.NotificationStatus, at time.Time) (bool, error)
	List(ctx context.Context, f model.NotificationFilter) ([]*model.Notification, int64, error)
	ListWithReceipts(ctx context.Context, f model.NotificationFilter) ([]*model.NotificationWithReceipts, int64, error)
}

type ReceiptRepository interface {
	Append(ctx context.Context, rr *model.ReadReceipt) (*model.ReadReceipt, error)
	ListByNotification(ctx context.Context, notificationID string) ([]*model.ReadReceipt, error)
}

// ChatSender routes an outbound message over a live chat session.
type ChatSender interface {
	Send(ctx context.Context, sessionID string, msg dispatcher.Message) (string, error)
}

// Service owns the notification ledger: it opens a row per send attempt
// and applies the lifecycle transitions coming from the send path and the
// read pixel. Network receipt events reach the same rows through the
// tracker, not through this service.
type Service struct {
	notifications NotificationRepository
	receipts      ReceiptRepository
	sender        ChatSender
}

func NewService(notifications NotificationRepository, receipts ReceiptRepository, sender ChatSender) *Service {
	return &Service{
		notifications: notifications,
		receipts:      receipts,
		sender:        sender,
	}
}

// Create opens a pending ledger row for a send attempt.
func (s *Service) Create(ctx context.Context, p model.NotificationCreateRequest) (*model.Notification, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	n := &model.Notification{
		ID:        uuid.NewString(),
		SessionID: p.SessionID,
		Channel:   p.Channel,
		Recipient: strings.TrimSpace(p.Recipient),
		Body:      p.Body,
		Status:    model.NotificationStatusPending,
	}
	return s.notifications.Create(ctx, n)
}

// SendChat is the full dispatch flow: open a pending row, hand the message
// to the session, then record the outcome. The returned notification
// reflects the post-send state; a send failure is reported through the
// notification's failed status as well as the error.
func (s *Service) SendChat(ctx context.Context, sessionID string, recipient string, body string, attachment *dispatcher.Attachment) (*model.Notification, error) {
	n, err := s.Create(ctx, model.NotificationCreateRequest{
		SessionID: sessionID,
		Channel:   model.ChannelChat,
		Recipient: recipient,
		Body:      body,
	})
	if err != nil {
		return nil, err
	}

	externalID, sendErr := s.sender.Send(ctx, sessionID, dispatcher.Message{
		Recipient:  recipient,
		Body:       body,
		Attachment: attachment,
	})
	if sendErr != nil {
		if _, markErr := s.notifications.MarkFailed(ctx, n.ID, sendErr.Error(), time.Now()); markErr != nil {
			logger.Error("failed to record send failure", "notification_id", n.ID, "error", markErr)
		}
		n.Status = model.NotificationStatusFailed
		return n, sendErr
	}

	now := time.Now()
	if _, err := s.notifications.MarkSent(ctx, n.ID, externalID, now); err != nil {
		// the message is on the network; surfacing an error here would
		// trigger a duplicate send upstream
		logger.Error("failed to record sent status", "notification_id", n.ID, "external_message_id", externalID, "error", err)
	}
	n.Status = model.NotificationStatusSent
	n.ExternalMessageID = &externalID
	n.SentAt = &now
	return n, nil
}

// MarkRead applies a read signal keyed on the notification id, the path
// the tracking pixel uses. The status CAS absorbs stale signals; the
// receipt row is appended regardless so repeated opens remain visible.
func (s *Service) MarkRead(ctx context.Context, notificationID string, rc model.ReceiptContext) error {
	if _, err := s.notifications.Get(ctx, notificationID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	now := time.Now()
	advanced, err := s.notifications.AdvanceStatus(ctx, notificationID, model.NotificationStatusRead, now)
	if err != nil {
		return err
	}
	if !advanced {
		logger.Debug("read signal did not move status", "notification_id", notificationID)
	}

	_, err = s.receipts.Append(ctx, &model.ReadReceipt{
		NotificationID: notificationID,
		Source:         model.ReceiptSourceHTTPPixel,
		ReadAt:         now,
		IPAddress:      rc.IPAddress,
		UserAgent:      rc.UserAgent,
		Location:       rc.Location,
	})
	return err
}

func (s *Service) Get(ctx context.Context, id string) (*model.Notification, error) {
	n, err := s.notifications.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return n, nil
}

func (s *Service) List(ctx context.Context, f model.NotificationFilter) ([]*model.Notification, int64, error) {
	return s.notifications.List(ctx, f)
}

func (s *Service) ListWithReceipts(ctx context.Context, f model.NotificationFilter) ([]*model.NotificationWithReceipts, int64, error) {
	return s.notifications.ListWithReceipts(ctx, f)
}

func (s *Service) Receipts(ctx context.Context, notificationID string) ([]*model.ReadReceipt, error) {
	return s.receipts.ListByNotification(ctx, notificationID)
}
