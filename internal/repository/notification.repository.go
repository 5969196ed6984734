package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kostpay/chat-gateway/internal/model"
	"github.com/kostpay/chat-gateway/pkg/pg"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a notification does not exist.
	ErrNotFound = errors.New("notification not found")
)

type NotificationRepository struct {
	*pg.DB
}

func NewNotificationRepository(db *pg.DB) *NotificationRepository {
	return &NotificationRepository{
		db,
	}
}

func (r *NotificationRepository) Create(ctx context.Context, n *model.Notification) (*model.Notification, error) {
	entity := toNotificationEntity(n)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toNotificationModel(entity), nil
}

func (r *NotificationRepository) Get(ctx context.Context, id string) (*model.Notification, error) {
	var entity NotificationEntity
	err := r.Read(ctx).WithContext(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toNotificationModel(&entity), nil
}

// FindByExternalID returns the notifications that match an external message
// id on the given channel. Receipt events for messages the system never
// sent return an empty slice, not an error.
func (r *NotificationRepository) FindByExternalID(ctx context.Context, externalID string, channel model.NotificationChannel) ([]*model.Notification, error) {
	var entities []*NotificationEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("external_message_id = ? AND channel = ?", externalID, string(channel)).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toNotificationModels(entities), nil
}

// AdvanceStatus applies a monotonic status transition as a compare-and-set:
// the row is updated only when its current status is one the lifecycle
// allows before next. Returns false when the update was a no-op, which is
// how out-of-order and duplicate events are absorbed.
func (r *NotificationRepository) AdvanceStatus(ctx context.Context, id string, next model.NotificationStatus, at time.Time) (bool, error) {
	prior := model.AllowedPriorStatuses(next)
	if len(prior) == 0 {
		return false, nil
	}

	updates := map[string]interface{}{"status": string(next)}
	switch next {
	case model.NotificationStatusSent:
		updates["sent_at"] = at
	case model.NotificationStatusDelivered:
		updates["delivered_at"] = at
	case model.NotificationStatusRead:
		updates["read_at"] = at
	case model.NotificationStatusFailed:
		updates["failed_at"] = at
	}

	statuses := make([]string, len(prior))
	for i, s := range prior {
		statuses[i] = string(s)
	}

	tx := r.Write(ctx).WithContext(ctx).
		Model(&NotificationEntity{}).
		Where("id = ? AND status IN ?", id, statuses).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// MarkSent records network acceptance of the send: external id plus the
// pending -> sent transition in one conditional update.
func (r *NotificationRepository) MarkSent(ctx context.Context, id string, externalID string, at time.Time) (bool, error) {
	tx := r.Write(ctx).WithContext(ctx).
		Model(&NotificationEntity{}).
		Where("id = ? AND status = ?", id, string(model.NotificationStatusPending)).
		Updates(map[string]interface{}{
			"status":              string(model.NotificationStatusSent),
			"external_message_id": externalID,
			"sent_at":             at,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// MarkFailed records a terminal send failure. Only pending or sent rows can
// fail; a failed row is never resurrected, a new attempt is a new row.
func (r *NotificationRepository) MarkFailed(ctx context.Context, id string, errorMessage string, at time.Time) (bool, error) {
	tx := r.Write(ctx).WithContext(ctx).
		Model(&NotificationEntity{}).
		Where("id = ? AND status IN ?", id, []string{
			string(model.NotificationStatusPending),
			string(model.NotificationStatusSent),
		}).
		Updates(map[string]interface{}{
			"status":        string(model.NotificationStatusFailed),
			"error_message": errorMessage,
			"failed_at":     at,
			"retry_count":   gorm.Expr("retry_count + 1"),
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *NotificationRepository) List(ctx context.Context, f model.NotificationFilter) ([]*model.Notification, int64, error) {
	q := r.Read(ctx).WithContext(ctx).Model(&NotificationEntity{})

	if f.SessionID != nil {
		q = q.Where("session_id = ?", *f.SessionID)
	}
	if f.Channel != nil {
		q = q.Where("channel = ?", string(*f.Channel))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where("status IN ?", statuses)
	}
	if f.Recipient != nil && *f.Recipient != "" {
		q = q.Where("recipient = ?", *f.Recipient)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at < ?", *f.To)
	}

	// Count before pagination
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at"
	if f.Desc {
		order += " DESC"
	} else {
		order += " ASC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*NotificationEntity
	if err := q.Order(order).Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}

	return toNotificationModels(entities), total, nil
}

// ListWithReceipts returns notifications with their read receipts preloaded,
// newest receipts first.
func (r *NotificationRepository) ListWithReceipts(ctx context.Context, f model.NotificationFilter) ([]*model.NotificationWithReceipts, int64, error) {
	q := r.Read(ctx).WithContext(ctx).Model(&NotificationEntity{})

	if f.SessionID != nil {
		q = q.Where("session_id = ?", *f.SessionID)
	}
	if f.Channel != nil {
		q = q.Where("channel = ?", string(*f.Channel))
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at < ?", *f.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at ASC"
	if f.Desc {
		order = "created_at DESC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*NotificationEntity
	err := q.Preload("ReadReceipts", func(db *gorm.DB) *gorm.DB {
		return db.Order("id DESC")
	}).Order(order).Limit(limit).Offset(offset).Find(&entities).Error
	if err != nil {
		return nil, 0, err
	}

	out := make([]*model.NotificationWithReceipts, len(entities))
	for i, e := range entities {
		out[i] = &model.NotificationWithReceipts{
			Notification: *toNotificationModel(e),
			ReadReceipts: toReadReceiptModels(e.ReadReceipts),
		}
	}
	return out, total, nil
}
