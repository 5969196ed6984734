package repository

import (
	"context"

	"github.com/kostpay/chat-gateway/internal/model"
	"github.com/kostpay/chat-gateway/pkg/pg"
)

type ReadReceiptRepository struct {
	*pg.DB
}

func NewReadReceiptRepository(db *pg.DB) *ReadReceiptRepository {
	return &ReadReceiptRepository{
		db,
	}
}

// Append records one read event. The table is append-only; duplicates are
// legitimate (one row per device/open).
func (r *ReadReceiptRepository) Append(ctx context.Context, rr *model.ReadReceipt) (*model.ReadReceipt, error) {
	entity := toReadReceiptEntity(rr)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toReadReceiptModel(entity), nil
}

func (r *ReadReceiptRepository) ListByNotification(ctx context.Context, notificationID string) ([]*model.ReadReceipt, error) {
	var entities []*ReadReceiptEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Order("id ASC").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toReadReceiptModels(entities), nil
}
