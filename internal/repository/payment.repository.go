package repository

import (
	"context"
	"errors"

	"github.com/kostpay/chat-gateway/internal/model"
	"github.com/kostpay/chat-gateway/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrOrderNotFound is returned when a payment order does not exist.
	ErrOrderNotFound = errors.New("payment order not found")
)

type PaymentOrderRepository struct {
	*pg.DB
}

func NewPaymentOrderRepository(db *pg.DB) *PaymentOrderRepository {
	return &PaymentOrderRepository{
		db,
	}
}

func (r *PaymentOrderRepository) Get(ctx context.Context, orderID string) (*model.PaymentOrder, error) {
	var entity PaymentOrderEntity
	err := r.Read(ctx).WithContext(ctx).Where("order_id = ?", orderID).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return toPaymentOrderModel(&entity), nil
}

// Transition applies a webhook-driven status change keyed by order id.
// Inserts on first sight; on replay the conditional update keeps settled
// and failed terminal, so redelivered webhooks are no-ops.
func (r *PaymentOrderRepository) Transition(ctx context.Context, o *model.PaymentOrder) (bool, error) {
	entity := toPaymentOrderEntity(o)

	tx := r.Write(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "order_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"status":          entity.Status,
				"provider_status": entity.ProviderStatus,
				"gross_amount":    entity.GrossAmount,
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "payment_orders.status = ?", Vars: []interface{}{string(model.PaymentStatusPending)}},
			}},
		}).
		Create(entity)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}
