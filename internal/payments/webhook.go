package payments

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"github.com/kostpay/chat-gateway/internal/model"
	"github.com/kostpay/chat-gateway/pkg/logger"
	"github.com/kostpay/chat-gateway/pkg/prom"
)

var (
	// ErrSignatureMismatch is returned for webhooks whose signature does
	// not verify. Callers must reject the request; nothing about the
	// payload can be trusted.
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
)

// WebhookNotification is the provider's webhook payload, reduced to the
// fields the reconciliation needs.
type WebhookNotification struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	SignatureKey      string `json:"signature_key"`
}

// OrderStore is the payment side of the ledger.
type OrderStore interface {
	Get(ctx context.Context, orderID string) (*model.PaymentOrder, error)
	Transition(ctx context.Context, o *model.PaymentOrder) (bool, error)
}

// Handler verifies, maps and applies provider payment webhooks. The three
// steps are strictly ordered: an unverified payload is never mapped, an
// unmapped status is never applied.
type Handler struct {
	serverKey string
	orders    OrderStore
}

func NewHandler(serverKey string, orders OrderStore) *Handler {
	return &Handler{serverKey: serverKey, orders: orders}
}

// verify recomputes the provider signature:
// sha512(order_id + status_code + gross_amount + server_key) in hex.
func (h *Handler) verify(n WebhookNotification) bool {
	sum := sha512.Sum512([]byte(n.OrderID + n.StatusCode + n.GrossAmount + h.serverKey))
	expected := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(n.SignatureKey)) == 1
}

// mapStatus folds the provider's transaction status vocabulary onto the
// internal payment lifecycle. capture only settles when fraud screening
// accepted it; challenge stays pending for manual review.
func mapStatus(transactionStatus string, fraudStatus string) (model.PaymentStatus, bool) {
	switch transactionStatus {
	case "settlement":
		return model.PaymentStatusSettled, true
	case "capture":
		if fraudStatus == "challenge" {
			return model.PaymentStatusPending, true
		}
		return model.PaymentStatusSettled, true
	case "pending":
		return model.PaymentStatusPending, true
	case "deny", "cancel", "expire", "failure":
		return model.PaymentStatusFailed, true
	}
	return "", false
}

// Apply processes one webhook end to end. Returns the resulting order
// state; replays and out-of-order webhooks are absorbed by the
// conditional transition and reported as applied=false.
func (h *Handler) Apply(ctx context.Context, n WebhookNotification) (*model.PaymentOrder, bool, error) {
	if !h.verify(n) {
		logger.Warn("rejected payment webhook with bad signature", "order_id", n.OrderID)
		prom.IncPaymentWebhook("rejected")
		return nil, false, ErrSignatureMismatch
	}

	status, ok := mapStatus(n.TransactionStatus, n.FraudStatus)
	if !ok {
		// unknown vocabulary from the provider; acknowledge without
		// touching the order so a redelivery after a library update can
		// still apply it
		logger.Warn("unmapped provider transaction status, ignoring",
			"order_id", n.OrderID,
			"transaction_status", n.TransactionStatus)
		prom.IncPaymentWebhook("unmapped")
		order, err := h.orders.Get(ctx, n.OrderID)
		if err != nil {
			return nil, false, err
		}
		return order, false, nil
	}

	order := &model.PaymentOrder{
		OrderID:        n.OrderID,
		Status:         status,
		GrossAmount:    n.GrossAmount,
		ProviderStatus: n.TransactionStatus,
	}

	applied, err := h.orders.Transition(ctx, order)
	if err != nil {
		return nil, false, err
	}

	if applied {
		logger.Info("payment order transitioned",
			"order_id", n.OrderID,
			"status", string(status),
			"provider_status", n.TransactionStatus)
		prom.IncPaymentWebhook("applied")
		return order, true, nil
	}

	// terminal row held its ground; report the stored state
	current, err := h.orders.Get(ctx, n.OrderID)
	if err != nil {
		return nil, false, err
	}
	logger.Info("payment webhook replay absorbed",
		"order_id", n.OrderID,
		"current_status", string(current.Status),
		"provider_status", n.TransactionStatus)
	prom.IncPaymentWebhook("absorbed")
	return current, false, nil
}
