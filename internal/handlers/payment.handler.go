package handlers

import (
	"context"
	"errors"

	"github.com/fasthttp/router"

	"github.com/kostpay/chat-gateway/internal/model"
	"github.com/kostpay/chat-gateway/internal/payments"
	"github.com/kostpay/chat-gateway/internal/repository"
	xhttp "github.com/kostpay/chat-gateway/pkg/http"
)

type PaymentWebhookService interface {
	Apply(ctx context.Context, n payments.WebhookNotification) (*model.PaymentOrder, bool, error)
}

type PaymentHandler struct {
	svc PaymentWebhookService
}

func RegisterPaymentRoutes(e *router.Group, h *PaymentHandler) {
	e.POST("/webhooks/payment", h.Webhook)
}

func NewPaymentHandler(svc PaymentWebhookService) *PaymentHandler {
	return &PaymentHandler{svc: svc}
}

// Webhook receives provider payment notifications. The provider retries on
// non-200, so anything already absorbed idempotently still answers 200.
func (h *PaymentHandler) Webhook(ctx *xhttp.RequestCtx) {
	var n payments.WebhookNotification
	if err := readJSON(ctx, &n); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	order, applied, err := h.svc.Apply(ctx, n)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrSignatureMismatch):
			writeError(ctx, 403, err.Error())
		case errors.Is(err, repository.ErrOrderNotFound):
			writeError(ctx, 404, err.Error())
		default:
			writeError(ctx, 500, err.Error())
		}
		return
	}

	writeJSON(ctx, 200, map[string]any{
		"applied": applied,
		"order":   order,
	})
}
