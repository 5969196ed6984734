package handlers

import (
	"context"
	"errors"

	"github.com/fasthttp/router"

	"github.com/kostpay/chat-gateway/internal/dispatcher"
	"github.com/kostpay/chat-gateway/internal/ledger"
	"github.com/kostpay/chat-gateway/internal/model"
	"github.com/kostpay/chat-gateway/internal/session"
	xhttp "github.com/kostpay/chat-gateway/pkg/http"
)

type NotificationService interface {
	SendChat(ctx context.Context, sessionID string, recipient string, body string, attachment *dispatcher.Attachment) (*model.Notification, error)
	Get(ctx context.Context, id string) (*model.Notification, error)
	List(ctx context.Context, f model.NotificationFilter) ([]*model.Notification, int64, error)
	ListWithReceipts(ctx context.Context, f model.NotificationFilter) ([]*model.NotificationWithReceipts, int64, error)
}

type NotificationHandler struct {
	svc NotificationService
}

func RegisterNotificationRoutes(e *router.Group, h *NotificationHandler) {
	e.POST("/notifications/chat", h.SendChat)
	e.GET("/notifications", h.List)
	e.GET("/notifications/receipts", h.ListWithReceipts)
	e.GET("/notifications/{id}", h.Get)
}

func NewNotificationHandler(svc NotificationService) *NotificationHandler {
	return &NotificationHandler{svc: svc}
}

type sendChatRequest struct {
	SessionID          string `json:"session_id"`
	Recipient          string `json:"recipient"`
	Body               string `json:"body"`
	AttachmentPath     string `json:"attachment_path,omitempty"`
	AttachmentFilename string `json:"attachment_filename,omitempty"`
}

type listNotificationsResponse struct {
	Items []*model.Notification `json:"items"`
	Total int64                 `json:"total"`
}

type listWithReceiptsResponse struct {
	Items []*model.NotificationWithReceipts `json:"items"`
	Total int64                             `json:"total"`
}

func (h *NotificationHandler) SendChat(ctx *xhttp.RequestCtx) {
	var req sendChatRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.SessionID == "" {
		writeError(ctx, 400, "session_id is required")
		return
	}

	var attachment *dispatcher.Attachment
	if req.AttachmentPath != "" {
		attachment = &dispatcher.Attachment{
			Path:     req.AttachmentPath,
			Filename: req.AttachmentFilename,
		}
	}

	n, err := h.svc.SendChat(ctx, req.SessionID, req.Recipient, req.Body, attachment)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotConnected):
			// the caller holds the failed notification too
			writeJSON(ctx, 409, map[string]any{
				"error":        "session is not connected, reconnect required",
				"notification": n,
			})
		case errors.Is(err, dispatcher.ErrRecipientInvalid):
			writeError(ctx, 400, err.Error())
		default:
			if n != nil {
				writeJSON(ctx, 502, map[string]any{
					"error":        err.Error(),
					"notification": n,
				})
				return
			}
			writeError(ctx, 400, err.Error())
		}
		return
	}
	writeJSON(ctx, 201, n)
}

func (h *NotificationHandler) Get(ctx *xhttp.RequestCtx) {
	n, err := h.svc.Get(ctx, param(ctx, "id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(ctx, 404, err.Error())
			return
		}
		writeError(ctx, 500, err.Error())
		return
	}
	writeJSON(ctx, 200, n)
}

func (h *NotificationHandler) List(ctx *xhttp.RequestCtx) {
	f := notificationFilter(ctx)

	items, total, err := h.svc.List(ctx, f)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, listNotificationsResponse{Items: items, Total: total})
}

func (h *NotificationHandler) ListWithReceipts(ctx *xhttp.RequestCtx) {
	f := notificationFilter(ctx)

	items, total, err := h.svc.ListWithReceipts(ctx, f)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, listWithReceiptsResponse{Items: items, Total: total})
}

func notificationFilter(ctx *xhttp.RequestCtx) model.NotificationFilter {
	var f model.NotificationFilter

	if v := query(ctx, "session_id"); v != "" {
		f.SessionID = &v
	}
	if v := query(ctx, "channel"); v != "" {
		ch := model.NotificationChannel(v)
		f.Channel = &ch
	}
	if v := query(ctx, "status"); v != "" {
		for _, p := range splitCSV(v) {
			f.Statuses = append(f.Statuses, model.NotificationStatus(p))
		}
	}
	if v := query(ctx, "recipient"); v != "" {
		f.Recipient = &v
	}
	if v := query(ctx, "from"); v != "" {
		if t, err := parseTime(v); err == nil {
			f.From = &t
		}
	}
	if v := query(ctx, "to"); v != "" {
		if t, err := parseTime(v); err == nil {
			f.To = &t
		}
	}
	if n, ok := queryInt(ctx, "limit"); ok {
		f.Limit = n
	}
	if n, ok := queryInt(ctx, "offset"); ok {
		f.Offset = n
	}
	if query(ctx, "order") == "desc" {
		f.Desc = true
	}
	return f
}
