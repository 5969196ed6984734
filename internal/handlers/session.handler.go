package handlers

import (
	"context"

	"github.com/fasthttp/router"

	"github.com/kostpay/chat-gateway/internal/model"
	xhttp "github.com/kostpay/chat-gateway/pkg/http"
)

type SessionService interface {
	Connect(ctx context.Context, sessionID string) (model.SessionSnapshot, error)
	Disconnect(ctx context.Context, sessionID string) model.SessionSnapshot
	Reset(ctx context.Context, sessionID string) (model.SessionSnapshot, error)
	Status(sessionID string) model.SessionSnapshot
}

type SessionHandler struct {
	svc SessionService
}

func RegisterSessionRoutes(e *router.Group, h *SessionHandler) {
	e.POST("/sessions/{id}/connect", h.Connect)
	e.POST("/sessions/{id}/disconnect", h.Disconnect)
	e.POST("/sessions/{id}/reset", h.Reset)
	e.GET("/sessions/{id}", h.Status)
}

func NewSessionHandler(svc SessionService) *SessionHandler {
	return &SessionHandler{svc: svc}
}

// Connect is idempotent: repeated calls while connecting or connected just
// return the current snapshot. The response carries the QR payload when
// the session needs pairing.
func (h *SessionHandler) Connect(ctx *xhttp.RequestCtx) {
	id := param(ctx, "id")
	if id == "" {
		writeError(ctx, 400, "session id is required")
		return
	}

	snap, err := h.svc.Connect(ctx, id)
	if err != nil {
		writeError(ctx, 502, err.Error())
		return
	}
	writeJSON(ctx, 200, snap)
}

func (h *SessionHandler) Disconnect(ctx *xhttp.RequestCtx) {
	id := param(ctx, "id")
	if id == "" {
		writeError(ctx, 400, "session id is required")
		return
	}
	writeJSON(ctx, 200, h.svc.Disconnect(ctx, id))
}

func (h *SessionHandler) Reset(ctx *xhttp.RequestCtx) {
	id := param(ctx, "id")
	if id == "" {
		writeError(ctx, 400, "session id is required")
		return
	}

	snap, err := h.svc.Reset(ctx, id)
	if err != nil {
		writeError(ctx, 500, err.Error())
		return
	}
	writeJSON(ctx, 200, snap)
}

func (h *SessionHandler) Status(ctx *xhttp.RequestCtx) {
	id := param(ctx, "id")
	if id == "" {
		writeError(ctx, 400, "session id is required")
		return
	}
	writeJSON(ctx, 200, h.svc.Status(id))
}
