package handlers

import (
	"context"

	"github.com/fasthttp/router"

	"github.com/kostpay/chat-gateway/internal/model"
	xhttp "github.com/kostpay/chat-gateway/pkg/http"
	"github.com/kostpay/chat-gateway/pkg/logger"
)

// transparent 1x1 GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

type ReadTracker interface {
	MarkRead(ctx context.Context, notificationID string, rc model.ReceiptContext) error
}

// PixelHandler serves the email tracking pixel. The response is always the
// image with no-cache headers; a failed or unknown read signal must not
// break the email render.
type PixelHandler struct {
	svc ReadTracker
}

// RegisterPixelRoutes attaches the tracking route on the root router. The
// pixel URL is embedded in rendered emails and must stay short and stable.
func RegisterPixelRoutes(e *router.Router, h *PixelHandler) {
	e.GET("/track/open/{id}", h.TrackOpen)
}

func NewPixelHandler(svc ReadTracker) *PixelHandler {
	return &PixelHandler{svc: svc}
}

func (h *PixelHandler) TrackOpen(ctx *xhttp.RequestCtx) {
	id := param(ctx, "id")
	if id != "" {
		ip := ctx.RemoteIP().String()
		ua := string(ctx.UserAgent())
		rc := model.ReceiptContext{}
		if ip != "" {
			rc.IPAddress = &ip
		}
		if ua != "" {
			rc.UserAgent = &ua
		}

		if err := h.svc.MarkRead(ctx, id, rc); err != nil {
			logger.Debug("pixel read signal not recorded", "notification_id", id, "error", err)
		}
	}

	ctx.Response.Header.Set("Content-Type", "image/gif")
	ctx.Response.Header.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	ctx.Response.Header.Set("Pragma", "no-cache")
	ctx.Response.SetStatusCode(200)
	ctx.Response.SetBodyRaw(pixelGIF)
}
