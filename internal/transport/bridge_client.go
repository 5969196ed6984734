package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kostpay/chat-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

const (
	defaultRequestTimeout = 10 * time.Second
	eventPollTimeout      = 30 * time.Second
	eventPollRetryDelay   = time.Second
	eventBufferSize       = 64
)

// BridgeConfig configures the HTTP client for the device bridge.
type BridgeConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxConns       int
}

// BridgeClient drives one session on the device bridge over HTTP. Sends
// are plain request/response; events are long-polled into a typed channel
// by a pump goroutine started on Connect.
type BridgeClient struct {
	config    BridgeConfig
	sessionID string
	creds     *Credentials
	client    *fasthttp.Client

	onCredentials func(*Credentials)

	events chan Event

	// mu guards creds and the pump lifecycle; the pump goroutine rotates
	// creds while Connect reads them.
	mu       sync.Mutex
	pumping  bool
	stopPump chan struct{}
	wg       sync.WaitGroup
	closed   bool
}

// NewBridgeFactory returns a Factory producing bridge clients that share
// one fasthttp client. onCredentials is invoked whenever the bridge rotates
// a session's credentials.
func NewBridgeFactory(config BridgeConfig, onCredentials func(*Credentials)) Factory {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.MaxConns == 0 {
		config.MaxConns = 512
	}

	httpClient := &fasthttp.Client{
		MaxConnsPerHost:     config.MaxConns,
		ReadTimeout:         eventPollTimeout + config.RequestTimeout,
		WriteTimeout:        config.RequestTimeout,
		MaxIdleConnDuration: 60 * time.Second,
	}

	return func(sessionID string, creds *Credentials) Client {
		return &BridgeClient{
			config:        config,
			sessionID:     sessionID,
			creds:         creds,
			client:        httpClient,
			onCredentials: onCredentials,
			events:        make(chan Event, eventBufferSize),
			stopPump:      make(chan struct{}),
		}
	}
}

type connectRequest struct {
	DeviceToken string `json:"device_token,omitempty"`
}

type sendTextRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type sendDocumentRequest struct {
	To       string `json:"to"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
	Caption  string `json:"caption"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

// bridgeEvent is the wire shape of one bridge event. Translated into typed
// events before anything else sees it.
type bridgeEvent struct {
	Type        string `json:"type"`
	QRPayload   string `json:"qr_payload,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	CloseCode   string `json:"close_code,omitempty"`
	EventID     string `json:"event_id,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	Ack         string `json:"ack,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	DeviceToken string `json:"device_token,omitempty"`
}

func (c *BridgeClient) Connect(ctx context.Context) error {
	req := connectRequest{}
	c.mu.Lock()
	if c.creds != nil {
		req.DeviceToken = c.creds.DeviceToken
	}
	c.mu.Unlock()
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	path := fmt.Sprintf("/sessions/%s/connect", c.sessionID)
	if _, err := c.doRequest(ctx, "POST", path, body); err != nil {
		return err
	}

	c.startPump()
	return nil
}

func (c *BridgeClient) Disconnect(ctx context.Context) error {
	path := fmt.Sprintf("/sessions/%s/disconnect", c.sessionID)
	_, err := c.doRequest(ctx, "POST", path, nil)
	return err
}

func (c *BridgeClient) Logout(ctx context.Context) error {
	path := fmt.Sprintf("/sessions/%s/logout", c.sessionID)
	_, err := c.doRequest(ctx, "POST", path, nil)
	return err
}

func (c *BridgeClient) SendText(ctx context.Context, to string, body string) (string, error) {
	reqBody, err := json.Marshal(sendTextRequest{To: to, Body: body})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	path := fmt.Sprintf("/sessions/%s/messages", c.sessionID)
	response, err := c.doRequest(ctx, "POST", path, reqBody)
	if err != nil {
		return "", err
	}

	var resp sendResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return resp.MessageID, nil
}

func (c *BridgeClient) SendDocument(ctx context.Context, to string, path string, filename string, caption string) (string, error) {
	reqBody, err := json.Marshal(sendDocumentRequest{To: to, Path: path, Filename: filename, Caption: caption})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("/sessions/%s/documents", c.sessionID)
	response, err := c.doRequest(ctx, "POST", url, reqBody)
	if err != nil {
		return "", err
	}

	var resp sendResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return resp.MessageID, nil
}

func (c *BridgeClient) Events() <-chan Event {
	return c.events
}

func (c *BridgeClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.pumping {
		close(c.stopPump)
	}
	c.mu.Unlock()

	c.wg.Wait()
	close(c.events)
	return nil
}

func (c *BridgeClient) startPump() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pumping || c.closed {
		return
	}
	c.pumping = true

	c.wg.Add(1)
	go c.pumpEvents()
}

// pumpEvents long-polls the bridge and publishes translated events. Poll
// errors back off and retry; the session layer decides what a silence
// means.
func (c *BridgeClient) pumpEvents() {
	defer c.wg.Done()

	path := fmt.Sprintf("/sessions/%s/events?wait=%ds", c.sessionID, int(eventPollTimeout.Seconds()))

	for {
		select {
		case <-c.stopPump:
			return
		default:
		}

		response, err := c.pollRequest(path)
		if err != nil {
			logger.Warn("bridge event poll failed", "session_id", c.sessionID, "error", err)
			select {
			case <-c.stopPump:
				return
			case <-time.After(eventPollRetryDelay):
			}
			continue
		}

		var raw []bridgeEvent
		if err := json.Unmarshal(response, &raw); err != nil {
			logger.Warn("bridge event decode failed", "session_id", c.sessionID, "error", err)
			continue
		}

		for _, be := range raw {
			ev, ok := c.translate(be)
			if !ok {
				continue
			}
			select {
			case c.events <- ev:
			case <-c.stopPump:
				return
			}
		}
	}
}

func (c *BridgeClient) translate(be bridgeEvent) (Event, bool) {
	switch be.Type {
	case "qr":
		return QREvent{Payload: be.QRPayload}, true
	case "open":
		return ConnectedEvent{PhoneNumber: be.PhoneNumber}, true
	case "close":
		return DisconnectedEvent{Reason: classifyCloseCode(be.CloseCode)}, true
	case "receipt":
		stage, ok := translateStage(be.Ack)
		if !ok {
			logger.Debug("dropping receipt with unknown ack", "session_id", c.sessionID, "ack", be.Ack)
			return nil, false
		}
		ts := time.Now()
		if be.Timestamp > 0 {
			ts = time.Unix(be.Timestamp, 0)
		}
		return ReceiptEvent{
			EventID:           be.EventID,
			ExternalMessageID: be.MessageID,
			Stage:             stage,
			Timestamp:         ts,
		}, true
	case "credentials":
		if c.onCredentials != nil {
			now := time.Now()
			creds := &Credentials{
				SessionID:   c.sessionID,
				DeviceToken: be.DeviceToken,
				RotatedAt:   now,
			}
			c.mu.Lock()
			if c.creds != nil {
				creds.RegisteredAt = c.creds.RegisteredAt
			} else {
				creds.RegisteredAt = now
			}
			c.creds = creds
			c.mu.Unlock()
			c.onCredentials(creds)
		}
		return nil, false
	default:
		logger.Debug("dropping unknown bridge event", "session_id", c.sessionID, "type", be.Type)
		return nil, false
	}
}

// doRequest performs an HTTP request against the bridge with a deadline.
func (c *BridgeClient) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")

	if body != nil {
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.RequestTimeout)
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	statusCode := resp.StatusCode()
	if statusCode != fasthttp.StatusOK && statusCode != fasthttp.StatusAccepted {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", statusCode, resp.Body())
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())

	return result, nil
}

func (c *BridgeClient) pollRequest(path string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod("GET")

	deadline := time.Now().Add(eventPollTimeout + c.config.RequestTimeout)
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode() == fasthttp.StatusNoContent {
		return []byte("[]"), nil
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode())
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())

	return result, nil
}
