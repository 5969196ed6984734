package session

import (
	"context"
	"sync"
	"time"

	"github.com/kostpay/chat-gateway/internal/dispatcher"
	"github.com/kostpay/chat-gateway/internal/model"
	"github.com/kostpay/chat-gateway/internal/transport"
	"github.com/kostpay/chat-gateway/pkg/logger"
	"github.com/kostpay/chat-gateway/pkg/prom"
)

const persistTimeout = 5 * time.Second

// Store persists session snapshots across restarts.
type Store interface {
	Save(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, sessionID string) (*model.Session, error)
	List(ctx context.Context) ([]*model.Session, error)
	Delete(ctx context.Context, sessionID string) error
}

// EventPublisher carries receipt events from the session event loop to the
// delivery tracker. Matched by queue.Queue.
type EventPublisher interface {
	PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error)
}

// Options tunes one machine's timing behavior.
type Options struct {
	QRTTL          time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	SettleWindow   time.Duration
}

func (o Options) withDefaults() Options {
	if o.QRTTL == 0 {
		o.QRTTL = time.Minute
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 20 * time.Second
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.SettleWindow == 0 {
		o.SettleWindow = 2 * time.Second
	}
	return o
}

// Machine owns one session's lifecycle:
//
//	disconnected --connect--> connecting --qr--> qr_required --open--> connected
//	                             \------------open------------------/
//
// Transient closes go back to connecting with one supervised retry timer;
// fatal closes (logout, bad credentials, conflicting session) end in
// disconnected and are never silently retried. All transitions for one
// session are serialized behind mu and written through to the store.
type Machine struct {
	id         string
	factory    transport.Factory
	creds      *transport.CredentialStore
	store      Store
	publisher  EventPublisher
	dispatcher *dispatcher.Dispatcher
	opts       Options

	lock            sync.Mutex
	status          model.SessionStatus
	phoneNumber     *string
	qrPayload       *string
	qrExpiresAt     *time.Time
	lastConnectedAt *time.Time
	client          transport.Client
	retryTimer      *time.Timer
}

func NewMachine(id string, factory transport.Factory, creds *transport.CredentialStore, store Store, publisher EventPublisher, d *dispatcher.Dispatcher, opts Options) *Machine {
	return &Machine{
		id:         id,
		factory:    factory,
		creds:      creds,
		store:      store,
		publisher:  publisher,
		dispatcher: d,
		opts:       opts.withDefaults(),
		status:     model.SessionStatusDisconnected,
	}
}

// seed hydrates informational fields from a persisted snapshot. The live
// status always starts disconnected; only a connect attempt can prove
// otherwise.
func (m *Machine) seed(s *model.Session) {
	if s == nil {
		return
	}
	m.lock.Lock()
	m.lastConnectedAt = s.LastConnectedAt
	m.lock.Unlock()
}

// Connect is idempotent: when the session is already connecting,
// qr_required or connected it returns the current snapshot without side
// effects. Otherwise it loads credentials, opens the underlying client and
// starts the event loop. The connect attempt itself is bounded; pairing
// progress arrives asynchronously and callers re-check Status.
func (m *Machine) Connect(ctx context.Context) (model.SessionSnapshot, error) {
	m.lock.Lock()
	switch m.status {
	case model.SessionStatusConnecting, model.SessionStatusQRRequired, model.SessionStatusConnected:
		snap := m.snapshotLocked()
		m.lock.Unlock()
		return snap, nil
	}

	creds, err := m.creds.Load(m.id)
	if err != nil {
		m.lock.Unlock()
		return m.Status(), err
	}

	client := m.factory(m.id, creds)
	m.client = client
	m.status = model.SessionStatusConnecting
	m.persistLocked()
	m.lock.Unlock()

	go m.consumeEvents(client)

	cctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()
	if err := client.Connect(cctx); err != nil {
		logger.Warn("session connect attempt failed", "session_id", m.id, "error", err)
		m.handleClosed(client, transport.CloseNetworkError)
	}

	return m.Status(), nil
}

// Disconnect logs out best-effort and always ends in disconnected,
// whatever the underlying client says.
func (m *Machine) Disconnect(ctx context.Context) model.SessionSnapshot {
	m.lock.Lock()
	m.stopRetryLocked()
	client := m.client
	m.client = nil
	m.phoneNumber = nil
	m.qrPayload = nil
	m.qrExpiresAt = nil
	m.status = model.SessionStatusDisconnected
	m.persistLocked()
	snap := m.snapshotLocked()
	m.lock.Unlock()

	if client != nil {
		if err := client.Logout(ctx); err != nil {
			logger.Warn("best-effort logout failed", "session_id", m.id, "error", err)
		}
		if err := client.Close(); err != nil {
			logger.Warn("client close failed", "session_id", m.id, "error", err)
		}
	}
	return snap
}

// Reset is Disconnect plus credential wipe: the next Connect requires a
// fresh QR pairing and the persisted snapshot is removed.
func (m *Machine) Reset(ctx context.Context) (model.SessionSnapshot, error) {
	snap := m.Disconnect(ctx)

	if err := m.creds.Wipe(m.id); err != nil {
		return snap, err
	}
	if err := m.store.Delete(ctx, m.id); err != nil {
		return snap, err
	}
	return snap, nil
}

// Stop tears down the live client without logging out, for orderly process
// shutdown. The in-memory status drops so late Status callers never see a
// connected snapshot with no transport behind it, but the persisted status
// keeps its last value so a restart can resume the session.
func (m *Machine) Stop() {
	m.lock.Lock()
	m.stopRetryLocked()
	client := m.client
	m.client = nil
	m.phoneNumber = nil
	m.qrPayload = nil
	m.qrExpiresAt = nil
	m.status = model.SessionStatusDisconnected
	m.lock.Unlock()

	if client != nil {
		_ = client.Close()
	}
}

// Send delegates to the dispatcher, failing fast unless connected. It
// never queues; retry policy belongs to the caller.
func (m *Machine) Send(ctx context.Context, msg dispatcher.Message) (string, error) {
	m.lock.Lock()
	if m.status != model.SessionStatusConnected || m.client == nil {
		m.lock.Unlock()
		return "", ErrNotConnected
	}
	client := m.client
	m.lock.Unlock()

	return m.dispatcher.Dispatch(ctx, client, msg)
}

// Status returns a point-in-time snapshot without blocking. An expired QR
// payload is withheld even when the network has not cleared it yet.
func (m *Machine) Status() model.SessionSnapshot {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() model.SessionSnapshot {
	snap := model.SessionSnapshot{
		SessionID:       m.id,
		IsConnected:     m.status == model.SessionStatusConnected,
		Status:          m.status,
		PhoneNumber:     m.phoneNumber,
		LastConnectedAt: m.lastConnectedAt,
	}
	if m.qrPayload != nil && m.qrExpiresAt != nil && time.Now().Before(*m.qrExpiresAt) {
		snap.QRPayload = m.qrPayload
	}
	return snap
}

func (m *Machine) consumeEvents(client transport.Client) {
	for ev := range client.Events() {
		switch e := ev.(type) {
		case transport.QREvent:
			m.handleQR(client, e)
		case transport.ConnectedEvent:
			m.handleOpen(client, e)
		case transport.DisconnectedEvent:
			m.handleClosed(client, e.Reason)
		case transport.ReceiptEvent:
			m.publishReceipt(e)
		}
	}
}

func (m *Machine) handleQR(client transport.Client, e transport.QREvent) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.client != client {
		return
	}

	expires := time.Now().Add(m.opts.QRTTL)
	m.status = model.SessionStatusQRRequired
	m.qrPayload = &e.Payload
	m.qrExpiresAt = &expires
	m.phoneNumber = nil
	m.persistLocked()

	logger.Info("session requires QR pairing", "session_id", m.id, "expires_at", expires)
}

func (m *Machine) handleOpen(client transport.Client, e transport.ConnectedEvent) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.client != client {
		return
	}

	now := time.Now()
	m.status = model.SessionStatusConnected
	m.phoneNumber = &e.PhoneNumber
	m.qrPayload = nil
	m.qrExpiresAt = nil
	m.lastConnectedAt = &now
	m.stopRetryLocked()
	m.persistLocked()

	logger.Info("session connected", "session_id", m.id, "phone_number", e.PhoneNumber)
}

func (m *Machine) handleClosed(client transport.Client, reason transport.CloseReason) {
	m.lock.Lock()
	if m.client != client {
		m.lock.Unlock()
		return
	}

	if reason.Fatal() {
		// The network invalidated this session elsewhere. Retrying would
		// loop forever against a dead session; a new pairing is required.
		m.client = nil
		m.phoneNumber = nil
		m.qrPayload = nil
		m.qrExpiresAt = nil
		m.status = model.SessionStatusDisconnected
		m.stopRetryLocked()
		m.persistLocked()
		m.lock.Unlock()

		logger.Error("session closed fatally", "session_id", m.id, "reason", string(reason))
		go func() { _ = client.Close() }()
		return
	}

	m.status = model.SessionStatusConnecting
	m.persistLocked()
	m.scheduleRetryLocked(client)
	m.lock.Unlock()

	prom.IncSessionReconnect(string(reason))
	logger.Warn("session closed, retry scheduled", "session_id", m.id, "reason", string(reason), "delay", m.opts.ReconnectDelay)
}

// scheduleRetryLocked arms the single retry timer. A new timer always
// supersedes a pending one; two timers for one session never coexist.
func (m *Machine) scheduleRetryLocked(client transport.Client) {
	m.stopRetryLocked()
	m.retryTimer = time.AfterFunc(m.opts.ReconnectDelay, func() {
		m.retryConnect(client)
	})
}

func (m *Machine) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Machine) retryConnect(client transport.Client) {
	m.lock.Lock()
	m.retryTimer = nil
	if m.client != client || m.status != model.SessionStatusConnecting {
		m.lock.Unlock()
		return
	}
	m.lock.Unlock()

	cctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()
	if err := client.Connect(cctx); err != nil {
		logger.Warn("session reconnect attempt failed", "session_id", m.id, "error", err)
		m.handleClosed(client, transport.CloseNetworkError)
	}
}

func (m *Machine) publishReceipt(e transport.ReceiptEvent) {
	eventID := e.EventID
	if eventID == "" {
		eventID = e.ExternalMessageID + ":" + string(e.Stage)
	}

	ev := model.DeliveryEvent{
		EventID:           eventID,
		SessionID:         m.id,
		ExternalMessageID: e.ExternalMessageID,
		Stage:             e.Stage,
		Timestamp:         e.Timestamp,
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if _, err := m.publisher.PublishJSON(ctx, ev, map[string]string{"session_id": m.id}); err != nil {
		logger.Error("failed to publish delivery event", "session_id", m.id, "external_message_id", e.ExternalMessageID, "error", err)
	}
}

// persistLocked writes the snapshot through to the store so a restart can
// observe the last known state. A failed write is logged, not surfaced;
// the in-memory machine stays authoritative while the process lives.
func (m *Machine) persistLocked() {
	s := &model.Session{
		SessionID:       m.id,
		Status:          m.status,
		PhoneNumber:     m.phoneNumber,
		QRPayload:       m.qrPayload,
		QRExpiresAt:     m.qrExpiresAt,
		LastConnectedAt: m.lastConnectedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.Save(ctx, s); err != nil {
		logger.Error("failed to persist session status", "session_id", m.id, "status", string(m.status), "error", err)
	}
}
