package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kostpay/chat-gateway/internal/dispatcher"
	"github.com/kostpay/chat-gateway/internal/model"
	"github.com/kostpay/chat-gateway/internal/transport"
)

type fakeClient struct {
	mu           sync.Mutex
	connectCalls int
	connectErr   error
	logoutCalls  int
	closeOnce    sync.Once
	events       chan transport.Event
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan transport.Event, 16)}
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCalls++
	return c.connectErr
}

func (c *fakeClient) Disconnect(ctx context.Context) error { return nil }

func (c *fakeClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logoutCalls++
	return nil
}

func (c *fakeClient) SendText(ctx context.Context, to string, body string) (string, error) {
	return "ext-" + to, nil
}

func (c *fakeClient) SendDocument(ctx context.Context, to, path, filename, caption string) (string, error) {
	return "doc-" + to, nil
}

func (c *fakeClient) Events() <-chan transport.Event { return c.events }

func (c *fakeClient) Close() error {
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *fakeClient) emit(ev transport.Event) { c.events <- ev }

func (c *fakeClient) connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls
}

func (c *fakeClient) logouts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logoutCalls
}

type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
}

func (f *fakeFactory) build(sessionID string, creds *transport.Credentials) transport.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := newFakeClient()
	f.clients = append(f.clients, c)
	return c
}

func (f *fakeFactory) latest() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

type memStore struct {
	mu   sync.Mutex
	rows map[string]*model.Session
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*model.Session)}
}

func (s *memStore) Save(ctx context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.rows[sess.SessionID] = &cp
	return nil
}

func (s *memStore) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[sessionID]; ok {
		cp := *row
		return &cp, nil
	}
	return nil, errors.New("session not found")
}

func (s *memStore) List(ctx context.Context) ([]*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Session, 0, len(s.rows))
	for _, row := range s.rows {
		cp := *row
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, sessionID)
	return nil
}

func (s *memStore) status(sessionID string) model.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[sessionID]; ok {
		return row.Status
	}
	return ""
}

type memPublisher struct {
	mu     sync.Mutex
	events []model.DeliveryEvent
}

func (p *memPublisher) PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, data.(model.DeliveryEvent))
	return "1-0", nil
}

func (p *memPublisher) published() []model.DeliveryEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.DeliveryEvent, len(p.events))
	copy(out, p.events)
	return out
}

func testOptions() Options {
	return Options{
		QRTTL:          100 * time.Millisecond,
		ConnectTimeout: time.Second,
		ReconnectDelay: 20 * time.Millisecond,
		SettleWindow:   500 * time.Millisecond,
	}
}

func newTestMachine(t *testing.T, id string) (*Machine, *fakeFactory, *memStore, *memPublisher) {
	t.Helper()

	creds, err := transport.NewCredentialStore(t.TempDir())
	require.NoError(t, err)

	factory := &fakeFactory{}
	store := newMemStore()
	publisher := &memPublisher{}
	m := NewMachine(id, factory.build, creds, store, publisher, dispatcher.New("62"), testOptions())
	return m, factory, store, publisher
}

func waitStatus(t *testing.T, m *Machine, want model.SessionStatus) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return m.Status().Status == want
	}, time.Second, 5*time.Millisecond)
}

func TestMachine_ConnectToConnected(t *testing.T) {
	m, factory, store, _ := newTestMachine(t, "s1")

	snap, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusConnecting, snap.Status)

	factory.latest().emit(transport.ConnectedEvent{PhoneNumber: "6281234567890"})
	waitStatus(t, m, model.SessionStatusConnected)

	snap = m.Status()
	assert.True(t, snap.IsConnected)
	require.NotNil(t, snap.PhoneNumber)
	assert.Equal(t, "6281234567890", *snap.PhoneNumber)
	assert.NotNil(t, snap.LastConnectedAt)

	// status is written through to the store on every transition
	assert.Eventually(t, func() bool {
		return store.status("s1") == model.SessionStatusConnected
	}, time.Second, 5*time.Millisecond)
}

func TestMachine_ConnectIdempotent(t *testing.T) {
	m, factory, _, _ := newTestMachine(t, "s1")

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	_, err = m.Connect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, factory.count())
	assert.Equal(t, 1, factory.latest().connects())
}

func TestMachine_QRLifecycle(t *testing.T) {
	m, factory, store, _ := newTestMachine(t, "s1")

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	factory.latest().emit(transport.QREvent{Payload: "qr-data-1"})
	waitStatus(t, m, model.SessionStatusQRRequired)

	snap := m.Status()
	require.NotNil(t, snap.QRPayload)
	assert.Equal(t, "qr-data-1", *snap.QRPayload)
	assert.Equal(t, model.SessionStatusQRRequired, store.status("s1"))

	// the payload is withheld once its TTL passes, even though the status
	// has not moved
	assert.Eventually(t, func() bool {
		return m.Status().QRPayload == nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.SessionStatusQRRequired, m.Status().Status)

	// scanning the code completes pairing as usual
	factory.latest().emit(transport.ConnectedEvent{PhoneNumber: "628111"})
	waitStatus(t, m, model.SessionStatusConnected)
	assert.Nil(t, m.Status().QRPayload)
}

func TestMachine_TransientCloseSchedulesSingleRetry(t *testing.T) {
	m, factory, _, _ := newTestMachine(t, "s1")

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	client := factory.latest()
	client.emit(transport.ConnectedEvent{PhoneNumber: "628111"})
	waitStatus(t, m, model.SessionStatusConnected)

	for i := 0; i < 3; i++ {
		client.emit(transport.DisconnectedEvent{Reason: transport.CloseNetworkError})
		waitStatus(t, m, model.SessionStatusConnecting)

		want := 2 + i
		assert.Eventually(t, func() bool {
			return client.connects() == want
		}, time.Second, 5*time.Millisecond)

		client.emit(transport.ConnectedEvent{PhoneNumber: "628111"})
		waitStatus(t, m, model.SessionStatusConnected)
	}

	// one retry per disconnect, never a stack of timers
	time.Sleep(3 * testOptions().ReconnectDelay)
	assert.Equal(t, 4, client.connects())
}

func TestMachine_FatalCloseDisconnectsWithoutRetry(t *testing.T) {
	m, factory, store, _ := newTestMachine(t, "s1")

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	client := factory.latest()
	client.emit(transport.ConnectedEvent{PhoneNumber: "628111"})
	waitStatus(t, m, model.SessionStatusConnected)

	client.emit(transport.DisconnectedEvent{Reason: transport.CloseLoggedOut})
	waitStatus(t, m, model.SessionStatusDisconnected)

	snap := m.Status()
	assert.Nil(t, snap.PhoneNumber)
	assert.Equal(t, model.SessionStatusDisconnected, store.status("s1"))

	time.Sleep(3 * testOptions().ReconnectDelay)
	assert.Equal(t, 1, client.connects())
}

func TestMachine_SendRequiresConnected(t *testing.T) {
	m, factory, _, _ := newTestMachine(t, "s1")

	_, err := m.Send(context.Background(), dispatcher.Message{Recipient: "0812", Body: "hi"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = m.Connect(context.Background())
	require.NoError(t, err)

	// still connecting, still refused
	_, err = m.Send(context.Background(), dispatcher.Message{Recipient: "0812", Body: "hi"})
	assert.ErrorIs(t, err, ErrNotConnected)

	factory.latest().emit(transport.ConnectedEvent{PhoneNumber: "628111"})
	waitStatus(t, m, model.SessionStatusConnected)

	externalID, err := m.Send(context.Background(), dispatcher.Message{Recipient: "081234567890", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ext-6281234567890", externalID)
}

func TestMachine_ReceiptEventsArePublished(t *testing.T) {
	m, factory, _, publisher := newTestMachine(t, "s1")

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	ts := time.Now().Truncate(time.Second)
	factory.latest().emit(transport.ReceiptEvent{
		EventID:           "ev-1",
		ExternalMessageID: "abc123",
		Stage:             model.StageDelivered,
		Timestamp:         ts,
	})

	assert.Eventually(t, func() bool {
		return len(publisher.published()) == 1
	}, time.Second, 5*time.Millisecond)

	ev := publisher.published()[0]
	assert.Equal(t, "ev-1", ev.EventID)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "abc123", ev.ExternalMessageID)
	assert.Equal(t, model.StageDelivered, ev.Stage)
}

func TestMachine_DisconnectLogsOutBestEffort(t *testing.T) {
	m, factory, store, _ := newTestMachine(t, "s1")

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	client := factory.latest()
	client.emit(transport.ConnectedEvent{PhoneNumber: "628111"})
	waitStatus(t, m, model.SessionStatusConnected)

	snap := m.Disconnect(context.Background())
	assert.Equal(t, model.SessionStatusDisconnected, snap.Status)
	assert.Equal(t, 1, client.logouts())
	assert.Equal(t, model.SessionStatusDisconnected, store.status("s1"))

	// events from the abandoned client no longer move the machine
	assert.Equal(t, model.SessionStatusDisconnected, m.Status().Status)
}

func TestMachine_StopDropsLiveStateButKeepsPersistedStatus(t *testing.T) {
	m, factory, store, _ := newTestMachine(t, "s1")

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	client := factory.latest()
	client.emit(transport.ConnectedEvent{PhoneNumber: "628111"})
	waitStatus(t, m, model.SessionStatusConnected)

	m.Stop()

	// no logout and the stored row still says connected, so a restart
	// resumes the session
	assert.Equal(t, 0, client.logouts())
	assert.Equal(t, model.SessionStatusConnected, store.status("s1"))

	// but the in-memory snapshot no longer claims a live transport
	snap := m.Status()
	assert.False(t, snap.IsConnected)
	assert.Equal(t, model.SessionStatusDisconnected, snap.Status)
	assert.Nil(t, snap.PhoneNumber)

	_, err = m.Send(context.Background(), dispatcher.Message{Recipient: "0812", Body: "hi"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMachine_ResetWipesCredentialsAndRow(t *testing.T) {
	dir := t.TempDir()
	creds, err := transport.NewCredentialStore(dir)
	require.NoError(t, err)
	require.NoError(t, creds.Save(&transport.Credentials{SessionID: "s1", DeviceToken: "tok"}))

	factory := &fakeFactory{}
	store := newMemStore()
	m := NewMachine("s1", factory.build, creds, store, &memPublisher{}, dispatcher.New("62"), testOptions())

	_, err = m.Connect(context.Background())
	require.NoError(t, err)
	factory.latest().emit(transport.ConnectedEvent{PhoneNumber: "628111"})
	waitStatus(t, m, model.SessionStatusConnected)

	_, err = m.Reset(context.Background())
	require.NoError(t, err)

	loaded, err := creds.Load("s1")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	_, err = store.Get(context.Background(), "s1")
	assert.Error(t, err)
}
