package session

import (
	"context"
	"sync"
	"time"

	"github.com/kostpay/chat-gateway/internal/dispatcher"
	"github.com/kostpay/chat-gateway/internal/model"
	"github.com/kostpay/chat-gateway/internal/transport"
	"github.com/kostpay/chat-gateway/pkg/logger"
)

const settlePollInterval = 50 * time.Millisecond

// Registry hands out exactly one Machine per session id for the lifetime
// of the process. Machines are created lazily on first lookup and live
// until Shutdown; only Reset destroys a session's persisted state.
type Registry struct {
	factory    transport.Factory
	creds      *transport.CredentialStore
	store      Store
	publisher  EventPublisher
	dispatcher *dispatcher.Dispatcher
	opts       Options

	mu       sync.Mutex
	machines map[string]*Machine
}

func NewRegistry(factory transport.Factory, creds *transport.CredentialStore, store Store, publisher EventPublisher, d *dispatcher.Dispatcher, opts Options) *Registry {
	return &Registry{
		factory:    factory,
		creds:      creds,
		store:      store,
		publisher:  publisher,
		dispatcher: d,
		opts:       opts.withDefaults(),
		machines:   make(map[string]*Machine),
	}
}

// Get returns the machine for sessionID, creating it on first lookup.
func (r *Registry) Get(sessionID string) *Machine {
	return r.getOrCreate(sessionID, nil)
}

func (r *Registry) getOrCreate(sessionID string, seedFrom *model.Session) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.machines[sessionID]; ok {
		return m
	}

	m := NewMachine(sessionID, r.factory, r.creds, r.store, r.publisher, r.dispatcher, r.opts)
	m.seed(seedFrom)
	r.machines[sessionID] = m
	return m
}

// EnsureConnected triggers a connect when the session is not connected and
// waits a short settle window for fast reconnects to complete, so callers
// holding valid credentials usually get a connected snapshot back instead
// of a transient "connecting". Sessions that need pairing surface
// qr_required within the same window.
func (r *Registry) EnsureConnected(ctx context.Context, sessionID string) (*Machine, model.SessionSnapshot, error) {
	m := r.Get(sessionID)

	snap := m.Status()
	if snap.IsConnected {
		return m, snap, nil
	}

	snap, err := m.Connect(ctx)
	if err != nil {
		return m, snap, err
	}

	deadline := time.Now().Add(r.opts.SettleWindow)
	for !snap.IsConnected && snap.QRPayload == nil && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return m, snap, ctx.Err()
		case <-time.After(settlePollInterval):
		}
		snap = m.Status()
	}
	return m, snap, nil
}

// Connect is the HTTP-facing connect operation.
func (r *Registry) Connect(ctx context.Context, sessionID string) (model.SessionSnapshot, error) {
	_, snap, err := r.EnsureConnected(ctx, sessionID)
	return snap, err
}

// Disconnect logs the session out and returns the final snapshot.
func (r *Registry) Disconnect(ctx context.Context, sessionID string) model.SessionSnapshot {
	return r.Get(sessionID).Disconnect(ctx)
}

// Reset wipes the session's credentials and persisted state.
func (r *Registry) Reset(ctx context.Context, sessionID string) (model.SessionSnapshot, error) {
	return r.Get(sessionID).Reset(ctx)
}

// Status returns the session's current snapshot without side effects.
func (r *Registry) Status(sessionID string) model.SessionSnapshot {
	return r.Get(sessionID).Status()
}

// Send routes one outbound message through the session's machine. Fails
// fast with ErrNotConnected instead of connecting on demand; senders are
// expected to hold a connected session.
func (r *Registry) Send(ctx context.Context, sessionID string, msg dispatcher.Message) (string, error) {
	return r.Get(sessionID).Send(ctx, msg)
}

// RestoreAll reconnects every session that was connected before the last
// shutdown. Reconnects run in the background; a session whose credentials
// went stale in the meantime simply lands back in disconnected or
// qr_required.
func (r *Registry) RestoreAll(ctx context.Context) error {
	persisted, err := r.store.List(ctx)
	if err != nil {
		return err
	}

	restored := 0
	for _, s := range persisted {
		m := r.getOrCreate(s.SessionID, s)
		if s.Status != model.SessionStatusConnected {
			continue
		}
		restored++
		go func(m *Machine) {
			if _, err := m.Connect(context.Background()); err != nil {
				logger.Warn("session restore failed", "session_id", m.id, "error", err)
			}
		}(m)
	}

	logger.Info("session restore complete", "known", len(persisted), "reconnecting", restored)
	return nil
}

// Shutdown tears down all live clients without logging out so sessions can
// be resumed on the next start.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	machines := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.mu.Unlock()

	for _, m := range machines {
		m.Stop()
	}
}
