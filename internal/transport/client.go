package transport

import "context"

// Client is the narrow surface the session state machine drives. The wire
// protocol (encryption, multi-device pairing) lives behind it.
type Client interface {
	// Connect opens the underlying connection and starts the event stream.
	// Pairing progress, connection open and close all arrive via Events.
	Connect(ctx context.Context) error

	// Disconnect closes the connection without invalidating credentials.
	Disconnect(ctx context.Context) error

	// Logout invalidates the session on the network side.
	Logout(ctx context.Context) error

	SendText(ctx context.Context, to string, body string) (string, error)
	SendDocument(ctx context.Context, to string, path string, filename string, caption string) (string, error)

	// Events returns the stream of typed session events. The channel is
	// closed when the client is closed.
	Events() <-chan Event

	// Close tears down the event stream and releases resources.
	Close() error
}

// Factory builds a client for one session using its stored credentials.
// creds may be nil for a session that has never paired.
type Factory func(sessionID string, creds *Credentials) Client
