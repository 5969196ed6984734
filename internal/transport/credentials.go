package transport

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Credentials is the authentication material the network hands out after a
// successful pairing. Rotated by the bridge over the session's lifetime.
type Credentials struct {
	SessionID    string    `json:"session_id"`
	DeviceToken  string    `json:"device_token"`
	RegisteredAt time.Time `json:"registered_at"`
	RotatedAt    time.Time `json:"rotated_at"`
}

// CredentialStore persists one credentials file per session under a single
// directory. Each file is exclusively owned by that session's state
// machine; no locking is needed beyond the machine's own serialization.
type CredentialStore struct {
	dir string
}

func NewCredentialStore(dir string) (*CredentialStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create credential dir")
	}
	return &CredentialStore{dir: dir}, nil
}

func (s *CredentialStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Load returns nil credentials without error when the session has never
// paired.
func (s *CredentialStore) Load(sessionID string) (*Credentials, error) {
	b, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read credentials")
	}

	var creds Credentials
	if err := json.Unmarshal(b, &creds); err != nil {
		// A corrupt file is as good as no file; the next connect will
		// force a fresh pairing.
		return nil, nil
	}
	return &creds, nil
}

func (s *CredentialStore) Save(creds *Credentials) error {
	b, err := json.Marshal(creds)
	if err != nil {
		return errors.Wrap(err, "marshal credentials")
	}

	tmp := s.path(creds.SessionID) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return errors.Wrap(err, "write credentials")
	}
	return errors.Wrap(os.Rename(tmp, s.path(creds.SessionID)), "rename credentials")
}

// Wipe removes the stored credentials, forcing the next connect to require
// a fresh QR pairing.
func (s *CredentialStore) Wipe(sessionID string) error {
	err := os.Remove(s.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove credentials")
	}
	return nil
}
