package session

import "errors"

var (
	// ErrNotConnected is returned by Send when the session is not in the
	// connected state. Surface to the end user as "reconnect required";
	// the machine never queues sends on the caller's behalf.
	ErrNotConnected = errors.New("session is not connected")
)
