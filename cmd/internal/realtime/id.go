package realtime

import (
	"time"

	"huddle/cmd/identity/ids"
)

// NewConnID returns a ULID identifying one websocket connection.
// It is also the presence registry key.
func NewConnID(now time.Time) string {
	if id, err := ids.NewULID(now); err == nil {
		return id
	}
	return NewRandomHex(13)
}

// NewEnvelopeID returns a ULID used as server envelope id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewEnvelopeID(now time.Time) string {
	if id, err := ids.NewULID(now); err == nil {
		return id
	}
	return NewRandomHex(10)
}
