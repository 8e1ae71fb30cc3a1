// Package transport defines the boundary to the protocol-transport layer:
// the session core consumes connections, event streams and an outbound
// send, and never implements handshake, encryption or framing itself.
package transport

import (
	"context"

	"github.com/nexustechpro/nexusbot-sub001/internal/credstore"
)

// EventKind discriminates transport events.
type EventKind int

const (
	// EventConnected fires when the protocol session is fully
	// established and authenticated.
	EventConnected EventKind = iota

	// EventClosed fires when the connection ended; CauseCode carries the
	// transport's numeric disconnect classification input.
	EventClosed

	// EventCredentialsUpdated fires when the protocol layer rotated or
	// completed the credential record; Credentials holds the new copy.
	EventCredentialsUpdated

	// EventDecryptFailed fires when one inbound message could not be
	// decrypted. The connection stays up.
	EventDecryptFailed
)

// MessageContext identifies the message involved in a decryption failure.
type MessageContext struct {
	MessageID string
	ChatID    string
	SenderID  string
}

// Event is one protocol event. Fields beyond Kind are populated per kind.
type Event struct {
	Kind        EventKind
	CauseCode   int
	Detail      string
	Err         error
	Message     MessageContext
	Credentials *credstore.Credentials
}

// Conn is one live protocol connection.
type Conn interface {
	// Send delivers an opaque payload to a peer. A zero-length payload is
	// the session-reset probe that triggers fresh key exchange.
	Send(ctx context.Context, peer string, payload []byte) error

	// RequestPairingCode asks the server for a phone-pairing code. The
	// transport must be Ready first.
	RequestPairingCode(ctx context.Context, phoneNumber string) (string, error)

	// Ready reports whether the transport reached the open state.
	Ready() bool

	// Events returns the serial per-connection event stream. Closed when
	// the connection is finished.
	Events() <-chan Event

	// Close tears the connection down. Safe to call more than once.
	Close(reason string) error
}

// Dialer opens protocol connections from stored credentials.
type Dialer interface {
	Dial(ctx context.Context, sessionID string, creds *credstore.Credentials) (Conn, error)
}

// RetryProvider answers the protocol's "resend this message I could not
// decode" queries. ok=false means the message is unknown; the transport
// then replies with the empty-message sentinel.
type RetryProvider func(ctx context.Context, chatID, messageID string) ([]byte, bool)
