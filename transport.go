package toolgate

import (
	"context"
	"iter"
)

// Transport moves raw framed messages in and out of a single server
// connection. Implementations are one-shot: once the receive sequence ends or
// Close is called, a fresh Transport must be created for the next attempt.
type Transport interface {
	// Connect establishes the byte channel: it launches the subprocess for
	// stdio transports, or prepares the HTTP session. It must be called
	// exactly once, before Send or Receive.
	Connect(ctx context.Context) error

	// Send transmits one encoded message. The payload must be a single
	// newline-free JSON object as produced by EncodeMessage.
	Send(ctx context.Context, payload []byte) error

	// Receive returns an iterator that yields raw framed messages, one item
	// per message, until the channel is closed or irrecoverably broken. The
	// sequence is infinite until then and is not restartable.
	Receive() iter.Seq[[]byte]

	// Close releases the subprocess or socket. It is safe to call more than
	// once.
	Close() error
}

// protocolVersionSetter is implemented by transports that attach the
// negotiated protocol version to outgoing traffic. The connection state
// machine feeds it after a successful handshake; transports that do not need
// it simply do not implement it.
type protocolVersionSetter interface {
	SetProtocolVersion(version string)
}
