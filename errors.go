package toolgate

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors surfaced by connections and the pool.
var (
	// ErrNotReady is returned when a request is submitted to a connection that
	// has not completed its handshake. Requests are rejected, never queued.
	ErrNotReady = errors.New("connection not ready")

	// ErrConnectionClosed is returned for requests that were pending when their
	// connection reached its terminal state.
	ErrConnectionClosed = errors.New("connection closed")
)

// DecodeError reports malformed wire data. The offending message is discarded
// and the connection continues.
type DecodeError struct {
	Data []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// HandshakeError reports a failed initialize exchange. It is fatal for the
// connection; the state machine does not retry handshakes on its own.
type HandshakeError struct {
	Server string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with %s failed: %v", e.Server, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TransportError reports a fault in the byte channel to a server: a process
// exit, a closed socket, or a framing violation. The owning connection reacts
// by entering the degraded state.
type TransportError struct {
	Server string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Server == "" {
		return fmt.Sprintf("transport error: %v", e.Err)
	}
	return fmt.Sprintf("transport error on %s: %v", e.Server, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports that a single request exceeded its deadline. The
// connection itself is unaffected; other in-flight requests continue.
type TimeoutError struct {
	Server  string
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s to %s timed out after %s", e.Method, e.Server, e.Timeout)
}

// NotFoundError reports a tool reference that matched no server or tool in the
// current catalog.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool reference %q not found", e.Ref)
}

// AmbiguousError reports a bare tool reference that matched tools on more than
// one server. Matches holds the qualified candidates.
type AmbiguousError struct {
	Ref     string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("tool reference %q is ambiguous: matches %s", e.Ref, strings.Join(e.Matches, ", "))
}
