package toolgate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

const (
	headerProtocolVersion = "Mcp-Protocol-Version"
	headerSessionID       = "Mcp-Session-Id"
	headerLastEventID     = "Last-Event-ID"
)

// StreamableHTTPTransport talks to a server exposing a single streamable HTTP
// endpoint: outgoing messages go out as POST requests, inbound messages and
// notifications arrive on event streams. Responses to a POST may come back as
// a plain JSON body, an event stream scoped to that request, or 202 Accepted
// with no body.
//
// Once the handshake negotiates a protocol version the transport opens a
// standalone GET event stream for server-initiated traffic. If that stream
// drops, the transport reconnects with the id of the last consumed event so
// nothing is lost or duplicated, up to a bounded number of attempts.
//
// Like every Transport, an instance is single-use.
type StreamableHTTPTransport struct {
	endpoint   string
	httpClient *http.Client
	headers    map[string]string
	bearerEnv  string
	logger     *slog.Logger

	maxResumeAttempts int
	resumeDelay       time.Duration

	mu              sync.Mutex
	protocolVersion string
	sessionID       string
	lastEventID     string

	incoming chan []byte

	done       chan struct{}
	failed     chan struct{}
	failOnce   sync.Once
	closeOnce  sync.Once
	streamOnce sync.Once

	streamCtx    context.Context
	streamCancel context.CancelFunc
}

// StreamableHTTPOption configures a StreamableHTTPTransport.
type StreamableHTTPOption func(*StreamableHTTPTransport)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) StreamableHTTPOption {
	return func(t *StreamableHTTPTransport) {
		t.httpClient = client
	}
}

// WithHTTPHeaders sets extra headers attached to every request.
func WithHTTPHeaders(headers map[string]string) StreamableHTTPOption {
	return func(t *StreamableHTTPTransport) {
		t.headers = headers
	}
}

// WithBearerTokenEnvVar names an environment variable whose value is sent as
// an Authorization bearer token on every request.
func WithBearerTokenEnvVar(name string) StreamableHTTPOption {
	return func(t *StreamableHTTPTransport) {
		t.bearerEnv = name
	}
}

// WithMaxResumeAttempts bounds event-stream resume attempts before the
// transport gives up and the connection degrades.
func WithMaxResumeAttempts(n int) StreamableHTTPOption {
	return func(t *StreamableHTTPTransport) {
		t.maxResumeAttempts = n
	}
}

// WithResumeDelay sets the delay between event-stream resume attempts.
func WithResumeDelay(d time.Duration) StreamableHTTPOption {
	return func(t *StreamableHTTPTransport) {
		t.resumeDelay = d
	}
}

// WithStreamLogger sets the logger for transport diagnostics.
func WithStreamLogger(logger *slog.Logger) StreamableHTTPOption {
	return func(t *StreamableHTTPTransport) {
		t.logger = logger
	}
}

// NewStreamableHTTPTransport creates a transport for the given endpoint URL.
func NewStreamableHTTPTransport(endpoint string, options ...StreamableHTTPOption) *StreamableHTTPTransport {
	t := &StreamableHTTPTransport{
		endpoint:          endpoint,
		httpClient:        http.DefaultClient,
		logger:            slog.Default(),
		maxResumeAttempts: defaultResumeAttempts,
		resumeDelay:       time.Second,
		incoming:          make(chan []byte, 16),
		done:              make(chan struct{}),
		failed:            make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Connect prepares the transport. The lifetime of the standalone event stream
// is detached from the connect context so a handshake deadline cannot cancel
// steady-state streaming.
func (t *StreamableHTTPTransport) Connect(ctx context.Context) error {
	t.streamCtx, t.streamCancel = context.WithCancel(context.WithoutCancel(ctx))
	return nil
}

// Send posts one encoded message to the endpoint and feeds whatever the
// server answers with into the receive sequence.
func (t *StreamableHTTPTransport) Send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.setHeaders(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: fmt.Errorf("failed to send message: %w", err)}
	}

	if sid := resp.Header.Get(headerSessionID); sid != "" {
		t.setSessionID(sid)
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		resp.Body.Close()
		return nil
	case resp.StatusCode == http.StatusNotFound && t.currentSessionID() != "":
		resp.Body.Close()
		return &TransportError{Err: errors.New("session terminated by server")}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return &TransportError{Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	if isEventStream(resp) {
		go t.consumeStream(resp.Body, nil)
		return nil
	}

	go t.consumeJSON(resp.Body)
	return nil
}

// Receive yields raw inbound messages from POST responses and the standalone
// event stream. The sequence ends when the transport is closed or the stream
// is lost beyond resumption.
func (t *StreamableHTTPTransport) Receive() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			select {
			case <-t.done:
				return
			case <-t.failed:
				return
			case payload := <-t.incoming:
				if !yield(payload) {
					return
				}
			}
		}
	}
}

// SetProtocolVersion records the negotiated protocol version for the
// Mcp-Protocol-Version header and opens the standalone event stream. Called by
// the connection state machine after a successful handshake.
func (t *StreamableHTTPTransport) SetProtocolVersion(version string) {
	if version == "" {
		version = defaultHTTPProtocolVersion
	}
	t.mu.Lock()
	t.protocolVersion = version
	t.mu.Unlock()

	t.streamOnce.Do(func() {
		go t.runStandaloneStream()
	})
}

// Close cancels the standalone stream and stops delivery. A DELETE is sent on
// a best-effort basis to let the server drop the session.
func (t *StreamableHTTPTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.streamCancel != nil {
			t.streamCancel()
		}

		if sid := t.currentSessionID(); sid != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.endpoint, nil)
			if err == nil {
				t.setHeaders(req)
				if resp, err := t.httpClient.Do(req); err == nil {
					resp.Body.Close()
				}
			}
		}
	})
	return nil
}

func (t *StreamableHTTPTransport) setHeaders(req *http.Request) {
	t.mu.Lock()
	version := t.protocolVersion
	sessionID := t.sessionID
	t.mu.Unlock()

	if version == "" {
		version = latestProtocolVersion
	}
	req.Header.Set(headerProtocolVersion, version)
	if sessionID != "" {
		req.Header.Set(headerSessionID, sessionID)
	}
	if t.bearerEnv != "" {
		if token := os.Getenv(t.bearerEnv); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
}

func (t *StreamableHTTPTransport) setSessionID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessionID == "" {
		t.sessionID = id
	}
}

func (t *StreamableHTTPTransport) currentSessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *StreamableHTTPTransport) fail() {
	t.failOnce.Do(func() {
		close(t.failed)
	})
}

func (t *StreamableHTTPTransport) deliver(payload []byte) bool {
	select {
	case <-t.done:
		return false
	case t.incoming <- payload:
		return true
	}
}

func (t *StreamableHTTPTransport) consumeJSON(body io.ReadCloser) {
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		t.logger.Error("failed to read response body", "err", err)
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return
	}
	t.deliver(data)
}

// consumeStream reads one event stream, delivering message events and
// tracking event ids. trackID is non-nil for the standalone stream, where ids
// feed resumption.
func (t *StreamableHTTPTransport) consumeStream(body io.ReadCloser, trackID func(string)) error {
	defer body.Close()

	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if trackID != nil && ev.LastEventID != "" {
			trackID(ev.LastEventID)
		}

		switch ev.Type {
		case "", "message":
			if ev.Data == "" {
				continue
			}
			if !t.deliver([]byte(ev.Data)) {
				return nil
			}
		default:
			t.logger.Debug("ignoring event", "type", ev.Type)
		}
	}

	return nil
}

// runStandaloneStream opens the GET event stream for server-initiated
// messages and keeps it open for the life of the transport, resuming from the
// last consumed event id after interruptions. Exhausting the resume budget
// marks the transport failed, which the owning connection observes as the end
// of the receive sequence.
func (t *StreamableHTTPTransport) runStandaloneStream() {
	attempts := 0

	for {
		select {
		case <-t.done:
			return
		default:
		}

		retry, connected, err := t.openStandaloneStream()
		if !retry {
			return
		}
		if connected {
			// A successful reconnect resets the budget; only consecutive
			// failed attempts count against it.
			attempts = 0
		}

		attempts++
		if attempts > t.maxResumeAttempts {
			t.logger.Warn("event stream lost, resume attempts exhausted",
				slog.Int("attempts", attempts-1), slog.String("err", fmt.Sprint(err)))
			t.fail()
			return
		}

		t.logger.Debug("event stream interrupted, resuming",
			slog.Int("attempt", attempts), slog.String("lastEventID", t.currentLastEventID()))

		select {
		case <-t.done:
			return
		case <-time.After(t.resumeDelay):
		}
	}
}

// openStandaloneStream performs one GET and consumes it until interruption.
// It reports whether another attempt should be made and whether the stream
// was successfully established this time.
func (t *StreamableHTTPTransport) openStandaloneStream() (retry, connected bool, err error) {
	req, err := http.NewRequestWithContext(t.streamCtx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return false, false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	t.setHeaders(req)
	if id := t.currentLastEventID(); id != "" {
		req.Header.Set(headerLastEventID, id)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if t.streamCtx.Err() != nil {
			return false, false, nil
		}
		return true, false, err
	}

	// Servers may not offer a standalone stream at all; that is fine, POST
	// responses still carry all correlated traffic.
	if resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		return false, false, nil
	}
	if resp.StatusCode != http.StatusOK || !isEventStream(resp) {
		resp.Body.Close()
		return true, false, fmt.Errorf("unexpected standalone stream response: %d", resp.StatusCode)
	}

	err = t.consumeStream(resp.Body, func(id string) {
		t.mu.Lock()
		t.lastEventID = id
		t.mu.Unlock()
	})
	if t.streamCtx.Err() != nil {
		return false, true, nil
	}
	if err == nil {
		// Clean EOF still means the stream must be re-opened to keep
		// receiving server-initiated messages.
		err = io.EOF
	}
	return true, true, err
}

func (t *StreamableHTTPTransport) currentLastEventID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEventID
}

func isEventStream(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	return len(ct) >= len("text/event-stream") && ct[:len("text/event-stream")] == "text/event-stream"
}
