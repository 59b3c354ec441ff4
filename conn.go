package toolgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is the lifecycle state of one server connection. Transitions are
// made only by the owning Conn.
type ConnState int32

// Connection lifecycle states.
const (
	StateDisconnected ConnState = iota
	StateHandshaking
	StateReady
	StateDegraded
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session holds the per-connection state negotiated during the handshake. It
// lives exactly as long as the underlying transport session and is
// renegotiated from scratch on every reconnect.
type Session struct {
	// ProtocolVersion is the negotiated protocol version: the lower of what
	// this client supports and what the server reported.
	ProtocolVersion string
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithConnLogger sets the logger for the connection.
func WithConnLogger(logger *slog.Logger) ConnOption {
	return func(c *Conn) {
		c.logger = logger
	}
}

// WithClientInfo sets the client identity sent in the initialize request.
func WithClientInfo(info Info) ConnOption {
	return func(c *Conn) {
		c.info = info
	}
}

// WithTransportFactory overrides how the connection builds its transports.
// Transports are single-use, so the factory is invoked for every connection
// attempt.
func WithTransportFactory(factory func() Transport) ConnOption {
	return func(c *Conn) {
		c.newTransport = factory
	}
}

func withStateHandler(fn func(*Conn, ConnState)) ConnOption {
	return func(c *Conn) {
		c.onStateChange = fn
	}
}

func withCatalogHandler(fn func(*Conn, *ToolCatalog)) ConnOption {
	return func(c *Conn) {
		c.onCatalog = fn
	}
}

// Conn drives a single server connection through its lifecycle: handshake,
// steady-state traffic, degradation and reconnection, shutdown. It owns one
// Transport at a time and the connection's correlator, session, and tool
// catalog; nothing else mutates them.
type Conn struct {
	name string
	cfg  ServerConfig
	info Info

	logger       *slog.Logger
	newTransport func() Transport
	correlator   *correlator

	state atomic.Int32

	mu        sync.Mutex
	transport Transport
	session   Session
	srvInfo   Info
	srvCaps   ServerCapabilities

	catalog atomic.Pointer[ToolCatalog]

	onStateChange func(*Conn, ConnState)
	onCatalog     func(*Conn, *ToolCatalog)

	done      chan struct{}
	running   chan struct{}
	closeOnce sync.Once
	started   atomic.Bool
}

// NewConn creates a connection for one configured server. The connection does
// nothing until Start is called.
func NewConn(name string, cfg ServerConfig, options ...ConnOption) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server %s: %w", name, err)
	}
	cfg = cfg.withDefaults()

	c := &Conn{
		name:    name,
		cfg:     cfg,
		info:    Info{Name: "toolgate", Version: "0.1.0"},
		logger:  slog.Default(),
		done:    make(chan struct{}),
		running: make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	c.correlator = newCorrelator(name, c.logger)

	if c.newTransport == nil {
		switch cfg.Kind() {
		case TransportHTTP:
			c.newTransport = func() Transport {
				return NewStreamableHTTPTransport(cfg.URL,
					WithHTTPHeaders(cfg.Headers),
					WithBearerTokenEnvVar(cfg.BearerTokenEnvVar),
					WithMaxResumeAttempts(cfg.MaxResumeAttempts),
					WithStreamLogger(c.logger),
				)
			}
		default:
			c.newTransport = func() Transport {
				return NewStdioTransport(cfg.Command, cfg.Args, cfg.Env, c.logger)
			}
		}
	}

	return c, nil
}

// Name returns the configured server name.
func (c *Conn) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Session returns the negotiated session of the current connection attempt.
func (c *Conn) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// ServerInfo returns the identity the server reported during the handshake.
func (c *Conn) ServerInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.srvInfo
}

// ServerCapabilities returns the capability set the server reported during
// the handshake.
func (c *Conn) ServerCapabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.srvCaps
}

// Catalog returns the connection's current tool catalog, or nil while the
// connection is not ready.
func (c *Conn) Catalog() *ToolCatalog {
	return c.catalog.Load()
}

// Start launches the connection's supervision loop and returns immediately.
func (c *Conn) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("connection already started")
	}
	go c.run(ctx)
	return nil
}

// Close requests shutdown. It is safe to call multiple times and before
// Start. Pending requests are failed with ErrConnectionClosed.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	if !c.started.Load() {
		// Never ran; reach the terminal state directly.
		c.setState(StateClosed)
	}
}

// Done is closed once the supervision loop has fully exited and all resources
// are released.
func (c *Conn) Done() <-chan struct{} { return c.running }

// run supervises connection attempts until shutdown, a fatal handshake
// failure, or an exhausted reconnect budget.
func (c *Conn) run(ctx context.Context) {
	defer close(c.running)
	defer c.setState(StateClosed)
	defer c.correlator.failAll(ErrConnectionClosed)

	go c.correlator.runSweeper(c.done)

	attempt := 0
	for {
		reachedReady, err := c.runSession(ctx)
		c.publishCatalog(nil)

		if ctx.Err() != nil || c.isShutdown() {
			return
		}

		var hsErr *HandshakeError
		if errors.As(err, &hsErr) {
			// Handshake failures are fatal for the state machine; retrying
			// is a policy decision that belongs to whoever configures us.
			c.logger.Error("handshake failed", slog.String("server", c.name), slog.String("err", err.Error()))
			return
		}

		c.setState(StateDegraded)
		c.correlator.failAll(err)

		if reachedReady {
			attempt = 0
		}
		attempt++
		if attempt > c.cfg.Retry.MaxAttempts {
			c.logger.Error("reconnect attempts exhausted",
				slog.String("server", c.name), slog.Int("attempts", attempt-1))
			return
		}

		delay := c.cfg.Retry.backoff(attempt)
		c.logger.Info("reconnecting",
			slog.String("server", c.name), slog.Int("attempt", attempt), slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-time.After(delay):
		}
	}
}

// runSession performs one full connection attempt: transport establishment,
// handshake, discovery, then steady-state traffic until something ends it.
func (c *Conn) runSession(ctx context.Context) (reachedReady bool, err error) {
	c.setState(StateHandshaking)
	c.correlator.resetSession()

	transport := c.newTransport()
	defer transport.Close()

	connectCtx, connectCancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	err = transport.Connect(connectCtx)
	connectCancel()
	if err != nil {
		return false, &TransportError{Server: c.name, Err: err}
	}

	c.mu.Lock()
	c.transport = transport
	c.mu.Unlock()

	sessDone := make(chan struct{})
	defer close(sessDone)

	notifs := make(chan JSONRPCMessage, 8)
	readErr := make(chan error, 1)
	go c.readLoop(ctx, transport, notifs, readErr, sessDone)

	sess, err := c.handshake(ctx, transport)
	if err != nil {
		return false, &HandshakeError{Server: c.name, Err: err}
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()

	if setter, ok := transport.(protocolVersionSetter); ok {
		setter.SetProtocolVersion(sess.ProtocolVersion)
	}

	if err := c.sendNotification(ctx, transport, methodNotificationsInitialized, nil); err != nil {
		return false, &HandshakeError{Server: c.name, Err: err}
	}

	c.setState(StateReady)
	c.logger.Info("server ready",
		slog.String("server", c.name), slog.String("protocolVersion", sess.ProtocolVersion))

	if err := c.refreshTools(ctx); err != nil {
		// The connection is usable without a catalog; discovery will run
		// again when the server announces a list change.
		c.logger.Warn("tool discovery failed", slog.String("server", c.name), slog.String("err", err.Error()))
	}

	pingTicker := time.NewTicker(c.cfg.PingInterval)
	defer pingTicker.Stop()
	failedPings := 0

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-c.done:
			return true, ErrConnectionClosed
		case err := <-readErr:
			return true, err
		case <-pingTicker.C:
			if err := c.ping(ctx); err != nil {
				c.logger.Warn("ping failed", slog.String("server", c.name), slog.String("err", err.Error()))
				failedPings++
				if failedPings > c.cfg.MaxPingFailures {
					return true, fmt.Errorf("too many ping failures: %d", failedPings)
				}
			} else {
				failedPings = 0
			}
		case msg := <-notifs:
			if msg.Method == methodNotificationsToolsListChanged {
				if err := c.refreshTools(ctx); err != nil {
					c.logger.Warn("tool refresh failed", slog.String("server", c.name), slog.String("err", err.Error()))
				}
			}
		}
	}
}

// readLoop pumps the transport's receive sequence: responses go to the
// correlator, notifications to the session loop, and server-initiated
// requests get answered inline. It exits when the sequence ends, reporting a
// transport error to the session loop.
func (c *Conn) readLoop(
	ctx context.Context,
	transport Transport,
	notifs chan<- JSONRPCMessage,
	readErr chan<- error,
	sessDone <-chan struct{},
) {
	for payload := range transport.Receive() {
		msg, err := DecodeMessage(payload)
		if err != nil {
			// Malformed wire data is absorbed: log, discard, carry on.
			c.logger.Error("discarding malformed message",
				slog.String("server", c.name), slog.String("err", err.Error()))
			continue
		}

		switch {
		case msg.isResponse():
			c.correlator.resolve(msg)
		case msg.Method == methodPing && msg.ID != "":
			go c.sendResult(ctx, transport, msg.ID, struct{}{})
		case msg.isNotification():
			select {
			case notifs <- msg:
			case <-sessDone:
				return
			}
		default:
			go c.sendError(ctx, transport, msg.ID, JSONRPCError{
				Code:    jsonRPCMethodNotFoundCode,
				Message: "method not found",
			})
		}
	}

	select {
	case readErr <- &TransportError{Server: c.name, Err: errors.New("receive stream ended")}:
	case <-sessDone:
	}
}

// handshake sends initialize, waits for the server's response, and negotiates
// the protocol version.
func (c *Conn) handshake(ctx context.Context, transport Transport) (Session, error) {
	params := initializeParams{
		ProtocolVersion: latestProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      c.info,
	}

	res, err := c.request(ctx, transport, methodInitialize, params, c.cfg.ConnectTimeout)
	if err != nil {
		return Session{}, err
	}
	if res.Error != nil {
		return Session{}, fmt.Errorf("initialize error: %w", res.Error)
	}

	var result initializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return Session{}, fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}

	version, err := negotiateProtocolVersion(result.ProtocolVersion, c.cfg.Kind())
	if err != nil {
		return Session{}, err
	}

	c.mu.Lock()
	c.srvInfo = result.ServerInfo
	c.srvCaps = result.Capabilities
	c.mu.Unlock()

	return Session{ProtocolVersion: version}, nil
}

// negotiateProtocolVersion picks the version to speak: the server's when we
// support it, otherwise the newest client version not newer than the
// server's. Versions are dates, so string comparison orders them.
func negotiateProtocolVersion(serverVersion string, kind TransportKind) (string, error) {
	if serverVersion == "" {
		if kind == TransportHTTP {
			return defaultHTTPProtocolVersion, nil
		}
		return "", errors.New("server reported no protocol version")
	}

	for _, v := range supportedProtocolVersions {
		if v == serverVersion {
			return v, nil
		}
		if v < serverVersion {
			// Server is on a newer, unknown version; it accepted our
			// initialize, so fall back to our newest older version.
			return v, nil
		}
	}
	return "", fmt.Errorf("unsupported protocol version: %s", serverVersion)
}

// Call issues a request on a ready connection and waits for the correlated
// response. Requests submitted before the connection is ready are rejected
// with ErrNotReady rather than queued. A zero timeout uses the configured
// per-request default.
func (c *Conn) Call(ctx context.Context, method string, params any, timeout time.Duration) (JSONRPCMessage, error) {
	if c.State() != StateReady {
		return JSONRPCMessage{}, ErrNotReady
	}

	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return JSONRPCMessage{}, ErrNotReady
	}

	return c.request(ctx, transport, method, params, timeout)
}

// CallTool invokes one tool by its unqualified name and decodes the result.
func (c *Conn) CallTool(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (CallToolResult, error) {
	res, err := c.Call(ctx, MethodToolsCall, CallToolParams{Name: name, Arguments: args}, timeout)
	if err != nil {
		return CallToolResult{}, err
	}
	if res.Error != nil {
		return CallToolResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to unmarshal tool result: %w", err)
	}
	return result, nil
}

// request is the correlated send path shared by the handshake and Call.
func (c *Conn) request(
	ctx context.Context,
	transport Transport,
	method string,
	params any,
	timeout time.Duration,
) (JSONRPCMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}

	paramsBs, err := marshalParams(params)
	if err != nil {
		return JSONRPCMessage{}, err
	}

	p := c.correlator.register(method, timeout)
	payload, err := EncodeMessage(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(p.id),
		Method:  method,
		Params:  paramsBs,
	})
	if err != nil {
		c.correlator.fail(p.id, err)
		return JSONRPCMessage{}, err
	}

	if err := transport.Send(ctx, payload); err != nil {
		c.correlator.fail(p.id, err)
		return JSONRPCMessage{}, err
	}

	res, err := p.await(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Caller gave up; tell the server so it can stop working.
			c.notifyCancelled(transport, p.id)
		}
		return JSONRPCMessage{}, err
	}
	return res, nil
}

func (c *Conn) ping(ctx context.Context) error {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return ErrNotReady
	}

	res, err := c.request(ctx, transport, methodPing, nil, c.cfg.Timeout)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return fmt.Errorf("error response: %w", res.Error)
	}
	return nil
}

func (c *Conn) notifyCancelled(transport Transport, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.sendNotification(ctx, transport, methodNotificationsCancelled, notificationsCancelledParams{
		RequestID: requestID,
		Reason:    userCancelledReason,
	})
	if err != nil {
		c.logger.Debug("failed to send cancellation",
			slog.String("server", c.name), slog.String("err", err.Error()))
	}
}

func (c *Conn) sendNotification(ctx context.Context, transport Transport, method string, params any) error {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return err
	}
	payload, err := EncodeMessage(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
	if err != nil {
		return err
	}
	return transport.Send(ctx, payload)
}

func (c *Conn) sendResult(ctx context.Context, transport Transport, id MustString, result any) {
	resBs, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("failed to marshal result", slog.String("err", err.Error()))
		return
	}
	payload, err := EncodeMessage(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	})
	if err != nil {
		c.logger.Error("failed to encode result", slog.String("err", err.Error()))
		return
	}
	if err := transport.Send(ctx, payload); err != nil {
		c.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

func (c *Conn) sendError(ctx context.Context, transport Transport, id MustString, rpcErr JSONRPCError) {
	payload, err := EncodeMessage(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &rpcErr,
	})
	if err != nil {
		c.logger.Error("failed to encode error", slog.String("err", err.Error()))
		return
	}
	if err := transport.Send(ctx, payload); err != nil {
		c.logger.Error("failed to send error", slog.String("err", err.Error()))
	}
}

// refreshTools walks the paginated tools/list and atomically publishes the
// resulting catalog.
func (c *Conn) refreshTools(ctx context.Context) error {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return ErrNotReady
	}

	var tools []Tool
	cursor := ""
	for {
		res, err := c.request(ctx, transport, MethodToolsList, ListToolsParams{Cursor: cursor}, c.cfg.Timeout)
		if err != nil {
			return err
		}
		if res.Error != nil {
			return fmt.Errorf("result error: %w", res.Error)
		}

		var page ListToolsResult
		if err := json.Unmarshal(res.Result, &page); err != nil {
			return fmt.Errorf("failed to unmarshal tools list: %w", err)
		}

		tools = append(tools, page.Tools...)
		cursor = page.NextCursor
		if cursor == "" {
			break
		}
	}

	c.publishCatalog(newToolCatalog(c.name, tools, c.logger))
	return nil
}

func (c *Conn) publishCatalog(catalog *ToolCatalog) {
	c.catalog.Store(catalog)
	if c.onCatalog != nil {
		c.onCatalog(c, catalog)
	}
}

func (c *Conn) setState(s ConnState) {
	old := ConnState(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	c.logger.Debug("connection state changed",
		slog.String("server", c.name), slog.String("from", old.String()), slog.String("to", s.String()))
	if c.onStateChange != nil {
		c.onStateChange(c, s)
	}
}

func (c *Conn) isShutdown() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	bs, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return bs, nil
}
