package toolgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the logger shared by the pool and its connections.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithPoolClientInfo sets the client identity every connection sends during
// its handshake.
func WithPoolClientInfo(info Info) PoolOption {
	return func(p *Pool) {
		p.info = info
	}
}

// WithPoolTransportFactory overrides transport construction for one named
// server. Used by tests to substitute in-memory transports.
func WithPoolTransportFactory(server string, factory func() Transport) PoolOption {
	return func(p *Pool) {
		p.factories[server] = factory
	}
}

// Pool owns one connection per configured server and supervises them
// independently: a failed or slow server never delays catalog availability or
// dispatch for any other. Catalog and Invoke are safe for concurrent use.
type Pool struct {
	logger *slog.Logger
	info   Info

	registry  *Registry
	conns     map[string]*Conn
	factories map[string]func() Transport

	started atomic.Bool
	cancel  context.CancelFunc
	group   errgroup.Group
}

// NewPool creates a pool for the given server configurations. Connections are
// created eagerly so configuration errors surface here, but nothing connects
// until Start.
func NewPool(configs map[string]ServerConfig, options ...PoolOption) (*Pool, error) {
	p := &Pool{
		logger:    slog.Default(),
		info:      Info{Name: "toolgate", Version: "0.1.0"},
		registry:  NewRegistry(),
		conns:     make(map[string]*Conn, len(configs)),
		factories: make(map[string]func() Transport),
	}
	for _, opt := range options {
		opt(p)
	}

	for name, cfg := range configs {
		opts := []ConnOption{
			WithConnLogger(p.logger),
			WithClientInfo(p.info),
			withCatalogHandler(p.handleCatalog),
			withStateHandler(p.handleState),
		}
		if factory, ok := p.factories[name]; ok {
			opts = append(opts, WithTransportFactory(factory))
		}

		conn, err := NewConn(name, cfg, opts...)
		if err != nil {
			return nil, err
		}
		p.conns[name] = conn
	}

	return p, nil
}

// handleCatalog is the single publication point between connections and the
// aggregate registry. A nil catalog means the connection left the ready state
// and its tools must disappear.
func (p *Pool) handleCatalog(conn *Conn, catalog *ToolCatalog) {
	if catalog == nil {
		p.registry.Remove(conn.Name())
		return
	}
	p.registry.Set(catalog)
}

func (p *Pool) handleState(conn *Conn, state ConnState) {
	p.logger.Info("server state",
		slog.String("server", conn.Name()), slog.String("state", state.String()))
}

// Start begins connecting every configured server and returns immediately,
// without waiting for any of them to become ready.
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("pool already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, conn := range p.conns {
		if err := conn.Start(runCtx); err != nil {
			return fmt.Errorf("failed to start %s: %w", conn.Name(), err)
		}
		p.group.Go(func() error {
			<-conn.Done()
			return nil
		})
	}
	return nil
}

// Catalog returns a snapshot of every tool across all currently ready
// connections, ordered by server then tool name.
func (p *Pool) Catalog() []ToolDescriptor {
	return p.registry.List()
}

// Resolve maps a tool reference to descriptors without invoking anything.
func (p *Pool) Resolve(reference string) ([]ToolDescriptor, error) {
	return p.registry.Resolve(reference)
}

// Invoke resolves a tool reference and forwards the call through the owning
// server's connection. Resolution failures surface synchronously as typed
// NotFoundError or AmbiguousError; a reference expanding to more than one
// tool cannot be invoked. Concurrent invocations are independent.
func (p *Pool) Invoke(ctx context.Context, reference string, args json.RawMessage, timeout time.Duration) (CallToolResult, error) {
	descriptors, err := p.registry.Resolve(reference)
	if err != nil {
		return CallToolResult{}, err
	}
	if len(descriptors) > 1 {
		qualified := make([]string, 0, len(descriptors))
		for _, d := range descriptors {
			qualified = append(qualified, d.Qualified())
		}
		sort.Strings(qualified)
		return CallToolResult{}, &AmbiguousError{Ref: reference, Matches: qualified}
	}

	d := descriptors[0]
	conn, ok := p.conns[d.Server]
	if !ok {
		return CallToolResult{}, &NotFoundError{Ref: reference}
	}
	return conn.CallTool(ctx, d.Name, args, timeout)
}

// Conn returns the connection for a configured server name.
func (p *Pool) Conn(name string) (*Conn, bool) {
	conn, ok := p.conns[name]
	return conn, ok
}

// Status reports the current lifecycle state of every configured server.
func (p *Pool) Status() map[string]ConnState {
	out := make(map[string]ConnState, len(p.conns))
	for name, conn := range p.conns {
		out[name] = conn.State()
	}
	return out
}

// Shutdown closes every connection and waits for their supervision loops to
// exit, releasing subprocesses and sockets. The context bounds the wait.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	for _, conn := range p.conns {
		conn.Close()
	}

	if !p.started.Load() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
