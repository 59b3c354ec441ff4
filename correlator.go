package toolgate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sweepInterval is how often the correlator checks pending requests against
// their deadlines.
const sweepInterval = 100 * time.Millisecond

type pendingResult struct {
	msg JSONRPCMessage
	err error
}

// pendingRequest is one outstanding request awaiting its correlated response.
// It is owned exclusively by its correlator and resolved exactly once: by a
// matching response, by its timeout, or by connection failure.
type pendingRequest struct {
	id      string
	method  string
	issued  time.Time
	timeout time.Duration

	c  *correlator
	ch chan pendingResult
}

// await blocks until the request resolves or the context is cancelled.
// Cancellation removes the correlator entry so nothing leaks.
func (p *pendingRequest) await(ctx context.Context) (JSONRPCMessage, error) {
	select {
	case res := <-p.ch:
		return res.msg, res.err
	case <-ctx.Done():
		p.c.fail(p.id, ctx.Err())
		return JSONRPCMessage{}, ctx.Err()
	}
}

// correlator is the per-connection table of outstanding requests. Ids are
// generated monotonically and carry a per-session prefix, so a response
// delivered by a stale session can never match a request from the current
// one.
type correlator struct {
	server string
	logger *slog.Logger

	mu      sync.Mutex
	prefix  string
	seq     uint64
	pending map[string]*pendingRequest
}

func newCorrelator(server string, logger *slog.Logger) *correlator {
	return &correlator{
		server:  server,
		logger:  logger,
		prefix:  uuid.NewString(),
		pending: make(map[string]*pendingRequest),
	}
}

// resetSession starts a fresh id namespace. Called on every reconnect, after
// failAll has drained the table.
func (c *correlator) resetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefix = uuid.NewString()
	c.seq = 0
}

// register allocates an id and a completion slot for a request about to be
// sent.
func (c *correlator) register(method string, timeout time.Duration) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	p := &pendingRequest{
		id:      fmt.Sprintf("%s-%d", c.prefix, c.seq),
		method:  method,
		issued:  time.Now(),
		timeout: timeout,
		c:       c,
		ch:      make(chan pendingResult, 1),
	}
	c.pending[p.id] = p
	return p
}

// resolve completes the pending request matching the response's id. A
// response with an unknown or already-resolved id is a protocol violation:
// it is logged and discarded, and the connection carries on.
func (c *correlator) resolve(msg JSONRPCMessage) {
	c.mu.Lock()
	p, ok := c.pending[string(msg.ID)]
	if ok {
		delete(c.pending, string(msg.ID))
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("discarding response with unmatched id",
			slog.String("server", c.server), slog.String("id", string(msg.ID)))
		return
	}
	p.ch <- pendingResult{msg: msg}
}

// fail resolves one pending request with an error. Unknown ids are ignored;
// this is the cancellation path and the entry may already be resolved.
func (c *correlator) fail(id string, err error) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		p.ch <- pendingResult{err: err}
	}
}

// failAll resolves every pending request with the given error. Used when the
// connection leaves its steady state so no caller is left waiting.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	drained := make([]*pendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		drained = append(drained, p)
	}
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, p := range drained {
		p.ch <- pendingResult{err: err}
	}
}

// sweep fails every pending request whose age exceeds its timeout.
func (c *correlator) sweep(now time.Time) {
	c.mu.Lock()
	var expired []*pendingRequest
	for id, p := range c.pending {
		if p.timeout > 0 && now.Sub(p.issued) >= p.timeout {
			expired = append(expired, p)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, p := range expired {
		p.ch <- pendingResult{err: &TimeoutError{Server: c.server, Method: p.method, Timeout: p.timeout}}
	}
}

// runSweeper drives sweep until the done channel closes.
func (c *correlator) runSweeper(done <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

// size reports the number of outstanding requests.
func (c *correlator) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
