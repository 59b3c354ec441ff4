package toolgate_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/toolgate/toolgate"
)

// fakeServerOpts scripts the behavior of an in-memory MCP server.
type fakeServerOpts struct {
	// protocolVersion reported in the initialize result. Empty means the
	// newest client-supported version.
	protocolVersion string

	// tools are the tool names listed by tools/list. Every tool echoes the
	// "text" argument back as text content.
	tools []string

	// pageSize splits tools/list into pages of this size when positive.
	pageSize int

	// silentInit drops initialize requests so the handshake times out.
	silentInit bool

	// silentCall drops tools/call requests so invocations time out.
	silentCall bool
}

// fakeServer is a scripted MCP server on the far end of a pipe transport. It
// answers initialize, ping, tools/list, and tools/call, records every method
// it sees, and can be killed to simulate a process exit.
type fakeServer struct {
	opts fakeServerOpts

	in  *io.PipeReader
	out *io.PipeWriter

	mu      sync.Mutex
	tools   []string
	methods []string

	killOnce sync.Once
}

// startFakeServer wires a fake server to a fresh single-use pipe transport.
func startFakeServer(opts fakeServerOpts) (*fakeServer, toolgate.Transport) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	if opts.protocolVersion == "" {
		opts.protocolVersion = "2025-11-25"
	}

	s := &fakeServer{
		opts:  opts,
		in:    serverReader,
		out:   serverWriter,
		tools: opts.tools,
	}
	go s.run()

	return s, toolgate.NewPipeTransport(clientReader, clientWriter, nil)
}

// fakeServerHolder hands out one fake server per transport construction and
// remembers them all, so tests can reach the currently live one across
// reconnects.
type fakeServerHolder struct {
	mu      sync.Mutex
	servers []*fakeServer
}

func (h *fakeServerHolder) factory(opts fakeServerOpts) func() toolgate.Transport {
	return func() toolgate.Transport {
		s, transport := startFakeServer(opts)
		h.mu.Lock()
		h.servers = append(h.servers, s)
		h.mu.Unlock()
		return transport
	}
}

func (h *fakeServerHolder) latest() *fakeServer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.servers) == 0 {
		return nil
	}
	return h.servers[len(h.servers)-1]
}

func (h *fakeServerHolder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.servers)
}

func (s *fakeServer) run() {
	defer s.out.Close()

	scanner := bufio.NewScanner(s.in)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var msg toolgate.JSONRPCMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		s.recordMethod(msg.Method)

		switch msg.Method {
		case "initialize":
			if s.opts.silentInit {
				continue
			}
			s.reply(msg.ID, fmt.Sprintf(
				`{"protocolVersion":%q,"capabilities":{"tools":{"listChanged":true}},"serverInfo":{"name":"fake","version":"1.0.0"}}`,
				s.opts.protocolVersion))
		case "ping":
			s.reply(msg.ID, `{}`)
		case "tools/list":
			s.replyToolsList(msg)
		case "tools/call":
			if s.opts.silentCall {
				continue
			}
			s.replyToolCall(msg)
		}
	}
}

func (s *fakeServer) recordMethod(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods = append(s.methods, method)
}

// seenMethods returns the methods received so far, in arrival order.
func (s *fakeServer) seenMethods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.methods))
	copy(out, s.methods)
	return out
}

func (s *fakeServer) reply(id toolgate.MustString, result string) {
	payload := fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":%s}`+"\n", string(id), result)
	_, _ = s.out.Write([]byte(payload))
}

// notify pushes a server-initiated notification to the client.
func (s *fakeServer) notify(method string) {
	payload := fmt.Sprintf(`{"jsonrpc":"2.0","method":%q}`+"\n", method)
	_, _ = s.out.Write([]byte(payload))
}

// setTools replaces the listed tools; pair with a tools/list_changed notify.
func (s *fakeServer) setTools(tools []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = tools
}

// kill severs both pipe ends, simulating a server process exit.
func (s *fakeServer) kill() {
	s.killOnce.Do(func() {
		_ = s.in.Close()
		_ = s.out.Close()
	})
}

func (s *fakeServer) replyToolsList(msg toolgate.JSONRPCMessage) {
	var params struct {
		Cursor string `json:"cursor"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	s.mu.Lock()
	tools := make([]string, len(s.tools))
	copy(tools, s.tools)
	s.mu.Unlock()

	start := 0
	if params.Cursor != "" {
		start, _ = strconv.Atoi(params.Cursor)
	}
	end := len(tools)
	next := ""
	if s.opts.pageSize > 0 && start+s.opts.pageSize < len(tools) {
		end = start + s.opts.pageSize
		next = strconv.Itoa(end)
	}

	entries := make([]string, 0, end-start)
	for _, name := range tools[start:end] {
		entries = append(entries, fmt.Sprintf(
			`{"name":%q,"description":"the %s tool","inputSchema":{"type":"object","properties":{"text":{"type":"string"}}}}`,
			name, name))
	}

	result := fmt.Sprintf(`{"tools":[%s]}`, joinJSON(entries))
	if next != "" {
		result = fmt.Sprintf(`{"tools":[%s],"nextCursor":%q}`, joinJSON(entries), next)
	}
	s.reply(msg.ID, result)
}

func (s *fakeServer) replyToolCall(msg toolgate.JSONRPCMessage) {
	var params struct {
		Name      string `json:"name"`
		Arguments struct {
			Text string `json:"text"`
		} `json:"arguments"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	s.reply(msg.ID, fmt.Sprintf(
		`{"content":[{"type":"text","text":%q}],"isError":false}`, params.Arguments.Text))
}

func joinJSON(entries []string) string {
	out := ""
	for i, e := range entries {
		if i > 0 {
			out += ","
		}
		out += e
	}
	return out
}

// testServerConfig is a stdio config suitable for pipe-backed tests: short
// timeouts, pings off, a single fast reconnect attempt.
func testServerConfig() toolgate.ServerConfig {
	return toolgate.ServerConfig{
		Command:        "fake-server",
		Timeout:        2 * time.Second,
		ConnectTimeout: 2 * time.Second,
		PingInterval:   time.Hour,
		Retry: toolgate.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    50 * time.Millisecond,
		},
	}
}

// waitUntil polls until the condition holds or the deadline passes.
func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
