package toolgate_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/toolgate/toolgate"
)

// goleakOptions filters goroutines owned by the runtime and shared HTTP
// infrastructure, not by the pool under test.
func goleakOptions() []goleak.Option {
	return []goleak.Option{
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	}
}

func startTestPool(t *testing.T, servers map[string]fakeServerOpts) (*toolgate.Pool, map[string]*fakeServerHolder) {
	t.Helper()

	configs := make(map[string]toolgate.ServerConfig, len(servers))
	holders := make(map[string]*fakeServerHolder, len(servers))
	options := []toolgate.PoolOption{}

	for name, opts := range servers {
		configs[name] = testServerConfig()
		holder := &fakeServerHolder{}
		holders[name] = holder
		options = append(options, toolgate.WithPoolTransportFactory(name, holder.factory(opts)))
	}

	pool, err := toolgate.NewPool(configs, options...)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := pool.Shutdown(shutdownCtx); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
		cancel()
	})

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("failed to start pool: %v", err)
	}
	return pool, holders
}

func catalogHas(pool *toolgate.Pool, qualified string) bool {
	for _, d := range pool.Catalog() {
		if d.Qualified() == qualified {
			return true
		}
	}
	return false
}

func TestPoolEndToEndEcho(t *testing.T) {
	// Registered before the pool so it runs after the pool's own cleanup.
	t.Cleanup(func() { goleak.VerifyNone(t, goleakOptions()...) })

	pool, _ := startTestPool(t, map[string]fakeServerOpts{
		"serverX": {tools: []string{"echo"}},
	})

	waitUntil(t, 5*time.Second, "serverX/echo in catalog", func() bool {
		return catalogHas(pool, "serverX/echo")
	})

	result, err := pool.Invoke(context.Background(), "@serverX/echo",
		json.RawMessage(`{"text":"hi"}`), time.Second)
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "hi" {
		t.Errorf("got result %+v, want text content %q", result, "hi")
	}
}

func TestPoolIsolation(t *testing.T) {
	pool, holders := startTestPool(t, map[string]fakeServerOpts{
		"flaky":  {tools: []string{"echo"}},
		"steady": {tools: []string{"echo"}},
	})

	waitUntil(t, 5*time.Second, "both servers in catalog", func() bool {
		return catalogHas(pool, "flaky/echo") && catalogHas(pool, "steady/echo")
	})

	// Killing one server's process must not disturb the other's readiness,
	// catalog entries, or invocations.
	holders["flaky"].latest().kill()

	for range 10 {
		result, err := pool.Invoke(context.Background(), "@steady/echo",
			json.RawMessage(`{"text":"still here"}`), time.Second)
		if err != nil {
			t.Fatalf("invoke on healthy server failed: %v", err)
		}
		if result.Content[0].Text != "still here" {
			t.Errorf("got %q, want %q", result.Content[0].Text, "still here")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if state := pool.Status()["steady"]; state != toolgate.StateReady {
		t.Errorf("healthy server state is %v, want ready", state)
	}
	if !catalogHas(pool, "steady/echo") {
		t.Error("healthy server's tools left the catalog")
	}
}

func TestPoolTimeoutIsolation(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t, goleakOptions()...) })

	pool, _ := startTestPool(t, map[string]fakeServerOpts{
		"slow": {tools: []string{"echo"}, silentCall: true},
		"fast": {tools: []string{"echo"}},
	})

	waitUntil(t, 5*time.Second, "both servers in catalog", func() bool {
		return catalogHas(pool, "slow/echo") && catalogHas(pool, "fast/echo")
	})

	type invokeResult struct {
		result  toolgate.CallToolResult
		err     error
		elapsed time.Duration
	}

	slowDone := make(chan invokeResult, 1)
	go func() {
		start := time.Now()
		result, err := pool.Invoke(context.Background(), "@slow/echo",
			json.RawMessage(`{"text":"never"}`), 100*time.Millisecond)
		slowDone <- invokeResult{result: result, err: err, elapsed: time.Since(start)}
	}()

	// The concurrent call against the responsive server must not be blocked
	// by the unresponsive one.
	fastStart := time.Now()
	result, err := pool.Invoke(context.Background(), "@fast/echo",
		json.RawMessage(`{"text":"quick"}`), time.Second)
	if err != nil {
		t.Fatalf("invoke on fast server failed: %v", err)
	}
	if result.Content[0].Text != "quick" {
		t.Errorf("got %q, want %q", result.Content[0].Text, "quick")
	}
	if elapsed := time.Since(fastStart); elapsed > time.Second {
		t.Errorf("fast invoke took %s", elapsed)
	}

	slow := <-slowDone
	var timeoutErr *toolgate.TimeoutError
	if !errors.As(slow.err, &timeoutErr) {
		t.Fatalf("got error %v, want *TimeoutError", slow.err)
	}
	if slow.elapsed < 100*time.Millisecond {
		t.Errorf("timeout fired after %s, want at least 100ms", slow.elapsed)
	}
}

func TestPoolInvokeResolutionErrors(t *testing.T) {
	pool, _ := startTestPool(t, map[string]fakeServerOpts{
		"north": {tools: []string{"search", "fetch"}},
		"south": {tools: []string{"search"}},
	})

	waitUntil(t, 5*time.Second, "both servers in catalog", func() bool {
		return catalogHas(pool, "north/search") && catalogHas(pool, "south/search")
	})

	t.Run("unknown reference", func(t *testing.T) {
		_, err := pool.Invoke(context.Background(), "@nowhere/nothing", nil, time.Second)
		var notFound *toolgate.NotFoundError
		if !errors.As(err, &notFound) {
			t.Errorf("got error %v, want *NotFoundError", err)
		}
	})

	t.Run("ambiguous bare name", func(t *testing.T) {
		_, err := pool.Invoke(context.Background(), "search", nil, time.Second)
		var ambiguous *toolgate.AmbiguousError
		if !errors.As(err, &ambiguous) {
			t.Errorf("got error %v, want *AmbiguousError", err)
		}
	})

	t.Run("server reference with several tools", func(t *testing.T) {
		_, err := pool.Invoke(context.Background(), "@north", nil, time.Second)
		var ambiguous *toolgate.AmbiguousError
		if !errors.As(err, &ambiguous) {
			t.Errorf("got error %v, want *AmbiguousError", err)
		}
	})
}

func TestPoolFailedServerDisappearsFromCatalog(t *testing.T) {
	pool, holders := startTestPool(t, map[string]fakeServerOpts{
		"doomed": {tools: []string{"echo"}, protocolVersion: "2019-01-01"},
		"fine":   {tools: []string{"echo"}},
	})

	// The server speaking an unsupported protocol version fails its handshake
	// for good; it must show up as simply absent, not crash anything.
	waitUntil(t, 5*time.Second, "doomed connection closed", func() bool {
		return pool.Status()["doomed"] == toolgate.StateClosed
	})
	waitUntil(t, 5*time.Second, "healthy server in catalog", func() bool {
		return catalogHas(pool, "fine/echo")
	})

	if catalogHas(pool, "doomed/echo") {
		t.Error("failed server's tools are still in the catalog")
	}
	if holders["doomed"].count() != 1 {
		t.Errorf("got %d connection attempts for doomed server, want 1", holders["doomed"].count())
	}
}
