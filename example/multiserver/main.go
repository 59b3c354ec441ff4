// Command multiserver connects to two MCP servers at once, prints the merged
// tool catalog, and invokes one tool by its qualified reference.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/toolgate/toolgate"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	configs := map[string]toolgate.ServerConfig{
		"files": {
			Command: "npx",
			Args:    []string{"-y", "@modelcontextprotocol/server-filesystem", "."},
		},
		"everything": {
			Command: "npx",
			Args:    []string{"-y", "@modelcontextprotocol/server-everything"},
		},
	}

	pool, err := toolgate.NewPool(configs)
	if err != nil {
		slog.Error("failed to create pool", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		slog.Error("failed to start pool", "err", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = pool.Shutdown(shutdownCtx)
	}()

	// Give the servers a moment to come up; a real caller would watch the
	// catalog instead.
	time.Sleep(3 * time.Second)

	for _, d := range pool.Catalog() {
		fmt.Printf("@%s\t%s\n", d.Qualified(), d.Description)
	}

	result, err := pool.Invoke(ctx, "@everything/echo",
		json.RawMessage(`{"message":"hello from toolgate"}`), 10*time.Second)
	if err != nil {
		slog.Error("invoke failed", "err", err)
		os.Exit(1)
	}
	for _, content := range result.Content {
		fmt.Println(content.Text)
	}
}
