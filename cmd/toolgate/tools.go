package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools exposed by all configured servers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, err := startPool(ctx)
		if err != nil {
			return err
		}
		defer shutdownPool(pool)

		waitSettled(ctx, pool)

		descriptors := pool.Catalog()
		if len(descriptors) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tools available.")
			return nil
		}
		for _, d := range descriptors {
			if d.Description != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "@%s\t%s\n", d.Qualified(), d.Description)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "@%s\n", d.Qualified())
		}
		return nil
	},
}

func startPool(ctx context.Context) (*toolgate.Pool, error) {
	store, err := openStore()
	if err != nil {
		return nil, err
	}
	configs, err := store.Servers()
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("no servers configured; add one with %q", "toolgate server add")
	}

	pool, err := toolgate.NewPool(configs)
	if err != nil {
		return nil, err
	}
	if err := pool.Start(ctx); err != nil {
		return nil, err
	}
	return pool, nil
}

// waitSettled blocks until every connection has left its connecting states or
// the grace period runs out. Servers that are still down simply contribute no
// tools.
func waitSettled(ctx context.Context, pool *toolgate.Pool) {
	deadline := time.Now().Add(callTimeout)
	for time.Now().Before(deadline) {
		settled := true
		for _, state := range pool.Status() {
			if state == toolgate.StateDisconnected || state == toolgate.StateHandshaking {
				settled = false
				break
			}
		}
		if settled {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func shutdownPool(pool *toolgate.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = pool.Shutdown(ctx)
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}
