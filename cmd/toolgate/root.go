package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate"
)

var (
	configPath  string
	verbose     bool
	callTimeout time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "Multi-server MCP tool client",
	Long: `toolgate connects to configured MCP (Model Context Protocol) servers over
stdio or streamable HTTP, aggregates their tools into one namespaced catalog,
and invokes tools by @server/tool reference.

Servers are configured once with "toolgate server add" and persisted; "toolgate
tools" shows everything the configured servers expose, and "toolgate call"
runs a single tool.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})))

		if configPath == "" {
			path, err := toolgate.DefaultStorePath()
			if err != nil {
				return err
			}
			configPath = path
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the server configuration file (default ~/.toolgate/servers.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 30*time.Second, "Per-request timeout")
}

func openStore() (*toolgate.Store, error) {
	return toolgate.NewStore(configPath)
}
