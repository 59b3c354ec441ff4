package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate"
)

var (
	addURL            string
	addEnv            []string
	addHeaders        []string
	addBearerTokenVar string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage configured MCP servers",
}

var serverAddCmd = &cobra.Command{
	Use:   "add <name> [-- command [args...]]",
	Short: "Add or replace a server configuration",
	Long: `Add a server by name. A stdio server takes its launch command after "--":

  toolgate server add files -- npx @modelcontextprotocol/server-filesystem /data

An HTTP server takes an endpoint URL instead:

  toolgate server add search --url https://example.com/mcp --bearer-token-env SEARCH_TOKEN`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		cfg := toolgate.ServerConfig{
			URL:               addURL,
			BearerTokenEnvVar: addBearerTokenVar,
		}

		if len(args) > 1 {
			cfg.Command = args[1]
			cfg.Args = args[2:]
		}

		env, err := parsePairs(addEnv)
		if err != nil {
			return fmt.Errorf("invalid --env: %w", err)
		}
		cfg.Env = env

		headers, err := parsePairs(addHeaders)
		if err != nil {
			return fmt.Errorf("invalid --header: %w", err)
		}
		cfg.Headers = headers

		store, err := openStore()
		if err != nil {
			return err
		}
		if err := store.Add(name, cfg); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Added server %s (%s)\n", name, cfg.Summary())
		return nil
	},
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured servers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		configs, err := store.Servers()
		if err != nil {
			return err
		}
		if len(configs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No servers configured.")
			return nil
		}

		names, err := store.Names()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, configs[name].Summary())
		}
		return nil
	},
}

var serverRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a server configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		if err := store.Remove(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed server %s\n", args[0])
		return nil
	},
}

// parsePairs turns repeated KEY=VALUE flags into a map.
func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, errors.New(pair + " is not KEY=VALUE")
		}
		out[key] = value
	}
	return out, nil
}

func init() {
	serverAddCmd.Flags().StringVar(&addURL, "url", "", "Streamable HTTP endpoint URL")
	serverAddCmd.Flags().StringArrayVar(&addEnv, "env", nil, "Environment variable for a stdio server, KEY=VALUE (repeatable)")
	serverAddCmd.Flags().StringArrayVar(&addHeaders, "header", nil, "Extra HTTP header, KEY=VALUE (repeatable)")
	serverAddCmd.Flags().StringVar(&addBearerTokenVar, "bearer-token-env", "", "Environment variable holding the bearer token")

	serverCmd.AddCommand(serverAddCmd)
	serverCmd.AddCommand(serverListCmd)
	serverCmd.AddCommand(serverRemoveCmd)
	rootCmd.AddCommand(serverCmd)
}
