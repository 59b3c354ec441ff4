package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call <@server/tool> [json-arguments]",
	Short: "Invoke one tool and print its result",
	Long: `Invoke a tool by reference. The reference is @server/tool, or a bare tool
name when exactly one configured server exposes it. Arguments are a single
JSON object:

  toolgate call @files/read_file '{"path": "notes.txt"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var toolArgs json.RawMessage
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("arguments are not valid JSON: %s", args[1])
			}
			toolArgs = json.RawMessage(args[1])
		}

		pool, err := startPool(ctx)
		if err != nil {
			return err
		}
		defer shutdownPool(pool)

		waitSettled(ctx, pool)

		result, err := pool.Invoke(ctx, args[0], toolArgs, callTimeout)
		if err != nil {
			return err
		}

		if result.IsError {
			fmt.Fprintln(cmd.ErrOrStderr(), "Tool reported an error:")
		}
		for _, content := range result.Content {
			switch {
			case content.Text != "":
				fmt.Fprintln(cmd.OutOrStdout(), content.Text)
			case content.Data != "":
				fmt.Fprintf(cmd.OutOrStdout(), "[%s content, %s]\n", content.Type, content.MimeType)
			}
		}
		if result.IsError {
			return fmt.Errorf("tool %s failed", args[0])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
}
