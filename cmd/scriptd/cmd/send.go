package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nfrund/scriptd/cmd/scriptd/internal/client"
	"github.com/nfrund/scriptd/cmd/scriptd/internal/output"
	"github.com/nfrund/scriptd/internal/messaging"
)

var sendFormat string

var sendCmd = &cobra.Command{
	Use:   "send <script> <message> [json-data]",
	Short: "Send a message to script handlers of a running engine",
	Long: `Deliver a message to the onMessage handlers of a running engine and print
the first reply. Use "*" as the script to reach every script.

Examples:
  scriptd send calc double 21
  scriptd send '*' refresh
  scriptd send lights.hall set '{"on": true}'`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg := messaging.ToScript{Script: args[0], Message: args[1]}
		if len(args) == 3 {
			if err := json.Unmarshal([]byte(args[2]), &msg.Data); err != nil {
				return fmt.Errorf("data is not valid JSON: %w", err)
			}
		}
		reply, err := client.New(adminAddr).Send(cmd.Context(), msg)
		if err != nil {
			return err
		}
		return output.DisplayReply(cmd.OutOrStdout(), sendFormat, reply)
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVarP(&sendFormat, "format", "f", "text", "Output format (text, json)")
}
