package cmd

import (
	"github.com/spf13/cobra"

	"github.com/nfrund/scriptd/cmd/scriptd/internal/client"
	"github.com/nfrund/scriptd/cmd/scriptd/internal/output"
	"github.com/nfrund/scriptd/internal/lifecycle"
)

var scriptsFormat string

var scriptsCmd = &cobra.Command{
	Use:   "scripts [id]",
	Short: "List the scripts of a running engine",
	Long: `List every script known to a running engine with its dialect, state and
last error, or show a single script when an id is given.

Examples:
  scriptd scripts
  scriptd scripts --format json
  scriptd scripts script.js.lights.hall --addr http://pi:8089`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(adminAddr)
		if len(args) == 1 {
			st, err := c.Script(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if scriptsFormat == "json" {
				return output.DisplayJSON(cmd.OutOrStdout(), st)
			}
			return output.DisplayScripts(cmd.OutOrStdout(), scriptsFormat, []lifecycle.Status{*st})
		}
		all, err := c.Scripts(cmd.Context())
		if err != nil {
			return err
		}
		return output.DisplayScripts(cmd.OutOrStdout(), scriptsFormat, all)
	},
}

func init() {
	rootCmd.AddCommand(scriptsCmd)
	scriptsCmd.Flags().StringVarP(&scriptsFormat, "format", "f", "table", "Output format (table, json)")
}
