package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var adminAddr string

var rootCmd = &cobra.Command{
	Use:   "scriptd",
	Short: "Script engine daemon",
	Long: `scriptd runs user automation scripts against a shared object/state store.

Available commands:
  serve     Run the engine and its admin API
  check     Compile a script file and print its diagnostics
  scripts   List the scripts of a running engine
  send      Send a message to script handlers of a running engine
  version   Print the version

Use "scriptd [command] --help" for more information about a specific command.`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&adminAddr, "addr", "http://localhost:8089", "Admin API base URL of a running engine")
}
