package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nfrund/scriptd/internal/app"
	"github.com/nfrund/scriptd/internal/config"
	"github.com/nfrund/scriptd/internal/logging"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the script engine and its admin API",
	Long: `Run the script engine until interrupted.

Configuration is read from built-in defaults, then the TOML file given with
--config (or SCRIPTD_CONFIG), then the environment. A .env file in the working
directory is loaded first.

Examples:
  scriptd serve
  scriptd serve --config /etc/scriptd.toml
  SCRIPTD_STORE=surreal SURREAL_URL=ws://localhost:8000/rpc scriptd serve`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err := logging.Setup(cfg.Log.Format, cfg.Log.Level)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		logger.Info("Starting scriptd", "version", version, "instance", cfg.Instance, "store", cfg.Store)
		return a.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
}
