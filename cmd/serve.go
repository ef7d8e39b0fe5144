package cmd

import (
	"context"
	"fmt"

	"vigil/bootstrap"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the evaluation pipeline",
		Long: `Start the event intake API, the detector workers and the notification
dispatcher. Runs until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap.InitConfig(configFile)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}

			_, sugar, err := bootstrap.InitLogger(cfg.LogLevel)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			app, err := bootstrap.NewApp(ctx, cfg, sugar)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			if err := app.Start(ctx); err != nil {
				app.Shutdown()
				return fmt.Errorf("failed to start application: %w", err)
			}

			waitErr := app.WaitForShutdown()
			cancel()
			app.Shutdown()
			return waitErr
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	return cmd
}
