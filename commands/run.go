package commands

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/taskbridge/bridge"
	"github.com/c360studio/taskbridge/config"
	"github.com/c360studio/taskbridge/handler"
)

func (r *root) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bridge daemon",
		Long: `Run starts the full bridge: the per-topic pollers, the per-queue
consumers, the response loop, the reconciliation trackers, and the monitor.
It blocks until interrupted and then shuts the components down in order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}

			app, err := bridge.New(cfg, handler.NewRegistry(), r.logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if r.configPath != "" {
				go func() {
					if err := config.Watch(ctx, r.configPath, r.levelVar, r.logger); err != nil {
						r.logger.Warn("config watch unavailable", "error", err)
					}
				}()
			}

			return app.Run(ctx)
		},
	}
}
