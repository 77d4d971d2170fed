package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/taskbridge/recovery"
)

func (r *root) recoverCmd() *cobra.Command {
	var (
		workerID   string
		maxAgeMins int
		dryRun     bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Release stuck locked tasks back to the engine",
		Long: `Recover scans the engine for tasks locked past the age threshold with
no trace in their system's in-flight or sent-mirror queue, unlocks them, and
reports a failure so the engine raises an incident.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			table, err := loadTable(cfg)
			if err != nil {
				return err
			}
			adapter, err := r.connectBroker(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer adapter.Close()

			if workerID == "" {
				workerID = cfg.Worker.ID
			}

			scanner := recovery.NewScanner(r.newEngineClient(cfg), adapter, table, r.logger)
			report, err := scanner.Run(cmd.Context(), recovery.Options{
				WorkerID: workerID,
				MaxAge:   time.Duration(maxAgeMins) * time.Minute,
				DryRun:   dryRun,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
			} else {
				fmt.Fprintf(out, "checked:  %d\nstuck:    %d\nunlocked: %d\nfailed:   %d\nerrors:   %d\n",
					report.Checked, report.Stuck, report.Unlocked, report.Failed, report.Errors)
				for _, id := range report.TaskIDs {
					fmt.Fprintf(out, "  task %s\n", id)
				}
				if dryRun && report.Stuck > 0 {
					fmt.Fprintln(out, "dry run: nothing was unlocked")
				}
			}
			if report.Errors > 0 {
				return fmt.Errorf("%d tasks could not be released", report.Errors)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workerID, "worker-id", "", "only scan tasks locked by this worker (default: configured worker)")
	cmd.Flags().IntVar(&maxAgeMins, "max-age", 30, "stuck threshold in minutes past lock expiry")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report stuck tasks without releasing them")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}
