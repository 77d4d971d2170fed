package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func (r *root) queuesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queues",
		Short: "Inspect the bridge's queues",
	}
	cmd.AddCommand(
		r.queuesListCmd(),
		r.queuesPeekCmd(),
		r.queuesExportCmd(),
		r.queuesPurgeCmd(),
	)
	return cmd
}

func (r *root) queuesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List declared queues with depths",
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

			printQueueDepths(cmd, adapter, table.AllQueues())
			return nil
		},
	}
}

func (r *root) queuesPeekCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "peek <queue>",
		Short: "Print message bodies without consuming them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			adapter, err := r.connectBroker(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer adapter.Close()

			bodies, err := adapter.Peek(args[0], limit)
			if err != nil {
				return fmt.Errorf("peek %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			for i, body := range bodies {
				fmt.Fprintf(out, "--- message %d of %d\n", i+1, len(bodies))
				fmt.Fprintln(out, prettyJSON(body))
			}
			if len(bodies) == 0 {
				fmt.Fprintf(out, "queue %s is empty\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum messages to peek")
	return cmd
}

func (r *root) queuesExportCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "export <queue> <file>",
		Short: "Write queue contents to a YAML or JSON file without consuming them",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			adapter, err := r.connectBroker(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer adapter.Close()

			queue, path := args[0], args[1]
			bodies, err := adapter.Peek(queue, limit)
			if err != nil {
				return fmt.Errorf("peek %s: %w", queue, err)
			}

			messages := make([]any, 0, len(bodies))
			for _, body := range bodies {
				var decoded any
				if err := json.Unmarshal(body, &decoded); err != nil {
					decoded = string(body)
				}
				messages = append(messages, decoded)
			}
			export := map[string]any{
				"queue":    queue,
				"count":    len(messages),
				"messages": messages,
			}

			var data []byte
			if strings.HasSuffix(path, ".json") {
				data, err = json.MarshalIndent(export, "", "  ")
			} else {
				data, err = yaml.Marshal(export)
			}
			if err != nil {
				return fmt.Errorf("encode export: %w", err)
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d messages from %s to %s\n", len(messages), queue, path)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 500, "maximum messages to export")
	return cmd
}

func (r *root) queuesPurgeCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "purge <queue>",
		Short: "Drop all ready messages from a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("purge discards messages irrevocably; rerun with --force")
			}
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			adapter, err := r.connectBroker(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer adapter.Close()

			n, err := adapter.Purge(args[0])
			if err != nil {
				return fmt.Errorf("purge %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d messages from %s\n", n, args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm the purge")
	return cmd
}

func prettyJSON(body []byte) string {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return string(body)
	}
	pretty, err := json.MarshalIndent(decoded, "", "  ")
	if err != nil {
		return string(body)
	}
	return string(pretty)
}
