package commands

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/c360studio/taskbridge/broker"
)

func (r *root) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report engine and broker reachability, queue depths, and routing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			table, err := loadTable(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			operational := true

			eng := r.newEngineClient(cfg)
			if version, err := eng.Version(ctx); err != nil {
				operational = false
				fmt.Fprintf(out, "engine:  UNREACHABLE (%v)\n", err)
			} else {
				fmt.Fprintf(out, "engine:  ok (version %s, %s)\n", version, cfg.Engine.BaseURL)
			}

			adapter, err := r.connectBroker(ctx, cfg)
			if err != nil {
				operational = false
				fmt.Fprintf(out, "broker:  UNREACHABLE (%v)\n", err)
			} else {
				defer adapter.Close()
				fmt.Fprintf(out, "broker:  ok (%s)\n", cfg.Broker.URL)
				printQueueDepths(cmd, adapter, table.AllQueues())
			}

			fmt.Fprintln(out, "\nrouting:")
			topics := table.Topics()
			for _, topic := range topics {
				system, key := table.RouteKey(topic)
				queue, _ := table.QueueFor(system)
				fmt.Fprintf(out, "  %-24s -> %-16s key=%-28s queue=%s\n", topic, system, key, queue)
			}
			fmt.Fprintf(out, "  %d topics, %d system queues, default queue %s\n",
				len(topics), len(table.SystemToQueue), table.DefaultQueue)

			if !operational {
				return errors.New("one or more endpoints unreachable")
			}
			return nil
		},
	}
}

func printQueueDepths(cmd *cobra.Command, adapter *broker.Adapter, known []string) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "\nqueues:")

	infos, err := adapter.ListQueues(cmd.Context())
	if errors.Is(err, broker.ErrNoManagementAPI) {
		infos = nil
		for _, q := range known {
			info, err := adapter.QueueInfo(q)
			if err != nil {
				fmt.Fprintf(out, "  %-32s (unavailable: %v)\n", q, err)
				continue
			}
			infos = append(infos, info)
		}
	} else if err != nil {
		fmt.Fprintf(out, "  (unavailable: %v)\n", err)
		return
	} else {
		// Keep only the queues this bridge declares.
		declared := make(map[string]bool, len(known))
		for _, q := range known {
			declared[q] = true
		}
		filtered := infos[:0]
		for _, info := range infos {
			if declared[info.Name] {
				filtered = append(filtered, info)
			}
		}
		infos = filtered
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	for _, info := range infos {
		fmt.Fprintf(out, "  %-32s %6d messages  %d consumers\n", info.Name, info.Messages, info.Consumers)
	}
}
