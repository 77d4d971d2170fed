package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/taskbridge/engine"
	"github.com/c360studio/taskbridge/variables"
)

func (r *root) processCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Inspect and control process definitions on the engine",
	}
	cmd.AddCommand(
		r.processListCmd(),
		r.processInfoCmd(),
		r.processStartCmd(),
		r.processStopCmd(),
		r.processResumeCmd(),
		r.processDeleteCmd(),
	)
	return cmd
}

func (r *root) processListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the latest process definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			eng := r.newEngineClient(cfg)
			defs, err := eng.ProcessDefinitions(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, def := range defs {
				state := "active"
				if def.Suspended {
					state = "suspended"
				}
				name := def.Name
				if name == "" {
					name = def.Key
				}
				fmt.Fprintf(out, "%-48s v%-3d %-9s key=%s\n", name, def.Version, state, def.Key)
				fmt.Fprintf(out, "  id: %s\n", def.ID)
			}
			if len(defs) == 0 {
				fmt.Fprintln(out, "no process definitions deployed")
			}
			return nil
		},
	}
}

func (r *root) processInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <definition-id>",
		Short: "Show one definition with its running instance count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			eng := r.newEngineClient(cfg)
			ctx := cmd.Context()

			def, err := eng.ProcessDefinition(ctx, args[0])
			if err != nil {
				return err
			}
			count, err := eng.InstanceCount(ctx, def.ID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:        %s\n", def.ID)
			fmt.Fprintf(out, "key:       %s\n", def.Key)
			fmt.Fprintf(out, "name:      %s\n", def.Name)
			fmt.Fprintf(out, "version:   %d\n", def.Version)
			fmt.Fprintf(out, "suspended: %t\n", def.Suspended)
			fmt.Fprintf(out, "instances: %d\n", count)
			return nil
		},
	}
}

func (r *root) processStartCmd() *cobra.Command {
	var (
		businessKey string
		varFlags    []string
	)
	cmd := &cobra.Command{
		Use:   "start <definition-key>",
		Short: "Start a new process instance by definition key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			vars, err := parseVarFlags(varFlags)
			if err != nil {
				return err
			}
			encoded, err := variables.Encode(vars)
			if err != nil {
				return fmt.Errorf("encode variables: %w", err)
			}
			eng := r.newEngineClient(cfg)
			instance, err := eng.StartProcess(cmd.Context(), args[0], engine.StartProcessRequest{
				BusinessKey: businessKey,
				Variables:   encoded,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "started instance %s (definition %s)\n", instance.ID, instance.DefinitionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&businessKey, "business-key", "", "business key for the new instance")
	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "process variable as name=value; value is parsed as JSON, falling back to string")
	return cmd
}

func (r *root) processStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <definition-id>",
		Short: "Suspend a process definition",
		Args:  cobra.ExactArgs(1),
		RunE:  r.setSuspendedRunE(true, "suspended"),
	}
}

func (r *root) processResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <definition-id>",
		Short: "Reactivate a suspended process definition",
		Args:  cobra.ExactArgs(1),
		RunE:  r.setSuspendedRunE(false, "resumed"),
	}
}

func (r *root) setSuspendedRunE(suspended bool, verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := r.loadConfig()
		if err != nil {
			return err
		}
		eng := r.newEngineClient(cfg)
		if err := eng.SetDefinitionSuspended(cmd.Context(), args[0], suspended); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s definition %s\n", verb, args[0])
		return nil
	}
}

func (r *root) processDeleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <instance-id>",
		Short: "Delete a running process instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("deleting an instance discards its state; rerun with --force")
			}
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			eng := r.newEngineClient(cfg)
			if err := eng.DeleteProcessInstance(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted instance %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm the deletion")
	return cmd
}

// parseVarFlags turns repeated name=value flags into native values. Each
// value is tried as JSON first so numbers, booleans, and objects come
// through typed; anything else stays a string.
func parseVarFlags(flags []string) (map[string]any, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(flags))
	for _, flag := range flags {
		name, raw, ok := strings.Cut(flag, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --var %q: expected name=value", flag)
		}
		var decoded any
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			decoded = raw
		}
		vars[name] = decoded
	}
	return vars, nil
}
