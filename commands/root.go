// Package commands implements the taskbridge CLI: the bridge daemon plus
// the thin operational wrappers (status, queues, recover, process) over the
// engine client and broker adapter.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/c360studio/taskbridge/broker"
	"github.com/c360studio/taskbridge/config"
	"github.com/c360studio/taskbridge/engine"
	"github.com/c360studio/taskbridge/routing"
)

// root carries the state shared by every subcommand.
type root struct {
	configPath string
	logLevel   string

	levelVar *slog.LevelVar
	logger   *slog.Logger
}

// NewRoot builds the taskbridge command tree.
func NewRoot(version string) *cobra.Command {
	r := &root{levelVar: new(slog.LevelVar)}

	cmd := &cobra.Command{
		Use:   "taskbridge",
		Short: "Bridge between a workflow engine and downstream systems",
		Long: `taskbridge moves external tasks from a workflow engine onto per-system
broker queues, runs handlers against them, and reports completions back.

The run command starts the full bridge daemon; the remaining commands are
operational tools over the same engine and broker configuration.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return r.setupLogger()
		},
	}

	cmd.PersistentFlags().StringVarP(&r.configPath, "config", "c", "", "config file path (YAML)")
	cmd.PersistentFlags().StringVar(&r.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	cmd.AddCommand(
		r.runCmd(),
		r.statusCmd(),
		r.queuesCmd(),
		r.recoverCmd(),
		r.processCmd(),
		versionCmd(version),
	)
	return cmd
}

func versionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskbridge version %s\n", version)
		},
	}
}

func (r *root) setupLogger() error {
	r.levelVar.Set(slog.LevelInfo)
	r.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: r.levelVar}))
	slog.SetDefault(r.logger)
	return nil
}

// loadConfig builds the effective configuration and applies the log level,
// letting the --log-level flag win over the file.
func (r *root) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(r.configPath)
	if err != nil {
		return nil, err
	}
	levelName := cfg.Log.Level
	if r.logLevel != "" {
		levelName = r.logLevel
	}
	level, err := config.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	r.levelVar.Set(level)
	return cfg, nil
}

// loadTable resolves the routing table from config.
func loadTable(cfg *config.Config) (*routing.Table, error) {
	if cfg.Routing.File == "" {
		return routing.Default(), nil
	}
	return routing.Load(cfg.Routing.File)
}

// newEngineClient builds an engine client from config.
func (r *root) newEngineClient(cfg *config.Config) *engine.Client {
	return engine.NewClient(engine.Config{
		BaseURL:  cfg.Engine.BaseURL,
		Username: cfg.Engine.Username,
		Password: cfg.Engine.Password,
		Timeout:  cfg.Engine.Timeout(),
	}, engine.WithLogger(r.logger))
}

// connectBroker builds and connects a broker adapter; the caller closes it.
func (r *root) connectBroker(ctx context.Context, cfg *config.Config) (*broker.Adapter, error) {
	adapter := broker.NewAdapter(broker.Config{
		URL:            cfg.Broker.URL,
		ManagementURL:  cfg.Broker.ManagementURL,
		ConnectionName: "taskbridge-cli",
	}, r.logger)
	if err := adapter.Connect(ctx); err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	return adapter, nil
}
