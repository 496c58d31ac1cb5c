package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/mapsync/internal/config"
	"github.com/agentworkforce/mapsync/internal/engine"
	"github.com/agentworkforce/mapsync/internal/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type app struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "mapsync",
		Short: "Offline-first sync engine for map workspaces and geoprocessing jobs",
		Long: `mapsync keeps map workspaces and analysis/export jobs usable while the
remote store is unreachable. Writes made offline are queued durably and
replayed in order once connectivity returns.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("MAPSYNC_CONFIG"), "path to a YAML config file")

	root.AddCommand(
		a.runCommand(),
		a.drainCommand(),
		a.queueCommand(),
		a.jobsCommand(),
		a.serveCommand(),
		versionCommand(),
	)
	return root
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mapsync version %s\n", version)
		},
	}
}

func (a *app) load() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, log, nil
}

// openEngine builds an engine from the config. One-shot commands pass
// pollers=false so no job is claimed by a process about to exit.
func (a *app) openEngine(ctx context.Context, pollers bool) (*engine.Engine, error) {
	cfg, log, err := a.load()
	if err != nil {
		return nil, err
	}
	if !pollers {
		cfg.Jobs.Enabled = false
	}
	e, err := engine.New(ctx, cfg, engine.Options{Logger: log})
	if err != nil {
		_ = log.Sync()
		return nil, fmt.Errorf("start engine: %w", err)
	}
	return e, nil
}
