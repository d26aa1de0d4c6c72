// Package cli implements the cubesched command line.
package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/me/cubesched/internal/config"
	"github.com/me/cubesched/internal/logging"
	"github.com/me/cubesched/internal/store"
)

// Version is set at build time with -ldflags "-X .../internal/cli.Version=...".
var Version = "dev"

// ErrIncomplete is returned when a run finished without a complete cube.
var ErrIncomplete = errors.New("cube incomplete")

var (
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	cfg    config.Config
	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the cubesched CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cubesched",
		Short: "Channel-parallel imaging scheduler and cube assembler",
		Long: `cubesched fans out one imaging task per channel (or time step) across a
fixed pool of workers, tracks every task to a terminal result, reclaims
intermediate products as soon as nothing needs them, and stacks the
channel images into one ordered cube with a matching weight cube.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(flagConfig)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = flagLogLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.LogFormat = flagLogFormat
			}
			if flagDebug {
				cfg.LogLevel = "debug"
			}
			logger = logging.New(cfg.LogLevel, cfg.LogFormat)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Configuration file (YAML)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newAssembleCmd(),
		newReportCmd(),
		newProfilesCmd(),
		newVersionCmd(),
	)

	return root
}

// openStore opens and migrates the run database named by the configuration.
func openStore(ctx context.Context) (*store.SQLiteStore, error) {
	path, err := cfg.ResolveDBPath()
	if err != nil {
		return nil, err
	}
	st, err := store.NewSQLiteStore(path, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}
