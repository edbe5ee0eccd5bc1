package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvmerge/internal/config"
	"github.com/JonMunkholm/csvmerge/internal/logging"
)

// app carries state shared by subcommands after the root pre-run.
type app struct {
	envFiles []string
	cfg      *config.Config
}

// NewRootCmd creates the root command for csvmerge.
func NewRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "csvmerge",
		Short: "Merge the CSV files changed by a commit into a database table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringSliceVar(&a.envFiles, "env-file", nil, "Load environment from these files (default: .env if present)")

	cmd.AddCommand(newIngestCmd(a))
	cmd.AddCommand(newServeCmd(a))
	return cmd
}

// load reads .env files, loads configuration and sets up logging.
func (a *app) load() error {
	// Overload lets the .env file win over the inherited environment.
	if err := godotenv.Overload(a.envFiles...); err != nil {
		if len(a.envFiles) > 0 {
			return err
		}
		slog.Debug("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// Reports own stdout.
	logging.Setup(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	a.cfg = cfg

	slog.Debug("configuration loaded", "config", cfg.String())
	return nil
}

// Execute runs the root command with provided args.
func Execute(args []string) error {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	return cmd.Execute()
}
