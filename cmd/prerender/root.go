package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/prerender/internal/config"
	"github.com/JakeFAU/prerender/internal/server"
)

type options struct {
	configFile string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "prerender",
		Short:         "Renders JavaScript-heavy pages to static HTML for crawlers.",
		Version:       server.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadEnvFile(opts.envFile)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")

	cmd.AddCommand(
		newRunCmd(opts, server.ModeAll, "Run the API and the render workers in one process"),
		newRunCmd(opts, server.ModeServe, "Run only the HTTP API and admission controller"),
		newRunCmd(opts, server.ModeWorker, "Run only the render workers and the job reaper"),
		newMigrateCmd(opts),
	)
	return cmd
}

func newRunCmd(opts *options, mode server.Mode, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(mode),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			app, err := server.Build(cmd.Context(), cfg, mode)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return server.Migrate(cmd.Context(), cfg)
		},
	}
}

// loadEnvFile loads path when it exists. Variables already set in the
// environment win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
