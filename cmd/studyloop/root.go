package main

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/studyloopai/studyloop-backend/internal/config"
	"github.com/studyloopai/studyloop-backend/internal/sysutil"
)

// commandContext carries what every subcommand shares once the root has
// loaded the environment.
type commandContext struct {
	envFile string

	cfg    config.Config
	logger zerolog.Logger
}

func (c *commandContext) load() error {
	if path := strings.TrimSpace(c.envFile); path != "" {
		if err := godotenv.Load(path); err != nil {
			return err
		}
	} else {
		// A missing .env is normal outside development.
		_ = godotenv.Load()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = sysutil.SetupLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty,
		sysutil.FirstNonEmpty(cfg.OTEL.ServiceName, "studyloop-backend")).
		With().Str("version", version).Logger()
	return nil
}

func newRootCommand() *cobra.Command {
	cc := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "studyloop",
		Short:         "StudyLoop content-generation backend",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cc.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVar(&cc.envFile, "env-file", "", "Load environment variables from this file (default .env when present)")

	rootCmd.AddCommand(newServeCommand(cc))
	rootCmd.AddCommand(newWorkerCommand(cc))
	rootCmd.AddCommand(newSweepCommand(cc))
	rootCmd.AddCommand(newPlansCommand(cc))

	return rootCmd
}
