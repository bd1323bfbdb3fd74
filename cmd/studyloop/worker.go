package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWorkerCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the Temporal worker for material processing and generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, cleanup, err := cc.runtime(ctx, cc.cfg, "worker")
			if err != nil {
				return err
			}
			defer cleanup()

			w, err := a.Worker(cc.logger)
			if err != nil {
				return err
			}
			return w.Run(ctx)
		},
	}
}
