package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/studyloopai/studyloop-backend/internal/services"
)

type sweepFunc func(*services.SweepService) func(context.Context) (services.SweepResult, error)

func newSweepCommand(cc *commandContext) *cobra.Command {
	var asJSON bool

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a scheduled maintenance sweep once",
	}
	sweepCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Print the result as JSON")

	sub := func(use, short string, pick sweepFunc) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				// Sweeps never dispatch runs.
				cfg := cc.cfg
				cfg.Temporal.Address = ""

				a, cleanup, err := cc.runtime(cmd.Context(), cfg, "sweep-"+use)
				if err != nil {
					return err
				}
				defer cleanup()

				res, runErr := pick(a.Sweeps)(cc.logger.WithContext(cmd.Context()))
				if err := printSweep(cmd.OutOrStdout(), res, asJSON); err != nil {
					return err
				}
				if runErr != nil {
					return fmt.Errorf("sweep %s: %w", res.Sweep, runErr)
				}
				return nil
			},
		}
	}

	sweepCmd.AddCommand(
		sub("quota", "Reset expired usage cycles", func(s *services.SweepService) func(context.Context) (services.SweepResult, error) {
			return s.ResetExpiredCycles
		}),
		sub("retries", "Replay webhook deliveries that have retries left", func(s *services.SweepService) func(context.Context) (services.SweepResult, error) {
			return s.RetryPending
		}),
		sub("jobs", "Purge stale processing jobs and expired idempotency records", func(s *services.SweepService) func(context.Context) (services.SweepResult, error) {
			return s.PurgeStale
		}),
	)
	return sweepCmd
}

func printSweep(w io.Writer, res services.SweepResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	rows := [][]string{
		{"Sweep", res.Sweep},
		{"Success", yesNo(res.Success)},
		{"Skipped", yesNo(res.Skipped)},
		{"Users processed", strconv.Itoa(res.UsersProcessed)},
		{"Items processed", strconv.FormatInt(res.ItemsProcessed, 10)},
		{"Failures", strconv.Itoa(res.Failures)},
		{"Duration", (time.Duration(res.DurationMs) * time.Millisecond).String()},
	}
	if res.Error != "" {
		rows = append(rows, []string{"Error", res.Error})
	}
	_, err := fmt.Fprint(w, renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))
	return err
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
