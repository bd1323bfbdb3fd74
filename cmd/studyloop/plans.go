package main

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/studyloopai/studyloop-backend/internal/config"
	"github.com/studyloopai/studyloop-backend/internal/domain"
)

func newPlansCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "Show the plan catalog and its per-cycle limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := config.LoadPlans(cc.cfg.PlansFile)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"Plan", "Name", "Generations", "Tokens", "Uploads"},
				planRows(catalog),
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight},
			))
			return nil
		},
	}
}

func planRows(c config.PlanCatalog) [][]string {
	ids := make([]string, 0, len(c.Plans))
	for id := range c.Plans {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		p := c.Plans[id]
		label := id
		if id == c.Default {
			label += " (default)"
		}
		rows = append(rows, []string{
			label,
			p.Name,
			limitCell(p.Limit(domain.QuotaAIGenerations)),
			limitCell(p.Limit(domain.QuotaAITokens)),
			limitCell(p.Limit(domain.QuotaMaterialsUploaded)),
		})
	}
	return rows
}

func limitCell(n int64) string {
	if n == config.Unlimited {
		return "unlimited"
	}
	return strconv.FormatInt(n, 10)
}
