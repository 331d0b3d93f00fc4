package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	metricsEntity   string
	metricsPeriod   string
	metricsScenario string
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Compute KPIs and ratios for an entity period",
	Long:  "Evaluates every registered metric against the current snapshot and prints values, deltas, and source lineage as JSON.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initCore(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		view, err := env.Service.Metrics(ctx, metricsEntity, metricsPeriod, metricsScenario)
		if err != nil {
			return eris.Wrap(err, "compute metrics")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	},
}

func init() {
	metricsCmd.Flags().StringVar(&metricsEntity, "entity", "", "entity to evaluate (required)")
	metricsCmd.Flags().StringVar(&metricsPeriod, "period", "", "period label (required)")
	metricsCmd.Flags().StringVar(&metricsScenario, "scenario", "", `scenario name (default "actual")`)
	_ = metricsCmd.MarkFlagRequired("entity")
	_ = metricsCmd.MarkFlagRequired("period")
	rootCmd.AddCommand(metricsCmd)
}
