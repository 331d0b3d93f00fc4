package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var statusLookback int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the operational metrics snapshot",
	Long:  "Collects job, cache, and reconciliation counters from the store and engines and prints them as JSON.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if statusLookback > 0 {
			cfg.Monitoring.LookbackHours = statusLookback
		}

		env, err := initCore(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := env.Service.Snapshot(ctx)
		if err != nil {
			return eris.Wrap(err, "collect status")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLookback, "lookback", 0, "job window in hours (default from config)")
	rootCmd.AddCommand(statusCmd)
}
