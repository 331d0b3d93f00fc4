package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/momentumfirm/finhub/internal/feed"
)

var (
	ingestEntity   string
	ingestPeriod   string
	ingestScenario string
	ingestFrom     string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a fact batch from a file or URL",
	Long:  "Loads a tabular fact batch (XLSX, CSV, or JSON) from a local path, HTTP URL, or FTP URL and publishes it as a new snapshot.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initCore(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		loader := feed.NewLoader(cfg.Ingest)
		batch, err := loader.Load(ctx, ingestFrom)
		if err != nil {
			return eris.Wrap(err, "load fact batch")
		}

		snapshotID, err := env.Service.Ingest(ctx, ingestEntity, ingestPeriod, ingestScenario, batch)
		if err != nil {
			return eris.Wrap(err, "ingest batch")
		}

		zap.L().Info("batch ingested",
			zap.String("entity", ingestEntity),
			zap.String("period", ingestPeriod),
			zap.String("snapshot_id", snapshotID),
			zap.Int("facts", len(batch)),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"snapshot_id": snapshotID,
			"facts":       len(batch),
		})
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestEntity, "entity", "", "entity the batch belongs to (required)")
	ingestCmd.Flags().StringVar(&ingestPeriod, "period", "", "period label, e.g. 2025-03 (required)")
	ingestCmd.Flags().StringVar(&ingestScenario, "scenario", "", `scenario name (default "actual")`)
	ingestCmd.Flags().StringVar(&ingestFrom, "from", "", "batch source: local path, http(s):// or ftp:// URL (required)")
	_ = ingestCmd.MarkFlagRequired("entity")
	_ = ingestCmd.MarkFlagRequired("period")
	_ = ingestCmd.MarkFlagRequired("from")
	rootCmd.AddCommand(ingestCmd)
}
