package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/momentumfirm/finhub/internal/model"
)

var (
	exportEntity   string
	exportPeriod   string
	exportScenario string
	exportKind     string
	exportOut      string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Render an export workbook for an entity period",
	Long:  "Queues an export job, runs it on the local worker pool, and writes the finished XLSX artifact to disk.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initCore(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		env.Exports.Start(ctx)
		defer env.Exports.Stop()

		view, err := env.Service.CreateExport(ctx, exportEntity, exportPeriod, exportScenario, model.ExportKind(exportKind))
		if err != nil {
			return eris.Wrap(err, "create export job")
		}

		zap.L().Info("export job queued",
			zap.String("job_id", view.JobID),
			zap.String("kind", exportKind),
		)

		for !view.Status.Terminal() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			view, err = env.Service.ExportStatus(ctx, view.JobID)
			if err != nil {
				return eris.Wrap(err, "poll export job")
			}
		}

		if view.Status == model.JobFailed {
			return eris.Errorf("export job failed: %s", view.Error)
		}

		filename, artifact, err := env.Service.DownloadExport(ctx, view.JobID)
		if err != nil {
			return eris.Wrap(err, "download artifact")
		}

		out := exportOut
		if out == "" {
			out = filename
		}
		if err := os.WriteFile(out, artifact, 0o644); err != nil {
			return eris.Wrap(err, "write artifact")
		}

		zap.L().Info("artifact written",
			zap.String("path", out),
			zap.Int("bytes", len(artifact)),
		)
		fmt.Println(out)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportEntity, "entity", "", "entity to export (required)")
	exportCmd.Flags().StringVar(&exportPeriod, "period", "", "period label (required)")
	exportCmd.Flags().StringVar(&exportScenario, "scenario", "", `scenario name (default "actual")`)
	exportCmd.Flags().StringVar(&exportKind, "kind", "board_pack", "artifact kind: board_pack or fact_pack")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output path (default artifact filename in the working directory)")
	_ = exportCmd.MarkFlagRequired("entity")
	_ = exportCmd.MarkFlagRequired("period")
	rootCmd.AddCommand(exportCmd)
}
