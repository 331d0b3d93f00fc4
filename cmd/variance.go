package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	varianceEntity   string
	varianceFrom     string
	varianceTo       string
	varianceScenario string
	varianceTarget   string
)

var varianceCmd = &cobra.Command{
	Use:   "variance",
	Short: "Explain a metric change between two periods",
	Long:  "Decomposes the change of a target metric between two periods into ordered driver contributions and prints the bridge as JSON.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initCore(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		b, err := env.Service.Variance(ctx, varianceEntity, varianceFrom, varianceTo, varianceScenario, varianceTarget)
		if err != nil {
			return eris.Wrap(err, "compute variance bridge")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	},
}

func init() {
	varianceCmd.Flags().StringVar(&varianceEntity, "entity", "", "entity to evaluate (required)")
	varianceCmd.Flags().StringVar(&varianceFrom, "from", "", "base period label (required)")
	varianceCmd.Flags().StringVar(&varianceTo, "to", "", "comparison period label (required)")
	varianceCmd.Flags().StringVar(&varianceScenario, "scenario", "", `scenario name (default "actual")`)
	varianceCmd.Flags().StringVar(&varianceTarget, "target", "", "target metric key (default from catalog)")
	_ = varianceCmd.MarkFlagRequired("entity")
	_ = varianceCmd.MarkFlagRequired("from")
	_ = varianceCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(varianceCmd)
}
