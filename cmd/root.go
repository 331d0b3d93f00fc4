package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/momentumfirm/finhub/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "finhub",
	Short: "Financial fact and metrics hub",
	Long:  "Ingests immutable fact packs, derives KPIs and ratios with full source lineage, reconciles variance bridges, and renders board-pack workbooks.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
