package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/permitsync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "permitsync",
	Short: "Building permit ingestion pipeline",
	Long:  "Pulls permit records from municipal query APIs, feature services and flat-file drops, normalizes them into one schema, upserts them idempotently and derives leads.",
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
