package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/walletscope/walletscope/internal/config"
	"github.com/walletscope/walletscope/internal/observability"
	"github.com/walletscope/walletscope/internal/store"
)

const defaultStaleRunAge = time.Hour

func maintainCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run offline housekeeping against the database",
		Long: `Maintain fails analysis runs that have been RUNNING longer than the
stale threshold. Such runs are left behind when a worker dies between the
start and terminal transitions.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("%w: %w", errConfig, err)
			}

			if cfg.Database.URL == "" {
				return fmt.Errorf("%w: %w", errConfig, config.ErrMissingDatabaseURL)
			}

			logger := observability.NewLogger(cfg.Log.Level, cfg.Log.JSON)
			slog.SetDefault(logger)

			ctx := cmd.Context()

			st, storeErr := store.OpenPostgres(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
			if storeErr != nil {
				return fmt.Errorf("open postgres: %w", storeErr)
			}
			defer func() { _ = st.Close() }()

			reclaimed, reclaimErr := st.ReclaimStaleRuns(ctx, olderThan)
			if reclaimErr != nil {
				return fmt.Errorf("reclaim stale runs: %w", reclaimErr)
			}

			logger.Info("stale runs reclaimed", "count", reclaimed, "older_than", olderThan)

			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", defaultStaleRunAge,
		"fail runs that have been RUNNING longer than this")

	return cmd
}
