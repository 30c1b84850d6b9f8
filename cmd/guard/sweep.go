package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete usage log entries past their plan retention once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := connect(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		ctx := context.Background()
		a.buildKeys()
		if err := a.buildUsageStore(ctx); err != nil {
			return err
		}
		a.buildSweeper()

		result, err := a.sweeper.RunNow(ctx)
		if err != nil {
			return err
		}

		event := log.Info().Int64("total", result.Total).Dur("took", result.FinishedAt.Sub(result.StartedAt))
		for plan, n := range result.Deleted {
			event = event.Int64(string(plan), n)
		}
		event.Msg("Retention sweep finished")
		return nil
	},
}
