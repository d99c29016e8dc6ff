package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"itchclaim/internal/components/chrono"
	"itchclaim/internal/components/telemetry"
	libtelemetry "itchclaim/lib/telemetry"

	"github.com/spf13/cobra"
)

var scheduleFeedUrl *string

func init() {
	scheduleFeedUrl = scheduleCmd.Flags().String("url", "", "The feed to claim from, defaults to feed_url.")
	rootCmd.AddCommand(scheduleCmd)
}

var scheduleCmd = &cobra.Command{
	Use:   `schedule "<cron>" [--url <feed>]`,
	Short: "Keeps running and claims from the feed on a cron schedule (UTC).",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec := args[0]
		err := chrono.ValidateSpec(spec)
		if err != nil {
			return fmt.Errorf("invalid cron schedule %q: %w", spec, err)
		}

		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		ctx := cmd.Context()
		libtelemetry.InstrumentPerfStats(ctx, time.Minute)

		cron := chrono.NewStandardCron(telemetry.SlogAPI{})
		err = cron.Cron(spec, func() {
			summary, err := e.service.Claim(ctx, *scheduleFeedUrl)
			printSummary(summary)
			if err != nil {
				slog.Error("scheduled claim failed", "err", err)
			}
		})
		if err != nil {
			return err
		}
		slog.Info("waiting for the schedule", "cron", spec)

		<-ctx.Done()
		slog.Info("stopping, waiting for a running claim to finish")
		stopped := cron.Stop()
		select {
		case <-stopped.Done():
		case <-time.After(time.Minute):
			return context.DeadlineExceeded
		}
		return nil
	},
}
