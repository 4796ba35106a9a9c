package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/canopy-network/permanode/app/backfill"
	"github.com/canopy-network/permanode/pkg/analytics"
	"github.com/canopy-network/permanode/pkg/db/models/records"
	"github.com/canopy-network/permanode/pkg/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

var rootCmd = &cobra.Command{
	Use:          "analytics",
	Short:        "Backfills permanode analytics over stored history",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(fillAnalyticsCmd, fillIntervalAnalyticsCmd)

	fillAnalyticsCmd.Flags().Uint32("start-milestone", uint32(utils.EnvInt64("START_MILESTONE", 0)), "First milestone, defaults to the oldest stored")
	fillAnalyticsCmd.Flags().Uint32("end-milestone", uint32(utils.EnvInt64("END_MILESTONE", 0)), "Milestone to stop before, defaults to the newest stored + 1")
	fillAnalyticsCmd.Flags().Int("num-tasks", utils.EnvInt("ANALYTICS_TASKS", 1), "Number of parallel workers")
	fillAnalyticsCmd.Flags().StringSlice("analytics", utils.EnvList("ANALYTICS_KINDS", nil), "Analytics to compute, defaults to all")

	fillIntervalAnalyticsCmd.Flags().String("start-date", utils.Env("START_DATE", ""), "First day (YYYY-MM-DD), defaults to the oldest milestone")
	fillIntervalAnalyticsCmd.Flags().String("end-date", utils.Env("END_DATE", ""), "Day to stop before (YYYY-MM-DD), defaults past the newest milestone")
	fillIntervalAnalyticsCmd.Flags().String("interval", utils.Env("ANALYTICS_INTERVAL", "day"), "day, week, month or year")
	fillIntervalAnalyticsCmd.Flags().Int("num-tasks", utils.EnvInt("ANALYTICS_TASKS", 1), "Number of parallel workers")
	fillIntervalAnalyticsCmd.Flags().StringSlice("analytics", nil, "Interval analytics to compute, defaults to all")
}

var fillAnalyticsCmd = &cobra.Command{
	Use:   "fill-analytics",
	Short: "Computes per-milestone analytics for a milestone range",
	RunE: func(cmd *cobra.Command, _ []string) error {
		flags := cmd.Flags()
		start, _ := flags.GetUint32("start-milestone")
		end, _ := flags.GetUint32("end-milestone")
		numTasks, _ := flags.GetInt("num-tasks")
		names, _ := flags.GetStringSlice("analytics")

		kinds, err := parseKinds(names, analytics.MilestoneKinds)
		if err != nil {
			return err
		}

		app, err := backfill.Initialize(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		_, err = app.Filler.FillAnalytics(cmd.Context(), backfill.MilestoneRequest{
			Start:    start,
			End:      end,
			Kinds:    kinds,
			NumTasks: numTasks,
		})
		return err
	},
}

var fillIntervalAnalyticsCmd = &cobra.Command{
	Use:   "fill-interval-analytics",
	Short: "Computes interval analytics for a date range",
	RunE: func(cmd *cobra.Command, _ []string) error {
		flags := cmd.Flags()
		startDate, _ := flags.GetString("start-date")
		endDate, _ := flags.GetString("end-date")
		intervalName, _ := flags.GetString("interval")
		numTasks, _ := flags.GetInt("num-tasks")
		names, _ := flags.GetStringSlice("analytics")

		interval, err := records.ParseInterval(intervalName)
		if err != nil {
			return err
		}
		start, err := parseDate("start-date", startDate)
		if err != nil {
			return err
		}
		end, err := parseDate("end-date", endDate)
		if err != nil {
			return err
		}
		kinds, err := parseKinds(names, analytics.IntervalKinds)
		if err != nil {
			return err
		}

		app, err := backfill.Initialize(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		app.Logger.Info("Filling interval analytics",
			zap.String("interval", string(interval)),
			zap.Int("num_tasks", numTasks))
		_, err = app.Filler.FillIntervalAnalytics(cmd.Context(), backfill.IntervalRequest{
			Start:    start,
			End:      end,
			Interval: interval,
			Kinds:    kinds,
			NumTasks: numTasks,
		})
		return err
	},
}

func parseKinds(names []string, known []records.Kind) ([]records.Kind, error) {
	if len(names) == 0 {
		return nil, nil
	}
	return records.ParseKinds(names, known)
}

func parseDate(flag, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(dateLayout, v, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", flag, err)
	}
	return t, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
