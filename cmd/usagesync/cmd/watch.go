package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-sync/internal/worker"
)

var watchConcurrency int

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-sync the configured billing periods on an interval",
	Long: `Sync every period in EA_WATCH_PERIODS once per WATCH_INTERVAL until
interrupted. A failing period is logged and retried on the next tick.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().IntVar(&watchConcurrency, "concurrency", 0, "max periods synced at once (0 = all)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.cfg.RequireEnrollment(); err != nil {
		return err
	}

	w, err := worker.NewWatcher(a.runner, worker.Config{
		EnrollmentID:   a.cfg.EnrollmentNumber,
		AccessKey:      a.cfg.AccessKey,
		BillingPeriods: a.cfg.WatchPeriods,
		Interval:       a.cfg.WatchInterval,
		ForceRefresh:   a.cfg.ForceRefresh,
		Concurrency:    watchConcurrency,
	}, a.logger)
	if err != nil {
		return err
	}

	a.logger.Info("watching billing periods",
		zap.Strings("periods", a.cfg.WatchPeriods),
		zap.Duration("interval", a.cfg.WatchInterval))

	if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("watcher stopped")
	return nil
}
