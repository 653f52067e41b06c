package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mooses23/gemachhub/internal/scheduler"
	"github.com/mooses23/gemachhub/pkg/logger"
	"github.com/mooses23/gemachhub/pkg/metrics"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start background workers that keep payments moving when no webhook arrives.`,
}

var retryWorkerCmd = &cobra.Command{
	Use:   "retry",
	Short: "Start the payment retry sweep",
	Long:  `Re-drive payments whose retry is due and re-check payments still pending at their provider. Runs on the configured cron schedule, or once with --once.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := startRetryWorker(); err != nil {
			fmt.Fprintf(os.Stderr, "retry worker: %v\n", err)
			os.Exit(1)
		}
	},
}

var (
	runOnce       bool
	sweepSchedule string
)

func startRetryWorker() error {
	config, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger.InitWithOptions(config.Env, config.Observability.Logging.Level, config.Observability.Logging.Format)
	lg := logger.L().With("component", "retry-worker")

	bootCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	a, err := buildApp(bootCtx, config, lg)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			lg.Error("failed to close connections", "error", err)
		}
	}()

	dispatcher := a.startNotifications()
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.bus.Wait(drainCtx); err != nil {
			lg.Warn("event handlers still running at exit", "error", err)
		}
		dispatcher.Shutdown()
	}()

	sweep := a.retrySweep()
	job := scheduler.Func(sweep.Name(), func(ctx context.Context) error {
		report, err := sweep.Run(ctx)
		lg.Info("retry sweep report", "picked", report.Picked, "applied", report.Applied, "failed", report.Failed)
		return err
	})

	sched := scheduler.New(metrics.NewJobMetrics(a.registry), a.lockFactory(), lg)
	if a.redis == nil {
		lg.Warn("redis disabled, retry sweep runs without a distributed lock")
	}

	if runOnce {
		return sched.RunNow(context.Background(), job)
	}

	spec := getStringFlag(sweepSchedule, config.Payment.Retry.SweepSchedule)
	if err := sched.Register(spec, job); err != nil {
		return err
	}
	sched.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	lg.Info("retry worker is running. Press Ctrl+C to stop.", "schedule", spec)

	sig := <-sigChan
	lg.Info("received signal, shutting down retry worker", "signal", sig)

	stopped := make(chan struct{})
	go func() {
		sched.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		lg.Info("retry worker shutdown complete")
	case <-time.After(30 * time.Second):
		lg.Warn("shutdown timeout reached, forcing exit")
	}
	return nil
}

func getStringFlag(flagValue, configValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return configValue
}

func init() {
	retryWorkerCmd.Flags().BoolVar(&runOnce, "once", false, "Run a single sweep and exit")
	retryWorkerCmd.Flags().StringVar(&sweepSchedule, "schedule", "", "Cron spec with seconds (overrides config)")

	workerCmd.AddCommand(retryWorkerCmd)

	rootCmd.AddCommand(workerCmd)
}
