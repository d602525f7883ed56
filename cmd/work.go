package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridian-archives/enrich-cli/internal/coordinator"
)

var workConcurrency int

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run a worker draining the task queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		concurrency := workConcurrency
		if concurrency == 0 {
			concurrency = cfg.Worker.Concurrency
		}

		workerID := workerName()
		worker := coordinator.NewWorker(coordinator.WorkerConfig{
			ID:           workerID,
			Concurrency:  concurrency,
			Lease:        cfg.Worker.Lease,
			PollInterval: cfg.Worker.PollInterval,
		}, env.Store, env.Orchestrator, env.Router)

		zap.L().Info("worker ready",
			zap.String("worker_id", workerID),
			zap.String("registry", cfg.Registry.URL),
		)
		return worker.Run(ctx)
	},
}

// workerName builds a lease owner id unique to this process.
func workerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return host + "-" + uuid.New().String()[:8]
}

func init() {
	workCmd.Flags().IntVar(&workConcurrency, "concurrency", 0, "concurrent documents (default from config)")
	rootCmd.AddCommand(workCmd)
}
