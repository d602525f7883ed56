package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	enqueueJob    string
	enqueueInput  string
	enqueueBudget float64
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Scan an input directory and enqueue its documents",
	Long:  "Scans a directory of OCR text documents and enqueues one task per document under the named job. Re-running the scan is idempotent and resumes from the job checkpoint.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if enqueueJob == "" || enqueueInput == "" {
			return eris.New("--job and --input are required")
		}

		env, err := initStoreEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job, enqueued, err := env.Coordinator.EnqueueDirectory(ctx, enqueueJob, enqueueInput, enqueueBudget)
		if err != nil {
			return err
		}

		fmt.Printf("job %s (%s): %d new tasks, %d queued, %d done, %d failed\n",
			job.Name, job.ID, enqueued,
			job.Counters.Queued, job.Counters.Succeeded, job.Counters.Failed)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueJob, "job", "", "job name")
	enqueueCmd.Flags().StringVar(&enqueueInput, "input", "", "input directory of OCR text documents")
	enqueueCmd.Flags().Float64Var(&enqueueBudget, "budget", 0, "optional per-job budget ceiling in USD")
	rootCmd.AddCommand(enqueueCmd)
}
