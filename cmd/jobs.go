package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/meridian-archives/enrich-cli/internal/model"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect enrichment jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs with their task counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initStoreEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		jobs, err := env.Store.ListJobs(ctx, 100)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATUS\tQUEUED\tIN PROGRESS\tDONE\tFAILED\tCREATED")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
				j.Name, j.Status,
				j.Counters.Queued, j.Counters.InProgress,
				j.Counters.Succeeded, j.Counters.Failed,
				j.CreatedAt.Format("2006-01-02 15:04"),
			)
		}
		return w.Flush()
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-name>",
	Short: "Show one job with per-document outcomes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initStoreEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Store.GetJobByName(ctx, args[0])
		if err != nil {
			return err
		}
		if job == nil {
			return eris.Errorf("job not found: %s", args[0])
		}

		spent, err := env.Store.SumCostByJob(ctx, job.ID)
		if err != nil {
			return err
		}

		fmt.Printf("job %s (%s)\n", job.Name, job.ID)
		fmt.Printf("  status:     %s\n", job.Status)
		fmt.Printf("  input:      %s\n", job.InputPath)
		fmt.Printf("  checkpoint: %s\n", job.Checkpoint)
		fmt.Printf("  tasks:      %d queued, %d in progress, %d done, %d failed\n",
			job.Counters.Queued, job.Counters.InProgress,
			job.Counters.Succeeded, job.Counters.Failed)
		if job.BudgetUSD > 0 {
			fmt.Printf("  spend:      $%.4f of $%.2f budget\n", spent, job.BudgetUSD)
		} else {
			fmt.Printf("  spend:      $%.4f\n", spent)
		}

		docs, err := env.Store.ListDocuments(ctx, job.ID, 1000)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return nil
		}

		fmt.Println()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DOCUMENT\tSTATUS\tVERSION\tCOMPLETENESS\tMISSING")
		for _, d := range docs {
			score, missing := "-", "-"
			if d.Metrics != nil {
				score = fmt.Sprintf("%.2f", d.Metrics.CompletenessScore)
				missing = fmt.Sprintf("%d", len(d.Metrics.MissingFields))
			}
			status := string(d.Status)
			if d.Status == model.DocumentStatusFailed && d.FailureKind != "" {
				status = status + " (" + d.FailureKind + ")"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", d.DocumentID, status, d.Version, score, missing)
		}
		return w.Flush()
	},
}

func init() {
	jobsCmd.AddCommand(jobsListCmd, jobsStatusCmd)
	rootCmd.AddCommand(jobsCmd)
}
