package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/meridian-archives/enrich-cli/internal/model"
)

var (
	reviewResolvedBy string
	reviewEdits      []string
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the human review queue",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending review tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initStoreEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		tasks, err := env.Store.ListReviewTasks(ctx, model.ReviewStatusPending, 100)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDOCUMENT\tCYCLE\tCOMPLETENESS\tMISSING FIELDS")
		for _, rt := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%s\n",
				rt.ID, rt.DocumentID, rt.Cycle, rt.CompletenessScore,
				strings.Join(rt.MissingFields, ","))
		}
		return w.Flush()
	},
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve <review-id>",
	Short: "Approve a review, optionally filling fields",
	Long:  "Approves a pending review and commits the document. Reviewer-supplied values are passed as repeated --set flags, e.g. --set metadata.date=1887-03-14, and are recorded with full confidence.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initStoreEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		edits, err := parseEdits(reviewEdits)
		if err != nil {
			return err
		}

		doc, err := env.Router.Approve(ctx, args[0], reviewResolvedBy, edits)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(doc.Metrics, "", "  ")
		if err != nil {
			return eris.Wrap(err, "encode metrics")
		}
		fmt.Printf("approved %s (version %d)\n%s\n", doc.DocumentID, doc.Version, out)
		return nil
	},
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject <review-id>",
	Short: "Reject a review and re-enqueue the document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initStoreEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		requeued, err := env.Router.Reject(ctx, args[0], reviewResolvedBy)
		if err != nil {
			return err
		}
		if requeued {
			fmt.Println("rejected; document re-enqueued for reprocessing")
		} else {
			fmt.Println("rejected; reprocess cap reached, document stays rejected")
		}
		return nil
	},
}

// parseEdits turns repeated key=value flags into a field edit map.
func parseEdits(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	edits := make(map[string]any, len(raw))
	for _, kv := range raw {
		key, value, found := strings.Cut(kv, "=")
		if !found || key == "" {
			return nil, eris.Errorf("invalid --set %q, want path=value", kv)
		}
		edits[key] = value
	}
	return edits, nil
}

func init() {
	reviewApproveCmd.Flags().StringSliceVar(&reviewEdits, "set", nil, "field edit as path=value (repeatable)")
	reviewCmd.PersistentFlags().StringVar(&reviewResolvedBy, "by", "cli", "reviewer name recorded on the resolution")
	reviewCmd.AddCommand(reviewListCmd, reviewApproveCmd, reviewRejectCmd)
	rootCmd.AddCommand(reviewCmd)
}
