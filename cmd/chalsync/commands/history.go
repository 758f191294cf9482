package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chalsync/chalsync/pkg/config"
	"github.com/chalsync/chalsync/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit     int
		outcome   string
		challenge string
		prune     int
	)

	cmd := &cobra.Command{
		Use:   "history [RUN_ID]",
		Short: "Show past deploys",
		Long: `Show the deploy journal kept in the repository.

Without arguments, lists recent runs newest first. With a run id (or a
unique prefix of one), shows the outcome of every operation of that run.`,
		Example: `  # Recent deploys
  chalsync history

  # Deploys that touched one challenge and did not fully succeed
  chalsync history --challenge web-login --outcome partial

  # Operations of one run
  chalsync history 3f2a9c

  # Keep only the 50 newest runs
  chalsync history --prune 50`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(sessionOptions{})
			if err != nil {
				return err
			}
			defer s.close()

			if s.project.History.Disabled {
				return fmt.Errorf("deploy history is disabled in %s", s.project.Resolve(config.ProjectFile))
			}
			history, err := s.openHistory(ctx)
			if err != nil {
				return err
			}
			defer history.Close()

			out := cmd.OutOrStdout()

			if cmd.Flags().Changed("prune") {
				n, err := history.PruneRuns(ctx, prune)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Removed %d run(s).\n", n)
				return nil
			}

			if len(args) == 1 {
				run, err := history.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				ops, err := history.ListOperations(ctx, run.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, struct {
						Run        *stores.Run               `json:"run"`
						Operations []*stores.OperationRecord `json:"operations"`
					}{run, ops})
				}
				printRun(cmd, run, ops)
				return nil
			}

			filter := stores.RunFilter{Limit: limit}
			if outcome != "" {
				filter.Outcome = &outcome
			}
			if challenge != "" {
				filter.Challenge = &challenge
			}
			runs, err := history.ListRuns(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}

			t := newTable("Run", "Started", "Selection", "Outcome", "Ops", "Failed", "Skipped", "Duration")
			for _, r := range runs {
				t.Row(shortID(r.ID), r.StartedAt.Local().Format(time.DateTime), r.Selection, runOutcome(r),
					fmt.Sprint(r.Operations), fmt.Sprint(r.Failed), fmt.Sprint(r.Skipped), r.Duration().Round(time.Millisecond).String())
			}
			fmt.Fprintln(out, t.Render())
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list (0 for all)")
	cmd.Flags().StringVar(&outcome, "outcome", "", "only runs with this outcome (succeeded, partial, no-changes, aborted)")
	cmd.Flags().StringVar(&challenge, "challenge", "", "only runs that operated on this challenge")
	cmd.Flags().IntVar(&prune, "prune", 0, "delete all but the newest N runs")

	return cmd
}

func printRun(cmd *cobra.Command, run *stores.Run, ops []*stores.OperationRecord) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render("Run "+run.ID))
	fmt.Fprintf(out, "Selection: %s\nState:     %s\nOutcome:   %s\nStarted:   %s\n",
		run.Selection, run.State, runOutcome(run), run.StartedAt.Local().Format(time.RFC3339))
	if run.FinishedAt != nil {
		fmt.Fprintf(out, "Duration:  %s\n", run.Duration().Round(time.Millisecond))
	}
	if run.Outstanding != nil {
		fmt.Fprintf(out, "Outstanding after verify: %d\n", *run.Outstanding)
	}
	if run.Error != nil {
		fmt.Fprintln(out, errorStyle.Render("Error: "+*run.Error))
	}
	if len(ops) == 0 {
		return
	}

	t := newTable("#", "Operation", "Challenge", "Status", "Duration", "Message")
	for _, op := range ops {
		msg := ""
		if op.Message != nil {
			msg = *op.Message
		}
		if op.ErrorKind != nil {
			msg = *op.ErrorKind + ": " + msg
		}
		t.Row(fmt.Sprint(op.Seq), op.Kind, op.Target, op.Status,
			(time.Duration(op.DurationMs) * time.Millisecond).String(), msg)
	}
	fmt.Fprintln(out, t.Render())
}

func runOutcome(r *stores.Run) string {
	switch {
	case r.Gate != nil:
		return fmt.Sprintf("%s (%s gate)", r.Outcome, *r.Gate)
	case r.Outcome == "succeeded" || r.Outcome == "no-changes":
		return successStyle.Render(r.Outcome)
	default:
		return warningStyle.Render(r.Outcome)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
