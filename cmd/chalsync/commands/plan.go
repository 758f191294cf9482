package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/chalsync/chalsync/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		remote  remoteFlags
		skip    []string
		exclude []string
	)

	cmd := &cobra.Command{
		Use:   "plan [CHALLENGE_ID...]",
		Short: "Show the changes a deploy would make",
		Long: `Compare local challenge definitions with the CTFd instance and show the
changes a deploy would apply, without changing anything.

The plan:
  - validates the selected challenges
  - reads the managed challenges from CTFd
  - computes the ordered operations that converge the two
  - evaluates the deploy policies against them`,
		Example: `  # Plan the whole repository
  chalsync plan

  # Plan one challenge as JSON
  chalsync plan web-login --json

  # Plan against another instance
  chalsync plan --url https://staging.ctf.example`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(sessionOptions{})
			if err != nil {
				return err
			}
			defer s.close()

			store, v, err := s.load(ctx, skip)
			if err != nil {
				return err
			}
			client, err := s.connect(cmd, remote)
			if err != nil {
				return err
			}
			checker, err := s.policyChecker(ctx)
			if err != nil {
				return err
			}

			plan, planErr := s.controller(client, v, checker, false).Plan(ctx, store, selection(args, exclude))

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, planOutput{Plan: plan, Error: errorString(planErr)}); err != nil {
					return err
				}
			} else {
				printPlan(out, plan)
				printRejection(out, planErr)
			}
			if planErr != nil {
				return &ExitError{Code: 1, Err: quietRejection(planErr)}
			}
			return nil
		},
	}

	remote.register(cmd)
	cmd.Flags().StringSliceVarP(&skip, "skip", "s", nil, "challenge ids to ignore entirely")
	cmd.Flags().StringSliceVarP(&exclude, "exclude", "x", nil, "challenge ids to leave out of this selection")

	return cmd
}

// planOutput is the --json form of a plan.
type planOutput struct {
	Plan  *engine.Plan `json:"plan,omitempty"`
	Error string       `json:"error,omitempty"`
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// printRejection details why a gate stopped the run.
func printRejection(w io.Writer, err error) {
	var pe *engine.PipelineError
	if !errors.As(err, &pe) {
		return
	}
	if pe.Gate == engine.GateConfirmation {
		return
	}
	fmt.Fprintln(w, errorStyle.Render(pe.Error()))
	if len(pe.Issues) > 0 {
		printIssues(w, pe.Issues)
	}
	printViolations(w, pe.Violations)
}

// quietRejection drops gate rejections that printRejection already showed.
func quietRejection(err error) error {
	var pe *engine.PipelineError
	if errors.As(err, &pe) && pe.Gate != engine.GateConfirmation {
		return nil
	}
	return err
}
