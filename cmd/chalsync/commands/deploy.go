package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/chalsync/chalsync/pkg/engine"
	"github.com/chalsync/chalsync/pkg/telemetry"
)

// exitPartial is the exit code of a deploy that left work outstanding.
const exitPartial = 2

func newDeployCommand() *cobra.Command {
	var (
		remote      remoteFlags
		skip        []string
		exclude     []string
		yes         bool
		verify      bool
		metricsAddr string
		metricsFile string
	)

	cmd := &cobra.Command{
		Use:   "deploy [CHALLENGE_ID...]",
		Short: "Deploy challenges to a CTFd instance",
		Long: `Deploy challenges to a live CTFd instance.

Deploys the given challenges, or every challenge in the repository when none
are named. The deploy:
  - validates the selection and stops on any error
  - reads the managed challenges from CTFd and computes the changes
  - evaluates the deploy policies against them
  - asks for confirmation, then applies the changes

Operations that fail do not stop independent ones. Running deploy again
converges whatever is left. Exits 2 when some operations failed or were
skipped.`,
		Example: `  # Deploy everything, with a confirmation prompt
  chalsync deploy

  # Deploy two challenges from CI
  CTFD_API_TOKEN=... chalsync deploy web-login sanity --yes

  # Deploy and check the result against the instance
  chalsync deploy --verify

  # Expose metrics while a long deploy runs
  chalsync deploy --metrics-addr :9464`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(sessionOptions{metricsAddr: metricsAddr, metricsFile: metricsFile})
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.tel.Metrics.Serve(ctx, s.logger); err != nil {
				return err
			}

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

			out := cmd.OutOrStdout()
			subscribeProgress(s.tel.Events, cmd.ErrOrStderr())

			approve := confirmPlan(cmd.InOrStdin(), cmd.ErrOrStderr(), yes)
			confirm := func(ctx context.Context, plan *engine.Plan) (bool, error) {
				if !jsonOutput {
					printPlan(out, plan)
				}
				return approve(ctx, plan)
			}

			report, deployErr := s.controller(client, v, checker, verify).Deploy(ctx, store, selection(args, exclude), confirm)
			s.record(ctx, "deploy", report, deployErr)

			// Let progress lines finish before the summary.
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			_ = s.tel.Events.Shutdown(flushCtx)
			cancel()

			if jsonOutput {
				if err := printJSON(out, deployOutput{Report: report, Error: errorString(deployErr)}); err != nil {
					return err
				}
			}

			switch {
			case errors.Is(deployErr, engine.ErrDeclined):
				fmt.Fprintln(out, "Deployment cancelled, nothing was changed.")
				return nil
			case deployErr != nil:
				if !jsonOutput {
					printPlan(out, rejectedPlan(report, deployErr))
					printRejection(out, deployErr)
				}
				return &ExitError{Code: 1, Err: quietRejection(deployErr)}
			}

			if !jsonOutput {
				printReport(out, report)
			}
			if report.Outcome == engine.OutcomePartial {
				return &ExitError{Code: exitPartial}
			}
			return nil
		},
	}

	remote.register(cmd)
	cmd.Flags().StringSliceVarP(&skip, "skip", "s", nil, "challenge ids to ignore entirely")
	cmd.Flags().StringSliceVarP(&exclude, "exclude", "x", nil, "challenge ids to leave out of this selection")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "apply without asking for confirmation")
	cmd.Flags().BoolVar(&verify, "verify", false, "re-read CTFd after applying and report outstanding changes")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while deploying")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write a Prometheus textfile when done (overrides telemetry.metrics_file)")

	return cmd
}

// deployOutput is the --json form of a deploy.
type deployOutput struct {
	Report *engine.Report `json:"report,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// rejectedPlan returns the plan of a run the policy gate stopped, so the
// offending change set is shown. Other rejections have nothing to show.
func rejectedPlan(report *engine.Report, err error) *engine.Plan {
	if report == nil || engine.GateOf(err) != engine.GatePolicy {
		return nil
	}
	return report.Plan
}

// subscribeProgress prints one line per finished operation.
func subscribeProgress(events *telemetry.EventPublisher, w io.Writer) {
	events.Subscribe(func(e telemetry.Event) {
		switch e.Type {
		case telemetry.EventTypeOperationSucceeded:
			fmt.Fprintln(w, successStyle.Render("✓ ")+e.Message)
		case telemetry.EventTypeOperationFailed:
			fmt.Fprintln(w, errorStyle.Render("✗ ")+e.Message)
		case telemetry.EventTypeOperationSkipped:
			fmt.Fprintln(w, warningStyle.Render("- ")+e.Message)
		}
	}, telemetry.FilterByType(
		telemetry.EventTypeOperationSucceeded,
		telemetry.EventTypeOperationFailed,
		telemetry.EventTypeOperationSkipped,
	))
}
