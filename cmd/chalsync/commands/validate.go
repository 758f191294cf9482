package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chalsync/chalsync/pkg/config"
	"github.com/chalsync/chalsync/pkg/validation"
)

func newValidateCommand() *cobra.Command {
	var (
		skip    []string
		exclude []string
		watch   bool
	)

	cmd := &cobra.Command{
		Use:   "validate [CHALLENGE_ID...]",
		Short: "Validate challenge definitions",
		Long: `Validate challenge definitions without contacting the platform.

Validates the given challenges, or every challenge in the repository when
none are named. Checks include:
  - required fields, id format and uniqueness
  - flag formats and regular expressions
  - prerequisite references and cycles
  - attachment paths, categories and point values

Exits non-zero when any error is found.`,
		Example: `  # Validate the whole repository
  chalsync validate

  # Validate two challenges
  chalsync validate web-login sanity

  # Re-validate whenever a challenge file changes
  chalsync validate --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(sessionOptions{})
			if err != nil {
				return err
			}
			defer s.close()

			run := func(ctx context.Context) ([]validation.Issue, error) {
				store, v, err := s.load(ctx, skip)
				if err != nil {
					return nil, err
				}
				issues, _ := s.controller(nil, v, nil, false).Validate(ctx, store, selection(args, exclude))
				return issues, nil
			}

			if watch {
				return watchValidate(cmd.Context(), s, cmd.OutOrStdout(), run)
			}

			issues, err := run(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), issues); err != nil {
					return err
				}
			} else {
				printIssues(cmd.OutOrStdout(), issues)
			}
			if validation.HasErrors(issues) {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&skip, "skip", "s", nil, "challenge ids to ignore entirely")
	cmd.Flags().StringSliceVarP(&exclude, "exclude", "x", nil, "challenge ids to leave out of this selection")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate when challenge files change")

	return cmd
}

// watchValidate validates once, then again after every settled change,
// until interrupted.
func watchValidate(ctx context.Context, s *session, out io.Writer,
	run func(context.Context) ([]validation.Issue, error)) error {
	w, err := config.NewWatcher(s.project, config.DefaultDebounce, s.logger)
	if err != nil {
		return err
	}

	report := func() {
		issues, err := run(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Validation failed")
			return
		}
		printIssues(out, issues)
	}

	report()
	fmt.Fprintln(out, mutedStyle.Render("Watching for changes, press Ctrl+C to stop."))

	err = w.Run(ctx, func(paths []string) {
		log.Info().Strs("paths", paths).Msg("Challenge files changed")
		report()
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
