package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chalsync/chalsync/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	logLevel   string
	jsonOutput bool

	buildVersion = "dev"
)

// ExitError carries a process exit code. Err, if set, has not been
// reported to the user yet.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chalsync",
		Short: "chalsync - CTF challenge deployment",
		Long: `chalsync keeps a CTFd instance in sync with a repository of challenge
definitions.

Each run validates the local definitions, reads the remote state, computes
the minimal set of changes and, after confirmation, applies them:
  - challenge.toml / challenge.yaml files under the configured directories
  - flags, hints, attachments and prerequisites
  - Rego deploy policies and a local deploy history`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := resolveLogLevel("")
			if level != "" {
				zerolog.SetGlobalLevel(telemetry.ParseLevel(level))
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to chalsync.yaml (default: search upwards from the working directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error (env LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// resolveLogLevel picks --log-level, then LOG_LEVEL, then the configured
// level.
func resolveLogLevel(configured string) string {
	if logLevel != "" {
		return logLevel
	}
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		return env
	}
	return configured
}
