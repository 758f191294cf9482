package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chalsync/chalsync/pkg/challenge"
	"github.com/chalsync/chalsync/pkg/config"
	"github.com/chalsync/chalsync/pkg/engine"
	"github.com/chalsync/chalsync/pkg/platform"
	"github.com/chalsync/chalsync/pkg/platform/ctfd"
	"github.com/chalsync/chalsync/pkg/policy"
	"github.com/chalsync/chalsync/pkg/stores"
	"github.com/chalsync/chalsync/pkg/telemetry"
	"github.com/chalsync/chalsync/pkg/validation"
)

const shutdownTimeout = 5 * time.Second

// session is the state shared by every command of one invocation: the
// repository, its loader and the telemetry bundle.
type session struct {
	project *config.Project
	loader  *config.Loader
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger
}

// sessionOptions are per-command telemetry overrides.
type sessionOptions struct {
	metricsAddr string
	metricsFile string
}

// openSession locates the repository, loads .env and starts telemetry.
func openSession(opts sessionOptions) (*session, error) {
	path := configPath
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		if path, err = config.FindProject(wd); err != nil {
			return nil, err
		}
	}

	project, err := config.LoadProject(path)
	if err != nil {
		return nil, err
	}

	// Variables already set in the environment win over .env.
	if err := godotenv.Load(filepath.Join(project.Root(), ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(project, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger := tel.Logger.WithField("project", project.Name)
	log.Debug().Str("root", project.Root()).Str("project", project.Name).Msg("Opened repository")

	return &session{
		project: project,
		loader:  config.NewLoader(project, logger),
		tel:     tel,
		logger:  logger,
	}, nil
}

func telemetryConfig(project *config.Project, opts sessionOptions) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = buildVersion
	if project.Name != "" {
		cfg.Environment = project.Name
	}
	cfg.Logging.Level = resolveLogLevel(project.Telemetry.LogLevel)

	switch project.Telemetry.Tracing {
	case "stdout":
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = "stdout"
	case "otlp":
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = "otlp"
		cfg.Tracing.Endpoint = project.Telemetry.OTLPEndpoint
	}

	cfg.Metrics.ListenAddress = opts.metricsAddr
	cfg.Metrics.TextfilePath = project.Resolve(project.Telemetry.MetricsFile)
	if opts.metricsFile != "" {
		cfg.Metrics.TextfilePath = opts.metricsFile
	}
	return cfg
}

// close flushes telemetry. It never fails the command.
func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.tel.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to flush telemetry")
	}
}

// load reads the repository into a store. Load problems are folded into
// the returned validator so they reach the validation gate.
func (s *session) load(ctx context.Context, skip []string) (*challenge.Store, *validation.Validator, error) {
	store, result, err := s.loader.Store(ctx, skip...)
	if err != nil {
		return nil, nil, err
	}
	v := validation.New(
		validation.WithRegistry(result.Registry()),
		validation.WithLogger(s.tel.Logger),
	)
	return store, v, nil
}

// controller builds a pipeline controller. client may be nil for commands
// that never reach the platform.
func (s *session) controller(client platform.Client, v *validation.Validator, checker engine.PolicyChecker, verify bool) *engine.Controller {
	opts := s.project.EngineOptions()
	opts.Verify = verify

	options := []engine.ControllerOption{
		engine.WithValidator(v),
		engine.WithTelemetry(s.tel),
	}
	if checker != nil {
		options = append(options, engine.WithPolicyChecker(checker))
	}
	return engine.NewController(client, opts, options...)
}

// openHistory opens the deploy journal, or returns nil when disabled.
func (s *session) openHistory(ctx context.Context) (*stores.SQLiteStore, error) {
	if s.project.History.Disabled {
		return nil, nil
	}

	path := s.project.Resolve(s.project.History.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate history: %w", err)
	}
	return store, nil
}

// record journals a finished or aborted run. Failures are logged, not
// returned: the deploy itself already happened.
func (s *session) record(ctx context.Context, mode string, report *engine.Report, runErr error) {
	if report == nil || s.project.History.Disabled {
		return
	}
	// Only runs that got as far as a change set are journaled.
	if report.Plan == nil || report.Plan.ChangeSet == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	history, err := s.openHistory(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Deploy history unavailable")
		return
	}
	defer history.Close()

	run, ops := stores.FromReport(mode, report, runErr)
	if err := history.RecordRun(ctx, run, ops); err != nil {
		s.logger.WithError(err).Warn("Failed to record deploy history")
		return
	}
	s.logger.WithRunID(run.ID).Debug("Recorded run in deploy history")
}

// selection builds a selection from positional ids and --exclude.
func selection(ids, exclude []string) challenge.Selection {
	sel := challenge.Only(ids...)
	sel.Exclude = exclude
	return sel
}

// remoteFlags are the platform connection flags shared by plan and deploy.
type remoteFlags struct {
	url   string
	token string
}

func (f *remoteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.url, "url", "u", "", "CTFd base URL (overrides "+envURL+" and the repository config)")
	cmd.Flags().StringVarP(&f.token, "token", "t", "", "CTFd admin API token (overrides "+envToken+")")
}

// connect resolves credentials and creates the CTFd client.
func (s *session) connect(cmd *cobra.Command, flags remoteFlags) (*ctfd.Client, error) {
	creds, err := resolveCredentials(s.project, flags.url, flags.token, cmd.InOrStdin(), cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	client, err := ctfd.NewClient(creds.URL, creds.Token,
		ctfd.WithTimeout(s.project.RequestTimeout),
		ctfd.WithLogger(s.logger),
	)
	if err != nil {
		return nil, err
	}
	s.logger.WithField("url", client.BaseURL()).Debug("Connected to CTFd")
	return client, nil
}

// policyChecker builds the policy gate, or returns nil when it is
// disabled.
func (s *session) policyChecker(ctx context.Context) (engine.PolicyChecker, error) {
	if s.project.Policy.Disabled {
		return nil, nil
	}

	pe, err := policy.NewEngine(s.tel.Logger.Zerolog(), policy.WithMaxDeletes(s.project.MaxDeletes()))
	if err != nil {
		return nil, err
	}
	if len(s.project.Policy.Paths) > 0 {
		paths := make([]string, len(s.project.Policy.Paths))
		for i, p := range s.project.Policy.Paths {
			paths[i] = s.project.Resolve(p)
		}
		if err := pe.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}
	for _, name := range s.project.Policy.Disable {
		if err := pe.DisablePolicy(name); err != nil {
			return nil, fmt.Errorf("policy.disable: %w", err)
		}
	}
	return pe, nil
}
