package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/chalsync/chalsync/pkg/challenge"
	"github.com/chalsync/chalsync/pkg/platform"
	"github.com/chalsync/chalsync/pkg/telemetry"
	"github.com/chalsync/chalsync/pkg/validation"
)

// ConfirmFunc decides whether a plan is applied. Returning false aborts the
// run with no remote mutation. It is the only cancellation point before
// Applying.
type ConfirmFunc func(ctx context.Context, plan *Plan) (bool, error)

// AutoApprove accepts every plan.
func AutoApprove(context.Context, *Plan) (bool, error) {
	return true, nil
}

// PolicyViolation is a finding of a deploy policy.
type PolicyViolation struct {
	// Policy is the policy name that was violated.
	Policy string `json:"policy"`

	// Severity is info, warning, error or critical.
	Severity string `json:"severity"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// ChallengeID is the challenge concerned, if any.
	ChallengeID string `json:"challenge_id,omitempty"`
}

// IsBlocking reports whether the violation stops the run.
func (v PolicyViolation) IsBlocking() bool {
	return v.Severity == "error" || v.Severity == "critical"
}

// PolicyChecker evaluates a plan before it is presented for confirmation.
type PolicyChecker interface {
	Check(ctx context.Context, plan *Plan) ([]PolicyViolation, error)
}

// Controller sequences validation, remote read, diff, policy, confirmation
// and apply, and enforces every gate between them.
type Controller struct {
	client    platform.Client
	opts      Options
	validator *validation.Validator
	policy    PolicyChecker
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
	newRunID  func() string
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithValidator replaces the default validator.
func WithValidator(v *validation.Validator) ControllerOption {
	return func(c *Controller) { c.validator = v }
}

// WithPolicyChecker enables the policy gate.
func WithPolicyChecker(p PolicyChecker) ControllerOption {
	return func(c *Controller) { c.policy = p }
}

// WithTelemetry sets logging, metrics, tracing and events.
func WithTelemetry(t *telemetry.Telemetry) ControllerOption {
	return func(c *Controller) { c.tel = t }
}

// WithRunIDFunc overrides run id generation.
func WithRunIDFunc(fn func() string) ControllerOption {
	return func(c *Controller) { c.newRunID = fn }
}

// NewController creates a controller for one platform.
func NewController(client platform.Client, opts Options, options ...ControllerOption) *Controller {
	c := &Controller{
		client:   client,
		opts:     opts.withDefaults(),
		newRunID: uuid.NewString,
	}
	for _, o := range options {
		o(c)
	}
	c.tel = c.tel.OrNop()
	c.logger = c.tel.Logger.NewComponentLogger("pipeline")
	if c.validator == nil {
		c.validator = validation.New(validation.WithLogger(c.tel.Logger))
	}
	return c
}

// Validate runs the validator over the selection. Error-severity issues
// are returned together with a PipelineError at the validation gate.
func (c *Controller) Validate(ctx context.Context, store *challenge.Store, sel challenge.Selection) ([]validation.Issue, error) {
	ic := telemetry.StartOperation(c.tel.WithContext(ctx), "pipeline.validate")
	issues := c.validate(store, sel)
	var err error
	if validation.HasErrors(issues) {
		err = &PipelineError{Gate: GateValidation, Issues: validation.Filter(issues, validation.SeverityError)}
	}
	ic.End(err)
	return issues, err
}

func (c *Controller) validate(store *challenge.Store, sel challenge.Selection) []validation.Issue {
	issues := c.validator.Validate(store, sel)
	for _, is := range issues {
		c.tel.Metrics.RecordValidationIssue(is.Rule, string(is.Severity))
	}
	return issues
}

// Plan runs validate, read and diff, then the policy gate, without any
// mutation. The plan is returned even when the policy gate rejects it.
func (c *Controller) Plan(ctx context.Context, store *challenge.Store, sel challenge.Selection) (*Plan, error) {
	r := c.startRun(ctx, sel, "plan")
	plan, err := r.plan(store)
	if err != nil {
		r.abort(err)
	}
	r.span.End()
	return plan, err
}

// Deploy runs the full pipeline. A Report is always returned, including on
// abort; err is non-nil only when the run stopped before Applying. Per
// operation failures are reported in Report.Results, not as err.
func (c *Controller) Deploy(ctx context.Context, store *challenge.Store, sel challenge.Selection, confirm ConfirmFunc) (*Report, error) {
	r := c.startRun(ctx, sel, "deploy")
	defer r.span.End()

	if confirm == nil {
		err := &PipelineError{Gate: GateConfirmation, Err: fmt.Errorf("no confirmation callback")}
		r.abort(err)
		return r.report, err
	}

	plan, err := r.plan(store)
	r.report.Plan = plan
	if err != nil {
		r.abort(err)
		return r.report, err
	}

	if plan.ChangeSet.IsEmpty() {
		r.logger.Info("Remote state already matches local definitions")
		r.finish(nil)
		return r.report, nil
	}

	r.transition(StateAwaitingConfirmation)
	ok, cerr := confirm(r.ctx, plan)
	if cerr != nil || !ok {
		err := &PipelineError{Gate: GateConfirmation, Err: cerr}
		r.abort(err)
		return r.report, err
	}

	r.transition(StateApplying)
	stage := telemetry.NewTimer()
	applier := NewApplier(c.client, c.opts, store.Options().Files, c.tel)
	results := applier.Apply(r.ctx, r.report.RunID, plan.ChangeSet)
	c.tel.Metrics.RecordStage(string(StateApplying), stage.Duration())

	if c.opts.Verify {
		c.verify(r, store, sel)
	}

	r.finish(results)
	return r.report, nil
}

// verify re-reads remote state and diffs again; a non-zero outstanding
// count means the next deploy still has work to do.
func (c *Controller) verify(r *run, store *challenge.Store, sel challenge.Selection) {
	r.report.Verified = true
	remote, err := NewReader(c.client, c.opts, c.tel).Read(r.ctx, InterestSet(store, sel))
	if err != nil {
		r.report.VerifyError = err.Error()
		r.logger.WithError(err).Warn("Verification read failed")
		return
	}
	cs, issues, err := NewDiffer(c.tel.Logger).Diff(store, sel, remote)
	if err == nil && cs == nil {
		err = fmt.Errorf("diff rejected: %s", validation.Summary(issues))
	}
	if err != nil {
		r.report.VerifyError = err.Error()
		r.logger.WithError(err).Warn("Verification diff failed")
		return
	}
	r.report.Outstanding = cs.Len()
	if cs.Len() > 0 {
		r.logger.WithField("outstanding", cs.Len()).Warn("Remote state has not converged")
	}
}

// InterestSet returns the remote ids a run needs to read, or nil to read
// everything. Everything is read in all-mode and whenever a selected id is
// missing locally, since that id may be a delete candidate.
func InterestSet(store *challenge.Store, sel challenge.Selection) []string {
	if sel.IsAll() {
		return nil
	}
	managed, missing := store.Select(sel)
	if len(missing) > 0 {
		return nil
	}

	ids := make([]string, 0, len(managed))
	ids = append(ids, managed...)
	for _, id := range managed {
		def, _ := store.Get(id)
		ids = append(ids, def.Prerequisites...)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// run tracks one pass through the state machine.
type run struct {
	c      *Controller
	ctx    context.Context
	span   trace.Span
	mode   string
	logger *telemetry.Logger
	report *Report
}

func (c *Controller) startRun(ctx context.Context, sel challenge.Selection, mode string) *run {
	runID := c.newRunID()
	logger := c.logger.WithRunID(runID)

	ctx = c.tel.WithContext(logger.WithContext(ctx))
	ctx, span := c.tel.Tracer.StartRunSpan(ctx, runID, mode)

	r := &run{
		c:      c,
		ctx:    ctx,
		span:   span,
		mode:   mode,
		logger: logger,
		report: &Report{
			RunID:       runID,
			Selection:   sel,
			State:       StateLoaded,
			Transitions: []PipelineState{StateLoaded},
			StartedAt:   time.Now(),
		},
	}

	c.tel.Metrics.RecordRunStarted(mode)
	logger.WithFields(map[string]interface{}{
		"mode":      mode,
		"selection": sel.String(),
	}).Info("Run started")
	return r
}

// plan advances Loaded through Diffed and evaluates policies.
func (r *run) plan(store *challenge.Store) (*Plan, error) {
	c := r.c
	_ = c.tel.Events.PublishRunStarted(r.report.RunID, r.mode, store.Len())

	stage := telemetry.NewTimer()
	issues := c.validate(store, r.report.Selection)
	c.tel.Metrics.RecordStage(string(StateValidated), stage.Duration())
	if validation.HasErrors(issues) {
		return nil, &PipelineError{Gate: GateValidation, Issues: validation.Filter(issues, validation.SeverityError)}
	}
	r.transition(StateValidated)

	stage = telemetry.NewTimer()
	remote, err := NewReader(c.client, c.opts, c.tel).Read(r.ctx, InterestSet(store, r.report.Selection))
	c.tel.Metrics.RecordStage(string(StateRemoteRead), stage.Duration())
	if err != nil {
		return nil, err
	}
	r.transition(StateRemoteRead)

	stage = telemetry.NewTimer()
	cs, diffIssues, err := NewDiffer(c.tel.Logger).Diff(store, r.report.Selection, remote)
	c.tel.Metrics.RecordStage(string(StateDiffed), stage.Duration())
	if err != nil {
		return nil, err
	}
	if cs == nil {
		return nil, &PipelineError{Gate: GateDiff, Issues: validation.Filter(diffIssues, validation.SeverityError)}
	}
	r.transition(StateDiffed)

	for kind, n := range cs.CountByKind() {
		c.tel.Metrics.SetPlannedOperations(string(kind), n)
	}

	plan := &Plan{
		RunID:     r.report.RunID,
		Selection: r.report.Selection,
		ChangeSet: cs,
		Warnings:  append(validation.Filter(issues, validation.SeverityWarning), validation.Filter(diffIssues, validation.SeverityWarning)...),
		Remote:    remote,
	}

	if c.policy == nil || cs.IsEmpty() {
		return plan, nil
	}

	violations, err := c.policy.Check(r.ctx, plan)
	if err != nil {
		return plan, &PipelineError{Gate: GatePolicy, Err: err}
	}
	var blocking []PolicyViolation
	for _, v := range violations {
		_ = c.tel.Events.PublishPolicyViolation(r.report.RunID, v.ChallengeID, v.Policy, v.Severity, v.Message)
		if v.IsBlocking() {
			blocking = append(blocking, v)
		} else {
			plan.Violations = append(plan.Violations, v)
		}
	}
	if len(blocking) > 0 {
		return plan, &PipelineError{Gate: GatePolicy, Violations: blocking}
	}
	return plan, nil
}

func (r *run) transition(to PipelineState) {
	from := r.report.State
	if !from.CanTransition(to) {
		// A programming error; the state machine is driven only from here.
		panic(fmt.Sprintf("illegal pipeline transition %s -> %s", from, to))
	}
	r.report.State = to
	r.report.Transitions = append(r.report.Transitions, to)
	_ = r.c.tel.Events.PublishStateChanged(r.report.RunID, string(from), string(to))
	r.logger.WithFields(map[string]interface{}{"from": from, "to": to}).Debug("State changed")
}

func (r *run) abort(err error) {
	r.transition(StateAborted)
	r.report.Outcome = OutcomeAborted
	r.report.FinishedAt = time.Now()
	duration := r.report.FinishedAt.Sub(r.report.StartedAt)

	gate := string(GateOf(err))
	if gate == "" {
		gate = "remote"
	}
	_ = r.c.tel.Events.PublishRunAborted(r.report.RunID, gate, err.Error())
	r.c.tel.Metrics.RecordRunCompleted(string(OutcomeAborted), duration)
	telemetry.RecordError(r.span, err)
	r.logger.WithField("gate", gate).WithError(err).Warn("Run aborted")
}

func (r *run) finish(results []OperationResult) {
	r.transition(StateReported)
	r.report.Results = results
	r.report.Outcome = outcomeOf(results)
	r.report.FinishedAt = time.Now()
	duration := r.report.FinishedAt.Sub(r.report.StartedAt)

	_ = r.c.tel.Events.PublishRunCompleted(r.report.RunID, string(r.report.Outcome), duration)
	r.c.tel.Metrics.RecordRunCompleted(string(r.report.Outcome), duration)

	s, f, sk := r.report.Count()
	fields := map[string]interface{}{
		"outcome":   r.report.Outcome,
		"succeeded": s,
		"failed":    f,
		"skipped":   sk,
		"duration":  duration.String(),
	}
	if r.report.Verified {
		fields["outstanding"] = r.report.Outstanding
	}
	r.logger.WithFields(fields).Info("Run reported")
}
