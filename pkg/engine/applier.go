package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/chalsync/chalsync/pkg/platform"
	"github.com/chalsync/chalsync/pkg/telemetry"
)

// errNoFileSource is returned for uploads when the applier has no file system.
var errNoFileSource = errors.New("no file source configured")

// Applier executes a ChangeSet against the platform.
//
// At most Options.Writes operations are in flight. Whenever a slot is free
// the earliest operation in change set order whose dependencies have all
// succeeded is started; an operation still waiting on a dependency holds no
// slot. An operation with a failed or skipped dependency is skipped. Mutations are attempted exactly
// once: a failed write is reported, never retried.
type Applier struct {
	client platform.Client
	opts   Options
	files  fs.FS
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// NewApplier creates an applier. files resolves attachment paths for
// uploads. A nil tel disables telemetry.
func NewApplier(client platform.Client, opts Options, files fs.FS, tel *telemetry.Telemetry) *Applier {
	tel = tel.OrNop()
	return &Applier{
		client: client,
		opts:   opts.withDefaults(),
		files:  files,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("applier"),
	}
}

// Apply runs every operation of cs and returns one result per operation,
// in change set order.
//
// Cancelling ctx stops dispatch: operations already in flight complete
// with their own request timeout and the rest are reported as skipped.
func (a *Applier) Apply(ctx context.Context, runID string, cs *ChangeSet) []OperationResult {
	if cs == nil || cs.IsEmpty() {
		return nil
	}

	if telemetry.FromTelemetryContext(ctx) == nil {
		ctx = a.tel.WithContext(ctx)
	}

	logger := a.logger.WithRunID(runID)
	ops := cs.Operations
	results := make([]OperationResult, len(ops))
	index := make(map[string]int, len(ops))
	for i, op := range ops {
		index[op.ID] = i
	}

	// state is only touched by this goroutine. A result is read once its
	// operation is finished, after the worker handed it back on completed.
	state := make([]opState, len(ops))
	completed := make(chan int)
	pending := len(ops)
	inFlight := 0
	cancelled := ctx.Done()

	skip := func(i int, reason string) {
		results[i] = skippedResult(&ops[i], reason)
		a.finish(runID, &ops[i], &results[i])
		state[i] = opFinished
		pending--
	}

	for pending > 0 || inFlight > 0 {
		if ctx.Err() != nil && pending > 0 {
			for i := range ops {
				if state[i] == opPending {
					skip(i, "cancelled")
				}
			}
			continue
		}

		// Dependencies only point backwards, so one pass in change set
		// order settles every skip a failure cascades into.
		for i := 0; i < len(ops) && pending > 0; i++ {
			if state[i] != opPending {
				continue
			}
			ready, reason := dependencyState(&ops[i], state, index, results)
			if reason != "" {
				skip(i, reason)
				continue
			}
			if !ready || inFlight >= a.opts.Writes {
				continue
			}

			state[i] = opRunning
			pending--
			inFlight++
			go func(i int) {
				results[i] = a.execute(ctx, runID, &ops[i])
				a.finish(runID, &ops[i], &results[i])
				completed <- i
			}(i)
		}

		if inFlight == 0 {
			// Nothing runs and nothing could start: the rest wait on
			// operations that can never finish.
			for i := range ops {
				if state[i] == opPending {
					skip(i, "unresolvable dependency")
				}
			}
			continue
		}

		select {
		case i := <-completed:
			state[i] = opFinished
			inFlight--
		case <-cancelled:
			cancelled = nil
		}
	}

	s, f, sk := countResults(results)
	logger.WithFields(map[string]interface{}{
		"succeeded": s,
		"failed":    f,
		"skipped":   sk,
	}).Info("Change set applied")

	return results
}

type opState int

const (
	opPending opState = iota
	opRunning
	opFinished
)

// dependencyState reports whether every dependency of op has succeeded, or
// a skip reason once one of them finished without success.
func dependencyState(op *Operation, state []opState, index map[string]int, results []OperationResult) (bool, string) {
	ready := true
	for _, dep := range op.DependsOn {
		j, ok := index[dep]
		if !ok {
			return false, fmt.Sprintf("dependency %s not in change set", dep)
		}
		if state[j] != opFinished {
			ready = false
			continue
		}
		if st := results[j].Status; st != ResultSucceeded {
			return false, fmt.Sprintf("dependency %s %s", dep, st)
		}
	}
	return ready, ""
}

// execute performs one mutation. The call is detached from ctx
// cancellation so a started write is never torn down halfway; it is still
// bounded by the request timeout.
func (a *Applier) execute(ctx context.Context, runID string, op *Operation) OperationResult {
	res := OperationResult{
		OperationID: op.ID,
		Kind:        op.Kind,
		Target:      op.Target,
		StartedAt:   time.Now(),
	}

	_ = a.tel.Events.PublishOperationStarted(runID, op.ID, op.Target, string(op.Kind))
	a.tel.Metrics.MutationStarted()
	defer a.tel.Metrics.MutationFinished()

	spanCtx, span := a.tel.Tracer.StartOperationSpan(ctx, op.ID, string(op.Kind), op.Target)
	defer span.End()

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(spanCtx), a.opts.RequestTimeout)
	defer cancel()

	err := a.call(callCtx, op)
	res.Duration = time.Since(res.StartedAt)

	if err != nil {
		res.Status = ResultFailed
		res.Err = err
		res.Message = err.Error()
		res.ErrorKind = platform.KindOf(err)
		telemetry.RecordError(span, err)
		return res
	}

	telemetry.RecordSuccess(span)
	res.Status = ResultSucceeded
	return res
}

// call dispatches op to the matching client method.
func (a *Applier) call(ctx context.Context, op *Operation) error {
	switch op.Kind {
	case OpCreate:
		return a.remote(ctx, op, func(ctx context.Context) error {
			return a.client.CreateChallenge(ctx, *op.Definition)
		})
	case OpUpdate:
		return a.remote(ctx, op, func(ctx context.Context) error {
			return a.client.UpdateChallenge(ctx, op.Target, *op.Patch)
		})
	case OpSetPrerequisites:
		return a.remote(ctx, op, func(ctx context.Context) error {
			return a.client.SetPrerequisites(ctx, op.Target, op.Prerequisites)
		})
	case OpSetFlags:
		return a.remote(ctx, op, func(ctx context.Context) error {
			return a.client.SetFlags(ctx, op.Target, op.Flags)
		})
	case OpSetHints:
		return a.remote(ctx, op, func(ctx context.Context) error {
			return a.client.SetHints(ctx, op.Target, op.Hints)
		})
	case OpSetTags:
		return a.remote(ctx, op, func(ctx context.Context) error {
			return a.client.SetTags(ctx, op.Target, op.Tags)
		})
	case OpUploadFile:
		return a.upload(ctx, op)
	case OpDelete:
		return a.remote(ctx, op, func(ctx context.Context) error {
			return a.client.DeleteChallenge(ctx, op.Target)
		})
	}
	return fmt.Errorf("unknown operation kind %q", op.Kind)
}

// remote wraps one platform call with telemetry and error classification.
func (a *Applier) remote(ctx context.Context, op *Operation, fn func(ctx context.Context) error) error {
	method := methodFor(op.Kind)
	return telemetry.RecordRemoteCall(ctx, method, op.Target, kindLabel, func(ctx context.Context) error {
		return platform.Classify(method, op.Target, fn(ctx))
	})
}

// upload opens the attachment locally before calling the platform; a local
// failure carries no remote error kind.
func (a *Applier) upload(ctx context.Context, op *Operation) error {
	if a.files == nil {
		return errNoFileSource
	}
	f, err := a.files.Open(op.File.Path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", op.File.Path, err)
	}
	defer f.Close()

	return a.remote(ctx, op, func(ctx context.Context) error {
		return a.client.UploadFile(ctx, op.Target, platform.FileUpload{
			Name:    op.File.Name,
			SHA1:    op.File.SHA1,
			Content: f,
		})
	})
}

// finish records metrics, events and the log line for a completed result.
func (a *Applier) finish(runID string, op *Operation, res *OperationResult) {
	a.tel.Metrics.RecordOperation(string(op.Kind), string(res.Status), res.Duration)

	detail := res.Message
	if res.ErrorKind != "" {
		detail = string(res.ErrorKind) + ": " + detail
	}
	_ = a.tel.Events.PublishOperationFinished(runID, op.ID, op.Target, string(op.Kind), string(res.Status), detail, res.Duration)

	logger := a.logger.WithRunID(runID).WithOperationID(op.ID).WithChallengeID(op.Target)
	switch res.Status {
	case ResultSucceeded:
		logger.WithField("duration", res.Duration.String()).Debug("Operation succeeded")
	case ResultFailed:
		logger.WithField("error_kind", string(res.ErrorKind)).WithError(res.Err).Warn("Operation failed")
	case ResultSkipped:
		logger.WithField("reason", res.Message).Info("Operation skipped")
	}
}

func skippedResult(op *Operation, reason string) OperationResult {
	return OperationResult{
		OperationID: op.ID,
		Kind:        op.Kind,
		Target:      op.Target,
		Status:      ResultSkipped,
		Message:     reason,
	}
}

func methodFor(kind OperationKind) string {
	switch kind {
	case OpCreate:
		return platform.MethodCreateChallenge
	case OpUpdate:
		return platform.MethodUpdateChallenge
	case OpSetPrerequisites:
		return platform.MethodSetPrerequisites
	case OpSetFlags:
		return platform.MethodSetFlags
	case OpSetHints:
		return platform.MethodSetHints
	case OpSetTags:
		return platform.MethodSetTags
	case OpUploadFile:
		return platform.MethodUploadFile
	case OpDelete:
		return platform.MethodDeleteChallenge
	}
	return string(kind)
}

func countResults(results []OperationResult) (succeeded, failed, skipped int) {
	r := Report{Results: results}
	return r.Count()
}
