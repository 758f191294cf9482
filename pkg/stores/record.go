package stores

import (
	"time"

	"github.com/chalsync/chalsync/pkg/engine"
)

// FromReport converts a pipeline report into journal rows. runErr is the
// error Deploy or Plan returned, if any.
func FromReport(mode string, report *engine.Report, runErr error) (*Run, []*OperationRecord) {
	run := &Run{
		ID:        report.RunID,
		Mode:      mode,
		Selection: report.Selection.String(),
		State:     string(report.State),
		Outcome:   string(report.Outcome),
		StartedAt: report.StartedAt.UTC(),
	}
	if !report.FinishedAt.IsZero() {
		finished := report.FinishedAt.UTC()
		run.FinishedAt = &finished
	}
	if runErr != nil {
		msg := runErr.Error()
		run.Error = &msg
		if gate := engine.GateOf(runErr); gate != "" {
			g := string(gate)
			run.Gate = &g
		}
	}
	if report.Plan != nil && report.Plan.ChangeSet != nil {
		run.Operations = report.Plan.ChangeSet.Len()
	}
	run.Succeeded, run.Failed, run.Skipped = report.Count()
	if report.Verified {
		n := report.Outstanding
		run.Outstanding = &n
	}

	ops := make([]*OperationRecord, 0, len(report.Results))
	for _, r := range report.Results {
		op := &OperationRecord{
			OperationID: r.OperationID,
			Kind:        string(r.Kind),
			Target:      r.Target,
			Status:      string(r.Status),
			DurationMs:  r.Duration.Milliseconds(),
		}
		if r.ErrorKind != "" {
			kind := string(r.ErrorKind)
			op.ErrorKind = &kind
		}
		if r.Message != "" {
			msg := r.Message
			op.Message = &msg
		}
		if !r.StartedAt.IsZero() {
			started := r.StartedAt.UTC()
			op.StartedAt = &started
		}
		ops = append(ops, op)
	}
	return run, ops
}

// Duration is how long the run took, or zero if it never finished.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
