package engine

import (
	"fmt"
	"slices"
	"time"

	"github.com/chalsync/chalsync/pkg/challenge"
	"github.com/chalsync/chalsync/pkg/platform"
	"github.com/chalsync/chalsync/pkg/validation"
)

// Operation is one mutation of remote state. Only the payload fields that
// belong to Kind are set.
type Operation struct {
	// ID is deterministic: "<kind>:<target>" or "<kind>:<target>:<file>".
	ID string `json:"id"`

	// Kind is what the operation does.
	Kind OperationKind `json:"kind"`

	// Target is the challenge id the operation applies to.
	Target string `json:"target"`

	// Definition is the base record for OpCreate.
	Definition *challenge.Definition `json:"definition,omitempty"`

	// Patch holds the changed fields for OpUpdate.
	Patch *challenge.Patch `json:"patch,omitempty"`

	// Changes describes each changed field as "old -> new" for display.
	Changes map[challenge.Field]string `json:"changes,omitempty"`

	Flags         []challenge.Flag `json:"flags,omitempty"`
	Hints         []challenge.Hint `json:"hints,omitempty"`
	File          *challenge.File  `json:"file,omitempty"`
	Prerequisites []string         `json:"prerequisites,omitempty"`
	Tags          []string         `json:"tags,omitempty"`

	// Visible is set on OpDelete when the challenge is visible to players.
	Visible bool `json:"visible,omitempty"`

	// DependsOn lists ids of earlier operations that must succeed first.
	DependsOn []string `json:"depends_on,omitempty"`
}

// String renders the operation for plans and logs.
func (o *Operation) String() string {
	switch o.Kind {
	case OpUpdate:
		return fmt.Sprintf("%s %s (%s)", o.Kind, o.Target, o.Patch)
	case OpUploadFile:
		return fmt.Sprintf("%s %s %s", o.Kind, o.Target, o.File.Name)
	case OpSetPrerequisites:
		return fmt.Sprintf("%s %s -> %v", o.Kind, o.Target, o.Prerequisites)
	default:
		return fmt.Sprintf("%s %s", o.Kind, o.Target)
	}
}

func operationID(kind OperationKind, target string, extra ...string) string {
	id := string(kind) + ":" + target
	for _, e := range extra {
		id += ":" + e
	}
	return id
}

// SkippedDelete is a remote challenge that would be deleted but is not.
type SkippedDelete struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// ChangeSet is the ordered, dependency-safe list of operations that
// converges remote state to local state. It is read-only once built.
type ChangeSet struct {
	Operations []Operation `json:"operations"`

	// Skipped lists protected remote challenges that were not deleted.
	Skipped []SkippedDelete `json:"skipped,omitempty"`

	index map[string]int
}

func newChangeSet(ops []Operation, skipped []SkippedDelete) *ChangeSet {
	cs := &ChangeSet{Operations: ops, Skipped: skipped, index: make(map[string]int, len(ops))}
	for i, op := range ops {
		cs.index[op.ID] = i
	}
	return cs
}

// Len returns the number of operations.
func (cs *ChangeSet) Len() int {
	return len(cs.Operations)
}

// IsEmpty reports whether there is nothing to apply.
func (cs *ChangeSet) IsEmpty() bool {
	return len(cs.Operations) == 0
}

// Get returns the operation with the given id.
func (cs *ChangeSet) Get(id string) (*Operation, bool) {
	i, ok := cs.index[id]
	if !ok {
		return nil, false
	}
	return &cs.Operations[i], true
}

// CountByKind returns the number of operations of each kind.
func (cs *ChangeSet) CountByKind() map[OperationKind]int {
	counts := make(map[OperationKind]int)
	for _, op := range cs.Operations {
		counts[op.Kind]++
	}
	return counts
}

// Targets returns the distinct challenge ids touched, sorted.
func (cs *ChangeSet) Targets() []string {
	var ids []string
	for _, op := range cs.Operations {
		ids = append(ids, op.Target)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// OperationResult is the outcome of one Operation.
type OperationResult struct {
	OperationID string        `json:"operation_id"`
	Kind        OperationKind `json:"kind"`
	Target      string        `json:"target"`
	Status      ResultStatus  `json:"status"`

	// ErrorKind classifies a failure; empty on success.
	ErrorKind platform.ErrorKind `json:"error_kind,omitempty"`

	// Message is the failure or skip reason.
	Message string `json:"message,omitempty"`

	// Err is the error returned by the platform, for failed operations.
	Err error `json:"-"`

	StartedAt time.Time     `json:"started_at,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Plan is what the confirmation callback is asked to approve.
type Plan struct {
	RunID     string              `json:"run_id"`
	Selection challenge.Selection `json:"selection"`
	ChangeSet *ChangeSet          `json:"change_set"`

	// Warnings from validation and diffing.
	Warnings []validation.Issue `json:"warnings,omitempty"`

	// Violations are non-blocking policy findings.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Remote is the snapshot the change set was computed against.
	Remote *Snapshot `json:"-"`
}

// Report is the result of a deploy run.
type Report struct {
	RunID     string              `json:"run_id"`
	Selection challenge.Selection `json:"selection"`
	State     PipelineState       `json:"state"`
	Outcome   Outcome             `json:"outcome"`

	// Transitions lists every state the run entered, in order.
	Transitions []PipelineState `json:"transitions"`

	Plan    *Plan             `json:"plan,omitempty"`
	Results []OperationResult `json:"results,omitempty"`

	// Verified is set when remote state was re-read after apply;
	// Outstanding is then the size of the fresh change set.
	Verified    bool   `json:"verified"`
	Outstanding int    `json:"outstanding"`
	VerifyError string `json:"verify_error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Count returns the number of results with each status.
func (r *Report) Count() (succeeded, failed, skipped int) {
	for _, res := range r.Results {
		switch res.Status {
		case ResultSucceeded:
			succeeded++
		case ResultFailed:
			failed++
		case ResultSkipped:
			skipped++
		}
	}
	return succeeded, failed, skipped
}

// Unfinished returns the targets of failed or skipped operations, sorted.
func (r *Report) Unfinished() []string {
	var ids []string
	for _, res := range r.Results {
		if res.Status != ResultSucceeded {
			ids = append(ids, res.Target)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

func outcomeOf(results []OperationResult) Outcome {
	if len(results) == 0 {
		return OutcomeNoChanges
	}
	for _, r := range results {
		if r.Status != ResultSucceeded {
			return OutcomePartial
		}
	}
	return OutcomeSucceeded
}
