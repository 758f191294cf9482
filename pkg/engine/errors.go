package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chalsync/chalsync/pkg/validation"
)

// Gate names a point where the pipeline can refuse to continue.
type Gate string

const (
	// GateValidation rejects local state with error-severity issues.
	GateValidation Gate = "validation"

	// GateDiff rejects change sets that cannot be applied safely.
	GateDiff Gate = "diff"

	// GatePolicy rejects change sets that violate a deploy policy.
	GatePolicy Gate = "policy"

	// GateConfirmation is the user's accept/reject decision.
	GateConfirmation Gate = "confirmation"
)

var (
	// ErrRejected matches every gate rejection.
	ErrRejected = errors.New("pipeline rejected")

	// ErrDeclined matches a declined confirmation.
	ErrDeclined = errors.New("deployment declined")
)

// PipelineError is returned when a gate stops the run. No remote mutation
// has happened when it is returned.
type PipelineError struct {
	// Gate is where the run stopped.
	Gate Gate `json:"gate"`

	// Issues are the findings that caused the rejection, if any.
	Issues []validation.Issue `json:"issues,omitempty"`

	// Violations are the policy findings, for the policy gate.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Err is an underlying error, e.g. from a failing confirmation callback.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s gate rejected the run", e.Gate)

	switch {
	case len(e.Issues) > 0:
		errs, _ := validation.Count(e.Issues)
		fmt.Fprintf(&b, ": %d error(s)", errs)
	case len(e.Violations) > 0:
		fmt.Fprintf(&b, ": %d policy violation(s)", len(e.Violations))
	case e.Gate == GateConfirmation && e.Err == nil:
		b.WriteString(": declined")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is matches ErrRejected for every gate and ErrDeclined for a confirmation
// that was answered with no.
func (e *PipelineError) Is(target error) bool {
	switch target {
	case ErrRejected:
		return true
	case ErrDeclined:
		return e.Gate == GateConfirmation && e.Err == nil
	}
	return false
}

// GateOf returns the gate of a PipelineError in err's chain, or "".
func GateOf(err error) Gate {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Gate
	}
	return ""
}
