package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are shown with the plan.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the deploy.
	SeverityError Severity = "error"

	// SeverityCritical blocks the deploy.
	SeverityCritical Severity = "critical"
)

// IsBlocking reports whether violations of this severity abort a deploy.
func (s Severity) IsBlocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a named Rego module. Its package must define a "deny" set.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with chalsync.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`

	Tags []string `json:"tags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Result is the outcome of evaluating every enabled policy against one input.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists all findings, sorted by policy, challenge and message.
	Violations []Violation `json:"violations,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []EvaluationError `json:"errors,omitempty"`

	EvaluatedAt       time.Time     `json:"evaluated_at"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Violation is a single deny result.
type Violation struct {
	Policy      string   `json:"policy"`
	ChallengeID string   `json:"challenge_id,omitempty"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
}

// EvaluationError records a policy whose query failed.
type EvaluationError struct {
	Policy string `json:"policy"`
	Err    error  `json:"-"`
}

func (e EvaluationError) Error() string {
	return "policy " + e.Policy + ": " + e.Err.Error()
}

func (e EvaluationError) Unwrap() error {
	return e.Err
}

// PolicyInput is the document exposed to Rego as "input".
type PolicyInput struct {
	RunID     string `json:"run_id"`
	Selection string `json:"selection"`

	// MaxDeletes is the configured limit on deletions per deploy; zero
	// disables the mass-delete policy.
	MaxDeletes int `json:"max_deletes"`

	Operations []OperationInput `json:"operations"`

	// Counts maps operation kinds to the number planned.
	Counts map[string]int `json:"counts"`

	// Skipped lists protected challenges left in place.
	Skipped []string `json:"skipped"`

	Context *PolicyContext `json:"context"`
}

// OperationInput describes one planned operation.
type OperationInput struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Target string `json:"target"`

	// Visible is true when the target is currently visible to players.
	Visible bool `json:"visible"`

	// Fields are the patched fields of an update.
	Fields []string `json:"fields,omitempty"`

	// Changes maps patched fields to "old -> new".
	Changes map[string]string `json:"changes,omitempty"`

	// ValueFrom and ValueTo are set when an update changes the point value.
	ValueFrom *int `json:"value_from,omitempty"`
	ValueTo   *int `json:"value_to,omitempty"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Operation is the pipeline step being evaluated, e.g. "plan" or "deploy".
	Operation string `json:"operation,omitempty"`
}
