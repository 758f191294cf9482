// Package validation checks a challenge store against an ordered set of
// registered rules and reports every problem found.
package validation

import (
	"fmt"
	"slices"
	"strings"
)

// Severity is how serious an issue is.
type Severity string

const (
	// SeverityError blocks deployment.
	SeverityError Severity = "error"

	// SeverityWarning is reported but does not block deployment.
	SeverityWarning Severity = "warning"
)

// Kind classifies an issue for programmatic handling.
type Kind string

const (
	KindMissingField       Kind = "MissingField"
	KindDuplicateID        Kind = "DuplicateId"
	KindBrokenReference    Kind = "BrokenReference"
	KindInvalidFlagFormat  Kind = "InvalidFlagFormat"
	KindCyclicPrerequisite Kind = "CyclicPrerequisite"
	KindUnresolvableDelete Kind = "UnresolvableDelete"
	KindInvalidID          Kind = "InvalidId"
	KindInvalidValue       Kind = "InvalidValue"
	KindStyle              Kind = "Style"

	// KindInvalidFile is a challenge file that could not be read or parsed.
	KindInvalidFile Kind = "InvalidFile"
)

// Issue is a single finding.
type Issue struct {
	Severity Severity `json:"severity"`

	// ChallengeID is empty for repository-wide issues.
	ChallengeID string `json:"challenge_id,omitempty"`

	Rule    string `json:"rule"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// String renders the issue on one line.
func (i Issue) String() string {
	target := i.ChallengeID
	if target == "" {
		target = "<repository>"
	}
	return fmt.Sprintf("%s [%s] %s: %s", i.Severity, i.Rule, target, i.Message)
}

// Errorf builds an error-severity issue.
func Errorf(id string, kind Kind, format string, args ...any) Issue {
	return Issue{Severity: SeverityError, ChallengeID: id, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Warnf builds a warning-severity issue.
func Warnf(id string, kind Kind, format string, args ...any) Issue {
	return Issue{Severity: SeverityWarning, ChallengeID: id, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	return slices.ContainsFunc(issues, func(i Issue) bool { return i.Severity == SeverityError })
}

// Count returns the number of errors and warnings.
func Count(issues []Issue) (errs, warnings int) {
	for _, i := range issues {
		switch i.Severity {
		case SeverityError:
			errs++
		case SeverityWarning:
			warnings++
		}
	}
	return errs, warnings
}

// Filter returns the issues with the given severity.
func Filter(issues []Issue, severity Severity) []Issue {
	var out []Issue
	for _, i := range issues {
		if i.Severity == severity {
			out = append(out, i)
		}
	}
	return out
}

// Summary renders "N error(s), M warning(s)".
func Summary(issues []Issue) string {
	errs, warnings := Count(issues)
	var b strings.Builder
	fmt.Fprintf(&b, "%d error(s), %d warning(s)", errs, warnings)
	return b.String()
}
