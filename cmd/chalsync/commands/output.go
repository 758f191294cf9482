package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/chalsync/chalsync/pkg/challenge"
	"github.com/chalsync/chalsync/pkg/engine"
	"github.com/chalsync/chalsync/pkg/validation"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#2196F3"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#e53935"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC107"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BC34A"))
	mutedStyle   = lipgloss.NewStyle().Faint(true)
)

// kindStyles colour operations by effect.
var kindStyles = map[engine.OperationKind]lipgloss.Style{
	engine.OpCreate: successStyle,
	engine.OpDelete: errorStyle,
	engine.OpUpdate: warningStyle,
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

// printIssues lists issues grouped by severity, errors first.
func printIssues(w io.Writer, issues []validation.Issue) {
	if len(issues) == 0 {
		fmt.Fprintln(w, successStyle.Render("No issues found."))
		return
	}

	t := newTable("Severity", "Challenge", "Kind", "Message")
	for _, severity := range []validation.Severity{validation.SeverityError, validation.SeverityWarning} {
		for _, is := range validation.Filter(issues, severity) {
			id := is.ChallengeID
			if id == "" {
				id = "(repository)"
			}
			t.Row(severityLabel(is.Severity), id, string(is.Kind), is.Message)
		}
	}
	fmt.Fprintln(w, t.Render())
	fmt.Fprintln(w, validation.Summary(issues))
}

func severityLabel(s validation.Severity) string {
	if s == validation.SeverityError {
		return errorStyle.Render(string(s))
	}
	return warningStyle.Render(string(s))
}

// printPlan renders the pending change set.
func printPlan(w io.Writer, plan *engine.Plan) {
	if plan == nil || plan.ChangeSet == nil {
		return
	}
	cs := plan.ChangeSet

	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Pending changes (%s)", plan.Selection)))
	if cs.IsEmpty() {
		fmt.Fprintln(w, successStyle.Render("No changes are required."))
	} else {
		t := newTable("#", "Operation", "Challenge", "Details")
		for i, op := range cs.Operations {
			t.Row(fmt.Sprint(i+1), styledKind(op.Kind), op.Target, operationDetails(&op))
		}
		fmt.Fprintln(w, t.Render())
		fmt.Fprintln(w, kindSummary(cs.CountByKind()))
	}

	for _, s := range cs.Skipped {
		fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("not deleting %s: %s", s.ID, s.Reason)))
	}
	for _, is := range plan.Warnings {
		fmt.Fprintln(w, warningStyle.Render("warning: ")+is.String())
	}
	printViolations(w, plan.Violations)
}

func printViolations(w io.Writer, violations []engine.PolicyViolation) {
	for _, v := range violations {
		style := warningStyle
		if v.IsBlocking() {
			style = errorStyle
		}
		target := ""
		if v.ChallengeID != "" {
			target = " [" + v.ChallengeID + "]"
		}
		fmt.Fprintf(w, "%s %s%s: %s\n", style.Render("policy "+v.Severity), v.Policy, target, v.Message)
	}
}

func styledKind(kind engine.OperationKind) string {
	if style, ok := kindStyles[kind]; ok {
		return style.Render(string(kind))
	}
	return string(kind)
}

// operationDetails describes what an operation changes.
func operationDetails(op *engine.Operation) string {
	switch op.Kind {
	case engine.OpCreate:
		if op.Definition != nil {
			return fmt.Sprintf("%q in %s, %d points, %s", op.Definition.DisplayName(), op.Definition.Category,
				op.Definition.Value, op.Definition.Visibility)
		}
	case engine.OpUpdate:
		fields := make([]string, 0, len(op.Changes))
		for f := range op.Changes {
			fields = append(fields, string(f))
		}
		sort.Strings(fields)
		lines := make([]string, 0, len(fields))
		for _, f := range fields {
			lines = append(lines, fmt.Sprintf("%s: %s", f, op.Changes[challenge.Field(f)]))
		}
		return strings.Join(lines, "\n")
	case engine.OpSetFlags:
		return fmt.Sprintf("%d flag(s)", len(op.Flags))
	case engine.OpSetHints:
		return fmt.Sprintf("%d hint(s)", len(op.Hints))
	case engine.OpSetTags:
		if len(op.Tags) == 0 {
			return "none"
		}
		return strings.Join(op.Tags, ", ")
	case engine.OpUploadFile:
		if op.File != nil {
			return fmt.Sprintf("%s (sha1 %.12s)", op.File.Name, op.File.SHA1)
		}
	case engine.OpSetPrerequisites:
		if len(op.Prerequisites) == 0 {
			return "none"
		}
		return strings.Join(op.Prerequisites, ", ")
	case engine.OpDelete:
		if op.Visible {
			return errorStyle.Render("visible to players")
		}
	}
	return ""
}

func kindSummary(counts map[engine.OperationKind]int) string {
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	slices.Sort(kinds)

	parts := make([]string, 0, len(kinds))
	total := 0
	for _, k := range kinds {
		n := counts[engine.OperationKind(k)]
		total += n
		parts = append(parts, fmt.Sprintf("%d %s", n, k))
	}
	return fmt.Sprintf("%d operation(s): %s", total, strings.Join(parts, ", "))
}

// printReport summarises a deploy.
func printReport(w io.Writer, report *engine.Report) {
	succeeded, failed, skipped := report.Count()

	if failed > 0 || skipped > 0 {
		t := newTable("Operation", "Challenge", "Status", "Reason")
		for _, r := range report.Results {
			if r.Status == engine.ResultSucceeded {
				continue
			}
			status := warningStyle.Render(string(r.Status))
			if r.Status == engine.ResultFailed {
				status = errorStyle.Render(string(r.Status))
			}
			t.Row(string(r.Kind), r.Target, status, r.Message)
		}
		fmt.Fprintln(w, t.Render())
	}

	summary := fmt.Sprintf("Run %s %s: %d succeeded, %d failed, %d skipped",
		report.RunID, report.Outcome, succeeded, failed, skipped)
	switch report.Outcome {
	case engine.OutcomeSucceeded, engine.OutcomeNoChanges:
		fmt.Fprintln(w, successStyle.Render(summary))
	default:
		fmt.Fprintln(w, warningStyle.Render(summary))
		fmt.Fprintf(w, "Not converged: %s. Run deploy again to retry.\n", strings.Join(report.Unfinished(), ", "))
	}

	if report.Verified {
		switch {
		case report.VerifyError != "":
			fmt.Fprintln(w, warningStyle.Render("Verification failed: "+report.VerifyError))
		case report.Outstanding == 0:
			fmt.Fprintln(w, successStyle.Render("Verified: remote state matches local definitions."))
		default:
			fmt.Fprintln(w, warningStyle.Render(fmt.Sprintf("Verified: %d operation(s) still outstanding.", report.Outstanding)))
		}
	}
}
