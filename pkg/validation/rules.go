package validation

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/chalsync/chalsync/pkg/challenge"
)

// Rule names, in default registration order.
const (
	RuleRequiredFields        = "required-fields"
	RuleIDFormat              = "id-format"
	RuleIDUnique              = "id-unique"
	RuleFlagFormat            = "flag-format"
	RulePrerequisiteReference = "prerequisite-reference"
	RulePrerequisiteAcyclic   = "prerequisite-acyclic"
	RuleFileReference         = "file-reference"
	RuleCategoryExists        = "category-exists"
	RulePointValue            = "point-value"
	RuleMetadataStyle         = "metadata-style"
)

var idPattern = regexp.MustCompile(`^[a-z0-9_-]{2,}$`)

// DefaultRegistry returns the built-in rule set.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(
		NewRule(RuleRequiredFields, newRequiredFieldsRule()),
		NewRule(RuleIDFormat, checkIDFormat),
		NewRule(RuleIDUnique, checkIDUnique),
		NewRule(RuleFlagFormat, checkFlagFormat),
		NewRule(RulePrerequisiteReference, checkPrerequisiteReferences),
		NewRule(RulePrerequisiteAcyclic, checkPrerequisiteCycles),
		NewRule(RuleFileReference, checkFileReferences),
		NewRule(RuleCategoryExists, checkCategoryExists),
		NewRule(RulePointValue, checkPointValue),
		NewRule(RuleMetadataStyle, checkMetadataStyle),
	)
	return r
}

// newRequiredFieldsRule checks struct tags on every loaded definition,
// duplicates included, with field names reported as they appear in JSON.
func newRequiredFieldsRule() func(ctx *Context) []Issue {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return func(ctx *Context) []Issue {
		var issues []Issue
		for _, d := range ctx.Store.All() {
			if d.ID != "" && !ctx.IsSelected(d.ID) {
				continue
			}
			err := validate.Struct(d)
			if err == nil {
				continue
			}
			var verrs validator.ValidationErrors
			if !errors.As(err, &verrs) {
				issues = append(issues, Errorf(d.ID, KindMissingField, "%v", err))
				continue
			}
			for _, fe := range verrs {
				issues = append(issues, fieldIssue(d, fe))
			}
		}
		return issues
	}
}

func fieldIssue(d *challenge.Definition, fe validator.FieldError) Issue {
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}

	where := ""
	if d.ID == "" && d.Source != "" {
		where = fmt.Sprintf(" (in %s)", d.Source)
	}

	switch fe.Tag() {
	case "required":
		return Errorf(d.ID, KindMissingField, "%s is required%s", field, where)
	case "min":
		return Errorf(d.ID, KindMissingField, "%s needs at least %s entr%s%s", field, fe.Param(), plural(fe.Param()), where)
	case "oneof":
		return Errorf(d.ID, KindInvalidValue, "%s is %q, must be one of [%s]%s", field, fmt.Sprint(fe.Value()), fe.Param(), where)
	case "gte":
		return Errorf(d.ID, KindInvalidValue, "%s must be >= %s%s", field, fe.Param(), where)
	default:
		return Errorf(d.ID, KindInvalidValue, "%s failed %q check%s", field, fe.Tag(), where)
	}
}

func plural(n string) string {
	if n == "1" {
		return "y"
	}
	return "ies"
}

func checkIDFormat(ctx *Context) []Issue {
	var issues []Issue
	for _, d := range ctx.Selected {
		if d.ID != "" && !idPattern.MatchString(d.ID) {
			issues = append(issues, Errorf(d.ID, KindInvalidID,
				"id must be at least 2 characters of lowercase letters, digits, '-' or '_'"))
		}
	}
	return issues
}

func checkIDUnique(ctx *Context) []Issue {
	var issues []Issue
	for id, extra := range ctx.Store.Duplicates() {
		if !ctx.IsSelected(id) {
			continue
		}
		var sources []string
		for _, d := range ctx.Store.All() {
			if d.ID == id && d.Source != "" {
				sources = append(sources, d.Source)
			}
		}
		msg := fmt.Sprintf("id is defined %d times", extra+1)
		if len(sources) > 0 {
			msg += " (" + strings.Join(sources, ", ") + ")"
		}
		issues = append(issues, Errorf(id, KindDuplicateID, "%s", msg))
	}
	return issues
}

func checkFlagFormat(ctx *Context) []Issue {
	var issues []Issue

	var format *regexp.Regexp
	if pattern := ctx.Store.Options().FlagFormat; pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			issues = append(issues, Errorf("", KindInvalidFlagFormat,
				"configured flag format %q is not a valid regular expression: %v", pattern, err))
		} else {
			format = re
		}
	}

	for _, d := range ctx.Selected {
		for i, f := range d.Flags {
			if f.Value == "" {
				continue
			}
			if strings.TrimSpace(f.Value) != f.Value {
				issues = append(issues, Errorf(d.ID, KindInvalidFlagFormat,
					"flags[%d] has leading or trailing whitespace", i))
				continue
			}
			switch f.Mode {
			case challenge.FlagModeRegex:
				if _, err := regexp.Compile(f.Value); err != nil {
					issues = append(issues, Errorf(d.ID, KindInvalidFlagFormat,
						"flags[%d] is not a valid regular expression: %v", i, err))
				}
			case challenge.FlagModeStatic:
				if format != nil && !format.MatchString(f.Value) {
					issues = append(issues, Errorf(d.ID, KindInvalidFlagFormat,
						"flags[%d] does not match the flag format %s", i, format))
				}
			}
		}
	}
	return issues
}

func checkPrerequisiteReferences(ctx *Context) []Issue {
	var issues []Issue
	for _, d := range ctx.Selected {
		for _, p := range d.Prerequisites {
			if p == d.ID {
				// Reported as a cycle.
				continue
			}
			if !ctx.Store.Has(p) {
				issues = append(issues, Errorf(d.ID, KindBrokenReference,
					"prerequisite %q does not exist", p))
			}
		}
	}
	return issues
}

// checkPrerequisiteCycles reports every cycle in the local prerequisite
// graph. Acyclicity holds for the whole store, not only the selection.
func checkPrerequisiteCycles(ctx *Context) []Issue {
	var issues []Issue
	for _, cycle := range ctx.Store.Graph().FindCycles() {
		issues = append(issues, Errorf(cycle[0], KindCyclicPrerequisite,
			"prerequisite cycle: %s", challenge.FormatCycle(cycle)))
	}
	return issues
}

func checkFileReferences(ctx *Context) []Issue {
	fsys := ctx.Store.Options().Files
	if fsys == nil {
		return nil
	}

	var issues []Issue
	for _, d := range ctx.Selected {
		for _, f := range d.Files {
			if f.Path == "" {
				issues = append(issues, Errorf(d.ID, KindMissingField, "file %q has no path", f.Name))
				continue
			}
			p := path.Clean(strings.ReplaceAll(f.Path, "\\", "/"))
			if !fs.ValidPath(p) {
				issues = append(issues, Errorf(d.ID, KindBrokenReference,
					"file %q must be a relative path inside the repository", f.Path))
				continue
			}
			info, err := fs.Stat(fsys, p)
			switch {
			case err != nil:
				issues = append(issues, Errorf(d.ID, KindBrokenReference, "file %q not found", f.Path))
			case info.IsDir():
				issues = append(issues, Errorf(d.ID, KindBrokenReference, "file %q is a directory", f.Path))
			}
		}
	}
	return issues
}

func checkCategoryExists(ctx *Context) []Issue {
	categories := ctx.Store.Categories()
	if len(categories) == 0 {
		return nil
	}

	var issues []Issue
	for _, d := range ctx.Selected {
		if d.Category != "" && !slices.Contains(categories, d.Category) {
			issues = append(issues, Errorf(d.ID, KindBrokenReference,
				"category %q is not defined in the repository config", d.Category))
		}
	}
	return issues
}

func checkPointValue(ctx *Context) []Issue {
	threshold := ctx.Store.Options().LowPointThreshold

	var issues []Issue
	for _, d := range ctx.Selected {
		switch {
		case d.Value < 0:
			issues = append(issues, Errorf(d.ID, KindInvalidValue, "point value %d is negative", d.Value))
		case d.Value == 0:
			issues = append(issues, Warnf(d.ID, KindStyle, "challenge awards no points"))
		case threshold > 0 && d.Value < threshold:
			issues = append(issues, Warnf(d.ID, KindStyle,
				"point value %d is below the usual minimum of %d", d.Value, threshold))
		}
	}
	return issues
}

func checkMetadataStyle(ctx *Context) []Issue {
	var issues []Issue
	for _, d := range ctx.Selected {
		if d.Name == "" {
			issues = append(issues, Warnf(d.ID, KindStyle, "no display name, the id will be shown to players"))
		}
		if strings.TrimSpace(d.Description) == "" {
			issues = append(issues, Warnf(d.ID, KindStyle, "no description"))
		}
		if d.Difficulty == "" || d.Difficulty == challenge.DifficultyUndefined {
			issues = append(issues, Warnf(d.ID, KindStyle, "difficulty is undefined"))
		}
	}
	return issues
}
