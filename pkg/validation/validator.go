package validation

import (
	"fmt"
	"slices"
	"strings"

	"github.com/chalsync/chalsync/pkg/challenge"
	"github.com/chalsync/chalsync/pkg/telemetry"
)

// Context is what a rule sees: the whole store, for resolving references,
// and the definitions selected for this run.
type Context struct {
	Store    *challenge.Store
	Selected []*challenge.Definition

	selected map[string]bool
}

// IsSelected reports whether id is part of the run.
func (c *Context) IsSelected(id string) bool {
	return c.selected[id]
}

// Rule is a single independent check. Check must not mutate the store.
type Rule interface {
	Name() string
	Check(ctx *Context) []Issue
}

type ruleFunc struct {
	name string
	fn   func(ctx *Context) []Issue
}

func (r ruleFunc) Name() string               { return r.name }
func (r ruleFunc) Check(ctx *Context) []Issue { return r.fn(ctx) }

// NewRule adapts a function into a Rule.
func NewRule(name string, fn func(ctx *Context) []Issue) Rule {
	return ruleFunc{name: name, fn: fn}
}

// Registry is an ordered collection of rules. Rules run in registration
// order and their issues are never interleaved.
type Registry struct {
	rules []Rule
	names map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]bool)}
}

// Register appends a rule. Rule names must be unique.
func (r *Registry) Register(rule Rule) error {
	if rule == nil || rule.Name() == "" {
		return fmt.Errorf("rule must have a name")
	}
	if r.names[rule.Name()] {
		return fmt.Errorf("rule %q already registered", rule.Name())
	}
	r.names[rule.Name()] = true
	r.rules = append(r.rules, rule)
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(rules ...Rule) {
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			panic(err)
		}
	}
}

// Rules returns the registered rules in order.
func (r *Registry) Rules() []Rule {
	return slices.Clone(r.rules)
}

// Names returns the registered rule names in order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.rules))
	for i, rule := range r.rules {
		names[i] = rule.Name()
	}
	return names
}

// Validator runs a registry of rules over a store.
type Validator struct {
	registry *Registry
	logger   *telemetry.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithRegistry replaces the default rule set.
func WithRegistry(r *Registry) Option {
	return func(v *Validator) { v.registry = r }
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// New creates a validator with the default rules unless overridden.
func New(opts ...Option) *Validator {
	v := &Validator{}
	for _, o := range opts {
		o(v)
	}
	if v.registry == nil {
		v.registry = DefaultRegistry()
	}
	if v.logger == nil {
		v.logger = telemetry.NewNopLogger()
	}
	v.logger = v.logger.NewComponentLogger("validator")
	return v
}

// Validate runs every rule and returns their issues concatenated in rule
// order. Within a rule, issues are ordered by challenge id with
// repository-wide issues first. Identical input yields identical output.
func (v *Validator) Validate(store *challenge.Store, sel challenge.Selection) []Issue {
	managed, _ := store.Select(sel)

	ctx := &Context{
		Store:    store,
		selected: make(map[string]bool, len(managed)),
	}
	for _, id := range managed {
		ctx.selected[id] = true
		d, _ := store.Get(id)
		ctx.Selected = append(ctx.Selected, d)
	}

	var issues []Issue
	for _, rule := range v.registry.rules {
		found := rule.Check(ctx)
		for i := range found {
			found[i].Rule = rule.Name()
		}
		slices.SortStableFunc(found, func(a, b Issue) int {
			return strings.Compare(a.ChallengeID, b.ChallengeID)
		})
		issues = append(issues, found...)
	}

	errs, warnings := Count(issues)
	v.logger.WithFields(map[string]interface{}{
		"challenges": len(ctx.Selected),
		"rules":      len(v.registry.rules),
		"errors":     errs,
		"warnings":   warnings,
	}).Debug("Validation completed")

	return issues
}

// Registry returns the rules this validator runs.
func (v *Validator) Registry() *Registry {
	return v.registry
}
