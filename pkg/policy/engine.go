package policy

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/chalsync/chalsync/pkg/challenge"
	"github.com/chalsync/chalsync/pkg/engine"
)

// DefaultMaxDeletes is the mass-delete limit when none is configured.
const DefaultMaxDeletes = 10

// Engine evaluates Rego policies against deploy plans. It implements
// engine.PolicyChecker.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	logger          zerolog.Logger
	builtinPolicies []Policy
	maxDeletes      int
}

var _ engine.PolicyChecker = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxDeletes sets the mass-delete limit. Zero disables the check.
func WithMaxDeletes(n int) Option {
	return func(e *Engine) { e.maxDeletes = n }
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
		maxDeletes:      DefaultMaxDeletes,
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Check evaluates every enabled policy against the plan's change set.
// A policy that fails to evaluate makes the whole check fail.
func (e *Engine) Check(ctx context.Context, plan *engine.Plan) ([]engine.PolicyViolation, error) {
	result, err := e.Evaluate(ctx, e.InputFor(plan))
	if err != nil {
		return nil, err
	}
	if len(result.Errors) > 0 {
		return nil, result.Errors[0]
	}

	out := make([]engine.PolicyViolation, len(result.Violations))
	for i, v := range result.Violations {
		out[i] = engine.PolicyViolation{
			Policy:      v.Policy,
			Severity:    string(v.Severity),
			Message:     v.Message,
			ChallengeID: v.ChallengeID,
		}
	}
	return out, nil
}

// InputFor builds the Rego input document for a plan.
func (e *Engine) InputFor(plan *engine.Plan) *PolicyInput {
	input := &PolicyInput{
		RunID:      plan.RunID,
		Selection:  plan.Selection.String(),
		MaxDeletes: e.maxDeletes,
		Operations: []OperationInput{},
		Counts:     map[string]int{},
		Skipped:    []string{},
		Context: &PolicyContext{
			Timestamp: time.Now(),
			Operation: "plan",
		},
	}
	if plan.ChangeSet == nil {
		return input
	}

	for kind, n := range plan.ChangeSet.CountByKind() {
		input.Counts[string(kind)] = n
	}
	for _, s := range plan.ChangeSet.Skipped {
		input.Skipped = append(input.Skipped, s.ID)
	}

	for i := range plan.ChangeSet.Operations {
		op := &plan.ChangeSet.Operations[i]
		in := OperationInput{
			ID:      op.ID,
			Kind:    string(op.Kind),
			Target:  op.Target,
			Visible: op.Visible,
		}

		var remote challenge.Definition
		var known bool
		if plan.Remote != nil {
			remote, known = plan.Remote.Get(op.Target)
		}
		if known && remote.Visibility == challenge.VisibilityVisible {
			in.Visible = true
		}

		if op.Kind == engine.OpUpdate && op.Patch != nil {
			for _, f := range op.Patch.Fields() {
				in.Fields = append(in.Fields, string(f))
			}
			if len(op.Changes) > 0 {
				in.Changes = make(map[string]string, len(op.Changes))
				for f, c := range op.Changes {
					in.Changes[string(f)] = c
				}
			}
			if op.Patch.Value != nil && known {
				from, to := remote.Value, *op.Patch.Value
				in.ValueFrom, in.ValueTo = &from, &to
			}
		}
		input.Operations = append(input.Operations, in)
	}
	return input
}

// Evaluate runs every enabled policy against input.
func (e *Engine) Evaluate(ctx context.Context, input *PolicyInput) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("run_id", input.RunID).
				Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, EvaluationError{Policy: name, Err: err})
			continue
		}

		result.Violations = append(result.Violations, violations...)
	}

	slices.SortStableFunc(result.Violations, func(a, b Violation) int {
		return cmp.Or(
			strings.Compare(a.Policy, b.Policy),
			strings.Compare(a.ChallengeID, b.ChallengeID),
			strings.Compare(a.Message, b.Message),
		)
	})
	for _, v := range result.Violations {
		if v.Severity.IsBlocking() {
			result.Allowed = false
			break
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)
	e.logger.Debug().
		Str("run_id", input.RunID).
		Int("operations", len(input.Operations)).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")

	return result, nil
}

// LoadPolicies loads repository policy files in addition to the built-ins.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplaceLoaded(ctx, policies)
}

// ReplaceLoaded swaps all non-built-in policies for the given set. On a
// compile error the previous set stays in place.
func (e *Engine) ReplaceLoaded(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if e.isBuiltin(p.Name) {
			return fmt.Errorf("policy %s: name is reserved for a built-in policy", p.Name)
		}
		cp, err := compilePolicy(ctx, &p)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded successfully")

	return nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *PolicyInput) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	return violations, nil
}

// createViolation creates a Violation from a deny entry. Entries are either
// strings or objects with "message", "severity" and "challenge" keys.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if id, ok := v["challenge"].(string); ok {
			violation.ChallengeID = id
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compilePolicy parses a policy and prepares its deny query.
func compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtinPolicies {
		p := e.builtinPolicies[i]
		cp, err := compilePolicy(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		e.policies[p.Name] = cp
	}

	e.logger.Debug().
		Int("count", len(e.builtinPolicies)).
		Msg("Built-in policies loaded")

	return nil
}

func (e *Engine) isBuiltin(name string) bool {
	for _, p := range e.builtinPolicies {
		if p.Name == name {
			return true
		}
	}
	return false
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// ReloadPolicies drops repository policies and recompiles the built-ins.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)

	return e.loadBuiltinPolicies(ctx)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}
