package engine

import (
	"fmt"
	"slices"
	"strings"

	"github.com/chalsync/chalsync/pkg/challenge"
	"github.com/chalsync/chalsync/pkg/telemetry"
	"github.com/chalsync/chalsync/pkg/validation"
)

// Rule names for issues raised while diffing.
const (
	RuleDeleteReference = "delete-reference"
	RuleDeployReference = "deploy-reference"
	RuleSelection       = "selection"
)

// Differ compares local and remote state.
type Differ struct {
	logger *telemetry.Logger
}

// NewDiffer creates a differ. A nil logger disables logging.
func NewDiffer(logger *telemetry.Logger) *Differ {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Differ{logger: logger.NewComponentLogger("differ")}
}

// Diff computes the change set that converges remote toward the selected
// local definitions.
//
// Operations for challenges are grouped into tiers of the local
// prerequisite graph, ids ascending within a tier; deletes come last,
// dependents before their prerequisites. If any returned issue has error
// severity the change set is nil: it is never handed out partially.
func (d *Differ) Diff(store *challenge.Store, sel challenge.Selection, remote *Snapshot) (*ChangeSet, []validation.Issue, error) {
	managed, missing := store.Select(sel)
	managedSet := toSet(managed)

	local := make(map[string]challenge.Definition, len(managed))
	for _, id := range managed {
		def, _ := store.Get(id)
		local[id] = normalizeLocal(def)
	}

	var issues []validation.Issue

	deleting, skipped, selIssues := d.deleteCandidates(store, sel, missing, remote)
	issues = append(issues, selIssues...)
	deleteSet := toSet(deleting)

	// prerequisitesAfter is what a challenge will reference once the run
	// completes: local for managed challenges, untouched remote otherwise.
	prerequisitesAfter := func(id string) []string {
		if def, ok := local[id]; ok {
			return def.Prerequisites
		}
		if r, ok := remote.Get(id); ok {
			return r.Prerequisites
		}
		return nil
	}

	remaining := make([]string, 0, len(managed)+len(remote.Challenges))
	remaining = append(remaining, managed...)
	for _, id := range remote.IDs() {
		if !managedSet[id] && !deleteSet[id] {
			remaining = append(remaining, id)
		}
	}
	slices.Sort(remaining)

	for _, x := range deleting {
		for _, y := range remaining {
			if slices.Contains(prerequisitesAfter(y), x) {
				issues = append(issues, withRule(validation.Errorf(x, validation.KindUnresolvableDelete,
					"cannot delete: still a prerequisite of %q", y), RuleDeleteReference))
			}
		}
	}

	for _, id := range managed {
		for _, p := range local[id].Prerequisites {
			if managedSet[p] || deleteSet[p] || remote.Has(p) {
				continue
			}
			issues = append(issues, withRule(validation.Errorf(id, validation.KindBrokenReference,
				"prerequisite %q is neither part of this run nor deployed", p), RuleDeployReference))
		}
	}

	if validation.HasErrors(issues) {
		d.logger.WithField("issues", len(issues)).Debug("Diff rejected")
		return nil, issues, nil
	}

	perTarget := make(map[string][]Operation, len(managed))
	for _, id := range managed {
		have, exists := remote.Get(id)
		perTarget[id] = challengeOps(local[id], have, exists)
	}

	// A challenge is not touched until every prerequisite created in this
	// run exists. The whole chain of a target hangs off its first operation.
	for _, id := range managed {
		ops := perTarget[id]
		if len(ops) == 0 {
			continue
		}
		var created []string
		for _, p := range local[id].Prerequisites {
			if first := perTarget[p]; len(first) > 0 && first[0].Kind == OpCreate {
				created = append(created, first[0].ID)
			}
		}
		if len(created) == 0 {
			continue
		}
		ops[0].DependsOn = append(ops[0].DependsOn, created...)
		for i := 1; i < len(ops); i++ {
			if ops[i].Kind == OpSetPrerequisites {
				ops[i].DependsOn = append(ops[i].DependsOn, created...)
			}
		}
	}

	levels, err := store.Graph().Subgraph(managed).Levels()
	if err != nil {
		return nil, issues, fmt.Errorf("ordering challenges: %w", err)
	}

	var ops []Operation
	for _, level := range levels {
		for _, id := range level {
			ops = append(ops, perTarget[id]...)
		}
	}

	ops = append(ops, d.deleteOps(deleting, perTarget, remote)...)

	cs := newChangeSet(ops, skipped)
	d.logger.WithFields(map[string]interface{}{
		"managed":    len(managed),
		"operations": cs.Len(),
		"deletes":    len(deleting),
		"protected":  len(skipped),
	}).Debug("Diff computed")

	return cs, issues, nil
}

// deleteCandidates returns the remote ids to delete and the protected ones
// to report instead.
func (d *Differ) deleteCandidates(store *challenge.Store, sel challenge.Selection, missing []string, remote *Snapshot) ([]string, []SkippedDelete, []validation.Issue) {
	var candidates []string
	var issues []validation.Issue

	if sel.IsAll() {
		excluded := toSet(sel.Exclude)
		for _, id := range remote.IDs() {
			if !store.Has(id) && !store.IsSkipped(id) && !excluded[id] {
				candidates = append(candidates, id)
			}
		}
	} else {
		for _, id := range missing {
			if remote.Has(id) {
				candidates = append(candidates, id)
				continue
			}
			issues = append(issues, withRule(validation.Warnf(id, validation.KindBrokenReference,
				"selected challenge is defined neither locally nor remotely"), RuleSelection))
		}
	}

	var deleting []string
	var skipped []SkippedDelete
	for _, id := range candidates {
		if store.IsProtected(id) {
			skipped = append(skipped, SkippedDelete{ID: id, Reason: "protected"})
			continue
		}
		deleting = append(deleting, id)
	}
	return deleting, skipped, issues
}

// deleteOps orders deletes so that a challenge is deleted before the
// challenges it lists as prerequisites, and only after managed challenges
// have dropped it from their prerequisites.
func (d *Differ) deleteOps(deleting []string, perTarget map[string][]Operation, remote *Snapshot) []Operation {
	if len(deleting) == 0 {
		return nil
	}
	deleteSet := toSet(deleting)

	graph := challenge.NewGraph()
	for _, id := range deleting {
		graph.AddNode(id)
	}
	for _, id := range deleting {
		r, _ := remote.Get(id)
		for _, p := range r.Prerequisites {
			if deleteSet[p] && p != id {
				graph.AddEdge(p, id)
			}
		}
	}

	levels, err := graph.Levels()
	if err != nil {
		// Remote data can be cyclic. Fall back to id order; dependencies
		// below only ever point backwards, so nothing can deadlock.
		d.logger.WithError(err).Warn("Remote prerequisites of deleted challenges form a cycle")
		levels = [][]string{slices.Sorted(slices.Values(deleting))}
	}
	slices.Reverse(levels)

	position := make(map[string]int, len(deleting))
	var order []string
	for _, level := range levels {
		for _, id := range level {
			position[id] = len(order)
			order = append(order, id)
		}
	}

	// Managed challenges whose remote prerequisites include a deleted id.
	dropping := make(map[string][]string)
	for target, ops := range perTarget {
		for _, op := range ops {
			if op.Kind != OpSetPrerequisites {
				continue
			}
			have, _ := remote.Get(target)
			for _, p := range have.Prerequisites {
				if deleteSet[p] {
					dropping[p] = append(dropping[p], op.ID)
				}
			}
		}
	}

	ops := make([]Operation, 0, len(order))
	for _, id := range order {
		r, _ := remote.Get(id)
		op := Operation{
			ID:      operationID(OpDelete, id),
			Kind:    OpDelete,
			Target:  id,
			Visible: r.Visibility == challenge.VisibilityVisible,
		}

		deps := slices.Clone(dropping[id])
		for _, dependent := range deleting {
			if pos, ok := position[dependent]; ok && pos < position[id] {
				dr, _ := remote.Get(dependent)
				if slices.Contains(dr.Prerequisites, id) {
					deps = append(deps, operationID(OpDelete, dependent))
				}
			}
		}
		slices.Sort(deps)
		op.DependsOn = deps
		ops = append(ops, op)
	}
	return ops
}

// challengeOps returns the operations for one managed challenge in
// emission order, each chained to the one before it.
func challengeOps(want, have challenge.Definition, exists bool) []Operation {
	id := want.ID
	var ops []Operation

	if !exists {
		base := want.Base()
		ops = append(ops, Operation{ID: operationID(OpCreate, id), Kind: OpCreate, Target: id, Definition: &base})
		if len(want.Prerequisites) > 0 {
			ops = append(ops, setPrerequisitesOp(want))
		}
		if len(want.Flags) > 0 {
			ops = append(ops, Operation{ID: operationID(OpSetFlags, id), Kind: OpSetFlags, Target: id, Flags: want.Flags})
		}
		if len(want.Hints) > 0 {
			ops = append(ops, Operation{ID: operationID(OpSetHints, id), Kind: OpSetHints, Target: id, Hints: want.Hints})
		}
		if len(want.Tags) > 0 {
			ops = append(ops, setTagsOp(want))
		}
		for i := range want.Files {
			ops = append(ops, uploadOp(id, want.Files[i]))
		}
		return chain(ops)
	}

	patch := challenge.Patch{}
	changes := make(map[challenge.Field]string)
	for _, f := range challenge.Fields {
		before, after := have.Get(f), want.Get(f)
		if before == after {
			continue
		}
		patch.Set(f, &want)
		changes[f] = fmt.Sprintf("%v -> %v", before, after)
	}
	if !patch.IsEmpty() {
		ops = append(ops, Operation{ID: operationID(OpUpdate, id), Kind: OpUpdate, Target: id, Patch: &patch, Changes: changes})
	}

	if !slices.Equal(want.Prerequisites, have.Prerequisites) {
		ops = append(ops, setPrerequisitesOp(want))
	}
	if !slices.Equal(flagKeys(want.Flags), flagKeys(have.Flags)) {
		ops = append(ops, Operation{ID: operationID(OpSetFlags, id), Kind: OpSetFlags, Target: id, Flags: want.Flags})
	}
	// Hints are shown in creation order, so order matters.
	if !slices.Equal(want.Hints, have.Hints) {
		ops = append(ops, Operation{ID: operationID(OpSetHints, id), Kind: OpSetHints, Target: id, Hints: want.Hints})
	}
	if !slices.Equal(want.Tags, have.Tags) {
		ops = append(ops, setTagsOp(want))
	}

	remoteFiles := make(map[string]string, len(have.Files))
	for _, f := range have.Files {
		remoteFiles[f.Name] = f.SHA1
	}
	for i := range want.Files {
		f := want.Files[i]
		sum, ok := remoteFiles[f.Name]
		if !ok || (f.SHA1 != "" && !strings.EqualFold(sum, f.SHA1)) {
			ops = append(ops, uploadOp(id, f))
		}
	}

	return chain(ops)
}

func setPrerequisitesOp(want challenge.Definition) Operation {
	prereqs := want.Prerequisites
	if prereqs == nil {
		prereqs = []string{}
	}
	return Operation{
		ID:            operationID(OpSetPrerequisites, want.ID),
		Kind:          OpSetPrerequisites,
		Target:        want.ID,
		Prerequisites: prereqs,
	}
}

func setTagsOp(want challenge.Definition) Operation {
	tags := want.Tags
	if tags == nil {
		tags = []string{}
	}
	return Operation{ID: operationID(OpSetTags, want.ID), Kind: OpSetTags, Target: want.ID, Tags: tags}
}

func uploadOp(id string, f challenge.File) Operation {
	return Operation{ID: operationID(OpUploadFile, id, f.Name), Kind: OpUploadFile, Target: id, File: &f}
}

// chain makes every operation depend on the one emitted before it.
func chain(ops []Operation) []Operation {
	for i := 1; i < len(ops); i++ {
		ops[i].DependsOn = append(ops[i].DependsOn, ops[i-1].ID)
	}
	return ops
}

// normalizeLocal brings a local definition into the shape remote
// definitions are normalized to.
func normalizeLocal(def *challenge.Definition) challenge.Definition {
	d := *def.Clone()
	d.Description = strings.ReplaceAll(d.Description, "\r\n", "\n")
	d.ConnectionInfo = strings.ReplaceAll(d.ConnectionInfo, "\r\n", "\n")
	if d.Visibility == "" {
		d.Visibility = challenge.VisibilityHidden
	}

	for i := range d.Hints {
		d.Hints[i].Content = strings.ReplaceAll(d.Hints[i].Content, "\r\n", "\n")
	}

	slices.SortFunc(d.Flags, func(a, b challenge.Flag) int { return strings.Compare(a.Key(), b.Key()) })
	d.Flags = slices.CompactFunc(d.Flags, func(a, b challenge.Flag) bool { return a.Key() == b.Key() })

	slices.SortFunc(d.Files, func(a, b challenge.File) int { return strings.Compare(a.Name, b.Name) })
	for i := range d.Files {
		d.Files[i].SHA1 = strings.ToLower(d.Files[i].SHA1)
	}

	slices.Sort(d.Prerequisites)
	d.Prerequisites = slices.Compact(d.Prerequisites)

	slices.Sort(d.Tags)
	d.Tags = slices.Compact(d.Tags)
	return d
}

func flagKeys(flags []challenge.Flag) []string {
	keys := make([]string, len(flags))
	for i, f := range flags {
		keys[i] = f.Key()
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

func withRule(issue validation.Issue, rule string) validation.Issue {
	issue.Rule = rule
	return issue
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
