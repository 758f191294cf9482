package validation

import (
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"

	"github.com/chalsync/chalsync/pkg/challenge"
)

func validDef(id string, prereqs ...string) challenge.Definition {
	return challenge.Definition{
		ID:            id,
		Category:      "web",
		Name:          "Challenge " + id,
		Description:   "Find the flag.",
		Value:         100,
		Visibility:    challenge.VisibilityVisible,
		Difficulty:    challenge.DifficultyEasy,
		Flags:         []challenge.Flag{{Value: "flag{" + id + "}", Mode: challenge.FlagModeStatic}},
		Prerequisites: prereqs,
	}
}

func kinds(issues []Issue) []Kind {
	out := make([]Kind, len(issues))
	for i, issue := range issues {
		out[i] = issue.Kind
	}
	return out
}

func TestValidate_CleanStore(t *testing.T) {
	store := challenge.NewStore([]challenge.Definition{validDef("alpha"), validDef("beta", "alpha")},
		challenge.StoreOptions{Categories: []string{"web"}})

	issues := New().Validate(store, challenge.All())
	if len(issues) != 0 {
		t.Fatalf("Expected no issues, got: %v", issues)
	}
}

func TestValidate_CyclicPrerequisite(t *testing.T) {
	store := challenge.NewStore([]challenge.Definition{validDef("aa", "bb"), validDef("bb", "aa")},
		challenge.StoreOptions{})

	issues := New().Validate(store, challenge.All())
	if !HasErrors(issues) {
		t.Fatal("Expected error for prerequisite cycle")
	}

	var found *Issue
	for i := range issues {
		if issues[i].Kind == KindCyclicPrerequisite {
			found = &issues[i]
		}
	}
	if found == nil {
		t.Fatalf("Expected CyclicPrerequisite issue, got: %v", issues)
	}
	if found.Message != "prerequisite cycle: aa -> bb -> aa" {
		t.Errorf("Expected cycle to name both ids, got: %s", found.Message)
	}
	if found.Rule != RulePrerequisiteAcyclic {
		t.Errorf("Expected rule %s, got %s", RulePrerequisiteAcyclic, found.Rule)
	}
}

func TestValidate_SelfPrerequisiteReportedOnce(t *testing.T) {
	store := challenge.NewStore([]challenge.Definition{validDef("aa", "aa")}, challenge.StoreOptions{})

	issues := New().Validate(store, challenge.All())
	if diff := cmp.Diff([]Kind{KindCyclicPrerequisite}, kinds(issues)); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	d := validDef("alpha")
	d.Category = ""
	d.Flags = nil
	d.Visibility = "public"
	d.Hints = []challenge.Hint{{Content: "", Cost: -5}}

	store := challenge.NewStore([]challenge.Definition{d}, challenge.StoreOptions{})
	issues := Filter(New().Validate(store, challenge.All()), SeverityError)

	var messages []string
	for _, i := range issues {
		if i.Rule == RuleRequiredFields {
			messages = append(messages, i.Message)
		}
	}

	want := []string{
		"category is required",
		`visibility is "public", must be one of [hidden visible]`,
		"flags needs at least 1 entry",
		"hints[0].content is required",
		"hints[0].cost must be >= 0",
	}
	if diff := cmp.Diff(want, messages); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate_DuplicateID(t *testing.T) {
	first := validDef("alpha")
	first.Source = "web/alpha/challenge.toml"
	second := validDef("alpha")
	second.Source = "pwn/alpha/challenge.toml"

	store := challenge.NewStore([]challenge.Definition{first, second}, challenge.StoreOptions{})
	issues := New().Validate(store, challenge.All())

	if diff := cmp.Diff([]Kind{KindDuplicateID}, kinds(issues)); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}
	want := "id is defined 2 times (web/alpha/challenge.toml, pwn/alpha/challenge.toml)"
	if issues[0].Message != want {
		t.Errorf("Expected %q, got %q", want, issues[0].Message)
	}
}

func TestValidate_FlagFormat(t *testing.T) {
	d := validDef("alpha")
	d.Flags = []challenge.Flag{
		{Value: "flag{ok}", Mode: challenge.FlagModeStatic},
		{Value: "wrong", Mode: challenge.FlagModeStatic},
		{Value: "flag{[a-z+}", Mode: challenge.FlagModeRegex},
		{Value: " flag{pad}", Mode: challenge.FlagModeStatic},
	}

	store := challenge.NewStore([]challenge.Definition{d}, challenge.StoreOptions{FlagFormat: `^flag\{.+\}$`})
	issues := New().Validate(store, challenge.All())

	want := []Kind{KindInvalidFlagFormat, KindInvalidFlagFormat, KindInvalidFlagFormat}
	if diff := cmp.Diff(want, kinds(issues)); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s\n%v", diff, issues)
	}
}

func TestValidate_InvalidConfiguredFlagFormat(t *testing.T) {
	store := challenge.NewStore([]challenge.Definition{validDef("alpha")}, challenge.StoreOptions{FlagFormat: "("})
	issues := New().Validate(store, challenge.All())

	if len(issues) != 1 || issues[0].ChallengeID != "" || issues[0].Kind != KindInvalidFlagFormat {
		t.Fatalf("Expected one repository-wide flag format issue, got: %v", issues)
	}
}

func TestValidate_BrokenReferences(t *testing.T) {
	d := validDef("alpha", "ghost")
	d.Category = "crypto"
	d.Files = []challenge.File{
		{Name: "dist.zip", Path: "alpha/dist.zip"},
		{Name: "missing.txt", Path: "alpha/missing.txt"},
		{Name: "dir", Path: "alpha"},
		{Name: "escape", Path: "../etc/passwd"},
	}

	fsys := fstest.MapFS{
		"alpha/dist.zip": &fstest.MapFile{Data: []byte("zip")},
	}
	store := challenge.NewStore([]challenge.Definition{d}, challenge.StoreOptions{
		Categories: []string{"web", "pwn"},
		Files:      fsys,
	})

	issues := New().Validate(store, challenge.All())

	var rules []string
	for _, i := range issues {
		if i.Kind != KindBrokenReference {
			t.Errorf("Unexpected issue kind: %v", i)
		}
		rules = append(rules, i.Rule)
	}
	want := []string{
		RulePrerequisiteReference,
		RuleFileReference,
		RuleFileReference,
		RuleFileReference,
		RuleCategoryExists,
	}
	if diff := cmp.Diff(want, rules); diff != "" {
		t.Errorf("rules mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate_Warnings(t *testing.T) {
	d := validDef("alpha")
	d.Name = ""
	d.Description = ""
	d.Difficulty = challenge.DifficultyUndefined
	d.Value = 10

	store := challenge.NewStore([]challenge.Definition{d}, challenge.StoreOptions{LowPointThreshold: 50})
	issues := New().Validate(store, challenge.All())

	if HasErrors(issues) {
		t.Fatalf("Expected only warnings, got: %v", issues)
	}
	errs, warnings := Count(issues)
	if errs != 0 || warnings != 4 {
		t.Errorf("Expected 0 errors and 4 warnings, got %d and %d", errs, warnings)
	}
}

func TestValidate_NegativePointValue(t *testing.T) {
	d := validDef("alpha")
	d.Value = -1

	store := challenge.NewStore([]challenge.Definition{d}, challenge.StoreOptions{})
	issues := New().Validate(store, challenge.All())

	if diff := cmp.Diff([]Kind{KindInvalidValue}, kinds(issues)); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate_SelectionScopesRules(t *testing.T) {
	bad := validDef("broken", "ghost")
	store := challenge.NewStore([]challenge.Definition{validDef("alpha"), bad}, challenge.StoreOptions{})

	if issues := New().Validate(store, challenge.Only("alpha")); len(issues) != 0 {
		t.Errorf("Expected selection to exclude broken challenge, got: %v", issues)
	}
	if issues := New().Validate(store, challenge.Only("broken")); !HasErrors(issues) {
		t.Error("Expected broken challenge to fail when selected")
	}
}

func TestValidate_Deterministic(t *testing.T) {
	defs := []challenge.Definition{
		validDef("zeta", "ghost"),
		validDef("alpha", "missing"),
		validDef("mid", "nope"),
	}
	store := challenge.NewStore(defs, challenge.StoreOptions{})
	v := New()

	first := v.Validate(store, challenge.All())
	for i := 0; i < 5; i++ {
		if diff := cmp.Diff(first, v.Validate(store, challenge.All())); diff != "" {
			t.Fatalf("non-deterministic output (-first +again):\n%s", diff)
		}
	}

	var ids []string
	for _, i := range first {
		ids = append(ids, i.ChallengeID)
	}
	if diff := cmp.Diff([]string{"alpha", "mid", "zeta"}, ids); diff != "" {
		t.Errorf("ordering mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_CustomRule(t *testing.T) {
	r := DefaultRegistry()
	err := r.Register(NewRule("no-secrets-in-description", func(ctx *Context) []Issue {
		var issues []Issue
		for _, d := range ctx.Selected {
			for _, f := range d.Flags {
				if f.Value != "" && d.Description == f.Value {
					issues = append(issues, Errorf(d.ID, KindStyle, "description leaks the flag"))
				}
			}
		}
		return issues
	}))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	d := validDef("alpha")
	d.Description = "flag{alpha}"
	store := challenge.NewStore([]challenge.Definition{d}, challenge.StoreOptions{})

	issues := New(WithRegistry(r)).Validate(store, challenge.All())
	if len(issues) != 1 || issues[0].Rule != "no-secrets-in-description" {
		t.Errorf("Expected custom rule issue, got: %v", issues)
	}
}

func TestRegistry_DuplicateName(t *testing.T) {
	r := NewRegistry()
	rule := NewRule("dup", func(*Context) []Issue { return nil })
	if err := r.Register(rule); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if err := r.Register(rule); err == nil {
		t.Error("Expected error registering duplicate rule name")
	}
}

func TestDefaultRegistry_Order(t *testing.T) {
	want := []string{
		RuleRequiredFields,
		RuleIDFormat,
		RuleIDUnique,
		RuleFlagFormat,
		RulePrerequisiteReference,
		RulePrerequisiteAcyclic,
		RuleFileReference,
		RuleCategoryExists,
		RulePointValue,
		RuleMetadataStyle,
	}
	if diff := cmp.Diff(want, DefaultRegistry().Names()); diff != "" {
		t.Errorf("rule order mismatch (-want +got):\n%s", diff)
	}
}
