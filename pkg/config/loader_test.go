package config

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"

	"github.com/chalsync/chalsync/pkg/challenge"
	"github.com/chalsync/chalsync/pkg/validation"
)

const loginTOML = `
[meta]
id = "web-login"
name = "Login Bypass"
category = "web"
difficulty = "Easy"
description = """
Get past the login page.
"""
tags = ["auth", "  ", " alice "]
prerequisites = ["sanity"]

[scoring]
flag = "acme{admin}"
points = 100

[[scoring.flags]]
value = "acme\\{.*\\}"
mode = "regex"
case_insensitive = true

[[hints]]
content = "cookies"

[[hints]]
content = "really, cookies"
cost = 10

[static]
include_patterns = ["dist/*", "handout.txt"]
exclude_patterns = ["dist/debug"]
`

const sanityYAML = `
meta:
  id: sanity
  category: misc
  visibility: visible
  connection_info: nc sanity.example 1337
  max_attempts: 3
scoring:
  flag: acme{hello}
`

func newTestLoader(fsys fstest.MapFS) *Loader {
	p := DefaultProject()
	p.ChallengeDirs = []string{"challenges"}
	return NewLoaderFS(p, fsys, nil)
}

func sha(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestLoader_Load(t *testing.T) {
	fsys := fstest.MapFS{
		"challenges/web-login/challenge.toml":   {Data: []byte(loginTOML)},
		"challenges/web-login/dist/app.zip":     {Data: []byte("zip")},
		"challenges/web-login/dist/debug/x.log": {Data: []byte("log")},
		"challenges/web-login/handout.txt":      {Data: []byte("read me")},
		"challenges/sanity/challenge.yaml":      {Data: []byte(sanityYAML)},
		"challenges/.templates/challenge.toml":  {Data: []byte("not = toml = at all")},
		"README.md":                             {Data: []byte("# repo")},
	}

	result, err := newTestLoader(fsys).Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(result.Issues) != 0 {
		t.Fatalf("Expected no issues, got %v", result.Issues)
	}

	wantPaths := []string{"challenges/sanity/challenge.yaml", "challenges/web-login/challenge.toml"}
	if diff := cmp.Diff(wantPaths, result.Paths); diff != "" {
		t.Errorf("Paths mismatch (-want +got):\n%s", diff)
	}

	want := []challenge.Definition{
		{
			ID:             "sanity",
			Category:       "misc",
			Visibility:     challenge.VisibilityVisible,
			Difficulty:     challenge.DifficultyUndefined,
			ConnectionInfo: "nc sanity.example 1337",
			MaxAttempts:    3,
			Flags:          []challenge.Flag{{Value: "acme{hello}", Mode: challenge.FlagModeStatic}},
			Source:         "challenges/sanity/challenge.yaml",
		},
		{
			ID:          "web-login",
			Category:    "web",
			Name:        "Login Bypass",
			Description: "Get past the login page.",
			Value:       100,
			Visibility:  challenge.VisibilityHidden,
			Difficulty:  challenge.DifficultyEasy,
			Flags: []challenge.Flag{
				{Value: "acme{admin}", Mode: challenge.FlagModeStatic},
				{Value: `acme\{.*\}`, Mode: challenge.FlagModeRegex, CaseInsensitive: true},
			},
			Hints: []challenge.Hint{{Content: "cookies"}, {Content: "really, cookies", Cost: 10}},
			Files: []challenge.File{
				{Name: "app.zip", Path: "challenges/web-login/dist/app.zip", SHA1: sha("zip")},
				{Name: "handout.txt", Path: "challenges/web-login/handout.txt", SHA1: sha("read me")},
			},
			Prerequisites: []string{"sanity"},
			Tags:          []string{"auth", "alice"},
			Source:        "challenges/web-login/challenge.toml",
		},
	}
	if diff := cmp.Diff(want, result.Definitions); diff != "" {
		t.Errorf("Definitions mismatch (-want +got):\n%s", diff)
	}
}

func TestLoader_Issues(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
		kind validation.Kind
		id   string
		want string
	}{
		{
			name: "malformed toml",
			fsys: fstest.MapFS{"challenges/bad/challenge.toml": {Data: []byte("[meta\nid = 1")}},
			kind: validation.KindInvalidFile,
			id:   "bad",
			want: "failed to parse",
		},
		{
			name: "unknown toml key",
			fsys: fstest.MapFS{"challenges/bad/challenge.toml": {Data: []byte("[meta]\nid = \"bad\"\nauthor = \"me\"\n")}},
			kind: validation.KindInvalidFile,
			id:   "bad",
			want: "meta.author",
		},
		{
			name: "unknown yaml key",
			fsys: fstest.MapFS{"challenges/bad/challenge.yaml": {Data: []byte("meta:\n  id: bad\n  author: me\n")}},
			kind: validation.KindInvalidFile,
			id:   "bad",
			want: "author",
		},
		{
			name: "missing id",
			fsys: fstest.MapFS{"challenges/bad/challenge.toml": {Data: []byte("[meta]\ncategory = \"web\"\n")}},
			kind: validation.KindMissingField,
			id:   "bad",
			want: "meta.id",
		},
		{
			name: "id mismatch",
			fsys: fstest.MapFS{"challenges/bad/challenge.toml": {Data: []byte("[meta]\nid = \"good\"\n")}},
			kind: validation.KindInvalidID,
			id:   "good",
			want: `does not match its directory "bad"`,
		},
		{
			name: "absolute static pattern",
			fsys: fstest.MapFS{"challenges/bad/challenge.toml": {Data: []byte("[meta]\nid = \"bad\"\n[static]\ninclude_patterns = [\"/etc/passwd\"]\n")}},
			kind: validation.KindInvalidFile,
			id:   "bad",
			want: "must be relative",
		},
		{
			name: "directory-only static pattern",
			fsys: fstest.MapFS{"challenges/bad/challenge.toml": {Data: []byte("[meta]\nid = \"bad\"\n[static]\ninclude_patterns = [\"dist/\"]\n")}},
			kind: validation.KindInvalidFile,
			id:   "bad",
			want: "cannot name only a directory",
		},
		{
			name: "reserved tag",
			fsys: fstest.MapFS{"challenges/bad/challenge.toml": {Data: []byte("[meta]\nid = \"bad\"\ntags = [\"chalsync:other\"]\n")}},
			kind: validation.KindInvalidValue,
			id:   "bad",
			want: "reserved prefix",
		},
		{
			name: "dynamic without directory",
			fsys: fstest.MapFS{"challenges/bad/challenge.toml": {Data: []byte("[meta]\nid = \"bad\"\n[dynamic.app]\nbuild = \"Dockerfile\"\n")}},
			kind: validation.KindInvalidFile,
			id:   "bad",
			want: "is not a directory",
		},
		{
			name: "dynamic build file missing",
			fsys: fstest.MapFS{
				"challenges/bad/challenge.toml":      {Data: []byte("[meta]\nid = \"bad\"\n[dynamic.app]\nbuild = \"app.Dockerfile\"\n")},
				"challenges/bad/dynamic/Dockerfile": {Data: []byte("FROM scratch")},
			},
			kind: validation.KindBrokenReference,
			id:   "bad",
			want: "challenges/bad/dynamic/app.Dockerfile not found",
		},
		{
			name: "dynamic build escapes directory",
			fsys: fstest.MapFS{
				"challenges/bad/challenge.toml":      {Data: []byte("[meta]\nid = \"bad\"\n[dynamic.app]\nbuild = \"../challenge.toml\"\n")},
				"challenges/bad/dynamic/Dockerfile": {Data: []byte("FROM scratch")},
			},
			kind: validation.KindInvalidFile,
			id:   "bad",
			want: "must stay inside",
		},
		{
			name: "dynamic build unset",
			fsys: fstest.MapFS{
				"challenges/bad/challenge.yaml":      {Data: []byte("meta:\n  id: bad\ndynamic:\n  app:\n    ports:\n      http: 80\n")},
				"challenges/bad/dynamic/Dockerfile": {Data: []byte("FROM scratch")},
			},
			kind: validation.KindMissingField,
			id:   "bad",
			want: `container "app" does not set build`,
		},
		{
			name: "dynamic port out of range",
			fsys: fstest.MapFS{
				"challenges/bad/challenge.toml":      {Data: []byte("[meta]\nid = \"bad\"\n[dynamic.app]\nbuild = \"Dockerfile\"\nports = { http = 70000 }\n")},
				"challenges/bad/dynamic/Dockerfile": {Data: []byte("FROM scratch")},
			},
			kind: validation.KindInvalidValue,
			id:   "bad",
			want: `port "http" is 70000`,
		},
		{
			name: "both formats",
			fsys: fstest.MapFS{
				"challenges/bad/challenge.toml": {Data: []byte("[meta]\nid = \"bad\"\n")},
				"challenges/bad/challenge.yaml": {Data: []byte("meta:\n  id: bad\n")},
			},
			kind: validation.KindInvalidFile,
			id:   "bad",
			want: "challenge.toml defines this challenge",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := newTestLoader(tt.fsys).Load(context.Background())
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			var found bool
			for _, issue := range result.Issues {
				if issue.Kind == tt.kind && issue.ChallengeID == tt.id && strings.Contains(issue.Message, tt.want) {
					found = true
					if issue.Rule != RuleLoad {
						t.Errorf("Expected rule %s, got %s", RuleLoad, issue.Rule)
					}
				}
			}
			if !found {
				t.Errorf("Expected %s issue for %q containing %q, got %v", tt.kind, tt.id, tt.want, result.Issues)
			}
		})
	}
}

func TestLoader_Dynamic(t *testing.T) {
	fsys := fstest.MapFS{
		"challenges/web-chat/challenge.toml": {Data: []byte(`
[meta]
id = "web-chat"

[dynamic.app]
build = "app/Dockerfile"
ports = { http = 8080 }

[dynamic.db]
build = "db.Dockerfile"
`)},
		"challenges/web-chat/dynamic/app/Dockerfile": {Data: []byte("FROM scratch")},
		"challenges/web-chat/dynamic/db.Dockerfile":  {Data: []byte("FROM scratch")},
		"challenges/stray/challenge.toml":            {Data: []byte("[meta]\nid = \"stray\"\n")},
		"challenges/stray/dynamic/Dockerfile":        {Data: []byte("FROM scratch")},
	}

	result, err := newTestLoader(fsys).Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(result.Issues) != 1 {
		t.Fatalf("Expected one issue, got %v", result.Issues)
	}
	issue := result.Issues[0]
	if issue.ChallengeID != "stray" || issue.Severity != validation.SeverityWarning || issue.Kind != validation.KindStyle {
		t.Errorf("Expected a style warning for stray, got %+v", issue)
	}
	if len(result.Definitions) != 2 {
		t.Fatalf("Expected both challenges to load, got %d", len(result.Definitions))
	}
}

func TestLoader_MatchlessInclude(t *testing.T) {
	fsys := fstest.MapFS{
		"challenges/pwn/challenge.toml": {Data: []byte("[meta]\nid = \"pwn\"\n[static]\ninclude_patterns = [\"bin/*\", \"*.tar\"]\n")},
		"challenges/pwn/bin/vuln":       {Data: []byte("\x7fELF")},
	}

	result, err := newTestLoader(fsys).Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(result.Issues) != 1 || result.Issues[0].Severity != validation.SeverityWarning {
		t.Fatalf("Expected one warning, got %v", result.Issues)
	}
	if len(result.Definitions) != 1 || len(result.Definitions[0].Files) != 1 {
		t.Fatalf("Expected one file, got %+v", result.Definitions)
	}
	if got := result.Definitions[0].Files[0].Path; got != "challenges/pwn/bin/vuln" {
		t.Errorf("Expected root-relative path, got %s", got)
	}
}

func TestLoader_Store(t *testing.T) {
	fsys := fstest.MapFS{
		"challenges/sanity/challenge.yaml": {Data: []byte(sanityYAML)},
	}
	loader := newTestLoader(fsys)
	loader.project.Protected = []string{"sanity"}

	store, _, err := loader.Store(context.Background(), "ignored")
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if !store.Has("sanity") || !store.IsProtected("sanity") {
		t.Errorf("Expected protected challenge sanity in store")
	}
	if !store.IsSkipped("ignored") {
		t.Errorf("Expected extra skip id to be applied")
	}
	if store.Options().Files == nil {
		t.Errorf("Expected store to resolve files through the loader FS")
	}
}

func TestLoader_Cancelled(t *testing.T) {
	fsys := fstest.MapFS{
		"challenges/sanity/challenge.yaml": {Data: []byte(sanityYAML)},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newTestLoader(fsys).Load(ctx); err == nil {
		t.Fatal("Expected cancellation error")
	}
}

func TestLoadResult_Registry(t *testing.T) {
	fsys := fstest.MapFS{
		"challenges/sanity/challenge.yaml": {Data: []byte(sanityYAML)},
		"challenges/broken/challenge.toml": {Data: []byte("[meta\n")},
		"challenges/other/challenge.yaml":  {Data: []byte("meta:\n  id: elsewhere\n  category: misc\nscoring:\n  flag: acme{x}\n")},
	}
	store, result, err := newTestLoader(fsys).Store(context.Background())
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	reg := result.Registry()
	names := reg.Names()
	if names[0] != RuleLoad || len(names) != len(validation.DefaultRegistry().Names())+1 {
		t.Fatalf("expected load rule first, got %v", names)
	}

	v := validation.New(validation.WithRegistry(reg))
	issues := v.Validate(store, challenge.Only("sanity"))

	var load []string
	for _, is := range issues {
		if is.Rule == RuleLoad {
			load = append(load, is.ChallengeID)
		}
	}
	// broken never loaded, so it is reported even though sanity alone is
	// selected; elsewhere loaded but is not selected.
	if diff := cmp.Diff([]string{"broken"}, load); diff != "" {
		t.Errorf("load issues mismatch (-want +got):\n%s", diff)
	}
	if !validation.HasErrors(issues) {
		t.Errorf("expected the broken file to block the run")
	}
}
