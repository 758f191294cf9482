package config

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/chalsync/chalsync/pkg/challenge"
	"github.com/chalsync/chalsync/pkg/telemetry"
	"github.com/chalsync/chalsync/pkg/validation"
)

// RuleLoad is the rule name attached to issues found while loading.
const RuleLoad = "load"

// ChallengeFiles are the recognised definition file names, in precedence
// order.
var ChallengeFiles = []string{"challenge.toml", "challenge.yaml", "challenge.yml"}

// LoadResult holds the definitions and the problems found reading them.
type LoadResult struct {
	Definitions []challenge.Definition
	Issues      []validation.Issue

	// Paths are the definition files read, relative to the root.
	Paths []string
}

// Loader reads challenge definitions from a repository.
type Loader struct {
	project *Project
	fsys    fs.FS
	logger  *telemetry.Logger
}

// NewLoader creates a loader rooted at the project's root directory.
func NewLoader(project *Project, logger *telemetry.Logger) *Loader {
	return NewLoaderFS(project, os.DirFS(project.Root()), logger)
}

// NewLoaderFS creates a loader over fsys, which stands in for the root.
func NewLoaderFS(project *Project, fsys fs.FS, logger *telemetry.Logger) *Loader {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Loader{
		project: project,
		fsys:    fsys,
		logger:  logger.NewComponentLogger("loader"),
	}
}

// FS returns the file system the loader reads from.
func (l *Loader) FS() fs.FS {
	return l.fsys
}

// Load walks the configured challenge directories. Malformed files become
// issues; the error is reserved for cancellation and unreadable
// directories.
func (l *Loader) Load(ctx context.Context) (*LoadResult, error) {
	files, err := l.discover(ctx)
	if err != nil {
		return nil, err
	}

	result := &LoadResult{Paths: files}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		def, issues := l.loadFile(file)
		result.Issues = append(result.Issues, issues...)
		if def != nil {
			result.Definitions = append(result.Definitions, *def)
		}
	}

	l.logger.WithFields(map[string]interface{}{
		"files":      len(files),
		"challenges": len(result.Definitions),
		"issues":     len(result.Issues),
	}).Debug("Loaded challenge definitions")
	return result, nil
}

// Store loads the repository and indexes it. extraSkip is added to the
// configured skip list.
func (l *Loader) Store(ctx context.Context, extraSkip ...string) (*challenge.Store, *LoadResult, error) {
	result, err := l.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	return challenge.NewStore(result.Definitions, l.project.StoreOptions(l.fsys, extraSkip...)), result, nil
}

// discover returns definition files in lexical order. Hidden directories
// are not entered.
func (l *Loader) discover(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var files []string

	for _, dir := range l.project.ChallengeDirs {
		root := path.Clean(strings.ReplaceAll(dir, "\\", "/"))
		if !fs.ValidPath(root) {
			return nil, fmt.Errorf("challenge directory %q must be relative to the repository root", dir)
		}

		err := fs.WalkDir(l.fsys, root, func(p string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if entry.IsDir() {
				if p != root && strings.HasPrefix(entry.Name(), ".") {
					return fs.SkipDir
				}
				return nil
			}
			if slices.Contains(ChallengeFiles, entry.Name()) && !seen[p] {
				seen[p] = true
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
		}
	}

	slices.Sort(files)
	return files, nil
}

// loadFile parses one definition. When a directory holds several definition
// files only the first in ChallengeFiles order is used.
func (l *Loader) loadFile(file string) (*challenge.Definition, []validation.Issue) {
	dir := path.Dir(file)
	dirID := path.Base(dir)
	if dir == "." {
		dirID = ""
	}

	for _, other := range ChallengeFiles {
		if other == path.Base(file) {
			break
		}
		if _, err := fs.Stat(l.fsys, path.Join(dir, other)); err == nil {
			return nil, []validation.Issue{loadIssue(validation.Errorf(dirID, validation.KindInvalidFile,
				"%s ignored, %s defines this challenge", file, other))}
		}
	}

	data, err := fs.ReadFile(l.fsys, file)
	if err != nil {
		return nil, []validation.Issue{loadIssue(validation.Errorf(dirID, validation.KindInvalidFile,
			"failed to read %s: %v", file, err))}
	}

	doc, err := decodeDocument(file, data)
	if err != nil {
		return nil, []validation.Issue{loadIssue(validation.Errorf(dirID, validation.KindInvalidFile,
			"failed to parse %s: %v", file, err))}
	}

	def := doc.definition()
	def.Source = file

	var issues []validation.Issue
	switch {
	case def.ID == "":
		return nil, []validation.Issue{loadIssue(validation.Errorf(dirID, validation.KindMissingField,
			"%s does not set meta.id", file))}
	case dirID != "" && def.ID != dirID:
		issues = append(issues, loadIssue(validation.Errorf(def.ID, validation.KindInvalidID,
			"id %q does not match its directory %q", def.ID, dirID)))
	}

	for _, t := range def.Tags {
		if strings.HasPrefix(t, challenge.ManagedTagPrefix) {
			issues = append(issues, loadIssue(validation.Errorf(def.ID, validation.KindInvalidValue,
				"tag %q uses the reserved prefix %q", t, challenge.ManagedTagPrefix)))
		}
	}

	if doc.Static != nil {
		files, staticIssues := l.resolveStatic(def.ID, dir, doc.Static)
		def.Files = files
		issues = append(issues, staticIssues...)
	}
	issues = append(issues, l.checkDynamic(def.ID, dir, doc.Dynamic)...)

	return &def, issues
}

// checkDynamic checks that every container of a dynamic section has its
// build file under the challenge's dynamic/ directory.
func (l *Loader) checkDynamic(id, dir string, containers map[string]containerDocument) []validation.Issue {
	dynDir := path.Join(dir, "dynamic")
	info, err := fs.Stat(l.fsys, dynDir)
	hasDir := err == nil && info.IsDir()

	if containers == nil {
		if hasDir {
			return []validation.Issue{loadIssue(validation.Warnf(id, validation.KindStyle,
				"%s exists but the definition has no dynamic section", dynDir))}
		}
		return nil
	}
	if !hasDir {
		return []validation.Issue{loadIssue(validation.Errorf(id, validation.KindInvalidFile,
			"dynamic section present but %s is not a directory", dynDir))}
	}

	var issues []validation.Issue
	for _, name := range slices.Sorted(maps.Keys(containers)) {
		c := containers[name]
		build := path.Clean(strings.ReplaceAll(c.Build, "\\", "/"))
		switch {
		case c.Build == "":
			issues = append(issues, loadIssue(validation.Errorf(id, validation.KindMissingField,
				"dynamic container %q does not set build", name)))
		case !fs.ValidPath(build):
			issues = append(issues, loadIssue(validation.Errorf(id, validation.KindInvalidFile,
				"dynamic container %q build %q must stay inside %s", name, c.Build, dynDir)))
		default:
			if info, err := fs.Stat(l.fsys, path.Join(dynDir, build)); err != nil || info.IsDir() {
				issues = append(issues, loadIssue(validation.Errorf(id, validation.KindBrokenReference,
					"dynamic container %q build file %s not found", name, path.Join(dynDir, build))))
			}
		}

		for _, port := range slices.Sorted(maps.Keys(c.Ports)) {
			if n := c.Ports[port]; n < 1 || n > 65535 {
				issues = append(issues, loadIssue(validation.Errorf(id, validation.KindInvalidValue,
					"dynamic container %q port %q is %d, want 1-65535", name, port, n)))
			}
		}
	}
	return issues
}

// resolveStatic expands include patterns relative to the challenge
// directory, drops excluded paths and hashes what remains.
func (l *Loader) resolveStatic(id, dir string, static *staticDocument) ([]challenge.File, []validation.Issue) {
	var issues []validation.Issue
	valid := func(kind, pattern string) bool {
		switch {
		case strings.HasPrefix(pattern, "/"):
			issues = append(issues, loadIssue(validation.Errorf(id, validation.KindInvalidFile,
				"static %s pattern %q must be relative", kind, pattern)))
			return false
		case strings.HasSuffix(pattern, "/"):
			issues = append(issues, loadIssue(validation.Errorf(id, validation.KindInvalidFile,
				"static %s pattern %q cannot name only a directory", kind, pattern)))
			return false
		case !doublestar.ValidatePattern(pattern):
			issues = append(issues, loadIssue(validation.Errorf(id, validation.KindInvalidFile,
				"static %s pattern %q is malformed", kind, pattern)))
			return false
		}
		return true
	}

	var excludes []string
	for _, pattern := range static.ExcludePatterns {
		if valid("exclude", pattern) {
			excludes = append(excludes, pattern)
		}
	}

	matched := make(map[string]bool)
	for _, pattern := range static.IncludePatterns {
		if !valid("include", pattern) {
			continue
		}
		before := len(matched)
		l.expand(dir, pattern, matched)
		if len(matched) == before {
			issues = append(issues, loadIssue(validation.Warnf(id, validation.KindStyle,
				"static include pattern %q matched nothing new", pattern)))
		}
	}

	rels := make([]string, 0, len(matched))
	for rel := range matched {
		if !excluded(rel, excludes) {
			rels = append(rels, rel)
		}
	}
	slices.Sort(rels)

	var files []challenge.File
	names := make(map[string]string)
	for _, rel := range rels {
		full := path.Join(dir, rel)
		name := path.Base(rel)
		if prev, dup := names[name]; dup {
			issues = append(issues, loadIssue(validation.Errorf(id, validation.KindInvalidFile,
				"static files %s and %s share the download name %q", prev, rel, name)))
			continue
		}
		names[name] = rel

		sum, err := hashFile(l.fsys, full)
		if err != nil {
			issues = append(issues, loadIssue(validation.Errorf(id, validation.KindInvalidFile,
				"failed to hash %s: %v", full, err)))
			continue
		}
		files = append(files, challenge.File{Name: name, Path: full, SHA1: sum})
	}
	return files, issues
}

// expand adds the regular files under pattern to matched, keyed by path
// relative to dir. Matched directories contribute their whole tree.
func (l *Loader) expand(dir, pattern string, matched map[string]bool) {
	sub, err := fs.Sub(l.fsys, dir)
	if err != nil {
		return
	}
	hits, err := doublestar.Glob(sub, pattern)
	if err != nil {
		return
	}
	for _, hit := range hits {
		info, err := fs.Stat(sub, hit)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			if !isDefinitionFile(hit) {
				matched[hit] = true
			}
			continue
		}
		_ = fs.WalkDir(sub, hit, func(p string, entry fs.DirEntry, err error) error {
			if err == nil && !entry.IsDir() && !isDefinitionFile(p) {
				matched[p] = true
			}
			return nil
		})
	}
}

func isDefinitionFile(rel string) bool {
	return !strings.Contains(rel, "/") && slices.Contains(ChallengeFiles, rel)
}

// excluded reports whether rel matches a pattern or lies under a path one
// matches.
func excluded(rel string, patterns []string) bool {
	for _, pattern := range patterns {
		for p := rel; p != "."; p = path.Dir(p) {
			if ok, _ := doublestar.Match(pattern, p); ok {
				return true
			}
		}
	}
	return false
}

func hashFile(fsys fs.FS, name string) (string, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func loadIssue(i validation.Issue) validation.Issue {
	i.Rule = RuleLoad
	return i
}

// Rule reports load issues through the validator so they reach the
// validation gate. Issues of challenges that failed to load are reported
// for every selection, since a missing definition would otherwise read as
// a deletion.
func (r *LoadResult) Rule() validation.Rule {
	return validation.NewRule(RuleLoad, func(ctx *validation.Context) []validation.Issue {
		var out []validation.Issue
		for _, is := range r.Issues {
			if is.ChallengeID == "" || ctx.IsSelected(is.ChallengeID) || !ctx.Store.Has(is.ChallengeID) {
				out = append(out, is)
			}
		}
		return out
	})
}

// Registry returns the built-in rules preceded by the load rule.
func (r *LoadResult) Registry() *validation.Registry {
	reg := validation.NewRegistry()
	reg.MustRegister(r.Rule())
	reg.MustRegister(validation.DefaultRegistry().Rules()...)
	return reg
}
