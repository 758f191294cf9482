package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
)

// policyFilePattern matches repository policy files below a policy directory.
const policyFilePattern = "**/*.{rego,json}"

// Loader reads repository policies. A path is either a single .rego or
// .json file, or a directory searched recursively for both.
//
// A .rego file is named after its base name. Its leading comment block is
// the description, except for a "severity: <level>" line which sets the
// default severity of its violations. A .json file holds a Policy.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths loads every policy under paths. Any unreadable or invalid
// file fails the whole load, as does a name defined twice.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	sources := make(map[string]string)

	for _, path := range paths {
		files, err := policyFiles(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			p, err := loadFile(file)
			if err != nil {
				return nil, fmt.Errorf("policy file %s: %w", file, err)
			}
			if prev, dup := sources[p.Name]; dup {
				return nil, fmt.Errorf("policy %s is defined by both %s and %s", p.Name, prev, file)
			}
			sources[p.Name] = file
			policies = append(policies, *p)

			l.logger.Debug().
				Str("path", file).
				Str("policy", p.Name).
				Str("severity", string(p.Severity)).
				Msg("Policy loaded from file")
		}
	}

	l.logger.Info().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return policies, nil
}

// policyFiles lists the policy files of one configured path in a stable
// order.
func policyFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if !isPolicyFile(path) {
			return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(path))
		}
		return []string{path}, nil
	}

	matches, err := doublestar.Glob(os.DirFS(path), policyFilePattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, err
	}
	slices.Sort(matches)

	files := make([]string, len(matches))
	for i, m := range matches {
		files[i] = filepath.Join(path, filepath.FromSlash(m))
	}
	return files, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

func loadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p *Policy
	if filepath.Ext(path) == ".json" {
		p, err = parseJSONPolicy(data)
	} else {
		p, err = parseRegoPolicy(strings.TrimSuffix(filepath.Base(path), ".rego"), string(data))
	}
	if err != nil {
		return nil, err
	}

	p.Source = path
	p.Enabled = true
	p.Builtin = false
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = p.CreatedAt
	if info, err := os.Stat(path); err == nil {
		p.UpdatedAt = info.ModTime()
	}
	return p, nil
}

func parseRegoPolicy(name, content string) (*Policy, error) {
	description, severity, err := parseHeader(content)
	if err != nil {
		return nil, err
	}
	return &Policy{
		Name:        name,
		Description: description,
		Rego:        content,
		Severity:    severity,
	}, nil
}

func parseJSONPolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	switch {
	case p.Name == "":
		return nil, fmt.Errorf("JSON policy has no name")
	case p.Rego == "":
		return nil, fmt.Errorf("JSON policy %s has no rego", p.Name)
	case p.Severity == "":
		p.Severity = SeverityWarning
	case !validSeverity(p.Severity):
		return nil, fmt.Errorf("JSON policy %s: unknown severity %q", p.Name, p.Severity)
	}
	return &p, nil
}

// parseHeader reads the comment block at the top of a Rego module.
func parseHeader(content string) (string, Severity, error) {
	severity := SeverityWarning
	var words []string

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(words) > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(line, "#"))
		if rest, ok := strings.CutPrefix(comment, "severity:"); ok {
			severity = Severity(strings.ToLower(strings.TrimSpace(rest)))
			if !validSeverity(severity) {
				return "", "", fmt.Errorf("unknown severity %q", rest)
			}
			continue
		}
		if comment != "" {
			words = append(words, comment)
		}
	}
	return strings.Join(words, " "), severity, nil
}

func validSeverity(s Severity) bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}
