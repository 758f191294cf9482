package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/chalsync/chalsync/pkg/challenge"
)

// challengeDocument is the on-disk layout of challenge.toml and
// challenge.yaml.
//
//	[meta]
//	id = "web-login"
//	name = "Login Bypass"
//	category = "web"
//	difficulty = "easy"
//
//	[scoring]
//	flag = "ctf{...}"
//	points = 100
//
//	[[hints]]
//	content = "look at the cookies"
//
//	[static]
//	include_patterns = ["dist/*.zip"]
//
//	[dynamic.app]
//	build = "Dockerfile"
//	ports = { http = 8080 }
type challengeDocument struct {
	Meta    metaDocument                 `toml:"meta" yaml:"meta"`
	Scoring scoringDocument              `toml:"scoring" yaml:"scoring"`
	Hints   []hintDocument               `toml:"hints" yaml:"hints"`
	Static  *staticDocument              `toml:"static" yaml:"static"`
	Dynamic map[string]containerDocument `toml:"dynamic" yaml:"dynamic"`
}

type metaDocument struct {
	ID             string   `toml:"id" yaml:"id"`
	Name           string   `toml:"name" yaml:"name"`
	Category       string   `toml:"category" yaml:"category"`
	Difficulty     string   `toml:"difficulty" yaml:"difficulty"`
	Description    string   `toml:"description" yaml:"description"`
	Visibility     string   `toml:"visibility" yaml:"visibility"`
	ConnectionInfo string   `toml:"connection_info" yaml:"connection_info"`
	MaxAttempts    int      `toml:"max_attempts" yaml:"max_attempts"`
	Prerequisites  []string `toml:"prerequisites" yaml:"prerequisites"`
	Tags           []string `toml:"tags" yaml:"tags"`
}

type scoringDocument struct {
	// Flag is shorthand for a single case-sensitive static flag.
	Flag   string         `toml:"flag" yaml:"flag"`
	Flags  []flagDocument `toml:"flags" yaml:"flags"`
	Points int            `toml:"points" yaml:"points"`
}

type flagDocument struct {
	Value           string `toml:"value" yaml:"value"`
	Mode            string `toml:"mode" yaml:"mode"`
	CaseInsensitive bool   `toml:"case_insensitive" yaml:"case_insensitive"`
}

type hintDocument struct {
	Content string `toml:"content" yaml:"content"`
	Cost    int    `toml:"cost" yaml:"cost"`
}

type staticDocument struct {
	IncludePatterns []string `toml:"include_patterns" yaml:"include_patterns"`
	ExcludePatterns []string `toml:"exclude_patterns" yaml:"exclude_patterns"`
}

// containerDocument describes one container of a dynamic challenge. Build
// is relative to the challenge's dynamic/ directory. Containers are checked
// but not deployed.
type containerDocument struct {
	Build string         `toml:"build" yaml:"build"`
	Ports map[string]int `toml:"ports" yaml:"ports"`
}

// decodeDocument parses data according to the file name's extension.
// Unknown keys are errors in both formats.
func decodeDocument(name string, data []byte) (*challengeDocument, error) {
	doc := &challengeDocument{}
	switch {
	case strings.HasSuffix(name, ".toml"):
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(doc); err != nil {
			return nil, describeTOMLError(err)
		}
	case strings.HasSuffix(name, ".yaml"), strings.HasSuffix(name, ".yml"):
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported challenge file %s", name)
	}
	return doc, nil
}

func describeTOMLError(err error) error {
	var strict *toml.StrictMissingError
	if errors.As(err, &strict) {
		keys := make([]string, 0, len(strict.Errors))
		for _, e := range strict.Errors {
			keys = append(keys, strings.Join(e.Key(), "."))
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	var decodeErr *toml.DecodeError
	if errors.As(err, &decodeErr) {
		row, col := decodeErr.Position()
		return fmt.Errorf("line %d column %d: %s", row, col, decodeErr.Error())
	}
	return err
}

// definition converts the document. Files are resolved separately.
func (doc *challengeDocument) definition() challenge.Definition {
	d := challenge.Definition{
		ID:             strings.TrimSpace(doc.Meta.ID),
		Category:       doc.Meta.Category,
		Name:           doc.Meta.Name,
		Description:    strings.TrimRight(doc.Meta.Description, "\n"),
		Value:          doc.Scoring.Points,
		Visibility:     challenge.Visibility(strings.ToLower(doc.Meta.Visibility)),
		Difficulty:     challenge.Difficulty(strings.ToLower(doc.Meta.Difficulty)),
		ConnectionInfo: doc.Meta.ConnectionInfo,
		MaxAttempts:    doc.Meta.MaxAttempts,
		Prerequisites:  doc.Meta.Prerequisites,
	}
	if d.Visibility == "" {
		d.Visibility = challenge.VisibilityHidden
	}
	if d.Difficulty == "" {
		d.Difficulty = challenge.DifficultyUndefined
	}

	if doc.Scoring.Flag != "" {
		d.Flags = append(d.Flags, challenge.Flag{Value: doc.Scoring.Flag, Mode: challenge.FlagModeStatic})
	}
	for _, f := range doc.Scoring.Flags {
		mode := challenge.FlagMode(strings.ToLower(f.Mode))
		if mode == "" {
			mode = challenge.FlagModeStatic
		}
		d.Flags = append(d.Flags, challenge.Flag{Value: f.Value, Mode: mode, CaseInsensitive: f.CaseInsensitive})
	}

	for _, h := range doc.Hints {
		d.Hints = append(d.Hints, challenge.Hint{Content: h.Content, Cost: h.Cost})
	}

	for _, t := range doc.Meta.Tags {
		if t = strings.TrimSpace(t); t != "" {
			d.Tags = append(d.Tags, t)
		}
	}
	return d
}
