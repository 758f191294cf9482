// Package challenge defines the locally-authored challenge record and the
// read-only store that indexes a set of them for one pipeline run.
package challenge

import (
	"fmt"
	"slices"
	"strings"
)

// ManagedTagPrefix starts the platform tag that marks a challenge as
// managed. Author tags may not use it.
const ManagedTagPrefix = "chalsync:"

// Visibility is the player-facing state of a challenge.
type Visibility string

const (
	// VisibilityHidden keeps the challenge out of the player board.
	VisibilityHidden Visibility = "hidden"

	// VisibilityVisible publishes the challenge to players.
	VisibilityVisible Visibility = "visible"
)

// Validate checks if the visibility is valid.
func (v Visibility) Validate() error {
	switch v {
	case VisibilityHidden, VisibilityVisible:
		return nil
	default:
		return fmt.Errorf("invalid visibility: %s", v)
	}
}

// FlagMode is how a submitted answer is matched against a flag.
type FlagMode string

const (
	// FlagModeStatic matches the submission verbatim.
	FlagModeStatic FlagMode = "static"

	// FlagModeRegex matches the submission against a regular expression.
	FlagModeRegex FlagMode = "regex"
)

// Validate checks if the flag mode is valid.
func (m FlagMode) Validate() error {
	switch m {
	case FlagModeStatic, FlagModeRegex:
		return nil
	default:
		return fmt.Errorf("invalid flag mode: %s", m)
	}
}

// Difficulty is an author-facing rating. It is never sent to the platform.
type Difficulty string

const (
	DifficultyUndefined Difficulty = "undefined"
	DifficultyEasy      Difficulty = "easy"
	DifficultyMedium    Difficulty = "medium"
	DifficultyHard      Difficulty = "hard"
)

// Flag is a secret a participant submits to solve a challenge.
type Flag struct {
	Value           string   `json:"value" validate:"required"`
	Mode            FlagMode `json:"mode" validate:"required,oneof=static regex"`
	CaseInsensitive bool     `json:"case_insensitive,omitempty"`
}

// Key returns a comparable identity for set comparison.
func (f Flag) Key() string {
	return fmt.Sprintf("%s|%t|%s", f.Mode, f.CaseInsensitive, f.Value)
}

// Hint is an optional clue a participant can unlock, possibly at a cost.
type Hint struct {
	Content string `json:"content" validate:"required"`
	Cost    int    `json:"cost" validate:"gte=0"`
}

// File is an attachment distributed with a challenge.
type File struct {
	// Name is the file name players download.
	Name string `json:"name" validate:"required"`

	// Path is relative to the repository root. Empty for remote files.
	Path string `json:"path,omitempty"`

	// SHA1 is the hex digest of the content.
	SHA1 string `json:"sha1,omitempty"`
}

// Definition is the desired state of one challenge.
type Definition struct {
	ID             string     `json:"id" validate:"required"`
	Category       string     `json:"category" validate:"required"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Value          int        `json:"value"`
	Visibility     Visibility `json:"visibility" validate:"required,oneof=hidden visible"`
	Difficulty     Difficulty `json:"difficulty,omitempty" validate:"omitempty,oneof=undefined easy medium hard"`
	ConnectionInfo string     `json:"connection_info,omitempty"`
	MaxAttempts    int        `json:"max_attempts,omitempty" validate:"gte=0"`
	Flags          []Flag     `json:"flags" validate:"min=1,dive"`
	Hints          []Hint     `json:"hints,omitempty" validate:"dive"`
	Files          []File     `json:"files,omitempty" validate:"dive"`
	Prerequisites  []string   `json:"prerequisites,omitempty"`

	// Tags are free-form labels shown to players, such as the author.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the definition was loaded from, for reporting.
	Source string `json:"-"`
}

// DisplayName returns the name, falling back to the id.
func (d *Definition) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Base returns a copy with only the scalar attributes populated, which is
// what the platform accepts when a challenge is first created.
func (d *Definition) Base() Definition {
	return Definition{
		ID:             d.ID,
		Category:       d.Category,
		Name:           d.DisplayName(),
		Description:    d.Description,
		Value:          d.Value,
		Visibility:     d.Visibility,
		ConnectionInfo: d.ConnectionInfo,
		MaxAttempts:    d.MaxAttempts,
	}
}

// Clone returns a deep copy.
func (d *Definition) Clone() *Definition {
	c := *d
	c.Flags = slices.Clone(d.Flags)
	c.Hints = slices.Clone(d.Hints)
	c.Files = slices.Clone(d.Files)
	c.Prerequisites = slices.Clone(d.Prerequisites)
	c.Tags = slices.Clone(d.Tags)
	return &c
}

// Field names an updatable scalar attribute.
type Field string

const (
	FieldName           Field = "name"
	FieldCategory       Field = "category"
	FieldDescription    Field = "description"
	FieldValue          Field = "value"
	FieldVisibility     Field = "visibility"
	FieldConnectionInfo Field = "connection_info"
	FieldMaxAttempts    Field = "max_attempts"
)

// Fields lists updatable fields in the order they are compared and reported.
var Fields = []Field{
	FieldName,
	FieldCategory,
	FieldDescription,
	FieldValue,
	FieldVisibility,
	FieldConnectionInfo,
	FieldMaxAttempts,
}

// Get returns the value of f on d.
func (d *Definition) Get(f Field) any {
	switch f {
	case FieldName:
		return d.DisplayName()
	case FieldCategory:
		return d.Category
	case FieldDescription:
		return d.Description
	case FieldValue:
		return d.Value
	case FieldVisibility:
		return d.Visibility
	case FieldConnectionInfo:
		return d.ConnectionInfo
	case FieldMaxAttempts:
		return d.MaxAttempts
	}
	return nil
}

// Patch is a sparse update of scalar fields. Nil means unchanged.
type Patch struct {
	Name           *string     `json:"name,omitempty"`
	Category       *string     `json:"category,omitempty"`
	Description    *string     `json:"description,omitempty"`
	Value          *int        `json:"value,omitempty"`
	Visibility     *Visibility `json:"state,omitempty"`
	ConnectionInfo *string     `json:"connection_info,omitempty"`
	MaxAttempts    *int        `json:"max_attempts,omitempty"`
}

// Set copies field f from d into the patch.
func (p *Patch) Set(f Field, d *Definition) {
	switch f {
	case FieldName:
		v := d.DisplayName()
		p.Name = &v
	case FieldCategory:
		v := d.Category
		p.Category = &v
	case FieldDescription:
		v := d.Description
		p.Description = &v
	case FieldValue:
		v := d.Value
		p.Value = &v
	case FieldVisibility:
		v := d.Visibility
		p.Visibility = &v
	case FieldConnectionInfo:
		v := d.ConnectionInfo
		p.ConnectionInfo = &v
	case FieldMaxAttempts:
		v := d.MaxAttempts
		p.MaxAttempts = &v
	}
}

// Apply writes the non-nil fields of p onto d.
func (p *Patch) Apply(d *Definition) {
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.Category != nil {
		d.Category = *p.Category
	}
	if p.Description != nil {
		d.Description = *p.Description
	}
	if p.Value != nil {
		d.Value = *p.Value
	}
	if p.Visibility != nil {
		d.Visibility = *p.Visibility
	}
	if p.ConnectionInfo != nil {
		d.ConnectionInfo = *p.ConnectionInfo
	}
	if p.MaxAttempts != nil {
		d.MaxAttempts = *p.MaxAttempts
	}
}

// Fields returns the names of the fields set on p.
func (p *Patch) Fields() []Field {
	var out []Field
	if p.Name != nil {
		out = append(out, FieldName)
	}
	if p.Category != nil {
		out = append(out, FieldCategory)
	}
	if p.Description != nil {
		out = append(out, FieldDescription)
	}
	if p.Value != nil {
		out = append(out, FieldValue)
	}
	if p.Visibility != nil {
		out = append(out, FieldVisibility)
	}
	if p.ConnectionInfo != nil {
		out = append(out, FieldConnectionInfo)
	}
	if p.MaxAttempts != nil {
		out = append(out, FieldMaxAttempts)
	}
	return out
}

// IsEmpty reports whether no field is set.
func (p *Patch) IsEmpty() bool {
	return len(p.Fields()) == 0
}

// String renders the patch as "field, field".
func (p *Patch) String() string {
	fields := p.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}
