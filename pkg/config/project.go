package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/chalsync/chalsync/pkg/challenge"
	"github.com/chalsync/chalsync/pkg/engine"
)

// ProjectFile is the repository config file name.
const ProjectFile = "chalsync.yaml"

// DefaultHistoryPath is relative to the repository root.
const DefaultHistoryPath = ".chalsync/history.db"

// Project is the repository configuration read from chalsync.yaml.
type Project struct {
	// Name identifies the event, e.g. "acme-ctf-2026".
	Name string `yaml:"name" validate:"required"`

	// URL is the platform base URL. Credentials never live here.
	URL string `yaml:"url" validate:"omitempty,url"`

	// Categories lists allowed challenge categories.
	Categories []string `yaml:"categories" validate:"unique,dive,required"`

	// Protected challenges are never deleted from the platform.
	Protected []string `yaml:"protected" validate:"dive,required"`

	// Skip lists challenge ids ignored by every run.
	Skip []string `yaml:"skip" validate:"dive,required"`

	// ChallengeDirs are searched for challenge files, relative to the root.
	ChallengeDirs []string `yaml:"challenge_dirs" validate:"dive,required"`

	// FlagFormat is a regular expression static flags must match.
	FlagFormat string `yaml:"flag_format"`

	LowPointThreshold int `yaml:"low_point_threshold" validate:"gte=0"`

	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Retry       RetryConfig       `yaml:"retry"`

	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`

	Policy    PolicyConfig    `yaml:"policy"`
	History   HistoryConfig   `yaml:"history"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// root is the directory holding the config file.
	root string
}

// ConcurrencyConfig bounds platform calls.
type ConcurrencyConfig struct {
	Reads  int `yaml:"reads" validate:"min=1,max=64"`
	Writes int `yaml:"writes" validate:"min=1,max=64"`
}

// RetryConfig governs retries of read calls.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"min=1,max=20"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
}

// PolicyConfig configures the deploy policy gate.
type PolicyConfig struct {
	// Paths are .rego files or directories loaded next to the built-ins.
	Paths []string `yaml:"paths" validate:"dive,required"`

	// MaxDeletes is the mass-delete limit; 0 disables it.
	MaxDeletes *int `yaml:"max_deletes" validate:"omitempty,gte=0"`

	// Disable names built-in or repository policies to skip.
	Disable []string `yaml:"disable" validate:"dive,required"`

	// Disabled turns the policy gate off entirely.
	Disabled bool `yaml:"disabled"`
}

// HistoryConfig configures the deploy journal.
type HistoryConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// TelemetryConfig configures logging, tracing and metrics output.
type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	Tracing      string `yaml:"tracing" validate:"omitempty,oneof=none stdout otlp"`
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required_if=Tracing otlp"`
	MetricsFile  string `yaml:"metrics_file"`
}

// DefaultProject returns a project with every default applied.
func DefaultProject() *Project {
	p := &Project{}
	p.applyDefaults()
	return p
}

func (p *Project) applyDefaults() {
	opts := engine.DefaultOptions()
	if len(p.ChallengeDirs) == 0 {
		p.ChallengeDirs = []string{"."}
	}
	if p.Concurrency.Reads == 0 {
		p.Concurrency.Reads = opts.Reads
	}
	if p.Concurrency.Writes == 0 {
		p.Concurrency.Writes = opts.Writes
	}
	if p.Retry.MaxAttempts == 0 {
		p.Retry.MaxAttempts = opts.Retry.MaxAttempts
	}
	if p.Retry.BaseDelay == 0 {
		p.Retry.BaseDelay = opts.Retry.BaseDelay
	}
	if p.Retry.MaxDelay == 0 {
		p.Retry.MaxDelay = opts.Retry.MaxDelay
	}
	if p.RequestTimeout == 0 {
		p.RequestTimeout = opts.RequestTimeout
	}
	if p.Policy.MaxDeletes == nil {
		n := 10
		p.Policy.MaxDeletes = &n
	}
	if p.History.Path == "" {
		p.History.Path = DefaultHistoryPath
	}
	if p.Telemetry.LogLevel == "" {
		p.Telemetry.LogLevel = "info"
	}
	if p.Telemetry.Tracing == "" {
		p.Telemetry.Tracing = "none"
	}
}

// LoadProject reads and validates a project file. path may name the file
// or the directory containing it.
func LoadProject(path string) (*Project, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config: %w", err)
	}
	if info.IsDir() {
		path = filepath.Join(path, ProjectFile)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	p, err := ParseProject(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config directory: %w", err)
	}
	p.root = abs
	return p, nil
}

// ParseProject decodes YAML, applies defaults and validates the result.
// Unknown keys are errors.
func ParseProject(data []byte) (*Project, error) {
	p := &Project{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// FindProject walks up from dir until it finds a project file.
func FindProject(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(abs, ProjectFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("no %s found in %s or any parent directory: %w", ProjectFile, dir, fs.ErrNotExist)
		}
		abs = parent
	}
}

var projectValidator = newProjectValidator()

// newProjectValidator reports fields by their YAML keys.
func newProjectValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks struct constraints and the flag format expression.
func (p *Project) Validate() error {
	var errs []string
	if err := projectValidator.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, describeFieldError(fe))
		}
	}
	if p.FlagFormat != "" {
		if _, err := regexp.Compile(p.FlagFormat); err != nil {
			errs = append(errs, fmt.Sprintf("flag_format: %v", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Project.")
	switch fe.Tag() {
	case "required", "required_if":
		return field + " is required"
	case "unique":
		return field + " must not contain duplicates"
	case "url":
		return field + " must be a URL"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
}

// Root returns the directory holding the config file.
func (p *Project) Root() string {
	if p.root == "" {
		return "."
	}
	return p.root
}

// SetRoot overrides the repository root, e.g. for configs built in code.
func (p *Project) SetRoot(root string) {
	p.root = root
}

// Resolve makes a config-relative path absolute.
func (p *Project) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.Root(), path)
}

// EngineOptions converts the tunables for the engine.
func (p *Project) EngineOptions() engine.Options {
	return engine.Options{
		Reads:  p.Concurrency.Reads,
		Writes: p.Concurrency.Writes,
		Retry: engine.RetryPolicy{
			MaxAttempts: p.Retry.MaxAttempts,
			BaseDelay:   p.Retry.BaseDelay,
			MaxDelay:    p.Retry.MaxDelay,
		},
		RequestTimeout: p.RequestTimeout,
	}
}

// StoreOptions builds challenge store options. extraSkip is appended to the
// configured skip list.
func (p *Project) StoreOptions(files fs.FS, extraSkip ...string) challenge.StoreOptions {
	skip := append([]string(nil), p.Skip...)
	skip = append(skip, extraSkip...)
	return challenge.StoreOptions{
		Protected:         p.Protected,
		Skip:              skip,
		Categories:        p.Categories,
		FlagFormat:        p.FlagFormat,
		LowPointThreshold: p.LowPointThreshold,
		Files:             files,
	}
}

// MaxDeletes returns the configured mass-delete limit.
func (p *Project) MaxDeletes() int {
	if p.Policy.MaxDeletes == nil {
		return 10
	}
	return *p.Policy.MaxDeletes
}
