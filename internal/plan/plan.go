package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/autodeploy/internal/config"
)

const maxPlanFileSize = 1024 * 1024 // 1MB

// Format is a plan file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// Plan is a parsed plan file.
type Plan struct {
	Name string `yaml:"name" toml:"name"`
	// UseDefaultCatalog includes the built-in error patterns. Unset means
	// true.
	UseDefaultCatalog *bool                  `yaml:"use_default_catalog" toml:"use_default_catalog"`
	Defaults          StepDefaults           `yaml:"defaults" toml:"defaults"`
	Steps             []Step                 `yaml:"steps" toml:"steps"`
	Patterns          []Pattern              `yaml:"patterns" toml:"patterns"`
	Handlers          map[string]HandlerSpec `yaml:"handlers" toml:"handlers"`

	// Path is the file the plan was loaded from.
	Path string `yaml:"-" toml:"-"`
}

// StepDefaults apply to steps that leave a field unset.
type StepDefaults struct {
	Timeout       config.Duration `yaml:"timeout" toml:"timeout"`
	AttemptBudget int             `yaml:"attempt_budget" toml:"attempt_budget"`
}

// Step is one step as written in the plan.
type Step struct {
	Name          string          `yaml:"name" toml:"name"`
	Command       string          `yaml:"command" toml:"command"`
	Timeout       config.Duration `yaml:"timeout" toml:"timeout"`
	AttemptBudget int             `yaml:"attempt_budget" toml:"attempt_budget"`
}

// Pattern is an error pattern as written in the plan.
type Pattern struct {
	ID          string `yaml:"id" toml:"id"`
	Description string `yaml:"description" toml:"description"`
	Signature   string `yaml:"signature" toml:"signature"`
	Severity    string `yaml:"severity" toml:"severity"`
	Handler     string `yaml:"handler" toml:"handler"`
	MaxRetries  int    `yaml:"max_retries" toml:"max_retries"`
}

// HandlerSpec is a recovery handler as written in the plan. The map key is
// the handler id.
type HandlerSpec struct {
	Kind        string          `yaml:"kind" toml:"kind"`
	Description string          `yaml:"description" toml:"description"`
	Commands    []string        `yaml:"commands" toml:"commands"`
	Delay       config.Duration `yaml:"delay" toml:"delay"`
	Input       string          `yaml:"input" toml:"input"`
	Timeout     config.Duration `yaml:"timeout" toml:"timeout"`
}

// FormatFor picks the format from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unsupported plan file extension %q (want .yaml, .yml or .toml)", filepath.Ext(path))
}

// Load reads and validates the plan at path.
func Load(path string) (*Plan, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxPlanFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	if len(data) > maxPlanFileSize {
		return nil, fmt.Errorf("plan file too large (max %d bytes)", maxPlanFileSize)
	}

	p, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	p.Path = path
	return p, nil
}

// Parse decodes and validates a plan. Unknown keys are rejected.
func Parse(data []byte, format Format) (*Plan, error) {
	var p Plan
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse yaml: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &p)
		if err != nil {
			return nil, fmt.Errorf("failed to parse toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown plan keys: %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("unknown plan format %q", format)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the plan structure. Pattern and handler references are
// checked when the catalog is built.
func (p *Plan) Validate() error {
	var errs []error
	if len(p.Steps) == 0 {
		errs = append(errs, errors.New("plan has no steps"))
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		switch {
		case strings.TrimSpace(s.Name) == "":
			errs = append(errs, fmt.Errorf("step %d: name is required", i))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("step %s: duplicate name", s.Name))
		}
		seen[s.Name] = true
		if strings.TrimSpace(s.Command) == "" {
			errs = append(errs, fmt.Errorf("step %s: command is required", s.Name))
		}
		if s.AttemptBudget < 0 {
			errs = append(errs, fmt.Errorf("step %s: attempt_budget must be >= 1", s.Name))
		}
		if err := checkPlaceholders(s.Command); err != nil {
			errs = append(errs, fmt.Errorf("step %s: %w", s.Name, err))
		}
	}
	if p.Defaults.AttemptBudget < 0 {
		errs = append(errs, errors.New("defaults.attempt_budget must be >= 1"))
	}
	return errors.Join(errs...)
}

// DefaultCatalog reports whether the built-in patterns are included.
func (p *Plan) DefaultCatalog() bool {
	return p.UseDefaultCatalog == nil || *p.UseDefaultCatalog
}
