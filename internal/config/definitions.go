package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Autopsias/DevMem-sub007/internal/pattern"
)

// Duration parses YAML scalars like "30s" or "2m" via time.ParseDuration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Definition is the YAML-authored form of one pattern.
type Definition struct {
	Name                string   `yaml:"name"`
	Type                string   `yaml:"type"`
	Description         string   `yaml:"description"`
	Domain              string   `yaml:"domain"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	Timeout             Duration `yaml:"timeout"`

	// sequential
	Steps           []string `yaml:"steps"`
	RollbackEnabled bool     `yaml:"rollback_enabled"`

	// parallel
	Tasks             []string `yaml:"tasks"`
	MaxConcurrent     int      `yaml:"max_concurrent"`
	ResourceThreshold float64  `yaml:"resource_threshold"`
	FailureTolerance  float64  `yaml:"failure_tolerance"`

	// staged
	Phases              []pattern.Phase `yaml:"phases"`
	ComplexityThreshold float64         `yaml:"complexity_threshold"`
	RollbackStrategy    string          `yaml:"rollback_strategy"`
}

// DefinitionFile is the top-level shape of one definitions YAML file.
type DefinitionFile struct {
	Patterns []Definition `yaml:"patterns"`
}

// Build constructs the pattern described by the definition, attaching the
// given scorer. Structural validation happens at registration.
func (d Definition) Build(scorer pattern.Scorer) (pattern.Pattern, error) {
	opts := pattern.Options{
		ConfidenceThreshold: d.ConfidenceThreshold,
		Timeout:             time.Duration(d.Timeout),
		Scorer:              scorer,
		RollbackEnabled:     d.RollbackEnabled,
	}

	switch pattern.Type(d.Type) {
	case pattern.TypeSequential:
		return pattern.NewSequential(d.Name, d.Description, d.Domain, d.Steps, opts), nil
	case pattern.TypeParallel:
		return pattern.NewParallel(d.Name, d.Description, d.Domain, d.Tasks,
			d.MaxConcurrent, d.ResourceThreshold, d.FailureTolerance, opts), nil
	case pattern.TypeStaged:
		return pattern.NewStaged(d.Name, d.Description, d.Domain, d.Phases,
			d.ComplexityThreshold, pattern.RollbackStrategy(d.RollbackStrategy), opts), nil
	default:
		return nil, fmt.Errorf("definition %q: unknown pattern type %q", d.Name, d.Type)
	}
}

// ParseDefinitionFile reads and parses one definitions YAML file.
func ParseDefinitionFile(path string) (*DefinitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions %s: %w", path, err)
	}
	var f DefinitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse definitions %s: %w", path, err)
	}
	return &f, nil
}
