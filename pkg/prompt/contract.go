// Package prompt holds prompt contracts: the read-only boundary (model,
// token ceiling, temperature, schemas, tools) and template bound to every
// LLM-calling work order.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	ErrContractNotFound = errors.New("prompt: contract not found")
	ErrInvalidContract  = errors.New("prompt: invalid contract")
)

// DefaultOutputTool is the pseudo-tool a provider calls to return structured output.
const DefaultOutputTool = "structured_output"

// ToolSpec is the schema-level listing of a tool offered to the model.
type ToolSpec struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Parameters  map[string]any `yaml:"parameters" json:"parameters,omitempty"`
}

// Contract is one version of a prompt contract.
type Contract struct {
	Name           string         `yaml:"name" json:"name"`
	Version        string         `yaml:"version" json:"version"`
	ModelID        string         `yaml:"model_id" json:"model_id"`
	Template       string         `yaml:"template" json:"template"`
	MaxTokens      int            `yaml:"max_tokens" json:"max_tokens"`
	Temperature    float64        `yaml:"temperature" json:"temperature"`
	TimeoutSeconds int            `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	InputSchema    map[string]any `yaml:"input_schema" json:"input_schema,omitempty"`
	OutputSchema   map[string]any `yaml:"output_schema" json:"output_schema,omitempty"`
	OutputTool     string         `yaml:"output_tool" json:"output_tool,omitempty"`
	Tools          []ToolSpec     `yaml:"tools" json:"tools,omitempty"`

	version *semver.Version
}

// Ref returns "name@version".
func (c *Contract) Ref() string {
	return c.Name + "@" + c.Version
}

// OutputToolName is the pseudo-tool intercepted as structured output.
func (c *Contract) OutputToolName() string {
	if c.OutputTool != "" {
		return c.OutputTool
	}
	return DefaultOutputTool
}

// Tool returns the declared tool spec by name.
func (c *Contract) Tool(name string) (ToolSpec, bool) {
	for _, t := range c.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolSpec{}, false
}

// Validate checks the contract's own fields and parses its version.
func (c *Contract) Validate() error {
	var issues []string
	if c.Name == "" || strings.Contains(c.Name, "@") {
		issues = append(issues, fmt.Sprintf("bad name %q", c.Name))
	}
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		issues = append(issues, fmt.Sprintf("bad version %q: %v", c.Version, err))
	}
	if c.ModelID == "" {
		issues = append(issues, "model_id is required")
	}
	if strings.TrimSpace(c.Template) == "" {
		issues = append(issues, "template is required")
	}
	if c.MaxTokens <= 0 {
		issues = append(issues, "max_tokens must be positive")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		issues = append(issues, "temperature must be within [0, 2]")
	}
	if c.TimeoutSeconds < 0 {
		issues = append(issues, "timeout_seconds must not be negative")
	}
	for _, t := range c.Tools {
		if t.Name == "" || t.Name == c.OutputToolName() {
			issues = append(issues, fmt.Sprintf("bad tool name %q", t.Name))
		}
	}
	if len(issues) > 0 {
		return fmt.Errorf("%w %s: %s", ErrInvalidContract, c.Name, strings.Join(issues, "; "))
	}
	c.version = v
	return nil
}

// Store resolves contract references. Implementations are read-only to the
// dispatch core.
type Store interface {
	// Get resolves "name" (latest) or "name@constraint".
	Get(ctx context.Context, ref string) (*Contract, error)
}

// ParseRef splits a reference into name and semver constraint.
// A bare name has an empty constraint.
func ParseRef(ref string) (name string, constraint *semver.Constraints, err error) {
	name, raw, found := strings.Cut(ref, "@")
	if name == "" {
		return "", nil, fmt.Errorf("%w: empty reference", ErrContractNotFound)
	}
	if !found || raw == "" || raw == "latest" {
		return name, nil, nil
	}
	constraint, err = semver.NewConstraint(raw)
	if err != nil {
		return "", nil, fmt.Errorf("prompt: bad version constraint in %q: %w", ref, err)
	}
	return name, constraint, nil
}

// resolve picks the highest version in candidates satisfying constraint.
func resolve(ref string, candidates []*Contract) (*Contract, error) {
	name, constraint, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	var best *Contract
	for _, c := range candidates {
		if c.Name != name {
			continue
		}
		if constraint != nil && !constraint.Check(c.version) {
			continue
		}
		if best == nil || c.version.GreaterThan(best.version) {
			best = c
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, ref)
	}
	return best, nil
}
