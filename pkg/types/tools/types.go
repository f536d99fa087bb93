// Package tools defines the shared tool types: descriptors declared by
// skills, invocation results, and the runner contract for external tool
// implementations.
package tools

import (
	"context"
	"fmt"
	"time"
)

// Param is one declared tool parameter.
type Param struct {
	Type        string `json:"type" mapstructure:"type"`
	Description string `json:"description" mapstructure:"description"`
	Required    bool   `json:"required" mapstructure:"required"`
}

// Descriptor describes one tool a skill exposes. The name is scoped to
// the skill; the bridge enforces global uniqueness within a turn at
// registration time.
type Descriptor struct {
	Name        string           `json:"name" mapstructure:"name"`
	Description string           `json:"description" mapstructure:"description"`
	Parameters  map[string]Param `json:"parameters" mapstructure:"parameters"`
}

// Result is the normalized outcome of a tool invocation. Exactly one of
// Result and Error is expected to be set.
type Result struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

// IsError reports whether the invocation failed.
func (r Result) IsError() bool {
	return r.Error != ""
}

// String renders the result the way it is fed back to the model.
func (r Result) String() string {
	out := ""
	if r.Error != "" {
		out = fmt.Sprintf("<error>\n%s\n</error>\n", r.Error)
	}
	if r.Result != "" {
		out += fmt.Sprintf("<result>\n%s\n</result>\n", r.Result)
	}
	return out
}

// Invocation is one entry in a session's tool-invocation log, recorded
// for every call regardless of outcome.
type Invocation struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Runner executes external tool implementations (web search, code
// execution, URL reading). Implementations may return arbitrary errors;
// the bridge normalizes them into textual tool results.
type Runner interface {
	Run(ctx context.Context, tool string, args map[string]any) (string, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, tool string, args map[string]any) (string, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, tool string, args map[string]any) (string, error) {
	return f(ctx, tool, args)
}
