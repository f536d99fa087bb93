// Package tools provides the bridge between skill-declared tool
// descriptors and the model's function-calling surface. It converts
// descriptors into model-callable schemas, validates invocation
// arguments at the boundary, dispatches to the external runner with a
// timeout, and normalizes results and errors into model-consumable
// text.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skillet-dev/skillet/pkg/logger"
	"github.com/skillet-dev/skillet/pkg/telemetry"
	llmtypes "github.com/skillet-dev/skillet/pkg/types/llm"
	orchtypes "github.com/skillet-dev/skillet/pkg/types/orchestrator"
	tooltypes "github.com/skillet-dev/skillet/pkg/types/tools"
)

var tracer = telemetry.Tracer("skillet.tools")

// GenerateSchema reflects a JSON schema from an input struct. Used for
// the global control tools, whose inputs are typed structs.
func GenerateSchema[T any]() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T

	return reflector.Reflect(v)
}

// InvocationRecorder receives every tool invocation for observability,
// independent of success or failure. Satisfied by the session store.
type InvocationRecorder interface {
	RecordInvocation(sessionID string, inv tooltypes.Invocation) error
}

// DefaultTimeout bounds a single external tool invocation.
const DefaultTimeout = 60 * time.Second

// Bridge dispatches model tool calls to the external runner.
type Bridge struct {
	runner      tooltypes.Runner
	recorder    InvocationRecorder
	timeout     time.Duration
	globalNames map[string]struct{}
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithTimeout sets the per-invocation timeout.
func WithTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.timeout = d }
}

// NewBridge creates a bridge. globalNames are the control tool names the
// orchestrator reserves; a skill tool colliding with one of them is a
// configuration error reported at registration time.
func NewBridge(runner tooltypes.Runner, recorder InvocationRecorder, globalNames []string, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		runner:      runner,
		recorder:    recorder,
		timeout:     DefaultTimeout,
		globalNames: make(map[string]struct{}, len(globalNames)),
	}
	for _, name := range globalNames {
		b.globalNames[name] = struct{}{}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ValidateDescriptors rejects tool names that collide with a global
// control tool or with each other. Called once per skill at discovery,
// never at call time.
func (b *Bridge) ValidateDescriptors(descs []tooltypes.Descriptor) error {
	seen := make(map[string]struct{}, len(descs))
	for _, d := range descs {
		if _, reserved := b.globalNames[d.Name]; reserved {
			return errors.Errorf("tool %q collides with a global control tool", d.Name)
		}
		if _, dup := seen[d.Name]; dup {
			return errors.Errorf("duplicate tool %q", d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	return nil
}

// DescribeForModel merges the active skill's tools with the
// always-available global tools into the schema list offered to the
// model for one turn.
func (b *Bridge) DescribeForModel(active []tooltypes.Descriptor, globals []llmtypes.ToolSchema) []llmtypes.ToolSchema {
	schemas := make([]llmtypes.ToolSchema, 0, len(active)+len(globals))
	for _, d := range active {
		schemas = append(schemas, llmtypes.ToolSchema{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  SchemaFromDescriptor(d),
		})
	}
	schemas = append(schemas, globals...)
	return schemas
}

// SchemaFromDescriptor builds a JSON schema from a skill's declared
// parameter schema.
func SchemaFromDescriptor(d tooltypes.Descriptor) *jsonschema.Schema {
	props := jsonschema.NewProperties()
	required := []string{}
	for name, p := range d.Parameters {
		props.Set(name, &jsonschema.Schema{
			Type:        p.Type,
			Description: p.Description,
		})
		if p.Required {
			required = append(required, name)
		}
	}
	return &jsonschema.Schema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: jsonschema.FalseSchema,
	}
}

// Invoke validates the call against the active skill's descriptors and
// dispatches it to the external runner. Failures of any kind come back
// as a Result carrying error text, so the model can recover
// conversationally instead of the run aborting. The invocation is
// recorded to the session's tool log either way.
func (b *Bridge) Invoke(ctx context.Context, sessionID string, active []tooltypes.Descriptor, call llmtypes.ToolCall) tooltypes.Result {
	ctx, span := tracer.Start(
		ctx,
		fmt.Sprintf("tools.invoke.%s", call.Name),
		trace.WithAttributes(tracingKVs(call)...),
	)
	defer span.End()

	result := b.dispatch(ctx, active, call)

	if result.IsError() {
		span.SetStatus(codes.Error, result.Error)
		span.RecordError(errors.New(result.Error))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	inv := tooltypes.Invocation{
		Tool:      call.Name,
		Arguments: call.Arguments,
		Result:    result.Result,
		Error:     result.Error,
		Timestamp: time.Now(),
	}
	if err := b.recorder.RecordInvocation(sessionID, inv); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to record tool invocation")
	}

	return result
}

func (b *Bridge) dispatch(ctx context.Context, active []tooltypes.Descriptor, call llmtypes.ToolCall) tooltypes.Result {
	desc, err := findDescriptor(active, call.Name)
	if err != nil {
		return tooltypes.Result{Error: err.Error()}
	}

	if err := validateArguments(desc, call.Arguments); err != nil {
		return tooltypes.Result{Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	out, err := b.runner.Run(ctx, call.Name, call.Arguments)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return tooltypes.Result{Error: fmt.Sprintf("tool %q timed out after %s", call.Name, b.timeout)}
		}
		return tooltypes.Result{Error: fmt.Sprintf("tool %q failed: %s", call.Name, err.Error())}
	}

	return tooltypes.Result{Result: out}
}

func findDescriptor(active []tooltypes.Descriptor, name string) (tooltypes.Descriptor, error) {
	for _, d := range active {
		if d.Name == name {
			return d, nil
		}
	}
	return tooltypes.Descriptor{}, errors.Wrapf(orchtypes.ErrUnknownTool, "tool %q", name)
}

// validateArguments enforces the declared schema at the boundary: every
// required parameter must be present, and unknown parameters are
// rejected. Invalid calls never reach the external runner.
func validateArguments(desc tooltypes.Descriptor, args map[string]any) error {
	for name, p := range desc.Parameters {
		if !p.Required {
			continue
		}
		if _, ok := args[name]; !ok {
			return errors.Wrapf(orchtypes.ErrInvalidArguments, "missing required parameter %q for tool %q", name, desc.Name)
		}
	}
	for name := range args {
		if _, ok := desc.Parameters[name]; !ok {
			return errors.Wrapf(orchtypes.ErrInvalidArguments, "unknown parameter %q for tool %q", name, desc.Name)
		}
	}
	return nil
}

func tracingKVs(call llmtypes.ToolCall) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String("tool.name", call.Name),
	}
	for name := range call.Arguments {
		kvs = append(kvs, attribute.String("tool.arg", name))
	}
	return kvs
}
