// Package llm defines the provider-agnostic contract between the
// orchestrator and an LLM collaborator. A collaborator receives the
// conversation plus the tool schemas for the current turn and replies
// with either plain text or one or more tool calls.
package llm

import (
	"context"

	"github.com/invopop/jsonschema"
)

// Roles for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn in the conversation. Turns are append-only; once
// added they are never edited, only truncated whole from the oldest end.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolSchema describes one callable tool to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

// Response is the collaborator's reply for one turn. Either Content is
// set, or ToolCalls is non-empty, or both (text alongside calls).
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// Chat is the LLM collaborator. Implementations classify failures by
// wrapping them with the orchestrator error taxonomy so the caller can
// distinguish transient from fatal upstream errors.
type Chat interface {
	Send(ctx context.Context, messages []Message, tools []ToolSchema) (Response, error)
	Model() string
}
