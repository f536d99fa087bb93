package llm

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	llmtypes "github.com/skillet-dev/skillet/pkg/types/llm"
	orchtypes "github.com/skillet-dev/skillet/pkg/types/orchestrator"
)

// OpenAIChat implements the Chat interface on top of the OpenAI chat
// completions API.
type OpenAIChat struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAIChat creates an OpenAI-compatible collaborator client.
func NewOpenAIChat(config Config) (*OpenAIChat, error) {
	if config.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	model := config.Model
	if model == "" {
		model = openai.GPT4o
	}
	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &OpenAIChat{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Model returns the configured model name.
func (c *OpenAIChat) Model() string {
	return c.model
}

// Send sends the conversation and tool schemas and returns the model's
// reply. Upstream failures are classified into the orchestrator error
// taxonomy so the caller knows whether to retry.
func (c *OpenAIChat) Send(ctx context.Context, messages []llmtypes.Message, tools []llmtypes.ToolSchema) (llmtypes.Response, error) {
	req := openai.ChatCompletionRequest{
		Model:     c.model,
		Messages:  convertMessages(messages),
		MaxTokens: c.maxTokens,
	}
	if len(tools) > 0 {
		req.Tools = convertTools(tools)
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return llmtypes.Response{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return llmtypes.Response{}, errors.Wrap(orchtypes.ErrUpstreamFatal, "empty completion response")
	}

	choice := resp.Choices[0]
	out := llmtypes.Response{Content: choice.Message.Content}

	for _, tc := range choice.Message.ToolCalls {
		call := llmtypes.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: make(map[string]any),
		}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments); err != nil {
			call.Arguments["raw"] = tc.Function.Arguments
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}

	return out, nil
}

func convertMessages(messages []llmtypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{Content: msg.Content}
		switch msg.Role {
		case llmtypes.RoleSystem:
			m.Role = openai.ChatMessageRoleSystem
		case llmtypes.RoleAssistant:
			m.Role = openai.ChatMessageRoleAssistant
			for _, tc := range msg.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
		case llmtypes.RoleTool:
			m.Role = openai.ChatMessageRoleTool
			m.ToolCallID = msg.ToolCallID
		default:
			m.Role = openai.ChatMessageRoleUser
		}
		out = append(out, m)
	}
	return out
}

func convertTools(tools []llmtypes.ToolSchema) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= http.StatusInternalServerError {
			return errors.Wrapf(orchtypes.ErrUpstreamTransient, "openai: %s", apiErr.Message)
		}
		return errors.Wrapf(orchtypes.ErrUpstreamFatal, "openai: %s", apiErr.Message)
	}
	// Anything without an API status is treated as a network-level
	// failure and retried.
	return errors.Wrapf(orchtypes.ErrUpstreamTransient, "openai: %s", err.Error())
}
