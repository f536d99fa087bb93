package llm

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"

	llmtypes "github.com/skillet-dev/skillet/pkg/types/llm"
	orchtypes "github.com/skillet-dev/skillet/pkg/types/orchestrator"
)

// AnthropicChat implements the Chat interface on top of the Anthropic
// messages API.
type AnthropicChat struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int
}

// NewAnthropicChat creates an Anthropic collaborator client. Without an
// explicit key the SDK falls back to ANTHROPIC_API_KEY.
func NewAnthropicChat(config Config) (*AnthropicChat, error) {
	var clientOpts []option.RequestOption
	if config.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(config.APIKey))
	}
	if config.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(config.BaseURL))
	}

	model := anthropic.Model(config.Model)
	if config.Model == "" {
		model = anthropic.ModelClaude3_5HaikuLatest
	}
	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &AnthropicChat{
		client:    anthropic.NewClient(clientOpts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Model returns the configured model name.
func (c *AnthropicChat) Model() string {
	return string(c.model)
}

// Send sends the conversation and tool schemas and returns the model's
// reply, classified into the orchestrator error taxonomy on failure.
func (c *AnthropicChat) Send(ctx context.Context, messages []llmtypes.Message, tools []llmtypes.ToolSchema) (llmtypes.Response, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(c.maxTokens),
	}

	for _, msg := range messages {
		switch msg.Role {
		case llmtypes.RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: msg.Content})
		case llmtypes.RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, json.RawMessage(args), tc.Name))
			}
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
		case llmtypes.RoleTool:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	for _, t := range tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: t.Parameters.Properties,
				},
			},
		})
	}

	response, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llmtypes.Response{}, classifyAnthropicError(err)
	}

	out := llmtypes.Response{}
	for _, block := range response.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content = variant.Text
		case anthropic.ToolUseBlock:
			call := llmtypes.ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: make(map[string]any),
			}
			if err := json.Unmarshal(variant.Input, &call.Arguments); err != nil {
				call.Arguments["raw"] = string(variant.Input)
			}
			out.ToolCalls = append(out.ToolCalls, call)
		}
	}

	return out, nil
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError {
			return errors.Wrapf(orchtypes.ErrUpstreamTransient, "anthropic: %s", apiErr.Error())
		}
		return errors.Wrapf(orchtypes.ErrUpstreamFatal, "anthropic: %s", apiErr.Error())
	}
	return errors.Wrapf(orchtypes.ErrUpstreamTransient, "anthropic: %s", err.Error())
}
