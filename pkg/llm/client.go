// Package llm implements the LLM collaborator clients. The orchestrator
// talks to a provider-agnostic Chat interface; this package supplies the
// OpenAI-compatible and Anthropic implementations and picks one from the
// configured model name.
package llm

import (
	"strings"

	llmtypes "github.com/skillet-dev/skillet/pkg/types/llm"
)

// Config holds provider configuration shared by both clients.
type Config struct {
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
}

// NewChat creates the collaborator client for the configured model.
// Claude models go to Anthropic; everything else goes through the
// OpenAI-compatible client, which also covers OpenRouter-style gateways
// via BaseURL.
func NewChat(config Config) (llmtypes.Chat, error) {
	if strings.HasPrefix(strings.ToLower(config.Model), "claude") {
		return NewAnthropicChat(config)
	}
	return NewOpenAIChat(config)
}
