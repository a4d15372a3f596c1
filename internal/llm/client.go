// Package llm provides LLM client interfaces and implementations.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	// RoleTool carries results of the previous assistant turn's tool calls.
	RoleTool = "tool"
)

// Message is a provider-neutral chat message.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolSpec advertises a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult answers a ToolCall.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

// TurnRequest is one model turn.
type TurnRequest struct {
	Model     string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// TurnResponse is the completed turn.
type TurnResponse struct {
	Text       string
	ToolCalls  []ToolCall
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// TextCallback is called for each text fragment as it streams.
type TextCallback func(delta string) error

// Client is the interface for LLM providers.
type Client interface {
	// StreamTurn runs one model turn, calling onText for every text
	// fragment, and returns the tool calls the model requested.
	StreamTurn(ctx context.Context, req *TurnRequest, onText TextCallback) (*TurnResponse, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		c, err := NewAnthropicClient(apiKey)
		if err != nil {
			return nil, err
		}
		return c, nil
	case ProviderOpenAI:
		c, err := NewOpenAIClient(apiKey)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}
