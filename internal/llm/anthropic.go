package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/capitalize-ai/tool-gateway/pkg/metrics"
)

const defaultAnthropicModel = "claude-3-5-sonnet-latest"

// AnthropicClient is the Anthropic LLM client.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, opts ...option.RequestOption) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
	}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

// Models returns available models.
func (c *AnthropicClient) Models() []string {
	return []string{
		"claude-3-5-sonnet-latest",
		"claude-3-5-haiku-latest",
		"claude-3-7-sonnet-latest",
		"claude-sonnet-4-0",
	}
}

// StreamTurn runs one streaming turn.
func (c *AnthropicClient) StreamTurn(ctx context.Context, req *TurnRequest, onText TextCallback) (*TurnResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}

	var err error
	params.System, params.Messages, err = toAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	if len(req.Tools) > 0 {
		params.Tools, err = toAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	resp := &TurnResponse{Model: model}
	var (
		text      strings.Builder
		current   *ToolCall
		inputJSON strings.Builder
	)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			resp.TokensIn = int(event.AsMessageStart().Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				inputJSON.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text == "" {
					continue
				}
				text.WriteString(delta.Text)
				if err := onText(delta.Text); err != nil {
					return nil, err
				}
			case "input_json_delta":
				inputJSON.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if current != nil {
				input := strings.TrimSpace(inputJSON.String())
				if input == "" {
					input = "{}"
				}
				current.Input = json.RawMessage(input)
				resp.ToolCalls = append(resp.ToolCalls, *current)
				current = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			resp.StopReason = string(md.Delta.StopReason)
			if md.Usage.OutputTokens > 0 {
				resp.TokensOut = int(md.Usage.OutputTokens)
			}

		case "error":
			metrics.RecordLLMStream(model, "error", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)
			return nil, errors.New("anthropic stream error")
		}
	}

	if err := stream.Err(); err != nil {
		metrics.RecordLLMStream(model, "error", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	resp.Text = text.String()
	resp.LatencyMs = time.Since(start).Milliseconds()
	metrics.RecordLLMStream(model, "success", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)
	return resp, nil
}

// toAnthropicMessages moves system messages into the system prompt, since
// the Messages API only accepts user and assistant turns.
func toAnthropicMessages(messages []Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	var (
		system []anthropic.TextBlockParam
		out    []anthropic.MessageParam
	)

	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if msg.Content != "" {
				system = append(system, anthropic.TextBlockParam{Text: msg.Content})
			}
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.CallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}

	return system, out, nil
}

func toAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		raw, err := json.Marshal(tool.Schema)
		if err != nil {
			return nil, fmt.Errorf("encode tool schema for %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		out = append(out, param)
	}
	return out, nil
}
