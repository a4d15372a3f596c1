package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func anthropicFrame(event, data string) string {
	return "event: " + event + "\ndata: " + data + "\n\n"
}

func TestAnthropicStreamTurn(t *testing.T) {
	frames := []string{
		anthropicFrame("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-sonnet-latest","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":25,"output_tokens":1}}}`),
		anthropicFrame("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		anthropicFrame("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking "}}`),
		anthropicFrame("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"now."}}`),
		anthropicFrame("content_block_stop", `{"type":"content_block_stop","index":0}`),
		anthropicFrame("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"getWeather","input":{}}}`),
		anthropicFrame("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"location\":"}}`),
		anthropicFrame("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"Pune\"}"}}`),
		anthropicFrame("content_block_stop", `{"type":"content_block_stop","index":1}`),
		anthropicFrame("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":40}}`),
		anthropicFrame("message_stop", `{"type":"message_stop"}`),
	}

	srv := sseServer(t, "/v1/messages", frames, func(body map[string]any) {
		system, _ := body["system"].([]any)
		if assert.Len(t, system, 1) {
			assert.Equal(t, "be helpful", system[0].(map[string]any)["text"])
		}
		msgs, _ := body["messages"].([]any)
		assert.Len(t, msgs, 1)
		tools, _ := body["tools"].([]any)
		if assert.Len(t, tools, 1) {
			assert.Equal(t, "getWeather", tools[0].(map[string]any)["name"])
		}
	})
	defer srv.Close()

	client, err := NewAnthropicClient("test", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	require.NoError(t, err)

	var text string
	resp, err := client.StreamTurn(context.Background(), &TurnRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "be helpful"},
			{Role: RoleUser, Content: "weather in Pune"},
		},
		Tools: []ToolSpec{{
			Name:        "getWeather",
			Description: "weather",
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"location": map[string]any{"type": "string"}},
				"required":   []any{"location"},
			},
		}},
	}, func(delta string) error {
		text += delta
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Checking now.", text)
	assert.Equal(t, "Checking now.", resp.Text)
	assert.Equal(t, 25, resp.TokensIn)
	assert.Equal(t, 40, resp.TokensOut)
	assert.Equal(t, "tool_use", resp.StopReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"location":"Pune"}`, string(resp.ToolCalls[0].Input))
}

func TestToAnthropicMessages(t *testing.T) {
	system, msgs, err := toAnthropicMessages([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "", ToolCalls: []ToolCall{{ID: "t1", Name: "getWeather", Input: json.RawMessage(`{"location":"Pune"}`)}}},
		{Role: RoleTool, ToolResults: []ToolResult{{CallID: "t1", Content: `{"tempC":21}`}}},
		{Role: RoleAssistant, Content: ""},
	})
	require.NoError(t, err)

	require.Len(t, system, 1)
	assert.Equal(t, "sys", system[0].Text)
	require.Len(t, msgs, 3)
	assert.Equal(t, "assistant", string(msgs[1].Role))
	assert.Equal(t, "user", string(msgs[2].Role))
}

func TestToAnthropicMessagesRejectsBadToolInput(t *testing.T) {
	_, _, err := toAnthropicMessages([]Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "t1", Name: "x", Input: json.RawMessage(`not json`)}}},
	})
	assert.Error(t, err)
}
