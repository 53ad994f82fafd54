package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicCompleteRoundTrip(t *testing.T) {
	t.Parallel()

	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [
				{"type": "text", "text": "Let me check."},
				{"type": "tool_use", "id": "toolu_1", "name": "queryEntries", "input": {"moduleId": "fin"}}
			],
			"stop_reason": "tool_use",
			"stop_sequence": null,
			"usage": {"input_tokens": 12, "output_tokens": 7}
		}`)
	}))
	defer srv.Close()

	p := NewAnthropic(AnthropicConfig{APIKey: "test-key", BaseURL: srv.URL, Timeout: 5 * time.Second})
	resp, err := p.Complete(context.Background(), Request{
		Model:     "claude-test",
		MaxTokens: 256,
		System:    "be brief",
		Tools: []ToolDefinition{{
			Name:        "queryEntries",
			Description: "Query entries",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"moduleId":{"type":"string"}},"required":["moduleId"]}`),
		}},
		Messages: []Message{
			{Role: RoleUser, Content: []Block{TextBlock("how much did I spend?")}},
			{Role: RoleAssistant, Content: []Block{{Type: BlockToolUse, ID: "toolu_0", Name: "queryEntries", Input: json.RawMessage(`{"moduleId":"fin"}`)}}},
			{Role: RoleUser, Content: []Block{ToolResultBlock("toolu_0", `{"count":0,"entries":[]}`)}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StopToolUse, resp.StopReason)
	assert.Equal(t, "Let me check.", resp.Text())
	uses := resp.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, "toolu_1", uses[0].ID)
	assert.JSONEq(t, `{"moduleId":"fin"}`, string(uses[0].Input))
	assert.Equal(t, int64(12), resp.Usage.InputTokens)
	assert.Equal(t, int64(7), resp.Usage.OutputTokens)

	require.NotNil(t, captured)
	assert.Equal(t, "claude-test", captured["model"])
	assert.EqualValues(t, 256, captured["max_tokens"])
	msgs, ok := captured["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 3)
	tools, ok := captured["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
	assert.Equal(t, "queryEntries", tools[0].(map[string]any)["name"])
}

func TestAnthropicCompleteSurfacesAPIErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`)
	}))
	defer srv.Close()

	p := NewAnthropic(AnthropicConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := p.Complete(context.Background(), Request{
		Model:     "claude-test",
		MaxTokens: 16,
		Messages:  []Message{{Role: RoleUser, Content: []Block{TextBlock("hi")}}},
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "adapter must not retry")
}

func TestResponseTextJoinsBlocks(t *testing.T) {
	t.Parallel()

	resp := &Response{Content: []Block{TextBlock("a"), {Type: BlockToolUse, ID: "x"}, TextBlock("b")}}
	if got := resp.Text(); got != "a\nb" {
		t.Fatalf("Text() = %q, want %q", got, "a\nb")
	}
}
