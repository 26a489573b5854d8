package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAI_SendMapsRequestAndResponse(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{
			"model": "gpt-test-0001",
			"choices": [{
				"message": {"content": null, "tool_calls": [
					{"id": "call_1", "type": "function", "function": {"name": "structured_output", "arguments": "{\"speech_act\":\"greeting\"}"}}
				]},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 42, "completion_tokens": 7}
		}`))
	}))
	defer ts.Close()

	p := NewOpenAIProvider("sk-test", WithBaseURL(ts.URL+"/"), WithHTTPClient(ts.Client()))
	req := NewRequest("gpt-test", "classify: hello")
	req.MaxTokens = 500
	req.Temperature = 0.2
	req.OutputSchema = map[string]any{"type": "object"}
	req.OutputTool = "structured_output"

	resp, err := p.Send(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "gpt-test", got["model"])
	assert.EqualValues(t, 500, got["max_tokens"])
	tools := got["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "structured_output", tools[0].(map[string]any)["function"].(map[string]any)["name"])

	assert.Equal(t, "gpt-test-0001", resp.ModelID)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	assert.Equal(t, Usage{InputTokens: 42, OutputTokens: 7}, resp.Usage)
	uses := resp.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, "greeting", uses[0].Input["speech_act"])
	assert.Empty(t, resp.Content())
}

func TestOpenAI_ToolResultsBecomeToolMessages(t *testing.T) {
	var got openAIRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"done"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`))
	}))
	defer ts.Close()

	req := NewRequest("m", "list the files")
	req.Messages = append(req.Messages,
		Message{Role: RoleAssistant, Blocks: []ContentBlock{{Type: BlockToolUse, ID: "c1", Name: "list_files", Input: map[string]any{"dir": "."}}}},
		Message{Role: RoleUser, Blocks: []ContentBlock{ToolResultBlock("c1", "list_files", "a.txt", false)}},
	)
	resp, err := NewOpenAIProvider("k", WithBaseURL(ts.URL)).Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content())

	require.Len(t, got.Messages, 3)
	assert.Equal(t, "assistant", got.Messages[1].Role)
	require.Len(t, got.Messages[1].ToolCalls, 1)
	assert.JSONEq(t, `{"dir":"."}`, got.Messages[1].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "tool", got.Messages[2].Role)
	assert.Equal(t, "c1", got.Messages[2].ToolCallID)
}

func TestOpenAI_Errors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"status", http.StatusTooManyRequests, `{"error":"slow down"}`, func(t *testing.T, err error) {
			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
		}},
		{"garbage", http.StatusOK, `not json`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrMalformedResponse)
		}},
		{"no choices", http.StatusOK, `{"choices":[]}`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrMalformedResponse)
		}},
		{"bad arguments", http.StatusOK, `{"choices":[{"message":{"tool_calls":[{"id":"x","function":{"name":"f","arguments":"{"}}]}}]}`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrMalformedResponse)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer ts.Close()
			_, err := NewOpenAIProvider("k", WithBaseURL(ts.URL)).Send(context.Background(), NewRequest("m", "p"))
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestOpenAI_ContextDeadline(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewOpenAIProvider("k", WithBaseURL(ts.URL)).Send(ctx, NewRequest("m", "p"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequest_PromptText(t *testing.T) {
	req := NewRequest("m", "hello")
	assert.Equal(t, "hello", req.PromptText())

	req.Messages = append(req.Messages, Message{Role: RoleAssistant, Blocks: []ContentBlock{TextBlock("hi")}})
	assert.JSONEq(t, `[{"role":"user","blocks":[{"type":"text","text":"hello"}]},{"role":"assistant","blocks":[{"type":"text","text":"hi"}]}]`, req.PromptText())
}
