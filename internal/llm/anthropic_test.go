package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatParsesTextAndToolCalls(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Tools, 1)
		assert.Equal(t, "CREATE_WORKTREE", req.Tools[0].Name)

		_, _ = w.Write([]byte(`{
			"content": [
				{"type": "text", "text": "Spinning up a worktree."},
				{"type": "tool_use", "id": "t1", "name": "CREATE_WORKTREE", "input": {"projectId": "p1", "name": "auth"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 120, "output_tokens": 45}
		}`))
	}))
	defer ts.Close()

	c := NewAnthropicClient("test-key", WithBaseURL(ts.URL))
	resp, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "tick"}},
		Tools: []Tool{{
			Name:        "CREATE_WORKTREE",
			Description: "Create a worktree",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Spinning up a worktree.", resp.Text)
	assert.Equal(t, "tool_use", resp.StopReason)
	assert.Equal(t, 45, resp.Usage.OutputTokens)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "CREATE_WORKTREE", resp.ToolCalls[0].Name)

	var input struct {
		ProjectID string `json:"projectId"`
		Name      string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(resp.ToolCalls[0].Input, &input))
	assert.Equal(t, "auth", input.Name)
}

func TestChatRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error": {"type": "rate_limit_error"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"content": [{"type": "text", "text": "ok"}], "stop_reason": "end_turn", "usage": {}}`))
	}))
	defer ts.Close()

	c := NewAnthropicClient("test-key", WithBaseURL(ts.URL))
	c.policy.BaseDelay = 1 // keep the test fast

	resp, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.EqualValues(t, 2, calls.Load())
}

func TestChatDoesNotRetryOn400(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"type": "invalid_request_error"}}`))
	}))
	defer ts.Close()

	c := NewAnthropicClient("test-key", WithBaseURL(ts.URL))
	_, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}
