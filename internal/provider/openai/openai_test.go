package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/canonical"
	"github.com/modelgate/modelgate/internal/provider"
)

func testRequest() *canonical.Request {
	return &canonical.Request{
		Model: "gpt-4o",
		Messages: []canonical.Message{{
			Role:    canonical.RoleUser,
			Content: []canonical.Part{canonical.TextPart("hi")},
		}},
	}
}

func TestNew(t *testing.T) {
	t.Run("NoAPIKey", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		_, err := New(provider.NewConfig())
		assert.ErrorIs(t, err, provider.ErrNoAPIKey)
	})

	t.Run("KeyFromEnv", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-test")
		c, err := New(provider.NewConfig())
		require.NoError(t, err)
		assert.Equal(t, "openai", c.Name())
	})
}

func TestChatCompletion(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o", body["model"])
		assert.Equal(t, float64(1), body["custom_knob"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "model": "gpt-4o",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4}
		}`))
	}))
	defer srv.Close()

	c, err := New(provider.NewConfig(
		provider.WithAPIKey("sk-test"),
		provider.WithBaseURL(srv.URL),
	))
	require.NoError(t, err)

	req := testRequest()
	req.ProviderParams = map[string]map[string]any{"openai": {"custom_knob": 1}}

	resp, err := c.ChatCompletion(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Choices[0].Message.Text())
	assert.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestChatCompletionAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "bad key"}}`))
	}))
	defer srv.Close()

	c, err := New(provider.NewConfig(
		provider.WithAPIKey("sk-bad"),
		provider.WithBaseURL(srv.URL),
	))
	require.NoError(t, err)

	_, err = c.ChatCompletion(context.Background(), testRequest())
	require.Error(t, err)

	var apiErr *provider.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.False(t, apiErr.Retryable)
}

func TestStreamingResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"id\":\"chatcmpl-1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hi\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c, err := New(provider.NewConfig(
		provider.WithAPIKey("sk-test"),
		provider.WithBaseURL(srv.URL),
	))
	require.NoError(t, err)

	stream, err := c.StreamingResponse(context.Background(), testRequest())
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	var lines []string
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"content":"Hi"`)
	assert.Equal(t, "data: [DONE]", lines[1])
}
