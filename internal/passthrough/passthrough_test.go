package passthrough

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/adapter"
	"github.com/modelgate/modelgate/internal/provider"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("RejectsMismatchedPair", func(t *testing.T) {
		t.Parallel()
		_, err := New(adapter.FormatAnthropic, provider.TypeOpenAI, provider.Config{APIKey: "k"})
		require.Error(t, err)
	})

}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	_, err := New(adapter.FormatOpenAIResponses, provider.TypeOpenAI, provider.Config{})
	assert.ErrorIs(t, err, provider.ErrNoAPIKey)
}

func TestForwarderSend(t *testing.T) {
	t.Parallel()

	t.Run("AnthropicHeadersAndDefaults", func(t *testing.T) {
		t.Parallel()
		var got map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/messages", r.URL.Path)
			assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
			assert.NotEmpty(t, r.Header.Get("anthropic-version"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","content":[],"usage":{"input_tokens":1,"output_tokens":1}}`))
		}))
		defer srv.Close()

		f, err := New(adapter.FormatAnthropic, provider.TypeAnthropic, provider.Config{
			APIKey:  "test-key",
			BaseURL: srv.URL,
		})
		require.NoError(t, err)

		body, err := f.Send(context.Background(), []byte(`{"model":"claude-sonnet-4-20250514","messages":[],"beta_flag":true}`), false)
		require.NoError(t, err)
		defer func() { _ = body.Close() }()
		_, _ = io.ReadAll(body)

		// max_tokens and stream are merged in; unknown fields survive.
		assert.Equal(t, false, got["stream"])
		assert.Equal(t, float64(8192), got["max_tokens"])
		assert.Equal(t, true, got["beta_flag"])
	})

	t.Run("ResponsesStreaming", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/responses", r.URL.Path)
			assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

			var got map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			assert.Equal(t, true, got["stream"])

			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = w.Write([]byte("event: response.created\ndata: {\"type\":\"response.created\"}\n\n"))
		}))
		defer srv.Close()

		f, err := New(adapter.FormatOpenAIResponses, provider.TypeOpenAI, provider.Config{
			APIKey:  "sk-test",
			BaseURL: srv.URL,
		})
		require.NoError(t, err)

		body, err := f.Send(context.Background(), []byte(`{"model":"gpt-4o","input":"hi"}`), true)
		require.NoError(t, err)
		defer func() { _ = body.Close() }()

		raw, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Contains(t, string(raw), "response.created")
	})

	t.Run("GrokSpeaksMessagesWire", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/messages", r.URL.Path)
			assert.Equal(t, "Bearer xai-key", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","content":[]}`))
		}))
		defer srv.Close()

		f, err := New(adapter.FormatAnthropic, provider.TypeXAI, provider.Config{
			APIKey:  "xai-key",
			BaseURL: srv.URL,
		})
		require.NoError(t, err)

		body, err := f.Send(context.Background(), []byte(`{"model":"grok-4","max_tokens":100,"messages":[]}`), false)
		require.NoError(t, err)
		_ = body.Close()
	})

	t.Run("InvalidBody", func(t *testing.T) {
		t.Parallel()
		f, err := New(adapter.FormatAnthropic, provider.TypeAnthropic, provider.Config{
			APIKey:  "k",
			BaseURL: "http://localhost:0",
		})
		require.NoError(t, err)

		_, err = f.Send(context.Background(), []byte("not json"), false)
		assert.Error(t, err)
	})
}

func TestPrepareBody(t *testing.T) {
	t.Parallel()

	t.Run("ChatStreamRequestsUsage", func(t *testing.T) {
		t.Parallel()
		out, err := PrepareBody(adapter.FormatOpenAIChat, []byte(`{"model":"gpt-4o"}`), true)
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, json.Unmarshal(out, &got))
		opts, ok := got["stream_options"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, opts["include_usage"])
	})

	t.Run("ExistingMaxTokensKept", func(t *testing.T) {
		t.Parallel()
		out, err := PrepareBody(adapter.FormatAnthropic, []byte(`{"model":"claude-3-haiku-20240307","max_tokens":321}`), false)
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, json.Unmarshal(out, &got))
		assert.Equal(t, float64(321), got["max_tokens"])
	})
}
