package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/adapter"
	_ "github.com/modelgate/modelgate/internal/adapter/anthropic"
	_ "github.com/modelgate/modelgate/internal/adapter/openaichat"
	_ "github.com/modelgate/modelgate/internal/adapter/openairesponses"
	"github.com/modelgate/modelgate/internal/canonical"
	"github.com/modelgate/modelgate/internal/metrics"
	"github.com/modelgate/modelgate/internal/pricing"
	"github.com/modelgate/modelgate/internal/provider"
	_ "github.com/modelgate/modelgate/internal/provider/allproviders"
	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/internal/usage"
)

func testCatalog(t *testing.T) *pricing.Catalog {
	t.Helper()
	c := pricing.NewCatalog()
	require.NoError(t, c.LoadDescriptor([]byte(`
provider: openai
models:
  gpt-4o: {input: 2.5, output: 10}
`)))
	require.NoError(t, c.LoadDescriptor([]byte(`
provider: anthropic
models:
  claude-sonnet-4-20250514: {input: 3, output: 15}
`)))
	return c
}

func testStore(t *testing.T, catalog *pricing.Catalog) *usage.Store {
	t.Helper()
	db, err := usage.OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return usage.NewStore(db, catalog)
}

func newPipeline(t *testing.T, upstream string, providers []provider.Type, opts ...Option) (*Pipeline, *usage.Store) {
	t.Helper()
	catalog := testCatalog(t)
	store := testStore(t, catalog)

	cfg := provider.Config{APIKey: "test-key", BaseURL: upstream}
	base := []Option{WithUsageStore(store)}
	for _, p := range providers {
		base = append(base, WithProviderConfig(p, cfg))
	}
	return New(router.New(catalog, providers), append(base, opts...)...), store
}

func recordedRequests(t *testing.T, store *usage.Store) int {
	t.Helper()
	sum, err := store.Query(context.Background(), usage.QueryParams{})
	require.NoError(t, err)
	return sum.TotalRequests
}

func TestAdapterPathNonStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-up",
			"model": "gpt-4o",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
		}`))
	}))
	defer srv.Close()

	p, store := newPipeline(t, srv.URL, []provider.Type{provider.TypeOpenAI})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"Hi"}]}`))
	rec := httptest.NewRecorder()
	p.Handle(rec, req, adapter.FormatOpenAIChat)

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	choices := got["choices"].([]any)
	require.Len(t, choices, 1)
	msg := choices[0].(map[string]any)["message"].(map[string]any)
	assert.Equal(t, "Hello", msg["content"])

	assert.Equal(t, 1, recordedRequests(t, store))
}

func TestAdapterPathStreaming(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{
			`data: {"id":"chatcmpl-up","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
			`data: {"id":"chatcmpl-up","choices":[{"index":0,"delta":{"content":"Hi"}}]}`,
			`data: {"id":"chatcmpl-up","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`data: {"id":"chatcmpl-up","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":2}}`,
			`data: [DONE]`,
		} {
			_, _ = w.Write([]byte(line + "\n\n"))
		}
	}))
	defer srv.Close()

	p, store := newPipeline(t, srv.URL, []provider.Type{provider.TypeOpenAI})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"Hi"}]}`))
	rec := httptest.NewRecorder()
	p.Handle(rec, req, adapter.FormatOpenAIChat)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, `"content":"Hi"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	assert.Equal(t, 1, recordedRequests(t, store))
}

func TestPassthroughNonStream(t *testing.T) {
	t.Parallel()

	upstream := `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-20250514",` +
		`"content":[{"type":"text","text":"Hi"}],"stop_reason":"end_turn",` +
		`"usage":{"input_tokens":9,"output_tokens":3},"vendor_extra":{"k":"v"}}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		_, _ = w.Write([]byte(upstream))
	}))
	defer srv.Close()

	p, store := newPipeline(t, srv.URL, []provider.Type{provider.TypeAnthropic})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4-20250514","max_tokens":100,"messages":[{"role":"user","content":"Hi"}]}`))
	rec := httptest.NewRecorder()
	p.Handle(rec, req, adapter.FormatAnthropic)

	require.Equal(t, http.StatusOK, rec.Code)
	// The upstream body is forwarded byte for byte, unknown fields intact.
	assert.Equal(t, upstream, rec.Body.String())
	assert.Equal(t, 1, recordedRequests(t, store))
}

func TestPassthroughStreaming(t *testing.T) {
	t.Parallel()

	lines := []string{
		"event: message_start",
		`data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":7,"output_tokens":1}}}`,
		"",
		"event: content_block_delta",
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`,
		"",
		"event: message_delta",
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`,
		"",
		"event: message_stop",
		`data: {"type":"message_stop"}`,
		"",
	}
	raw := strings.Join(lines, "\n") + "\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(raw))
	}))
	defer srv.Close()

	p, store := newPipeline(t, srv.URL, []provider.Type{provider.TypeAnthropic})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4-20250514","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"Hi"}]}`))
	rec := httptest.NewRecorder()
	p.Handle(rec, req, adapter.FormatAnthropic)

	require.Equal(t, http.StatusOK, rec.Code)
	// Prefix-preserving byte copy.
	assert.Equal(t, raw, rec.Body.String())

	sum, err := store.Query(context.Background(), usage.QueryParams{})
	require.NoError(t, err)
	require.Equal(t, 1, sum.TotalRequests)
	require.Len(t, sum.Records, 1)
	assert.Equal(t, 7, sum.Records[0].InputTokens)
	assert.Equal(t, 5, sum.Records[0].OutputTokens)
}

func TestCanonicalModeForcesAdapterPath(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Adapter path still reaches the provider's native endpoint, but
		// the response below is re-rendered, not forwarded verbatim.
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-20250514",` +
			`"content":[{"type":"text","text":"Hi"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":2}}`))
	}))
	defer srv.Close()

	p, _ := newPipeline(t, srv.URL, []provider.Type{provider.TypeAnthropic}, WithCanonicalMode(true))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4-20250514","max_tokens":100,"messages":[{"role":"user","content":"Hi"}]}`))
	rec := httptest.NewRecorder()
	p.Handle(rec, req, adapter.FormatAnthropic)

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "message", got["type"])
}

func TestErrors(t *testing.T) {
	t.Parallel()

	t.Run("MalformedBody", func(t *testing.T) {
		t.Parallel()
		p, _ := newPipeline(t, "http://localhost:0", []provider.Type{provider.TypeOpenAI})

		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("not json"))
		rec := httptest.NewRecorder()
		p.Handle(rec, req, adapter.FormatOpenAIChat)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var got openAIErrorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, string(KindInvalidInput), got.Error.Type)
	})

	t.Run("UnknownModel", func(t *testing.T) {
		t.Parallel()
		p, _ := newPipeline(t, "http://localhost:0", []provider.Type{provider.TypeOpenAI})

		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
			strings.NewReader(`{"model":"made-up","messages":[{"role":"user","content":"Hi"}]}`))
		rec := httptest.NewRecorder()
		p.Handle(rec, req, adapter.FormatOpenAIChat)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var got openAIErrorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, string(KindModelNotFound), got.Error.Type)
	})

	t.Run("NoProvidersConfigured", func(t *testing.T) {
		t.Parallel()
		p, _ := newPipeline(t, "http://localhost:0", nil)

		req := httptest.NewRequest(http.MethodPost, "/v1/messages",
			strings.NewReader(`{"model":"claude-sonnet-4-20250514","max_tokens":10,"messages":[{"role":"user","content":"Hi"}]}`))
		rec := httptest.NewRecorder()
		p.Handle(rec, req, adapter.FormatAnthropic)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		// The error body is rendered in the anthropic shape.
		var got anthropicErrorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "error", got.Type)
		assert.Equal(t, string(KindNoProviders), got.Error.Type)
	})

	t.Run("UpstreamErrorForwarded", func(t *testing.T) {
		t.Parallel()
		upstreamBody := `{"error":{"message":"model overloaded","type":"invalid_request_error"}}`
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(upstreamBody))
		}))
		defer srv.Close()

		p, store := newPipeline(t, srv.URL, []provider.Type{provider.TypeOpenAI})

		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
			strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"Hi"}]}`))
		rec := httptest.NewRecorder()
		p.Handle(rec, req, adapter.FormatOpenAIChat)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, upstreamBody, rec.Body.String())
		assert.Zero(t, recordedRequests(t, store))
	})
}

func TestStorageFailureCounted(t *testing.T) {
	t.Parallel()

	catalog := testCatalog(t)
	db, err := usage.OpenDB(":memory:")
	require.NoError(t, err)
	store := usage.NewStore(db, catalog)
	// A closed database makes every Record call fail.
	require.NoError(t, db.Close())

	m := metrics.New("test")
	p := New(router.New(catalog, []provider.Type{provider.TypeOpenAI}),
		WithUsageStore(store), WithMetrics(m))

	res := router.Resolution{Provider: provider.TypeOpenAI, Model: "gpt-4o"}
	p.account(context.Background(), "req-1", res,
		canonical.Usage{InputTokens: 10, OutputTokens: 2}, "/v1/chat/completions")

	expected := `
# HELP modelgate_errors_total Failed requests by provider and error kind
# TYPE modelgate_errors_total counter
modelgate_errors_total{kind="storage_error",provider="openai"} 1
`
	require.NoError(t, testutil.GatherAndCompare(metrics.NewRegistry(m),
		strings.NewReader(expected), "modelgate_errors_total"))
}

func TestProviderHint(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions?provider=anthropic", nil)
	assert.Equal(t, "anthropic", providerHint(req))

	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("X-Provider", "openai")
	assert.Equal(t, "openai", providerHint(req))
}
