package passthrough

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/adapter"
)

// feedInPieces hands the stream to the sniffer in small chunks so line and
// marker boundaries fall mid-token.
func feedInPieces(s Sniffer, stream string, size int) {
	for i := 0; i < len(stream); i += size {
		end := min(i+size, len(stream))
		s.Feed([]byte(stream[i:end]))
	}
}

func TestAnthropicSniffer(t *testing.T) {
	t.Parallel()

	stream := "event: message_start\n" +
		`data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":25,"output_tokens":1,"cache_read_input_tokens":10}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":42}}` + "\n\n" +
		"event: message_stop\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	for _, chunkSize := range []int{7, 4096} {
		s := SnifferFor(adapter.FormatAnthropic)
		feedInPieces(s, stream, chunkSize)

		u, ok := s.Usage()
		require.True(t, ok)
		assert.Equal(t, 25, u.InputTokens)
		assert.Equal(t, 42, u.OutputTokens)
		assert.Equal(t, 10, u.CacheReadTokens)
	}
}

func TestChatSniffer(t *testing.T) {
	t.Parallel()

	t.Run("FinalChunkCarriesUsage", func(t *testing.T) {
		t.Parallel()
		stream := `data: {"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"Hi"}}]}` + "\n\n" +
			`data: {"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":30,"completion_tokens":12,"prompt_tokens_details":{"cached_tokens":8}}}` + "\n\n" +
			"data: [DONE]\n\n"

		s := SnifferFor(adapter.FormatOpenAIChat)
		feedInPieces(s, stream, 11)

		u, ok := s.Usage()
		require.True(t, ok)
		// prompt_tokens include the cached tokens; they are split out.
		assert.Equal(t, 22, u.InputTokens)
		assert.Equal(t, 8, u.CacheReadTokens)
		assert.Equal(t, 12, u.OutputTokens)
	})

	t.Run("NoUsageInStream", func(t *testing.T) {
		t.Parallel()
		s := SnifferFor(adapter.FormatOpenAIChat)
		s.Feed([]byte(`data: {"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"Hi"}}]}` + "\n\ndata: [DONE]\n\n"))

		_, ok := s.Usage()
		assert.False(t, ok)
	})
}

func TestResponsesSniffer(t *testing.T) {
	t.Parallel()

	stream := "event: response.output_text.delta\n" +
		`data: {"type":"response.output_text.delta","delta":"Hello {there}"}` + "\n\n" +
		"event: response.completed\n" +
		`data: {"type":"response.completed","response":{"id":"resp_1","status":"completed","usage":{"input_tokens":50,"output_tokens":20,"input_tokens_details":{"cached_tokens":15},"output_tokens_details":{"reasoning_tokens":5}}}}` + "\n\n"

	for _, chunkSize := range []int{5, 64, len(stream)} {
		s := SnifferFor(adapter.FormatOpenAIResponses)
		feedInPieces(s, stream, chunkSize)

		u, ok := s.Usage()
		require.True(t, ok, "chunk size %d", chunkSize)
		assert.Equal(t, 35, u.InputTokens)
		assert.Equal(t, 15, u.CacheReadTokens)
		assert.Equal(t, 20, u.OutputTokens)
		assert.Equal(t, 5, u.ReasoningTokens)
	}
}

func TestResponsesSnifferSpacedJSON(t *testing.T) {
	t.Parallel()

	// Some upstreams emit a space after the colon; the marker search must
	// not depend on compact encoding.
	stream := "event: response.completed\n" +
		`data: {"type": "response.completed", "response": {"id": "resp_1", "usage": {"input_tokens": 18, "output_tokens": 7, "input_tokens_details": {"cached_tokens": 6}}}}` + "\n\n"

	for _, chunkSize := range []int{5, len(stream)} {
		s := SnifferFor(adapter.FormatOpenAIResponses)
		feedInPieces(s, stream, chunkSize)

		u, ok := s.Usage()
		require.True(t, ok, "chunk size %d", chunkSize)
		assert.Equal(t, 12, u.InputTokens)
		assert.Equal(t, 6, u.CacheReadTokens)
		assert.Equal(t, 7, u.OutputTokens)
	}
}

func TestResponsesSnifferBracesInsideStrings(t *testing.T) {
	t.Parallel()

	// Output text embedded in the completed snapshot contains braces and
	// escaped quotes; the balancer must not close on them.
	stream := `data: {"type":"response.completed","response":{"output":[{"type":"message","content":[{"type":"output_text","text":"fn() { return \"}\" }"}]}],"usage":{"input_tokens":10,"output_tokens":4}}}` + "\n\n"

	s := SnifferFor(adapter.FormatOpenAIResponses)
	feedInPieces(s, stream, 9)

	u, ok := s.Usage()
	require.True(t, ok)
	assert.Equal(t, 10, u.InputTokens)
	assert.Equal(t, 4, u.OutputTokens)
}

func TestSniffBody(t *testing.T) {
	t.Parallel()

	t.Run("Anthropic", func(t *testing.T) {
		t.Parallel()
		body := []byte(`{"id":"msg_1","type":"message","usage":{"input_tokens":100,"output_tokens":40,"cache_creation_input_tokens":12}}`)
		u, ok := SniffBody(adapter.FormatAnthropic, body)
		require.True(t, ok)
		assert.Equal(t, 100, u.InputTokens)
		assert.Equal(t, 40, u.OutputTokens)
		assert.Equal(t, 12, u.CacheWriteTokens)
	})

	t.Run("Responses", func(t *testing.T) {
		t.Parallel()
		body := []byte(`{"id":"resp_1","usage":{"input_tokens":60,"output_tokens":30,"input_tokens_details":{"cached_tokens":20}}}`)
		u, ok := SniffBody(adapter.FormatOpenAIResponses, body)
		require.True(t, ok)
		assert.Equal(t, 40, u.InputTokens)
		assert.Equal(t, 20, u.CacheReadTokens)
	})

	t.Run("ChatCompletions", func(t *testing.T) {
		t.Parallel()
		body := []byte(`{"id":"chatcmpl-1","usage":{"prompt_tokens":9,"completion_tokens":3}}`)
		u, ok := SniffBody(adapter.FormatOpenAIChat, body)
		require.True(t, ok)
		assert.Equal(t, 9, u.InputTokens)
		assert.Equal(t, 3, u.OutputTokens)
	})

	t.Run("MalformedBody", func(t *testing.T) {
		t.Parallel()
		_, ok := SniffBody(adapter.FormatAnthropic, []byte("not json"))
		assert.False(t, ok)
	})
}
