package canonical

import (
	"errors"
	"fmt"
)

// FinishReason describes why generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishStopSequence  FinishReason = "stop_sequence"
	FinishError         FinishReason = "error"
)

// ParseFinishReason maps vendor stop reasons onto the canonical set.
func ParseFinishReason(s string) FinishReason {
	switch s {
	case "stop", "end_turn", "completed":
		return FinishStop
	case "length", "max_tokens", "max_output_tokens", "incomplete":
		return FinishLength
	case "tool_calls", "tool_use", "function_call":
		return FinishToolCalls
	case "content_filter", "refusal":
		return FinishContentFilter
	case "stop_sequence":
		return FinishStopSequence
	case "error", "failed":
		return FinishError
	default:
		return FinishReason(s)
	}
}

// Usage carries token counts in both vendor vocabularies so consumers of
// either see a filled-in record.
type Usage struct {
	// Anthropic vocabulary.
	InputTokens      int `json:"inputTokens"`
	OutputTokens     int `json:"outputTokens"`
	CacheWriteTokens int `json:"cacheWriteTokens,omitempty"`
	CacheReadTokens  int `json:"cacheReadTokens,omitempty"`

	// OpenAI vocabulary (duplicated from the above on translation).
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`

	CachedTokens    int `json:"cachedTokens,omitempty"`
	ReasoningTokens int `json:"reasoningTokens,omitempty"`
	TotalTokens     int `json:"totalTokens"`
}

// Normalize fills the derived fields from whichever vocabulary was set.
func (u *Usage) Normalize() {
	if u.InputTokens == 0 && u.PromptTokens > 0 {
		u.InputTokens = u.PromptTokens
	}
	if u.OutputTokens == 0 && u.CompletionTokens > 0 {
		u.OutputTokens = u.CompletionTokens
	}
	u.PromptTokens = u.InputTokens
	u.CompletionTokens = u.OutputTokens
	if u.CachedTokens == 0 {
		u.CachedTokens = u.CacheWriteTokens + u.CacheReadTokens
	}
	u.TotalTokens = u.InputTokens + u.CacheWriteTokens + u.CacheReadTokens + u.OutputTokens
}

// Choice is one generated alternative.
type Choice struct {
	Index        int          `json:"index"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finishReason"`
}

// Response is the canonical non-streaming chat response.
type Response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Created int64    `json:"created"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`

	// ProviderRaw preserves provider fields unknown to canonical.
	ProviderRaw map[string]any `json:"providerRaw,omitempty"`
}

// Validate checks the response against the canonical schema before it is
// rendered to a client format.
func (r *Response) Validate() error {
	if r.ID == "" {
		return errors.New("response id is required")
	}
	if len(r.Choices) == 0 {
		return errors.New("response requires at least one choice")
	}
	for i, c := range r.Choices {
		switch c.FinishReason {
		case FinishStop, FinishLength, FinishToolCalls, FinishContentFilter,
			FinishStopSequence, FinishError, "":
		default:
			return fmt.Errorf("choice %d: unknown finish reason %q", i, c.FinishReason)
		}
		if c.Message.Role == "" {
			return fmt.Errorf("choice %d: message role is required", i)
		}
	}
	return nil
}
