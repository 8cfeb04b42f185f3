package anthropic

import (
	"encoding/json"
	"fmt"
)

// Wire types for the Anthropic messages format.

// systemUnion is either a plain string or an array of text blocks.
type systemUnion struct {
	Text     string
	Blocks   []contentBlock
	isBlocks bool
}

func (u *systemUnion) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		u.Text = s
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("system must be a string or an array of blocks: %w", err)
	}
	u.Blocks = blocks
	u.isBlocks = true
	return nil
}

func (u systemUnion) MarshalJSON() ([]byte, error) {
	if u.isBlocks {
		return json.Marshal(u.Blocks)
	}
	return json.Marshal(u.Text)
}

// blockUnion is a message's content: a string shorthand or typed blocks.
// Marshalling always emits blocks; Anthropic content is canonically an array.
type blockUnion struct {
	Blocks []contentBlock
}

func (u *blockUnion) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		u.Blocks = []contentBlock{{Type: "text", Text: s}}
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content must be a string or an array of blocks: %w", err)
	}
	u.Blocks = blocks
	return nil
}

func (u blockUnion) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.Blocks)
}

// contentBlock covers text, image, document, tool_use, tool_result, thinking
// and redacted_thinking blocks.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// image / document.
	Source *blockSource `json:"source,omitempty"`

	// tool_use.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result.
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   *blockUnion `json:"content,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`

	// thinking / redacted_thinking.
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`
}

type blockSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type wireMessage struct {
	Role    string     `json:"role"`
	Content blockUnion `json:"content"`
}

type toolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// toolChoice is {"type":"auto"|"any"|"tool","name":...} on the wire.
type toolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type thinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens *int   `json:"budget_tokens,omitempty"`
}

type messagesRequest struct {
	Model         string           `json:"model"`
	System        *systemUnion     `json:"system,omitempty"`
	Messages      []wireMessage    `json:"messages"`
	MaxTokens     int              `json:"max_tokens"`
	Temperature   *float64         `json:"temperature,omitempty"`
	TopP          *float64         `json:"top_p,omitempty"`
	TopK          *int             `json:"top_k,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	Tools         []toolDefinition `json:"tools,omitempty"`
	ToolChoice    *toolChoice      `json:"tool_choice,omitempty"`
	Thinking      *thinkingConfig  `json:"thinking,omitempty"`
	Metadata      *metadata        `json:"metadata,omitempty"`
}

type metadata struct {
	UserID string `json:"user_id,omitempty"`
}

var knownRequestKeys = map[string]bool{
	"model": true, "system": true, "messages": true, "max_tokens": true,
	"temperature": true, "top_p": true, "top_k": true, "stop_sequences": true,
	"stream": true, "tools": true, "tool_choice": true, "thinking": true,
	"metadata": true,
}

type usagePayload struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

type messagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []contentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        *usagePayload  `json:"usage,omitempty"`
}

type wireError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// streamEvent is the envelope shared by messages SSE payloads.
type streamEvent struct {
	Type string `json:"type"`

	// message_start.
	Message *messagesResponse `json:"message,omitempty"`

	// content_block_start / _delta / _stop.
	Index        int           `json:"index,omitempty"`
	ContentBlock *contentBlock `json:"content_block,omitempty"`
	Delta        *blockDelta   `json:"delta,omitempty"`

	// message_delta.
	Usage *usagePayload `json:"usage,omitempty"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// blockDelta carries both content_block_delta payloads (keyed by Type) and
// message_delta's stop_reason.
type blockDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`

	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}
