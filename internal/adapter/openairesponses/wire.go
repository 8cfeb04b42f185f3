package openairesponses

import (
	"encoding/json"
	"fmt"
)

// Wire types for the OpenAI responses format.

// inputUnion is either a plain string (user text shorthand) or an array of
// typed input items.
type inputUnion struct {
	Text    string
	Items   []inputItem
	isItems bool
}

func (u *inputUnion) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		u.Text = s
		return nil
	}
	var items []inputItem
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("input must be a string or an array of items: %w", err)
	}
	u.Items = items
	u.isItems = true
	return nil
}

func (u inputUnion) MarshalJSON() ([]byte, error) {
	if u.isItems {
		return json.Marshal(u.Items)
	}
	return json.Marshal(u.Text)
}

// inputItem covers the item types the gateway understands: message,
// function_call, function_call_output and reasoning. Unmodelled item types
// round-trip through Raw.
type inputItem struct {
	Type    string        `json:"type,omitempty"`
	ID      string        `json:"id,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content *contentUnion `json:"content,omitempty"`

	// function_call / function_call_output.
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
	Status    string `json:"status,omitempty"`

	// reasoning.
	Summary          []summaryPart `json:"summary,omitempty"`
	EncryptedContent string        `json:"encrypted_content,omitempty"`
}

type summaryPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// contentUnion is either a plain string or an array of typed content parts.
type contentUnion struct {
	Text    string
	Parts   []contentPart
	isParts bool
}

func (u *contentUnion) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		u.Text = s
		return nil
	}
	var parts []contentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or an array of parts: %w", err)
	}
	u.Parts = parts
	u.isParts = true
	return nil
}

func (u contentUnion) MarshalJSON() ([]byte, error) {
	if u.isParts {
		return json.Marshal(u.Parts)
	}
	return json.Marshal(u.Text)
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	FileData string `json:"file_data,omitempty"`
	Filename string `json:"filename,omitempty"`
	Refusal  string `json:"refusal,omitempty"`
}

// toolDefinition is flat on the responses wire, unlike chat/completions
// where it nests under "function".
type toolDefinition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// toolChoice is "auto" | "none" | "required" or {"type":"function","name":...}.
type toolChoice struct {
	Mode string
	Name string
}

func (t *toolChoice) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		t.Mode = s
		return nil
	}
	var obj struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("tool_choice must be a string or an object: %w", err)
	}
	t.Mode = obj.Type
	t.Name = obj.Name
	return nil
}

func (t toolChoice) MarshalJSON() ([]byte, error) {
	if t.Mode == "function" {
		return json.Marshal(map[string]string{"type": "function", "name": t.Name})
	}
	return json.Marshal(t.Mode)
}

type reasoningConfig struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type responsesRequest struct {
	Model           string           `json:"model"`
	Input           *inputUnion      `json:"input,omitempty"`
	Instructions    string           `json:"instructions,omitempty"`
	MaxOutputTokens *int             `json:"max_output_tokens,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	TopP            *float64         `json:"top_p,omitempty"`
	Stream          bool             `json:"stream,omitempty"`
	Tools           []toolDefinition `json:"tools,omitempty"`
	ToolChoice      *toolChoice      `json:"tool_choice,omitempty"`
	Reasoning       *reasoningConfig `json:"reasoning,omitempty"`
	User            string           `json:"user,omitempty"`
}

var knownRequestKeys = map[string]bool{
	"model": true, "input": true, "instructions": true,
	"max_output_tokens": true, "temperature": true, "top_p": true,
	"stream": true, "tools": true, "tool_choice": true, "reasoning": true,
	"user": true,
}

type usagePayload struct {
	InputTokens        int `json:"input_tokens"`
	OutputTokens       int `json:"output_tokens"`
	TotalTokens        int `json:"total_tokens"`
	InputTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details,omitempty"`
	OutputTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"output_tokens_details,omitempty"`
}

type responsesResponse struct {
	ID        string        `json:"id"`
	Object    string        `json:"object"`
	CreatedAt int64         `json:"created_at"`
	Model     string        `json:"model"`
	Status    string        `json:"status"`
	Output    []inputItem   `json:"output"`
	Usage     *usagePayload `json:"usage,omitempty"`
	Error     *wireError    `json:"error,omitempty"`
}

type wireError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// streamEvent is the envelope every responses SSE payload shares. Fields
// beyond Type are populated per event kind.
type streamEvent struct {
	Type           string             `json:"type"`
	SequenceNumber int                `json:"sequence_number,omitempty"`
	Response       *responsesResponse `json:"response,omitempty"`
	OutputIndex    int                `json:"output_index,omitempty"`
	ContentIndex   int                `json:"content_index,omitempty"`
	ItemID         string             `json:"item_id,omitempty"`
	Item           *inputItem         `json:"item,omitempty"`
	Part           *contentPart       `json:"part,omitempty"`
	Delta          string             `json:"delta,omitempty"`
	Text           string             `json:"text,omitempty"`
	Arguments      string             `json:"arguments,omitempty"`
	Refusal        string             `json:"refusal,omitempty"`
	Error          *wireError         `json:"error,omitempty"`
}
