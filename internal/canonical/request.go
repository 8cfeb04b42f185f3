// Package canonical defines the provider-neutral intermediate representation
// for chat requests, responses, and streaming events. Every client wire format
// normalises into these types and every provider request is rendered from them.
package canonical

import (
	"errors"
	"fmt"
	"strings"
)

// SchemaVersion is bumped on breaking changes to the canonical types.
const SchemaVersion = "2024-10-01"

// Role identifies the author of a message turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ParseRole normalizes role aliases used by different vendors.
func ParseRole(s string) Role {
	switch strings.ToLower(s) {
	case "system", "sys", "developer":
		return RoleSystem
	case "user", "human":
		return RoleUser
	case "assistant", "ai", "bot", "model":
		return RoleAssistant
	case "tool", "function":
		return RoleTool
	default:
		return Role(s)
	}
}

// PartType identifies a typed content part within a message.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartAudio      PartType = "audio"
	PartDocument   PartType = "document"
	PartToolResult PartType = "tool_result"
	PartReasoning  PartType = "reasoning"
)

// Part is one typed content element of a message.
type Part struct {
	Type PartType `json:"type"`

	// Text is set for PartText.
	Text string `json:"text,omitempty"`

	// URL or Data (base64) carry media payloads for image/audio/document parts.
	URL       string `json:"url,omitempty"`
	Data      string `json:"data,omitempty"`
	MediaType string `json:"mediaType,omitempty"`

	// ToolResult is set for PartToolResult.
	ToolResult *ToolResult `json:"toolResult,omitempty"`

	// Reasoning is set for PartReasoning.
	Reasoning *Reasoning `json:"reasoning,omitempty"`
}

// TextPart is a convenience constructor for plain text content.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ToolResult carries the output of a tool invocation back to the model.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
}

// Reasoning preserves provider reasoning blocks across translation.
type Reasoning struct {
	Summary          string `json:"summary,omitempty"`
	Content          string `json:"content,omitempty"`
	EncryptedContent string `json:"encryptedContent,omitempty"`
}

// ToolCall is a function invocation requested by the model. Arguments is the
// raw JSON string as received from the provider.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one turn of the conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    []Part     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
}

// Text returns the concatenated text parts of the message.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Content {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Tool describes a function the model may call. Parameters is a JSON schema
// object passed through verbatim.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolChoiceType constrains how the model may use tools.
type ToolChoiceType string

const (
	ToolChoiceAuto     ToolChoiceType = "auto"
	ToolChoiceRequired ToolChoiceType = "required"
	ToolChoiceNone     ToolChoiceType = "none"
	ToolChoiceFunction ToolChoiceType = "function"
)

// ToolChoice selects the tool-use policy. Name is set only for
// ToolChoiceFunction.
type ToolChoice struct {
	Type ToolChoiceType `json:"type"`
	Name string         `json:"name,omitempty"`
}

// Generation carries the sampling knobs providers accept under different keys.
type Generation struct {
	MaxTokens     *int     `json:"maxTokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"topP,omitempty"`
	TopK          *int     `json:"topK,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
}

// Thinking enables extended reasoning where the provider supports it.
type Thinking struct {
	Enabled      bool `json:"enabled"`
	BudgetTokens *int `json:"budgetTokens,omitempty"`
}

// Request is the canonical chat request.
type Request struct {
	SchemaVersion string `json:"schemaVersion"`

	// Model may carry a leading provider qualifier ("openai/gpt-4o");
	// the router strips it before dispatch.
	Model string `json:"model"`

	System   []Part    `json:"system,omitempty"`
	Messages []Message `json:"messages"`

	Tools      []Tool      `json:"tools,omitempty"`
	ToolChoice *ToolChoice `json:"toolChoice,omitempty"`

	Generation Generation `json:"generation"`
	Stream     bool       `json:"stream,omitempty"`
	User       string     `json:"user,omitempty"`

	// ProviderParams maps a provider name to opaque opt-in fields copied
	// verbatim into the outbound request for that provider.
	ProviderParams map[string]map[string]any `json:"providerParams,omitempty"`

	Thinking        *Thinking `json:"thinking,omitempty"`
	ReasoningEffort string    `json:"reasoningEffort,omitempty"`
}

// SystemText returns the system prompt flattened to a single string.
func (r *Request) SystemText() string {
	var sb strings.Builder
	for i, p := range r.System {
		if p.Type != PartText {
			continue
		}
		if i > 0 && sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// SplitModel splits an optional "provider/model" qualifier. The second return
// is the bare model name; ok reports whether a qualifier was present.
func SplitModel(model string) (provider, name string, ok bool) {
	provider, name, ok = strings.Cut(model, "/")
	if !ok || provider == "" || name == "" {
		return "", model, false
	}
	return provider, name, true
}

var (
	ErrNoModel      = errors.New("model is required")
	ErrNoMessages   = errors.New("at least one message is required")
	ErrEmptyContent = errors.New("message content must not be empty")
)

// Validate checks the request against the canonical schema. Adapters must
// not run on an invalid request.
func (r *Request) Validate() error {
	if r.Model == "" {
		return ErrNoModel
	}
	if len(r.Messages) == 0 {
		return ErrNoMessages
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
		if len(m.Content) == 0 && len(m.ToolCalls) == 0 {
			return fmt.Errorf("message %d: %w", i, ErrEmptyContent)
		}
		for j, p := range m.Content {
			if err := validatePart(p); err != nil {
				return fmt.Errorf("message %d part %d: %w", i, j, err)
			}
		}
	}
	for i, tool := range r.Tools {
		if tool.Name == "" {
			return fmt.Errorf("tool %d: name is required", i)
		}
	}
	if tc := r.ToolChoice; tc != nil {
		switch tc.Type {
		case ToolChoiceAuto, ToolChoiceRequired, ToolChoiceNone:
		case ToolChoiceFunction:
			if tc.Name == "" {
				return errors.New("tool choice of type function requires a name")
			}
		default:
			return fmt.Errorf("unknown tool choice type %q", tc.Type)
		}
	}
	if g := r.Generation; g.MaxTokens != nil && *g.MaxTokens <= 0 {
		return errors.New("maxTokens must be positive")
	}
	return nil
}

func validatePart(p Part) error {
	switch p.Type {
	case PartText:
		return nil
	case PartImage, PartAudio, PartDocument:
		if p.URL == "" && p.Data == "" {
			return fmt.Errorf("%s part requires url or data", p.Type)
		}
		return nil
	case PartToolResult:
		if p.ToolResult == nil || p.ToolResult.ToolCallID == "" {
			return errors.New("tool_result part requires a tool call id")
		}
		return nil
	case PartReasoning:
		return nil
	default:
		return fmt.Errorf("unknown part type %q", p.Type)
	}
}
