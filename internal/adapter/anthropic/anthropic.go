// Package anthropic implements the adapter for the Anthropic messages wire
// format.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/adapter"
	"github.com/modelgate/modelgate/internal/canonical"
)

const providerParamsKey = "anthropic"

func init() {
	adapter.Register(New())
}

// Adapter translates Anthropic messages to and from canonical.
type Adapter struct{}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates the messages adapter.
func New() *Adapter {
	return &Adapter{}
}

// Format returns the wire format this adapter handles.
func (a *Adapter) Format() adapter.Format {
	return adapter.FormatAnthropic
}

// DefaultMaxTokens returns the per-model-family ceiling used when a request
// carries no explicit max_tokens. Anthropic rejects requests without one.
func DefaultMaxTokens(model string) int {
	switch {
	case strings.HasPrefix(model, "claude-3-5-sonnet"):
		return 8192
	case strings.HasPrefix(model, "claude-3-"):
		return 4096
	default:
		return 8192
	}
}

// ClientToCanonical parses a messages request into canonical form.
func (a *Adapter) ClientToCanonical(body []byte) (*canonical.Request, error) {
	var req messagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %s", adapter.ErrInvalidInput, err)
	}

	out := &canonical.Request{
		SchemaVersion: canonical.SchemaVersion,
		Model:         req.Model,
		Stream:        req.Stream,
		Generation: canonical.Generation{
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			TopK:          req.TopK,
			StopSequences: req.StopSequences,
		},
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		out.Generation.MaxTokens = &mt
	}
	if req.Metadata != nil {
		out.User = req.Metadata.UserID
	}
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		out.Thinking = &canonical.Thinking{
			Enabled:      true,
			BudgetTokens: req.Thinking.BudgetTokens,
		}
	}

	if req.System != nil {
		if req.System.isBlocks {
			for _, b := range req.System.Blocks {
				if b.Type == "text" {
					out.System = append(out.System, canonical.TextPart(b.Text))
				}
			}
		} else if req.System.Text != "" {
			out.System = []canonical.Part{canonical.TextPart(req.System.Text)}
		}
	}

	for _, m := range req.Messages {
		msg, err := wireToMessage(&m)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", adapter.ErrInvalidInput, err)
		}
		out.Messages = append(out.Messages, msg...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, canonical.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "auto":
			out.ToolChoice = &canonical.ToolChoice{Type: canonical.ToolChoiceAuto}
		case "any":
			out.ToolChoice = &canonical.ToolChoice{Type: canonical.ToolChoiceRequired}
		case "tool":
			out.ToolChoice = &canonical.ToolChoice{Type: canonical.ToolChoiceFunction, Name: req.ToolChoice.Name}
		default:
			return nil, fmt.Errorf("%w: unknown tool_choice type %q", adapter.ErrInvalidInput, req.ToolChoice.Type)
		}
	}

	if extra := extraFields(body, knownRequestKeys); len(extra) > 0 {
		out.ProviderParams = map[string]map[string]any{providerParamsKey: extra}
	}

	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", adapter.ErrInvalidInput, err)
	}
	return out, nil
}

// CanonicalToProvider renders the canonical request as a messages request.
// max_tokens is always present: Anthropic requires it.
func (a *Adapter) CanonicalToProvider(req *canonical.Request) ([]byte, error) {
	out := messagesRequest{
		Model:         req.Model,
		Temperature:   req.Generation.Temperature,
		TopP:          req.Generation.TopP,
		TopK:          req.Generation.TopK,
		StopSequences: req.Generation.StopSequences,
		Stream:        req.Stream,
	}
	if req.Generation.MaxTokens != nil {
		out.MaxTokens = *req.Generation.MaxTokens
	} else {
		out.MaxTokens = DefaultMaxTokens(req.Model)
	}
	if req.User != "" {
		out.Metadata = &metadata{UserID: req.User}
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		out.Thinking = &thinkingConfig{Type: "enabled", BudgetTokens: req.Thinking.BudgetTokens}
	}
	if system := req.SystemText(); system != "" {
		out.System = &systemUnion{Text: system}
	}

	for _, m := range req.Messages {
		wire, err := messageToWire(&m)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, wire)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, toolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	if tc := req.ToolChoice; tc != nil {
		switch tc.Type {
		case canonical.ToolChoiceAuto:
			out.ToolChoice = &toolChoice{Type: "auto"}
		case canonical.ToolChoiceRequired:
			out.ToolChoice = &toolChoice{Type: "any"}
		case canonical.ToolChoiceFunction:
			out.ToolChoice = &toolChoice{Type: "tool", Name: tc.Name}
		case canonical.ToolChoiceNone:
			// No "none" on this wire: the field is omitted entirely.
		}
	}

	return json.Marshal(out)
}

// ProviderToCanonical parses a messages response into canonical form.
func (a *Adapter) ProviderToCanonical(body []byte) (*canonical.Response, error) {
	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode messages body: %w", err)
	}
	if resp.Type == "error" {
		var we wireError
		if err := json.Unmarshal(body, &we); err == nil {
			return nil, fmt.Errorf("provider error: %s", we.Error.Message)
		}
		return nil, fmt.Errorf("provider error")
	}
	return responseToCanonical(&resp)
}

// CanonicalToClient renders a canonical response in the messages format.
func (a *Adapter) CanonicalToClient(resp *canonical.Response) ([]byte, error) {
	out := canonicalToResponse(resp)
	if out.ID == "" {
		out.ID = "msg_" + uuid.NewString()
		resp.ID = out.ID
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// NewStreamProcessor returns a fresh per-request stream processor.
func (a *Adapter) NewStreamProcessor() adapter.StreamProcessor {
	return newStreamProcessor()
}

// NewStreamRenderer returns a fresh per-request stream renderer.
func (a *Adapter) NewStreamRenderer() adapter.StreamRenderer {
	return newStreamRenderer()
}

// wireToMessage maps one wire message to canonical. A user message holding
// tool_result blocks splits into tool messages, matching how other formats
// model tool output as its own turn.
func wireToMessage(m *wireMessage) ([]canonical.Message, error) {
	role := canonical.ParseRole(m.Role)
	var msgs []canonical.Message
	current := canonical.Message{Role: role}

	flush := func() {
		if len(current.Content) > 0 || len(current.ToolCalls) > 0 {
			msgs = append(msgs, current)
			current = canonical.Message{Role: role}
		}
	}

	for _, b := range m.Content.Blocks {
		switch b.Type {
		case "text":
			current.Content = append(current.Content, canonical.TextPart(b.Text))
		case "image":
			part := canonical.Part{Type: canonical.PartImage}
			if b.Source != nil {
				part.URL = b.Source.URL
				part.Data = b.Source.Data
				part.MediaType = b.Source.MediaType
			}
			current.Content = append(current.Content, part)
		case "document":
			part := canonical.Part{Type: canonical.PartDocument}
			if b.Source != nil {
				part.URL = b.Source.URL
				part.Data = b.Source.Data
				part.MediaType = b.Source.MediaType
			}
			current.Content = append(current.Content, part)
		case "tool_use":
			current.ToolCalls = append(current.ToolCalls, canonical.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		case "tool_result":
			flush()
			text := ""
			if b.Content != nil {
				for _, inner := range b.Content.Blocks {
					if inner.Type == "text" {
						text += inner.Text
					}
				}
			}
			msgs = append(msgs, canonical.Message{
				Role:       canonical.RoleTool,
				ToolCallID: b.ToolUseID,
				Content: []canonical.Part{{
					Type: canonical.PartToolResult,
					ToolResult: &canonical.ToolResult{
						ToolCallID: b.ToolUseID,
						Content:    text,
						IsError:    b.IsError,
					},
				}},
			})
		case "thinking":
			current.Content = append(current.Content, canonical.Part{
				Type:      canonical.PartReasoning,
				Reasoning: &canonical.Reasoning{Content: b.Thinking, EncryptedContent: b.Signature},
			})
		case "redacted_thinking":
			current.Content = append(current.Content, canonical.Part{
				Type:      canonical.PartReasoning,
				Reasoning: &canonical.Reasoning{EncryptedContent: b.Data},
			})
		default:
			return nil, fmt.Errorf("unsupported content block type %q", b.Type)
		}
	}
	flush()
	return msgs, nil
}

func messageToWire(m *canonical.Message) (wireMessage, error) {
	out := wireMessage{Role: string(m.Role)}
	if m.Role == canonical.RoleTool {
		// Tool output travels as a user message holding a tool_result block.
		out.Role = "user"
		for _, p := range m.Content {
			if p.Type == canonical.PartToolResult && p.ToolResult != nil {
				inner := blockUnion{Blocks: []contentBlock{{Type: "text", Text: p.ToolResult.Content}}}
				out.Content.Blocks = append(out.Content.Blocks, contentBlock{
					Type:      "tool_result",
					ToolUseID: p.ToolResult.ToolCallID,
					Content:   &inner,
					IsError:   p.ToolResult.IsError,
				})
			}
		}
		return out, nil
	}

	for _, p := range m.Content {
		switch p.Type {
		case canonical.PartText:
			out.Content.Blocks = append(out.Content.Blocks, contentBlock{Type: "text", Text: p.Text})
		case canonical.PartImage:
			block := contentBlock{Type: "image", Source: &blockSource{}}
			if p.URL != "" {
				block.Source.Type = "url"
				block.Source.URL = p.URL
			} else {
				block.Source.Type = "base64"
				block.Source.MediaType = p.MediaType
				block.Source.Data = p.Data
			}
			out.Content.Blocks = append(out.Content.Blocks, block)
		case canonical.PartDocument:
			out.Content.Blocks = append(out.Content.Blocks, contentBlock{
				Type:   "document",
				Source: &blockSource{Type: "base64", MediaType: p.MediaType, Data: p.Data},
			})
		case canonical.PartReasoning:
			if p.Reasoning == nil {
				continue
			}
			if p.Reasoning.Content != "" {
				out.Content.Blocks = append(out.Content.Blocks, contentBlock{
					Type:      "thinking",
					Thinking:  p.Reasoning.Content,
					Signature: p.Reasoning.EncryptedContent,
				})
			} else if p.Reasoning.EncryptedContent != "" {
				out.Content.Blocks = append(out.Content.Blocks, contentBlock{
					Type: "redacted_thinking",
					Data: p.Reasoning.EncryptedContent,
				})
			}
		}
	}
	for _, tc := range m.ToolCalls {
		input := json.RawMessage(tc.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		out.Content.Blocks = append(out.Content.Blocks, contentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: input,
		})
	}
	return out, nil
}

func responseToCanonical(resp *messagesResponse) (*canonical.Response, error) {
	out := &canonical.Response{
		ID:      resp.ID,
		Model:   resp.Model,
		Created: time.Now().Unix(),
	}

	msg := canonical.Message{Role: canonical.RoleAssistant}
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			msg.Content = append(msg.Content, canonical.TextPart(b.Text))
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, canonical.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		case "thinking":
			msg.Content = append(msg.Content, canonical.Part{
				Type:      canonical.PartReasoning,
				Reasoning: &canonical.Reasoning{Content: b.Thinking, EncryptedContent: b.Signature},
			})
		case "redacted_thinking":
			msg.Content = append(msg.Content, canonical.Part{
				Type:      canonical.PartReasoning,
				Reasoning: &canonical.Reasoning{EncryptedContent: b.Data},
			})
		}
	}

	out.Choices = []canonical.Choice{{
		Message:      msg,
		FinishReason: canonical.ParseFinishReason(resp.StopReason),
	}}
	if resp.Usage != nil {
		out.Usage = usageToCanonical(resp.Usage)
	}
	return out, nil
}

func canonicalToResponse(resp *canonical.Response) *messagesResponse {
	out := &messagesResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
	}

	for _, c := range resp.Choices {
		out.StopReason = stopReasonFor(c.FinishReason)
		for _, p := range c.Message.Content {
			switch p.Type {
			case canonical.PartText:
				out.Content = append(out.Content, contentBlock{Type: "text", Text: p.Text})
			case canonical.PartReasoning:
				if p.Reasoning == nil {
					continue
				}
				out.Content = append(out.Content, contentBlock{
					Type:      "thinking",
					Thinking:  p.Reasoning.Content,
					Signature: p.Reasoning.EncryptedContent,
				})
			}
		}
		for _, tc := range c.Message.ToolCalls {
			input := json.RawMessage(tc.Arguments)
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			out.Content = append(out.Content, contentBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: input,
			})
		}
		break // messages responses carry a single turn
	}

	u := resp.Usage
	u.Normalize()
	out.Usage = &usagePayload{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheCreationInputTokens: u.CacheWriteTokens,
		CacheReadInputTokens:     u.CacheReadTokens,
	}
	return out
}

func stopReasonFor(f canonical.FinishReason) string {
	switch f {
	case canonical.FinishStop:
		return "end_turn"
	case canonical.FinishLength:
		return "max_tokens"
	case canonical.FinishToolCalls:
		return "tool_use"
	case canonical.FinishStopSequence:
		return "stop_sequence"
	default:
		return string(f)
	}
}

func usageToCanonical(u *usagePayload) canonical.Usage {
	out := canonical.Usage{
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheWriteTokens: u.CacheCreationInputTokens,
		CacheReadTokens:  u.CacheReadInputTokens,
	}
	out.Normalize()
	return out
}

func extraFields(body []byte, known map[string]bool) map[string]any {
	var all map[string]any
	if err := json.Unmarshal(body, &all); err != nil {
		return nil
	}
	extra := make(map[string]any)
	for k, v := range all {
		if !known[k] {
			extra[k] = v
		}
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}
