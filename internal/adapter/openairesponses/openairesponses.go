// Package openairesponses implements the adapter for the OpenAI responses
// wire format.
package openairesponses

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/adapter"
	"github.com/modelgate/modelgate/internal/canonical"
)

const providerParamsKey = "openai"

func init() {
	adapter.Register(New())
}

// Adapter translates OpenAI responses to and from canonical.
type Adapter struct{}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates the responses adapter.
func New() *Adapter {
	return &Adapter{}
}

// Format returns the wire format this adapter handles.
func (a *Adapter) Format() adapter.Format {
	return adapter.FormatOpenAIResponses
}

// ClientToCanonical parses a responses request into canonical form.
func (a *Adapter) ClientToCanonical(body []byte) (*canonical.Request, error) {
	var req responsesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %s", adapter.ErrInvalidInput, err)
	}

	out := &canonical.Request{
		SchemaVersion: canonical.SchemaVersion,
		Model:         req.Model,
		Stream:        req.Stream,
		User:          req.User,
		Generation: canonical.Generation{
			MaxTokens:   req.MaxOutputTokens,
			Temperature: req.Temperature,
			TopP:        req.TopP,
		},
	}
	if req.Instructions != "" {
		out.System = []canonical.Part{canonical.TextPart(req.Instructions)}
	}
	if req.Reasoning != nil {
		out.ReasoningEffort = req.Reasoning.Effort
	}

	if req.Input != nil {
		if !req.Input.isItems {
			// String shorthand: a single user turn.
			out.Messages = append(out.Messages, canonical.Message{
				Role:    canonical.RoleUser,
				Content: []canonical.Part{canonical.TextPart(req.Input.Text)},
			})
		} else {
			msgs, err := itemsToMessages(req.Input.Items, &out.System)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", adapter.ErrInvalidInput, err)
			}
			out.Messages = msgs
		}
	}

	for _, t := range req.Tools {
		if t.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, canonical.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	if req.ToolChoice != nil {
		tc, err := parseToolChoice(*req.ToolChoice)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", adapter.ErrInvalidInput, err)
		}
		out.ToolChoice = tc
	}

	if extra := extraFields(body, knownRequestKeys); len(extra) > 0 {
		out.ProviderParams = map[string]map[string]any{providerParamsKey: extra}
	}

	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", adapter.ErrInvalidInput, err)
	}
	return out, nil
}

// CanonicalToProvider renders the canonical request as a responses request.
func (a *Adapter) CanonicalToProvider(req *canonical.Request) ([]byte, error) {
	out := responsesRequest{
		Model:           req.Model,
		Instructions:    req.SystemText(),
		MaxOutputTokens: req.Generation.MaxTokens,
		Temperature:     req.Generation.Temperature,
		TopP:            req.Generation.TopP,
		Stream:          req.Stream,
		User:            req.User,
	}
	if req.ReasoningEffort != "" {
		out.Reasoning = &reasoningConfig{Effort: req.ReasoningEffort}
	}

	items := messagesToItems(req.Messages)
	out.Input = &inputUnion{Items: items, isItems: true}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, toolDefinition{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	if req.ToolChoice != nil {
		out.ToolChoice = &toolChoice{Mode: string(req.ToolChoice.Type), Name: req.ToolChoice.Name}
	}

	return json.Marshal(out)
}

// ProviderToCanonical parses a responses response into canonical form.
func (a *Adapter) ProviderToCanonical(body []byte) (*canonical.Response, error) {
	var resp responsesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode responses body: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("provider error: %s", resp.Error.Message)
	}
	return responseToCanonical(&resp)
}

// CanonicalToClient renders a canonical response in the responses format.
func (a *Adapter) CanonicalToClient(resp *canonical.Response) ([]byte, error) {
	out := canonicalToResponse(resp)
	if out.ID == "" {
		out.ID = "resp_" + uuid.NewString()
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

// itemsToMessages folds wire input items into canonical messages. A
// function_call item becomes a tool call on the preceding assistant turn;
// function_call_output becomes a tool message.
func itemsToMessages(items []inputItem, system *[]canonical.Part) ([]canonical.Message, error) {
	var msgs []canonical.Message
	for _, item := range items {
		switch item.Type {
		case "message", "":
			role := canonical.ParseRole(item.Role)
			if role == canonical.RoleSystem {
				if item.Content != nil {
					*system = append(*system, unionToParts(*item.Content)...)
				}
				continue
			}
			msg := canonical.Message{Role: role}
			if item.Content != nil {
				msg.Content = unionToParts(*item.Content)
			}
			msgs = append(msgs, msg)

		case "function_call":
			call := canonical.ToolCall{
				ID:        item.CallID,
				Name:      item.Name,
				Arguments: item.Arguments,
			}
			if n := len(msgs); n > 0 && msgs[n-1].Role == canonical.RoleAssistant {
				msgs[n-1].ToolCalls = append(msgs[n-1].ToolCalls, call)
			} else {
				msgs = append(msgs, canonical.Message{
					Role:      canonical.RoleAssistant,
					ToolCalls: []canonical.ToolCall{call},
				})
			}

		case "function_call_output":
			msgs = append(msgs, canonical.Message{
				Role:       canonical.RoleTool,
				ToolCallID: item.CallID,
				Content: []canonical.Part{{
					Type:       canonical.PartToolResult,
					ToolResult: &canonical.ToolResult{ToolCallID: item.CallID, Content: item.Output},
				}},
			})

		case "reasoning":
			part := canonical.Part{
				Type:      canonical.PartReasoning,
				Reasoning: &canonical.Reasoning{EncryptedContent: item.EncryptedContent},
			}
			for _, s := range item.Summary {
				part.Reasoning.Summary += s.Text
			}
			if n := len(msgs); n > 0 && msgs[n-1].Role == canonical.RoleAssistant {
				msgs[n-1].Content = append(msgs[n-1].Content, part)
			} else {
				msgs = append(msgs, canonical.Message{
					Role:    canonical.RoleAssistant,
					Content: []canonical.Part{part},
				})
			}

		default:
			return nil, fmt.Errorf("unsupported input item type %q", item.Type)
		}
	}
	return msgs, nil
}

func messagesToItems(msgs []canonical.Message) []inputItem {
	var items []inputItem
	for _, m := range msgs {
		switch m.Role {
		case canonical.RoleTool:
			for _, p := range m.Content {
				if p.Type == canonical.PartToolResult && p.ToolResult != nil {
					items = append(items, inputItem{
						Type:   "function_call_output",
						CallID: p.ToolResult.ToolCallID,
						Output: p.ToolResult.Content,
					})
				}
			}
		default:
			if parts := partsToWire(m.Content, m.Role); len(parts) > 0 {
				content := contentUnion{Parts: parts, isParts: true}
				items = append(items, inputItem{
					Type:    "message",
					Role:    string(m.Role),
					Content: &content,
				})
			}
			for _, p := range m.Content {
				if p.Type == canonical.PartReasoning && p.Reasoning != nil {
					item := inputItem{
						Type:             "reasoning",
						EncryptedContent: p.Reasoning.EncryptedContent,
					}
					if p.Reasoning.Summary != "" {
						item.Summary = []summaryPart{{Type: "summary_text", Text: p.Reasoning.Summary}}
					}
					items = append(items, item)
				}
			}
			for _, tc := range m.ToolCalls {
				items = append(items, inputItem{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.Name,
					Arguments: tc.Arguments,
				})
			}
		}
	}
	return items
}

// unionToParts maps wire content parts to canonical, substituting text for
// input_text/output_text.
func unionToParts(c contentUnion) []canonical.Part {
	if !c.isParts {
		return []canonical.Part{canonical.TextPart(c.Text)}
	}
	var parts []canonical.Part
	for _, p := range c.Parts {
		switch p.Type {
		case "input_text", "output_text", "text":
			parts = append(parts, canonical.TextPart(p.Text))
		case "input_image":
			parts = append(parts, canonical.Part{Type: canonical.PartImage, URL: p.ImageURL})
		case "input_file":
			parts = append(parts, canonical.Part{Type: canonical.PartDocument, Data: p.FileData})
		case "refusal":
			parts = append(parts, canonical.TextPart(p.Refusal))
		}
	}
	return parts
}

// partsToWire maps canonical parts to wire content, restoring input_text for
// user turns and output_text for assistant turns.
func partsToWire(parts []canonical.Part, role canonical.Role) []contentPart {
	textType := "input_text"
	if role == canonical.RoleAssistant {
		textType = "output_text"
	}
	var out []contentPart
	for _, p := range parts {
		switch p.Type {
		case canonical.PartText:
			out = append(out, contentPart{Type: textType, Text: p.Text})
		case canonical.PartImage:
			url := p.URL
			if url == "" {
				url = "data:" + p.MediaType + ";base64," + p.Data
			}
			out = append(out, contentPart{Type: "input_image", ImageURL: url})
		case canonical.PartDocument:
			out = append(out, contentPart{Type: "input_file", FileData: p.Data})
		}
	}
	return out
}

func responseToCanonical(resp *responsesResponse) (*canonical.Response, error) {
	out := &canonical.Response{
		ID:      resp.ID,
		Model:   resp.Model,
		Created: resp.CreatedAt,
	}

	msg := canonical.Message{Role: canonical.RoleAssistant}
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			if item.Content != nil {
				msg.Content = append(msg.Content, unionToParts(*item.Content)...)
			}
		case "function_call":
			msg.ToolCalls = append(msg.ToolCalls, canonical.ToolCall{
				ID:        item.CallID,
				Name:      item.Name,
				Arguments: item.Arguments,
			})
		case "reasoning":
			part := canonical.Part{
				Type:      canonical.PartReasoning,
				Reasoning: &canonical.Reasoning{EncryptedContent: item.EncryptedContent},
			}
			for _, s := range item.Summary {
				part.Reasoning.Summary += s.Text
			}
			msg.Content = append(msg.Content, part)
		}
	}

	out.Choices = []canonical.Choice{{
		Message:      msg,
		FinishReason: finishFromStatus(resp.Status, len(msg.ToolCalls) > 0),
	}}
	if resp.Usage != nil {
		out.Usage = usageToCanonical(resp.Usage)
	}
	return out, nil
}

func canonicalToResponse(resp *canonical.Response) *responsesResponse {
	out := &responsesResponse{
		ID:        resp.ID,
		Object:    "response",
		CreatedAt: resp.Created,
		Model:     resp.Model,
		Status:    "completed",
	}
	if out.CreatedAt == 0 {
		out.CreatedAt = time.Now().Unix()
	}

	for _, c := range resp.Choices {
		if c.FinishReason == canonical.FinishLength {
			out.Status = "incomplete"
		}
		var parts []contentPart
		for _, p := range c.Message.Content {
			switch p.Type {
			case canonical.PartText:
				parts = append(parts, contentPart{Type: "output_text", Text: p.Text})
			case canonical.PartReasoning:
				if p.Reasoning == nil {
					continue
				}
				item := inputItem{
					Type:             "reasoning",
					ID:               "rs_" + uuid.NewString(),
					EncryptedContent: p.Reasoning.EncryptedContent,
				}
				if p.Reasoning.Summary != "" {
					item.Summary = []summaryPart{{Type: "summary_text", Text: p.Reasoning.Summary}}
				}
				out.Output = append(out.Output, item)
			}
		}
		if len(parts) > 0 {
			content := contentUnion{Parts: parts, isParts: true}
			out.Output = append(out.Output, inputItem{
				Type:    "message",
				ID:      "msg_" + uuid.NewString(),
				Role:    "assistant",
				Status:  "completed",
				Content: &content,
			})
		}
		for _, tc := range c.Message.ToolCalls {
			out.Output = append(out.Output, inputItem{
				Type:      "function_call",
				ID:        "fc_" + uuid.NewString(),
				CallID:    tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
				Status:    "completed",
			})
		}
	}

	u := resp.Usage
	u.Normalize()
	out.Usage = &usagePayload{
		InputTokens:  u.InputTokens + u.CacheReadTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.CacheReadTokens > 0 {
		out.Usage.InputTokensDetails = &struct {
			CachedTokens int `json:"cached_tokens"`
		}{CachedTokens: u.CacheReadTokens}
	}
	return out
}

func finishFromStatus(status string, hasToolCalls bool) canonical.FinishReason {
	if hasToolCalls {
		return canonical.FinishToolCalls
	}
	switch status {
	case "completed", "":
		return canonical.FinishStop
	case "incomplete":
		return canonical.FinishLength
	case "failed", "cancelled":
		return canonical.FinishError
	default:
		return canonical.ParseFinishReason(status)
	}
}

func usageToCanonical(u *usagePayload) canonical.Usage {
	out := canonical.Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
	}
	if u.InputTokensDetails != nil {
		out.CacheReadTokens = u.InputTokensDetails.CachedTokens
		out.CachedTokens = u.InputTokensDetails.CachedTokens
		// input_tokens includes cached tokens on this wire.
		out.InputTokens = u.InputTokens - u.InputTokensDetails.CachedTokens
	}
	if u.OutputTokensDetails != nil {
		out.ReasoningTokens = u.OutputTokensDetails.ReasoningTokens
	}
	out.Normalize()
	return out
}

func parseToolChoice(tc toolChoice) (*canonical.ToolChoice, error) {
	switch tc.Mode {
	case "auto":
		return &canonical.ToolChoice{Type: canonical.ToolChoiceAuto}, nil
	case "none":
		return &canonical.ToolChoice{Type: canonical.ToolChoiceNone}, nil
	case "required":
		return &canonical.ToolChoice{Type: canonical.ToolChoiceRequired}, nil
	case "function":
		return &canonical.ToolChoice{Type: canonical.ToolChoiceFunction, Name: tc.Name}, nil
	default:
		return nil, fmt.Errorf("unknown tool_choice %q", tc.Mode)
	}
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
