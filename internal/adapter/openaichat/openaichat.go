// Package openaichat implements the adapter for the OpenAI chat/completions
// wire format.
package openaichat

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/adapter"
	"github.com/modelgate/modelgate/internal/canonical"
)

const providerParamsKey = "openai"

func init() {
	adapter.Register(New())
}

// Adapter translates OpenAI chat/completions to and from canonical.
type Adapter struct{}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates the chat/completions adapter. The adapter itself is stateless;
// all per-request state lives in the stream processor and renderer.
func New() *Adapter {
	return &Adapter{}
}

// Format returns the wire format this adapter handles.
func (a *Adapter) Format() adapter.Format {
	return adapter.FormatOpenAIChat
}

// reasoningModelRe matches the o1/o3/o4 model families, which take
// max_completion_tokens instead of max_tokens.
var reasoningModelRe = regexp.MustCompile(`^o[134](-|$)`)

// ClientToCanonical parses an OpenAI chat request into canonical form.
func (a *Adapter) ClientToCanonical(body []byte) (*canonical.Request, error) {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %s", adapter.ErrInvalidInput, err)
	}

	out := &canonical.Request{
		SchemaVersion: canonical.SchemaVersion,
		Model:         req.Model,
		Stream:        req.Stream,
		User:          req.User,
		Generation: canonical.Generation{
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			Seed:          req.Seed,
			StopSequences: req.Stop,
		},
		ReasoningEffort: req.ReasoningEffort,
	}
	if req.MaxTokens != nil {
		out.Generation.MaxTokens = req.MaxTokens
	} else if req.MaxCompletionTokens != nil {
		out.Generation.MaxTokens = req.MaxCompletionTokens
	}

	for _, m := range req.Messages {
		role := canonical.ParseRole(m.Role)
		if role == canonical.RoleSystem {
			// A top-level system message becomes the canonical system block.
			if m.Content != nil {
				out.System = append(out.System, contentToParts(*m.Content)...)
			}
			continue
		}

		msg := canonical.Message{
			Role:       role,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		if role == canonical.RoleTool {
			text := ""
			if m.Content != nil {
				text = flattenText(*m.Content)
			}
			msg.Content = []canonical.Part{{
				Type:       canonical.PartToolResult,
				ToolResult: &canonical.ToolResult{ToolCallID: m.ToolCallID, Content: text},
			}}
		} else if m.Content != nil {
			msg.Content = contentToParts(*m.Content)
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, canonical.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		out.Messages = append(out.Messages, msg)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, canonical.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
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

// CanonicalToProvider renders the canonical request as an OpenAI chat
// request body.
func (a *Adapter) CanonicalToProvider(req *canonical.Request) ([]byte, error) {
	out := chatRequest{
		Model:           req.Model,
		Temperature:     req.Generation.Temperature,
		TopP:            req.Generation.TopP,
		Seed:            req.Generation.Seed,
		Stop:            req.Generation.StopSequences,
		Stream:          req.Stream,
		User:            req.User,
		ReasoningEffort: req.ReasoningEffort,
	}

	if req.Generation.MaxTokens != nil {
		if reasoningModelRe.MatchString(req.Model) {
			out.MaxCompletionTokens = req.Generation.MaxTokens
		} else {
			out.MaxTokens = req.Generation.MaxTokens
		}
	}

	if system := req.SystemText(); system != "" {
		out.Messages = append(out.Messages, message{
			Role:    "system",
			Content: &messageContent{Text: system},
		})
	}

	for _, m := range req.Messages {
		msg := message{
			Role: string(m.Role),
			Name: m.Name,
		}
		switch m.Role {
		case canonical.RoleTool:
			msg.ToolCallID = toolResultID(&m)
			msg.Content = &messageContent{Text: toolResultText(&m)}
		default:
			msg.Content = partsToContent(m.Content)
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, toolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: toolFunction{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out.Messages = append(out.Messages, msg)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, tool{
			Type: "function",
			Function: toolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if req.ToolChoice != nil {
		out.ToolChoice = renderToolChoice(req.ToolChoice)
	}
	if req.Stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	return json.Marshal(out)
}

// ProviderToCanonical parses an OpenAI chat response into canonical form.
func (a *Adapter) ProviderToCanonical(body []byte) (*canonical.Response, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	out := &canonical.Response{
		ID:      resp.ID,
		Model:   resp.Model,
		Created: resp.Created,
	}
	for _, c := range resp.Choices {
		msg := canonical.Message{Role: canonical.ParseRole(c.Message.Role)}
		if c.Message.Content != nil {
			if text := flattenText(*c.Message.Content); text != "" {
				msg.Content = append(msg.Content, canonical.TextPart(text))
			}
		}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, canonical.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		out.Choices = append(out.Choices, canonical.Choice{
			Index:        c.Index,
			Message:      msg,
			FinishReason: canonical.ParseFinishReason(c.FinishReason),
		})
	}
	if resp.Usage != nil {
		out.Usage = usageToCanonical(resp.Usage)
	}
	return out, nil
}

// CanonicalToClient renders a canonical response in the chat/completions
// format.
func (a *Adapter) CanonicalToClient(resp *canonical.Response) ([]byte, error) {
	out := chatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
	}
	if out.ID == "" {
		out.ID = "chatcmpl-" + uuid.NewString()
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}
	resp.ID = out.ID
	if err := resp.Validate(); err != nil {
		return nil, err
	}

	for _, c := range resp.Choices {
		choice := chatChoice{
			Index:        c.Index,
			FinishReason: string(c.FinishReason),
		}
		choice.Message.Role = string(c.Message.Role)
		choice.Message.Content = &messageContent{Text: c.Message.Text()}
		for _, tc := range c.Message.ToolCalls {
			choice.Message.ToolCalls = append(choice.Message.ToolCalls, toolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: toolFunction{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out.Choices = append(out.Choices, choice)
	}

	u := resp.Usage
	u.Normalize()
	// Wire prompt_tokens count cached reads; canonical input excludes them.
	promptWire := u.InputTokens + u.CacheReadTokens
	payload := usagePayload{
		PromptTokens:     promptWire,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      promptWire + u.CompletionTokens,
	}
	if u.CachedTokens > 0 {
		payload.PromptTokensDetails = &struct {
			CachedTokens int `json:"cached_tokens"`
		}{CachedTokens: u.CachedTokens}
	}
	out.Usage = &payload

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

func contentToParts(c messageContent) []canonical.Part {
	if !c.isParts {
		return []canonical.Part{canonical.TextPart(c.Text)}
	}
	var parts []canonical.Part
	for _, p := range c.Parts {
		switch p.Type {
		case "text":
			parts = append(parts, canonical.TextPart(p.Text))
		case "image_url":
			if p.ImageURL != nil {
				parts = append(parts, canonical.Part{Type: canonical.PartImage, URL: p.ImageURL.URL})
			}
		case "input_audio":
			if p.InputAudio != nil {
				parts = append(parts, canonical.Part{
					Type:      canonical.PartAudio,
					Data:      p.InputAudio.Data,
					MediaType: p.InputAudio.Format,
				})
			}
		}
	}
	return parts
}

func partsToContent(parts []canonical.Part) *messageContent {
	textOnly := true
	for _, p := range parts {
		if p.Type != canonical.PartText {
			textOnly = false
			break
		}
	}
	if textOnly {
		var text string
		for _, p := range parts {
			text += p.Text
		}
		return &messageContent{Text: text}
	}

	content := messageContent{isParts: true}
	for _, p := range parts {
		switch p.Type {
		case canonical.PartText:
			content.Parts = append(content.Parts, contentPart{Type: "text", Text: p.Text})
		case canonical.PartImage:
			url := p.URL
			if url == "" {
				url = "data:" + p.MediaType + ";base64," + p.Data
			}
			content.Parts = append(content.Parts, contentPart{Type: "image_url", ImageURL: &imagePayload{URL: url}})
		case canonical.PartAudio:
			content.Parts = append(content.Parts, contentPart{
				Type:       "input_audio",
				InputAudio: &audioPayload{Data: p.Data, Format: p.MediaType},
			})
		}
	}
	return &content
}

func flattenText(c messageContent) string {
	if !c.isParts {
		return c.Text
	}
	var text string
	for _, p := range c.Parts {
		if p.Type == "text" {
			text += p.Text
		}
	}
	return text
}

func toolResultID(m *canonical.Message) string {
	for _, p := range m.Content {
		if p.Type == canonical.PartToolResult && p.ToolResult != nil {
			return p.ToolResult.ToolCallID
		}
	}
	return m.ToolCallID
}

func toolResultText(m *canonical.Message) string {
	for _, p := range m.Content {
		if p.Type == canonical.PartToolResult && p.ToolResult != nil {
			return p.ToolResult.Content
		}
	}
	return m.Text()
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

func renderToolChoice(tc *canonical.ToolChoice) *toolChoice {
	out := toolChoice{Mode: string(tc.Type), Name: tc.Name}
	return &out
}

func usageToCanonical(u *usagePayload) canonical.Usage {
	out := canonical.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CachedTokens = u.PromptTokensDetails.CachedTokens
		out.CacheReadTokens = u.PromptTokensDetails.CachedTokens
		// Cached tokens are counted inside prompt_tokens on this wire;
		// canonical input excludes them.
		out.InputTokens = u.PromptTokens - u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	out.Normalize()
	return out
}

// extraFields returns top-level fields of body not present in known.
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
