package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/canonical"
)

// streamProcessor folds messages SSE events into canonical events. Usage
// arrives in two halves: input counts on message_start, cumulative output
// counts on message_delta. The processor carries the first half so terminal
// events report a complete record.
type streamProcessor struct {
	usage      canonical.Usage
	hasUsage   bool
	stopReason string
	finished   bool
	blockCalls map[int]string
	blockNames map[int]string
}

func newStreamProcessor() *streamProcessor {
	return &streamProcessor{
		blockCalls: make(map[int]string),
		blockNames: make(map[int]string),
	}
}

func (p *streamProcessor) Process(data []byte) ([]canonical.StreamEvent, error) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode stream event: %w", err)
	}

	switch ev.Type {
	case "message_start":
		out := canonical.StreamEvent{Type: canonical.EventResponseCreated}
		events := []canonical.StreamEvent{}
		if ev.Message != nil {
			out.ItemID = ev.Message.ID
			if ev.Message.Usage != nil {
				p.usage = usageToCanonical(ev.Message.Usage)
				p.hasUsage = true
				u := p.usage
				events = append(events, out, canonical.StreamEvent{
					Type:  canonical.EventUsage,
					Usage: &u,
				})
				return events, nil
			}
		}
		return []canonical.StreamEvent{out}, nil

	case "ping":
		return []canonical.StreamEvent{{Type: canonical.EventPing}}, nil

	case "content_block_start":
		if ev.ContentBlock == nil {
			return nil, nil
		}
		switch ev.ContentBlock.Type {
		case "tool_use":
			p.blockCalls[ev.Index] = ev.ContentBlock.ID
			p.blockNames[ev.Index] = ev.ContentBlock.Name
			return []canonical.StreamEvent{{
				Type:   canonical.EventToolCallStart,
				CallID: ev.ContentBlock.ID,
				Name:   ev.ContentBlock.Name,
				Index:  ev.Index,
			}}, nil
		default:
			return []canonical.StreamEvent{{
				Type:  canonical.EventContentPartStart,
				Index: ev.Index,
			}}, nil
		}

	case "content_block_delta":
		if ev.Delta == nil {
			return nil, nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			return []canonical.StreamEvent{{
				Type:  canonical.EventContentDelta,
				Part:  canonical.DeltaText,
				Delta: ev.Delta.Text,
				Index: ev.Index,
			}}, nil
		case "input_json_delta":
			return []canonical.StreamEvent{{
				Type:   canonical.EventContentDelta,
				Part:   canonical.DeltaToolCall,
				Delta:  ev.Delta.PartialJSON,
				Index:  ev.Index,
				CallID: p.blockCalls[ev.Index],
				Name:   p.blockNames[ev.Index],
			}}, nil
		case "thinking_delta":
			return []canonical.StreamEvent{{
				Type:  canonical.EventContentDelta,
				Part:  canonical.DeltaThinking,
				Delta: ev.Delta.Thinking,
				Index: ev.Index,
			}}, nil
		case "signature_delta":
			return nil, nil
		default:
			return nil, nil
		}

	case "content_block_stop":
		return []canonical.StreamEvent{{
			Type:  canonical.EventContentPartDone,
			Index: ev.Index,
		}}, nil

	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			p.stopReason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			p.usage.OutputTokens = ev.Usage.OutputTokens
			p.usage.Normalize()
			p.hasUsage = true
		}
		out := canonical.StreamEvent{
			Type:       canonical.EventMessageDelta,
			StopReason: p.stopReason,
		}
		if p.stopReason != "" {
			out.FinishReason = canonical.ParseFinishReason(p.stopReason)
		}
		if p.hasUsage {
			u := p.usage
			out.Usage = &u
		}
		return []canonical.StreamEvent{out}, nil

	case "message_stop":
		if p.finished {
			return nil, nil
		}
		p.finished = true
		out := canonical.StreamEvent{
			Type:       canonical.EventResponseCompleted,
			StopReason: p.stopReason,
		}
		if p.stopReason != "" {
			out.FinishReason = canonical.ParseFinishReason(p.stopReason)
		}
		if p.hasUsage {
			u := p.usage
			out.Usage = &u
		}
		return []canonical.StreamEvent{out}, nil

	case "error":
		p.finished = true
		msg := "stream error"
		errType := ""
		if ev.Error != nil {
			msg = ev.Error.Message
			errType = ev.Error.Type
		}
		return []canonical.StreamEvent{{
			Type: canonical.EventError,
			Err:  &canonical.StreamError{Type: errType, Message: msg},
		}}, nil

	default:
		return nil, nil
	}
}

// streamRenderer turns canonical events into messages SSE payloads. Content
// blocks are opened lazily and indexed in order of first use; switching from
// one delta channel to another closes the open block.
type streamRenderer struct {
	msgID string
	model string

	nextIndex int
	openIndex int
	openKind  string

	argsByCall map[string]int
	usage      *canonical.Usage
	stopReason string
}

func newStreamRenderer() *streamRenderer {
	return &streamRenderer{
		msgID:      "msg_" + uuid.NewString(),
		openIndex:  -1,
		argsByCall: make(map[string]int),
	}
}

// Done reports that this format does not use a trailing "[DONE]" marker.
func (r *streamRenderer) Done() bool { return false }

// EventName labels frames for the event: line; messages streams name every
// frame after its payload type.
func (r *streamRenderer) EventName(payload []byte) string {
	return EventName(payload)
}

func (r *streamRenderer) Render(ev *canonical.StreamEvent) ([][]byte, error) {
	switch ev.Type {
	case canonical.EventResponseCreated:
		msg := &messagesResponse{
			ID:    r.msgID,
			Type:  "message",
			Role:  "assistant",
			Model: r.model,
		}
		if ev.Usage != nil {
			msg.Usage = wireUsage(ev.Usage)
		}
		return r.encode(&streamEvent{Type: "message_start", Message: msg})

	case canonical.EventPing:
		return r.encode(&streamEvent{Type: "ping"})

	case canonical.EventContentDelta:
		switch ev.Part {
		case canonical.DeltaText:
			return r.deltaInBlock("text", &blockDelta{Type: "text_delta", Text: ev.Delta})
		case canonical.DeltaThinking:
			return r.deltaInBlock("thinking", &blockDelta{Type: "thinking_delta", Thinking: ev.Delta})
		case canonical.DeltaToolCall:
			return r.toolDelta(ev.CallID, ev.Delta)
		default:
			return nil, nil
		}

	case canonical.EventToolCallStart:
		var out [][]byte
		closed, err := r.closeOpenBlock()
		if err != nil {
			return nil, err
		}
		out = append(out, closed...)

		idx := r.nextIndex
		r.nextIndex++
		r.openIndex = idx
		r.openKind = "tool_use"
		r.argsByCall[ev.CallID] = idx

		started, err := r.encode(&streamEvent{
			Type:  "content_block_start",
			Index: idx,
			ContentBlock: &contentBlock{
				Type:  "tool_use",
				ID:    ev.CallID,
				Name:  ev.Name,
				Input: json.RawMessage("{}"),
			},
		})
		if err != nil {
			return nil, err
		}
		return append(out, started...), nil

	case canonical.EventFunctionCallArgsDelta:
		return r.toolDelta(ev.CallID, ev.Delta)

	case canonical.EventUsage:
		r.usage = ev.Usage
		return nil, nil

	case canonical.EventMessageDelta:
		if ev.StopReason != "" {
			r.stopReason = ev.StopReason
		} else if ev.FinishReason != "" {
			r.stopReason = stopReasonFor(ev.FinishReason)
		}
		if ev.Usage != nil {
			r.usage = ev.Usage
		}
		return nil, nil

	case canonical.EventResponseCompleted, canonical.EventMessageDone:
		return r.renderCompleted(ev)

	case canonical.EventError:
		out := streamEvent{Type: "error"}
		out.Error = &struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}{Type: ev.Err.Type, Message: ev.Err.Message}
		if out.Error.Type == "" {
			out.Error.Type = "api_error"
		}
		return r.encode(&out)

	default:
		return nil, nil
	}
}

func (r *streamRenderer) renderCompleted(ev *canonical.StreamEvent) ([][]byte, error) {
	out, err := r.closeOpenBlock()
	if err != nil {
		return nil, err
	}

	stop := r.stopReason
	if stop == "" {
		if ev.StopReason != "" {
			stop = ev.StopReason
		} else if ev.FinishReason != "" {
			stop = stopReasonFor(ev.FinishReason)
		} else {
			stop = "end_turn"
		}
	}
	usage := ev.Usage
	if usage == nil {
		usage = r.usage
	}

	delta := streamEvent{
		Type:  "message_delta",
		Delta: &blockDelta{StopReason: stop},
	}
	if usage != nil {
		u := *usage
		u.Normalize()
		delta.Usage = &usagePayload{OutputTokens: u.OutputTokens}
	}
	encoded, err := r.encode(&delta)
	if err != nil {
		return nil, err
	}
	out = append(out, encoded...)

	stopEv, err := r.encode(&streamEvent{Type: "message_stop"})
	if err != nil {
		return nil, err
	}
	return append(out, stopEv...), nil
}

// deltaInBlock emits the delta, opening a block of the wanted kind first if
// a different one (or none) is open.
func (r *streamRenderer) deltaInBlock(kind string, delta *blockDelta) ([][]byte, error) {
	var out [][]byte
	if r.openKind != kind {
		closed, err := r.closeOpenBlock()
		if err != nil {
			return nil, err
		}
		out = append(out, closed...)

		idx := r.nextIndex
		r.nextIndex++
		r.openIndex = idx
		r.openKind = kind

		started, err := r.encode(&streamEvent{
			Type:         "content_block_start",
			Index:        idx,
			ContentBlock: &contentBlock{Type: kind},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, started...)
	}

	encoded, err := r.encode(&streamEvent{
		Type:  "content_block_delta",
		Index: r.openIndex,
		Delta: delta,
	})
	if err != nil {
		return nil, err
	}
	return append(out, encoded...), nil
}

func (r *streamRenderer) toolDelta(callID, partialJSON string) ([][]byte, error) {
	idx, ok := r.argsByCall[callID]
	if !ok {
		// Arguments for a call never started; open a block for it.
		started, err := r.Render(&canonical.StreamEvent{
			Type:   canonical.EventToolCallStart,
			CallID: callID,
		})
		if err != nil {
			return nil, err
		}
		idx = r.argsByCall[callID]
		encoded, err := r.encode(&streamEvent{
			Type:  "content_block_delta",
			Index: idx,
			Delta: &blockDelta{Type: "input_json_delta", PartialJSON: partialJSON},
		})
		if err != nil {
			return nil, err
		}
		return append(started, encoded...), nil
	}
	return r.encode(&streamEvent{
		Type:  "content_block_delta",
		Index: idx,
		Delta: &blockDelta{Type: "input_json_delta", PartialJSON: partialJSON},
	})
}

func (r *streamRenderer) closeOpenBlock() ([][]byte, error) {
	if r.openIndex < 0 {
		return nil, nil
	}
	idx := r.openIndex
	r.openIndex = -1
	r.openKind = ""
	return r.encode(&streamEvent{Type: "content_block_stop", Index: idx})
}

func (r *streamRenderer) encode(ev *streamEvent) ([][]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}

func wireUsage(u *canonical.Usage) *usagePayload {
	c := *u
	c.Normalize()
	return &usagePayload{
		InputTokens:              c.InputTokens,
		OutputTokens:             c.OutputTokens,
		CacheCreationInputTokens: c.CacheWriteTokens,
		CacheReadInputTokens:     c.CacheReadTokens,
	}
}

// EventName returns the SSE event name for a rendered payload. Messages
// streams label every frame with an event: line naming the payload type.
func EventName(payload []byte) string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return strings.TrimSpace(probe.Type)
}
