package openaichat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/canonical"
)

const doneMarker = "[DONE]"

// streamProcessor folds chat/completions SSE chunks into canonical events.
// State tracks tool call identity across chunks: deltas after the first
// carry only the choice-local index, not the call id.
type streamProcessor struct {
	started  bool
	finished bool
	callIDs  map[int]string
	usage    *canonical.Usage
	finish   canonical.FinishReason
}

func newStreamProcessor() *streamProcessor {
	return &streamProcessor{callIDs: make(map[int]string)}
}

func (p *streamProcessor) Process(data []byte) ([]canonical.StreamEvent, error) {
	if string(data) == doneMarker {
		if p.finished {
			return nil, nil
		}
		p.finished = true
		return []canonical.StreamEvent{{
			Type:         canonical.EventResponseCompleted,
			FinishReason: p.finish,
			Usage:        p.usage,
		}}, nil
	}

	var errPayload errorResponse
	if err := json.Unmarshal(data, &errPayload); err == nil && errPayload.Error.Message != "" {
		p.finished = true
		return []canonical.StreamEvent{{
			Type: canonical.EventError,
			Err: &canonical.StreamError{
				Type:    errPayload.Error.Type,
				Message: errPayload.Error.Message,
			},
		}}, nil
	}

	var chunk streamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("failed to decode stream chunk: %w", err)
	}

	var events []canonical.StreamEvent
	if !p.started {
		p.started = true
		events = append(events, canonical.StreamEvent{
			Type:   canonical.EventResponseCreated,
			ItemID: chunk.ID,
		})
	}

	for _, c := range chunk.Choices {
		if c.Delta.Content != "" {
			events = append(events, canonical.StreamEvent{
				Type:  canonical.EventContentDelta,
				Part:  canonical.DeltaText,
				Delta: c.Delta.Content,
				Index: c.Index,
			})
		}
		if c.Delta.Refusal != "" {
			events = append(events, canonical.StreamEvent{
				Type:  canonical.EventRefusalDelta,
				Delta: c.Delta.Refusal,
				Index: c.Index,
			})
		}
		for _, tc := range c.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if tc.ID != "" {
				p.callIDs[idx] = tc.ID
				events = append(events, canonical.StreamEvent{
					Type:   canonical.EventToolCallStart,
					CallID: tc.ID,
					Name:   tc.Function.Name,
					Index:  idx,
				})
			}
			if tc.Function.Arguments != "" {
				events = append(events, canonical.StreamEvent{
					Type:   canonical.EventFunctionCallArgsDelta,
					CallID: p.callIDs[idx],
					Delta:  tc.Function.Arguments,
					Index:  idx,
				})
			}
		}
		if c.FinishReason != "" {
			p.finish = canonical.ParseFinishReason(c.FinishReason)
			events = append(events, canonical.StreamEvent{
				Type:         canonical.EventMessageDelta,
				FinishReason: p.finish,
			})
		}
	}

	if chunk.Usage != nil {
		u := usageToCanonical(chunk.Usage)
		p.usage = &u
		events = append(events, canonical.StreamEvent{
			Type:  canonical.EventUsage,
			Usage: &u,
		})
	}

	return events, nil
}

// streamRenderer turns canonical events into chat/completions chunks.
// The id and created timestamp are fabricated once per stream; tool call
// indices are assigned in order of first appearance.
type streamRenderer struct {
	id          string
	created     int64
	model       string
	callIndex   map[string]int
	usageSent   bool
	pendingUse  *canonical.Usage
	finishedSet bool
}

func newStreamRenderer() *streamRenderer {
	return &streamRenderer{
		id:        "chatcmpl-" + uuid.NewString(),
		created:   time.Now().Unix(),
		callIndex: make(map[string]int),
	}
}

// Done reports that this format terminates its stream with a "[DONE]" marker.
func (r *streamRenderer) Done() bool { return true }

func (r *streamRenderer) Render(ev *canonical.StreamEvent) ([][]byte, error) {
	switch ev.Type {
	case canonical.EventResponseCreated:
		chunk := r.chunk()
		chunk.Choices = append(chunk.Choices, chunkChoice(0, "", nil))
		chunk.Choices[0].Delta.Role = "assistant"
		return r.encode(chunk)

	case canonical.EventContentDelta:
		if ev.Part != canonical.DeltaText {
			// Thinking deltas have no channel on this wire.
			return nil, nil
		}
		chunk := r.chunk()
		chunk.Choices = append(chunk.Choices, chunkChoice(ev.Index, ev.Delta, nil))
		return r.encode(chunk)

	case canonical.EventRefusalDelta:
		chunk := r.chunk()
		chunk.Choices = append(chunk.Choices, chunkChoice(ev.Index, "", nil))
		chunk.Choices[0].Delta.Refusal = ev.Delta
		return r.encode(chunk)

	case canonical.EventToolCallStart:
		idx := r.indexFor(ev.CallID)
		tc := toolCall{
			Index:    &idx,
			ID:       ev.CallID,
			Type:     "function",
			Function: toolFunction{Name: ev.Name},
		}
		chunk := r.chunk()
		chunk.Choices = append(chunk.Choices, chunkChoice(0, "", []toolCall{tc}))
		return r.encode(chunk)

	case canonical.EventFunctionCallArgsDelta:
		idx := r.indexFor(ev.CallID)
		tc := toolCall{
			Index:    &idx,
			Function: toolFunction{Arguments: ev.Delta},
		}
		chunk := r.chunk()
		chunk.Choices = append(chunk.Choices, chunkChoice(0, "", []toolCall{tc}))
		return r.encode(chunk)

	case canonical.EventUsage:
		// Held back and emitted after the finish chunk, matching
		// stream_options.include_usage ordering.
		r.pendingUse = ev.Usage
		return nil, nil

	case canonical.EventMessageDelta:
		if ev.FinishReason == "" {
			return nil, nil
		}
		r.finishedSet = true
		chunk := r.chunk()
		c := chunkChoice(0, "", nil)
		c.FinishReason = string(ev.FinishReason)
		chunk.Choices = append(chunk.Choices, c)
		return r.encode(chunk)

	case canonical.EventResponseCompleted, canonical.EventMessageDone:
		var out [][]byte
		if !r.finishedSet {
			reason := ev.FinishReason
			if reason == "" {
				reason = canonical.FinishStop
			}
			r.finishedSet = true
			chunk := r.chunk()
			c := chunkChoice(0, "", nil)
			c.FinishReason = string(reason)
			chunk.Choices = append(chunk.Choices, c)
			data, err := r.encode(chunk)
			if err != nil {
				return nil, err
			}
			out = append(out, data...)
		}
		usage := ev.Usage
		if usage == nil {
			usage = r.pendingUse
		}
		if usage != nil && !r.usageSent {
			r.usageSent = true
			u := *usage
			u.Normalize()
			// Wire prompt_tokens count cached reads; canonical input
			// excludes them.
			promptWire := u.InputTokens + u.CacheReadTokens
			chunk := r.chunk()
			chunk.Usage = &usagePayload{
				PromptTokens:     promptWire,
				CompletionTokens: u.CompletionTokens,
				TotalTokens:      promptWire + u.CompletionTokens,
			}
			data, err := r.encode(chunk)
			if err != nil {
				return nil, err
			}
			out = append(out, data...)
		}
		return out, nil

	case canonical.EventError:
		var payload errorResponse
		payload.Error.Message = ev.Err.Message
		payload.Error.Type = ev.Err.Type
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		return [][]byte{data}, nil

	default:
		// Events with no chat/completions representation are dropped.
		return nil, nil
	}
}

func (r *streamRenderer) chunk() *streamChunk {
	return &streamChunk{
		ID:      r.id,
		Object:  "chat.completion.chunk",
		Created: r.created,
		Model:   r.model,
	}
}

func (r *streamRenderer) indexFor(callID string) int {
	if idx, ok := r.callIndex[callID]; ok {
		return idx
	}
	idx := len(r.callIndex)
	r.callIndex[callID] = idx
	return idx
}

func (r *streamRenderer) encode(chunk *streamChunk) ([][]byte, error) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}

func chunkChoice(index int, content string, calls []toolCall) streamChunkChoice {
	c := streamChunkChoice{Index: index}
	c.Delta.Content = content
	c.Delta.ToolCalls = calls
	return c
}
