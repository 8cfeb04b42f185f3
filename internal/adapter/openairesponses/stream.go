package openairesponses

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/canonical"
)

// streamProcessor folds responses SSE events into canonical events. State
// maps item ids to tool call ids so argument deltas, which carry only the
// item id, can be attributed.
type streamProcessor struct {
	itemCalls map[string]string
	itemNames map[string]string
	finished  bool
	usage     *canonical.Usage
}

func newStreamProcessor() *streamProcessor {
	return &streamProcessor{
		itemCalls: make(map[string]string),
		itemNames: make(map[string]string),
	}
}

func (p *streamProcessor) Process(data []byte) ([]canonical.StreamEvent, error) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode stream event: %w", err)
	}

	switch ev.Type {
	case "response.created":
		out := canonical.StreamEvent{Type: canonical.EventResponseCreated}
		if ev.Response != nil {
			out.ItemID = ev.Response.ID
		}
		return []canonical.StreamEvent{out}, nil

	case "response.in_progress", "response.queued":
		return nil, nil

	case "response.output_item.added":
		events := []canonical.StreamEvent{{
			Type:   canonical.EventOutputItemAdded,
			ItemID: itemID(&ev),
			Index:  ev.OutputIndex,
		}}
		if ev.Item != nil && ev.Item.Type == "function_call" {
			p.itemCalls[ev.Item.ID] = ev.Item.CallID
			p.itemNames[ev.Item.ID] = ev.Item.Name
			events = append(events, canonical.StreamEvent{
				Type:   canonical.EventToolCallStart,
				ItemID: ev.Item.ID,
				CallID: ev.Item.CallID,
				Name:   ev.Item.Name,
				Index:  ev.OutputIndex,
			})
		}
		return events, nil

	case "response.output_item.done":
		return []canonical.StreamEvent{{
			Type:   canonical.EventOutputItemDone,
			ItemID: itemID(&ev),
			Index:  ev.OutputIndex,
		}}, nil

	case "response.content_part.added":
		return []canonical.StreamEvent{{
			Type:   canonical.EventContentPartStart,
			ItemID: ev.ItemID,
			Index:  ev.ContentIndex,
		}}, nil

	case "response.content_part.done":
		return []canonical.StreamEvent{{
			Type:   canonical.EventContentPartDone,
			ItemID: ev.ItemID,
			Index:  ev.ContentIndex,
		}}, nil

	case "response.output_text.delta":
		return []canonical.StreamEvent{{
			Type:   canonical.EventContentDelta,
			Part:   canonical.DeltaText,
			Delta:  ev.Delta,
			ItemID: ev.ItemID,
			Index:  ev.ContentIndex,
		}}, nil

	case "response.output_text.done":
		return []canonical.StreamEvent{{
			Type:   canonical.EventOutputTextDone,
			Delta:  ev.Text,
			ItemID: ev.ItemID,
			Index:  ev.ContentIndex,
		}}, nil

	case "response.function_call_arguments.delta", "response.function_call.arguments.delta":
		return []canonical.StreamEvent{{
			Type:   canonical.EventFunctionCallArgsDelta,
			Delta:  ev.Delta,
			ItemID: ev.ItemID,
			CallID: p.itemCalls[ev.ItemID],
			Name:   p.itemNames[ev.ItemID],
		}}, nil

	case "response.function_call_arguments.done", "response.function_call.arguments.done":
		return []canonical.StreamEvent{{
			Type:   canonical.EventFunctionCallArgsDone,
			Delta:  ev.Arguments,
			ItemID: ev.ItemID,
			CallID: p.itemCalls[ev.ItemID],
			Name:   p.itemNames[ev.ItemID],
		}}, nil

	case "response.refusal.delta":
		return []canonical.StreamEvent{{
			Type:   canonical.EventRefusalDelta,
			Delta:  ev.Delta,
			ItemID: ev.ItemID,
		}}, nil

	case "response.refusal.done":
		return []canonical.StreamEvent{{
			Type:   canonical.EventRefusalDone,
			Delta:  ev.Refusal,
			ItemID: ev.ItemID,
		}}, nil

	case "response.reasoning_summary_text.delta", "response.reasoning.summary.delta":
		return []canonical.StreamEvent{{
			Type:   canonical.EventReasoningSummaryDelta,
			Delta:  ev.Delta,
			ItemID: ev.ItemID,
		}}, nil

	case "response.reasoning_summary_text.done", "response.reasoning.summary.done":
		return []canonical.StreamEvent{{
			Type:   canonical.EventReasoningSummaryDone,
			Delta:  ev.Text,
			ItemID: ev.ItemID,
		}}, nil

	case "response.usage":
		if ev.Response == nil || ev.Response.Usage == nil {
			return nil, nil
		}
		u := usageToCanonical(ev.Response.Usage)
		p.usage = &u
		return []canonical.StreamEvent{{Type: canonical.EventUsage, Usage: &u}}, nil

	case "response.completed", "response.incomplete", "response.failed":
		if p.finished {
			return nil, nil
		}
		p.finished = true
		out := canonical.StreamEvent{Type: canonical.EventResponseCompleted}
		if ev.Response != nil {
			out.FinishReason = finishFromStatus(ev.Response.Status, false)
			if ev.Response.Usage != nil {
				u := usageToCanonical(ev.Response.Usage)
				out.Usage = &u
			}
			if snapshot, err := responseToCanonical(ev.Response); err == nil {
				out.Response = snapshot
			}
		}
		if out.Usage == nil {
			out.Usage = p.usage
		}
		return []canonical.StreamEvent{out}, nil

	case "error", "response.error":
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
		// Unknown event types are preserved for forensics but not translated.
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err == nil {
			if strings.HasPrefix(ev.Type, "response.file_search_call.") {
				return []canonical.StreamEvent{{Type: canonical.EventFileSearch, ProviderRaw: raw}}, nil
			}
			if strings.HasPrefix(ev.Type, "response.web_search_call.") {
				return []canonical.StreamEvent{{Type: canonical.EventWebSearch, ProviderRaw: raw}}, nil
			}
		}
		return nil, nil
	}
}

func itemID(ev *streamEvent) string {
	if ev.Item != nil {
		return ev.Item.ID
	}
	return ev.ItemID
}

// streamRenderer turns canonical events into responses SSE payloads. It
// fabricates the response envelope and item ids, opens a message item on the
// first text delta, and accumulates text and arguments so the terminal
// response.completed event carries a full snapshot.
type streamRenderer struct {
	respID  string
	created int64
	model   string

	seq         int
	outputIndex int
	msgItemID   string
	msgOpen     bool
	textBuf     strings.Builder

	callItems map[string]string
	argsBuf   map[string]*strings.Builder
	callNames map[string]string

	usage  *canonical.Usage
	finish canonical.FinishReason
}

func newStreamRenderer() *streamRenderer {
	return &streamRenderer{
		respID:    "resp_" + uuid.NewString(),
		created:   time.Now().Unix(),
		callItems: make(map[string]string),
		argsBuf:   make(map[string]*strings.Builder),
		callNames: make(map[string]string),
	}
}

// Done reports that this format does not use a trailing "[DONE]" marker.
func (r *streamRenderer) Done() bool { return false }

func (r *streamRenderer) Render(ev *canonical.StreamEvent) ([][]byte, error) {
	switch ev.Type {
	case canonical.EventResponseCreated:
		return r.encode(&streamEvent{
			Type:     "response.created",
			Response: r.envelope("in_progress"),
		})

	case canonical.EventContentDelta:
		if ev.Part != canonical.DeltaText {
			return nil, nil
		}
		var out [][]byte
		if !r.msgOpen {
			opened, err := r.openMessageItem()
			if err != nil {
				return nil, err
			}
			out = append(out, opened...)
		}
		r.textBuf.WriteString(ev.Delta)
		data, err := r.encode(&streamEvent{
			Type:   "response.output_text.delta",
			ItemID: r.msgItemID,
			Delta:  ev.Delta,
		})
		if err != nil {
			return nil, err
		}
		return append(out, data...), nil

	case canonical.EventToolCallStart:
		itemID := "fc_" + uuid.NewString()
		r.callItems[ev.CallID] = itemID
		r.callNames[ev.CallID] = ev.Name
		r.argsBuf[ev.CallID] = &strings.Builder{}
		idx := r.outputIndex
		r.outputIndex++
		return r.encode(&streamEvent{
			Type:        "response.output_item.added",
			OutputIndex: idx,
			Item: &inputItem{
				Type:   "function_call",
				ID:     itemID,
				CallID: ev.CallID,
				Name:   ev.Name,
				Status: "in_progress",
			},
		})

	case canonical.EventFunctionCallArgsDelta:
		if buf := r.argsBuf[ev.CallID]; buf != nil {
			buf.WriteString(ev.Delta)
		}
		return r.encode(&streamEvent{
			Type:   "response.function_call_arguments.delta",
			ItemID: r.callItems[ev.CallID],
			Delta:  ev.Delta,
		})

	case canonical.EventFunctionCallArgsDone:
		args := ev.Delta
		if buf := r.argsBuf[ev.CallID]; buf != nil && args == "" {
			args = buf.String()
		}
		return r.encode(&streamEvent{
			Type:      "response.function_call_arguments.done",
			ItemID:    r.callItems[ev.CallID],
			Arguments: args,
		})

	case canonical.EventRefusalDelta:
		return r.encode(&streamEvent{
			Type:   "response.refusal.delta",
			ItemID: r.msgItemID,
			Delta:  ev.Delta,
		})

	case canonical.EventReasoningSummaryDelta:
		return r.encode(&streamEvent{
			Type:  "response.reasoning_summary_text.delta",
			Delta: ev.Delta,
		})

	case canonical.EventUsage:
		r.usage = ev.Usage
		return nil, nil

	case canonical.EventMessageDelta:
		if ev.FinishReason != "" {
			r.finish = ev.FinishReason
		}
		if ev.Usage != nil {
			r.usage = ev.Usage
		}
		return nil, nil

	case canonical.EventResponseCompleted, canonical.EventMessageDone:
		return r.renderCompleted(ev)

	case canonical.EventError:
		return r.encode(&streamEvent{
			Type: "error",
			Error: &wireError{
				Type:    ev.Err.Type,
				Message: ev.Err.Message,
			},
		})

	default:
		return nil, nil
	}
}

func (r *streamRenderer) renderCompleted(ev *canonical.StreamEvent) ([][]byte, error) {
	var out [][]byte

	if r.msgOpen {
		closed, err := r.closeMessageItem()
		if err != nil {
			return nil, err
		}
		out = append(out, closed...)
	}

	finish := ev.FinishReason
	if finish == "" {
		finish = r.finish
	}
	status := "completed"
	if finish == canonical.FinishLength {
		status = "incomplete"
	}

	envelope := r.envelope(status)
	if snapshot := r.snapshot(ev); snapshot != nil {
		envelope.Output = snapshot.Output
	}
	usage := ev.Usage
	if usage == nil {
		usage = r.usage
	}
	if usage != nil {
		u := *usage
		u.Normalize()
		envelope.Usage = &usagePayload{
			InputTokens:  u.InputTokens + u.CacheReadTokens,
			OutputTokens: u.OutputTokens,
			TotalTokens:  u.TotalTokens,
		}
		if u.CacheReadTokens > 0 {
			envelope.Usage.InputTokensDetails = &struct {
				CachedTokens int `json:"cached_tokens"`
			}{CachedTokens: u.CacheReadTokens}
		}
	}

	data, err := r.encode(&streamEvent{Type: "response." + status, Response: envelope})
	if err != nil {
		return nil, err
	}
	return append(out, data...), nil
}

// snapshot builds the terminal output list, preferring the provider snapshot
// on the event and falling back to accumulated deltas.
func (r *streamRenderer) snapshot(ev *canonical.StreamEvent) *responsesResponse {
	if ev.Response != nil {
		return canonicalToResponse(ev.Response)
	}

	out := &responsesResponse{}
	if r.textBuf.Len() > 0 {
		content := contentUnion{
			Parts:   []contentPart{{Type: "output_text", Text: r.textBuf.String()}},
			isParts: true,
		}
		out.Output = append(out.Output, inputItem{
			Type:    "message",
			ID:      r.msgItemID,
			Role:    "assistant",
			Status:  "completed",
			Content: &content,
		})
	}
	for callID, itemID := range r.callItems {
		item := inputItem{
			Type:   "function_call",
			ID:     itemID,
			CallID: callID,
			Name:   r.callNames[callID],
			Status: "completed",
		}
		if buf := r.argsBuf[callID]; buf != nil {
			item.Arguments = buf.String()
		}
		out.Output = append(out.Output, item)
	}
	if len(out.Output) == 0 {
		return nil
	}
	return out
}

func (r *streamRenderer) openMessageItem() ([][]byte, error) {
	r.msgOpen = true
	r.msgItemID = "msg_" + uuid.NewString()
	idx := r.outputIndex
	r.outputIndex++

	added, err := r.encode(&streamEvent{
		Type:        "response.output_item.added",
		OutputIndex: idx,
		Item: &inputItem{
			Type:   "message",
			ID:     r.msgItemID,
			Role:   "assistant",
			Status: "in_progress",
		},
	})
	if err != nil {
		return nil, err
	}
	part, err := r.encode(&streamEvent{
		Type:   "response.content_part.added",
		ItemID: r.msgItemID,
		Part:   &contentPart{Type: "output_text"},
	})
	if err != nil {
		return nil, err
	}
	return append(added, part...), nil
}

func (r *streamRenderer) closeMessageItem() ([][]byte, error) {
	r.msgOpen = false

	textDone, err := r.encode(&streamEvent{
		Type:   "response.output_text.done",
		ItemID: r.msgItemID,
		Text:   r.textBuf.String(),
	})
	if err != nil {
		return nil, err
	}
	partDone, err := r.encode(&streamEvent{
		Type:   "response.content_part.done",
		ItemID: r.msgItemID,
		Part:   &contentPart{Type: "output_text", Text: r.textBuf.String()},
	})
	if err != nil {
		return nil, err
	}
	itemDone, err := r.encode(&streamEvent{
		Type: "response.output_item.done",
		Item: &inputItem{
			Type:   "message",
			ID:     r.msgItemID,
			Role:   "assistant",
			Status: "completed",
		},
	})
	if err != nil {
		return nil, err
	}
	out := append(textDone, partDone...)
	return append(out, itemDone...), nil
}

func (r *streamRenderer) envelope(status string) *responsesResponse {
	return &responsesResponse{
		ID:        r.respID,
		Object:    "response",
		CreatedAt: r.created,
		Model:     r.model,
		Status:    status,
	}
}

func (r *streamRenderer) encode(ev *streamEvent) ([][]byte, error) {
	r.seq++
	ev.SequenceNumber = r.seq
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}
