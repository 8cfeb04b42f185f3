package canonical

// EventType tags a canonical streaming event.
type EventType string

const (
	EventResponseCreated     EventType = "response_created"
	EventContentDelta        EventType = "content_delta"
	EventContentPartStart    EventType = "content_part_start"
	EventContentPartDone     EventType = "content_part_done"
	EventOutputTextDone      EventType = "output_text_done"
	EventOutputItemAdded     EventType = "output_item_added"
	EventOutputItemDone      EventType = "output_item_done"
	EventToolCallStart       EventType = "tool_call_start"
	EventFunctionCallArgsDelta EventType = "function_call_arguments_delta"
	EventFunctionCallArgsDone  EventType = "function_call_arguments_done"
	EventRefusalDelta        EventType = "refusal_delta"
	EventRefusalDone         EventType = "refusal_done"
	EventReasoningSummaryDelta EventType = "reasoning_summary_text_delta"
	EventReasoningSummaryDone  EventType = "reasoning_summary_text_done"
	EventFileSearch          EventType = "file_search"
	EventWebSearch           EventType = "web_search"
	EventUsage               EventType = "usage"
	EventResponseCompleted   EventType = "response_completed"
	EventMessageDelta        EventType = "message_delta"
	EventMessageDone         EventType = "message_done"
	EventPing                EventType = "ping"
	EventError               EventType = "error"
)

// DeltaPart identifies which content channel a content_delta belongs to.
type DeltaPart string

const (
	DeltaText     DeltaPart = "text"
	DeltaToolCall DeltaPart = "tool_call"
	DeltaThinking DeltaPart = "thinking"
)

// StreamError carries a provider error surfaced mid-stream.
type StreamError struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

// StreamEvent is the canonical streaming event: a tagged union keyed by Type.
// Only the fields relevant to each type are populated.
type StreamEvent struct {
	Type EventType `json:"type"`

	// Content deltas.
	Part  DeltaPart `json:"part,omitempty"`
	Delta string    `json:"delta,omitempty"`
	Index int       `json:"index,omitempty"`

	// Output item / tool call identity.
	ItemID string `json:"itemId,omitempty"`
	CallID string `json:"callId,omitempty"`
	Name   string `json:"name,omitempty"`

	// Terminal state.
	FinishReason FinishReason `json:"finishReason,omitempty"`
	StopReason   string       `json:"stopReason,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`

	// Response is the full snapshot attached to response_completed when the
	// provider supplies one.
	Response *Response `json:"response,omitempty"`

	Err *StreamError `json:"error,omitempty"`

	// ProviderRaw is the untranslated provider payload kept for forensics.
	ProviderRaw map[string]any `json:"providerRaw,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e *StreamEvent) Terminal() bool {
	switch e.Type {
	case EventResponseCompleted, EventMessageDone, EventError:
		return true
	default:
		return false
	}
}
