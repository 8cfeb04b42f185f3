// Package adapter defines the bidirectional mapping between public wire
// formats and the canonical representation. Each format registers an Adapter
// that translates requests and responses in both directions plus a stateful
// per-request stream processor.
package adapter

import (
	"errors"
	"fmt"

	"github.com/modelgate/modelgate/internal/canonical"
)

// Format identifies a public wire format.
type Format string

const (
	FormatOpenAIChat      Format = "openai-chat"
	FormatOpenAIResponses Format = "openai-responses"
	FormatAnthropic       Format = "anthropic"
)

// ErrInvalidInput is wrapped by adapters when a client body fails to parse
// or validate. The pipeline maps it to HTTP 400.
var ErrInvalidInput = errors.New("invalid input")

// Adapter translates one wire format to and from canonical.
type Adapter interface {
	// Format returns the wire format this adapter handles.
	Format() Format

	// ClientToCanonical parses a client request body into canonical form.
	// Fails with ErrInvalidInput on malformed shape.
	ClientToCanonical(body []byte) (*canonical.Request, error)

	// CanonicalToProvider renders the canonical request as an outbound
	// provider request body.
	CanonicalToProvider(req *canonical.Request) ([]byte, error)

	// ProviderToCanonical parses a provider response body into canonical form.
	ProviderToCanonical(body []byte) (*canonical.Response, error)

	// CanonicalToClient renders a canonical response in this wire format.
	CanonicalToClient(resp *canonical.Response) ([]byte, error)

	// NewStreamProcessor returns a fresh, per-request processor folding this
	// format's streaming events into canonical events.
	NewStreamProcessor() StreamProcessor

	// NewStreamRenderer returns a fresh, per-request renderer turning
	// canonical events back into this format's SSE payloads.
	NewStreamRenderer() StreamRenderer
}

// StreamProcessor consumes one provider event payload at a time and yields
// zero or more canonical events. Implementations hold per-response state
// (open content part index, tool argument buffers, accumulated usage) and
// must be constructed fresh per request.
type StreamProcessor interface {
	Process(data []byte) ([]canonical.StreamEvent, error)
}

// StreamRenderer turns canonical stream events into wire-format SSE data
// payloads. A single canonical event may render to zero or more payloads.
// Done reports whether the format expects a trailing "[DONE]" marker.
type StreamRenderer interface {
	Render(ev *canonical.StreamEvent) ([][]byte, error)
	Done() bool
}

var registry = make(map[Format]Adapter)

// Register adds an adapter to the registry. Called from adapter package
// init functions.
func Register(a Adapter) {
	registry[a.Format()] = a
}

// ForFormat returns the adapter for the given wire format.
func ForFormat(f Format) (Adapter, error) {
	a, ok := registry[f]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for format %q", f)
	}
	return a, nil
}
