package adapter

import "github.com/modelgate/modelgate/internal/provider"

// Path selects how a request flows through the pipeline.
type Path string

const (
	// PathPassthrough forwards client bytes to the provider without
	// canonicalisation. Chosen when the client format is the provider's
	// native format, for speed and maximum field fidelity.
	PathPassthrough Path = "passthrough"

	// PathAdapter translates client -> canonical -> provider and back.
	PathAdapter Path = "adapter"
)

// passthroughPairs enumerates client-format/provider combinations that speak
// the same wire format end to end. Grok accepts Anthropic messages natively.
var passthroughPairs = map[Format]map[provider.Type]bool{
	FormatAnthropic: {
		provider.TypeAnthropic: true,
		provider.TypeXAI:       true,
	},
	FormatOpenAIResponses: {
		provider.TypeOpenAI: true,
	},
}

// SelectPath is the single decision point for passthrough vs adapter.
// canonicalMode forces the adapter path for debug comparison runs.
func SelectPath(clientFormat Format, p provider.Type, canonicalMode bool) Path {
	if canonicalMode {
		return PathAdapter
	}
	if passthroughPairs[clientFormat][p] {
		return PathPassthrough
	}
	return PathAdapter
}
