package passthrough

import (
	"bytes"
	"encoding/json"

	"github.com/modelgate/modelgate/internal/adapter"
	"github.com/modelgate/modelgate/internal/canonical"
)

// Sniffer recovers token usage from a forwarded byte stream. Feed receives
// raw chunks as they pass through; it must never fail loudly, since the
// forwarded bytes are authoritative and usage is best effort. Usage reports
// the totals seen so far and whether anything was found.
type Sniffer interface {
	Feed(chunk []byte)
	Usage() (canonical.Usage, bool)
}

// SnifferFor returns the sniffer matching a wire format.
func SnifferFor(format adapter.Format) Sniffer {
	switch format {
	case adapter.FormatAnthropic:
		return &anthropicSniffer{}
	case adapter.FormatOpenAIResponses:
		return &responsesSniffer{}
	default:
		return &chatSniffer{}
	}
}

var sseDataPrefix = []byte("data: ")

// lineAssembler buffers raw chunks and hands back complete SSE data
// payloads. Chunk boundaries fall anywhere, including mid-line.
type lineAssembler struct {
	buf bytes.Buffer
}

func (l *lineAssembler) feed(chunk []byte, onData func(payload []byte)) {
	l.buf.Write(chunk)
	for {
		raw := l.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return
		}
		line := bytes.TrimRight(raw[:idx], "\r")
		l.buf.Next(idx + 1)
		if payload, ok := bytes.CutPrefix(line, sseDataPrefix); ok {
			onData(payload)
		}
	}
}

// anthropicSniffer watches the messages wire: input tokens arrive on
// message_start, output tokens on message_delta.
type anthropicSniffer struct {
	lines lineAssembler
	usage canonical.Usage
	found bool
}

func (s *anthropicSniffer) Feed(chunk []byte) {
	s.lines.feed(chunk, s.onData)
}

func (s *anthropicSniffer) onData(payload []byte) {
	var ev struct {
		Type    string `json:"type"`
		Message struct {
			Usage *anthropicUsage `json:"usage"`
		} `json:"message"`
		Usage *anthropicUsage `json:"usage"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	switch ev.Type {
	case "message_start":
		if u := ev.Message.Usage; u != nil {
			s.usage.InputTokens = u.InputTokens
			s.usage.CacheWriteTokens = u.CacheCreationInputTokens
			s.usage.CacheReadTokens = u.CacheReadInputTokens
			if u.OutputTokens > 0 {
				s.usage.OutputTokens = u.OutputTokens
			}
			s.found = true
		}
	case "message_delta", "message_stop":
		if u := ev.Usage; u != nil {
			if u.OutputTokens > 0 {
				s.usage.OutputTokens = u.OutputTokens
			}
			if u.InputTokens > 0 {
				s.usage.InputTokens = u.InputTokens
			}
			s.found = true
		}
	}
}

func (s *anthropicSniffer) Usage() (canonical.Usage, bool) {
	u := s.usage
	u.Normalize()
	return u, s.found
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// chatSniffer watches chat completions data lines until one carries a
// usage object, normally the final chunk when stream_options requested it.
type chatSniffer struct {
	lines lineAssembler
	usage canonical.Usage
	found bool
}

func (s *chatSniffer) Feed(chunk []byte) {
	s.lines.feed(chunk, s.onData)
}

func (s *chatSniffer) onData(payload []byte) {
	if s.found || bytes.Equal(payload, []byte("[DONE]")) {
		return
	}
	var chunk struct {
		Usage *struct {
			PromptTokens        int `json:"prompt_tokens"`
			CompletionTokens    int `json:"completion_tokens"`
			PromptTokensDetails struct {
				CachedTokens int `json:"cached_tokens"`
			} `json:"prompt_tokens_details"`
			CompletionTokensDetails struct {
				ReasoningTokens int `json:"reasoning_tokens"`
			} `json:"completion_tokens_details"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(payload, &chunk); err != nil || chunk.Usage == nil {
		return
	}
	u := chunk.Usage
	// Wire prompt_tokens include cached tokens; split them out.
	s.usage.InputTokens = u.PromptTokens - u.PromptTokensDetails.CachedTokens
	s.usage.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	s.usage.OutputTokens = u.CompletionTokens
	s.usage.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	s.found = true
}

func (s *chatSniffer) Usage() (canonical.Usage, bool) {
	u := s.usage
	u.Normalize()
	return u, s.found
}

// responsesSniffer locates the response.completed event and parses the
// usage object out of its response snapshot. The snapshot can be large, so
// the sniffer keeps only bytes seen after the marker and brace-balances
// until the event object closes.
type responsesSniffer struct {
	collecting bool
	depth      int
	inString   bool
	escaped    bool
	obj        bytes.Buffer
	tail       bytes.Buffer
	usage      canonical.Usage
	found      bool
}

var (
	completedTypeKey   = []byte(`"type"`)
	completedTypeValue = []byte(`"response.completed"`)
)

// completedIndex locates a "type" key whose value is response.completed,
// tolerating whitespace around the colon. Returns the key offset or -1.
func completedIndex(raw []byte) int {
	off := 0
	for {
		i := bytes.Index(raw[off:], completedTypeKey)
		if i < 0 {
			return -1
		}
		i += off
		j := i + len(completedTypeKey)
		for j < len(raw) && isJSONSpace(raw[j]) {
			j++
		}
		if j < len(raw) && raw[j] == ':' {
			j++
			for j < len(raw) && isJSONSpace(raw[j]) {
				j++
			}
			if bytes.HasPrefix(raw[j:], completedTypeValue) {
				return i
			}
		}
		off = i + len(completedTypeKey)
	}
}

func isJSONSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func (s *responsesSniffer) Feed(chunk []byte) {
	if s.found {
		return
	}
	if !s.collecting {
		s.tail.Write(chunk)
		raw := s.tail.Bytes()
		idx := completedIndex(raw)
		if idx < 0 {
			// Keep enough tail to match a marker split across chunks,
			// including whitespace, and still find the opening brace in
			// front of it.
			keep := len(completedTypeKey) + len(completedTypeValue) + 48
			if s.tail.Len() > keep {
				s.tail.Next(s.tail.Len() - keep)
			}
			return
		}
		// Rewind to the opening brace of the event object.
		start := bytes.LastIndexByte(raw[:idx], '{')
		if start < 0 {
			start = idx
		}
		rest := append([]byte(nil), raw[start:]...)
		s.collecting = true
		s.tail.Reset()
		s.balance(rest)
		return
	}
	s.balance(chunk)
}

// balance appends bytes to the captured object until braces close, then
// parses the usage out of it.
func (s *responsesSniffer) balance(data []byte) {
	for _, b := range data {
		s.obj.WriteByte(b)
		if s.inString {
			switch {
			case s.escaped:
				s.escaped = false
			case b == '\\':
				s.escaped = true
			case b == '"':
				s.inString = false
			}
			continue
		}
		switch b {
		case '"':
			s.inString = true
		case '{':
			s.depth++
		case '}':
			s.depth--
			if s.depth == 0 {
				s.parse()
				return
			}
		}
	}
}

type responsesUsage struct {
	InputTokens        int `json:"input_tokens"`
	OutputTokens       int `json:"output_tokens"`
	InputTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details"`
	OutputTokensDetails struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"output_tokens_details"`
}

func (s *responsesSniffer) parse() {
	s.collecting = false
	var ev struct {
		Response struct {
			Usage *responsesUsage `json:"usage"`
		} `json:"response"`
	}
	if err := json.Unmarshal(s.obj.Bytes(), &ev); err != nil || ev.Response.Usage == nil {
		s.obj.Reset()
		return
	}
	u := ev.Response.Usage
	// Wire input_tokens include cached tokens; record them separately.
	s.usage.InputTokens = u.InputTokens - u.InputTokensDetails.CachedTokens
	s.usage.CacheReadTokens = u.InputTokensDetails.CachedTokens
	s.usage.OutputTokens = u.OutputTokens
	s.usage.ReasoningTokens = u.OutputTokensDetails.ReasoningTokens
	s.found = true
	s.obj.Reset()
}

func (s *responsesSniffer) Usage() (canonical.Usage, bool) {
	u := s.usage
	u.Normalize()
	return u, s.found
}

// SniffBody extracts usage from a complete non-streaming response body in
// the given wire format. Used by the non-stream passthrough path, which
// parses JSON exactly once before forwarding the body untouched.
func SniffBody(format adapter.Format, body []byte) (canonical.Usage, bool) {
	switch format {
	case adapter.FormatAnthropic:
		var resp struct {
			Usage *anthropicUsage `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
			return canonical.Usage{}, false
		}
		u := canonical.Usage{
			InputTokens:      resp.Usage.InputTokens,
			OutputTokens:     resp.Usage.OutputTokens,
			CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadTokens:  resp.Usage.CacheReadInputTokens,
		}
		u.Normalize()
		return u, true
	case adapter.FormatOpenAIResponses:
		var resp struct {
			Usage *responsesUsage `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
			return canonical.Usage{}, false
		}
		u := canonical.Usage{
			InputTokens:     resp.Usage.InputTokens - resp.Usage.InputTokensDetails.CachedTokens,
			CacheReadTokens: resp.Usage.InputTokensDetails.CachedTokens,
			OutputTokens:    resp.Usage.OutputTokens,
			ReasoningTokens: resp.Usage.OutputTokensDetails.ReasoningTokens,
		}
		u.Normalize()
		return u, true
	default:
		s := &chatSniffer{}
		s.onData(body)
		return s.Usage()
	}
}
