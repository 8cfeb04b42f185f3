// Package passthrough forwards client bytes to a provider without
// canonicalisation, for requests whose client format is the provider's
// native wire. Unknown fields survive and translation cost is zero; usage
// is recovered by a sniffer that watches the byte stream from the side.
package passthrough

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/modelgate/modelgate/internal/adapter"
	adapteranthropic "github.com/modelgate/modelgate/internal/adapter/anthropic"
	"github.com/modelgate/modelgate/internal/provider"
	provideranthropic "github.com/modelgate/modelgate/internal/provider/anthropic"
)

// Forwarder sends raw client bodies to one provider endpoint.
type Forwarder struct {
	provider provider.Type
	format   adapter.Format
	cfg      provider.Config
	http     *provider.HTTPClient
}

// New creates a forwarder for the given client format and provider. Only
// format/provider pairs that share a wire format are valid.
func New(format adapter.Format, t provider.Type, cfg provider.Config) (*Forwarder, error) {
	if adapter.SelectPath(format, t, false) != adapter.PathPassthrough {
		return nil, fmt.Errorf("format %q has no passthrough to provider %q", format, t)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = provider.GetAPIKeyFromEnv(t)
	}
	if cfg.APIKey == "" {
		return nil, provider.WrapError(string(t), provider.ErrNoAPIKey)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = provider.DefaultBaseURL(t)
	}
	return &Forwarder{
		provider: t,
		format:   format,
		cfg:      cfg,
		http:     provider.NewHTTPClient(cfg),
	}, nil
}

// Provider returns the destination provider.
func (f *Forwarder) Provider() provider.Type {
	return f.provider
}

// Send forwards the prepared body and returns the raw provider response
// body. The caller owns closing it.
func (f *Forwarder) Send(ctx context.Context, body []byte, stream bool) (io.ReadCloser, error) {
	prepared, err := PrepareBody(f.format, body, stream)
	if err != nil {
		return nil, provider.WrapError(string(f.provider), err)
	}
	resp, err := f.http.Post(ctx, f.endpoint(), prepared, f.headers(), stream)
	if err != nil {
		return nil, provider.WrapError(string(f.provider), err)
	}
	return resp, nil
}

// NewSniffer returns the usage sniffer for this forwarder's wire format.
func (f *Forwarder) NewSniffer() Sniffer {
	return SnifferFor(f.format)
}

func (f *Forwarder) endpoint() string {
	switch f.format {
	case adapter.FormatAnthropic:
		return f.cfg.BaseURL + "/v1/messages"
	case adapter.FormatOpenAIResponses:
		return f.cfg.BaseURL + "/responses"
	default:
		return f.cfg.BaseURL + "/chat/completions"
	}
}

func (f *Forwarder) headers() map[string]string {
	if f.provider == provider.TypeAnthropic {
		return map[string]string{
			"x-api-key":         f.cfg.APIKey,
			"anthropic-version": provideranthropic.APIVersion,
		}
	}
	return map[string]string{
		"Authorization": "Bearer " + f.cfg.APIKey,
	}
}

// PrepareBody merges the stream flag and required defaults into the client
// body without touching anything else. Anthropic requires max_tokens; a
// body lacking one gets the model family default.
func PrepareBody(format adapter.Format, body []byte, stream bool) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	fields["stream"] = stream

	if format == adapter.FormatAnthropic {
		if _, ok := fields["max_tokens"]; !ok {
			model, _ := fields["model"].(string)
			fields["max_tokens"] = adapteranthropic.DefaultMaxTokens(model)
		}
	}

	if stream && format == adapter.FormatOpenAIChat {
		if _, ok := fields["stream_options"]; !ok {
			fields["stream_options"] = map[string]any{"include_usage": true}
		}
	}

	return json.Marshal(fields)
}
