// Package anthropic implements the Anthropic provider client over the
// messages endpoint.
package anthropic

import (
	"context"
	"io"

	adapteranthropic "github.com/modelgate/modelgate/internal/adapter/anthropic"
	"github.com/modelgate/modelgate/internal/canonical"
	"github.com/modelgate/modelgate/internal/provider"
)

// APIVersion is the anthropic-version header sent with every request.
const APIVersion = "2023-06-01"

func init() {
	provider.RegisterProvider(provider.TypeAnthropic, func(cfg provider.Config) (provider.Provider, error) {
		return New(cfg)
	})
}

// Client calls the Anthropic messages API.
type Client struct {
	cfg     provider.Config
	http    *provider.HTTPClient
	adapter *adapteranthropic.Adapter
}

var _ provider.Provider = (*Client)(nil)

// New creates an Anthropic client.
func New(cfg provider.Config) (*Client, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = provider.GetAPIKeyFromEnv(provider.TypeAnthropic)
	}
	if cfg.APIKey == "" {
		return nil, provider.WrapError(string(provider.TypeAnthropic), provider.ErrNoAPIKey)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = provider.DefaultBaseURL(provider.TypeAnthropic)
	}
	return &Client{
		cfg:     cfg,
		http:    provider.NewHTTPClient(cfg),
		adapter: adapteranthropic.New(),
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return string(provider.TypeAnthropic)
}

// ChatCompletion sends a non-streaming request.
func (c *Client) ChatCompletion(ctx context.Context, req *canonical.Request) (*canonical.Response, error) {
	body, err := c.render(req, false)
	if err != nil {
		return nil, provider.WrapError(c.Name(), err)
	}

	stream, err := c.http.Post(ctx, c.endpoint(), body, c.headers(), false)
	if err != nil {
		return nil, provider.WrapError(c.Name(), err)
	}
	defer func() { _ = stream.Close() }()

	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, provider.WrapError(c.Name(), err)
	}
	resp, err := c.adapter.ProviderToCanonical(data)
	if err != nil {
		return nil, provider.WrapError(c.Name(), err)
	}
	return resp, nil
}

// StreamingResponse sends a streaming request and returns the raw SSE body.
func (c *Client) StreamingResponse(ctx context.Context, req *canonical.Request) (io.ReadCloser, error) {
	body, err := c.render(req, true)
	if err != nil {
		return nil, provider.WrapError(c.Name(), err)
	}

	stream, err := c.http.Post(ctx, c.endpoint(), body, c.headers(), true)
	if err != nil {
		return nil, provider.WrapError(c.Name(), err)
	}
	return stream, nil
}

func (c *Client) render(req *canonical.Request, stream bool) ([]byte, error) {
	req.Stream = stream
	body, err := c.adapter.CanonicalToProvider(req)
	if err != nil {
		return nil, err
	}
	if req.ProviderParams != nil {
		return provider.MergeParams(body, req.ProviderParams[c.Name()])
	}
	return body, nil
}

func (c *Client) endpoint() string {
	return c.cfg.BaseURL + "/v1/messages"
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": APIVersion,
	}
}
