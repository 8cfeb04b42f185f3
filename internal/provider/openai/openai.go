// Package openai implements the OpenAI provider client over the
// chat/completions endpoint.
package openai

import (
	"context"
	"io"

	"github.com/modelgate/modelgate/internal/adapter/openaichat"
	"github.com/modelgate/modelgate/internal/canonical"
	"github.com/modelgate/modelgate/internal/provider"
)

func init() {
	provider.RegisterProvider(provider.TypeOpenAI, func(cfg provider.Config) (provider.Provider, error) {
		return New(cfg)
	})
}

// Client calls the OpenAI chat/completions API.
type Client struct {
	cfg     provider.Config
	http    *provider.HTTPClient
	adapter *openaichat.Adapter
}

var _ provider.Provider = (*Client)(nil)

// New creates an OpenAI client.
func New(cfg provider.Config) (*Client, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = provider.GetAPIKeyFromEnv(provider.TypeOpenAI)
	}
	if cfg.APIKey == "" {
		return nil, provider.WrapError(string(provider.TypeOpenAI), provider.ErrNoAPIKey)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = provider.DefaultBaseURL(provider.TypeOpenAI)
	}
	return &Client{
		cfg:     cfg,
		http:    provider.NewHTTPClient(cfg),
		adapter: openaichat.New(),
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return string(provider.TypeOpenAI)
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
	return c.cfg.BaseURL + "/chat/completions"
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + c.cfg.APIKey,
	}
}
