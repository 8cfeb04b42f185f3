// Package openrouter implements the OpenRouter provider client. OpenRouter
// speaks the OpenAI chat/completions format and identifies calling apps
// through optional attribution headers.
package openrouter

import (
	"context"
	"io"

	"github.com/modelgate/modelgate/internal/adapter/openaichat"
	"github.com/modelgate/modelgate/internal/build"
	"github.com/modelgate/modelgate/internal/canonical"
	"github.com/modelgate/modelgate/internal/provider"
)

// Attribution headers shown on openrouter.ai rankings.
const (
	refererHeader = "https://github.com/modelgate/modelgate"
	titleHeader   = "ModelGate"
)

func init() {
	provider.RegisterProvider(provider.TypeOpenRouter, func(cfg provider.Config) (provider.Provider, error) {
		return New(cfg)
	})
}

// Client calls the OpenRouter chat/completions API.
type Client struct {
	cfg     provider.Config
	http    *provider.HTTPClient
	adapter *openaichat.Adapter
}

var _ provider.Provider = (*Client)(nil)

// New creates an OpenRouter client.
func New(cfg provider.Config) (*Client, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = provider.GetAPIKeyFromEnv(provider.TypeOpenRouter)
	}
	if cfg.APIKey == "" {
		return nil, provider.WrapError(string(provider.TypeOpenRouter), provider.ErrNoAPIKey)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = provider.DefaultBaseURL(provider.TypeOpenRouter)
	}
	return &Client{
		cfg:     cfg,
		http:    provider.NewHTTPClient(cfg),
		adapter: openaichat.New(),
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return string(provider.TypeOpenRouter)
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
		"HTTP-Referer":  refererHeader,
		"X-Title":       titleHeader + " " + build.Version,
	}
}
