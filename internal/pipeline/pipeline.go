// Package pipeline orchestrates one chat request end to end: parse the
// client body, resolve the provider, pick passthrough or the adapter
// path, dispatch, stream or translate the response, and account usage.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/adapter"
	"github.com/modelgate/modelgate/internal/budget"
	"github.com/modelgate/modelgate/internal/canonical"
	"github.com/modelgate/modelgate/internal/logger"
	"github.com/modelgate/modelgate/internal/metrics"
	"github.com/modelgate/modelgate/internal/passthrough"
	"github.com/modelgate/modelgate/internal/provider"
	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/internal/streaming"
	"github.com/modelgate/modelgate/internal/usage"
)

// maxBodySize bounds an inbound request body.
const maxBodySize = 10 << 20

const (
	// DefaultStreamTimeout aborts a streaming request that never finishes.
	DefaultStreamTimeout = 10 * time.Minute

	// DefaultRequestTimeout bounds a non-streaming request.
	DefaultRequestTimeout = 60 * time.Second
)

// Pipeline serves chat requests for every registered client format.
type Pipeline struct {
	router         *router.Router
	store          *usage.Store
	budget         *budget.Service
	metrics        *metrics.Metrics
	providerCfg    map[provider.Type]provider.Config
	canonicalMode  bool
	streamTimeout  time.Duration
	requestTimeout time.Duration

	mu         sync.Mutex
	clients    map[provider.Type]provider.Provider
	forwarders map[forwardKey]*passthrough.Forwarder
}

type forwardKey struct {
	format   adapter.Format
	provider provider.Type
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithUsageStore enables usage accounting.
func WithUsageStore(s *usage.Store) Option {
	return func(p *Pipeline) { p.store = s }
}

// WithBudget enables the post-request budget check.
func WithBudget(b *budget.Service) Option {
	return func(p *Pipeline) { p.budget = b }
}

// WithMetrics enables request counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithProviderConfig overrides the client configuration for one provider.
func WithProviderConfig(t provider.Type, cfg provider.Config) Option {
	return func(p *Pipeline) { p.providerCfg[t] = cfg }
}

// WithCanonicalMode forces the adapter path even for passthrough pairs,
// used to compare the two paths in debugging.
func WithCanonicalMode(on bool) Option {
	return func(p *Pipeline) { p.canonicalMode = on }
}

// WithTimeouts overrides the stream and request timeouts.
func WithTimeouts(stream, request time.Duration) Option {
	return func(p *Pipeline) {
		if stream > 0 {
			p.streamTimeout = stream
		}
		if request > 0 {
			p.requestTimeout = request
		}
	}
}

// New creates a pipeline over a router.
func New(rt *router.Router, opts ...Option) *Pipeline {
	p := &Pipeline{
		router:         rt,
		providerCfg:    make(map[provider.Type]provider.Config),
		streamTimeout:  DefaultStreamTimeout,
		requestTimeout: DefaultRequestTimeout,
		clients:        make(map[provider.Type]provider.Provider),
		forwarders:     make(map[forwardKey]*passthrough.Forwarder),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle serves one chat request in the given client format.
func (p *Pipeline) Handle(w http.ResponseWriter, r *http.Request, format adapter.Format) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		WriteError(w, format, fmt.Errorf("%w: failed to read body", adapter.ErrInvalidInput))
		return
	}

	a, err := adapter.ForFormat(format)
	if err != nil {
		WriteError(w, format, err)
		return
	}

	req, err := a.ClientToCanonical(body)
	if err != nil {
		WriteError(w, format, err)
		return
	}

	res, err := p.router.Resolve(req.Model, providerHint(r))
	if err != nil {
		p.countError("", err)
		WriteError(w, format, err)
		return
	}

	requestID := uuid.NewString()
	path := adapter.SelectPath(format, res.Provider, p.canonicalMode)

	logger.Info(r.Context(), "Dispatching chat request",
		"requestId", requestID,
		"provider", string(res.Provider),
		"model", res.Model,
		"path", string(path),
		"stream", req.Stream)

	if path == adapter.PathPassthrough {
		p.servePassthrough(w, r, format, res, body, req.Stream, requestID)
		return
	}
	p.serveAdapter(w, r, a, res, req, requestID)
}

// providerHint reads the optional client-supplied provider preference.
func providerHint(r *http.Request) string {
	if hint := r.URL.Query().Get("provider"); hint != "" {
		return hint
	}
	return r.Header.Get("X-Provider")
}

func (p *Pipeline) serveAdapter(
	w http.ResponseWriter,
	r *http.Request,
	a adapter.Adapter,
	res router.Resolution,
	req *canonical.Request,
	requestID string,
) {
	format := a.Format()
	client, err := p.client(res.Provider)
	if err != nil {
		p.countError(string(res.Provider), err)
		WriteError(w, format, err)
		return
	}
	req.Model = res.Model

	if !req.Stream {
		ctx, cancel := context.WithTimeout(r.Context(), p.requestTimeout)
		defer cancel()

		resp, err := client.ChatCompletion(ctx, req)
		if err != nil {
			p.countError(string(res.Provider), err)
			WriteError(w, format, err)
			return
		}

		out, err := a.CanonicalToClient(resp)
		if err != nil {
			p.countError(string(res.Provider), err)
			WriteError(w, format, fmt.Errorf("failed to render response: %w", err))
			return
		}

		p.account(r.Context(), requestID, res, resp.Usage, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(out)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.streamTimeout)
	defer cancel()

	src, err := client.StreamingResponse(ctx, req)
	if err != nil {
		p.countError(string(res.Provider), err)
		WriteError(w, format, err)
		return
	}
	defer func() { _ = src.Close() }()

	streaming.SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	var tap accountingTap
	if err := streaming.Relay(ctx, w, src, a.NewStreamProcessor(), a.NewStreamRenderer(), tap.observe); err != nil {
		// Headers are out; nothing to send but the close.
		logger.Warn(ctx, "Stream relay ended with error", "requestId", requestID, "err", err)
	}
	if tap.found {
		p.account(r.Context(), requestID, res, tap.usage, r.URL.Path)
	}
}

func (p *Pipeline) servePassthrough(
	w http.ResponseWriter,
	r *http.Request,
	format adapter.Format,
	res router.Resolution,
	body []byte,
	stream bool,
	requestID string,
) {
	fwd, err := p.forwarder(format, res.Provider)
	if err != nil {
		p.countError(string(res.Provider), err)
		WriteError(w, format, err)
		return
	}

	if !stream {
		ctx, cancel := context.WithTimeout(r.Context(), p.requestTimeout)
		defer cancel()

		src, err := fwd.Send(ctx, body, false)
		if err != nil {
			p.countError(string(res.Provider), err)
			WriteError(w, format, err)
			return
		}
		defer func() { _ = src.Close() }()

		data, err := io.ReadAll(src)
		if err != nil {
			p.countError(string(res.Provider), err)
			WriteError(w, format, fmt.Errorf("failed to read provider response: %w", err))
			return
		}

		if u, ok := passthrough.SniffBody(format, data); ok {
			p.account(r.Context(), requestID, res, u, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.streamTimeout)
	defer cancel()

	src, err := fwd.Send(ctx, body, true)
	if err != nil {
		p.countError(string(res.Provider), err)
		WriteError(w, format, err)
		return
	}
	defer func() { _ = src.Close() }()

	streaming.SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	sniffer := fwd.NewSniffer()
	if err := streaming.Tee(ctx, w, src, sniffer.Feed); err != nil {
		logger.Warn(ctx, "Passthrough stream ended with error", "requestId", requestID, "err", err)
	}
	if u, ok := sniffer.Usage(); ok {
		p.account(r.Context(), requestID, res, u, r.URL.Path)
	}
}

// account writes the usage ledger row and updates counters. Accounting
// failures never reach the client.
func (p *Pipeline) account(ctx context.Context, requestID string, res router.Resolution, u canonical.Usage, path string) {
	// The write must survive a client disconnect.
	ctx = context.WithoutCancel(ctx)

	if p.metrics != nil {
		p.metrics.RecordRequest(string(res.Provider), res.Model, path)
	}
	if p.store == nil {
		return
	}
	if err := p.store.Record(ctx, requestID, string(res.Provider), res.Model, u); err != nil {
		logger.Error(ctx, "Failed to record usage", "requestId", requestID, "err", err)
		if p.metrics != nil {
			p.metrics.RecordError(string(res.Provider), string(KindStorageError))
		}
		return
	}
	p.checkBudget(ctx)
}

// checkBudget warns when month-to-date spend crosses the configured
// limit. Advisory only: requests are never blocked.
func (p *Pipeline) checkBudget(ctx context.Context) {
	if p.budget == nil {
		return
	}
	status, err := p.budget.GetStatus(ctx)
	if err != nil {
		logger.Warn(ctx, "Failed to check budget", "err", err)
		return
	}
	if status.AmountUSD != nil && status.SpentMonthToDate > *status.AmountUSD {
		logger.Warn(ctx, "Monthly budget exceeded",
			"spentUsd", status.SpentMonthToDate,
			"limitUsd", *status.AmountUSD,
			"alertOnly", status.AlertOnly)
	}
}

func (p *Pipeline) countError(prov string, err error) {
	if p.metrics == nil {
		return
	}
	kind, _ := Classify(err)
	p.metrics.RecordError(prov, string(kind))
}

// client returns the cached provider client, constructing it on first use.
func (p *Pipeline) client(t provider.Type) (provider.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[t]; ok {
		return c, nil
	}
	cfg, ok := p.providerCfg[t]
	if !ok {
		cfg = provider.DefaultConfig()
	}
	c, err := provider.NewProvider(t, cfg)
	if err != nil {
		return nil, err
	}
	p.clients[t] = c
	return c, nil
}

// forwarder returns the cached passthrough forwarder for a format and
// provider pair.
func (p *Pipeline) forwarder(format adapter.Format, t provider.Type) (*passthrough.Forwarder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := forwardKey{format: format, provider: t}
	if f, ok := p.forwarders[key]; ok {
		return f, nil
	}
	cfg, ok := p.providerCfg[t]
	if !ok {
		cfg = provider.DefaultConfig()
	}
	f, err := passthrough.New(format, t, cfg)
	if err != nil {
		return nil, err
	}
	p.forwarders[key] = f
	return f, nil
}

// accountingTap folds canonical stream events into the usage totals for
// the request. Processors carry merged usage forward, so the latest
// usage-bearing event holds the full picture.
type accountingTap struct {
	usage canonical.Usage
	found bool
}

func (t *accountingTap) observe(ev *canonical.StreamEvent) {
	if ev.Usage != nil {
		t.usage = *ev.Usage
		t.found = true
	}
	if ev.Type == canonical.EventResponseCompleted && ev.Response != nil {
		var zero canonical.Usage
		if ev.Response.Usage != zero {
			t.usage = ev.Response.Usage
			t.found = true
		}
	}
}
