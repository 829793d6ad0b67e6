// Package gateway is the provider-agnostic entry point for chat calls.
package gateway

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/llmgate/internal/llmctx"
	"github.com/vnmchuo/llmgate/internal/provider"
	"github.com/vnmchuo/llmgate/internal/usage"
)

// ChatRequest is one chat call. Messages are sent in order. A non-nil
// OnChunk makes the call streaming; Provider and Model override the
// gateway's bound values for this call only.
type ChatRequest struct {
	Messages    []provider.Message
	Provider    string
	Model       string
	MaxTokens   int
	Temperature *float64
	OnChunk     func(delta string)
	Tags        llmctx.Tags
}

func (r *ChatRequest) Streaming() bool { return r != nil && r.OnChunk != nil }

// Result is the normalised outcome of a chat call. Usage is nil when the
// provider reported nothing recognisable.
type Result struct {
	Content  string
	Usage    *usage.Usage
	Provider provider.Identity
	Model    string
	Response *provider.Response
}

func (r *Result) String() string { return r.Content }

// Chatter is the chat contract shared by the gateway and its decorators.
type Chatter interface {
	Chat(ctx context.Context, req *ChatRequest) (*Result, error)
	Target(req *ChatRequest) (provider.Identity, string)
}

type Gateway struct {
	registry *provider.Registry
	clients  map[provider.Identity]provider.Provider
	breakers map[provider.Identity]*gobreaker.CircuitBreaker
	provider provider.Identity
	model    string
	logger   *slog.Logger
}

type Option func(*options)

type options struct {
	provider string
	model    string
	logger   *slog.Logger
}

// WithProvider selects the provider by name or alias. Default: gemini.
func WithProvider(alias string) Option {
	return func(o *options) { o.provider = alias }
}

// WithModel pins the model. Default: the provider's default model.
func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New binds a provider and model. An unconfigured provider only logs a
// warning and the failure surfaces on the first call; New fails only when
// no provider at all is configured.
func New(reg *provider.Registry, clients []provider.Provider, opts ...Option) (*Gateway, error) {
	o := options{provider: string(provider.Gemini), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	id := provider.Resolve(o.provider)
	model := o.model
	if model == "" {
		model = reg.DefaultModel(id)
	}

	if !reg.IsConfigured(id) {
		available := reg.AvailableProviders()
		if len(available) == 0 {
			return nil, &ConfigurationError{Requested: id}
		}
		o.logger.Warn("LLM provider not configured",
			"provider", id,
			"available", joinIdentities(available),
		)
	}

	g := &Gateway{
		registry: reg,
		clients:  make(map[provider.Identity]provider.Provider, len(clients)),
		breakers: make(map[provider.Identity]*gobreaker.CircuitBreaker, len(clients)),
		provider: id,
		model:    model,
		logger:   o.logger,
	}
	for _, c := range clients {
		name := c.Name()
		g.clients[name] = c
		g.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(name),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	return g, nil
}

func (g *Gateway) Provider() provider.Identity { return g.provider }
func (g *Gateway) Model() string               { return g.model }

// DefaultModel returns the model used for id when no model is given.
func (g *Gateway) DefaultModel(id provider.Identity) string {
	return g.registry.DefaultModel(id)
}

func (g *Gateway) IsConfigured(alias string) bool {
	return g.registry.IsConfigured(provider.Resolve(alias))
}

func (g *Gateway) AvailableProviders() []provider.Identity {
	return g.registry.AvailableProviders()
}

// Target resolves the provider and model a request will use.
func (g *Gateway) Target(req *ChatRequest) (provider.Identity, string) {
	id, model := g.provider, g.model
	if req == nil {
		return id, model
	}
	if req.Provider != "" {
		if overridden := provider.Resolve(req.Provider); overridden != id {
			id, model = overridden, g.registry.DefaultModel(overridden)
		}
	}
	if req.Model != "" {
		model = req.Model
	}
	return id, model
}

// Chat sends the request to the selected provider. Streaming and
// non-streaming calls share this path; failures are logged and returned as
// *TransportError without retrying.
func (g *Gateway) Chat(ctx context.Context, req *ChatRequest) (*Result, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}
	id, model := g.Target(req)

	resp, err := g.call(ctx, id, &provider.Request{
		Model:       model,
		Messages:    append([]provider.Message(nil), req.Messages...),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Streaming(),
	}, req.OnChunk)
	if err != nil {
		g.logger.Error("LLM error", "provider", id, "model", model, "error", err.Error())
		return nil, &TransportError{Provider: id, Model: model, Err: err}
	}

	u, _ := usage.FromResponse(resp)
	return &Result{
		Content:  resp.Content,
		Usage:    u,
		Provider: id,
		Model:    model,
		Response: resp,
	}, nil
}

func (g *Gateway) call(ctx context.Context, id provider.Identity, req *provider.Request, onChunk func(string)) (*provider.Response, error) {
	client, ok := g.clients[id]
	if !ok {
		return nil, ErrProviderNotRegistered
	}

	out, err := g.breakers[id].Execute(func() (interface{}, error) {
		if onChunk == nil {
			return client.Complete(ctx, req)
		}
		return g.stream(ctx, client, req, onChunk)
	})
	if err != nil {
		return nil, err
	}
	return out.(*provider.Response), nil
}

// stream forwards each delta to onChunk in arrival order and assembles the
// final content.
func (g *Gateway) stream(ctx context.Context, client provider.Provider, req *provider.Request, onChunk func(string)) (*provider.Response, error) {
	ch, err := client.CompleteStream(ctx, req)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if chunk.Delta != "" {
			sb.WriteString(chunk.Delta)
			onChunk(chunk.Delta)
		}
		if chunk.Done {
			return &provider.Response{
				Content:  sb.String(),
				Model:    req.Model,
				Provider: client.Name().String(),
				Usage:    chunk.Usage,
			}, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrStreamInterrupted
}

func joinIdentities(ids []provider.Identity) string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	return strings.Join(names, ", ")
}
