package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"coderider-gateway/internal/metrics"
	"coderider-gateway/internal/models"
	"coderider-gateway/internal/registry"
	"coderider-gateway/internal/reshaper"
	"coderider-gateway/internal/translator"
	"coderider-gateway/internal/upstream"
)

// Upstream is the provider the router forwards canonical calls to.
type Upstream interface {
	ChatCompletions(ctx context.Context, payload any) ([]byte, error)
	FetchConfig(ctx context.Context) ([]byte, error)
}

// Options carries the optional collaborators of a Router.
type Options struct {
	// DefaultModel replaces an empty model name. Defaults to registry.DefaultModel.
	DefaultModel string
	Reshaper     *reshaper.Reshaper
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Router resolves models, calls the upstream and reshapes its answer.
type Router struct {
	registry     *registry.Registry
	upstream     Upstream
	reshaper     *reshaper.Reshaper
	metrics      *metrics.Metrics
	logger       *slog.Logger
	defaultModel string
}

// New constructs a router backed by the provided registry and upstream.
func New(reg *registry.Registry, up Upstream, opts Options) *Router {
	r := &Router{
		registry:     reg,
		upstream:     up,
		reshaper:     opts.Reshaper,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		defaultModel: opts.DefaultModel,
	}
	if r.reshaper == nil {
		r.reshaper = reshaper.New()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.defaultModel == "" {
		r.defaultModel = registry.DefaultModel
	}
	return r
}

// Registry exposes the model registry the router resolves against.
func (r *Router) Registry() *registry.Registry {
	return r.registry
}

// Chat sends one canonical call upstream and returns the reshaped response
// with the descriptor it was reshaped for. Upstream data problems never
// produce an error; only transport, auth and status failures do.
func (r *Router) Chat(ctx context.Context, call models.CanonicalCall) (models.CanonicalResponse, models.ModelDescriptor, error) {
	if call.Model == "" {
		call.Model = r.defaultModel
	}
	descriptor := r.registry.Resolve(call.Model)

	payload, err := translator.UpstreamPayload(call, descriptor)
	if err != nil {
		return models.CanonicalResponse{}, descriptor, fmt.Errorf("build upstream payload: %w", err)
	}

	started := time.Now()
	body, err := r.upstream.ChatCompletions(ctx, payload)
	r.metrics.ObserveUpstream(descriptor.UpstreamAlias, errorType(err), time.Since(started))
	if err != nil {
		return models.CanonicalResponse{}, descriptor, fmt.Errorf("upstream chat request for %s: %w", descriptor.UpstreamAlias, err)
	}

	resp, stats := r.reshaper.ReshapeWithStats(reshaper.Decode(body), descriptor)
	if stats.Repaired() {
		r.logger.LogAttrs(ctx, slog.LevelWarn, "reshaped malformed upstream response",
			slog.String("model", descriptor.UpstreamAlias),
			slog.Int("dropped_choices", stats.DroppedChoices),
			slog.Int("dropped_parts", stats.DroppedParts),
			slog.Int("collapsed_arrays", stats.CollapsedArrays),
			slog.Int("padded_contents", stats.PaddedContents),
			slog.Bool("synthetic_choice", stats.SyntheticChoice),
		)
		r.recordRepairs(descriptor.UpstreamAlias, stats)
	}
	if resp.Usage != nil {
		r.metrics.AddTokens(descriptor.UpstreamAlias, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}

	return resp, descriptor, nil
}

// Catalog returns the detailed model listing built from the upstream
// configuration plus the static models.
func (r *Router) Catalog(ctx context.Context) ([]registry.CatalogEntry, error) {
	body, err := r.upstream.FetchConfig(ctx)
	r.metrics.ObserveConfigFetch(err == nil)
	if err != nil {
		return nil, fmt.Errorf("fetch upstream model config: %w", err)
	}
	return r.registry.Catalog(body), nil
}

func (r *Router) recordRepairs(model string, stats reshaper.Stats) {
	r.metrics.AddRepairs(model, "dropped_choices", stats.DroppedChoices)
	r.metrics.AddRepairs(model, "dropped_parts", stats.DroppedParts)
	r.metrics.AddRepairs(model, "collapsed_arrays", stats.CollapsedArrays)
	r.metrics.AddRepairs(model, "padded_contents", stats.PaddedContents)
	if stats.SyntheticChoice {
		r.metrics.AddRepairs(model, "synthetic_choice", 1)
	}
}

func errorType(err error) string {
	var statusErr *upstream.StatusError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, upstream.ErrAuthExpired):
		return "auth_expired"
	case errors.Is(err, upstream.ErrTimeout):
		return "timeout"
	case errors.As(err, &statusErr):
		return "status"
	default:
		return "transport"
	}
}
