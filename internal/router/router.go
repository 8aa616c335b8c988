package router

import (
	"context"
	"fmt"

	"streamrelay/internal/models"
	"streamrelay/internal/provider"
)

// Dispatcher runs resolved chat requests.
type Dispatcher interface {
	Stream(ctx context.Context, req models.ChatRequest) <-chan models.Event
	Error(ctx context.Context, dialect models.Dialect, err error) <-chan models.Event
}

// Router resolves inbound chat requests against the configured profiles.
type Router struct {
	registry   *provider.Registry
	dispatcher Dispatcher
}

// New constructs a router backed by the provided registry.
func New(registry *provider.Registry, dispatcher Dispatcher) *Router {
	return &Router{
		registry:   registry,
		dispatcher: dispatcher,
	}
}

// Stream resolves the request and hands it to the dispatcher. Resolution
// failures are delivered as an upstream-prepare stream, never as a Go error.
func (r *Router) Stream(ctx context.Context, req models.ChatRequest) <-chan models.Event {
	resolved, err := r.Resolve(req)
	if err != nil {
		return r.dispatcher.Error(ctx, req.Access.Dialect, err)
	}
	return r.dispatcher.Stream(ctx, resolved)
}

// Resolve returns the request to dispatch. A request that carries its own access
// dialect is passed through; otherwise the model id or alias is looked up and the
// inbound sampling parameters override the configured defaults.
func (r *Router) Resolve(req models.ChatRequest) (models.ChatRequest, error) {
	if req.Access.Dialect != "" {
		return req, nil
	}
	if r.registry == nil {
		return models.ChatRequest{}, fmt.Errorf("%w: %s", provider.ErrUnknownModel, req.Model.ID)
	}

	profile, configured, err := r.registry.LookupModel(req.Model.ID)
	if err != nil {
		return models.ChatRequest{}, err
	}

	model := configured
	if req.Model.Temperature != nil {
		model.Temperature = req.Model.Temperature
	}
	if req.Model.MaxOutputTokens != nil {
		model.MaxOutputTokens = req.Model.MaxOutputTokens
	}
	model.VendorOptions = mergeOptions(configured.VendorOptions, req.Model.VendorOptions)

	return models.ChatRequest{
		Access:  profile.Access,
		Model:   model,
		History: req.History,
	}, nil
}

// Models lists the configured models.
func (r *Router) Models() []models.Model {
	if r.registry == nil {
		return nil
	}
	return r.registry.ListModels()
}

func mergeOptions(base, override map[string]any) map[string]any {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
